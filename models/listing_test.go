package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareIDs(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{"equal", "123", "123", 0},
		{"shorter is smaller", "99", "100", -1},
		{"longer is larger", "1000", "999", 1},
		{"same length", "12346", "12345", 1},
		{"leading zeros ignored", "0099", "99", 0},
		{"beyond int64", "99999999999999999999", "100000000000000000000", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareIDs(tt.a, tt.b))
		})
	}
}

func TestIsNumericID(t *testing.T) {
	assert.True(t, IsNumericID("12345"))
	assert.False(t, IsNumericID(""))
	assert.False(t, IsNumericID("12a"))
	assert.False(t, IsNumericID("-12"))
}

func TestCycleResultAddError(t *testing.T) {
	var r CycleResult
	r.AddError("a@example.com: boom")
	r.AddError("b@example.com: bang")

	assert.Equal(t, 2, r.Failed)
	assert.Equal(t, []string{"a@example.com: boom", "b@example.com: bang"}, r.Errors)
}

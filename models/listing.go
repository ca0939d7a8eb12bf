package models

import (
	"strings"
	"time"
)

// NoTitle is used when a listing container has no text long enough to serve as a title
const NoTitle = "No title found"

// Listing represents a single SpareRoom ad parsed from a search results page.
// Optional fields are empty when the pattern did not match.
type Listing struct {
	ID            string
	URL           string
	Title         string
	Price         string
	Location      string
	PropertyType  string
	Availability  string
	BillsIncluded bool
	MinTerm       string
	MaxTerm       string
	PostedAt      string
	RawText       string // Full container text, input for the field extractors
}

// Subscriber represents a user watching one SpareRoom search
type Subscriber struct {
	ID                 int64  `db:"id" json:"id"`
	Email              string `db:"email" json:"email"`
	ListingsURL        string `db:"listings_url" json:"listingsUrl"`
	LastCheckedAdID    string `db:"last_checked_ad_id" json:"lastCheckedAdId"` // Empty until the first cycle sets it
	Active             bool   `db:"active" json:"active"`
	StripeCustomerID   string `db:"stripe_customer_id" json:"stripeCustomerId,omitempty"`
	SubscriptionStatus string `db:"subscription_status" json:"subscriptionStatus,omitempty"`
}

// CycleResult holds the aggregate counts of one monitoring cycle
type CycleResult struct {
	RunID         string    `json:"runId"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
	Processed     int       `json:"processed"`
	Successful    int       `json:"successful"`
	Failed        int       `json:"failed"`
	Notifications int       `json:"notifications"`
	Errors        []string  `json:"errors"`
}

// AddError records a failed subscriber with its message
func (r *CycleResult) AddError(msg string) {
	r.Failed++
	r.Errors = append(r.Errors, msg)
}

// CompareIDs compares two numeric ad identifiers of arbitrary length.
// Returns -1 if a < b, 0 if equal, +1 if a > b. Both must be digit strings.
func CompareIDs(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// IsNumericID reports whether s is a non-empty string of ASCII digits
func IsNumericID(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"spareroom-monitor/digest"
	"spareroom-monitor/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu          sync.Mutex
	subscribers []models.Subscriber
	watermarks  map[int64]string
	updates     int
	listErr     error
	updateErr   error
}

func newFakeStore(subs ...models.Subscriber) *fakeStore {
	s := &fakeStore{subscribers: subs, watermarks: make(map[int64]string)}
	for _, sub := range subs {
		s.watermarks[sub.ID] = sub.LastCheckedAdID
	}
	return s
}

func (s *fakeStore) ActiveSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	subs := make([]models.Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		sub.LastCheckedAdID = s.watermarks[sub.ID]
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *fakeStore) UpdateLastCheckedAdID(ctx context.Context, subscriberID int64, adID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	s.updates++
	s.watermarks[subscriberID] = adID
	return nil
}

func (s *fakeStore) watermark(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[id]
}

type fakeFetcher struct {
	pages  map[string]string
	errs   map[string]error
	panics map[string]bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	if f.panics[url] {
		panic("boom")
	}
	if err := f.errs[url]; err != nil {
		return "", err
	}
	return f.pages[url], nil
}

type sentDigest struct {
	to     string
	digest digest.Digest
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentDigest
	errs map[string]error
}

func (n *fakeNotifier) Send(ctx context.Context, to string, d digest.Digest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.errs[to]; err != nil {
		return err
	}
	n.sent = append(n.sent, sentDigest{to: to, digest: d})
	return nil
}

type fakeAudit struct {
	rows map[string][]string
}

func (a *fakeAudit) AppendNewAds(ctx context.Context, runID, email string, ads []models.Listing) error {
	for _, ad := range ads {
		a.rows[email] = append(a.rows[email], ad.ID)
	}
	return nil
}

type fakeReporter struct {
	results chan *models.CycleResult
}

func (r *fakeReporter) ReportCycle(ctx context.Context, result *models.CycleResult) {
	r.results <- result
}

// resultsPage builds a search results page with one container per id
func resultsPage(ids ...int) string {
	var sb strings.Builder
	sb.WriteString("<html><body><ul>")
	for _, id := range ids {
		sb.WriteString(fmt.Sprintf(`<li><a href="/flatshare_detail.pl?flatshare_id=%d">Double room number %d in London</a> £%d pcm</li>`, id, id, 500+id))
	}
	sb.WriteString("</ul></body></html>")
	return sb.String()
}

const (
	urlA = "https://www.spareroom.co.uk/flatshare/?search_id=1"
	urlB = "https://www.spareroom.co.uk/flatshare/?search_id=2"
)

func newTestRunner(store Store, f *fakeFetcher, n *fakeNotifier) *Runner {
	return NewRunner(store, f, nil, n, 0, time.Hour, nil)
}

func TestRunCycle_AbsentWatermarkAdvancesToNewest(t *testing.T) {
	store := newFakeStore(models.Subscriber{ID: 1, Email: "a@example.com", ListingsURL: urlA, Active: true})
	f := &fakeFetcher{pages: map[string]string{urlA: resultsPage(1, 2, 3)}}
	n := &fakeNotifier{}

	result, err := newTestRunner(store, f, n).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 0, result.Notifications)
	assert.Empty(t, n.sent)
	assert.Equal(t, "3", store.watermark(1))
	assert.NotEmpty(t, result.RunID)
	assert.False(t, result.FinishedAt.Before(result.StartedAt))
}

func TestRunCycle_NewAdsAreSentAndWatermarkAdvances(t *testing.T) {
	store := newFakeStore(models.Subscriber{ID: 1, Email: "a@example.com", ListingsURL: urlA, LastCheckedAdID: "100", Active: true})
	f := &fakeFetcher{pages: map[string]string{urlA: resultsPage(98, 99, 101, 105)}}
	n := &fakeNotifier{}
	audit := &fakeAudit{rows: make(map[string][]string)}

	r := newTestRunner(store, f, n)
	r.SetAuditLog(audit)

	result, err := r.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 1, result.Notifications)
	require.Len(t, n.sent, 1)
	assert.Equal(t, "a@example.com", n.sent[0].to)
	assert.Equal(t, "🏠 2 new SpareRoom listings", n.sent[0].digest.Subject)

	text := n.sent[0].digest.Text
	assert.Contains(t, text, "flatshare_id=105")
	assert.Contains(t, text, "flatshare_id=101")
	assert.NotContains(t, text, "flatshare_id=99")
	assert.Less(t, strings.Index(text, "ID: 105"), strings.Index(text, "ID: 101"))

	assert.Equal(t, "105", store.watermark(1))
	assert.Equal(t, []string{"105", "101"}, audit.rows["a@example.com"])
}

func TestRunCycle_NotifierFailureKeepsWatermark(t *testing.T) {
	store := newFakeStore(models.Subscriber{ID: 1, Email: "a@example.com", ListingsURL: urlA, LastCheckedAdID: "100", Active: true})
	f := &fakeFetcher{pages: map[string]string{urlA: resultsPage(101, 105)}}
	n := &fakeNotifier{errs: map[string]error{"a@example.com": errors.New("smtp down")}}

	result, err := newTestRunner(store, f, n).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, result.Successful)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Notifications)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "a@example.com")
	assert.Contains(t, result.Errors[0], "smtp down")
	assert.Equal(t, "100", store.watermark(1))
	assert.Equal(t, 0, store.updates)
}

func TestRunCycle_FetchFailureIsIsolated(t *testing.T) {
	store := newFakeStore(
		models.Subscriber{ID: 1, Email: "a@example.com", ListingsURL: urlA, LastCheckedAdID: "10", Active: true},
		models.Subscriber{ID: 2, Email: "b@example.com", ListingsURL: urlB, LastCheckedAdID: "10", Active: true},
	)
	f := &fakeFetcher{
		pages: map[string]string{urlB: resultsPage(11)},
		errs:  map[string]error{urlA: errors.New("timeout")},
	}
	n := &fakeNotifier{}

	result, err := newTestRunner(store, f, n).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Notifications)
	assert.Equal(t, "10", store.watermark(1))
	assert.Equal(t, "11", store.watermark(2))
}

func TestRunCycle_PanicIsIsolated(t *testing.T) {
	store := newFakeStore(
		models.Subscriber{ID: 1, Email: "a@example.com", ListingsURL: urlA, Active: true},
		models.Subscriber{ID: 2, Email: "b@example.com", ListingsURL: urlB, Active: true},
	)
	f := &fakeFetcher{
		pages:  map[string]string{urlB: resultsPage(7)},
		panics: map[string]bool{urlA: true},
	}

	result, err := newTestRunner(store, f, &fakeNotifier{}).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 1, result.Failed)
	assert.Contains(t, result.Errors[0], "panic: boom")
	assert.Equal(t, "7", store.watermark(2))
}

func TestRunCycle_MissingOrInvalidURL(t *testing.T) {
	store := newFakeStore(
		models.Subscriber{ID: 1, Email: "a@example.com", ListingsURL: "", Active: true},
		models.Subscriber{ID: 2, Email: "b@example.com", ListingsURL: "not a url", Active: true},
	)

	result, err := newTestRunner(store, &fakeFetcher{}, &fakeNotifier{}).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, "a@example.com: no listings URL", result.Errors[0])
	assert.Contains(t, result.Errors[1], "invalid listings URL")
}

func TestRunCycle_NoListingsLeavesWatermark(t *testing.T) {
	store := newFakeStore(models.Subscriber{ID: 1, Email: "a@example.com", ListingsURL: urlA, LastCheckedAdID: "50", Active: true})
	f := &fakeFetcher{pages: map[string]string{urlA: "<html><body>No results</body></html>"}}

	result, err := newTestRunner(store, f, &fakeNotifier{}).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 0, store.updates)
	assert.Equal(t, "50", store.watermark(1))
}

func TestRunCycle_WatermarkNeverMovesBackwards(t *testing.T) {
	store := newFakeStore(models.Subscriber{ID: 1, Email: "a@example.com", ListingsURL: urlA, LastCheckedAdID: "200", Active: true})
	f := &fakeFetcher{pages: map[string]string{urlA: resultsPage(150, 120)}}

	result, err := newTestRunner(store, f, &fakeNotifier{}).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 0, store.updates)
	assert.Equal(t, "200", store.watermark(1))
}

func TestRunCycle_CorruptWatermarkIsRebaselined(t *testing.T) {
	store := newFakeStore(models.Subscriber{ID: 1, Email: "a@example.com", ListingsURL: urlA, LastCheckedAdID: "abc", Active: true})
	f := &fakeFetcher{pages: map[string]string{urlA: resultsPage(5, 9)}}
	n := &fakeNotifier{}

	result, err := newTestRunner(store, f, n).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Successful)
	assert.Empty(t, n.sent)
	assert.Equal(t, "9", store.watermark(1))
}

func TestRunCycle_WatermarkUpdateFailureAfterSend(t *testing.T) {
	store := newFakeStore(models.Subscriber{ID: 1, Email: "a@example.com", ListingsURL: urlA, LastCheckedAdID: "1", Active: true})
	store.updateErr = errors.New("db gone")
	f := &fakeFetcher{pages: map[string]string{urlA: resultsPage(2)}}

	result, err := newTestRunner(store, f, &fakeNotifier{}).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Notifications)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Successful)
}

func TestRunCycle_StoreErrorAbortsCycle(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("connection refused")
	reporter := &fakeReporter{results: make(chan *models.CycleResult, 1)}

	r := newTestRunner(store, &fakeFetcher{}, &fakeNotifier{})
	r.SetReporter(reporter)

	result, err := r.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.listErr))
	assert.Equal(t, 0, result.Processed)

	reported := <-reporter.results
	assert.Equal(t, result.RunID, reported.RunID)
}

func TestRunCycle_CancelledDuringDelay(t *testing.T) {
	store := newFakeStore(
		models.Subscriber{ID: 1, Email: "a@example.com", ListingsURL: urlA, Active: true},
		models.Subscriber{ID: 2, Email: "b@example.com", ListingsURL: urlB, Active: true},
	)
	f := &fakeFetcher{pages: map[string]string{urlA: resultsPage(1), urlB: resultsPage(2)}}

	r := NewRunner(store, f, nil, &fakeNotifier{}, time.Hour, time.Hour, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, err := r.RunCycle(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, "", store.watermark(2))
}

func TestRunner_StartStop(t *testing.T) {
	store := newFakeStore(models.Subscriber{ID: 1, Email: "a@example.com", ListingsURL: urlA, Active: true})
	f := &fakeFetcher{pages: map[string]string{urlA: resultsPage(4)}}
	reporter := &fakeReporter{results: make(chan *models.CycleResult, 10)}

	r := newTestRunner(store, f, &fakeNotifier{})
	r.SetReporter(reporter)
	r.Start()

	select {
	case result := <-reporter.results:
		assert.Equal(t, 1, result.Processed)
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle did not run")
	}

	r.Stop()
	assert.Equal(t, "4", store.watermark(1))
}

func TestSleep(t *testing.T) {
	assert.NoError(t, sleep(context.Background(), 0))
	assert.NoError(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"spareroom-monitor/billing"
	"spareroom-monitor/db"
	"spareroom-monitor/digest"
	"spareroom-monitor/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "s3cret"

type fakeRunner struct {
	result *models.CycleResult
	err    error
	calls  int
}

func (f *fakeRunner) RunCycle(ctx context.Context) (*models.CycleResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeStore struct {
	subscribers map[string]*models.Subscriber
	healthErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{subscribers: make(map[string]*models.Subscriber)}
}

func (s *fakeStore) UpsertSubscriber(ctx context.Context, email, listingsURL string) (*models.Subscriber, error) {
	sub, ok := s.subscribers[email]
	if !ok {
		sub = &models.Subscriber{ID: int64(len(s.subscribers) + 1), Email: email, Active: true}
		s.subscribers[email] = sub
	}
	sub.ListingsURL = listingsURL
	return sub, nil
}

func (s *fakeStore) SetSubscriberActive(ctx context.Context, email string, active bool) error {
	sub, ok := s.subscribers[email]
	if !ok {
		return fmt.Errorf("%s: %w", email, db.ErrSubscriberNotFound)
	}
	sub.Active = active
	return nil
}

func (s *fakeStore) SubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	sub, ok := s.subscribers[email]
	if !ok {
		return nil, fmt.Errorf("%s: %w", email, db.ErrSubscriberNotFound)
	}
	return sub, nil
}

func (s *fakeStore) Health(ctx context.Context) error {
	return s.healthErr
}

type fakeFetcher struct {
	page string
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	return f.page, f.err
}

type fakeNotifier struct {
	sent []digest.Digest
	err  error
}

func (n *fakeNotifier) Send(ctx context.Context, to string, d digest.Digest) error {
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, d)
	return nil
}

type testEnv struct {
	runner   *fakeRunner
	store    *fakeStore
	fetcher  *fakeFetcher
	notifier *fakeNotifier
	router   http.Handler
}

func newTestEnv() *testEnv {
	env := &testEnv{
		runner:   &fakeRunner{result: &models.CycleResult{Errors: []string{}}},
		store:    newFakeStore(),
		fetcher:  &fakeFetcher{},
		notifier: &fakeNotifier{},
	}
	env.router = NewHandler(env.runner, env.store, env.fetcher, nil, env.notifier, secret, nil).Router()
	return env
}

func (env *testEnv) do(method, path, body string, authorized bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authorized {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestCron_RequiresSecret(t *testing.T) {
	env := newTestEnv()

	rec := env.do(http.MethodGet, "/api/cron", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/cron", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, 0, env.runner.calls)
}

func TestCron_NoSecretConfiguredRejectsAll(t *testing.T) {
	runner := &fakeRunner{result: &models.CycleResult{}}
	router := NewHandler(runner, newFakeStore(), &fakeFetcher{}, nil, &fakeNotifier{}, "", nil).Router()

	req := httptest.NewRequest(http.MethodGet, "/api/cron", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, runner.calls)
}

func TestCron_Success(t *testing.T) {
	env := newTestEnv()
	env.runner.result = &models.CycleResult{RunID: "run-1", Processed: 2, Successful: 2, Notifications: 1, Errors: []string{}}

	rec := env.do(http.MethodGet, "/api/cron", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(2), body["processed"])
	assert.Equal(t, float64(2), body["successful"])
	assert.Equal(t, float64(0), body["failed"])
	assert.Equal(t, float64(1), body["notifications"])
	assert.Equal(t, []interface{}{}, body["errors"])
	assert.Equal(t, "run-1", body["runId"])
}

func TestCron_AnyFailureIs500(t *testing.T) {
	env := newTestEnv()
	env.runner.result = &models.CycleResult{Processed: 2, Successful: 1, Failed: 1, Errors: []string{"a@example.com: fetch failed"}}

	rec := env.do(http.MethodGet, "/api/cron", "", true)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, []interface{}{"a@example.com: fetch failed"}, body["errors"])
}

func TestCron_AbortedCycle(t *testing.T) {
	env := newTestEnv()
	env.runner.result = &models.CycleResult{Errors: []string{}}
	env.runner.err = errors.New("failed to load subscribers: connection refused")

	rec := env.do(http.MethodGet, "/api/cron", "", true)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "connection refused")
}

func TestHealth(t *testing.T) {
	env := newTestEnv()

	rec := env.do(http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)

	env.store.healthErr = errors.New("db down")
	rec = env.do(http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUpsertSubscriber(t *testing.T) {
	env := newTestEnv()

	rec := env.do(http.MethodPost, "/api/subscribers",
		`{"email": " User@Example.com ", "listingsUrl": "https://www.spareroom.co.uk/flatshare/?search_id=1"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	sub, ok := env.store.subscribers["user@example.com"]
	require.True(t, ok)
	assert.Equal(t, "https://www.spareroom.co.uk/flatshare/?search_id=1", sub.ListingsURL)

	// The response uses the same field names as the request
	body := decode(t, rec)
	stored, ok := body["subscriber"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), stored["id"])
	assert.Equal(t, "user@example.com", stored["email"])
	assert.Equal(t, "https://www.spareroom.co.uk/flatshare/?search_id=1", stored["listingsUrl"])
	assert.Equal(t, "", stored["lastCheckedAdId"])
	assert.Equal(t, true, stored["active"])
	assert.NotContains(t, stored, "ListingsURL")
	assert.NotContains(t, stored, "stripeCustomerId")
}

func TestUpsertSubscriber_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"bad email", `{"email": "nope", "listingsUrl": "https://www.spareroom.co.uk/flatshare/"}`},
		{"named address", `{"email": "Bob <bob@example.com>", "listingsUrl": "https://www.spareroom.co.uk/flatshare/"}`},
		{"missing url", `{"email": "a@example.com"}`},
		{"relative url", `{"email": "a@example.com", "listingsUrl": "/flatshare/"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			rec := env.do(http.MethodPost, "/api/subscribers", tt.body, true)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, env.store.subscribers)
		})
	}
}

func TestSetActive(t *testing.T) {
	env := newTestEnv()
	env.store.subscribers["a@example.com"] = &models.Subscriber{ID: 1, Email: "a@example.com", Active: true}

	rec := env.do(http.MethodPost, "/api/subscribers/a@example.com/active", `{"active": false}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.store.subscribers["a@example.com"].Active)

	rec = env.do(http.MethodPost, "/api/subscribers/a@example.com/active", `{}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/subscribers/missing@example.com/active", `{"active": true}`, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTestNotification(t *testing.T) {
	env := newTestEnv()
	env.store.subscribers["a@example.com"] = &models.Subscriber{ID: 1, Email: "a@example.com", ListingsURL: "https://www.spareroom.co.uk/flatshare/?search_id=1"}

	var sb strings.Builder
	sb.WriteString("<ul>")
	for id := 1; id <= 8; id++ {
		sb.WriteString(fmt.Sprintf(`<li><a href="/flatshare_detail.pl?flatshare_id=%d">Double room number %d in Hackney</a></li>`, id, id))
	}
	sb.WriteString("</ul>")
	env.fetcher.page = sb.String()

	rec := env.do(http.MethodPost, "/api/test-notification", `{"email": "a@example.com"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(sampleSize), decode(t, rec)["listings"])

	require.Len(t, env.notifier.sent, 1)
	assert.Equal(t, "🏠 5 new SpareRoom listings", env.notifier.sent[0].Subject)
	assert.Contains(t, env.notifier.sent[0].Text, "flatshare_id=8")
	assert.NotContains(t, env.notifier.sent[0].Text, "flatshare_id=3")
}

func TestTestNotification_Errors(t *testing.T) {
	env := newTestEnv()
	env.store.subscribers["nourl@example.com"] = &models.Subscriber{ID: 1, Email: "nourl@example.com"}
	env.store.subscribers["a@example.com"] = &models.Subscriber{ID: 2, Email: "a@example.com", ListingsURL: "https://www.spareroom.co.uk/flatshare/"}

	rec := env.do(http.MethodPost, "/api/test-notification", `{}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/test-notification", `{"email": "missing@example.com"}`, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodPost, "/api/test-notification", `{"email": "nourl@example.com"}`, true)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	env.fetcher.page = "<html></html>"
	rec = env.do(http.MethodPost, "/api/test-notification", `{"email": "a@example.com"}`, true)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	env.fetcher.err = errors.New("timeout")
	rec = env.do(http.MethodPost, "/api/test-notification", `{"email": "a@example.com"}`, true)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	assert.Empty(t, env.notifier.sent)
}

type fakeBilling struct {
	checkoutURL string
	err         error
	emails      []string
	payload     string
	signature   string
	sessionID   string
	subscriber  *models.Subscriber
}

func (b *fakeBilling) CreateCheckout(ctx context.Context, email, listingsURL string) (string, error) {
	b.emails = append(b.emails, email)
	return b.checkoutURL, b.err
}

func (b *fakeBilling) SessionSubscriber(ctx context.Context, sessionID string) (*models.Subscriber, error) {
	b.sessionID = sessionID
	if b.err != nil {
		return nil, b.err
	}
	return b.subscriber, nil
}

func (b *fakeBilling) SetEmailsEnabled(ctx context.Context, sessionID string, enabled bool) (*models.Subscriber, error) {
	b.sessionID = sessionID
	if b.err != nil {
		return nil, b.err
	}
	sub := *b.subscriber
	sub.Active = enabled
	return &sub, nil
}

func (b *fakeBilling) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	b.payload = string(payload)
	b.signature = signature
	return b.err
}

func newBillingRouter(b *fakeBilling) http.Handler {
	h := NewHandler(&fakeRunner{}, newFakeStore(), &fakeFetcher{}, nil, &fakeNotifier{}, secret, nil)
	h.SetBilling(b)
	return h.Router()
}

func TestBillingRoutesOnlyWhenEnabled(t *testing.T) {
	env := newTestEnv()

	rec := env.do(http.MethodPost, "/billing/webhook", `{}`, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckout(t *testing.T) {
	b := &fakeBilling{checkoutURL: "https://checkout.stripe.com/c/pay/cs_1"}
	router := newBillingRouter(b)

	req := httptest.NewRequest(http.MethodPost, "/billing/checkout",
		strings.NewReader(`{"email": "New@Example.com", "listingsUrl": "https://www.spareroom.co.uk/flatshare/?search_id=1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_1", decode(t, rec)["url"])
	assert.Equal(t, []string{"new@example.com"}, b.emails)
}

func TestCheckout_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		billingErr error
		wantStatus int
	}{
		{"bad email", `{"email": "nope", "listingsUrl": "https://www.spareroom.co.uk/flatshare/"}`, nil, http.StatusBadRequest},
		{"bad url", `{"email": "a@example.com", "listingsUrl": "flatshare"}`, nil, http.StatusBadRequest},
		{"stripe down", `{"email": "a@example.com", "listingsUrl": "https://www.spareroom.co.uk/flatshare/"}`, errors.New("timeout"), http.StatusBadGateway},
		{"not configured", `{"email": "a@example.com", "listingsUrl": "https://www.spareroom.co.uk/flatshare/"}`, billing.ErrNotConfigured, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newBillingRouter(&fakeBilling{err: tt.billingErr})

			req := httptest.NewRequest(http.MethodPost, "/billing/checkout", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestStripeWebhook(t *testing.T) {
	tests := []struct {
		name       string
		billingErr error
		wantStatus int
	}{
		{"applied", nil, http.StatusOK},
		{"bad signature", fmt.Errorf("%w: no valid signature", billing.ErrInvalidSignature), http.StatusBadRequest},
		{"malformed", billing.ErrMalformedEvent, http.StatusBadRequest},
		{"not configured", billing.ErrNotConfigured, http.StatusServiceUnavailable},
		{"store down", errors.New("connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBilling{err: tt.billingErr}
			router := newBillingRouter(b)

			req := httptest.NewRequest(http.MethodPost, "/billing/webhook", strings.NewReader(`{"id": "evt_1"}`))
			req.Header.Set("Stripe-Signature", "t=1,v1=abc")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, `{"id": "evt_1"}`, b.payload)
			assert.Equal(t, "t=1,v1=abc", b.signature)
		})
	}
}

func TestStripeWebhook_BodyTooLarge(t *testing.T) {
	b := &fakeBilling{}
	router := newBillingRouter(b)

	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", strings.NewReader(strings.Repeat("x", maxWebhookBody+1)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, b.payload)
}

func sessionSubscriber() *models.Subscriber {
	return &models.Subscriber{
		ID:                 4,
		Email:              "paid@example.com",
		ListingsURL:        "https://www.spareroom.co.uk/flatshare/?search_id=1",
		Active:             true,
		StripeCustomerID:   "cus_1",
		SubscriptionStatus: "trialing",
	}
}

func TestBillingSession(t *testing.T) {
	b := &fakeBilling{subscriber: sessionSubscriber()}
	router := newBillingRouter(b)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/billing/session?session_id=cs_1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cs_1", b.sessionID)
	body := decode(t, rec)
	assert.Equal(t, "paid@example.com", body["email"])
	assert.Equal(t, "https://www.spareroom.co.uk/flatshare/?search_id=1", body["listingsUrl"])
	assert.Equal(t, true, body["active"])
	assert.Equal(t, "trialing", body["subscriptionStatus"])
	assert.NotContains(t, body, "stripeCustomerId")
}

func TestBillingSession_Errors(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		billingErr error
		wantStatus int
	}{
		{"missing session id", "/billing/session", nil, http.StatusBadRequest},
		{"checkout not complete", "/billing/session?session_id=cs_1", billing.ErrNoCustomer, http.StatusBadRequest},
		{"unknown session", "/billing/session?session_id=cs_1", fmt.Errorf("%w: cs_1", billing.ErrUnknownSession), http.StatusNotFound},
		{"customer not linked", "/billing/session?session_id=cs_1", db.ErrSubscriberNotFound, http.StatusNotFound},
		{"not configured", "/billing/session?session_id=cs_1", billing.ErrNotConfigured, http.StatusServiceUnavailable},
		{"stripe down", "/billing/session?session_id=cs_1", errors.New("timeout"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newBillingRouter(&fakeBilling{subscriber: sessionSubscriber(), err: tt.billingErr})
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestToggleEmails(t *testing.T) {
	b := &fakeBilling{subscriber: sessionSubscriber()}
	router := newBillingRouter(b)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/billing/emails",
		strings.NewReader(`{"sessionId": " cs_1 ", "enabled": false}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cs_1", b.sessionID)
	assert.Equal(t, false, decode(t, rec)["active"])
}

func TestToggleEmails_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		billingErr error
		wantStatus int
	}{
		{"invalid json", `{`, nil, http.StatusBadRequest},
		{"missing enabled", `{"sessionId": "cs_1"}`, nil, http.StatusBadRequest},
		{"missing session", `{"enabled": true}`, nil, http.StatusBadRequest},
		{"lapsed subscription", `{"sessionId": "cs_1", "enabled": true}`, fmt.Errorf("%w: status %q", billing.ErrSubscriptionInactive, "canceled"), http.StatusConflict},
		{"unknown session", `{"sessionId": "cs_1", "enabled": true}`, billing.ErrUnknownSession, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newBillingRouter(&fakeBilling{subscriber: sessionSubscriber(), err: tt.billingErr})
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/billing/emails", strings.NewReader(tt.body)))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

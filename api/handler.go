package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"spareroom-monitor/billing"
	"spareroom-monitor/db"
	"spareroom-monitor/digest"
	"spareroom-monitor/fetcher"
	"spareroom-monitor/models"
	"spareroom-monitor/notifier"
	"spareroom-monitor/parser"
	"spareroom-monitor/searchurl"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	// sampleSize is how many current listings a test notification carries
	sampleSize = 5
	// maxWebhookBody bounds a Stripe webhook payload
	maxWebhookBody = 64 << 10
)

// CycleRunner runs one monitoring cycle
type CycleRunner interface {
	RunCycle(ctx context.Context) (*models.CycleResult, error)
}

// SubscriberStore is the persistence the admin routes need
type SubscriberStore interface {
	UpsertSubscriber(ctx context.Context, email, listingsURL string) (*models.Subscriber, error)
	SetSubscriberActive(ctx context.Context, email string, active bool) error
	SubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error)
	Health(ctx context.Context) error
}

// Billing starts paid subscriptions and applies Stripe webhooks
type Billing interface {
	CreateCheckout(ctx context.Context, email, listingsURL string) (string, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
	SessionSubscriber(ctx context.Context, sessionID string) (*models.Subscriber, error)
	SetEmailsEnabled(ctx context.Context, sessionID string, enabled bool) (*models.Subscriber, error)
}

// Handler serves the cron trigger and the subscriber admin routes
type Handler struct {
	runner     CycleRunner
	store      SubscriberStore
	fetcher    fetcher.Fetcher
	parser     *parser.Parser
	notifier   notifier.Notifier
	billing    Billing
	cronSecret string
	logger     *zap.Logger
}

// NewHandler creates a new Handler
func NewHandler(runner CycleRunner, store SubscriberStore, f fetcher.Fetcher, p *parser.Parser, n notifier.Notifier, cronSecret string, logger *zap.Logger) *Handler {
	if p == nil {
		p = parser.NewParser("")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		runner:     runner,
		store:      store,
		fetcher:    f,
		parser:     p,
		notifier:   n,
		cronSecret: cronSecret,
		logger:     logger,
	}
}

// SetBilling enables the public checkout, session and Stripe webhook routes
func (h *Handler) SetBilling(b Billing) {
	h.billing = b
}

// Router returns the routes. Everything under /api needs the cron secret;
// the billing routes are public and the webhook is checked by its signature.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.HandleHealth).Methods(http.MethodGet)

	if h.billing != nil {
		r.HandleFunc("/billing/checkout", h.HandleCheckout).Methods(http.MethodPost)
		r.HandleFunc("/billing/webhook", h.HandleStripeWebhook).Methods(http.MethodPost)
		r.HandleFunc("/billing/session", h.HandleBillingSession).Methods(http.MethodGet)
		r.HandleFunc("/billing/emails", h.HandleToggleEmails).Methods(http.MethodPost)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.requireSecret)
	api.HandleFunc("/cron", h.HandleCron).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/subscribers", h.HandleUpsertSubscriber).Methods(http.MethodPost)
	api.HandleFunc("/subscribers/{email}/active", h.HandleSetActive).Methods(http.MethodPost)
	api.HandleFunc("/test-notification", h.HandleTestNotification).Methods(http.MethodPost)

	return r
}

// requireSecret rejects requests without "Authorization: Bearer <secret>".
// With no secret configured every request is rejected.
func (h *Handler) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || h.cronSecret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.cronSecret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type cronResponse struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	*models.CycleResult
}

// HandleCron runs one cycle and reports the aggregate counts.
// Any failed subscriber or an aborted cycle answers 500.
func (h *Handler) HandleCron(w http.ResponseWriter, r *http.Request) {
	result, err := h.runner.RunCycle(r.Context())
	if result == nil {
		result = &models.CycleResult{Errors: []string{}}
	}

	resp := cronResponse{
		Success:     err == nil && result.Failed == 0,
		Timestamp:   time.Now().UTC(),
		CycleResult: result,
	}
	if err != nil {
		h.logger.Error("cron cycle aborted", zap.String("run_id", result.RunID), zap.Error(err))
		resp.Error = err.Error()
	}

	status := http.StatusOK
	if !resp.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

// HandleHealth reports whether the database answers
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type upsertRequest struct {
	Email       string `json:"email"`
	ListingsURL string `json:"listingsUrl"`
}

type subscriberResponse struct {
	Success    bool               `json:"success"`
	Subscriber *models.Subscriber `json:"subscriber"`
}

// HandleUpsertSubscriber creates a subscriber or changes its search URL
func (h *Handler) HandleUpsertSubscriber(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	email, err := validateEmail(req.Email)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	listingsURL, err := searchurl.Validate(req.ListingsURL)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	sub, err := h.store.UpsertSubscriber(r.Context(), email, listingsURL)
	if err != nil {
		h.logger.Error("failed to upsert subscriber", zap.String("email", email), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to store subscriber"})
		return
	}

	h.logger.Info("subscriber stored", zap.String("email", sub.Email), zap.Int64("subscriber_id", sub.ID))
	writeJSON(w, http.StatusOK, subscriberResponse{Success: true, Subscriber: sub})
}

type activeRequest struct {
	Active *bool `json:"active"`
}

// HandleSetActive turns a subscriber's notifications on or off
func (h *Handler) HandleSetActive(w http.ResponseWriter, r *http.Request) {
	email := mux.Vars(r)["email"]

	var req activeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "active must be a boolean"})
		return
	}

	if err := h.store.SetSubscriberActive(r.Context(), email, *req.Active); err != nil {
		if errors.Is(err, db.ErrSubscriberNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}
		h.logger.Error("failed to update subscriber", zap.String("email", email), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to update subscriber"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "active": *req.Active})
}

type testNotificationRequest struct {
	Email string `json:"email"`
}

// HandleTestNotification emails a subscriber the newest listings on their
// search without touching the watermark
func (h *Handler) HandleTestNotification(w http.ResponseWriter, r *http.Request) {
	var req testNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "email is required"})
		return
	}

	sub, err := h.store.SubscriberByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, db.ErrSubscriberNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load subscriber"})
		return
	}

	ads, err := h.currentListings(r.Context(), sub.ListingsURL)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, searchurl.ErrEmptyURL) || errors.Is(err, searchurl.ErrInvalidURL) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	if len(ads) > sampleSize {
		ads = ads[:sampleSize]
	}

	d, err := digest.Render(ads)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "no listings found on the subscriber's search"})
		return
	}

	if err := h.notifier.Send(r.Context(), sub.Email, d); err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"message":  fmt.Sprintf("Test email sent to %s", sub.Email),
		"listings": len(ads),
	})
}

func (h *Handler) currentListings(ctx context.Context, rawURL string) ([]models.Listing, error) {
	listingsURL, err := searchurl.Validate(rawURL)
	if err != nil {
		return nil, err
	}

	html, err := h.fetcher.Fetch(ctx, listingsURL)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}

	return h.parser.ParseHTML(html)
}

// HandleCheckout validates a signup and answers with the Stripe payment page URL
func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	email, err := validateEmail(req.Email)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	listingsURL, err := searchurl.Validate(req.ListingsURL)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	checkoutURL, err := h.billing.CreateCheckout(r.Context(), email, listingsURL)
	if err != nil {
		h.logger.Error("failed to create checkout session", zap.String("email", email), zap.Error(err))
		status := http.StatusBadGateway
		if errors.Is(err, billing.ErrNotConfigured) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorResponse{Error: "failed to create checkout session"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": checkoutURL})
}

// HandleStripeWebhook applies a signed Stripe event. Failures other than a bad
// payload answer 5xx so Stripe redelivers the event.
func (h *Handler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read body"})
		return
	}

	err = h.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, billing.ErrInvalidSignature), errors.Is(err, billing.ErrMalformedEvent):
		h.logger.Warn("rejected stripe webhook", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid webhook"})
	case errors.Is(err, billing.ErrNotConfigured):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "webhooks are not configured"})
	default:
		h.logger.Error("failed to process stripe webhook", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "webhook processing failed"})
	}
}

type sessionResponse struct {
	Email              string `json:"email"`
	ListingsURL        string `json:"listingsUrl"`
	Active             bool   `json:"active"`
	SubscriptionStatus string `json:"subscriptionStatus"`
}

func newSessionResponse(sub *models.Subscriber) sessionResponse {
	return sessionResponse{
		Email:              sub.Email,
		ListingsURL:        sub.ListingsURL,
		Active:             sub.Active,
		SubscriptionStatus: sub.SubscriptionStatus,
	}
}

// HandleBillingSession shows the subscription behind a completed checkout
func (h *Handler) HandleBillingSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session_id is required"})
		return
	}

	sub, err := h.billing.SessionSubscriber(r.Context(), sessionID)
	if err != nil {
		h.writeBillingError(w, sessionID, err)
		return
	}

	writeJSON(w, http.StatusOK, newSessionResponse(sub))
}

type toggleEmailsRequest struct {
	SessionID string `json:"sessionId"`
	Enabled   *bool  `json:"enabled"`
}

// HandleToggleEmails pauses or resumes digests for the owner of a checkout session
func (h *Handler) HandleToggleEmails(w http.ResponseWriter, r *http.Request) {
	var req toggleEmailsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil || strings.TrimSpace(req.SessionID) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "sessionId and enabled are required"})
		return
	}

	sub, err := h.billing.SetEmailsEnabled(r.Context(), strings.TrimSpace(req.SessionID), *req.Enabled)
	if err != nil {
		h.writeBillingError(w, req.SessionID, err)
		return
	}

	writeJSON(w, http.StatusOK, newSessionResponse(sub))
}

func (h *Handler) writeBillingError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, billing.ErrNoCustomer):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "checkout is not complete"})
	case errors.Is(err, billing.ErrUnknownSession), errors.Is(err, db.ErrSubscriberNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "subscription not found"})
	case errors.Is(err, billing.ErrSubscriptionInactive):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, billing.ErrNotConfigured):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "billing is not configured"})
	default:
		h.logger.Error("billing session lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "failed to load subscription"})
	}
}

func validateEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil || addr.Name != "" {
		return "", fmt.Errorf("invalid email address %q", raw)
	}
	return db.NormalizeEmail(addr.Address), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"spareroom-monitor/db"
	"spareroom-monitor/models"
	"spareroom-monitor/searchurl"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

// Checkout metadata keys. The webhook reads back what checkout stored.
const (
	metadataEmail       = "email"
	metadataListingsURL = "spareroomUrl"
)

// Webhook event types that change a subscriber
const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

var (
	// ErrNotConfigured is returned when the Stripe keys needed for a call are missing
	ErrNotConfigured = errors.New("billing is not configured")
	// ErrInvalidSignature is returned for webhook payloads that fail verification
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedEvent is returned for signed events whose object cannot be decoded
	ErrMalformedEvent = errors.New("malformed webhook event")
	// ErrUnknownSession is returned when Stripe has no checkout session with the given id
	ErrUnknownSession = errors.New("unknown checkout session")
	// ErrNoCustomer is returned for checkout sessions that never created a customer
	ErrNoCustomer = errors.New("checkout session has no customer")
	// ErrSubscriptionInactive is returned when enabling emails on a lapsed subscription
	ErrSubscriptionInactive = errors.New("subscription is not active")
)

// Store is the persistence the subscription lifecycle needs
type Store interface {
	UpsertSubscriber(ctx context.Context, email, listingsURL string) (*models.Subscriber, error)
	LinkStripeCustomer(ctx context.Context, email, customerID, subscriptionID, status string, active bool) (*models.Subscriber, error)
	UpdateSubscriptionStatus(ctx context.Context, customerID, subscriptionID, status string, active bool) error
	SubscriberByStripeCustomer(ctx context.Context, customerID string) (*models.Subscriber, error)
	SetSubscriberActive(ctx context.Context, email string, active bool) error
}

// Config holds the Stripe settings
type Config struct {
	SecretKey     string
	WebhookSecret string
	PriceID       string
	BaseURL       string
	TrialDays     int64
}

// Service creates checkout sessions and applies subscription webhooks to the store
type Service struct {
	sessions *session.Client
	store    Store
	cfg      Config
	logger   *zap.Logger
}

// NewService creates a Service talking to the live Stripe API
func NewService(cfg Config, store Store, logger *zap.Logger) *Service {
	return newService(cfg, stripe.GetBackend(stripe.APIBackend), store, logger)
}

func newService(cfg Config, backend stripe.Backend, store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Service{
		sessions: &session.Client{B: backend, Key: cfg.SecretKey},
		store:    store,
		cfg:      cfg,
		logger:   logger,
	}
}

// ActiveStatus reports whether a subscription in this Stripe status should
// receive digests
func ActiveStatus(status string) bool {
	switch stripe.SubscriptionStatus(status) {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return true
	}
	return false
}

// CreateCheckout starts a subscription checkout for email and returns the
// hosted payment page URL. The listings URL rides along as metadata.
func (s *Service) CreateCheckout(ctx context.Context, email, listingsURL string) (string, error) {
	if s.cfg.SecretKey == "" || s.cfg.PriceID == "" {
		return "", ErrNotConfigured
	}

	params := &stripe.CheckoutSessionParams{
		CustomerEmail: stripe.String(email),
		Mode:          stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(s.cfg.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(s.cfg.BaseURL + "/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(s.cfg.BaseURL + "/"),
	}
	if s.cfg.TrialDays > 0 {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			TrialPeriodDays: stripe.Int64(s.cfg.TrialDays),
		}
	}
	params.AddMetadata(metadataEmail, email)
	params.AddMetadata(metadataListingsURL, listingsURL)
	params.Context = ctx

	sess, err := s.sessions.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	s.logger.Info("created checkout session", zap.String("email", email), zap.String("session_id", sess.ID))
	return sess.URL, nil
}

// HandleWebhook verifies a Stripe webhook payload against its Stripe-Signature
// header and applies it. Unknown event types and unknown customers are ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.cfg.WebhookSecret == "" {
		return ErrNotConfigured
	}

	// Events are decoded field by field, so the account's API version may differ from the library's
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	logger := s.logger.With(zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))
	if event.Data == nil {
		return fmt.Errorf("%w: event %s has no data", ErrMalformedEvent, event.ID)
	}

	switch string(event.Type) {
	case eventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return s.checkoutCompleted(ctx, logger, &sess)

	case eventSubscriptionUpdated, eventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		status := string(sub.Status)
		if string(event.Type) == eventSubscriptionDeleted {
			status = string(stripe.SubscriptionStatusCanceled)
		}
		return s.subscriptionChanged(ctx, logger, customerID(sub.Customer), sub.ID, status)

	default:
		logger.Debug("ignoring webhook event")
		return nil
	}
}

// SessionSubscriber returns the subscriber created by a checkout session.
// The session id doubles as the subscriber's proof of identity.
func (s *Service) SessionSubscriber(ctx context.Context, sessionID string) (*models.Subscriber, error) {
	if s.cfg.SecretKey == "" {
		return nil, ErrNotConfigured
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := s.sessions.Get(sessionID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
		}
		return nil, fmt.Errorf("failed to retrieve checkout session: %w", err)
	}

	customer := customerID(sess.Customer)
	if customer == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoCustomer, sessionID)
	}

	return s.store.SubscriberByStripeCustomer(ctx, customer)
}

// SetEmailsEnabled lets the owner of a checkout session pause or resume
// digests. Resuming needs a subscription that is still paid or trialing.
func (s *Service) SetEmailsEnabled(ctx context.Context, sessionID string, enabled bool) (*models.Subscriber, error) {
	sub, err := s.SessionSubscriber(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if enabled && !ActiveStatus(sub.SubscriptionStatus) {
		return nil, fmt.Errorf("%w: status %q", ErrSubscriptionInactive, sub.SubscriptionStatus)
	}

	if err := s.store.SetSubscriberActive(ctx, sub.Email, enabled); err != nil {
		return nil, err
	}
	sub.Active = enabled

	s.logger.Info("emails toggled", zap.String("email", sub.Email), zap.Bool("enabled", enabled))
	return sub, nil
}

func (s *Service) checkoutCompleted(ctx context.Context, logger *zap.Logger, sess *stripe.CheckoutSession) error {
	email := sess.CustomerEmail
	if email == "" {
		email = sess.Metadata[metadataEmail]
	}
	if email == "" && sess.CustomerDetails != nil {
		email = sess.CustomerDetails.Email
	}
	customer := customerID(sess.Customer)
	if email == "" || customer == "" {
		logger.Warn("checkout session without email or customer", zap.String("session_id", sess.ID))
		return nil
	}

	if raw := sess.Metadata[metadataListingsURL]; raw != "" {
		listingsURL, err := searchurl.Validate(raw)
		if err != nil {
			logger.Warn("ignoring invalid listings URL from checkout", zap.String("email", email), zap.Error(err))
		} else if _, err := s.store.UpsertSubscriber(ctx, email, listingsURL); err != nil {
			return err
		}
	}

	subscriptionID := ""
	if sess.Subscription != nil {
		subscriptionID = sess.Subscription.ID
	}

	status := string(stripe.SubscriptionStatusActive)
	if _, err := s.store.LinkStripeCustomer(ctx, email, customer, subscriptionID, status, ActiveStatus(status)); err != nil {
		return err
	}

	logger.Info("subscription started", zap.String("email", email), zap.String("customer_id", customer))
	return nil
}

func (s *Service) subscriptionChanged(ctx context.Context, logger *zap.Logger, customer, subscriptionID, status string) error {
	if customer == "" {
		logger.Warn("subscription event without customer", zap.String("subscription_id", subscriptionID))
		return nil
	}

	active := ActiveStatus(status)
	err := s.store.UpdateSubscriptionStatus(ctx, customer, subscriptionID, status, active)
	if errors.Is(err, db.ErrSubscriberNotFound) {
		// Checkout for this customer has not been seen
		logger.Warn("subscription event for unknown customer", zap.String("customer_id", customer))
		return nil
	}
	if err != nil {
		return err
	}

	logger.Info("subscription status changed",
		zap.String("customer_id", customer),
		zap.String("status", status),
		zap.Bool("active", active))
	return nil
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

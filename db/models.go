package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"spareroom-monitor/models"

	"go.uber.org/zap"
)

// ErrSubscriberNotFound is returned when no subscriber matches the lookup
var ErrSubscriberNotFound = errors.New("subscriber not found")

const subscriberColumns = `id, email, listings_url, COALESCE(last_checked_ad_id, '') AS last_checked_ad_id, active,
	COALESCE(stripe_customer_id, '') AS stripe_customer_id, COALESCE(subscription_status, '') AS subscription_status`

// NormalizeEmail lowercases and trims an address so lookups are case-insensitive
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ActiveSubscribers returns every subscriber with notifications enabled, oldest first
func (db *DB) ActiveSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	var subscribers []models.Subscriber
	err := db.conn.SelectContext(ctx, &subscribers, `
		SELECT `+subscriberColumns+`
		FROM subscribers
		WHERE active = TRUE
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active subscribers: %w", err)
	}

	return subscribers, nil
}

// UpdateLastCheckedAdID stores the newest ad id seen for a subscriber
func (db *DB) UpdateLastCheckedAdID(ctx context.Context, subscriberID int64, adID string) error {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE subscribers
		SET last_checked_ad_id = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2
	`, adID, subscriberID)
	if err != nil {
		return fmt.Errorf("failed to update last checked ad id: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("subscriber %d: %w", subscriberID, ErrSubscriberNotFound)
	}

	db.logger.Debug("updated last checked ad id",
		zap.Int64("subscriber_id", subscriberID),
		zap.String("ad_id", adID))
	return nil
}

// UpsertSubscriber creates a subscriber or changes its listings URL.
// Changing the URL clears the watermark so the next cycle re-baselines.
func (db *DB) UpsertSubscriber(ctx context.Context, email, listingsURL string) (*models.Subscriber, error) {
	var subscriber models.Subscriber
	err := db.conn.GetContext(ctx, &subscriber, `
		INSERT INTO subscribers (email, listings_url, active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (email) DO UPDATE
		SET listings_url = EXCLUDED.listings_url,
			last_checked_ad_id = CASE
				WHEN subscribers.listings_url = EXCLUDED.listings_url THEN subscribers.last_checked_ad_id
				ELSE NULL
			END,
			updated_at = CURRENT_TIMESTAMP
		RETURNING `+subscriberColumns,
		NormalizeEmail(email), listingsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscriber: %w", err)
	}

	return &subscriber, nil
}

// SetSubscriberActive turns notifications on or off for a subscriber
func (db *DB) SetSubscriberActive(ctx context.Context, email string, active bool) error {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE subscribers
		SET active = $1, updated_at = CURRENT_TIMESTAMP
		WHERE email = $2
	`, active, NormalizeEmail(email))
	if err != nil {
		return fmt.Errorf("failed to update subscriber active flag: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", email, ErrSubscriberNotFound)
	}

	return nil
}

// SubscriberByEmail returns the subscriber with the given address
func (db *DB) SubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	var subscriber models.Subscriber
	err := db.conn.GetContext(ctx, &subscriber, `
		SELECT `+subscriberColumns+`
		FROM subscribers
		WHERE email = $1
	`, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", email, ErrSubscriberNotFound)
		}
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}

	return &subscriber, nil
}

// LinkStripeCustomer records a completed checkout on the subscriber with the
// given address, creating it without a listings URL when it does not exist yet
func (db *DB) LinkStripeCustomer(ctx context.Context, email, customerID, subscriptionID, status string, active bool) (*models.Subscriber, error) {
	var subscriber models.Subscriber
	err := db.conn.GetContext(ctx, &subscriber, `
		INSERT INTO subscribers (email, stripe_customer_id, stripe_subscription_id, subscription_status, active)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (email) DO UPDATE
		SET stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_subscription_id = COALESCE(EXCLUDED.stripe_subscription_id, subscribers.stripe_subscription_id),
			subscription_status = EXCLUDED.subscription_status,
			active = EXCLUDED.active,
			updated_at = CURRENT_TIMESTAMP
		RETURNING `+subscriberColumns,
		NormalizeEmail(email), customerID, subscriptionID, status, active)
	if err != nil {
		return nil, fmt.Errorf("failed to link stripe customer: %w", err)
	}

	db.logger.Info("linked stripe customer",
		zap.String("email", subscriber.Email),
		zap.String("customer_id", customerID),
		zap.String("status", status))
	return &subscriber, nil
}

// UpdateSubscriptionStatus applies a Stripe subscription change to the
// subscriber owning customerID. An empty subscriptionID keeps the stored one.
func (db *DB) UpdateSubscriptionStatus(ctx context.Context, customerID, subscriptionID, status string, active bool) error {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE subscribers
		SET stripe_subscription_id = COALESCE(NULLIF($2, ''), stripe_subscription_id),
			subscription_status = $3,
			active = $4,
			updated_at = CURRENT_TIMESTAMP
		WHERE stripe_customer_id = $1
	`, customerID, subscriptionID, status, active)
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("stripe customer %s: %w", customerID, ErrSubscriberNotFound)
	}

	return nil
}

// SubscriberByStripeCustomer returns the subscriber linked to a Stripe customer
func (db *DB) SubscriberByStripeCustomer(ctx context.Context, customerID string) (*models.Subscriber, error) {
	var subscriber models.Subscriber
	err := db.conn.GetContext(ctx, &subscriber, `
		SELECT `+subscriberColumns+`
		FROM subscribers
		WHERE stripe_customer_id = $1
	`, customerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("stripe customer %s: %w", customerID, ErrSubscriberNotFound)
		}
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}

	return &subscriber, nil
}

package notifier

import (
	"context"
	"errors"
	"fmt"

	"spareroom-monitor/digest"

	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"
)

// DefaultFrom is the sender used when none is configured
const DefaultFrom = "SpareRoom Monitor <noreply@example.com>"

// ErrNoRecipient is returned when Send is called without an address
var ErrNoRecipient = errors.New("no recipient address")

// Notifier delivers a rendered digest to one recipient
type Notifier interface {
	Send(ctx context.Context, to string, d digest.Digest) error
}

// emailSender is the part of the Resend client the notifier uses
type emailSender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendNotifier sends digests as email through the Resend API
type ResendNotifier struct {
	emails emailSender
	from   string
	logger *zap.Logger
}

// NewResendNotifier creates a notifier for the given API key and sender address
func NewResendNotifier(apiKey, from string, logger *zap.Logger) *ResendNotifier {
	client := resend.NewClient(apiKey)
	return newResendNotifier(client.Emails, from, logger)
}

func newResendNotifier(emails emailSender, from string, logger *zap.Logger) *ResendNotifier {
	if from == "" {
		from = DefaultFrom
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResendNotifier{
		emails: emails,
		from:   from,
		logger: logger,
	}
}

// Send implements the Notifier interface
func (n *ResendNotifier) Send(ctx context.Context, to string, d digest.Digest) error {
	if to == "" {
		return ErrNoRecipient
	}

	params := &resend.SendEmailRequest{
		From:    n.from,
		To:      []string{to},
		Subject: d.Subject,
		Html:    d.HTML,
		Text:    d.Text,
	}

	sent, err := n.emails.SendWithContext(ctx, params)
	if err != nil {
		n.logger.Error("failed to send email", zap.String("to", to), zap.Error(err))
		return fmt.Errorf("failed to send email to %s: %w", to, err)
	}

	id := "unknown"
	if sent != nil && sent.Id != "" {
		id = sent.Id
	}
	n.logger.Info("email sent", zap.String("to", to), zap.String("email_id", id))

	return nil
}

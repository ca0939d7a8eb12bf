package report

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"spareroom-monitor/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	// maxReportedErrors caps the error lines listed in one report
	maxReportedErrors = 20
	// maxMessageLength is Telegram's limit for one message
	maxMessageLength = 4096
)

// messageSender is satisfied by *tgbotapi.BotAPI
type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramReporter posts cycle summaries to an admin chat
type TelegramReporter struct {
	bot    messageSender
	chatID int64
	logger *zap.Logger
}

// NewTelegramReporter creates a reporter using a bot token
func NewTelegramReporter(token string, chatID int64, logger *zap.Logger) (*TelegramReporter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return newTelegramReporter(bot, chatID, logger), nil
}

func newTelegramReporter(bot messageSender, chatID int64, logger *zap.Logger) *TelegramReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramReporter{
		bot:    bot,
		chatID: chatID,
		logger: logger,
	}
}

// ReportCycle sends the summary of a finished cycle. Failures are logged only.
func (r *TelegramReporter) ReportCycle(ctx context.Context, result *models.CycleResult) {
	if result == nil {
		return
	}

	for _, part := range splitMessage(FormatCycle(result), maxMessageLength) {
		msg := tgbotapi.NewMessage(r.chatID, part)
		msg.ParseMode = "HTML"
		msg.DisableWebPagePreview = true

		if _, err := r.bot.Send(msg); err != nil {
			r.logger.Warn("error sending cycle report",
				zap.String("run_id", result.RunID),
				zap.Error(err))
			return
		}
	}
}

// FormatCycle renders a cycle result as a Telegram HTML message
func FormatCycle(result *models.CycleResult) string {
	var sb strings.Builder

	icon := "✅"
	if result.Failed > 0 {
		icon = "⚠️"
	}

	sb.WriteString(fmt.Sprintf("%s <b>SpareRoom Monitor cycle</b>\n\n", icon))
	sb.WriteString(fmt.Sprintf("Processed: %d\n", result.Processed))
	sb.WriteString(fmt.Sprintf("Successful: %d\n", result.Successful))
	sb.WriteString(fmt.Sprintf("Failed: %d\n", result.Failed))
	sb.WriteString(fmt.Sprintf("Notifications: %d\n", result.Notifications))

	if !result.StartedAt.IsZero() && !result.FinishedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("Duration: %s\n", result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond)))
	}
	if result.RunID != "" {
		sb.WriteString(fmt.Sprintf("Run: <code>%s</code>\n", html.EscapeString(result.RunID)))
	}

	if len(result.Errors) > 0 {
		sb.WriteString("\n<b>Errors</b>\n")
		for i, e := range result.Errors {
			if i == maxReportedErrors {
				sb.WriteString(fmt.Sprintf("… and %d more\n", len(result.Errors)-maxReportedErrors))
				break
			}
			sb.WriteString("• " + html.EscapeString(e) + "\n")
		}
	}

	return sb.String()
}

// splitMessage splits a message into chunks of at most maxLen bytes on line boundaries
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var parts []string
	var current strings.Builder

	for _, line := range strings.Split(text, "\n") {
		if current.Len()+len(line)+1 > maxLen && current.Len() > 0 {
			parts = append(parts, current.String())
			current.Reset()
		}
		// A single line longer than maxLen is cut into pieces on rune boundaries
		for len(line) > maxLen {
			cut := runeBoundary(line, maxLen)
			parts = append(parts, line[:cut])
			line = line[cut:]
		}
		current.WriteString(line)
		current.WriteString("\n")
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}

// runeBoundary returns the largest cut <= max that does not split a rune.
// When max is shorter than the first rune, the cut falls after that rune.
func runeBoundary(s string, max int) int {
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return cut
}

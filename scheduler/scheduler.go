package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"spareroom-monitor/digest"
	"spareroom-monitor/fetcher"
	"spareroom-monitor/filter"
	"spareroom-monitor/models"
	"spareroom-monitor/notifier"
	"spareroom-monitor/parser"
	"spareroom-monitor/searchurl"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultDelay is the pause between two subscribers in one cycle
	DefaultDelay = time.Second
	// DefaultPollInterval is how often the poll loop starts a cycle
	DefaultPollInterval = 5 * time.Minute
)

// Store is the persistence the runner needs
type Store interface {
	ActiveSubscribers(ctx context.Context) ([]models.Subscriber, error)
	UpdateLastCheckedAdID(ctx context.Context, subscriberID int64, adID string) error
}

// Reporter receives every finished cycle
type Reporter interface {
	ReportCycle(ctx context.Context, result *models.CycleResult)
}

// AuditLog records ads that were dispatched to a subscriber
type AuditLog interface {
	AppendNewAds(ctx context.Context, runID, email string, ads []models.Listing) error
}

// Runner checks every active subscriber's search and emails new ads
type Runner struct {
	store    Store
	fetcher  fetcher.Fetcher
	parser   *parser.Parser
	notifier notifier.Notifier
	reporter Reporter
	audit    AuditLog
	logger   *zap.Logger

	delay        time.Duration
	pollInterval time.Duration

	// held for the whole cycle so concurrent triggers run one after another
	cycleMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a new runner. A zero delay disables the pause between
// subscribers; a zero poll interval falls back to DefaultPollInterval.
func NewRunner(store Store, f fetcher.Fetcher, p *parser.Parser, n notifier.Notifier, delay, pollInterval time.Duration, logger *zap.Logger) *Runner {
	if delay < 0 {
		delay = 0
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if p == nil {
		p = parser.NewParser("")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		store:        store,
		fetcher:      f,
		parser:       p,
		notifier:     n,
		logger:       logger,
		delay:        delay,
		pollInterval: pollInterval,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetReporter enables cycle reports
func (r *Runner) SetReporter(reporter Reporter) {
	r.reporter = reporter
}

// SetAuditLog enables the dispatched-ads audit log
func (r *Runner) SetAuditLog(audit AuditLog) {
	r.audit = audit
}

// Start starts the poll loop in a goroutine. The first cycle runs immediately.
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop stops the poll loop and waits for a running cycle to return
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
	r.logger.Info("scheduler stopped")
}

// run is the main scheduler loop
func (r *Runner) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.runLogged()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.runLogged()
		}
	}
}

func (r *Runner) runLogged() {
	if _, err := r.RunCycle(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("cycle aborted", zap.Error(err))
	}
}

// RunCycle processes every active subscriber once.
// The error is non-nil only when the cycle could not run to completion;
// per-subscriber failures are counted in the result instead.
func (r *Runner) RunCycle(ctx context.Context) (*models.CycleResult, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	result := &models.CycleResult{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Errors:    []string{},
	}
	logger := r.logger.With(zap.String("run_id", result.RunID))
	logger.Info("starting cycle")

	err := r.processAll(ctx, logger, result)

	result.FinishedAt = time.Now().UTC()
	logger.Info("cycle finished",
		zap.Int("processed", result.Processed),
		zap.Int("successful", result.Successful),
		zap.Int("failed", result.Failed),
		zap.Int("notifications", result.Notifications),
		zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)))

	if r.reporter != nil {
		r.reporter.ReportCycle(ctx, result)
	}

	return result, err
}

func (r *Runner) processAll(ctx context.Context, logger *zap.Logger, result *models.CycleResult) error {
	subscribers, err := r.store.ActiveSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load subscribers: %w", err)
	}
	logger.Info("loaded subscribers", zap.Int("count", len(subscribers)))

	for i, sub := range subscribers {
		if i > 0 {
			if err := sleep(ctx, r.delay); err != nil {
				return fmt.Errorf("cycle interrupted: %w", err)
			}
		}

		result.Processed++
		notified, err := r.processSubscriber(ctx, logger.With(zap.String("email", sub.Email)), result.RunID, sub)
		if notified {
			result.Notifications++
		}
		if err != nil {
			result.AddError(fmt.Sprintf("%s: %v", sub.Email, err))
			continue
		}
		result.Successful++
	}

	return nil
}

// processSubscriber runs fetch, parse, filter and notify for one subscriber.
// notified reports whether a digest went out, even when a later step failed.
func (r *Runner) processSubscriber(ctx context.Context, logger *zap.Logger, runID string, sub models.Subscriber) (notified bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("recovered panic while processing subscriber", zap.Any("panic", rec))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	listingsURL, err := searchurl.Validate(sub.ListingsURL)
	if err != nil {
		return false, err
	}

	html, err := r.fetcher.Fetch(ctx, listingsURL)
	if err != nil {
		return false, fmt.Errorf("fetch failed: %w", err)
	}

	ads, err := r.parser.ParseHTML(html)
	if err != nil {
		return false, fmt.Errorf("parse failed: %w", err)
	}
	if len(ads) == 0 {
		logger.Info("no listings found")
		return false, nil
	}

	watermark := sub.LastCheckedAdID
	if watermark != "" && !filter.ValidWatermark(watermark) {
		logger.Warn("ignoring corrupt watermark", zap.String("watermark", watermark))
		watermark = ""
	}

	newest := filter.Newest(ads)
	newAds := filter.NewAds(ads, watermark)
	logger.Info("checked listings",
		zap.Int("ads", len(ads)),
		zap.Int("new_ads", len(newAds)),
		zap.String("watermark", watermark),
		zap.String("newest", newest))

	if len(newAds) == 0 {
		// The watermark only moves forward
		if watermark == "" || models.CompareIDs(newest, watermark) > 0 {
			if err := r.store.UpdateLastCheckedAdID(ctx, sub.ID, newest); err != nil {
				return false, fmt.Errorf("failed to update watermark: %w", err)
			}
		}
		return false, nil
	}

	d, err := digest.Render(newAds)
	if err != nil {
		return false, fmt.Errorf("failed to render digest: %w", err)
	}

	if err := r.notifier.Send(ctx, sub.Email, d); err != nil {
		logger.Warn("keeping watermark for retry", zap.Error(err))
		return false, fmt.Errorf("email failed: %w", err)
	}

	if err := r.store.UpdateLastCheckedAdID(ctx, sub.ID, newest); err != nil {
		return true, fmt.Errorf("failed to update watermark: %w", err)
	}

	if r.audit != nil {
		if err := r.audit.AppendNewAds(ctx, runID, sub.Email, newAds); err != nil {
			logger.Warn("failed to write audit log", zap.Error(err))
		}
	}

	return true, nil
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

const (
	// DefaultUserAgent mimics a desktop browser
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
	// DefaultTimeout bounds a single page fetch
	DefaultTimeout = 30 * time.Second
	// DefaultMaxBodySize caps a page body. A body that reaches it is an error,
	// never a silently truncated page.
	DefaultMaxBodySize = 64 << 20
)

// Fetcher defines the contract for retrieving a listings page
type Fetcher interface {
	// Fetch returns the raw markup of url
	Fetch(ctx context.Context, url string) (string, error)
}

// CollyFetcher implements the Fetcher interface using colly.
// One GET per call, no pagination, no retry.
type CollyFetcher struct {
	collector   *colly.Collector
	maxBodySize int
	logger      *zap.Logger
}

// NewCollyFetcher creates a new CollyFetcher instance
func NewCollyFetcher(timeout time.Duration, userAgent string, logger *zap.Logger) *CollyFetcher {
	return newCollyFetcher(timeout, userAgent, DefaultMaxBodySize, logger)
}

func newCollyFetcher(timeout time.Duration, userAgent string, maxBodySize int, logger *zap.Logger) *CollyFetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		// The same search URL is fetched every cycle
		colly.AllowURLRevisit(),
		colly.MaxBodySize(maxBodySize),
		// Status codes are judged in Fetch: colly alone rejects 203-206
		colly.ParseHTTPErrorResponse(),
	)
	c.SetRequestTimeout(timeout)

	return &CollyFetcher{
		collector:   c,
		maxBodySize: maxBodySize,
		logger:      logger,
	}
}

// Fetch implements the Fetcher interface. Network failures, timeouts,
// non-2xx responses and bodies at the size cap are returned as errors.
func (cf *CollyFetcher) Fetch(ctx context.Context, url string) (string, error) {
	// A clone per call keeps callbacks from piling up on the shared collector
	c := cf.collector.Clone()
	c.Context = ctx

	var (
		body        string
		responseErr error
	)
	c.OnResponse(func(r *colly.Response) {
		cf.logger.Debug("fetched page",
			zap.String("url", r.Request.URL.String()),
			zap.Int("status", r.StatusCode),
			zap.Int("bytes", len(r.Body)))

		switch {
		case r.StatusCode < 200 || r.StatusCode > 299:
			responseErr = fmt.Errorf("unexpected status %d", r.StatusCode)
		case len(r.Body) >= cf.maxBodySize:
			responseErr = fmt.Errorf("response body reached the %d byte limit", cf.maxBodySize)
		default:
			body = string(r.Body)
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		cf.logger.Warn("error fetching page",
			zap.String("url", r.Request.URL.String()),
			zap.Int("status", r.StatusCode),
			zap.Error(err))
	})

	if err := c.Visit(url); err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	c.Wait()

	if responseErr != nil {
		cf.logger.Warn("rejected page", zap.String("url", url), zap.Error(responseErr))
		return "", fmt.Errorf("failed to fetch %s: %w", url, responseErr)
	}

	return body, nil
}

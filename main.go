package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spareroom-monitor/api"
	"spareroom-monitor/billing"
	"spareroom-monitor/config"
	"spareroom-monitor/db"
	"spareroom-monitor/fetcher"
	"spareroom-monitor/filter"
	"spareroom-monitor/logging"
	"spareroom-monitor/models"
	"spareroom-monitor/notifier"
	"spareroom-monitor/parser"
	"spareroom-monitor/report"
	"spareroom-monitor/scheduler"
	"spareroom-monitor/searchurl"
	"spareroom-monitor/sheets"

	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line arguments
	url := flag.String("url", "", "SpareRoom search URL to parse and print (no database, no email)")
	since := flag.String("since", "", "With -url, only print ads newer than this ad id")
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	once := flag.Bool("once", false, "Run a single monitoring cycle and exit")
	serve := flag.Bool("serve", false, "Serve the HTTP cron trigger and admin routes")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Printf("Error: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Printf("Error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// If URL is provided, run in CLI mode
	if *url != "" {
		return runCLIMode(ctx, cfg, *url, *since, logger)
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return 1
	}

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", zap.Error(err))
		return 1
	}
	defer app.close()

	switch {
	case *once:
		return runOnce(ctx, app.runner, logger)
	case *serve:
		return runServer(ctx, cfg, app, logger)
	default:
		return runPollLoop(ctx, app.runner, logger)
	}
}

// loadConfig uses the config file when it exists, defaults otherwise
func loadConfig(configPath string) (*config.Config, error) {
	if _, err := os.Stat(configPath); err != nil {
		configPath = ""
	}
	return config.Load(configPath)
}

// app holds the wired collaborators of the monitor
type app struct {
	database *db.DB
	fetcher  *fetcher.CollyFetcher
	parser   *parser.Parser
	notifier *notifier.ResendNotifier
	runner   *scheduler.Runner
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	database, err := db.NewDB(ctx, cfg.Database.DSN(), logger.Named("db"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a := &app{
		database: database,
		fetcher:  fetcher.NewCollyFetcher(cfg.Monitor.RequestTimeout, cfg.Monitor.UserAgent, logger.Named("fetcher")),
		parser:   parser.NewParser(cfg.Monitor.Origin),
		notifier: notifier.NewResendNotifier(cfg.Email.ResendAPIKey, cfg.Email.From, logger.Named("notifier")),
	}

	a.runner = scheduler.NewRunner(database, a.fetcher, a.parser, a.notifier,
		cfg.Monitor.DelayBetweenUsers, cfg.Monitor.PollInterval, logger.Named("scheduler"))

	// Optional collaborators only log when they cannot start
	if cfg.TelegramEnabled() {
		reporter, err := report.NewTelegramReporter(cfg.Telegram.BotToken, cfg.Telegram.AdminChatID, logger.Named("report"))
		if err != nil {
			logger.Warn("telegram reports disabled", zap.Error(err))
		} else {
			a.runner.SetReporter(reporter)
		}
	}

	if cfg.SheetsEnabled() {
		writer, err := sheets.NewWriter(ctx, cfg.Sheets.SpreadsheetURL, cfg.Sheets.Tab, cfg.Sheets.Credentials, logger.Named("sheets"))
		if err != nil {
			logger.Warn("sheets audit log disabled", zap.Error(err))
		} else {
			if err := writer.EnsureHeader(ctx); err != nil {
				logger.Warn("failed to write sheet header", zap.Error(err))
			}
			a.runner.SetAuditLog(writer)
		}
	}

	return a, nil
}

func (a *app) close() {
	a.database.Close()
}

// runOnce runs exactly one cycle. Exit code 1 when the cycle aborted or any subscriber failed.
func runOnce(ctx context.Context, runner *scheduler.Runner, logger *zap.Logger) int {
	result, err := runner.RunCycle(ctx)
	if err != nil {
		logger.Error("cycle aborted", zap.Error(err))
		return 1
	}

	for _, e := range result.Errors {
		logger.Warn("subscriber failed", zap.String("error", e))
	}
	if result.Failed > 0 {
		return 1
	}
	return 0
}

// runPollLoop reruns the cycle on a ticker until interrupted
func runPollLoop(ctx context.Context, runner *scheduler.Runner, logger *zap.Logger) int {
	logger.Info("starting poll loop")
	runner.Start()
	<-ctx.Done()
	runner.Stop()
	return 0
}

// runServer serves the cron trigger until interrupted
func runServer(ctx context.Context, cfg *config.Config, a *app, logger *zap.Logger) int {
	if cfg.Server.CronSecret == "" {
		logger.Warn("CRON_SECRET is not set, every /api request will be rejected")
	}

	handler := api.NewHandler(a.runner, a.database, a.fetcher, a.parser, a.notifier, cfg.Server.CronSecret, logger.Named("api"))
	if cfg.BillingEnabled() {
		handler.SetBilling(billing.NewService(billing.Config{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			PriceID:       cfg.Stripe.PriceID,
			BaseURL:       cfg.Stripe.BaseURL,
			TrialDays:     cfg.Stripe.TrialDays,
		}, a.database, logger.Named("billing")))
		logger.Info("stripe billing routes enabled")
	}
	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
			return 1
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", zap.Error(err))
			return 1
		}
		logger.Info("server stopped")
	}
	return 0
}

// runCLIMode fetches one search page and prints what was extracted
func runCLIMode(ctx context.Context, cfg *config.Config, rawURL, since string, logger *zap.Logger) int {
	listingsURL, err := searchurl.Validate(rawURL)
	if err != nil {
		logger.Error("invalid URL", zap.Error(err))
		return 1
	}

	origin := cfg.Monitor.Origin
	if o := searchurl.Origin(listingsURL); o != "" {
		origin = o
	}

	f := fetcher.NewCollyFetcher(cfg.Monitor.RequestTimeout, cfg.Monitor.UserAgent, logger.Named("fetcher"))
	html, err := f.Fetch(ctx, listingsURL)
	if err != nil {
		logger.Error("fetch failed", zap.Error(err))
		return 1
	}

	listings, err := parser.NewParser(origin).ParseHTML(html)
	if err != nil {
		logger.Error("parse failed", zap.Error(err))
		return 1
	}

	fmt.Printf("Found %d listings\n", len(listings))
	if since != "" {
		if !filter.ValidWatermark(since) {
			logger.Error("invalid -since ad id", zap.String("since", since))
			return 1
		}
		listings = filter.NewAds(listings, since)
		fmt.Printf("Found %d listings newer than %s\n", len(listings), since)
	}
	fmt.Println("---")

	if len(listings) == 0 {
		fmt.Println("No listings to show.")
		return 0
	}

	formatListingsConsole(listings)
	return 0
}

// formatListingsConsole formats listings for console output
func formatListingsConsole(listings []models.Listing) {
	for i, listing := range listings {
		fmt.Printf("\n%d. %s\n", i+1, listing.Title)
		fmt.Printf("   ID: %s\n", listing.ID)
		fmt.Printf("   Link: %s\n", listing.URL)

		if listing.Price != "" {
			if listing.BillsIncluded {
				fmt.Printf("   Price: %s (bills included)\n", listing.Price)
			} else {
				fmt.Printf("   Price: %s\n", listing.Price)
			}
		} else {
			fmt.Printf("   Price: Not available\n")
		}

		if listing.Location != "" {
			fmt.Printf("   Location: %s\n", listing.Location)
		}
		if listing.PropertyType != "" {
			fmt.Printf("   Type: %s\n", listing.PropertyType)
		}
		if listing.Availability != "" {
			fmt.Printf("   Availability: %s\n", listing.Availability)
		}
		if listing.MinTerm != "" || listing.MaxTerm != "" {
			fmt.Printf("   Term: min %s, max %s\n", orDash(listing.MinTerm), orDash(listing.MaxTerm))
		}
		if listing.PostedAt != "" {
			fmt.Printf("   Posted: %s\n", listing.PostedAt)
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

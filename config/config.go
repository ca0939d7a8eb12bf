package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingSetting is returned by Validate when a required value is not set
var ErrMissingSetting = errors.New("missing required setting")

// DatabaseConfig holds the PostgreSQL connection settings
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string. URL wins over the individual fields.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	if d.Host == "" || d.Name == "" {
		return ""
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// Config represents the monitor configuration
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Database DatabaseConfig `yaml:"database"`

	Email struct {
		ResendAPIKey string `yaml:"resend_api_key"`
		From         string `yaml:"from"`
	} `yaml:"email"`

	Monitor struct {
		Origin            string        `yaml:"origin"`
		UserAgent         string        `yaml:"user_agent"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		DelayBetweenUsers time.Duration `yaml:"delay_between_users"`
		PollInterval      time.Duration `yaml:"poll_interval"`
	} `yaml:"monitor"`

	Server struct {
		ListenAddr string `yaml:"listen_addr"`
		CronSecret string `yaml:"cron_secret"`
	} `yaml:"server"`

	Telegram struct {
		BotToken    string `yaml:"bot_token"`
		AdminChatID int64  `yaml:"admin_chat_id"`
	} `yaml:"telegram"`

	Sheets struct {
		SpreadsheetURL string `yaml:"spreadsheet_url"`
		Tab            string `yaml:"tab"`
		Credentials    string `yaml:"credentials"`
	} `yaml:"sheets"`

	Stripe struct {
		SecretKey     string `yaml:"secret_key"`
		WebhookSecret string `yaml:"webhook_secret"`
		PriceID       string `yaml:"price_id"`
		BaseURL       string `yaml:"base_url"`
		TrialDays     int64  `yaml:"trial_days"`
	} `yaml:"stripe"`
}

// GetDefaultConfig returns a default configuration
func GetDefaultConfig() *Config {
	cfg := &Config{}
	cfg.LogLevel = "info"
	cfg.Database.Port = "5432"
	cfg.Database.SSLMode = "disable"
	cfg.Email.From = "SpareRoom Monitor <noreply@example.com>"
	cfg.Monitor.Origin = "https://www.spareroom.co.uk"
	cfg.Monitor.UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
	cfg.Monitor.RequestTimeout = 30 * time.Second
	cfg.Monitor.DelayBetweenUsers = time.Second
	cfg.Monitor.PollInterval = 5 * time.Minute
	cfg.Server.ListenAddr = ":8080"
	cfg.Sheets.Tab = "Dispatched"
	cfg.Stripe.TrialDays = 3
	return cfg
}

// LoadConfig loads configuration from a YAML file on top of the defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := GetDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Load builds the effective configuration: defaults, then the YAML file when
// path is set, then .env, then the process environment.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development
	_ = godotenv.Load()

	cfg := GetDefaultConfig()
	if path != "" {
		var err error
		cfg, err = LoadConfig(path)
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overrides settings with environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("DATABASE_URL", &c.Database.URL)
	str("DB_HOST", &c.Database.Host)
	str("DB_PORT", &c.Database.Port)
	str("DB_USER", &c.Database.User)
	str("DB_PASSWORD", &c.Database.Password)
	str("DB_NAME", &c.Database.Name)
	str("DB_SSLMODE", &c.Database.SSLMode)
	str("RESEND_API_KEY", &c.Email.ResendAPIKey)
	str("EMAIL_FROM", &c.Email.From)
	str("SPAREROOM_ORIGIN", &c.Monitor.Origin)
	str("USER_AGENT", &c.Monitor.UserAgent)
	str("LISTEN_ADDR", &c.Server.ListenAddr)
	str("CRON_SECRET", &c.Server.CronSecret)
	str("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	str("SPREADSHEET_URL", &c.Sheets.SpreadsheetURL)
	str("SHEETS_TAB", &c.Sheets.Tab)
	str("GOOGLE_SHEETS_CREDENTIALS", &c.Sheets.Credentials)
	str("STRIPE_SECRET_KEY", &c.Stripe.SecretKey)
	str("STRIPE_WEBHOOK_SECRET", &c.Stripe.WebhookSecret)
	str("STRIPE_PRICE_ID", &c.Stripe.PriceID)
	str("BASE_URL", &c.Stripe.BaseURL)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"REQUEST_TIMEOUT", &c.Monitor.RequestTimeout},
		{"DELAY_BETWEEN_USERS", &c.Monitor.DelayBetweenUsers},
		{"POLL_INTERVAL", &c.Monitor.PollInterval},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		parsed, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v, ok := lookup("TELEGRAM_ADMIN_CHAT_ID"); ok && strings.TrimSpace(v) != "" {
		chatID, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid TELEGRAM_ADMIN_CHAT_ID: %w", err)
		}
		c.Telegram.AdminChatID = chatID
	}

	if v, ok := lookup("STRIPE_TRIAL_DAYS"); ok && strings.TrimSpace(v) != "" {
		days, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || days < 0 {
			return fmt.Errorf("invalid STRIPE_TRIAL_DAYS %q", v)
		}
		c.Stripe.TrialDays = days
	}

	return nil
}

// ParseDuration accepts a Go duration ("1m30s") or a bare number of seconds ("1.5")
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if seconds, err := strconv.ParseFloat(s, 64); err == nil {
		if seconds < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(seconds * float64(time.Second)), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// Validate checks the settings a monitoring cycle cannot run without
func (c *Config) Validate() error {
	var missing []string
	if c.Email.ResendAPIKey == "" {
		missing = append(missing, "RESEND_API_KEY")
	}
	if c.Email.From == "" {
		missing = append(missing, "EMAIL_FROM")
	}
	if c.Database.DSN() == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingSetting, strings.Join(missing, ", "))
	}

	if c.Monitor.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.Monitor.RequestTimeout)
	}
	return nil
}

// TelegramEnabled reports whether cycle reports should be sent
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.AdminChatID != 0
}

// BillingEnabled reports whether the Stripe checkout and webhook routes are served
func (c *Config) BillingEnabled() bool {
	return c.Stripe.SecretKey != "" || c.Stripe.WebhookSecret != ""
}

// SheetsEnabled reports whether dispatched ads should be logged to Google Sheets
func (c *Config) SheetsEnabled() bool {
	return c.Sheets.SpreadsheetURL != "" && c.Sheets.Credentials != ""
}

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

const (
	storeMemory    = "memory"
	storePostgres  = "postgres"
	storeRedis     = "redis"
	storeFirestore = "firestore"
)

// config is read from the environment, after .env if present.
type config struct {
	Store            string `env:"BILLSYNC_STORE" envDefault:"memory"`
	DatabaseURL      string `env:"DATABASE_URL"`
	RedisURL         string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	FirestoreProject string `env:"FIRESTORE_PROJECT_ID"`
	EncryptionKey    string `env:"BILLSYNC_ENCRYPTION_KEY"`

	StripeAPIKey        string `env:"STRIPE_API_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	FreshnessWindow  time.Duration `env:"BILLSYNC_FRESHNESS_WINDOW" envDefault:"4h"`
	PollPageSize     int           `env:"BILLSYNC_POLL_PAGE_SIZE" envDefault:"500"`
	PollConcurrency  int           `env:"BILLSYNC_POLL_CONCURRENCY" envDefault:"4"`
	LockWaitAttempts int           `env:"BILLSYNC_LOCK_WAIT_ATTEMPTS" envDefault:"10"`
	LockWaitInitial  time.Duration `env:"BILLSYNC_LOCK_WAIT_INITIAL" envDefault:"250ms"`
	LockWaitMax      time.Duration `env:"BILLSYNC_LOCK_WAIT_MAX" envDefault:"8s"`
	AdminUsers       []string      `env:"BILLSYNC_ADMIN_USERS" envSeparator:","`

	HTTPAddr     string `env:"BILLSYNC_HTTP_ADDR" envDefault:":8080"`
	MetricsAddr  string `env:"BILLSYNC_METRICS_ADDR" envDefault:":9090"`
	UserIDHeader string `env:"BILLSYNC_USER_ID_HEADER" envDefault:"X-User-ID"`
	LogLevel     string `env:"BILLSYNC_LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"BILLSYNC_LOG_FORMAT" envDefault:"auto"`

	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"BILLSYNC_SENDER_EMAIL"`
	OperatorEmail        string `env:"BILLSYNC_OPERATOR_EMAIL"`
	PortalURL            string `env:"BILLSYNC_PORTAL_URL"`
}

// loadConfig reads the environment and validates it. Missing secrets are
// reported as a ConfigurationError.
func loadConfig() (config, error) {
	// The .env file is optional.
	_ = godotenv.Load()

	cfg, err := env.ParseAs[config]()
	if err != nil {
		return config{}, configError(err)
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	var errs []error
	if strings.TrimSpace(c.StripeAPIKey) == "" {
		errs = append(errs, errors.New("STRIPE_API_KEY is required"))
	}
	switch c.Store {
	case storeMemory:
	case storePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case storeRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis store"))
		}
	case storeFirestore:
		if c.FirestoreProject == "" {
			errs = append(errs, errors.New("FIRESTORE_PROJECT_ID is required for the firestore store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BILLSYNC_STORE %q", c.Store))
	}
	if c.Store != storeMemory && c.EncryptionKey == "" {
		errs = append(errs, errors.New("BILLSYNC_ENCRYPTION_KEY is required for persistent stores"))
	}
	if len(errs) > 0 {
		return configError(errors.Join(errs...))
	}
	return nil
}

// managerConfig maps the environment onto the manager configuration.
func (c config) managerConfig() billsync.Config {
	mc := billsync.DefaultConfig()
	mc.FreshnessWindow = c.FreshnessWindow
	mc.PollPageSize = c.PollPageSize
	mc.PollConcurrency = c.PollConcurrency
	mc.LockWait.MaxAttempts = c.LockWaitAttempts
	mc.LockWait.InitialInterval = c.LockWaitInitial
	mc.LockWait.MaxInterval = c.LockWaitMax
	mc.AdminUsers = c.AdminUsers
	return mc
}

func (c config) postmarkEnabled() bool {
	return c.PostmarkServerToken != "" && c.PostmarkAccountToken != ""
}

func configError(err error) error {
	return &billsync.Error{Kind: billsync.KindConfiguration, Op: "LoadConfig", Err: err}
}

package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/billsync/pkg/billing"
	billingmetrics "github.com/mihaimyh/billsync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/billsync/pkg/billing/stripe"
	"github.com/mihaimyh/billsync/pkg/billsync"
	zerologger "github.com/mihaimyh/billsync/pkg/billsync/logger/zerolog"
	billsyncmetrics "github.com/mihaimyh/billsync/pkg/billsync/metrics/prometheus"
	"github.com/mihaimyh/billsync/pkg/notify"
	"github.com/mihaimyh/billsync/pkg/sealer"
	firestorestore "github.com/mihaimyh/billsync/storage/firestore"
	"github.com/mihaimyh/billsync/storage/memory"
	"github.com/mihaimyh/billsync/storage/postgres"
	redisstore "github.com/mihaimyh/billsync/storage/redis"
)

const metricsNamespace = "billsync"

// app holds the wired service and the resources to release on exit.
type app struct {
	manager *billsync.Manager
	logger  billsync.Logger
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp wires storage, provider, notifier and metrics from cfg.
func buildApp(ctx context.Context, cfg config, zl zerolog.Logger, reg prometheus.Registerer) (*app, error) {
	logger := zerologger.NewLogger(zl)
	a := &app{logger: logger}

	store, err := a.buildStore(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	provider, err := stripe.NewProvider(stripe.Config{Config: billing.Config{
		APIKey:        cfg.StripeAPIKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Metrics:       billingmetrics.NewMetrics(reg, metricsNamespace),
	}})
	if err != nil {
		a.Close()
		return nil, configError(fmt.Errorf("stripe: %w", err))
	}

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		a.Close()
		return nil, configError(err)
	}

	mc := cfg.managerConfig()
	mc.Logger = logger
	mc.Metrics = billsyncmetrics.NewMetrics(reg, metricsNamespace)
	mc.Notifier = notifier

	a.manager, err = billsync.NewManager(store, provider, mc)
	if err != nil {
		a.Close()
		return nil, configError(err)
	}
	return a, nil
}

func (a *app) buildStore(ctx context.Context, cfg config, logger billsync.Logger) (billsync.Storage, error) {
	if cfg.Store == storeMemory {
		logger.Warn("using in-memory store; state is lost on exit")
		return memory.New(), nil
	}

	s, err := sealer.NewFromString(cfg.EncryptionKey)
	if err != nil {
		return nil, configError(fmt.Errorf("BILLSYNC_ENCRYPTION_KEY: %w", err))
	}

	switch cfg.Store {
	case storePostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.DatabaseURL
		pgCfg.Sealer = s
		pgCfg.Logger = logger
		store, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	case storeRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, configError(fmt.Errorf("REDIS_URL: %w", err))
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		store, err := redisstore.New(client, s, redisstore.DefaultConfig())
		if err != nil {
			return nil, err
		}
		return store, nil

	case storeFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		store, err := firestorestore.New(client, s, firestorestore.Config{})
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, configError(fmt.Errorf("unknown store %q", cfg.Store))
}

// buildNotifier always logs issues and also e-mails them when Postmark is configured.
func buildNotifier(cfg config, logger billsync.Logger) (billsync.Notifier, error) {
	notifiers := notify.Multi{notify.NewLog(logger)}
	if cfg.postmarkEnabled() {
		pm, err := notify.NewPostmark(notify.PostmarkConfig{
			ServerToken:   cfg.PostmarkServerToken,
			AccountToken:  cfg.PostmarkAccountToken,
			SenderEmail:   cfg.SenderEmail,
			OperatorEmail: cfg.OperatorEmail,
			PortalURL:     cfg.PortalURL,
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, pm)
	}
	return notifiers, nil
}

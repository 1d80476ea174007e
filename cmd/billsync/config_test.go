package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/pkg/notify"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("STRIPE_API_KEY", "sk_test_123")
	t.Setenv("BILLSYNC_ADMIN_USERS", "ops1,ops2")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, storeMemory, cfg.Store)
	assert.Equal(t, 4*time.Hour, cfg.FreshnessWindow)
	assert.Equal(t, 500, cfg.PollPageSize)
	assert.Equal(t, []string{"ops1", "ops2"}, cfg.AdminUsers)

	mc := cfg.managerConfig()
	assert.Equal(t, billsync.DefaultLockWaitPolicy(), mc.LockWait)
	assert.Equal(t, 4, mc.PollConcurrency)
	require.NoError(t, mc.Validate())
}

func TestLoadConfig_MissingSecrets(t *testing.T) {
	t.Setenv("STRIPE_API_KEY", "")
	t.Setenv("BILLSYNC_STORE", storePostgres)
	t.Setenv("BILLSYNC_ENCRYPTION_KEY", "")

	_, err := loadConfig()
	require.Error(t, err)
	assert.ErrorIs(t, err, billsync.ErrConfiguration)
	for _, want := range []string{"STRIPE_API_KEY", "DATABASE_URL", "BILLSYNC_ENCRYPTION_KEY"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadConfig_UnknownStore(t *testing.T) {
	t.Setenv("STRIPE_API_KEY", "sk_test_123")
	t.Setenv("BILLSYNC_STORE", "sqlite")

	_, err := loadConfig()
	assert.ErrorIs(t, err, billsync.ErrConfiguration)
	assert.ErrorContains(t, err, `unknown BILLSYNC_STORE "sqlite"`)
}

func TestLoadConfig_BadDuration(t *testing.T) {
	t.Setenv("STRIPE_API_KEY", "sk_test_123")
	t.Setenv("BILLSYNC_FRESHNESS_WINDOW", "soon")

	_, err := loadConfig()
	assert.ErrorIs(t, err, billsync.ErrConfiguration)
}

func TestBuildApp_Memory(t *testing.T) {
	cfg := config{
		Store:            storeMemory,
		StripeAPIKey:     "sk_test_123",
		FreshnessWindow:  time.Hour,
		PollPageSize:     10,
		PollConcurrency:  2,
		LockWaitAttempts: 3,
		LockWaitInitial:  10 * time.Millisecond,
		LockWaitMax:      50 * time.Millisecond,
	}

	a, err := buildApp(context.Background(), cfg, zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, time.Hour, a.manager.Config().FreshnessWindow)
	summary, err := a.manager.PollBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, billsync.PollCompleted, summary.Status)
	assert.Zero(t, summary.Total)
}

func TestBuildApp_BadEncryptionKey(t *testing.T) {
	cfg := config{Store: storeRedis, RedisURL: "redis://localhost:6379/0", StripeAPIKey: "sk_test_123", EncryptionKey: "short"}

	_, err := buildApp(context.Background(), cfg, zerolog.Nop(), prometheus.NewRegistry())
	assert.ErrorIs(t, err, billsync.ErrConfiguration)
}

func TestBuildNotifier(t *testing.T) {
	n, err := buildNotifier(config{}, &billsync.NoopLogger{})
	require.NoError(t, err)
	assert.Len(t, n, 1)

	n, err = buildNotifier(config{
		PostmarkServerToken:  "server",
		PostmarkAccountToken: "account",
		SenderEmail:          "billing@example.com",
	}, &billsync.NoopLogger{})
	require.NoError(t, err)
	assert.Len(t, n, 2)

	_, err = buildNotifier(config{
		PostmarkServerToken:  "server",
		PostmarkAccountToken: "account",
		SenderEmail:          "not an address",
	}, &billsync.NoopLogger{})
	assert.ErrorIs(t, err, notify.ErrInvalidConfig)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.True(t, strings.HasPrefix(out.String(), "billsync "+Version))
}

func TestServeHelp_RequiresAuthenticatingProxy(t *testing.T) {
	assert.Contains(t, serveCmd.Long, "authenticating proxy")
	assert.Contains(t, serveCmd.Long, "BILLSYNC_USER_ID_HEADER")
	assert.Contains(t, serveCmd.Long, "ADMIN_USERS")
}

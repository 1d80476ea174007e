// Package postgres provides a PostgreSQL implementation of the billsync.Storage interface.
// Sensitive columns are encrypted with pgcrypto; reverse lookups go through keyed
// hash columns so no query has to decrypt every row. Subscription writes run in a
// transaction with SELECT FOR UPDATE, and TryLock uses session advisory locks.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/pkg/sealer"
)

const (
	indexCustomer     = "customer"
	indexSubscription = "subscription"
)

// Storage implements billsync.Storage using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	sealer *sealer.Sealer
	key    string
	config Config
}

var _ billsync.Storage = (*Storage)(nil)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Sealer derives the pgcrypto passphrase and the reverse index hashes. Required.
	Sealer *sealer.Sealer

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Migrate applies the embedded schema migrations on startup.
	Migrate bool

	Logger billsync.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		Migrate:         true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Sealer == nil {
		return nil, fmt.Errorf("encryption key is required")
	}
	if config.Logger == nil {
		config.Logger = &billsync.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Join(billsync.ErrStorageUnavailable, fmt.Errorf("failed to ping database: %w", err))
	}

	if config.Migrate {
		if err := Migrate(ctx, pool, config.Logger); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &Storage{
		pool:   pool,
		sealer: config.Sealer,
		key:    config.Sealer.Passphrase("pgcrypto"),
		config: config,
	}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// session returns the connection pinned by an advisory lock of this storage
// held in ctx, or the pool. A lock holder that took a second pooled
// connection could starve the pool once every connection is pinned.
func (s *Storage) session(ctx context.Context) querier {
	if l, ok := billsync.LockFromContext(ctx).(*advisoryLock); ok && l.pool == s.pool && l.conn != nil {
		return l.conn
	}
	return s.pool
}

const selectUser = `SELECT user_id,
		pgp_sym_decrypt(email, $2),
		pgp_sym_decrypt(address, $2),
		pgp_sym_decrypt(customer_id, $2),
		pgp_sym_decrypt(subscription_id, $2),
		pgp_sym_decrypt(status, $2),
		pgp_sym_decrypt(current_period_start, $2),
		pgp_sym_decrypt(current_period_end, $2),
		pgp_sym_decrypt(cancelled_at, $2),
		last_status_check_at
	FROM billing_users WHERE user_id = $1`

func (s *Storage) getUser(ctx context.Context, q querier, userID string, forUpdate bool) (*billsync.User, error) {
	query := selectUser
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		u                                                  billsync.User
		email, address, customerID, subscriptionID, status *string
		periodStart, periodEnd, cancelledAt                *string
		lastCheck                                          *time.Time
	)
	err := q.QueryRow(ctx, query, userID, s.key).Scan(
		&u.UserID, &email, &address, &customerID, &subscriptionID, &status,
		&periodStart, &periodEnd, &cancelledAt, &lastCheck,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billsync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get user: %w", err)
	}

	u.Email = deref(email)
	u.ExternalCustomerID = deref(customerID)
	if address != nil {
		var a billing.Address
		if err := json.Unmarshal([]byte(*address), &a); err != nil {
			return nil, fmt.Errorf("postgres: decode address: %w", err)
		}
		u.Address = &a
	}

	sub := &u.Subscription
	sub.ExternalSubscriptionID = deref(subscriptionID)
	sub.Status = billsync.StatusNone
	if status != nil {
		sub.Status = billsync.Status(*status)
	}
	for _, f := range []struct {
		src *string
		dst **time.Time
	}{
		{periodStart, &sub.CurrentPeriodStart},
		{periodEnd, &sub.CurrentPeriodEnd},
		{cancelledAt, &sub.CancelledAt},
	} {
		t, err := parseTime(f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = t
	}
	if lastCheck != nil {
		sub.LastStatusCheckAt = lastCheck.UTC()
	}
	return &u, nil
}

// GetUser implements billsync.Storage
func (s *Storage) GetUser(ctx context.Context, userID string) (*billsync.User, error) {
	return s.getUser(ctx, s.session(ctx), userID, false)
}

// SaveProfile implements billsync.Storage
func (s *Storage) SaveProfile(ctx context.Context, p billsync.Profile) error {
	if p.UserID == "" {
		return errors.New("postgres: empty user id")
	}
	var address *string
	if p.Address != nil {
		b, err := json.Marshal(p.Address)
		if err != nil {
			return fmt.Errorf("postgres: encode address: %w", err)
		}
		a := string(b)
		address = &a
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO billing_users (user_id, email, address)
			VALUES ($1, pgp_sym_encrypt($2, $4), pgp_sym_encrypt($3, $4))
			ON CONFLICT (user_id) DO UPDATE SET
				email = EXCLUDED.email,
				address = EXCLUDED.address,
				updated_at = now()`,
		p.UserID, nullable(p.Email), address, s.key)
	if err != nil {
		return fmt.Errorf("postgres: save profile: %w", err)
	}
	return nil
}

// SetCustomerID implements billsync.Storage
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) (int64, error) {
	tag, err := s.session(ctx).Exec(ctx,
		`UPDATE billing_users SET
			customer_id = pgp_sym_encrypt($2, $4),
			customer_idx = $3,
			updated_at = now()
		WHERE user_id = $1`,
		userID, customerID, s.sealer.Index(indexCustomer, customerID), s.key)
	if err != nil {
		return 0, fmt.Errorf("postgres: set customer id: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClearCustomerID implements billsync.Storage
func (s *Storage) ClearCustomerID(ctx context.Context, userID, expected string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_users SET customer_id = NULL, customer_idx = NULL, updated_at = now()
			WHERE user_id = $1 AND customer_idx = $2`,
		userID, s.sealer.Index(indexCustomer, expected))
	if err != nil {
		return fmt.Errorf("postgres: clear customer id: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM billing_users WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: clear customer id: %w", err)
	}
	if !exists {
		return billsync.ErrUserNotFound
	}
	return nil
}

// ApplySubscriptionWrite implements billsync.Storage
func (s *Storage) ApplySubscriptionWrite(ctx context.Context, userID string, w billsync.SubscriptionWrite) (billsync.WriteResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return billsync.WriteResult{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	u, err := s.getUser(ctx, tx, userID, true)
	if err != nil {
		return billsync.WriteResult{}, err
	}

	prev := u.Subscription
	next, applied := prev.Apply(w)
	if !applied {
		return billsync.WriteResult{Applied: false, Previous: prev, Current: prev}, nil
	}

	var subscriptionIdx *string
	if next.ExternalSubscriptionID != "" {
		idx := s.sealer.Index(indexSubscription, next.ExternalSubscriptionID)
		subscriptionIdx = &idx
	}
	_, err = tx.Exec(ctx,
		`UPDATE billing_users SET
			subscription_id = pgp_sym_encrypt($2, $9),
			subscription_idx = $3,
			status = pgp_sym_encrypt($4, $9),
			current_period_start = pgp_sym_encrypt($5, $9),
			current_period_end = pgp_sym_encrypt($6, $9),
			cancelled_at = pgp_sym_encrypt($7, $9),
			last_status_check_at = $8,
			updated_at = now()
		WHERE user_id = $1`,
		userID,
		nullable(next.ExternalSubscriptionID),
		subscriptionIdx,
		string(next.Status),
		formatTime(next.CurrentPeriodStart),
		formatTime(next.CurrentPeriodEnd),
		formatTime(next.CancelledAt),
		next.LastStatusCheckAt,
		s.key,
	)
	if err != nil {
		return billsync.WriteResult{}, fmt.Errorf("postgres: apply subscription write: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return billsync.WriteResult{}, fmt.Errorf("postgres: commit: %w", err)
	}
	return billsync.WriteResult{Applied: true, Previous: prev, Current: next}, nil
}

// FindUserBySubscriptionID implements billsync.Storage
func (s *Storage) FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	return s.findBy(ctx, "subscription_idx", s.sealer.Index(indexSubscription, subscriptionID))
}

// FindUserByCustomerID implements billsync.Storage
func (s *Storage) FindUserByCustomerID(ctx context.Context, customerID string) (string, error) {
	return s.findBy(ctx, "customer_idx", s.sealer.Index(indexCustomer, customerID))
}

func (s *Storage) findBy(ctx context.Context, column, idx string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM billing_users WHERE `+column+` = $1 ORDER BY updated_at DESC LIMIT 1`, idx).
		Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", billsync.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres: find by %s: %w", column, err)
	}
	return userID, nil
}

// ListPollCandidates implements billsync.Storage
func (s *Storage) ListPollCandidates(ctx context.Context, limit int) ([]billsync.PollCandidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, pgp_sym_decrypt(subscription_id, $2), last_status_check_at
			FROM billing_users
			WHERE subscription_idx IS NOT NULL
			ORDER BY last_status_check_at ASC NULLS FIRST, user_id
			LIMIT $1`,
		limit, s.key)
	if err != nil {
		return nil, fmt.Errorf("postgres: list poll candidates: %w", err)
	}
	defer rows.Close()

	var out []billsync.PollCandidate
	for rows.Next() {
		var (
			c         billsync.PollCandidate
			lastCheck *time.Time
		)
		if err := rows.Scan(&c.UserID, &c.SubscriptionID, &lastCheck); err != nil {
			return nil, fmt.Errorf("postgres: scan poll candidate: %w", err)
		}
		if lastCheck != nil {
			c.LastStatusCheckAt = lastCheck.UTC()
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list poll candidates: %w", err)
	}
	return out, nil
}

// TryLock implements billsync.Locker. Advisory locks belong to a session, so
// the lock pins one pooled connection until it is released. Calls made with
// billsync.ContextWithLock run on that connection.
func (s *Storage) TryLock(ctx context.Context, key int64) (billsync.Lock, bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("postgres: try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return &advisoryLock{pool: s.pool, conn: conn, key: key}, true, nil
}

type advisoryLock struct {
	pool *pgxpool.Pool
	conn *pgxpool.Conn
	key  int64
}

func (l *advisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return errors.New("postgres: lock already released")
	}
	defer func() {
		l.conn.Release()
		l.conn = nil
	}()

	var unlocked bool
	if err := l.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, l.key).Scan(&unlocked); err != nil {
		// Closing the session drops every advisory lock it holds.
		_ = l.conn.Conn().Close(context.Background())
		return fmt.Errorf("postgres: advisory unlock: %w", err)
	}
	if !unlocked {
		return errors.New("postgres: lock not held")
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func parseTime(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil, fmt.Errorf("postgres: decode time: %w", err)
	}
	return &t, nil
}

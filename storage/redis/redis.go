// Package redis provides a Redis implementation of the billsync.Storage interface.
// Sensitive hash fields are sealed with pkg/sealer, reverse lookups use keyed
// index keys, and subscription writes use WATCH/MULTI so the read-check-write
// cannot interleave with another writer.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/pkg/sealer"
)

const (
	fieldUserID         = "user_id"
	fieldEmail          = "email"
	fieldAddress        = "address"
	fieldCustomerID     = "customer_id"
	fieldSubscriptionID = "subscription_id"
	fieldStatus         = "status"
	fieldPeriodStart    = "current_period_start"
	fieldPeriodEnd      = "current_period_end"
	fieldCancelledAt    = "cancelled_at"
	fieldLastCheck      = "last_status_check_at"
)

var errConflict = errors.New("redis: too many concurrent writers")

// Storage implements billsync.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	sealer  *sealer.Sealer
	config  Config
	release *redis.Script
}

var _ billsync.Storage = (*Storage)(nil)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billsync:")
	KeyPrefix string

	// LockTTL bounds how long a crashed holder keeps a lock (default: 60s)
	LockTTL time.Duration

	// MaxRetries is the maximum number of optimistic transaction attempts (default: 32)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "billsync:",
		LockTTL:    60 * time.Second,
		MaxRetries: 32,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, s *sealer.Sealer, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if s == nil {
		return nil, fmt.Errorf("encryption key is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "billsync:"
	}
	if config.LockTTL == 0 {
		config.LockTTL = 60 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 32
	}

	return &Storage{
		client: client,
		sealer: s,
		config: config,
		release: redis.NewScript(`
			if redis.call('GET', KEYS[1]) == ARGV[1] then
				return redis.call('DEL', KEYS[1])
			end
			return 0
		`),
	}, nil
}

func (s *Storage) userKey(userID string) string {
	return s.config.KeyPrefix + "user:" + userID
}

func (s *Storage) indexKey(kind, value string) string {
	return s.config.KeyPrefix + "idx:" + kind + ":" + s.sealer.Index(kind, value)
}

func (s *Storage) pollKey() string {
	return s.config.KeyPrefix + "poll"
}

func (s *Storage) lockKey(key int64) string {
	return s.config.KeyPrefix + "lock:" + strconv.FormatInt(key, 10)
}

// watch runs fn in an optimistic transaction on key, retrying on conflicts.
func (s *Storage) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.IntN(5)+1) * time.Millisecond):
		}
	}
	return errConflict
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *Storage) readUser(ctx context.Context, c hashReader, userID string) (*billsync.User, error) {
	fields, err := c.HGetAll(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get user: %w", err)
	}
	if len(fields) == 0 {
		return nil, billsync.ErrUserNotFound
	}

	open := func(name string) (string, error) {
		v, err := s.sealer.OpenString(name, fields[name])
		if err != nil {
			return "", fmt.Errorf("redis: open %s: %w", name, err)
		}
		return v, nil
	}

	u := &billsync.User{BillingIdentity: billsync.BillingIdentity{UserID: userID}}
	if u.Email, err = open(fieldEmail); err != nil {
		return nil, err
	}
	if u.ExternalCustomerID, err = open(fieldCustomerID); err != nil {
		return nil, err
	}
	address, err := open(fieldAddress)
	if err != nil {
		return nil, err
	}
	if address != "" {
		var a billing.Address
		if err := json.Unmarshal([]byte(address), &a); err != nil {
			return nil, fmt.Errorf("redis: decode address: %w", err)
		}
		u.Address = &a
	}

	sub := &u.Subscription
	if sub.ExternalSubscriptionID, err = open(fieldSubscriptionID); err != nil {
		return nil, err
	}
	status, err := open(fieldStatus)
	if err != nil {
		return nil, err
	}
	sub.Status = billsync.StatusNone
	if status != "" {
		sub.Status = billsync.Status(status)
	}
	for name, dst := range map[string]**time.Time{
		fieldPeriodStart: &sub.CurrentPeriodStart,
		fieldPeriodEnd:   &sub.CurrentPeriodEnd,
		fieldCancelledAt: &sub.CancelledAt,
	} {
		v, err := open(name)
		if err != nil {
			return nil, err
		}
		if *dst, err = parseTime(v); err != nil {
			return nil, err
		}
	}
	if v := fields[fieldLastCheck]; v != "" {
		micros, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis: decode %s: %w", fieldLastCheck, err)
		}
		sub.LastStatusCheckAt = time.UnixMicro(micros).UTC()
	}
	return u, nil
}

// GetUser implements billsync.Storage
func (s *Storage) GetUser(ctx context.Context, userID string) (*billsync.User, error) {
	return s.readUser(ctx, s.client, userID)
}

// SaveProfile implements billsync.Storage
func (s *Storage) SaveProfile(ctx context.Context, p billsync.Profile) error {
	if p.UserID == "" {
		return errors.New("redis: empty user id")
	}
	email, err := s.sealer.SealString(fieldEmail, p.Email)
	if err != nil {
		return err
	}
	var address string
	if p.Address != nil {
		b, err := json.Marshal(p.Address)
		if err != nil {
			return fmt.Errorf("redis: encode address: %w", err)
		}
		if address, err = s.sealer.SealString(fieldAddress, string(b)); err != nil {
			return err
		}
	}

	key := s.userKey(p.UserID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldUserID, p.UserID, fieldEmail, email)
		if address == "" {
			pipe.HDel(ctx, key, fieldAddress)
		} else {
			pipe.HSet(ctx, key, fieldAddress, address)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: save profile: %w", err)
	}
	return nil
}

// SetCustomerID implements billsync.Storage
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) (int64, error) {
	sealed, err := s.sealer.SealString(fieldCustomerID, customerID)
	if err != nil {
		return 0, err
	}
	key := s.userKey(userID)

	var rows int64
	err = s.watch(ctx, key, func(tx *redis.Tx) error {
		rows = 0
		u, err := s.readUser(ctx, tx, userID)
		if errors.Is(err, billsync.ErrUserNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if u.ExternalCustomerID != "" && u.ExternalCustomerID != customerID {
				pipe.Del(ctx, s.indexKey("customer", u.ExternalCustomerID))
			}
			pipe.HSet(ctx, key, fieldCustomerID, sealed)
			pipe.Set(ctx, s.indexKey("customer", customerID), userID, 0)
			return nil
		})
		if err == nil {
			rows = 1
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("redis: set customer id: %w", err)
	}
	return rows, nil
}

// ClearCustomerID implements billsync.Storage
func (s *Storage) ClearCustomerID(ctx context.Context, userID, expected string) error {
	key := s.userKey(userID)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		u, err := s.readUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if u.ExternalCustomerID != expected {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, fieldCustomerID)
			pipe.Del(ctx, s.indexKey("customer", expected))
			return nil
		})
		return err
	})
}

// ApplySubscriptionWrite implements billsync.Storage
func (s *Storage) ApplySubscriptionWrite(ctx context.Context, userID string, w billsync.SubscriptionWrite) (billsync.WriteResult, error) {
	key := s.userKey(userID)

	var result billsync.WriteResult
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		u, err := s.readUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		prev := u.Subscription
		next, applied := prev.Apply(w)
		if !applied {
			result = billsync.WriteResult{Applied: false, Previous: prev, Current: prev}
			return nil
		}

		fields, err := s.sealSubscription(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if prev.ExternalSubscriptionID != next.ExternalSubscriptionID {
				if prev.ExternalSubscriptionID != "" {
					pipe.Del(ctx, s.indexKey("subscription", prev.ExternalSubscriptionID))
				}
				if next.ExternalSubscriptionID != "" {
					pipe.Set(ctx, s.indexKey("subscription", next.ExternalSubscriptionID), userID, 0)
				}
			}
			if next.ExternalSubscriptionID != "" {
				pipe.ZAdd(ctx, s.pollKey(), redis.Z{
					Score:  float64(next.LastStatusCheckAt.UnixMicro()),
					Member: userID,
				})
			} else {
				pipe.ZRem(ctx, s.pollKey(), userID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = billsync.WriteResult{Applied: true, Previous: prev, Current: next}
		return nil
	})
	if errors.Is(err, billsync.ErrUserNotFound) {
		return billsync.WriteResult{}, err
	}
	if err != nil {
		return billsync.WriteResult{}, fmt.Errorf("redis: apply subscription write: %w", err)
	}
	return result, nil
}

func (s *Storage) sealSubscription(r billsync.SubscriptionRecord) (map[string]any, error) {
	plain := map[string]string{
		fieldSubscriptionID: r.ExternalSubscriptionID,
		fieldStatus:         string(r.Status),
		fieldPeriodStart:    formatTime(r.CurrentPeriodStart),
		fieldPeriodEnd:      formatTime(r.CurrentPeriodEnd),
		fieldCancelledAt:    formatTime(r.CancelledAt),
	}
	fields := make(map[string]any, len(plain)+1)
	for name, v := range plain {
		sealed, err := s.sealer.SealString(name, v)
		if err != nil {
			return nil, err
		}
		fields[name] = sealed
	}
	fields[fieldLastCheck] = strconv.FormatInt(r.LastStatusCheckAt.UnixMicro(), 10)
	return fields, nil
}

// FindUserBySubscriptionID implements billsync.Storage
func (s *Storage) FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	return s.findBy(ctx, s.indexKey("subscription", subscriptionID))
}

// FindUserByCustomerID implements billsync.Storage
func (s *Storage) FindUserByCustomerID(ctx context.Context, customerID string) (string, error) {
	return s.findBy(ctx, s.indexKey("customer", customerID))
}

func (s *Storage) findBy(ctx context.Context, key string) (string, error) {
	userID, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", billsync.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis: find user: %w", err)
	}
	return userID, nil
}

// ListPollCandidates implements billsync.Storage
func (s *Storage) ListPollCandidates(ctx context.Context, limit int) ([]billsync.PollCandidate, error) {
	members, err := s.client.ZRangeWithScores(ctx, s.pollKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list poll candidates: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(members))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = pipe.HGet(ctx, s.userKey(m.Member.(string)), fieldSubscriptionID)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: list poll candidates: %w", err)
	}

	out := make([]billsync.PollCandidate, 0, len(members))
	for i, m := range members {
		sealed, err := cmds[i].Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis: list poll candidates: %w", err)
		}
		subscriptionID, err := s.sealer.OpenString(fieldSubscriptionID, sealed)
		if err != nil {
			return nil, fmt.Errorf("redis: open %s: %w", fieldSubscriptionID, err)
		}
		out = append(out, billsync.PollCandidate{
			UserID:            m.Member.(string),
			SubscriptionID:    subscriptionID,
			LastStatusCheckAt: time.UnixMicro(int64(m.Score)).UTC(),
		})
	}
	return out, nil
}

// TryLock implements billsync.Locker with SET NX PX and a random token.
func (s *Storage) TryLock(ctx context.Context, key int64) (billsync.Lock, bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.lockKey(key), token, s.config.LockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis: try lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &lock{s: s, key: s.lockKey(key), token: token}, true, nil
}

type lock struct {
	s     *Storage
	key   string
	token string
}

// Release deletes the lock key only if it still holds this lock's token.
func (l *lock) Release(ctx context.Context) error {
	n, err := l.s.release.Run(ctx, l.s.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("redis: release lock: %w", err)
	}
	if n == 0 {
		return errors.New("redis: lock not held")
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("redis: decode time: %w", err)
	}
	return &t, nil
}

// Package firestore provides a Firestore implementation of the billsync.Storage interface.
// Sensitive fields are sealed with pkg/sealer and looked up through keyed hash
// fields. Subscription writes run in Firestore transactions; locks are documents
// created with an existence precondition.
package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/pkg/sealer"
)

const (
	fieldUserID          = "userId"
	fieldEmail           = "email"
	fieldAddress         = "address"
	fieldCustomerID      = "customerId"
	fieldCustomerIdx     = "customerIdx"
	fieldSubscriptionID  = "subscriptionId"
	fieldSubscriptionIdx = "subscriptionIdx"
	fieldHasSubscription = "hasSubscription"
	fieldStatus          = "status"
	fieldPeriodStart     = "currentPeriodStart"
	fieldPeriodEnd       = "currentPeriodEnd"
	fieldCancelledAt     = "cancelledAt"
	fieldLastCheck       = "lastStatusCheckAt"
	fieldUpdatedAt       = "updatedAt"

	fieldLockToken   = "token"
	fieldLockExpires = "expiresAt"
)

// Storage implements billsync.Storage using Google Cloud Firestore
type Storage struct {
	client          *firestore.Client
	sealer          *sealer.Sealer
	usersCollection string
	locksCollection string
	lockTTL         time.Duration
	maxAttempts     int
	now             func() time.Time
}

var _ billsync.Storage = (*Storage)(nil)

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the Firestore collection for user billing records
	// Default: "billing_users"
	UsersCollection string

	// LocksCollection is the Firestore collection for advisory locks
	// Default: "billing_locks"
	LocksCollection string

	// LockTTL bounds how long a crashed holder keeps a lock (default: 60s)
	LockTTL time.Duration

	// MaxAttempts is the transaction attempt limit under contention (default: 32)
	MaxAttempts int
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, s *sealer.Sealer, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if s == nil {
		return nil, fmt.Errorf("encryption key is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "billing_users"
	}
	if config.LocksCollection == "" {
		config.LocksCollection = "billing_locks"
	}
	if config.LockTTL == 0 {
		config.LockTTL = 60 * time.Second
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 32
	}

	return &Storage{
		client:          client,
		sealer:          s,
		usersCollection: config.UsersCollection,
		locksCollection: config.LocksCollection,
		lockTTL:         config.LockTTL,
		maxAttempts:     config.MaxAttempts,
		now:             time.Now,
	}, nil
}

func (s *Storage) userDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(userID)
}

func (s *Storage) runTransaction(ctx context.Context, fn func(ctx context.Context, tx *firestore.Transaction) error) error {
	return s.client.RunTransaction(ctx, fn, firestore.MaxAttempts(s.maxAttempts))
}

func (s *Storage) decode(userID string, data map[string]interface{}) (*billsync.User, error) {
	open := func(name string) (string, error) {
		v, err := s.sealer.OpenString(name, getString(data, name))
		if err != nil {
			return "", fmt.Errorf("firestore: open %s: %w", name, err)
		}
		return v, nil
	}

	var err error
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
			return nil, fmt.Errorf("firestore: decode address: %w", err)
		}
		u.Address = &a
	}

	sub := &u.Subscription
	if sub.ExternalSubscriptionID, err = open(fieldSubscriptionID); err != nil {
		return nil, err
	}
	st, err := open(fieldStatus)
	if err != nil {
		return nil, err
	}
	sub.Status = billsync.StatusNone
	if st != "" {
		sub.Status = billsync.Status(st)
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
	if t := getTime(data, fieldLastCheck); !t.IsZero() {
		sub.LastStatusCheckAt = t.UTC()
	}
	return u, nil
}

func (s *Storage) getUser(ctx context.Context, tx *firestore.Transaction, userID string) (*billsync.User, error) {
	var (
		snap *firestore.DocumentSnapshot
		err  error
	)
	if tx != nil {
		snap, err = tx.Get(s.userDoc(userID))
	} else {
		snap, err = s.userDoc(userID).Get(ctx)
	}
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billsync.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !snap.Exists() {
		return nil, billsync.ErrUserNotFound
	}
	return s.decode(userID, snap.Data())
}

// GetUser implements billsync.Storage
func (s *Storage) GetUser(ctx context.Context, userID string) (*billsync.User, error) {
	return s.getUser(ctx, nil, userID)
}

// SaveProfile implements billsync.Storage
func (s *Storage) SaveProfile(ctx context.Context, p billsync.Profile) error {
	if p.UserID == "" {
		return fmt.Errorf("invalid profile")
	}
	email, err := s.sealer.SealString(fieldEmail, p.Email)
	if err != nil {
		return err
	}
	var address string
	if p.Address != nil {
		b, err := json.Marshal(p.Address)
		if err != nil {
			return fmt.Errorf("firestore: encode address: %w", err)
		}
		if address, err = s.sealer.SealString(fieldAddress, string(b)); err != nil {
			return err
		}
	}

	_, err = s.userDoc(p.UserID).Set(ctx, map[string]interface{}{
		fieldUserID:    p.UserID,
		fieldEmail:     email,
		fieldAddress:   address,
		fieldUpdatedAt: firestore.ServerTimestamp,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// SetCustomerID implements billsync.Storage
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) (int64, error) {
	sealed, err := s.sealer.SealString(fieldCustomerID, customerID)
	if err != nil {
		return 0, err
	}

	var rows int64
	err = s.runTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		rows = 0
		if _, err := s.getUser(ctx, tx, userID); err != nil {
			if errors.Is(err, billsync.ErrUserNotFound) {
				return nil
			}
			return err
		}
		rows = 1
		return tx.Set(s.userDoc(userID), map[string]interface{}{
			fieldCustomerID:  sealed,
			fieldCustomerIdx: s.sealer.Index("customer", customerID),
			fieldUpdatedAt:   firestore.ServerTimestamp,
		}, firestore.MergeAll)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to set customer id: %w", err)
	}
	return rows, nil
}

// ClearCustomerID implements billsync.Storage
func (s *Storage) ClearCustomerID(ctx context.Context, userID, expected string) error {
	return s.runTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		u, err := s.getUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if u.ExternalCustomerID != expected {
			return nil
		}
		return tx.Update(s.userDoc(userID), []firestore.Update{
			{Path: fieldCustomerID, Value: firestore.Delete},
			{Path: fieldCustomerIdx, Value: firestore.Delete},
			{Path: fieldUpdatedAt, Value: firestore.ServerTimestamp},
		})
	})
}

// ApplySubscriptionWrite implements billsync.Storage
func (s *Storage) ApplySubscriptionWrite(ctx context.Context, userID string, w billsync.SubscriptionWrite) (billsync.WriteResult, error) {
	var result billsync.WriteResult
	err := s.runTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		u, err := s.getUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		prev := u.Subscription
		next, applied := prev.Apply(w)
		if !applied {
			result = billsync.WriteResult{Applied: false, Previous: prev, Current: prev}
			return nil
		}

		data, err := s.encodeSubscription(next)
		if err != nil {
			return err
		}
		if err := tx.Set(s.userDoc(userID), data, firestore.MergeAll); err != nil {
			return err
		}
		result = billsync.WriteResult{Applied: true, Previous: prev, Current: next}
		return nil
	})
	if errors.Is(err, billsync.ErrUserNotFound) {
		return billsync.WriteResult{}, err
	}
	if err != nil {
		return billsync.WriteResult{}, fmt.Errorf("failed to apply subscription write: %w", err)
	}
	return result, nil
}

func (s *Storage) encodeSubscription(r billsync.SubscriptionRecord) (map[string]interface{}, error) {
	plain := map[string]string{
		fieldSubscriptionID: r.ExternalSubscriptionID,
		fieldStatus:         string(r.Status),
		fieldPeriodStart:    formatTime(r.CurrentPeriodStart),
		fieldPeriodEnd:      formatTime(r.CurrentPeriodEnd),
		fieldCancelledAt:    formatTime(r.CancelledAt),
	}
	data := make(map[string]interface{}, len(plain)+4)
	for name, v := range plain {
		sealed, err := s.sealer.SealString(name, v)
		if err != nil {
			return nil, err
		}
		data[name] = sealed
	}

	idx := ""
	if r.ExternalSubscriptionID != "" {
		idx = s.sealer.Index("subscription", r.ExternalSubscriptionID)
	}
	data[fieldSubscriptionIdx] = idx
	data[fieldHasSubscription] = idx != ""
	data[fieldLastCheck] = r.LastStatusCheckAt
	data[fieldUpdatedAt] = firestore.ServerTimestamp
	return data, nil
}

// FindUserBySubscriptionID implements billsync.Storage
func (s *Storage) FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	return s.findBy(ctx, fieldSubscriptionIdx, s.sealer.Index("subscription", subscriptionID))
}

// FindUserByCustomerID implements billsync.Storage
func (s *Storage) FindUserByCustomerID(ctx context.Context, customerID string) (string, error) {
	return s.findBy(ctx, fieldCustomerIdx, s.sealer.Index("customer", customerID))
}

func (s *Storage) findBy(ctx context.Context, field, idx string) (string, error) {
	iter := s.client.Collection(s.usersCollection).Where(field, "==", idx).Limit(1).Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return "", billsync.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query %s: %w", field, err)
	}
	return doc.Ref.ID, nil
}

// ListPollCandidates implements billsync.Storage
func (s *Storage) ListPollCandidates(ctx context.Context, limit int) ([]billsync.PollCandidate, error) {
	q := s.client.Collection(s.usersCollection).
		Where(fieldHasSubscription, "==", true).
		OrderBy(fieldLastCheck, firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []billsync.PollCandidate
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list poll candidates: %w", err)
		}
		data := doc.Data()
		subscriptionID, err := s.sealer.OpenString(fieldSubscriptionID, getString(data, fieldSubscriptionID))
		if err != nil {
			return nil, fmt.Errorf("firestore: open %s: %w", fieldSubscriptionID, err)
		}
		out = append(out, billsync.PollCandidate{
			UserID:            doc.Ref.ID,
			SubscriptionID:    subscriptionID,
			LastStatusCheckAt: getTime(data, fieldLastCheck).UTC(),
		})
	}
	return out, nil
}

// TryLock implements billsync.Locker. The lock document is created with an
// existence precondition; an expired document left by a crashed holder is
// taken over inside a transaction.
func (s *Storage) TryLock(ctx context.Context, key int64) (billsync.Lock, bool, error) {
	ref := s.client.Collection(s.locksCollection).Doc(strconv.FormatInt(key, 10))
	token := uuid.NewString()
	data := map[string]interface{}{
		fieldLockToken:   token,
		fieldLockExpires: s.now().Add(s.lockTTL),
	}

	_, err := ref.Create(ctx, data)
	if err == nil {
		return &lock{s: s, ref: ref, token: token}, true, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return nil, false, fmt.Errorf("failed to create lock: %w", err)
	}

	taken := false
	err = s.runTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		taken = false
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				taken = true
				return tx.Create(ref, data)
			}
			return err
		}
		if getTime(snap.Data(), fieldLockExpires).After(s.now()) {
			return nil
		}
		taken = true
		return tx.Set(ref, data)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to take over lock: %w", err)
	}
	if !taken {
		return nil, false, nil
	}
	return &lock{s: s, ref: ref, token: token}, true, nil
}

type lock struct {
	s     *Storage
	ref   *firestore.DocumentRef
	token string
}

// Release deletes the lock document only if it still holds this lock's token.
func (l *lock) Release(ctx context.Context) error {
	return l.s.runTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(l.ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return errors.New("firestore: lock not held")
			}
			return err
		}
		if getString(snap.Data(), fieldLockToken) != l.token {
			return errors.New("firestore: lock not held")
		}
		return tx.Delete(l.ref)
	})
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
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
		return nil, fmt.Errorf("firestore: decode time: %w", err)
	}
	return &t, nil
}

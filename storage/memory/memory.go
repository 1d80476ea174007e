// Package memory provides an in-memory implementation of the billsync.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Storage implements billsync.Storage using in-memory maps
type Storage struct {
	mu             sync.RWMutex
	users          map[string]*billsync.User
	bySubscription map[string]string
	byCustomer     map[string]string

	lockMu    sync.Mutex
	locks     map[int64]uint64
	lockToken uint64
}

var _ billsync.Storage = (*Storage)(nil)

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:          make(map[string]*billsync.User),
		bySubscription: make(map[string]string),
		byCustomer:     make(map[string]string),
		locks:          make(map[int64]uint64),
	}
}

// GetUser implements billsync.Storage
func (s *Storage) GetUser(_ context.Context, userID string) (*billsync.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, billsync.ErrUserNotFound
	}
	return copyUser(u), nil
}

// SaveProfile implements billsync.Storage
func (s *Storage) SaveProfile(_ context.Context, p billsync.Profile) error {
	if p.UserID == "" {
		return errors.New("memory: empty user id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[p.UserID]
	if !ok {
		u = &billsync.User{BillingIdentity: billsync.BillingIdentity{UserID: p.UserID}}
		u.Subscription.Status = billsync.StatusNone
		s.users[p.UserID] = u
	}
	u.Email = p.Email
	u.Address = copyAddress(p.Address)
	return nil
}

// SetCustomerID implements billsync.Storage
func (s *Storage) SetCustomerID(_ context.Context, userID, customerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return 0, nil
	}
	if u.ExternalCustomerID != "" {
		delete(s.byCustomer, u.ExternalCustomerID)
	}
	u.ExternalCustomerID = customerID
	s.byCustomer[customerID] = userID
	return 1, nil
}

// ClearCustomerID implements billsync.Storage
func (s *Storage) ClearCustomerID(_ context.Context, userID, expected string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return billsync.ErrUserNotFound
	}
	if u.ExternalCustomerID == expected {
		delete(s.byCustomer, expected)
		u.ExternalCustomerID = ""
	}
	return nil
}

// ApplySubscriptionWrite implements billsync.Storage
func (s *Storage) ApplySubscriptionWrite(_ context.Context, userID string, w billsync.SubscriptionWrite) (billsync.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return billsync.WriteResult{}, billsync.ErrUserNotFound
	}

	prev := u.Subscription
	next, applied := prev.Apply(w)
	if applied {
		if prev.ExternalSubscriptionID != next.ExternalSubscriptionID {
			delete(s.bySubscription, prev.ExternalSubscriptionID)
			if next.ExternalSubscriptionID != "" {
				s.bySubscription[next.ExternalSubscriptionID] = userID
			}
		}
		u.Subscription = next
	}
	return billsync.WriteResult{Applied: applied, Previous: prev, Current: next}, nil
}

// FindUserBySubscriptionID implements billsync.Storage
func (s *Storage) FindUserBySubscriptionID(_ context.Context, subscriptionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.bySubscription[subscriptionID]; ok {
		return id, nil
	}
	return "", billsync.ErrUserNotFound
}

// FindUserByCustomerID implements billsync.Storage
func (s *Storage) FindUserByCustomerID(_ context.Context, customerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.byCustomer[customerID]; ok {
		return id, nil
	}
	return "", billsync.ErrUserNotFound
}

// ListPollCandidates implements billsync.Storage
func (s *Storage) ListPollCandidates(_ context.Context, limit int) ([]billsync.PollCandidate, error) {
	s.mu.RLock()
	out := make([]billsync.PollCandidate, 0, len(s.bySubscription))
	for subID, userID := range s.bySubscription {
		out = append(out, billsync.PollCandidate{
			UserID:            userID,
			SubscriptionID:    subID,
			LastStatusCheckAt: s.users[userID].Subscription.LastStatusCheckAt,
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastStatusCheckAt.Equal(out[j].LastStatusCheckAt) {
			return out[i].LastStatusCheckAt.Before(out[j].LastStatusCheckAt)
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TryLock implements billsync.Locker
func (s *Storage) TryLock(_ context.Context, key int64) (billsync.Lock, bool, error) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if _, held := s.locks[key]; held {
		return nil, false, nil
	}
	s.lockToken++
	s.locks[key] = s.lockToken
	return &lock{s: s, key: key, token: s.lockToken}, true, nil
}

// Locked reports whether key is currently held.
func (s *Storage) Locked(key int64) bool {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	_, held := s.locks[key]
	return held
}

type lock struct {
	s     *Storage
	key   int64
	token uint64
}

func (l *lock) Release(context.Context) error {
	l.s.lockMu.Lock()
	defer l.s.lockMu.Unlock()

	if l.s.locks[l.key] != l.token {
		return errors.New("memory: lock not held")
	}
	delete(l.s.locks, l.key)
	return nil
}

func copyUser(u *billsync.User) *billsync.User {
	c := *u
	c.Address = copyAddress(u.Address)
	c.Subscription.CurrentPeriodStart = copyTime(u.Subscription.CurrentPeriodStart)
	c.Subscription.CurrentPeriodEnd = copyTime(u.Subscription.CurrentPeriodEnd)
	c.Subscription.CancelledAt = copyTime(u.Subscription.CancelledAt)
	return &c
}

func copyAddress(a *billing.Address) *billing.Address {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

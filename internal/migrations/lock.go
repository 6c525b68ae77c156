package migrations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/domain"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/store"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// RunLockName is the _id of the lock document held during a run
const RunLockName = "kkmigrate"

// Lock is a held run lock
type Lock struct {
	store      store.Target
	collection string
	doc        domain.RunLock
	ttl        time.Duration
}

// AcquireLock inserts the lock document. An expired lock left by a crashed
// process is taken over; a live one yields *domain.LockHeldError.
func AcquireLock(ctx context.Context, s store.Target, collection, owner string, ttl time.Duration, now time.Time) (*Lock, error) {
	doc := domain.RunLock{
		Name:       RunLockName,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := s.Insert(ctx, collection, doc)
		if err == nil {
			return &Lock{store: s, collection: collection, doc: doc, ttl: ttl}, nil
		}
		if !errors.Is(err, domain.ErrDuplicateKey) {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}

		held, err := ReadLock(ctx, s, collection)
		if err != nil {
			return nil, err
		}
		if held == nil {
			// released between insert and read
			continue
		}
		if held.ExpiresAt.After(now) {
			return nil, &domain.LockHeldError{Name: held.Name, Owner: held.Owner, ExpiresAt: held.ExpiresAt}
		}

		// Delete only the expired holder so a concurrent takeover wins once
		if _, err := s.DeleteMatching(ctx, collection, ownedBy(held.Owner)); err != nil {
			return nil, fmt.Errorf("failed to take over expired lock: %w", err)
		}
	}

	held, err := ReadLock(ctx, s, collection)
	if err != nil {
		return nil, err
	}
	if held == nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", domain.ErrLocked)
	}
	return nil, &domain.LockHeldError{Name: held.Name, Owner: held.Owner, ExpiresAt: held.ExpiresAt}
}

// Release deletes the lock if it is still owned by this holder
func (l *Lock) Release(ctx context.Context) error {
	if _, err := l.store.DeleteMatching(ctx, l.collection, ownedBy(l.doc.Owner)); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Renew extends the lock to now plus its TTL. It fails with
// domain.ErrLockLost once another process has taken the lock over.
func (l *Lock) Renew(ctx context.Context, now time.Time) error {
	expires := now.Add(l.ttl)
	n, err := l.store.UpdateMatching(ctx, l.collection, ownedBy(l.doc.Owner), bson.D{{Key: "expiresAt", Value: expires}})
	if err != nil {
		return fmt.Errorf("failed to renew lock: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q is no longer held by %s", domain.ErrLockLost, l.doc.Name, l.doc.Owner)
	}
	l.doc.ExpiresAt = expires
	return nil
}

// Heartbeat renews the lock once half of its TTL has passed
func (l *Lock) Heartbeat(ctx context.Context, now time.Time) error {
	if now.Before(l.doc.ExpiresAt.Add(-l.ttl / 2)) {
		return nil
	}
	return l.Renew(ctx, now)
}

// ExpiresAt returns the current expiry
func (l *Lock) ExpiresAt() time.Time {
	return l.doc.ExpiresAt
}

// Owner returns the lock owner
func (l *Lock) Owner() string {
	return l.doc.Owner
}

// ForceUnlock deletes the lock regardless of owner and reports whether one
// was held
func ForceUnlock(ctx context.Context, s store.Target, collection string) (bool, error) {
	n, err := s.DeleteIDs(ctx, collection, []string{RunLockName})
	if err != nil {
		return false, fmt.Errorf("failed to unlock: %w", err)
	}
	return n > 0, nil
}

// ReadLock returns the current lock document, or nil when unlocked
func ReadLock(ctx context.Context, s store.Target, collection string) (*domain.RunLock, error) {
	found, err := s.FindByIDs(ctx, collection, []string{RunLockName})
	if err != nil {
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}
	raw, ok := found[RunLockName]
	if !ok {
		return nil, nil
	}
	var held domain.RunLock
	if err := bson.Unmarshal(raw, &held); err != nil {
		return nil, fmt.Errorf("failed to decode lock: %w", err)
	}
	return &held, nil
}

func ownedBy(owner string) []store.Predicate {
	return []store.Predicate{store.Equals("_id", RunLockName), store.Equals("owner", owner)}
}

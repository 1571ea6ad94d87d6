package internal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

var (
	// _slotTTL bounds how long a crashed worker's claim can block others.
	_slotTTL = 15 * time.Minute

	// Lease-lock defaults: how long a holder may keep the lock, how long a
	// waiter blocks before giving up, and how often it re-probes.
	_lockLease         = 10 * time.Second
	_lockWait          = 5 * time.Second
	_lockRetryInterval = 50 * time.Millisecond
)

// Slot is the ephemeral per-(kind, slug, locale, context tag) generation
// claim. It is advisory: workers check it cooperatively to skip duplicate
// generation, while the lease locks underneath still enforce exclusion even
// against a worker that ignores its slot.
type Slot struct {
	store Store
}

// NewSlot creates a slot registry over the store.
func NewSlot(store Store) *Slot {
	return &Slot{store: store}
}

// Acquire atomically claims the slot for jobID. True means the caller owns
// the slot and must generate; false means another job already is, and the
// caller should read that job's status instead.
func (s *Slot) Acquire(ctx context.Context, kind Kind, slug, jobID, locale, contextTag string) bool {
	return s.store.Add(ctx, slugKey(_slotPrefix, kind, slug, locale, contextTag), []byte(jobID), _slotTTL)
}

// Holder returns the job ID currently occupying the slot, if any.
func (s *Slot) Holder(ctx context.Context, kind Kind, slug, locale, contextTag string) (string, bool) {
	raw, ok := s.store.Get(ctx, slugKey(_slotPrefix, kind, slug, locale, contextTag))
	return string(raw), ok
}

// Release frees the slot if jobID still holds it. Called unconditionally on
// both success and failure paths; a crashed worker's claim expires via TTL
// instead.
func (s *Slot) Release(ctx context.Context, kind Kind, slug, jobID, locale, contextTag string) {
	key := slugKey(_slotPrefix, kind, slug, locale, contextTag)
	if !s.store.CompareAndDelete(ctx, key, []byte(jobID)) {
		Log(ctx).Debug("slot already released or taken over", "key", key, "jobID", jobID)
	}
}

// withLock runs fn while holding a bounded-wait lease lock on key. The
// waiter blocks for up to wait, re-probing every _lockRetryInterval, and
// returns ErrLockTimeout if the lock never frees up. The lease caps how long
// a crashed holder can wedge the key.
//
// Callers must re-check their precondition after acquiring (the previous
// holder may have just done the work) and once more on ErrLockTimeout before
// treating it as fatal.
func withLock[T any](ctx context.Context, store Store, key string, lease, wait time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	token := []byte(uuid.NewString())
	deadline := time.Now().Add(wait)

	for {
		if store.Add(ctx, key, token, lease) {
			break
		}
		if time.Now().After(deadline) {
			return zero, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(_lockRetryInterval):
		}
	}

	defer func() {
		// Compare-and-delete so an expired lease taken over by someone else
		// isn't clobbered.
		if !store.CompareAndDelete(ctx, key, token) {
			Log(ctx).Warn("lock lease expired before release", "key", key)
		}
	}()

	return fn(ctx)
}

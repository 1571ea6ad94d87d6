package internal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the shared key/value capability backing the job ledger, the slug
// index, generation slots and lease locks. Implementations must provide
// per-key TTLs and an atomic set-if-absent; everything else in the
// orchestrator builds mutual exclusion on top of those two guarantees.
//
// Lock keys must only ever be written through Add and CompareAndDelete. A
// raw Set on a lock key would break mutual exclusion.
type Store interface {
	// Get returns the value for key, or false if the key is absent or
	// expired.
	Get(ctx context.Context, key string) ([]byte, bool)

	// GetWithTTL additionally returns the remaining TTL.
	GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool)

	// Set unconditionally writes the value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Add writes the value only if the key is absent and reports whether the
	// write happened. This is the store's one atomic claim primitive.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) bool

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndDelete removes the key only if it currently holds value, and
	// reports whether it did. Used to release locks without clobbering a
	// successor's claim.
	CompareAndDelete(ctx context.Context, key string, value []byte) bool
}

// redisStore backs the Store with a shared Redis instance so that multiple
// web processes and queue workers observe the same claims.
type redisStore struct {
	rdb *redis.Client
}

var _ Store = (*redisStore)(nil)

// NewRedisStore connects to Redis and pings it once so that misconfiguration
// surfaces at boot rather than on the first job.
func NewRedisStore(ctx context.Context, addr string) (Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return &redisStore{rdb: rdb}, nil
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		Log(ctx).Warn("problem reading key", "key", key, "err", err)
		return nil, false
	}
	return val, true
}

func (s *redisStore) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	pipe := s.rdb.Pipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		Log(ctx).Warn("problem reading key", "key", key, "err", err)
		return nil, 0, false
	}

	val, err := get.Bytes()
	if err != nil {
		return nil, 0, false
	}
	return val, ttl.Val(), true
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		Log(ctx).Warn("problem writing key", "key", key, "err", err)
	}
}

func (s *redisStore) Add(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		Log(ctx).Warn("problem claiming key", "key", key, "err", err)
		return false
	}
	return ok
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// _compareAndDelete deletes the key only when it still holds the expected
// value. Scripted so the check and delete are a single atomic step.
var _compareAndDelete = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (s *redisStore) CompareAndDelete(ctx context.Context, key string, value []byte) bool {
	n, err := _compareAndDelete.Run(ctx, s.rdb, []string{key}, value).Int()
	if err != nil {
		Log(ctx).Warn("problem releasing key", "key", key, "err", err)
		return false
	}
	return n > 0
}

// memoryStore is an in-process Store with the same atomicity guarantees as
// the Redis implementation. Tests inject it everywhere a Store is needed.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

var _ Store = (*memoryStore)(nil)

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: map[string]memoryEntry{}}
}

// live returns the entry for key if present and unexpired. Callers hold mu.
func (s *memoryStore) live(key string) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *memoryStore) Get(ctx context.Context, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	return e.value, ok
}

func (s *memoryStore) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, 0, false
	}
	return e.value, time.Until(e.expiresAt), true
}

func (s *memoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
}

func (s *memoryStore) Add(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false
	}
	s.entries[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return true
}

func (s *memoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *memoryStore) CompareAndDelete(ctx context.Context, key string, value []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || string(e.value) != string(value) {
		return false
	}
	delete(s.entries, key)
	return true
}

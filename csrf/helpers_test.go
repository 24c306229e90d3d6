package csrf

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// storeFactory builds a fresh Store reading time from clock.
type storeFactory func(t *testing.T, clock *fakeClock) Store

func memoryStoreFactory(t *testing.T, clock *fakeClock) Store {
	t.Helper()
	s, err := NewMemoryStore(MemoryConfig{Now: clock.Now, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return s
}

func redisStoreFactory(t *testing.T, clock *fakeClock) Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewRedisStore(rdb, RedisConfig{Now: clock.Now, Logger: zaptest.NewLogger(t)})
}

var storeFactories = map[string]storeFactory{
	"memory": memoryStoreFactory,
	"redis":  redisStoreFactory,
}

// failingStore simulates an unreachable backend.
type failingStore struct{}

func (failingStore) Put(context.Context, string, string, Policy) error {
	return ErrStoreUnavailable
}

func (failingStore) Issue(context.Context, string, string, Policy) (string, error) {
	return "", ErrStoreUnavailable
}

func (failingStore) Get(context.Context, string) (*Record, error) {
	return nil, ErrStoreUnavailable
}

func (failingStore) ValidateAndConsume(context.Context, string, string) (Outcome, error) {
	return OutcomeStoreUnavailable, ErrStoreUnavailable
}

func (failingStore) Invalidate(context.Context, string) error {
	return ErrStoreUnavailable
}

// countingStore records how often the backend is consulted.
type countingStore struct {
	Store
	validations atomic.Int64
}

func (s *countingStore) ValidateAndConsume(ctx context.Context, sessionID, candidate string) (Outcome, error) {
	s.validations.Add(1)
	return s.Store.ValidateAndConsume(ctx, sessionID, candidate)
}

var (
	oneTimePolicy  = Policy{ByteLength: 32, TTL: time.Hour, Mode: ModeOneTime, Transport: TransportField}
	multiUsePolicy = Policy{ByteLength: 32, TTL: time.Hour, Mode: ModeMultiUse, Transport: TransportField}
)

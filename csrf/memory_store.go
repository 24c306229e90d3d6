package csrf

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const defaultMemoryEntries = 100_000

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	// MaxEntries bounds the number of sessions tracked; the least recently
	// used session loses its token first. Defaults to 100000.
	MaxEntries int
	// Now overrides time.Now, mainly for tests.
	Now    func() time.Time
	Logger *zap.Logger
}

// MemoryStore is a single-process Store. One mutex serializes every
// operation, which makes ValidateAndConsume trivially atomic.
type MemoryStore struct {
	mu      sync.Mutex
	records *lru.Cache[string, *Record]
	now     func() time.Time
	logger  *zap.Logger
}

func NewMemoryStore(cfg MemoryConfig) (*MemoryStore, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMemoryEntries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cache, err := lru.New[string, *Record](cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{
		records: cache,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}, nil
}

func (s *MemoryStore) Put(ctx context.Context, sessionID, token string, policy Policy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records.Add(sessionID, newRecord(sessionID, token, policy, s.now()))
	return nil
}

func (s *MemoryStore) Issue(ctx context.Context, sessionID, token string, policy Policy) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := s.now()
	if rec, ok := s.records.Get(sessionID); ok && rec.State(now) == StateActive {
		return rec.Value, nil
	}
	s.records.Add(sessionID, newRecord(sessionID, token, policy, now))
	return token, nil
}

// Get returns a copy of the stored record so callers cannot mutate it.
func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records.Get(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ValidateAndConsume(ctx context.Context, sessionID, candidate string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// checked under the lock: a cancelled caller never commits
	if err := ctx.Err(); err != nil {
		return OutcomeStoreUnavailable, err
	}
	rec, ok := s.records.Get(sessionID)
	if !ok {
		return OutcomeTokenMismatch, ErrNotFound
	}
	outcome := rec.check(candidate, s.now())
	if outcome == OutcomeValid && rec.SingleUse {
		rec.Consumed = true
	}
	return outcome, nil
}

func (s *MemoryStore) Invalidate(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records.Remove(sessionID)
	return nil
}

// Len returns the number of tracked sessions, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.Len()
}

// Sweep removes expired and consumed records and returns how many were
// dropped.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for _, key := range s.records.Keys() {
		rec, ok := s.records.Peek(key)
		if !ok {
			continue
		}
		if rec.State(now) != StateActive {
			s.records.Remove(key)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done. Sweeping is
// best-effort; expiry is always re-checked on lookup.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.Debug("swept csrf records", zap.Int("removed", n))
				}
			}
		}
	}()
}

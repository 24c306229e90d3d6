package csrf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	defaultRedisPrefix  = "csrf"
	defaultRedisRetries = 8
	defaultRedisGrace   = time.Minute
	redisRecordVersion  = 1
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// Prefix namespaces keys as "<prefix>:<sessionID>". Defaults to "csrf".
	Prefix string
	// MaxRetries bounds optimistic transaction retries under contention.
	MaxRetries int
	// ExpiryGrace keeps expired records in Redis a little longer than their
	// TTL so that late submissions report TokenExpired instead of a mismatch.
	ExpiryGrace time.Duration
	Now         func() time.Time
	Logger      *zap.Logger
}

// redisRecord is the persisted layout of a Record.
type redisRecord struct {
	Version   uint8  `msgpack:"v"`
	Token     string `msgpack:"token"`
	IssuedAt  int64  `msgpack:"issued_at"`  // unix nanoseconds
	ExpiresAt int64  `msgpack:"expires_at"` // unix nanoseconds, 0 = none
	Consumed  bool   `msgpack:"consumed"`
	SingleUse bool   `msgpack:"single_use"`
}

// RedisStore is a Store shared by several processes. ValidateAndConsume runs
// as a WATCH/MULTI transaction on the session key, retried on contention.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
	grace      time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func NewRedisStore(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultRedisPrefix
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultRedisRetries
	}
	if cfg.ExpiryGrace <= 0 {
		cfg.ExpiryGrace = defaultRedisGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &RedisStore{
		client:     client,
		prefix:     cfg.Prefix,
		maxRetries: cfg.MaxRetries,
		grace:      cfg.ExpiryGrace,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

// Ping checks that the backend is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Put(ctx context.Context, sessionID, token string, policy Policy) error {
	rec := newRecord(sessionID, token, policy, s.now())
	data, err := encodeRedisRecord(rec)
	if err != nil {
		return err
	}
	ttl, ok := s.keyTTL(rec)
	if !ok {
		return s.Invalidate(ctx, sessionID)
	}
	if err := s.client.Set(ctx, s.key(sessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Issue runs as a WATCH/MULTI transaction so that two first requests for a
// session cannot both write a record.
func (s *RedisStore) Issue(ctx context.Context, sessionID, token string, policy Policy) (string, error) {
	key := s.key(sessionID)

	for i := 0; i < s.maxRetries; i++ {
		active := ""
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case err == nil:
				current, err := decodeRedisRecord(sessionID, data)
				if err != nil {
					return err
				}
				if current.State(s.now()) == StateActive {
					active = current.Value
					return nil
				}
			case errors.Is(err, redis.Nil):
			default:
				return err
			}

			rec := newRecord(sessionID, token, policy, s.now())
			encoded, err := encodeRedisRecord(rec)
			if err != nil {
				return err
			}
			ttl, _ := s.keyTTL(rec)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, ttl)
				return nil
			})
			if err == nil {
				active = token
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return active, nil
	}

	s.logger.Warn("csrf issue gave up after contention", zap.Int("retries", s.maxRetries))
	return "", fmt.Errorf("%w: too much contention on session key", ErrStoreUnavailable)
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	rec, err := decodeRedisRecord(sessionID, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return rec, nil
}

func (s *RedisStore) ValidateAndConsume(ctx context.Context, sessionID, candidate string) (Outcome, error) {
	key := s.key(sessionID)

	for i := 0; i < s.maxRetries; i++ {
		outcome := OutcomeStoreUnavailable
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			rec, err := decodeRedisRecord(sessionID, data)
			if err != nil {
				return err
			}

			outcome = rec.check(candidate, s.now())
			if outcome != OutcomeValid || !rec.SingleUse {
				return nil
			}

			rec.Consumed = true
			updated, err := encodeRedisRecord(rec)
			if err != nil {
				return err
			}
			ttl, ok := s.keyTTL(rec)
			if !ok {
				// expired between check and write; nothing left to consume
				outcome = OutcomeTokenExpired
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return OutcomeTokenMismatch, ErrNotFound
			}
			return OutcomeStoreUnavailable, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return outcome, nil
	}

	s.logger.Warn("csrf validate gave up after contention", zap.Int("retries", s.maxRetries))
	return OutcomeStoreUnavailable, fmt.Errorf("%w: too much contention on session key", ErrStoreUnavailable)
}

func (s *RedisStore) Invalidate(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// keyTTL returns the Redis expiration for rec. Zero means no expiration. The
// boolean is false when the record is already past its grace window.
func (s *RedisStore) keyTTL(rec *Record) (time.Duration, bool) {
	if rec.ExpiresAt.IsZero() {
		return 0, true
	}
	ttl := rec.ExpiresAt.Sub(s.now()) + s.grace
	if ttl <= 0 {
		return 0, false
	}
	return ttl, true
}

func encodeRedisRecord(rec *Record) ([]byte, error) {
	rr := redisRecord{
		Version:   redisRecordVersion,
		Token:     rec.Value,
		IssuedAt:  rec.IssuedAt.UnixNano(),
		Consumed:  rec.Consumed,
		SingleUse: rec.SingleUse,
	}
	if !rec.ExpiresAt.IsZero() {
		rr.ExpiresAt = rec.ExpiresAt.UnixNano()
	}
	return msgpack.Marshal(&rr)
}

func decodeRedisRecord(sessionID string, data []byte) (*Record, error) {
	var rr redisRecord
	if err := msgpack.Unmarshal(data, &rr); err != nil {
		return nil, err
	}
	if rr.Version != redisRecordVersion {
		return nil, fmt.Errorf("unsupported csrf record version %d", rr.Version)
	}
	rec := &Record{
		Value:     rr.Token,
		SessionID: sessionID,
		IssuedAt:  time.Unix(0, rr.IssuedAt),
		Consumed:  rr.Consumed,
		SingleUse: rr.SingleUse,
	}
	if rr.ExpiresAt != 0 {
		rec.ExpiresAt = time.Unix(0, rr.ExpiresAt)
	}
	return rec, nil
}

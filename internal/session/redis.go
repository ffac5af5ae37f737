package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisKeyPrefix = "session:"

// RedisStore is the session store backend for deployments that already run
// Redis. Staleness eviction is delegated to server-side TTLs: expiring
// sessions are written with the staleness threshold as TTL, refreshed on
// every Touch, while never-expire sessions are written without one. The
// ticker sweep therefore never runs against this backend.
type RedisStore struct {
	client   *redis.Client
	staleTTL time.Duration
	locks    sync.Map // id -> *sync.Mutex
	logger   zerolog.Logger
}

// OpenRedis connects to the Redis instance described by rawURL
// (redis://host:port/db) and verifies the connection.
func OpenRedis(ctx context.Context, rawURL string, staleTTL time.Duration, logger zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{
		client:   client,
		staleTTL: staleTTL,
		logger:   logger.With().Str("component", "session-store").Logger(),
	}, nil
}

func (s *RedisStore) lock(id string) *sync.Mutex {
	m, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (s *RedisStore) ttlFor(sess *Session) time.Duration {
	if sess.NeverExpire {
		return 0
	}
	return s.staleTTL
}

func (s *RedisStore) persist(ctx context.Context, sess *Session) error {
	data, err := sess.MarshalRecord()
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKeyPrefix+sess.ID, data, s.ttlFor(sess)).Err(); err != nil {
		s.logger.Error().Err(err).Str("session", sess.ID).Msg("failed to save session")
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *RedisStore) Create(ctx context.Context) (*Session, error) {
	for {
		sess := New(GenerateID())
		data, err := sess.MarshalRecord()
		if err != nil {
			return nil, err
		}
		ok, err := s.client.SetNX(ctx, redisKeyPrefix+sess.ID, data, s.ttlFor(sess)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		if !ok {
			continue
		}
		return sess, nil
	}
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return UnmarshalRecord(data)
}

func (s *RedisStore) Has(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, redisKeyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check session %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, mutate func(*Session)) error {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	mutate(sess)
	sess.ID = id
	return s.persist(ctx, sess)
}

func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	mu := s.lock(sess.ID)
	mu.Lock()
	defer mu.Unlock()
	return s.persist(ctx, sess.Clone())
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	if err := s.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		s.logger.Error().Err(err).Str("session", id).Msg("failed to delete session")
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	// The lock entry is kept so a writer still blocked on it cannot overlap
	// a later one that would otherwise mint a fresh mutex.
	return nil
}

func (s *RedisStore) Touch(ctx context.Context, id string) error {
	return s.Update(ctx, id, func(sess *Session) {
		sess.LastUsedAt = time.Now()
	})
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisSessionPrefix  = "openvideo:session:"
	defaultRedisSessionTimeout = 2 * time.Second
)

// RedisSessionStore keeps sessions in Redis keyed by token digest. Keys carry
// a TTL matching the session's idle expiry, so Redis drops them on its own.
type RedisSessionStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

type redisSession struct {
	UserID            string    `json:"userId"`
	ExpiresAt         time.Time `json:"expiresAt"`
	AbsoluteExpiresAt time.Time `json:"absoluteExpiresAt"`
}

// NewRedisSessionStore wraps an existing client. An empty prefix selects the
// default namespace.
func NewRedisSessionStore(client redis.UniversalClient, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = defaultRedisSessionPrefix
	}
	return &RedisSessionStore{
		client:  client,
		prefix:  prefix,
		timeout: defaultRedisSessionTimeout,
		now:     time.Now,
	}
}

func (s *RedisSessionStore) key(token string) (string, error) {
	hashed, err := hashSessionToken(token)
	if err != nil {
		return "", err
	}
	return s.prefix + hashed, nil
}

func (s *RedisSessionStore) Save(token, userID string, expiresAt, absoluteExpiresAt time.Time) error {
	key, err := s.key(token)
	if err != nil {
		return err
	}
	if absoluteExpiresAt.IsZero() {
		absoluteExpiresAt = expiresAt
	}
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.Delete(token)
	}
	payload, err := json.Marshal(redisSession{
		UserID:            userID,
		ExpiresAt:         expiresAt.UTC(),
		AbsoluteExpiresAt: absoluteExpiresAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Get(token string) (SessionRecord, bool, error) {
	key, err := s.key(token)
	if err != nil {
		return SessionRecord{}, false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, fmt.Errorf("load session: %w", err)
	}
	var stored redisSession
	if err := json.Unmarshal(raw, &stored); err != nil {
		return SessionRecord{}, false, fmt.Errorf("decode session: %w", err)
	}
	return SessionRecord{
		Token:             token,
		UserID:            stored.UserID,
		ExpiresAt:         stored.ExpiresAt,
		AbsoluteExpiresAt: stored.AbsoluteExpiresAt,
	}, true, nil
}

func (s *RedisSessionStore) Delete(token string) error {
	key, err := s.key(token)
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpired is a no-op: key TTLs already evict idle sessions.
func (s *RedisSessionStore) PurgeExpired(time.Time) error {
	return nil
}

func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the session in Redis under two keys sharing a prefix.
type RedisStore struct {
	redis *redis.Client
	keys  Keys
	ttl   time.Duration
}

// RedisOption customizes a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.keys = Keys{Prefix: prefix}
	}
}

// WithTTL expires both records after ttl. Zero keeps them until cleared.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore creates a store backed by redisClient.
func NewRedisStore(redisClient *redis.Client, opts ...RedisOption) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	s := &RedisStore{
		redis: redisClient,
		keys:  Keys{Prefix: DefaultKeyPrefix},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Keys returns the storage keys in use.
func (s *RedisStore) Keys() Keys {
	return s.keys
}

// Save replaces the stored pair.
func (s *RedisStore) Save(ctx context.Context, pair Pair) error {
	err := s.set(ctx, s.keys.Credentials(), pair)
	observe("redis", "save", err)
	if err != nil {
		return &StoreError{Backend: "redis", Operation: "save", Key: s.keys.Credentials(), Err: err}
	}
	return nil
}

// Load returns the stored pair or ErrNotFound.
func (s *RedisStore) Load(ctx context.Context) (Pair, error) {
	var pair Pair
	err := s.get(ctx, s.keys.Credentials(), &pair)
	observe("redis", "load", err)
	if err == ErrNotFound {
		return Pair{}, ErrNotFound
	}
	if err != nil {
		return Pair{}, &StoreError{Backend: "redis", Operation: "load", Key: s.keys.Credentials(), Err: err}
	}
	return pair, nil
}

// Clear deletes both keys in a single DEL so they disappear together.
func (s *RedisStore) Clear(ctx context.Context) error {
	err := s.redis.Del(ctx, s.keys.Credentials(), s.keys.Principal()).Err()
	observe("redis", "clear", err)
	if err != nil {
		return &StoreError{Backend: "redis", Operation: "clear", Err: fmt.Errorf("redis del: %w", err)}
	}
	return nil
}

// SavePrincipal replaces the stored principal.
func (s *RedisStore) SavePrincipal(ctx context.Context, principal Principal) error {
	err := s.set(ctx, s.keys.Principal(), principal)
	observe("redis", "save_principal", err)
	if err != nil {
		return &StoreError{Backend: "redis", Operation: "save", Key: s.keys.Principal(), Err: err}
	}
	return nil
}

// LoadPrincipal returns the stored principal or ErrNotFound.
func (s *RedisStore) LoadPrincipal(ctx context.Context) (*Principal, error) {
	var principal Principal
	err := s.get(ctx, s.keys.Principal(), &principal)
	observe("redis", "load_principal", err)
	if err == ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Backend: "redis", Operation: "load", Key: s.keys.Principal(), Err: err}
	}
	return &principal, nil
}

func (s *RedisStore) set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.redis.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, key string, out any) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("redis get: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

package chatconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisIdentityKey = "livechat:visitor"

// RedisIdentityStore keeps the identity as a JSON value under one key, for
// hosts that share a visitor across machines.
type RedisIdentityStore struct {
	rdb *redis.Client
	key string
}

func NewRedisIdentityStore(rdb *redis.Client, key string) *RedisIdentityStore {
	if strings.TrimSpace(key) == "" {
		key = DefaultRedisIdentityKey
	}
	return &RedisIdentityStore{rdb: rdb, key: key}
}

func OpenRedisIdentityStore(redisURL, key string) (*RedisIdentityStore, error) {
	if strings.TrimSpace(redisURL) == "" {
		redisURL = "redis://localhost:6379"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisIdentityStore(redis.NewClient(opts), key), nil
}

func (s *RedisIdentityStore) Load(ctx context.Context) (*Identity, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}
	return &id, nil
}

func (s *RedisIdentityStore) Save(ctx context.Context, id *Identity) error {
	if id == nil {
		return errors.New("nil identity")
	}
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

func (s *RedisIdentityStore) Close() error {
	return s.rdb.Close()
}

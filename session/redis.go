package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/abdelmounim-dev/chatsync/models"
)

// RedisStore implements the Store interface using Redis.
type RedisStore struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRedisStore creates a new RedisStore. Keys are scoped by namespace; a
// zero ttl stores values without expiry.
func NewRedisStore(client *redis.Client, namespace string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client:    client,
		namespace: namespace,
		ttl:       ttl,
	}
}

func (s *RedisStore) tokensKey() string {
	return fmt.Sprintf("chatsync:%s:tokens", s.namespace)
}

func (s *RedisStore) userKey() string {
	return fmt.Sprintf("chatsync:%s:user", s.namespace)
}

// SaveTokens stores the token pair as one value so both change together.
func (s *RedisStore) SaveTokens(ctx context.Context, creds Credentials) error {
	return s.set(ctx, s.tokensKey(), creds)
}

// LoadTokens retrieves the token pair from Redis.
func (s *RedisStore) LoadTokens(ctx context.Context) (*Credentials, error) {
	var creds Credentials
	found, err := s.get(ctx, s.tokensKey(), &creds)
	if err != nil || !found {
		return nil, err
	}
	return &creds, nil
}

func (s *RedisStore) ClearTokens(ctx context.Context) error {
	return s.client.Del(ctx, s.tokensKey()).Err()
}

func (s *RedisStore) SaveUser(ctx context.Context, user *models.User) error {
	return s.set(ctx, s.userKey(), user)
}

func (s *RedisStore) LoadUser(ctx context.Context) (*models.User, error) {
	var user models.User
	found, err := s.get(ctx, s.userKey(), &user)
	if err != nil || !found {
		return nil, err
	}
	return &user, nil
}

func (s *RedisStore) ClearUser(ctx context.Context) error {
	return s.client.Del(ctx, s.userKey()).Err()
}

func (s *RedisStore) set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, s.ttl).Err()
}

func (s *RedisStore) get(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil // Not found is not an error
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

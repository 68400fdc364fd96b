package store

import (
	"context"
	"errors"
	"time"

	"github.com/BatmanBruc/vpn-bot/types"
)

// RedisSessionStore keeps the panel session cookie so that every replica
// reuses one login.
type RedisSessionStore struct {
	client *RedisClient
	ttl    time.Duration
}

func NewRedisSessionStore(redisClient *RedisClient, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisSessionStore{
		client: redisClient,
		ttl:    ttl,
	}
}

func (s *RedisSessionStore) key(panel string) string {
	return s.client.generateKey("panel_session", panel)
}

func (s *RedisSessionStore) Load(ctx context.Context, panel string) (string, bool, error) {
	v, err := s.client.GetString(ctx, s.key(panel))
	if errors.Is(err, types.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, v != "", nil
}

func (s *RedisSessionStore) Save(ctx context.Context, panel, session string) error {
	return s.client.SetString(ctx, s.key(panel), session, s.ttl)
}

func (s *RedisSessionStore) Invalidate(ctx context.Context, panel string) error {
	return s.client.Del(ctx, s.key(panel))
}

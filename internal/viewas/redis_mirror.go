package viewas

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror keeps a per-user copy of the override on the server side.
type RedisMirror struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisMirror(client *redis.Client, userID string, now func() time.Time) *RedisMirror {
	if now == nil {
		now = time.Now
	}
	return &RedisMirror{client: client, key: "viewas:" + userID, now: now}
}

func (m *RedisMirror) Load(ctx context.Context) (string, error) {
	value, err := m.client.Get(ctx, m.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read view-as mirror: %w", err)
	}
	return value, nil
}

func (m *RedisMirror) Save(ctx context.Context, roleID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(m.now())
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := m.client.Set(ctx, m.key, roleID, ttl).Err(); err != nil {
		return fmt.Errorf("write view-as mirror: %w", err)
	}
	return nil
}

func (m *RedisMirror) Clear(ctx context.Context) error {
	if err := m.client.Del(ctx, m.key).Err(); err != nil {
		return fmt.Errorf("clear view-as mirror: %w", err)
	}
	return nil
}

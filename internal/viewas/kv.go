package viewas

import (
	"context"
	"time"
)

// KV is an expiring key/value store, such as the agent's local settings table.
type KV interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string, expiresAt time.Time) error
	DeleteSetting(ctx context.Context, key string) error
}

// KVChannel stores the override under a single key.
type KVChannel struct {
	kv  KV
	key string
}

func NewKVChannel(kv KV, key string) *KVChannel {
	if key == "" {
		key = CookieName
	}
	return &KVChannel{kv: kv, key: key}
}

func (c *KVChannel) Load(ctx context.Context) (string, error) {
	value, _, err := c.kv.GetSetting(ctx, c.key)
	return value, err
}

func (c *KVChannel) Save(ctx context.Context, roleID string, expiresAt time.Time) error {
	return c.kv.PutSetting(ctx, c.key, roleID, expiresAt)
}

func (c *KVChannel) Clear(ctx context.Context) error {
	return c.kv.DeleteSetting(ctx, c.key)
}

package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the queue in Redis: one JSON value per operation plus a
// sorted set per status scored by Seq.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store namespaced by prefix, e.g. "fleetq:<agent>:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "fleetq:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) opKey(id string) string         { return s.prefix + "op:" + id }
func (s *RedisStore) statusKey(status Status) string { return s.prefix + "status:" + string(status) }
func (s *RedisStore) seqKey() string                 { return s.prefix + "seq" }

func (s *RedisStore) Append(ctx context.Context, op Operation) (Operation, error) {
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return Operation{}, fmt.Errorf("next operation seq: %w", err)
	}
	op.Seq = seq
	data, err := json.Marshal(op)
	if err != nil {
		return Operation{}, fmt.Errorf("marshal operation: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.opKey(op.ID), data, 0)
		pipe.ZAdd(ctx, s.statusKey(op.Status), redis.Z{Score: float64(op.Seq), Member: op.ID})
		return nil
	})
	if err != nil {
		return Operation{}, fmt.Errorf("save operation: %w", err)
	}
	return op, nil
}

func (s *RedisStore) List(ctx context.Context, status Status) ([]Operation, error) {
	ids, err := s.client.ZRange(ctx, s.statusKey(status), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list operation ids: %w", err)
	}
	ops := []Operation{}
	if len(ids) == 0 {
		return ops, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.opKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load operations: %w", err)
	}
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var op Operation
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			return nil, fmt.Errorf("unmarshal operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Operation, error) {
	raw, err := s.client.Get(ctx, s.opKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Operation{}, ErrNotFound
	}
	if err != nil {
		return Operation{}, fmt.Errorf("load operation: %w", err)
	}
	var op Operation
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		return Operation{}, fmt.Errorf("unmarshal operation: %w", err)
	}
	return op, nil
}

func (s *RedisStore) Update(ctx context.Context, op Operation) error {
	exists, err := s.client.Exists(ctx, s.opKey(op.ID)).Result()
	if err != nil {
		return fmt.Errorf("check operation: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.opKey(op.ID), data, 0)
		for _, status := range []Status{StatusPending, StatusFailed} {
			if status != op.Status {
				pipe.ZRem(ctx, s.statusKey(status), op.ID)
			}
		}
		pipe.ZAdd(ctx, s.statusKey(op.Status), redis.Z{Score: float64(op.Seq), Member: op.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("update operation: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.opKey(id))
		pipe.ZRem(ctx, s.statusKey(StatusPending), id)
		pipe.ZRem(ctx, s.statusKey(StatusFailed), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete operation: %w", err)
	}
	return nil
}

func (s *RedisStore) Count(ctx context.Context, status Status) (int, error) {
	count, err := s.client.ZCard(ctx, s.statusKey(status)).Result()
	if err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return int(count), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

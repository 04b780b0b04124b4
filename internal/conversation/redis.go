package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "tides:conversation:"

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL is applied to every saved key so Redis drops abandoned state even
	// when no sweep runs. Zero disables it.
	TTL time.Duration
}

// RedisBackend stores each conversation as one JSON value.
type RedisBackend struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisBackend{rdb: rdb, ttl: cfg.TTL}, nil
}

func redisKey(id string) string { return redisKeyPrefix + id }

func idFromRedisKey(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, redisKeyPrefix)
	return id, ok && id != ""
}

func (b *RedisBackend) Load(ctx context.Context, id string) (*State, error) {
	raw, err := b.rdb.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return decodeState(raw)
}

func (b *RedisBackend) Save(ctx context.Context, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	if err := b.rdb.Set(ctx, redisKey(state.ID), raw, b.ttl).Err(); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	if err := b.rdb.Del(ctx, redisKey(id)).Err(); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (b *RedisBackend) keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := b.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan conversations: %w", err)
	}
	return keys, nil
}

func (b *RedisBackend) IdleSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	keys, err := b.keys(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, key := range keys {
		id, ok := idFromRedisKey(key)
		if !ok {
			continue
		}
		s, err := b.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if s.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *RedisBackend) Count(ctx context.Context) (int, error) {
	keys, err := b.keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}

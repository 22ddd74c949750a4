package fog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a SessionCache backed by Redis. The session lives under a
// fixed key per explorer; pending archives are fields of a hash keyed by
// region ID.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// OpenRedis parses url, connects and pings.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedisCache returns a cache using client. Keys are namespaced by prefix
// ("fogmesh" when empty).
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "fogmesh"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) sessionKey(explorerID string) string {
	return c.prefix + ":" + explorerID + ":session"
}

func (c *RedisCache) pendingKey(explorerID string) string {
	return c.prefix + ":" + explorerID + ":pending"
}

func (c *RedisCache) SaveSession(ctx context.Context, explorerID string, s ActiveSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := c.client.Set(ctx, c.sessionKey(explorerID), data, 0).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (c *RedisCache) LoadSession(ctx context.Context, explorerID string) (*ActiveSession, error) {
	data, err := c.client.Get(ctx, c.sessionKey(explorerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s ActiveSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func (c *RedisCache) ClearSession(ctx context.Context, explorerID string) error {
	if err := c.client.Del(ctx, c.sessionKey(explorerID)).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (c *RedisCache) SavePending(ctx context.Context, explorerID string, p PendingArchive) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending archive: %w", err)
	}
	if err := c.client.HSet(ctx, c.pendingKey(explorerID), p.Region.ID, data).Err(); err != nil {
		return fmt.Errorf("save pending archive: %w", err)
	}
	return nil
}

func (c *RedisCache) LoadPending(ctx context.Context, explorerID string) ([]PendingArchive, error) {
	fields, err := c.client.HGetAll(ctx, c.pendingKey(explorerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load pending archives: %w", err)
	}
	out := make([]PendingArchive, 0, len(fields))
	for id, raw := range fields {
		var p PendingArchive
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("unmarshal pending archive %s: %w", id, err)
		}
		out = append(out, p)
	}
	sortPending(out)
	return out, nil
}

func (c *RedisCache) RemovePending(ctx context.Context, explorerID, regionID string) error {
	if err := c.client.HDel(ctx, c.pendingKey(explorerID), regionID).Err(); err != nil {
		return fmt.Errorf("remove pending archive: %w", err)
	}
	return nil
}

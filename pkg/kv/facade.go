package kv

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient builds a client from config and verifies connectivity with a
// short ping before handing it out.
func NewClient(cfg Config) (*redis.Client, error) {
	opt, err := cfg.options()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Facade exposes exactly the store operations the coordination core needs,
// each returning a value or a typed error. It holds no state and never
// caches.
type Facade struct {
	client *redis.Client
}

// NewFacade wraps an established client
func NewFacade(client *redis.Client) *Facade {
	return &Facade{client: client}
}

// Client exposes the underlying client for pipelining on the same connection
func (f *Facade) Client() *redis.Client {
	return f.client
}

// Close releases the underlying client
func (f *Facade) Close() error {
	return f.client.Close()
}

// HSet writes hash fields
func (f *Facade) HSet(ctx context.Context, key string, fields map[string]any) error {
	if err := f.client.HSet(ctx, key, fields).Err(); err != nil {
		return classify("hset", err)
	}
	return nil
}

// HGet reads one hash field; missing field maps to a not-found error
func (f *Facade) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := f.client.HGet(ctx, key, field).Result()
	if err != nil {
		return "", classify("hget", err)
	}
	return val, nil
}

// HGetAll reads a whole hash; a missing key yields an empty map, not an error
func (f *Facade) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	val, err := f.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, classify("hgetall", err)
	}
	return val, nil
}

// ScoredMember is one sorted-set entry
type ScoredMember struct {
	Member string
	Score  float64
}

// ZAdd inserts or updates one scored member
func (f *Facade) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := f.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return classify("zadd", err)
	}
	return nil
}

// ZRange reads members by rank; negative indexes address the tail
func (f *Facade) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	val, err := f.client.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, classify("zrange", err)
	}
	return val, nil
}

// ZRangeByScore reads members within [min, max]; pass math.Inf for
// unbounded ends.
func (f *Facade) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	val, err := f.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, classify("zrangebyscore", err)
	}
	return val, nil
}

// ZRangeWithScores reads members and their scores by rank
func (f *Facade) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	zs, err := f.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, classify("zrangewithscores", err)
	}
	members := make([]ScoredMember, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		members[i] = ScoredMember{Member: member, Score: z.Score}
	}
	return members, nil
}

// ZCard counts members
func (f *Facade) ZCard(ctx context.Context, key string) (int64, error) {
	val, err := f.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, classify("zcard", err)
	}
	return val, nil
}

// ZRem removes members
func (f *Facade) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := f.client.ZRem(ctx, key, args...).Err(); err != nil {
		return classify("zrem", err)
	}
	return nil
}

// Expire applies a TTL
func (f *Facade) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := f.client.Expire(ctx, key, ttl).Err(); err != nil {
		return classify("expire", err)
	}
	return nil
}

// TTL reports the remaining time to live. -1 means no expiry is set,
// -2 means the key does not exist (Redis semantics preserved).
func (f *Facade) TTL(ctx context.Context, key string) (time.Duration, error) {
	val, err := f.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, classify("ttl", err)
	}
	return val, nil
}

// Exists counts how many of the given keys exist
func (f *Facade) Exists(ctx context.Context, keys ...string) (int64, error) {
	val, err := f.client.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, classify("exists", err)
	}
	return val, nil
}

// Del removes keys
func (f *Facade) Del(ctx context.Context, keys ...string) error {
	if err := f.client.Del(ctx, keys...).Err(); err != nil {
		return classify("del", err)
	}
	return nil
}

// Keys enumerates keys matching a glob pattern. Used only on bounded
// namespaces (sessions, agents); not for arbitrary scans.
func (f *Facade) Keys(ctx context.Context, pattern string) ([]string, error) {
	val, err := f.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, classify("keys", err)
	}
	return val, nil
}

// Get reads a plain string key
func (f *Facade) Get(ctx context.Context, key string) (string, error) {
	val, err := f.client.Get(ctx, key).Result()
	if err != nil {
		return "", classify("get", err)
	}
	return val, nil
}

// Set writes a plain string key with an optional TTL (0 means no expiry)
func (f *Facade) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := f.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return classify("set", err)
	}
	return nil
}

// Ping verifies the connection is alive
func (f *Facade) Ping(ctx context.Context) error {
	if err := f.client.Ping(ctx).Err(); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Publish sends a payload to a channel
func (f *Facade) Publish(ctx context.Context, channel, payload string) error {
	if err := f.client.Publish(ctx, channel, payload).Err(); err != nil {
		return classify("publish", err)
	}
	return nil
}

// ClusterInfo queries cluster state; single-node deployments return an error
// which callers treat as "not clustered".
func (f *Facade) ClusterInfo(ctx context.Context) (string, error) {
	val, err := f.client.ClusterInfo(ctx).Result()
	if err != nil {
		return "", classify("cluster_info", err)
	}
	return val, nil
}

// formatScore renders a score bound the wire way, handling infinities
func formatScore(s float64) string {
	switch {
	case math.IsInf(s, -1):
		return "-inf"
	case math.IsInf(s, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
}

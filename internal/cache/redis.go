package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	tickerKeyPrefix = "backfill:ticker:"
	lastRunKey      = "backfill:last_run"
)

// ErrMiss is returned when a key is not cached
var ErrMiss = errors.New("cache miss")

type RedisCache struct {
	client    *redis.Client
	tickerTTL time.Duration
	statsTTL  time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection
func NewRedisCache(ctx context.Context, redisURL string, tickerTTL, statsTTL time.Duration) (*RedisCache, error) {
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, err
	}

	return newRedisCache(client, tickerTTL, statsTTL), nil
}

func newRedisCache(client *redis.Client, tickerTTL, statsTTL time.Duration) *RedisCache {
	return &RedisCache{client: client, tickerTTL: tickerTTL, statsTTL: statsTTL}
}

// SetJSON caches value as JSON under key
func (r *RedisCache) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, expiration).Err()
}

// GetJSON decodes the JSON cached under key into dest
func (r *RedisCache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), dest)
}

// GetTickerID returns the cached store id for a ticker symbol
func (r *RedisCache) GetTickerID(ctx context.Context, symbol string) (int64, error) {
	val, err := r.client.Get(ctx, tickerKey(symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrMiss
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

// SetTickerID caches the store id for a ticker symbol
func (r *RedisCache) SetTickerID(ctx context.Context, symbol string, id int64) error {
	return r.client.Set(ctx, tickerKey(symbol), strconv.FormatInt(id, 10), r.tickerTTL).Err()
}

// InvalidateTicker removes the cached id for a ticker symbol
func (r *RedisCache) InvalidateTicker(ctx context.Context, symbol string) error {
	return r.client.Del(ctx, tickerKey(symbol)).Err()
}

// SetLastRun caches the statistics of the most recent run
func (r *RedisCache) SetLastRun(ctx context.Context, stats interface{}) error {
	return r.SetJSON(ctx, lastRunKey, stats, r.statsTTL)
}

// GetLastRun loads the statistics of the most recent run into dest
func (r *RedisCache) GetLastRun(ctx context.Context, dest interface{}) error {
	return r.GetJSON(ctx, lastRunKey, dest)
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	return r.client.Close()
}

func tickerKey(symbol string) string {
	return tickerKeyPrefix + strings.ToUpper(symbol)
}

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/regentci/regent/internal/scheduler"
	"github.com/regentci/regent/internal/testrun"
)

const historyKeyPrefix = "regent:history:"

// HistoryReader is the narrow lookup surface the cache wraps.
type HistoryReader interface {
	GetTestHistory(ctx context.Context, testID string) (*testrun.HistoryData, error)
}

// HistoryCache is a redis read-through cache in front of the history
// repository. History is read on every enqueue, so keeping it out of
// PostgreSQL keeps the scheduler's hot path cheap. Cache failures fall
// back to the underlying reader.
type HistoryCache struct {
	client *redis.Client
	source HistoryReader
	ttl    time.Duration
}

func NewHistoryCache(redisAddr string, source HistoryReader, ttl time.Duration) (*HistoryCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &HistoryCache{
		client: client,
		source: source,
		ttl:    ttl,
	}, nil
}

func (c *HistoryCache) GetTestHistory(ctx context.Context, testID string) (*testrun.HistoryData, error) {
	key := historyKeyPrefix + testID

	cached, err := c.client.Get(ctx, key).Result()
	if err == nil {
		var h testrun.HistoryData
		if err := json.Unmarshal([]byte(cached), &h); err == nil {
			return &h, nil
		}
		// Corrupt entry, fall through to the source.
	} else if err != redis.Nil {
		log.Printf("history cache read failed for %s: %v", testID, err)
	}

	h, err := c.source.GetTestHistory(ctx, testID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, nil
	}

	data, err := json.Marshal(h)
	if err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			log.Printf("history cache write failed for %s: %v", testID, err)
		}
	}

	return h, nil
}

// Invalidate drops a test's cached history, forcing the next lookup back
// to the source.
func (c *HistoryCache) Invalidate(ctx context.Context, testID string) error {
	return c.client.Del(ctx, historyKeyPrefix+testID).Err()
}

// Fetcher adapts the cache to the scheduler's history lookup.
func (c *HistoryCache) Fetcher() scheduler.HistoryFetcher {
	return func(testID string) *testrun.HistoryData {
		h, err := c.GetTestHistory(context.Background(), testID)
		if err != nil {
			log.Printf("history lookup failed for %s: %v", testID, err)
			return nil
		}

		return h
	}
}

func (c *HistoryCache) Close() error {
	return c.client.Close()
}

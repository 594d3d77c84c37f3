package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDriftCache wraps a DriftGraph with a short-TTL cache, so a
// backfill pass touching every periodic blueprint in one drain does
// not issue a fresh Neo4j query per blueprint when nothing has run
// since the last tick.
type RedisDriftCache struct {
	client *redis.Client
	inner  DriftGraph
	ttl    time.Duration
}

// NewRedisDriftCache connects to url and wraps inner.
func NewRedisDriftCache(url string, inner DriftGraph, ttl time.Duration) (*RedisDriftCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisDriftCache{client: client, inner: inner, ttl: ttl}, nil
}

func (r *RedisDriftCache) RecordEvaluation(ctx context.Context, run RunRecord) error {
	if err := r.inner.RecordEvaluation(ctx, run); err != nil {
		return err
	}
	// the blueprint's drift picture just changed; drop the stale entry
	// instead of waiting out the TTL
	return r.client.Del(ctx, driftCacheKey(run.BlueprintID)).Err()
}

func (r *RedisDriftCache) DriftIndicators(ctx context.Context, blueprintID string, lastN int) ([]DriftIndicator, error) {
	key := driftCacheKey(blueprintID)

	if cached, err := r.client.Get(ctx, key).Bytes(); err == nil {
		var indicators []DriftIndicator
		if jsonErr := json.Unmarshal(cached, &indicators); jsonErr == nil {
			return indicators, nil
		}
	}

	indicators, err := r.inner.DriftIndicators(ctx, blueprintID, lastN)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(indicators); err == nil {
		r.client.Set(ctx, key, data, r.ttl)
	}
	return indicators, nil
}

func (r *RedisDriftCache) Close() error {
	if err := r.client.Close(); err != nil {
		return err
	}
	return r.inner.Close()
}

func driftCacheKey(blueprintID string) string {
	return "drift:" + blueprintID
}

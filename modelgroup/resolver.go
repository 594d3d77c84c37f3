// Package modelgroup resolves symbolic model group aliases (CORE,
// QUICK, ...) declared on a blueprint into the concrete model ids a
// pipeline runner can actually invoke.
package modelgroup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"evalorchestrator.dev/blueprint"
)

// Catalogue maps a symbolic group alias to the concrete model ids it
// currently expands to.
type Catalogue map[string][]string

// CatalogueSource fetches the current catalogue from the
// configuration source. Resolution is pure and deterministic for a
// given catalogue snapshot, but the snapshot itself can change as the
// configuration source's model-group document is edited.
type CatalogueSource interface {
	FetchCatalogue(ctx context.Context) (Catalogue, error)
}

const redisCacheKey = "modelgroup:catalogue"

// Resolver expands symbolic model references into concrete model ids.
// It caches the fetched catalogue in-process for Config.CacheTTL, and
// additionally in Redis if one is configured, so that a cold process
// restart doesn't necessarily require a fresh fetch from the
// configuration source.
type Resolver struct {
	source CatalogueSource
	redis  *redis.Client
	ttl    time.Duration

	mu       sync.Mutex
	cached   Catalogue
	cachedAt time.Time
}

// Config configures a Resolver. Redis is optional: a nil client falls
// back to an in-process fetch-once-per-TTL cache.
type Config struct {
	Source CatalogueSource
	Redis  *redis.Client
	// CacheTTL bounds how long a fetched catalogue is reused before
	// the next Resolve call re-fetches it. Defaults to 5 minutes.
	CacheTTL time.Duration
}

func New(cfg Config) *Resolver {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{source: cfg.Source, redis: cfg.Redis, ttl: ttl}
}

// Resolve expands refs into a flat, deduplicated list of concrete
// model ids. A catalogue that can't be fetched is a loud failure: the
// scheduler is expected to skip the blueprint for this tick rather
// than guess.
func (r *Resolver) Resolve(ctx context.Context, refs []blueprint.ModelRef) ([]string, error) {
	catalogue, err := r.catalogue(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching model group catalogue: %w", err)
	}

	seen := make(map[string]struct{})
	var out []string
	for _, ref := range refs {
		if !ref.Symbolic {
			if _, ok := seen[ref.Name]; !ok {
				seen[ref.Name] = struct{}{}
				out = append(out, ref.Name)
			}
			continue
		}

		group, ok := catalogue[ref.Name]
		if !ok || len(group) == 0 {
			return nil, fmt.Errorf("model group alias %q resolved to an empty or unknown group", ref.Name)
		}
		for _, model := range group {
			if _, ok := seen[model]; !ok {
				seen[model] = struct{}{}
				out = append(out, model)
			}
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("resolved model list is empty")
	}
	return out, nil
}

func (r *Resolver) catalogue(ctx context.Context) (Catalogue, error) {
	r.mu.Lock()
	if r.cached != nil && time.Since(r.cachedAt) < r.ttl {
		c := r.cached
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	if r.redis != nil {
		if c, ok := r.fromRedis(ctx); ok {
			r.mu.Lock()
			r.cached, r.cachedAt = c, time.Now()
			r.mu.Unlock()
			return c, nil
		}
	}

	c, err := r.source.FetchCatalogue(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cached, r.cachedAt = c, time.Now()
	r.mu.Unlock()

	if r.redis != nil {
		r.toRedis(ctx, c)
	}

	return c, nil
}

func (r *Resolver) fromRedis(ctx context.Context) (Catalogue, bool) {
	raw, err := r.redis.Get(ctx, redisCacheKey).Result()
	if err != nil {
		return nil, false
	}
	var c Catalogue
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, false
	}
	return c, true
}

func (r *Resolver) toRedis(ctx context.Context, c Catalogue) {
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	r.redis.Set(ctx, redisCacheKey, data, r.ttl)
}

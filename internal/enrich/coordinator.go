package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/sentinelforge/sentinelforge/internal/model"
)

// Sink is where the coordinator persists provider results.
type Sink interface {
	AddEnrichment(ctx context.Context, indicatorID uuid.UUID, enrichmentType, provider string, data json.RawMessage, ttlHours *int64) (model.Enrichment, error)
}

// resultCache is the slice of redis the coordinator needs: a TTL'd
// document per (provider, type, value).
type resultCache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool)
	Set(ctx context.Context, key string, data json.RawMessage, ttl time.Duration)
}

// Coordinator fans an indicator out to every supporting provider. Each
// provider runs in its own goroutine under its own deadline; one slow or
// failing provider never blocks or fails the others. Results come back in
// completion order.
type Coordinator struct {
	providers []Provider
	sink      Sink
	cache     resultCache // nil disables caching
	logger    *slog.Logger
	group     singleflight.Group
}

// NewCoordinator builds a coordinator. cache may be nil; logger defaults
// to slog.Default.
func NewCoordinator(providers []Provider, sink Sink, cache *redis.Client, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		providers: providers,
		sink:      sink,
		logger:    logger,
	}
	if cache != nil {
		c.cache = &redisCache{client: cache, logger: logger}
	}
	return c
}

// Providers returns the registered providers.
func (c *Coordinator) Providers() []Provider { return c.providers }

// EnrichIndicator runs every supporting provider against the indicator,
// persists each successful result, and returns all outcomes. Concurrent
// calls for the same (type, value) collapse into one run via singleflight;
// late arrivals share the first caller's results.
func (c *Coordinator) EnrichIndicator(ctx context.Context, ind model.Indicator) []Result {
	key := string(ind.IocType) + ":" + ind.Value
	v, _, _ := c.group.Do(key, func() (any, error) {
		return c.runAll(ctx, ind), nil
	})
	results, _ := v.([]Result)
	return results
}

func (c *Coordinator) runAll(ctx context.Context, ind model.Indicator) []Result {
	applicable := make([]Provider, 0, len(c.providers))
	for _, p := range c.providers {
		if p.Supports(ind.IocType) {
			applicable = append(applicable, p)
		}
	}
	if len(applicable) == 0 {
		return []Result{}
	}

	out := make(chan Result, len(applicable))
	for _, p := range applicable {
		go func(p Provider) {
			out <- c.runOne(ctx, p, ind)
		}(p)
	}

	results := make([]Result, 0, len(applicable))
	for range applicable {
		r := <-out
		if r.Err != nil {
			c.logger.Warn("enrichment provider failed",
				"provider", r.Provider,
				"indicator", ind.Value,
				"error", r.Err)
		}
		results = append(results, r)
	}
	return results
}

func (c *Coordinator) runOne(ctx context.Context, p Provider, ind model.Indicator) Result {
	res := Result{Provider: p.Name(), Kind: p.Kind()}

	if data, ok := c.cacheGet(ctx, p, ind); ok {
		// The cache is keyed by (provider, type, value), not indicator id,
		// so the row may not exist anymore; upsert it from the cached
		// document too.
		res.Data = data
		c.persist(ctx, p, ind, data)
		return res
	}

	lookupCtx, cancel := context.WithTimeout(ctx, p.Timeout())
	defer cancel()

	data, err := p.Enrich(lookupCtx, ind)
	if err != nil {
		res.Err = fmt.Errorf("%s: %w", p.Name(), err)
		return res
	}
	if data == nil {
		return res
	}
	res.Data = data

	c.persist(ctx, p, ind, data)
	c.cacheSet(ctx, p, ind, data)
	return res
}

func (c *Coordinator) persist(ctx context.Context, p Provider, ind model.Indicator, data json.RawMessage) {
	ttlHours := int64(p.TTL() / time.Hour)
	if _, err := c.sink.AddEnrichment(ctx, ind.ID, p.Kind(), p.Name(), data, &ttlHours); err != nil {
		// The lookup itself succeeded; report the data and log the miss.
		c.logger.Warn("failed to persist enrichment",
			"provider", p.Name(),
			"indicator", ind.Value,
			"error", err)
	}
}

func cacheKey(p Provider, ind model.Indicator) string {
	return "enrich:" + p.Name() + ":" + string(ind.IocType) + ":" + ind.Value
}

func (c *Coordinator) cacheGet(ctx context.Context, p Provider, ind model.Indicator) (json.RawMessage, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Get(ctx, cacheKey(p, ind))
}

func (c *Coordinator) cacheSet(ctx context.Context, p Provider, ind model.Indicator, data json.RawMessage) {
	if c.cache == nil {
		return
	}
	c.cache.Set(ctx, cacheKey(p, ind), data, p.TTL())
}

// redisCache adapts a redis client to resultCache. Cache failures are
// logged and treated as misses; redis being down never blocks enrichment.
type redisCache struct {
	client *redis.Client
	logger *slog.Logger
}

func (r *redisCache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("enrichment cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	return raw, true
}

func (r *redisCache) Set(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) {
	if err := r.client.Set(ctx, key, []byte(data), ttl).Err(); err != nil {
		r.logger.Warn("enrichment cache write failed", "key", key, "error", err)
	}
}

// Package ingest coordinates the write path: it resolves sources, funnels
// every indicator through the store's merge-upsert, kicks off background
// enrichment, and owns the feed refresh and expiration loops.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelforge/sentinelforge/internal/enrich"
	"github.com/sentinelforge/sentinelforge/internal/feeds"
	"github.com/sentinelforge/sentinelforge/internal/model"
	"github.com/sentinelforge/sentinelforge/internal/store"
)

// Storage is the slice of the store the orchestrator writes through.
type Storage interface {
	UpsertIndicator(ctx context.Context, req model.CreateIndicatorRequest, sourceID *uuid.UUID) (store.Upserted, error)
	UpsertSource(ctx context.Context, src model.Source) (model.Source, error)
	TouchSourceFetch(ctx context.Context, sourceID uuid.UUID) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// Enricher runs the enrichment fan-out for one indicator.
type Enricher interface {
	EnrichIndicator(ctx context.Context, ind model.Indicator) []enrich.Result
}

// Orchestrator is the single entry point for indicator writes.
type Orchestrator struct {
	storage    Storage
	enricher   Enricher
	collectors []feeds.Collector
	logger     *slog.Logger

	refreshInterval time.Duration
	enrichTimeout   time.Duration
}

// New builds the orchestrator. enricher may be nil when no providers are
// configured; refreshInterval of 0 disables the periodic feed loop.
func New(storage Storage, enricher Enricher, collectors []feeds.Collector, refreshInterval time.Duration, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		storage:         storage,
		enricher:        enricher,
		collectors:      collectors,
		logger:          logger,
		refreshInterval: refreshInterval,
		enrichTimeout:   2 * time.Minute,
	}
}

// Create upserts a single indicator and schedules its enrichment in the
// background. The caller gets the merged row immediately; enrichment
// results land asynchronously and their failures stay out of the response.
func (o *Orchestrator) Create(ctx context.Context, req model.CreateIndicatorRequest) (store.Upserted, error) {
	var sourceID *uuid.UUID
	if req.Source != nil && *req.Source != "" {
		src, err := o.storage.UpsertSource(ctx, model.Source{
			Name:             *req.Source,
			SourceType:       "manual",
			ReliabilityScore: 50,
			Enabled:          true,
		})
		if err != nil {
			return store.Upserted{}, fmt.Errorf("resolve source: %w", err)
		}
		sourceID = &src.ID
	}

	up, err := o.storage.UpsertIndicator(ctx, req, sourceID)
	if err != nil {
		return store.Upserted{}, err
	}

	o.enrichAsync(up.Indicator)
	return up, nil
}

// enrichAsync runs enrichment detached from the request context so a
// client disconnect cannot cancel it.
func (o *Orchestrator) enrichAsync(ind model.Indicator) {
	if o.enricher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.enrichTimeout)
		defer cancel()
		results := o.enricher.EnrichIndicator(ctx, ind)
		o.logger.Debug("enrichment complete", "indicator", ind.Value, "providers", len(results))
	}()
}

// BulkImport upserts a batch under shared defaults. One bad item never
// fails the batch; its error is accumulated as "<value>: <message>".
// Bulk items are not enriched inline; the volume would swamp providers.
func (o *Orchestrator) BulkImport(ctx context.Context, req model.BulkImportRequest) (model.BulkImportResponse, error) {
	var sourceID *uuid.UUID
	if req.Source != "" {
		src, err := o.storage.UpsertSource(ctx, model.Source{
			Name:             req.Source,
			SourceType:       "import",
			ReliabilityScore: 50,
			Enabled:          true,
		})
		if err != nil {
			return model.BulkImportResponse{}, fmt.Errorf("resolve source: %w", err)
		}
		sourceID = &src.ID
	}

	resp := model.BulkImportResponse{
		Total:  len(req.Indicators),
		Errors: []string{},
	}
	for _, item := range req.Indicators {
		if item.TLP == nil {
			item.TLP = req.TLP
		}
		if len(req.Tags) > 0 {
			item.Tags = append(append([]string{}, item.Tags...), req.Tags...)
		}

		up, err := o.storage.UpsertIndicator(ctx, item, sourceID)
		if err != nil {
			resp.Failed++
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %v", item.Value, err))
			continue
		}
		if up.Inserted {
			resp.Created++
		} else {
			resp.Updated++
		}
	}
	return resp, nil
}

// FeedResult summarizes one collector run.
type FeedResult struct {
	Source  string `json:"source"`
	Fetched int    `json:"fetched"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Failed  int    `json:"failed"`
	Error   string `json:"error,omitempty"`
}

// RefreshFeeds runs every configured collector sequentially and upserts
// what they return. A collector failing is recorded in its result and
// never aborts the others.
func (o *Orchestrator) RefreshFeeds(ctx context.Context) []FeedResult {
	results := make([]FeedResult, 0, len(o.collectors))

	for _, collector := range o.collectors {
		if !collector.IsConfigured() {
			o.logger.Debug("feed collector not configured, skipping", "collector", collector.Name())
			continue
		}
		results = append(results, o.runCollector(ctx, collector))
	}
	return results
}

func (o *Orchestrator) runCollector(ctx context.Context, collector feeds.Collector) FeedResult {
	result := FeedResult{Source: collector.Name()}

	src, err := o.storage.UpsertSource(ctx, model.Source{
		Name:             collector.Name(),
		SourceType:       "feed",
		ReliabilityScore: 70,
		Enabled:          true,
	})
	if err != nil {
		result.Error = err.Error()
		return result
	}

	reqs, err := collector.Collect(ctx)
	if err != nil {
		o.logger.Warn("feed collection failed", "collector", collector.Name(), "error", err)
		result.Error = err.Error()
		return result
	}
	result.Fetched = len(reqs)

	for _, req := range reqs {
		up, err := o.storage.UpsertIndicator(ctx, req, &src.ID)
		if err != nil {
			result.Failed++
			continue
		}
		if up.Inserted {
			result.Created++
		} else {
			result.Updated++
		}
	}

	if err := o.storage.TouchSourceFetch(ctx, src.ID); err != nil {
		o.logger.Warn("failed to record fetch time", "collector", collector.Name(), "error", err)
	}

	o.logger.Info("feed refreshed",
		"collector", collector.Name(),
		"fetched", result.Fetched,
		"created", result.Created,
		"updated", result.Updated,
		"failed", result.Failed)
	return result
}

// Run drives the background loops until ctx is cancelled: the periodic
// feed refresh (when enabled) and the hourly expiration sweep.
func (o *Orchestrator) Run(ctx context.Context) {
	sweep := time.NewTicker(time.Hour)
	defer sweep.Stop()

	var refresh <-chan time.Time
	if o.refreshInterval > 0 {
		t := time.NewTicker(o.refreshInterval)
		defer t.Stop()
		refresh = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh:
			o.RefreshFeeds(ctx)
		case <-sweep.C:
			n, err := o.storage.DeleteExpired(ctx)
			if err != nil {
				o.logger.Error("expiration sweep failed", "error", err)
				continue
			}
			if n > 0 {
				o.logger.Info("expired indicators purged", "count", n)
			}
		}
	}
}

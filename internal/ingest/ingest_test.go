package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelforge/sentinelforge/internal/enrich"
	"github.com/sentinelforge/sentinelforge/internal/feeds"
	"github.com/sentinelforge/sentinelforge/internal/ioc"
	"github.com/sentinelforge/sentinelforge/internal/model"
	"github.com/sentinelforge/sentinelforge/internal/store"
)

type fakeStorage struct {
	mu       sync.Mutex
	existing map[string]bool // values already present, upserts merge
	upserts  []model.CreateIndicatorRequest
	sources  []model.Source
	touched  []uuid.UUID
	failOn   string
	expired  int64
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{existing: map[string]bool{}}
}

func (f *fakeStorage) UpsertIndicator(_ context.Context, req model.CreateIndicatorRequest, sourceID *uuid.UUID) (store.Upserted, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Value == f.failOn && f.failOn != "" {
		return store.Upserted{}, store.ErrValidation
	}
	f.upserts = append(f.upserts, req)

	inserted := !f.existing[req.Value]
	f.existing[req.Value] = true

	ind := model.Indicator{ID: uuid.New(), Value: req.Value, IocType: ioc.TypeIP}
	if sourceID != nil {
		ind.SourceIDs = []uuid.UUID{*sourceID}
	}
	return store.Upserted{Indicator: ind, Inserted: inserted}, nil
}

func (f *fakeStorage) UpsertSource(_ context.Context, src model.Source) (model.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src.ID = uuid.New()
	f.sources = append(f.sources, src)
	return src, nil
}

func (f *fakeStorage) TouchSourceFetch(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeStorage) DeleteExpired(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expired, nil
}

type fakeEnricher struct {
	mu   sync.Mutex
	seen []string
	done chan struct{}
}

func (f *fakeEnricher) EnrichIndicator(_ context.Context, ind model.Indicator) []enrich.Result {
	f.mu.Lock()
	f.seen = append(f.seen, ind.Value)
	f.mu.Unlock()
	if f.done != nil {
		close(f.done)
	}
	return []enrich.Result{{Provider: "fake"}}
}

type fakeCollector struct {
	name       string
	configured bool
	reqs       []model.CreateIndicatorRequest
	err        error
}

func (c *fakeCollector) Name() string       { return c.name }
func (c *fakeCollector) IsConfigured() bool { return c.configured }
func (c *fakeCollector) Collect(context.Context) ([]model.CreateIndicatorRequest, error) {
	return c.reqs, c.err
}

func TestCreateResolvesSourceAndEnrichesAsync(t *testing.T) {
	storage := newFakeStorage()
	enricher := &fakeEnricher{done: make(chan struct{})}
	o := New(storage, enricher, nil, 0, nil)

	src := "analyst"
	up, err := o.Create(context.Background(), model.CreateIndicatorRequest{
		Value:  "203.0.113.7",
		Source: &src,
	})
	require.NoError(t, err)
	assert.True(t, up.Inserted)
	assert.Len(t, up.SourceIDs, 1)

	require.Len(t, storage.sources, 1)
	assert.Equal(t, "analyst", storage.sources[0].Name)
	assert.Equal(t, "manual", storage.sources[0].SourceType)

	select {
	case <-enricher.done:
	case <-time.After(2 * time.Second):
		t.Fatal("enrichment was never started")
	}
	assert.Equal(t, []string{"203.0.113.7"}, enricher.seen)
}

func TestCreateWithoutEnricher(t *testing.T) {
	o := New(newFakeStorage(), nil, nil, 0, nil)

	_, err := o.Create(context.Background(), model.CreateIndicatorRequest{Value: "203.0.113.7"})
	require.NoError(t, err)
}

func TestBulkImportAppliesDefaultsAndSplitsOutcomes(t *testing.T) {
	storage := newFakeStorage()
	storage.existing["198.51.100.23"] = true // will merge, not insert
	storage.failOn = "not-an-indicator"
	o := New(storage, nil, nil, 0, nil)

	green := ioc.TLPGreen
	amber := ioc.TLPAmber
	resp, err := o.BulkImport(context.Background(), model.BulkImportRequest{
		Source: "weekly-drop",
		TLP:    &green,
		Tags:   []string{"campaign-x"},
		Indicators: []model.CreateIndicatorRequest{
			{Value: "203.0.113.7"},
			{Value: "198.51.100.23", TLP: &amber, Tags: []string{"own-tag"}},
			{Value: "not-an-indicator"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 1, resp.Created)
	assert.Equal(t, 1, resp.Updated)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "not-an-indicator")

	// Batch TLP only fills items that did not set their own.
	require.Len(t, storage.upserts, 2)
	assert.Equal(t, green, *storage.upserts[0].TLP)
	assert.Equal(t, amber, *storage.upserts[1].TLP)
	assert.ElementsMatch(t, []string{"own-tag", "campaign-x"}, storage.upserts[1].Tags)

	require.Len(t, storage.sources, 1)
	assert.Equal(t, "import", storage.sources[0].SourceType)
}

func TestRefreshFeedsSkipsUnconfiguredAndIsolatesFailures(t *testing.T) {
	storage := newFakeStorage()
	storage.existing["198.51.100.23"] = true

	working := &fakeCollector{
		name: "working", configured: true,
		reqs: []model.CreateIndicatorRequest{
			{Value: "203.0.113.7"},
			{Value: "198.51.100.23"},
		},
	}
	broken := &fakeCollector{name: "broken", configured: true, err: errors.New("upstream down")}
	unconfigured := &fakeCollector{name: "needs-key", configured: false}

	o := New(storage, nil, []feeds.Collector{working, broken, unconfigured}, 0, nil)

	results := o.RefreshFeeds(context.Background())
	require.Len(t, results, 2) // unconfigured collector never appears

	byName := map[string]FeedResult{}
	for _, r := range results {
		byName[r.Source] = r
	}

	assert.Equal(t, 2, byName["working"].Fetched)
	assert.Equal(t, 1, byName["working"].Created)
	assert.Equal(t, 1, byName["working"].Updated)
	assert.Empty(t, byName["working"].Error)

	assert.Equal(t, "upstream down", byName["broken"].Error)
	assert.Zero(t, byName["broken"].Fetched)

	// Only the collector that actually fetched gets its fetch time bumped.
	assert.Len(t, storage.touched, 1)
}

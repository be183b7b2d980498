package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelforge/sentinelforge/internal/enrich"
	"github.com/sentinelforge/sentinelforge/internal/ingest"
	"github.com/sentinelforge/sentinelforge/internal/ioc"
	"github.com/sentinelforge/sentinelforge/internal/model"
	"github.com/sentinelforge/sentinelforge/internal/store"
)

type fakeStorage struct {
	indicators map[uuid.UUID]model.Indicator
	byValue    map[string]model.Indicator
	lastFilter model.IndicatorFilter
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		indicators: map[uuid.UUID]model.Indicator{},
		byValue:    map[string]model.Indicator{},
	}
}

func (f *fakeStorage) add(ind model.Indicator) {
	f.indicators[ind.ID] = ind
	f.byValue[ind.Value] = ind
}

func (f *fakeStorage) GetIndicator(_ context.Context, id uuid.UUID) (model.Indicator, error) {
	ind, ok := f.indicators[id]
	if !ok {
		return model.Indicator{}, store.ErrNotFound
	}
	return ind, nil
}

func (f *fakeStorage) GetIndicatorByValue(_ context.Context, value string) (model.Indicator, error) {
	if _, normalized, ok := ioc.Classify(value); ok {
		value = normalized
	}
	ind, ok := f.byValue[value]
	if !ok {
		return model.Indicator{}, store.ErrNotFound
	}
	return ind, nil
}

func (f *fakeStorage) SearchIndicators(_ context.Context, filter model.IndicatorFilter) (model.PaginatedIndicators, error) {
	f.lastFilter = filter
	return model.PaginatedIndicators{Data: []model.Indicator{}, Page: 1, PerPage: 50}, nil
}

func (f *fakeStorage) RelatedIndicators(context.Context, uuid.UUID, []string, int) ([]model.Indicator, error) {
	return []model.Indicator{}, nil
}

func (f *fakeStorage) UpdateThreatScore(_ context.Context, id uuid.UUID, score int) error {
	if score < 0 || score > 100 {
		return store.ErrValidation
	}
	if _, ok := f.indicators[id]; !ok {
		return store.ErrNotFound
	}
	return nil
}

func (f *fakeStorage) DeleteIndicator(_ context.Context, id uuid.UUID) error {
	if _, ok := f.indicators[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.indicators, id)
	return nil
}

func (f *fakeStorage) GetEnrichments(context.Context, uuid.UUID) ([]model.Enrichment, error) {
	return []model.Enrichment{}, nil
}

func (f *fakeStorage) AddSighting(_ context.Context, id uuid.UUID, source string, _ json.RawMessage) (model.Sighting, error) {
	if _, ok := f.indicators[id]; !ok {
		return model.Sighting{}, store.ErrNotFound
	}
	return model.Sighting{ID: uuid.New(), IndicatorID: id, Source: source}, nil
}

func (f *fakeStorage) CountSightings(context.Context, uuid.UUID) (int64, error) { return 3, nil }

func (f *fakeStorage) EnabledSources(context.Context) ([]model.Source, error) {
	return []model.Source{{Name: "emerging_threats"}}, nil
}

func (f *fakeStorage) Stats(context.Context) (model.DashboardStats, error) {
	return model.DashboardStats{TotalIndicators: 42}, nil
}

type fakeIngestor struct {
	created []model.CreateIndicatorRequest
}

func (f *fakeIngestor) Create(_ context.Context, req model.CreateIndicatorRequest) (store.Upserted, error) {
	if _, _, ok := ioc.Classify(req.Value); !ok && req.IocType == nil {
		return store.Upserted{}, store.ErrValidation
	}
	f.created = append(f.created, req)
	return store.Upserted{
		Indicator: model.Indicator{ID: uuid.New(), Value: req.Value},
		Inserted:  true,
	}, nil
}

func (f *fakeIngestor) BulkImport(_ context.Context, req model.BulkImportRequest) (model.BulkImportResponse, error) {
	return model.BulkImportResponse{Total: len(req.Indicators), Created: len(req.Indicators), Errors: []string{}}, nil
}

func (f *fakeIngestor) RefreshFeeds(context.Context) []ingest.FeedResult {
	return []ingest.FeedResult{{Source: "emerging_threats", Fetched: 10, Created: 7, Updated: 3}}
}

func newTestServer(t *testing.T, storage *fakeStorage) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(storage, &fakeIngestor{}, nil, nil).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Error)
	return body.Error
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, newFakeStorage())

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "sentinelforge", body["service"])
	assert.NotEmpty(t, body["version"])
}

func TestCreateIndicator(t *testing.T) {
	srv := newTestServer(t, newFakeStorage())

	resp, err := http.Post(srv.URL+"/api/v1/indicators", "application/json",
		strings.NewReader(`{"value": "203.0.113.7", "tags": ["botnet"]}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var ind model.Indicator
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ind))
	assert.Equal(t, "203.0.113.7", ind.Value)
}

func TestCreateIndicatorRejectsGarbage(t *testing.T) {
	srv := newTestServer(t, newFakeStorage())

	for name, body := range map[string]string{
		"malformed json":   `{"value": `,
		"missing value":    `{}`,
		"unclassifiable":   `{"value": "   "}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/v1/indicators", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			decodeError(t, resp)
		})
	}
}

func TestGetIndicatorDetail(t *testing.T) {
	storage := newFakeStorage()
	ind := model.Indicator{ID: uuid.New(), IocType: ioc.TypeIP, Value: "203.0.113.7", Tags: []string{"botnet"}}
	storage.add(ind)
	srv := newTestServer(t, storage)

	resp, err := http.Get(srv.URL + "/api/v1/indicators/" + ind.ID.String())
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var detail model.IndicatorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	assert.Equal(t, ind.ID, detail.Indicator.ID)
	assert.Equal(t, int64(3), detail.SightingsCount)
	assert.NotNil(t, detail.Enrichments)
	assert.NotNil(t, detail.RelatedIndicators)
}

func TestGetIndicatorNotFound(t *testing.T) {
	srv := newTestServer(t, newFakeStorage())

	resp, err := http.Get(srv.URL + "/api/v1/indicators/" + uuid.NewString())
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "indicator not found", decodeError(t, resp))
}

func TestGetIndicatorBadID(t *testing.T) {
	srv := newTestServer(t, newFakeStorage())

	resp, err := http.Get(srv.URL + "/api/v1/indicators/not-a-uuid")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLookupNormalizesValue(t *testing.T) {
	storage := newFakeStorage()
	storage.add(model.Indicator{ID: uuid.New(), IocType: ioc.TypeDomain, Value: "evil.example.com"})
	srv := newTestServer(t, storage)

	for name, url := range map[string]string{
		"query variant": srv.URL + "/api/v1/lookup?value=EVIL.Example.COM",
		"path variant":  srv.URL + "/api/v1/lookup/EVIL.Example.COM",
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Get(url)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var out model.LookupResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.True(t, out.Found)
			require.NotNil(t, out.Indicator)
			assert.Equal(t, "evil.example.com", out.Indicator.Value)
		})
	}
}

func TestLookupMissIsNotAnError(t *testing.T) {
	srv := newTestServer(t, newFakeStorage())

	resp, err := http.Get(srv.URL + "/api/v1/lookup?value=203.0.113.200")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out model.LookupResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.False(t, out.Found)
	assert.Nil(t, out.Indicator)
}

func TestLookupRequiresValue(t *testing.T) {
	srv := newTestServer(t, newFakeStorage())

	resp, err := http.Get(srv.URL + "/api/v1/lookup")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchFilterParsing(t *testing.T) {
	storage := newFakeStorage()
	srv := newTestServer(t, storage)

	resp, err := http.Get(srv.URL + "/api/v1/indicators?ioc_type=ip&severity=high&min_confidence=60&tags=botnet,c2&page=2&per_page=25")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	filter := storage.lastFilter
	require.NotNil(t, filter.IocType)
	assert.Equal(t, ioc.TypeIP, *filter.IocType)
	require.NotNil(t, filter.Severity)
	assert.Equal(t, ioc.SeverityHigh, *filter.Severity)
	require.NotNil(t, filter.MinConfidence)
	assert.Equal(t, 60, *filter.MinConfidence)
	assert.Equal(t, []string{"botnet", "c2"}, filter.Tags)
	assert.Equal(t, int64(2), filter.Page)
	assert.Equal(t, int64(25), filter.PerPage)
}

func TestSearchRejectsBadFilter(t *testing.T) {
	srv := newTestServer(t, newFakeStorage())

	for name, query := range map[string]string{
		"bad type":     "?ioc_type=asn",
		"bad severity": "?severity=apocalyptic",
		"bad page":     "?page=two",
		"bad uuid":     "?source_id=nope",
		"bad time":     "?first_seen_after=yesterday",
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/api/v1/indicators" + query)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestBulkImport(t *testing.T) {
	srv := newTestServer(t, newFakeStorage())

	resp, err := http.Post(srv.URL+"/api/v1/indicators/bulk", "application/json",
		strings.NewReader(`{"source":"drop","indicators":[{"value":"203.0.113.7"}]}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out model.BulkImportResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out.Total)
	assert.Equal(t, 1, out.Created)
}

func TestBulkImportRejectsEmptyBatch(t *testing.T) {
	srv := newTestServer(t, newFakeStorage())

	resp, err := http.Post(srv.URL+"/api/v1/indicators/bulk", "application/json",
		strings.NewReader(`{"source":"drop","indicators":[]}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteIndicator(t *testing.T) {
	storage := newFakeStorage()
	ind := model.Indicator{ID: uuid.New(), Value: "203.0.113.7"}
	storage.add(ind)
	srv := newTestServer(t, storage)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/indicators/"+ind.ID.String(), nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Second delete hits nothing.
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestUpdateScore(t *testing.T) {
	storage := newFakeStorage()
	ind := model.Indicator{ID: uuid.New(), Value: "203.0.113.7"}
	storage.add(ind)
	srv := newTestServer(t, storage)

	put := func(id, body string) *http.Response {
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/indicators/"+id+"/score", strings.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := put(ind.ID.String(), `{"score": 85}`)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = put(ind.ID.String(), `{"score": 500}`)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = put(ind.ID.String(), `{}`)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = put(uuid.NewString(), `{"score": 10}`)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAddSighting(t *testing.T) {
	storage := newFakeStorage()
	ind := model.Indicator{ID: uuid.New(), Value: "203.0.113.7"}
	storage.add(ind)
	srv := newTestServer(t, storage)

	resp, err := http.Post(srv.URL+"/api/v1/indicators/"+ind.ID.String()+"/sightings",
		"application/json", strings.NewReader(`{"source":"honeypot-eu-1","context":{"port":22}}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sighting model.Sighting
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sighting))
	assert.Equal(t, "honeypot-eu-1", sighting.Source)
}

func TestAddSightingDefaultsSource(t *testing.T) {
	storage := newFakeStorage()
	ind := model.Indicator{ID: uuid.New(), Value: "203.0.113.7"}
	storage.add(ind)
	srv := newTestServer(t, storage)

	resp, err := http.Post(srv.URL+"/api/v1/indicators/"+ind.ID.String()+"/sightings",
		"application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sighting model.Sighting
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sighting))
	assert.Equal(t, "manual", sighting.Source)
}

func TestEnrichWithoutProviders(t *testing.T) {
	storage := newFakeStorage()
	ind := model.Indicator{ID: uuid.New(), Value: "203.0.113.7"}
	storage.add(ind)
	srv := newTestServer(t, storage)

	resp, err := http.Post(srv.URL+"/api/v1/indicators/"+ind.ID.String()+"/enrich", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type fakeEnricher struct{}

func (fakeEnricher) EnrichIndicator(context.Context, model.Indicator) []enrich.Result {
	return []enrich.Result{
		{Provider: "maxmind", Kind: "geoip", Data: json.RawMessage(`{"country":"NL"}`)},
		{Provider: "virustotal", Kind: "reputation", Err: context.DeadlineExceeded},
	}
}

func TestEnrichReportsPerProviderOutcome(t *testing.T) {
	storage := newFakeStorage()
	ind := model.Indicator{ID: uuid.New(), Value: "203.0.113.7"}
	storage.add(ind)

	srv := httptest.NewServer(NewServer(storage, &fakeIngestor{}, fakeEnricher{}, nil).Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/indicators/"+ind.ID.String()+"/enrich", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		EnrichmentsAdded int `json:"enrichments_added"`
		Results          []struct {
			Provider string `json:"provider"`
			OK       bool   `json:"ok"`
			Error    string `json:"error"`
		} `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.EnrichmentsAdded)
	require.Len(t, body.Results, 2)
	assert.True(t, body.Results[0].OK)
	assert.False(t, body.Results[1].OK)
	assert.NotEmpty(t, body.Results[1].Error)
}

func TestRefreshFeeds(t *testing.T) {
	srv := newTestServer(t, newFakeStorage())

	resp, err := http.Post(srv.URL+"/api/v1/feeds/refresh", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Message string              `json:"message"`
		Feeds   []ingest.FeedResult `json:"feeds"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Message)
	require.Len(t, body.Feeds, 1)
	assert.Equal(t, 7, body.Feeds[0].Created)
}

func TestListSources(t *testing.T) {
	srv := newTestServer(t, newFakeStorage())

	resp, err := http.Get(srv.URL + "/api/v1/sources")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Sources []model.Source `json:"sources"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Sources, 1)
	assert.Equal(t, "emerging_threats", body.Sources[0].Name)
}

func TestDashboard(t *testing.T) {
	srv := newTestServer(t, newFakeStorage())

	resp, err := http.Get(srv.URL + "/api/v1/stats")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats model.DashboardStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(42), stats.TotalIndicators)
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv := httptest.NewServer(handler)
	defer srv.Close()

	var limited bool
	for range 5 {
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			assert.Equal(t, "5", resp.Header.Get("Retry-After"))
		}
	}
	assert.True(t, limited, "burst of 5 must trip a 1 rps / burst 2 limiter")
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelforge/sentinelforge/internal/enrich"
	"github.com/sentinelforge/sentinelforge/internal/ingest"
	"github.com/sentinelforge/sentinelforge/internal/ioc"
	"github.com/sentinelforge/sentinelforge/internal/model"
	"github.com/sentinelforge/sentinelforge/internal/store"
)

const (
	serviceName    = "sentinelforge"
	serviceVersion = "1.0.0"
)

// Storage is the read side the handlers query.
type Storage interface {
	GetIndicator(ctx context.Context, id uuid.UUID) (model.Indicator, error)
	GetIndicatorByValue(ctx context.Context, value string) (model.Indicator, error)
	SearchIndicators(ctx context.Context, filter model.IndicatorFilter) (model.PaginatedIndicators, error)
	RelatedIndicators(ctx context.Context, id uuid.UUID, tags []string, limit int) ([]model.Indicator, error)
	UpdateThreatScore(ctx context.Context, id uuid.UUID, score int) error
	DeleteIndicator(ctx context.Context, id uuid.UUID) error
	GetEnrichments(ctx context.Context, indicatorID uuid.UUID) ([]model.Enrichment, error)
	AddSighting(ctx context.Context, indicatorID uuid.UUID, source string, context_ json.RawMessage) (model.Sighting, error)
	CountSightings(ctx context.Context, indicatorID uuid.UUID) (int64, error)
	EnabledSources(ctx context.Context) ([]model.Source, error)
	Stats(ctx context.Context) (model.DashboardStats, error)
}

// Ingestor is the write side: creates, bulk imports, feed refreshes.
type Ingestor interface {
	Create(ctx context.Context, req model.CreateIndicatorRequest) (store.Upserted, error)
	BulkImport(ctx context.Context, req model.BulkImportRequest) (model.BulkImportResponse, error)
	RefreshFeeds(ctx context.Context) []ingest.FeedResult
}

// Enricher re-runs enrichment on demand.
type Enricher interface {
	EnrichIndicator(ctx context.Context, ind model.Indicator) []enrich.Result
}

// Server wires the handlers to their dependencies.
type Server struct {
	storage  Storage
	ingestor Ingestor
	enricher Enricher // nil when no providers are configured
	logger   *slog.Logger
}

// NewServer builds the handler set.
func NewServer(storage Storage, ingestor Ingestor, enricher Enricher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{storage: storage, ingestor: ingestor, enricher: enricher, logger: logger}
}

// Routes registers every endpoint on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/indicators", s.handleCreateIndicator)
	mux.HandleFunc("GET /api/v1/indicators", s.handleSearchIndicators)
	mux.HandleFunc("POST /api/v1/indicators/bulk", s.handleBulkImport)
	mux.HandleFunc("GET /api/v1/indicators/{id}", s.handleGetIndicator)
	mux.HandleFunc("DELETE /api/v1/indicators/{id}", s.handleDeleteIndicator)
	mux.HandleFunc("PUT /api/v1/indicators/{id}/score", s.handleUpdateScore)
	mux.HandleFunc("POST /api/v1/indicators/{id}/sightings", s.handleAddSighting)
	mux.HandleFunc("POST /api/v1/indicators/{id}/enrich", s.handleEnrichIndicator)

	mux.HandleFunc("GET /api/v1/lookup", s.handleLookupIndicator)
	mux.HandleFunc("GET /api/v1/lookup/{value...}", s.handleLookupIndicator)

	mux.HandleFunc("POST /api/v1/feeds/refresh", s.handleRefreshFeeds)
	mux.HandleFunc("GET /api/v1/sources", s.handleListSources)
	mux.HandleFunc("GET /api/v1/stats", s.handleDashboard)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": serviceName,
		"version": serviceVersion,
	})
}

func (s *Server) handleCreateIndicator(w http.ResponseWriter, r *http.Request) {
	var req model.CreateIndicatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		WriteBadRequest(w, "value is required")
		return
	}

	up, err := s.ingestor.Create(r.Context(), req)
	if err != nil {
		if errors.Is(err, store.ErrValidation) {
			WriteBadRequest(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, up.Indicator)
}

func (s *Server) handleGetIndicator(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteBadRequest(w, "invalid indicator id")
		return
	}

	ind, err := s.storage.GetIndicator(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "indicator not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	s.writeDetail(w, r, ind)
}

func (s *Server) handleLookupIndicator(w http.ResponseWriter, r *http.Request) {
	value := r.PathValue("value")
	if value == "" {
		value = r.URL.Query().Get("value")
	}
	if value == "" {
		WriteBadRequest(w, "value is required")
		return
	}

	ind, err := s.storage.GetIndicatorByValue(r.Context(), value)
	if errors.Is(err, store.ErrNotFound) {
		WriteJSON(w, http.StatusOK, model.LookupResponse{Found: false})
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	resp := model.LookupResponse{Found: true, Indicator: &ind, Enrichments: []model.Enrichment{}}
	if enrichments, err := s.storage.GetEnrichments(r.Context(), ind.ID); err == nil {
		resp.Enrichments = enrichments
	} else {
		s.logger.Warn("failed to load enrichments", "indicator", ind.ID, "error", err)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// writeDetail assembles the full indicator view. The enrichment and
// sighting lookups are secondary; their failure degrades the response
// rather than failing it.
func (s *Server) writeDetail(w http.ResponseWriter, r *http.Request, ind model.Indicator) {
	resp := model.IndicatorResponse{
		Indicator:         ind,
		Enrichments:       []model.Enrichment{},
		RelatedIndicators: []model.Indicator{},
	}

	if enrichments, err := s.storage.GetEnrichments(r.Context(), ind.ID); err == nil {
		resp.Enrichments = enrichments
	} else {
		s.logger.Warn("failed to load enrichments", "indicator", ind.ID, "error", err)
	}
	if count, err := s.storage.CountSightings(r.Context(), ind.ID); err == nil {
		resp.SightingsCount = count
	} else {
		s.logger.Warn("failed to count sightings", "indicator", ind.ID, "error", err)
	}
	if related, err := s.storage.RelatedIndicators(r.Context(), ind.ID, ind.Tags, 10); err == nil {
		resp.RelatedIndicators = related
	} else {
		s.logger.Warn("failed to load related indicators", "indicator", ind.ID, "error", err)
	}

	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearchIndicators(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	page, err := s.storage.SearchIndicators(r.Context(), filter)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, page)
}

func parseFilter(r *http.Request) (model.IndicatorFilter, error) {
	q := r.URL.Query()
	var filter model.IndicatorFilter

	if v := q.Get("ioc_type"); v != "" {
		t := ioc.Type(v)
		if !t.Valid() {
			return filter, errors.New("unknown ioc_type " + strconv.Quote(v))
		}
		filter.IocType = &t
	}
	if v := q.Get("severity"); v != "" {
		sev := ioc.Severity(v)
		if !sev.Valid() {
			return filter, errors.New("unknown severity " + strconv.Quote(v))
		}
		filter.Severity = &sev
	}
	if v := q.Get("min_confidence"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, errors.New("min_confidence must be an integer")
		}
		filter.MinConfidence = &n
	}
	if v := q.Get("min_threat_score"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, errors.New("min_threat_score must be an integer")
		}
		filter.MinThreatScore = &n
	}
	if v := q.Get("tags"); v != "" {
		for _, tag := range strings.Split(v, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				filter.Tags = append(filter.Tags, tag)
			}
		}
	}
	if v := q.Get("source_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return filter, errors.New("source_id must be a uuid")
		}
		filter.SourceID = &id
	}
	if v := q.Get("first_seen_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("first_seen_after must be RFC 3339")
		}
		filter.FirstSeenAfter = &t
	}
	if v := q.Get("first_seen_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("first_seen_before must be RFC 3339")
		}
		filter.FirstSeenBefore = &t
	}
	filter.Search = q.Get("search")

	if v := q.Get("page"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filter, errors.New("page must be an integer")
		}
		filter.Page = n
	}
	if v := q.Get("per_page"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filter, errors.New("per_page must be an integer")
		}
		filter.PerPage = n
	}
	return filter, nil
}

func (s *Server) handleBulkImport(w http.ResponseWriter, r *http.Request) {
	var req model.BulkImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if len(req.Indicators) == 0 {
		WriteBadRequest(w, "indicators must not be empty")
		return
	}

	resp, err := s.ingestor.BulkImport(r.Context(), req)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteIndicator(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteBadRequest(w, "invalid indicator id")
		return
	}

	err = s.storage.DeleteIndicator(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "indicator not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateScore(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteBadRequest(w, "invalid indicator id")
		return
	}

	var body struct {
		Score *int `json:"score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Score == nil {
		WriteBadRequest(w, "score is required")
		return
	}

	err = s.storage.UpdateThreatScore(r.Context(), id, *body.Score)
	switch {
	case errors.Is(err, store.ErrValidation):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, store.ErrNotFound):
		WriteNotFound(w, "indicator not found")
	case err != nil:
		WriteInternal(w, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleAddSighting(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteBadRequest(w, "invalid indicator id")
		return
	}

	var body struct {
		Source  string          `json:"source"`
		Context json.RawMessage `json:"context,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if body.Source == "" {
		body.Source = "manual"
	}

	sighting, err := s.storage.AddSighting(r.Context(), id, body.Source, body.Context)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "indicator not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, sighting)
}

func (s *Server) handleEnrichIndicator(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteBadRequest(w, "invalid indicator id")
		return
	}
	if s.enricher == nil {
		WriteError(w, http.StatusServiceUnavailable, "no enrichment providers configured")
		return
	}

	ind, err := s.storage.GetIndicator(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "indicator not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	results := s.enricher.EnrichIndicator(r.Context(), ind)

	type outcome struct {
		Provider string `json:"provider"`
		Kind     string `json:"kind"`
		OK       bool   `json:"ok"`
		Error    string `json:"error,omitempty"`
	}
	added := 0
	outcomes := make([]outcome, 0, len(results))
	for _, res := range results {
		o := outcome{Provider: res.Provider, Kind: res.Kind, OK: res.Err == nil}
		if res.Err != nil {
			o.Error = res.Err.Error()
		} else if len(res.Data) > 0 {
			added++
		}
		outcomes = append(outcomes, o)
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"message":           "enrichment completed",
		"enrichments_added": added,
		"results":           outcomes,
	})
}

func (s *Server) handleRefreshFeeds(w http.ResponseWriter, r *http.Request) {
	results := s.ingestor.RefreshFeeds(r.Context())
	WriteJSON(w, http.StatusOK, map[string]any{
		"message": "feed refresh completed",
		"feeds":   results,
	})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.storage.EnabledSources(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := s.storage.Stats(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// Package store persists indicators, sources, sightings, and enrichments in
// PostgreSQL and enforces the identity and merge invariants at the row level
// so they hold under concurrent writers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sentinelforge/sentinelforge/internal/ioc"
	"github.com/sentinelforge/sentinelforge/internal/model"
)

var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks bad caller input (unrecognizable value, bad range).
	ErrValidation = errors.New("validation failed")
)

// Store is the PostgreSQL-backed repository.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL with the bounded pool the handlers share.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Enum values are declared in ordinal order so the planner's enum comparison
// (EXCLUDED.severity > indicators.severity) matches Severity.Ordinal.
const schema = `
DO $$ BEGIN
	CREATE TYPE ioc_type AS ENUM ('ip', 'domain', 'url', 'hash', 'email', 'cve');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

DO $$ BEGIN
	CREATE TYPE severity AS ENUM ('unknown', 'low', 'medium', 'high', 'critical');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

DO $$ BEGIN
	CREATE TYPE tlp AS ENUM ('white', 'green', 'amber', 'red');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

CREATE TABLE IF NOT EXISTS indicators (
	id UUID PRIMARY KEY,
	ioc_type ioc_type NOT NULL,
	value TEXT NOT NULL,
	severity severity NOT NULL DEFAULT 'unknown',
	confidence INT NOT NULL DEFAULT 50,
	threat_score INT NOT NULL DEFAULT 50,
	tlp tlp NOT NULL DEFAULT 'amber',
	first_seen TIMESTAMPTZ NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL,
	expiration TIMESTAMPTZ,
	tags TEXT[] NOT NULL DEFAULT '{}',
	source_ids UUID[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (ioc_type, value)
);

CREATE INDEX IF NOT EXISTS idx_indicators_last_seen ON indicators (last_seen DESC, id);
CREATE INDEX IF NOT EXISTS idx_indicators_expiration ON indicators (expiration) WHERE expiration IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_indicators_tags ON indicators USING GIN (tags);

CREATE TABLE IF NOT EXISTS ioc_sources (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	source_type TEXT NOT NULL,
	url TEXT,
	api_key_required BOOLEAN NOT NULL DEFAULT FALSE,
	reliability_score INT NOT NULL DEFAULT 50,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	last_fetch TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS enrichments (
	id UUID PRIMARY KEY,
	indicator_id UUID NOT NULL REFERENCES indicators(id) ON DELETE CASCADE,
	enrichment_type TEXT NOT NULL,
	provider TEXT NOT NULL,
	data JSONB NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ,
	UNIQUE (indicator_id, enrichment_type, provider)
);

CREATE TABLE IF NOT EXISTS sightings (
	id UUID PRIMARY KEY,
	indicator_id UUID NOT NULL REFERENCES indicators(id) ON DELETE CASCADE,
	source TEXT NOT NULL,
	context JSONB,
	observed_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sightings_indicator ON sightings (indicator_id, observed_at DESC);
`

// Init creates the schema. Run once at startup under --migrate.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

const indicatorColumns = `id, ioc_type, value, severity, confidence, threat_score, tlp,
	first_seen, last_seen, expiration, tags, source_ids, created_at, updated_at`

func scanIndicator(row interface{ Scan(...any) error }, extra ...any) (model.Indicator, error) {
	var ind model.Indicator
	var expiration sql.NullTime
	dest := []any{
		&ind.ID, &ind.IocType, &ind.Value, &ind.Severity, &ind.Confidence,
		&ind.ThreatScore, &ind.TLP, &ind.FirstSeen, &ind.LastSeen, &expiration,
		pq.Array(&ind.Tags), pq.Array(&ind.SourceIDs), &ind.CreatedAt, &ind.UpdatedAt,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return model.Indicator{}, err
	}
	if expiration.Valid {
		t := expiration.Time
		ind.Expiration = &t
	}
	return ind, nil
}

// Upserted is the post-merge row plus whether the statement inserted a new
// row (xmax = 0) or merged into an existing one.
type Upserted struct {
	model.Indicator
	Inserted bool
}

// UpsertIndicator inserts or merges one observation keyed on the canonical
// (ioc_type, value). The merge runs entirely in SQL so concurrent upserts of
// the same identity serialize on the row: severity and confidence only ever
// rise, tags and source_ids union as sets, last_seen advances. first_seen,
// tlp, threat_score, and expiration stay whatever the first writer set.
func (s *Store) UpsertIndicator(ctx context.Context, req model.CreateIndicatorRequest, sourceID *uuid.UUID) (Upserted, error) {
	iocType, value, err := resolveValue(req)
	if err != nil {
		return Upserted{}, err
	}
	if req.Confidence != nil && (*req.Confidence < 0 || *req.Confidence > 100) {
		return Upserted{}, fmt.Errorf("%w: confidence %d out of range [0,100]", ErrValidation, *req.Confidence)
	}

	now := time.Now().UTC()
	var expiration sql.NullTime
	if req.ExpirationDays != nil {
		expiration = sql.NullTime{Time: now.AddDate(0, 0, *req.ExpirationDays), Valid: true}
	}

	severity := ioc.SeverityUnknown
	if req.Severity != nil {
		severity = *req.Severity
	}
	confidence := 50
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	tlp := ioc.TLPAmber
	if req.TLP != nil {
		tlp = *req.TLP
	}
	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}
	sourceIDs := []uuid.UUID{}
	if sourceID != nil {
		sourceIDs = append(sourceIDs, *sourceID)
	}

	query := `
		INSERT INTO indicators (
			id, ioc_type, value, severity, confidence, threat_score, tlp,
			first_seen, last_seen, expiration, tags, source_ids, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9, $10, $11, $8, $8)
		ON CONFLICT (ioc_type, value) DO UPDATE SET
			severity = CASE WHEN EXCLUDED.severity > indicators.severity THEN EXCLUDED.severity ELSE indicators.severity END,
			confidence = GREATEST(indicators.confidence, EXCLUDED.confidence),
			last_seen = EXCLUDED.last_seen,
			tags = ARRAY(SELECT DISTINCT t FROM unnest(array_cat(indicators.tags, EXCLUDED.tags)) AS t),
			source_ids = ARRAY(SELECT DISTINCT sid FROM unnest(array_cat(indicators.source_ids, EXCLUDED.source_ids)) AS sid),
			updated_at = EXCLUDED.updated_at
		RETURNING ` + indicatorColumns + `, (xmax = 0) AS inserted`

	row := s.db.QueryRowContext(ctx, query,
		uuid.New(), iocType, value, severity, confidence,
		confidence, // initial threat_score mirrors initial confidence
		tlp, now, expiration, pq.Array(tags), pq.Array(sourceIDs),
	)

	var inserted bool
	ind, err := scanIndicator(row, &inserted)
	if err != nil {
		return Upserted{}, fmt.Errorf("upsert indicator: %w", err)
	}
	return Upserted{Indicator: ind, Inserted: inserted}, nil
}

func resolveValue(req model.CreateIndicatorRequest) (ioc.Type, string, error) {
	if req.IocType != nil {
		if !req.IocType.Valid() {
			return "", "", fmt.Errorf("%w: unknown ioc type %q", ErrValidation, *req.IocType)
		}
		v := ioc.Normalize(req.Value, *req.IocType)
		if v == "" {
			return "", "", fmt.Errorf("%w: empty indicator value", ErrValidation)
		}
		return *req.IocType, v, nil
	}
	t, v, ok := ioc.Classify(req.Value)
	if !ok {
		return "", "", fmt.Errorf("%w: could not detect ioc type for %q", ErrValidation, req.Value)
	}
	return t, v, nil
}

// GetIndicator fetches one indicator by id.
func (s *Store) GetIndicator(ctx context.Context, id uuid.UUID) (model.Indicator, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+indicatorColumns+` FROM indicators WHERE id = $1`, id)
	ind, err := scanIndicator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Indicator{}, ErrNotFound
	}
	if err != nil {
		return model.Indicator{}, fmt.Errorf("get indicator: %w", err)
	}
	return ind, nil
}

// GetIndicatorByValue looks an indicator up by raw value. The value is
// classified and normalized first so any spelling of the same observable
// hits the same row; unclassifiable input falls back to a literal match.
func (s *Store) GetIndicatorByValue(ctx context.Context, value string) (model.Indicator, error) {
	var row *sql.Row
	if t, normalized, ok := ioc.Classify(value); ok {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+indicatorColumns+` FROM indicators WHERE ioc_type = $1 AND value = $2`,
			t, normalized)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+indicatorColumns+` FROM indicators WHERE value = $1 LIMIT 1`, value)
	}
	ind, err := scanIndicator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Indicator{}, ErrNotFound
	}
	if err != nil {
		return model.Indicator{}, fmt.Errorf("get indicator by value: %w", err)
	}
	return ind, nil
}

// SearchIndicators returns a filtered page ordered by last_seen descending
// with id as the stable tie-break.
func (s *Store) SearchIndicators(ctx context.Context, filter model.IndicatorFilter) (model.PaginatedIndicators, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage < 1 {
		perPage = 50
	}
	if perPage > 1000 {
		perPage = 1000
	}

	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.IocType != nil {
		conds = append(conds, "ioc_type = "+arg(*filter.IocType))
	}
	if filter.Severity != nil {
		conds = append(conds, "severity = "+arg(*filter.Severity))
	}
	if filter.MinConfidence != nil {
		conds = append(conds, "confidence >= "+arg(*filter.MinConfidence))
	}
	if filter.MinThreatScore != nil {
		conds = append(conds, "threat_score >= "+arg(*filter.MinThreatScore))
	}
	if len(filter.Tags) > 0 {
		conds = append(conds, "tags @> "+arg(pq.Array(filter.Tags)))
	}
	if filter.SourceID != nil {
		conds = append(conds, arg(*filter.SourceID)+" = ANY(source_ids)")
	}
	if filter.FirstSeenAfter != nil {
		conds = append(conds, "first_seen >= "+arg(*filter.FirstSeenAfter))
	}
	if filter.FirstSeenBefore != nil {
		conds = append(conds, "first_seen <= "+arg(*filter.FirstSeenBefore))
	}
	if filter.Search != "" {
		conds = append(conds, "value ILIKE "+arg("%"+filter.Search+"%"))
	}

	where := "TRUE"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM indicators WHERE "+where, args...).Scan(&total); err != nil {
		return model.PaginatedIndicators{}, fmt.Errorf("count indicators: %w", err)
	}

	query := "SELECT " + indicatorColumns + " FROM indicators WHERE " + where +
		" ORDER BY last_seen DESC, id LIMIT " + arg(perPage) + " OFFSET " + arg((page-1)*perPage)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return model.PaginatedIndicators{}, fmt.Errorf("search indicators: %w", err)
	}
	defer func() { _ = rows.Close() }()

	data := make([]model.Indicator, 0, perPage)
	for rows.Next() {
		ind, err := scanIndicator(rows)
		if err != nil {
			return model.PaginatedIndicators{}, fmt.Errorf("scan indicator: %w", err)
		}
		data = append(data, ind)
	}
	if err := rows.Err(); err != nil {
		return model.PaginatedIndicators{}, err
	}

	return model.PaginatedIndicators{
		Data:       data,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: (total + perPage - 1) / perPage,
	}, nil
}

// RelatedIndicators finds indicators sharing at least one tag, newest first.
func (s *Store) RelatedIndicators(ctx context.Context, id uuid.UUID, tags []string, limit int) ([]model.Indicator, error) {
	if len(tags) == 0 {
		return []model.Indicator{}, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+indicatorColumns+` FROM indicators
		 WHERE id <> $1 AND tags && $2
		 ORDER BY last_seen DESC, id LIMIT $3`,
		id, pq.Array(tags), limit)
	if err != nil {
		return nil, fmt.Errorf("related indicators: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.Indicator, 0, limit)
	for rows.Next() {
		ind, err := scanIndicator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}

// UpdateThreatScore sets the composite score and recomputes severity from it.
func (s *Store) UpdateThreatScore(ctx context.Context, id uuid.UUID, score int) error {
	if score < 0 || score > 100 {
		return fmt.Errorf("%w: threat score %d out of range [0,100]", ErrValidation, score)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE indicators SET threat_score = $1, severity = $2, updated_at = NOW() WHERE id = $3`,
		score, ioc.SeverityFromScore(score), id)
	if err != nil {
		return fmt.Errorf("update threat score: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteIndicator removes the indicator; sightings and enrichments cascade.
func (s *Store) DeleteIndicator(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM indicators WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete indicator: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpired purges exactly the rows whose absolute expiration has
// passed and returns the purge count. Rows without expiration never match.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM indicators WHERE expiration IS NOT NULL AND expiration < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// AddEnrichment upserts the document for (indicator, type, provider); the
// last writer wins within that key. expires_at comes from ttlHours when
// given, otherwise the row never goes stale.
func (s *Store) AddEnrichment(ctx context.Context, indicatorID uuid.UUID, enrichmentType, provider string, data json.RawMessage, ttlHours *int64) (model.Enrichment, error) {
	var expires sql.NullTime
	if ttlHours != nil {
		expires = sql.NullTime{Time: time.Now().UTC().Add(time.Duration(*ttlHours) * time.Hour), Valid: true}
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO enrichments (id, indicator_id, enrichment_type, provider, data, fetched_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), $6)
		ON CONFLICT (indicator_id, enrichment_type, provider) DO UPDATE SET
			data = EXCLUDED.data,
			fetched_at = EXCLUDED.fetched_at,
			expires_at = EXCLUDED.expires_at
		RETURNING id, indicator_id, enrichment_type, provider, data, fetched_at, expires_at`,
		uuid.New(), indicatorID, enrichmentType, provider, []byte(data), expires)

	return scanEnrichment(row)
}

func scanEnrichment(row interface{ Scan(...any) error }) (model.Enrichment, error) {
	var e model.Enrichment
	var raw []byte
	var expiresAt sql.NullTime
	if err := row.Scan(&e.ID, &e.IndicatorID, &e.EnrichmentType, &e.Provider, &raw, &e.FetchedAt, &expiresAt); err != nil {
		return model.Enrichment{}, fmt.Errorf("scan enrichment: %w", err)
	}
	e.Data = raw
	if expiresAt.Valid {
		t := expiresAt.Time
		e.ExpiresAt = &t
	}
	return e, nil
}

// GetEnrichments returns every enrichment for the indicator, newest first.
// Expired rows are included: staleness drives refresh, not visibility.
func (s *Store) GetEnrichments(ctx context.Context, indicatorID uuid.UUID) ([]model.Enrichment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, indicator_id, enrichment_type, provider, data, fetched_at, expires_at
		 FROM enrichments WHERE indicator_id = $1 ORDER BY fetched_at DESC`, indicatorID)
	if err != nil {
		return nil, fmt.Errorf("get enrichments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.Enrichment, 0)
	for rows.Next() {
		e, err := scanEnrichment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddSighting appends one observation and advances the parent indicator's
// last_seen in the same transaction, so no reader ever sees a sighting
// newer than its indicator.
func (s *Store) AddSighting(ctx context.Context, indicatorID uuid.UUID, source string, sightingCtx json.RawMessage) (model.Sighting, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Sighting{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx,
		`UPDATE indicators SET last_seen = GREATEST(last_seen, $1), updated_at = $1 WHERE id = $2`,
		now, indicatorID)
	if err != nil {
		return model.Sighting{}, fmt.Errorf("bump last_seen: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Sighting{}, ErrNotFound
	}

	var ctxArg any
	if len(sightingCtx) > 0 {
		ctxArg = []byte(sightingCtx)
	}
	sighting := model.Sighting{
		ID:          uuid.New(),
		IndicatorID: indicatorID,
		Source:      source,
		Context:     sightingCtx,
		ObservedAt:  now,
		CreatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sightings (id, indicator_id, source, context, observed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		sighting.ID, indicatorID, source, ctxArg, now); err != nil {
		return model.Sighting{}, fmt.Errorf("insert sighting: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Sighting{}, fmt.Errorf("commit sighting: %w", err)
	}
	return sighting, nil
}

// CountSightings returns the number of sightings recorded for an indicator.
func (s *Store) CountSightings(ctx context.Context, indicatorID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sightings WHERE indicator_id = $1`, indicatorID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sightings: %w", err)
	}
	return n, nil
}

const sourceColumns = `id, name, source_type, url, api_key_required, reliability_score, enabled, last_fetch, created_at, updated_at`

func scanSource(row interface{ Scan(...any) error }) (model.Source, error) {
	var src model.Source
	var url sql.NullString
	var lastFetch sql.NullTime
	err := row.Scan(&src.ID, &src.Name, &src.SourceType, &url, &src.APIKeyRequired,
		&src.ReliabilityScore, &src.Enabled, &lastFetch, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return model.Source{}, err
	}
	if url.Valid {
		src.URL = &url.String
	}
	if lastFetch.Valid {
		t := lastFetch.Time
		src.LastFetch = &t
	}
	return src, nil
}

// UpsertSource registers or refreshes a catalog entry keyed on name.
func (s *Store) UpsertSource(ctx context.Context, src model.Source) (model.Source, error) {
	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO ioc_sources (id, name, source_type, url, api_key_required, reliability_score, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (name) DO UPDATE SET
			url = EXCLUDED.url,
			reliability_score = EXCLUDED.reliability_score,
			enabled = EXCLUDED.enabled,
			updated_at = NOW()
		RETURNING `+sourceColumns,
		src.ID, src.Name, src.SourceType, src.URL, src.APIKeyRequired,
		src.ReliabilityScore, src.Enabled)

	out, err := scanSource(row)
	if err != nil {
		return model.Source{}, fmt.Errorf("upsert source: %w", err)
	}
	return out, nil
}

// EnabledSources lists enabled catalog entries ordered by name.
func (s *Store) EnabledSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM ioc_sources WHERE enabled = TRUE ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.Source, 0)
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// TouchSourceFetch records a completed fetch for the source.
func (s *Store) TouchSourceFetch(ctx context.Context, sourceID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ioc_sources SET last_fetch = NOW(), updated_at = NOW() WHERE id = $1`, sourceID)
	if err != nil {
		return fmt.Errorf("touch source fetch: %w", err)
	}
	return nil
}

// Stats builds the dashboard aggregates.
func (s *Store) Stats(ctx context.Context) (model.DashboardStats, error) {
	stats := model.DashboardStats{
		IndicatorsByType:     map[string]int64{},
		IndicatorsBySeverity: map[string]int64{},
		TopTags:              []model.TagCount{},
	}

	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM indicators`, &stats.TotalIndicators},
		{`SELECT COUNT(*) FROM indicators WHERE created_at >= CURRENT_DATE`, &stats.NewToday},
		{`SELECT COUNT(*) FROM indicators WHERE created_at >= CURRENT_DATE - INTERVAL '7 days'`, &stats.NewThisWeek},
		{`SELECT COUNT(*) FROM ioc_sources WHERE enabled = TRUE`, &stats.ActiveSources},
		{`SELECT COUNT(*) FROM sightings WHERE observed_at >= NOW() - INTERVAL '24 hours'`, &stats.RecentSightings},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return model.DashboardStats{}, fmt.Errorf("stats: %w", err)
		}
	}

	if err := s.groupCount(ctx,
		`SELECT ioc_type::text, COUNT(*) FROM indicators GROUP BY ioc_type`,
		stats.IndicatorsByType); err != nil {
		return model.DashboardStats{}, err
	}
	if err := s.groupCount(ctx,
		`SELECT severity::text, COUNT(*) FROM indicators GROUP BY severity`,
		stats.IndicatorsBySeverity); err != nil {
		return model.DashboardStats{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tag, COUNT(*) AS n FROM indicators, unnest(tags) AS tag
		GROUP BY tag ORDER BY n DESC, tag LIMIT 10`)
	if err != nil {
		return model.DashboardStats{}, fmt.Errorf("top tags: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var tc model.TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return model.DashboardStats{}, err
		}
		stats.TopTags = append(stats.TopTags, tc)
	}
	if err := rows.Err(); err != nil {
		return model.DashboardStats{}, err
	}

	return stats, nil
}

func (s *Store) groupCount(ctx context.Context, query string, dest map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("stats group: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		dest[key] = n
	}
	return rows.Err()
}

// Package model holds the persistent entities and API payload types shared
// by the store, the ingest pipeline, and the HTTP surface.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelforge/sentinelforge/internal/ioc"
)

// Indicator is the identity entity: one row per (ioc_type, value) with value
// in canonical form. Merges only widen it (severity, confidence, tags,
// sources); first_seen and tlp are fixed at creation.
type Indicator struct {
	ID          uuid.UUID    `json:"id"`
	IocType     ioc.Type     `json:"ioc_type"`
	Value       string       `json:"value"`
	Severity    ioc.Severity `json:"severity"`
	Confidence  int          `json:"confidence"`
	ThreatScore int          `json:"threat_score"`
	TLP         ioc.TLP      `json:"tlp"`
	FirstSeen   time.Time    `json:"first_seen"`
	LastSeen    time.Time    `json:"last_seen"`
	Expiration  *time.Time   `json:"expiration,omitempty"`
	Tags        []string     `json:"tags"`
	SourceIDs   []uuid.UUID  `json:"source_ids"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Source is a catalog entry for an IOC origin (feed, honeypot, analyst).
type Source struct {
	ID               uuid.UUID  `json:"id"`
	Name             string     `json:"name"`
	SourceType       string     `json:"source_type"` // internal, feed, manual
	URL              *string    `json:"url,omitempty"`
	APIKeyRequired   bool       `json:"api_key_required"`
	ReliabilityScore int        `json:"reliability_score"`
	Enabled          bool       `json:"enabled"`
	LastFetch        *time.Time `json:"last_fetch,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Enrichment is a provider-specific document attached to an indicator,
// unique per (indicator_id, enrichment_type, provider). A past expires_at
// marks the row stale for refresh purposes; it is still returned to readers.
type Enrichment struct {
	ID             uuid.UUID       `json:"id"`
	IndicatorID    uuid.UUID       `json:"indicator_id"`
	EnrichmentType string          `json:"enrichment_type"`
	Provider       string          `json:"provider"`
	Data           json.RawMessage `json:"data"`
	FetchedAt      time.Time       `json:"fetched_at"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
}

// Sighting is an append-only observation of an indicator.
type Sighting struct {
	ID          uuid.UUID       `json:"id"`
	IndicatorID uuid.UUID       `json:"indicator_id"`
	Source      string          `json:"source"`
	Context     json.RawMessage `json:"context,omitempty"`
	ObservedAt  time.Time       `json:"observed_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CreateIndicatorRequest is the payload for single creates, bulk items, and
// feed-collected indicators. IocType is auto-detected when omitted.
type CreateIndicatorRequest struct {
	Value          string        `json:"value"`
	IocType        *ioc.Type     `json:"ioc_type,omitempty"`
	Severity       *ioc.Severity `json:"severity,omitempty"`
	Confidence     *int          `json:"confidence,omitempty"`
	TLP            *ioc.TLP      `json:"tlp,omitempty"`
	Tags           []string      `json:"tags,omitempty"`
	Source         *string       `json:"source,omitempty"`
	ExpirationDays *int          `json:"expiration_days,omitempty"`
}

// BulkImportRequest imports many indicators under shared defaults.
type BulkImportRequest struct {
	Indicators []CreateIndicatorRequest `json:"indicators"`
	Source     string                   `json:"source"`
	TLP        *ioc.TLP                 `json:"tlp,omitempty"`
	Tags       []string                 `json:"tags,omitempty"`
}

// BulkImportResponse reports per-item outcomes. One failed item never fails
// the batch; its error is accumulated as "<value>: <message>".
type BulkImportResponse struct {
	Total   int      `json:"total"`
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors"`
}

// IndicatorFilter narrows searches. All fields are optional and combined
// with AND.
type IndicatorFilter struct {
	IocType         *ioc.Type
	Severity        *ioc.Severity
	MinConfidence   *int
	MinThreatScore  *int
	Tags            []string
	SourceID        *uuid.UUID
	FirstSeenAfter  *time.Time
	FirstSeenBefore *time.Time
	Search          string
	Page            int64
	PerPage         int64
}

// PaginatedIndicators is a page of search results.
type PaginatedIndicators struct {
	Data       []Indicator `json:"data"`
	Total      int64       `json:"total"`
	Page       int64       `json:"page"`
	PerPage    int64       `json:"per_page"`
	TotalPages int64       `json:"total_pages"`
}

// IndicatorResponse is the detail view: the indicator plus its enrichments,
// sighting count, and tag-related neighbours.
type IndicatorResponse struct {
	Indicator         Indicator    `json:"indicator"`
	Enrichments       []Enrichment `json:"enrichments"`
	SightingsCount    int64        `json:"sightings_count"`
	RelatedIndicators []Indicator  `json:"related_indicators"`
}

// LookupResponse answers a value lookup. A miss is not an error: Found is
// false and the other fields are absent.
type LookupResponse struct {
	Found       bool         `json:"found"`
	Indicator   *Indicator   `json:"indicator,omitempty"`
	Enrichments []Enrichment `json:"enrichments,omitempty"`
}

// DashboardStats summarizes the corpus for the dashboard.
type DashboardStats struct {
	TotalIndicators      int64            `json:"total_indicators"`
	IndicatorsByType     map[string]int64 `json:"indicators_by_type"`
	IndicatorsBySeverity map[string]int64 `json:"indicators_by_severity"`
	NewToday             int64            `json:"new_today"`
	NewThisWeek          int64            `json:"new_this_week"`
	ActiveSources        int64            `json:"active_sources"`
	TopTags              []TagCount       `json:"top_tags"`
	RecentSightings      int64            `json:"recent_sightings"`
}

// TagCount is one entry of the top-tags aggregate.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int64  `json:"count"`
}

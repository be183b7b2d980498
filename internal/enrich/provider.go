// Package enrich augments indicators with third-party context. Providers
// are independent lookups behind one interface; the Coordinator fans them
// out concurrently and isolates their failures from each other and from
// the caller.
package enrich

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sentinelforge/sentinelforge/internal/ioc"
	"github.com/sentinelforge/sentinelforge/internal/model"
)

// Provider is one enrichment lookup. Enrich returns (nil, nil) when the
// provider has nothing to say about the indicator; that is not an error.
type Provider interface {
	// Name identifies the provider ("maxmind", "virustotal", ...).
	Name() string
	// Kind is the enrichment_type stored with the result ("geoip", "dns", ...).
	Kind() string
	// Supports reports whether the provider applies to this indicator type.
	Supports(t ioc.Type) bool
	// Enrich performs the lookup. The coordinator bounds ctx by Timeout.
	Enrich(ctx context.Context, ind model.Indicator) (json.RawMessage, error)
	// TTL is how long a stored result stays fresh.
	TTL() time.Duration
	// Timeout bounds a single lookup.
	Timeout() time.Duration
}

// Result is one provider outcome. Exactly one of Data and Err is set;
// both nil means the provider ran clean but had no data.
type Result struct {
	Provider string
	Kind     string
	Data     json.RawMessage
	Err      error
}

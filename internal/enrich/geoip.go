package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/oschwald/geoip2-golang"

	"github.com/sentinelforge/sentinelforge/internal/ioc"
	"github.com/sentinelforge/sentinelforge/internal/model"
)

// GeoIPProvider resolves IP indicators against local MaxMind databases.
// Lookups are offline, so the TTL is long and the timeout tight.
type GeoIPProvider struct {
	city *geoip2.Reader
	asn  *geoip2.Reader // optional
}

// NewGeoIPProvider opens the MaxMind city database and, when asnPath is
// non-empty, the ASN database.
func NewGeoIPProvider(cityPath, asnPath string) (*GeoIPProvider, error) {
	city, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("open geoip city db: %w", err)
	}
	p := &GeoIPProvider{city: city}
	if asnPath != "" {
		asn, err := geoip2.Open(asnPath)
		if err != nil {
			city.Close()
			return nil, fmt.Errorf("open geoip asn db: %w", err)
		}
		p.asn = asn
	}
	return p, nil
}

// Close releases the database readers.
func (p *GeoIPProvider) Close() {
	p.city.Close()
	if p.asn != nil {
		p.asn.Close()
	}
}

func (p *GeoIPProvider) Name() string              { return "maxmind" }
func (p *GeoIPProvider) Kind() string              { return "geoip" }
func (p *GeoIPProvider) Supports(t ioc.Type) bool  { return t == ioc.TypeIP }
func (p *GeoIPProvider) TTL() time.Duration        { return 168 * time.Hour }
func (p *GeoIPProvider) Timeout() time.Duration    { return 5 * time.Second }

type geoIPData struct {
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
	City        string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	ASN         uint    `json:"asn,omitempty"`
	ASNOrg      string  `json:"asn_org,omitempty"`
}

func (p *GeoIPProvider) Enrich(_ context.Context, ind model.Indicator) (json.RawMessage, error) {
	ip := net.ParseIP(ind.Value)
	if ip == nil {
		return nil, nil
	}

	city, err := p.city.City(ip)
	if err != nil {
		return nil, fmt.Errorf("geoip city lookup: %w", err)
	}

	data := geoIPData{
		Country:     city.Country.Names["en"],
		CountryCode: city.Country.IsoCode,
		City:        city.City.Names["en"],
		Latitude:    city.Location.Latitude,
		Longitude:   city.Location.Longitude,
	}

	if p.asn != nil {
		if asn, err := p.asn.ASN(ip); err == nil {
			data.ASN = asn.AutonomousSystemNumber
			data.ASNOrg = asn.AutonomousSystemOrganization
		}
	}

	if data == (geoIPData{}) {
		return nil, nil
	}
	return json.Marshal(data)
}

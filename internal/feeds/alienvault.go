package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sentinelforge/sentinelforge/internal/ioc"
	"github.com/sentinelforge/sentinelforge/internal/model"
)

const otxBaseURL = "https://otx.alienvault.com/api/v1"

// AlienVaultCollector pulls subscribed pulses from the OTX API. Pulse
// metadata (tags, adversary, malware families, TLP) is folded into every
// indicator the pulse carries.
type AlienVaultCollector struct {
	apiKey  string
	baseURL string
	client  *http.Client
	pages   int
}

// NewAlienVaultCollector builds the collector. An empty key leaves it
// unconfigured and skipped by the orchestrator.
func NewAlienVaultCollector(apiKey string) *AlienVaultCollector {
	return &AlienVaultCollector{
		apiKey:  apiKey,
		baseURL: otxBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		pages:   3,
	}
}

func (c *AlienVaultCollector) Name() string       { return "alienvault_otx" }
func (c *AlienVaultCollector) IsConfigured() bool { return c.apiKey != "" }

type otxPulse struct {
	Name            string   `json:"name"`
	Adversary       string   `json:"adversary"`
	TLP             string   `json:"tlp"`
	Tags            []string `json:"tags"`
	MalwareFamilies []string `json:"malware_families"`
	Indicators      []struct {
		Indicator string `json:"indicator"`
		Type      string `json:"type"`
	} `json:"indicators"`
}

type otxPage struct {
	Results []otxPulse `json:"results"`
	Next    string     `json:"next"`
}

func (c *AlienVaultCollector) Collect(ctx context.Context) ([]model.CreateIndicatorRequest, error) {
	var out []model.CreateIndicatorRequest

	for page := 1; page <= c.pages; page++ {
		url := fmt.Sprintf("%s/pulses/subscribed?limit=20&page=%d", c.baseURL, page)
		body, err := fetch(ctx, c.client, url, map[string]string{"X-OTX-API-KEY": c.apiKey})
		if err != nil {
			return nil, fmt.Errorf("otx pulses page %d: %w", page, err)
		}

		var parsed otxPage
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("otx decode: %w", err)
		}

		for _, pulse := range parsed.Results {
			out = append(out, pulseIndicators(pulse)...)
		}
		if parsed.Next == "" {
			break
		}
	}

	return out, nil
}

func pulseIndicators(pulse otxPulse) []model.CreateIndicatorRequest {
	tags := append([]string{}, pulse.Tags...)
	if pulse.Adversary != "" {
		tags = append(tags, "adversary:"+pulse.Adversary)
	}
	for _, family := range pulse.MalwareFamilies {
		tags = append(tags, "malware:"+family)
	}

	tlp := pulseTLP(pulse.TLP)
	out := make([]model.CreateIndicatorRequest, 0, len(pulse.Indicators))
	for _, entry := range pulse.Indicators {
		t, ok := otxType(entry.Type)
		if !ok {
			continue
		}
		out = append(out, model.CreateIndicatorRequest{
			Value:          entry.Indicator,
			IocType:        &t,
			Severity:       ptr(ioc.SeverityMedium),
			Confidence:     ptr(70),
			TLP:            &tlp,
			Tags:           tags,
			ExpirationDays: ptr(90),
		})
	}
	return out
}

// pulseTLP maps the pulse's TLP label; anything absent or unrecognized
// falls back to amber, the most restrictive default short of red.
func pulseTLP(s string) ioc.TLP {
	t := ioc.TLP(strings.ToLower(s))
	if t.Valid() {
		return t
	}
	return ioc.TLPAmber
}

func otxType(s string) (ioc.Type, bool) {
	switch s {
	case "IPv4", "IPv6":
		return ioc.TypeIP, true
	case "domain", "hostname":
		return ioc.TypeDomain, true
	case "URL", "URI":
		return ioc.TypeURL, true
	case "FileHash-MD5", "FileHash-SHA1", "FileHash-SHA256":
		return ioc.TypeHash, true
	case "email":
		return ioc.TypeEmail, true
	case "CVE":
		return ioc.TypeCVE, true
	}
	return "", false
}

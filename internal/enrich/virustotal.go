package enrich

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sentinelforge/sentinelforge/internal/ioc"
	"github.com/sentinelforge/sentinelforge/internal/model"
)

const virusTotalBaseURL = "https://www.virustotal.com/api/v3"

// VirusTotalProvider queries the VirusTotal v3 API for analysis verdicts
// on IPs, domains, URLs, and file hashes.
type VirusTotalProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewVirusTotalProvider builds the provider. The key must be non-empty;
// callers skip registration when it is not configured.
func NewVirusTotalProvider(apiKey string) *VirusTotalProvider {
	return &VirusTotalProvider{
		apiKey:  apiKey,
		baseURL: virusTotalBaseURL,
		client:  &http.Client{Timeout: 20 * time.Second},
	}
}

func (p *VirusTotalProvider) Name() string           { return "virustotal" }
func (p *VirusTotalProvider) Kind() string           { return "reputation" }
func (p *VirusTotalProvider) TTL() time.Duration     { return 12 * time.Hour }
func (p *VirusTotalProvider) Timeout() time.Duration { return 20 * time.Second }

func (p *VirusTotalProvider) Supports(t ioc.Type) bool {
	switch t {
	case ioc.TypeIP, ioc.TypeDomain, ioc.TypeURL, ioc.TypeHash:
		return true
	}
	return false
}

type virusTotalObject struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats struct {
				Harmless   int `json:"harmless"`
				Malicious  int `json:"malicious"`
				Suspicious int `json:"suspicious"`
				Undetected int `json:"undetected"`
			} `json:"last_analysis_stats"`
			Reputation int      `json:"reputation"`
			Tags       []string `json:"tags"`
		} `json:"attributes"`
	} `json:"data"`
}

type virusTotalData struct {
	Harmless   int      `json:"harmless"`
	Malicious  int      `json:"malicious"`
	Suspicious int      `json:"suspicious"`
	Undetected int      `json:"undetected"`
	Reputation int      `json:"reputation"`
	Tags       []string `json:"tags,omitempty"`
}

func (p *VirusTotalProvider) Enrich(ctx context.Context, ind model.Indicator) (json.RawMessage, error) {
	endpoint, err := p.endpointFor(ind)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-apikey", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("virustotal lookup: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		// VirusTotal has never seen the indicator.
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("virustotal lookup: status %d", resp.StatusCode)
	}

	var obj virusTotalObject
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, fmt.Errorf("virustotal decode: %w", err)
	}

	attrs := obj.Data.Attributes
	return json.Marshal(virusTotalData{
		Harmless:   attrs.LastAnalysisStats.Harmless,
		Malicious:  attrs.LastAnalysisStats.Malicious,
		Suspicious: attrs.LastAnalysisStats.Suspicious,
		Undetected: attrs.LastAnalysisStats.Undetected,
		Reputation: attrs.Reputation,
		Tags:       attrs.Tags,
	})
}

func (p *VirusTotalProvider) endpointFor(ind model.Indicator) (string, error) {
	switch ind.IocType {
	case ioc.TypeIP:
		return p.baseURL + "/ip_addresses/" + url.PathEscape(ind.Value), nil
	case ioc.TypeDomain:
		return p.baseURL + "/domains/" + url.PathEscape(ind.Value), nil
	case ioc.TypeHash:
		return p.baseURL + "/files/" + url.PathEscape(ind.Value), nil
	case ioc.TypeURL:
		// URL ids are the unpadded url-safe base64 of the URL itself.
		id := base64.RawURLEncoding.EncodeToString([]byte(ind.Value))
		return p.baseURL + "/urls/" + id, nil
	}
	return "", fmt.Errorf("unsupported ioc type %q", ind.IocType)
}

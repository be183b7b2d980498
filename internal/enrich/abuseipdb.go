package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sentinelforge/sentinelforge/internal/ioc"
	"github.com/sentinelforge/sentinelforge/internal/model"
)

const abuseIPDBBaseURL = "https://api.abuseipdb.com/api/v2"

// AbuseIPDBProvider checks IP reputation against the AbuseIPDB API and can
// report abusive IPs back.
type AbuseIPDBProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAbuseIPDBProvider builds the provider. The key must be non-empty;
// callers skip registration when it is not configured.
func NewAbuseIPDBProvider(apiKey string) *AbuseIPDBProvider {
	return &AbuseIPDBProvider{
		apiKey:  apiKey,
		baseURL: abuseIPDBBaseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *AbuseIPDBProvider) Name() string             { return "abuseipdb" }
func (p *AbuseIPDBProvider) Kind() string             { return "reputation" }
func (p *AbuseIPDBProvider) TTL() time.Duration       { return 12 * time.Hour }
func (p *AbuseIPDBProvider) Timeout() time.Duration   { return 15 * time.Second }
func (p *AbuseIPDBProvider) Supports(t ioc.Type) bool { return t == ioc.TypeIP }

type abuseIPDBCheck struct {
	Data struct {
		AbuseConfidenceScore int     `json:"abuseConfidenceScore"`
		TotalReports         int     `json:"totalReports"`
		NumDistinctUsers     int     `json:"numDistinctUsers"`
		CountryCode          *string `json:"countryCode"`
		ISP                  *string `json:"isp"`
		UsageType            *string `json:"usageType"`
		Domain               *string `json:"domain"`
		IsTor                bool    `json:"isTor"`
		LastReportedAt       *string `json:"lastReportedAt"`
	} `json:"data"`
}

type abuseIPDBData struct {
	AbuseConfidenceScore int     `json:"abuse_confidence_score"`
	TotalReports         int     `json:"total_reports"`
	NumDistinctUsers     int     `json:"num_distinct_users"`
	CountryCode          *string `json:"country_code,omitempty"`
	ISP                  *string `json:"isp,omitempty"`
	UsageType            *string `json:"usage_type,omitempty"`
	Domain               *string `json:"domain,omitempty"`
	IsTor                bool    `json:"is_tor"`
	LastReportedAt       *string `json:"last_reported_at,omitempty"`
}

func (p *AbuseIPDBProvider) Enrich(ctx context.Context, ind model.Indicator) (json.RawMessage, error) {
	// CIDR indicators carry the prefix; check the network address.
	ip, _, _ := strings.Cut(ind.Value, "/")

	endpoint := p.baseURL + "/check?ipAddress=" + url.QueryEscape(ip) + "&maxAgeInDays=90"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("abuseipdb check: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("abuseipdb check: status %d", resp.StatusCode)
	}

	var check abuseIPDBCheck
	if err := json.NewDecoder(resp.Body).Decode(&check); err != nil {
		return nil, fmt.Errorf("abuseipdb decode: %w", err)
	}

	return json.Marshal(abuseIPDBData{
		AbuseConfidenceScore: check.Data.AbuseConfidenceScore,
		TotalReports:         check.Data.TotalReports,
		NumDistinctUsers:     check.Data.NumDistinctUsers,
		CountryCode:          check.Data.CountryCode,
		ISP:                  check.Data.ISP,
		UsageType:            check.Data.UsageType,
		Domain:               check.Data.Domain,
		IsTor:                check.Data.IsTor,
		LastReportedAt:       check.Data.LastReportedAt,
	})
}

// ReportIP files an abuse report for the IP with the given AbuseIPDB
// category ids.
func (p *AbuseIPDBProvider) ReportIP(ctx context.Context, ip string, categories []int, comment string) error {
	cats := make([]string, len(categories))
	for i, c := range categories {
		cats[i] = strconv.Itoa(c)
	}
	form := url.Values{
		"ip":         {ip},
		"categories": {strings.Join(cats, ",")},
		"comment":    {comment},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/report",
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Key", p.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("abuseipdb report: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("abuseipdb report: status %d: %s", resp.StatusCode, body)
	}
	return nil
}

package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/likexian/whois"

	"github.com/sentinelforge/sentinelforge/internal/ioc"
	"github.com/sentinelforge/sentinelforge/internal/model"
)

// WhoisProvider looks up domain registration data. Registry responses are
// free text; parsing is best effort over the common key: value layout.
type WhoisProvider struct {
	client *whois.Client
}

// NewWhoisProvider builds the provider with its own bounded client.
func NewWhoisProvider() *WhoisProvider {
	c := whois.NewClient()
	c.SetTimeout(15 * time.Second)
	return &WhoisProvider{client: c}
}

func (p *WhoisProvider) Name() string             { return "whois" }
func (p *WhoisProvider) Kind() string             { return "whois" }
func (p *WhoisProvider) TTL() time.Duration       { return 168 * time.Hour }
func (p *WhoisProvider) Timeout() time.Duration   { return 20 * time.Second }
func (p *WhoisProvider) Supports(t ioc.Type) bool { return t == ioc.TypeDomain }

type whoisData struct {
	Registrar      string   `json:"registrar,omitempty"`
	CreationDate   string   `json:"creation_date,omitempty"`
	ExpirationDate string   `json:"expiration_date,omitempty"`
	UpdatedDate    string   `json:"updated_date,omitempty"`
	NameServers    []string `json:"name_servers,omitempty"`
	Status         []string `json:"status,omitempty"`
}

func (p *WhoisProvider) Enrich(_ context.Context, ind model.Indicator) (json.RawMessage, error) {
	raw, err := p.client.Whois(ind.Value)
	if err != nil {
		return nil, fmt.Errorf("whois query: %w", err)
	}

	data := parseWhois(raw)
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

// parseWhois extracts the structured fields from a raw registry response.
// Returns nil when nothing recognizable was found.
func parseWhois(raw string) *whoisData {
	var data whoisData
	seenNS := map[string]bool{}

	for _, line := range strings.Split(raw, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		switch key {
		case "registrar":
			if data.Registrar == "" {
				data.Registrar = value
			}
		case "creation date", "created", "registered on":
			if data.CreationDate == "" {
				data.CreationDate = value
			}
		case "registry expiry date", "expiration date", "expiry date", "expires":
			if data.ExpirationDate == "" {
				data.ExpirationDate = value
			}
		case "updated date", "last updated", "last-update":
			if data.UpdatedDate == "" {
				data.UpdatedDate = value
			}
		case "name server", "nserver":
			ns := strings.ToLower(value)
			if !seenNS[ns] {
				seenNS[ns] = true
				data.NameServers = append(data.NameServers, ns)
			}
		case "domain status", "status":
			// ICANN appends a URL after the status token.
			status, _, _ := strings.Cut(value, " ")
			data.Status = append(data.Status, status)
		}
	}

	if data.Registrar == "" && data.CreationDate == "" && data.ExpirationDate == "" &&
		data.UpdatedDate == "" && len(data.NameServers) == 0 && len(data.Status) == 0 {
		return nil
	}
	return &data
}

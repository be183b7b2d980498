package feeds

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sentinelforge/sentinelforge/internal/ioc"
	"github.com/sentinelforge/sentinelforge/internal/model"
)

// Public blocklists, no API key required.
const (
	etCompromisedURL = "https://rules.emergingthreats.net/blockrules/compromised-ips.txt"
	feodoURL         = "https://feodotracker.abuse.ch/downloads/ipblocklist.txt"
	urlhausURL       = "https://urlhaus.abuse.ch/downloads/text/"
)

type blocklist struct {
	url     string
	iocType ioc.Type
	tags    []string
}

// EmergingThreatsCollector pulls the plaintext ET, Feodo, and URLhaus
// blocklists. Lines are one indicator each; # comments are skipped.
type EmergingThreatsCollector struct {
	lists  []blocklist
	client *http.Client
}

// NewEmergingThreatsCollector builds the collector with all three lists.
func NewEmergingThreatsCollector() *EmergingThreatsCollector {
	return &EmergingThreatsCollector{
		lists: []blocklist{
			{url: etCompromisedURL, iocType: ioc.TypeIP, tags: []string{"compromised", "emerging-threats"}},
			{url: feodoURL, iocType: ioc.TypeIP, tags: []string{"botnet", "c2", "feodo"}},
			{url: urlhausURL, iocType: ioc.TypeURL, tags: []string{"malware-distribution", "urlhaus"}},
		},
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *EmergingThreatsCollector) Name() string       { return "emerging_threats" }
func (c *EmergingThreatsCollector) IsConfigured() bool { return true }

func (c *EmergingThreatsCollector) Collect(ctx context.Context) ([]model.CreateIndicatorRequest, error) {
	var out []model.CreateIndicatorRequest

	for _, list := range c.lists {
		body, err := fetch(ctx, c.client, list.url, nil)
		if err != nil {
			return nil, fmt.Errorf("blocklist %s: %w", list.url, err)
		}

		for _, line := range strings.Split(string(body), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			t := list.iocType
			out = append(out, model.CreateIndicatorRequest{
				Value:          line,
				IocType:        &t,
				Severity:       ptr(ioc.SeverityHigh),
				Confidence:     ptr(80),
				TLP:            ptr(ioc.TLPWhite),
				Tags:           list.tags,
				ExpirationDays: ptr(30),
			})
		}
	}

	return out, nil
}

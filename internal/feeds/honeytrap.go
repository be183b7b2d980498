package feeds

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sentinelforge/sentinelforge/internal/ioc"
	"github.com/sentinelforge/sentinelforge/internal/model"
)

// HoneytrapCollector turns honeypot attack events into IP indicators. It
// reads either a JSONL events file or a honeytrap HTTP endpoint returning
// one JSON event per line. Events from the same attacker collapse into one
// indicator whose tags accumulate everything observed across events.
type HoneytrapCollector struct {
	apiURL     string
	eventsFile string
	client     *http.Client
}

// NewHoneytrapCollector builds the collector. Either source may be empty;
// with both set the API wins.
func NewHoneytrapCollector(apiURL, eventsFile string) *HoneytrapCollector {
	return &HoneytrapCollector{
		apiURL:     apiURL,
		eventsFile: eventsFile,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HoneytrapCollector) Name() string       { return "honeytrap" }
func (c *HoneytrapCollector) IsConfigured() bool { return c.apiURL != "" || c.eventsFile != "" }

type honeytrapEvent struct {
	SourceIP    string `json:"source_ip"`
	Protocol    string `json:"protocol"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Credentials []struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"credentials"`
	Commands []string `json:"commands"`
}

func (c *HoneytrapCollector) Collect(ctx context.Context) ([]model.CreateIndicatorRequest, error) {
	var raw []byte
	var err error

	switch {
	case c.apiURL != "":
		raw, err = fetch(ctx, c.client, c.apiURL, nil)
		if err != nil {
			return nil, fmt.Errorf("honeytrap api: %w", err)
		}
	case c.eventsFile != "":
		raw, err = os.ReadFile(c.eventsFile)
		if err != nil {
			return nil, fmt.Errorf("honeytrap events file: %w", err)
		}
	default:
		return nil, nil
	}

	return parseHoneytrapEvents(raw)
}

// parseHoneytrapEvents reads JSONL, dedupes by attacker IP, and derives
// behavior tags from what each event shows the attacker doing.
func parseHoneytrapEvents(raw []byte) ([]model.CreateIndicatorRequest, error) {
	type attacker struct {
		severity ioc.Severity
		tags     map[string]bool
	}
	attackers := map[string]*attacker{}
	var order []string

	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event honeytrapEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			// One malformed line never discards the batch.
			continue
		}
		if event.SourceIP == "" {
			continue
		}

		a, seen := attackers[event.SourceIP]
		if !seen {
			a = &attacker{severity: ioc.SeverityUnknown, tags: map[string]bool{"honeypot": true}}
			attackers[event.SourceIP] = a
			order = append(order, event.SourceIP)
		}
		a.severity = a.severity.Max(eventSeverity(event.Severity))
		for _, tag := range eventTags(event) {
			a.tags[tag] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("honeytrap scan: %w", err)
	}

	out := make([]model.CreateIndicatorRequest, 0, len(order))
	for _, ip := range order {
		a := attackers[ip]
		tags := make([]string, 0, len(a.tags))
		for tag := range a.tags {
			tags = append(tags, tag)
		}
		sort.Strings(tags)

		t := ioc.TypeIP
		out = append(out, model.CreateIndicatorRequest{
			Value:          ip,
			IocType:        &t,
			Severity:       &a.severity,
			Confidence:     ptr(90),
			TLP:            ptr(ioc.TLPGreen),
			Tags:           tags,
			ExpirationDays: ptr(30),
		})
	}
	return out, nil
}

func eventSeverity(s string) ioc.Severity {
	sev := ioc.Severity(strings.ToLower(s))
	if sev.Valid() {
		return sev
	}
	return ioc.SeverityMedium
}

func eventTags(event honeytrapEvent) []string {
	var tags []string
	if event.Protocol != "" {
		tags = append(tags, strings.ToLower(event.Protocol))
	}
	if event.Category != "" {
		tags = append(tags, strings.ToLower(event.Category))
	}

	if len(event.Credentials) > 0 {
		tags = append(tags, "has_credentials")
		for _, cred := range event.Credentials {
			user := strings.ToLower(cred.Username)
			if user == "root" || user == "admin" || user == "administrator" {
				tags = append(tags, "targets_admin")
				break
			}
		}
	}

	if len(event.Commands) > 0 {
		tags = append(tags, "executed_commands")
		joined := strings.ToLower(strings.Join(event.Commands, " "))
		if strings.Contains(joined, "wget") || strings.Contains(joined, "curl") {
			tags = append(tags, "download_attempt")
		}
		if strings.Contains(joined, "chmod +x") || strings.Contains(joined, "chmod 777") {
			tags = append(tags, "made_executable")
		}
		if strings.Contains(joined, "passwd") || strings.Contains(joined, "shadow") {
			tags = append(tags, "credential_access")
		}
	}
	return tags
}

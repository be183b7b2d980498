// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the service reads from the environment. API keys
// left empty disable the provider or collector that needs them. DatabaseURL
// has no default; startup aborts when it is missing.
type Config struct {
	Host        string
	Port        string
	LogLevel    string
	DatabaseURL string

	// Enrichment providers.
	GeoIPCityDB   string
	GeoIPASNDB    string
	AbuseIPDBKey  string
	VirusTotalKey string

	// Feed collectors.
	OTXKey              string
	HoneytrapAPIURL     string
	HoneytrapEventsFile string
	FeedRefreshInterval time.Duration

	// Infrastructure.
	RedisAddr      string
	OTELEndpoint   string
	RateLimitRPS   int
	RateLimitBurst int
	SourcesFile    string
}

// Load reads the configuration from environment variables.
func Load() *Config {
	return &Config{
		Host:        getenv("HOST", "0.0.0.0"),
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		GeoIPCityDB:   os.Getenv("GEOIP_CITY_DB"),
		GeoIPASNDB:    os.Getenv("GEOIP_ASN_DB"),
		AbuseIPDBKey:  os.Getenv("ABUSEIPDB_API_KEY"),
		VirusTotalKey: os.Getenv("VIRUSTOTAL_API_KEY"),

		OTXKey:              os.Getenv("OTX_API_KEY"),
		HoneytrapAPIURL:     os.Getenv("HONEYTRAP_API_URL"),
		HoneytrapEventsFile: os.Getenv("HONEYTRAP_EVENTS_FILE"),
		FeedRefreshInterval: getenvDuration("FEED_REFRESH_INTERVAL", 0),

		RedisAddr:      os.Getenv("REDIS_ADDR"),
		OTELEndpoint:   os.Getenv("OTEL_ENDPOINT"),
		RateLimitRPS:   getenvInt("RATE_LIMIT_RPS", 50),
		RateLimitBurst: getenvInt("RATE_LIMIT_BURST", 100),
		SourcesFile:    os.Getenv("SOURCES_FILE"),
	}
}

// Addr is the host:port the HTTP server binds.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// getenvDuration parses a Go duration string ("30m", "1h"). Zero or
// unparsable values fall back.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// SeedSource is one entry of the optional SOURCES_FILE catalog seed.
type SeedSource struct {
	Name             string `yaml:"name"`
	SourceType       string `yaml:"source_type"`
	URL              string `yaml:"url"`
	APIKeyRequired   bool   `yaml:"api_key_required"`
	ReliabilityScore int    `yaml:"reliability_score"`
	Enabled          bool   `yaml:"enabled"`
}

// LoadSources reads the YAML source catalog used to seed ioc_sources.
func LoadSources(path string) ([]SeedSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}

	var doc struct {
		Sources []SeedSource `yaml:"sources"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	return doc.Sources, nil
}

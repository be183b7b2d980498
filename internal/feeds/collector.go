// Package feeds pulls indicators from external threat feeds. Each collector
// turns one upstream format into CreateIndicatorRequest batches with
// feed-appropriate defaults; the ingest orchestrator owns scheduling and
// persistence.
package feeds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/sentinelforge/sentinelforge/internal/model"
)

// Collector fetches one feed. Collect returns all indicators currently
// published by the feed; IsConfigured gates collectors that need API keys.
type Collector interface {
	Name() string
	IsConfigured() bool
	Collect(ctx context.Context) ([]model.CreateIndicatorRequest, error)
}

// fetch GETs a feed URL, retrying transient failures with exponential
// backoff. 4xx responses are permanent and fail immediately.
func fetch(ctx context.Context, client *http.Client, url string, headers map[string]string) ([]byte, error) {
	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(fmt.Errorf("fetch %s: status %d", url, resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
		backoff.WithMaxElapsedTime(2*time.Minute))
}

func ptr[T any](v T) *T { return &v }

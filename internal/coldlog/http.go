package coldlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quaylabs/rangekeeper/internal/domain"
	"github.com/quaylabs/rangekeeper/internal/telemetry"
)

// HTTPConfig holds managed cold-log endpoint settings.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url" env:"COLD_LOG_URL"`
	Org     string `yaml:"org" env:"COLD_LOG_ORG"`
	Token   string `yaml:"token" env:"COLD_LOG_TOKEN"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	WritesPerSec   float64       `yaml:"writes_per_sec"`
	Burst          int           `yaml:"burst"`
}

// DefaultHTTPConfig returns endpoint defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		RequestTimeout: 10 * time.Second,
		WritesPerSec:   5,
		Burst:          10,
	}
}

// HTTPTransport implements telemetry.Transport against an HTTP write API.
// Writes go through a circuit breaker and a client-side rate limit so a
// degraded endpoint cannot amplify into a request storm.
type HTTPTransport struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewHTTPTransport builds the transport. No connection is made until the
// first write.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	st := gobreaker.Settings{Name: "coldlog-http"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	return &HTTPTransport{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		breaker: gobreaker.NewCircuitBreaker(st),
		limiter: rate.NewLimiter(rate.Limit(cfg.WritesPerSec), cfg.Burst),
	}
}

// Write posts the batch as a JSON array to /api/v1/write/{stream}.
func (t *HTTPTransport) Write(ctx context.Context, stream string, records []telemetry.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return domain.Classify(domain.FailRateLimited, err)
	}

	_, err := t.breaker.Execute(func() (any, error) {
		return nil, t.post(ctx, stream, records)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return domain.Classifyf(domain.FailTransientNetwork, "cold log breaker open")
	}
	return err
}

func (t *HTTPTransport) post(ctx context.Context, stream string, records []telemetry.Record) error {
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode cold log batch: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/write/%s", t.cfg.BaseURL, stream)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build cold log request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	if t.cfg.Org != "" {
		req.Header.Set("X-Org", t.cfg.Org)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return domain.Classify(domain.FailTransientNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.Classifyf(domain.FailRateLimited, "cold log returned 429")
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("cold log write failed: %d %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

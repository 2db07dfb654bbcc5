// Package upstream implements the route scorer's external collaborators as
// JSON-over-HTTP clients: directions, crime history, places and street
// imagery.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/nirbhaya/internal/geo"
	"github.com/mbd888/nirbhaya/internal/retry"
	"github.com/mbd888/nirbhaya/internal/traces"
)

const (
	defaultTimeout = 2 * time.Second
	maxBodyBytes   = 4 << 20
)

// StatusError is a non-2xx reply.
type StatusError struct {
	Upstream string
	Status   int
	Message  string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Upstream, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Upstream, e.Status)
}

// Config locates one upstream service.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// client is the shared JSON transport. 4xx replies are marked permanent so
// callers neither retry them nor count them against the circuit breaker.
type client struct {
	name   string
	base   string
	apiKey string
	http   *http.Client
}

func newClient(name string, cfg Config) (*client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New(name + ": base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%s: invalid base URL: %w", name, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		name:   name,
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: timeout},
	}, nil
}

// apiError is the error body shape upstreams are expected to use.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *client) getJSON(ctx context.Context, path string, query url.Values, out any) (err error) {
	ctx, span := traces.StartSpan(ctx, "upstream."+c.name, traces.Upstream(c.name))
	defer func() { traces.End(span, err) }()

	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		callDuration.WithLabelValues(c.name, result).Observe(time.Since(start).Seconds())
	}()

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("%s: create request: %w", c.name, err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", c.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", c.name, err)
	}

	if resp.StatusCode >= 300 {
		se := &StatusError{Upstream: c.name, Status: resp.StatusCode}
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Message != "" {
			se.Message = ae.Message
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Permanent(se)
		}
		return se
	}

	if err := json.Unmarshal(body, out); err != nil {
		return retry.Permanent(fmt.Errorf("%s: decode response: %w", c.name, err))
	}
	return nil
}

func pointQuery(p geo.Point) url.Values {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(p.Lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(p.Lon, 'f', 6, 64))
	return q
}

func formatPoint(p geo.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lon, 'f', 6, 64)
}

// Package sap fetches audit events from the SAP audit-log HTTP API.
package sap

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"sap-audit-relay/internal/config"
	"sap-audit-relay/internal/schema"
)

var (
	// ErrRetriesExhausted marks a window that failed across every attempt.
	ErrRetriesExhausted = errors.New("sap: retries exhausted")

	// ErrMalformedResponse marks a payload that is not JSON at all.
	// Retrying cannot fix it, so the fetch fails immediately.
	ErrMalformedResponse = errors.New("sap: malformed response")
)

// Window is a half-open [Start, End) time range to fetch.
type Window struct {
	Start time.Time
	End   time.Time
}

// Client queries the audit-log endpoint. The configured base URL already
// carries the upstream's fixed query parameters; the window bounds are
// merged into it per request.
type Client struct {
	baseURL      string
	username     string
	password     string
	timeout      time.Duration
	maxRetries   int
	retryBackoff time.Duration
	loc          *time.Location
	http         *http.Client
	logger       *slog.Logger

	fetches  uint64
	failures uint64
	retries  uint64
	records  uint64
}

// Metrics is a point-in-time snapshot of fetch counters.
type Metrics struct {
	Fetches  uint64
	Failures uint64
	Retries  uint64
	Records  uint64
}

// NewClient builds a fetch client from configuration. loc is the
// timezone the window bounds are rendered in.
func NewClient(cfg config.SAPConfig, loc *time.Location, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}

	httpClient := &http.Client{}
	if cfg.InsecureSkipVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Client{
		baseURL:      cfg.URL,
		username:     cfg.Username,
		password:     cfg.Password,
		timeout:      cfg.Timeout,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		loc:          loc,
		http:         httpClient,
		logger:       logger,
	}
}

// FetchWindow retrieves the events recorded in the window. An empty or
// non-list payload is a successful empty fetch. Timed-out attempts back
// off and retry, the final attempt included; other request failures stop
// after the final attempt without a trailing sleep. A payload that is not
// JSON fails the whole fetch at once.
func (c *Client) FetchWindow(ctx context.Context, w Window) ([]schema.Record, error) {
	u, err := c.windowURL(w)
	if err != nil {
		atomic.AddUint64(&c.failures, 1)
		return nil, err
	}
	atomic.AddUint64(&c.fetches, 1)

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		records, err := c.attempt(ctx, u)
		switch {
		case err == nil:
			atomic.AddUint64(&c.records, uint64(len(records)))
			return records, nil

		case errors.Is(err, ErrMalformedResponse):
			atomic.AddUint64(&c.failures, 1)
			return nil, err

		case ctx.Err() != nil:
			atomic.AddUint64(&c.failures, 1)
			return nil, ctx.Err()

		case errors.Is(err, context.DeadlineExceeded):
			lastErr = err
			c.logger.Warn("fetch attempt timed out",
				"attempt", attempt, "max_attempts", c.maxRetries, "timeout", c.timeout)

		default:
			lastErr = err
			c.logger.Warn("fetch attempt failed",
				"attempt", attempt, "max_attempts", c.maxRetries, "error", err)
			if attempt == c.maxRetries {
				atomic.AddUint64(&c.failures, 1)
				return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.maxRetries, lastErr)
			}
		}

		atomic.AddUint64(&c.retries, 1)
		backoff := c.retryBackoff << attempt
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			atomic.AddUint64(&c.failures, 1)
			return nil, ctx.Err()
		}
	}

	atomic.AddUint64(&c.failures, 1)
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.maxRetries, lastErr)
}

// attempt performs a single bounded request against the window URL.
func (c *Client) attempt(ctx context.Context, u string) ([]schema.Record, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("upstream status %s: %s", resp.Status, bytes.TrimSpace(detail))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return []schema.Record{}, nil
	}

	var records []schema.Record
	if err := json.Unmarshal(body, &records); err != nil {
		var payload any
		if json.Unmarshal(body, &payload) == nil {
			c.logger.Warn("upstream payload is not a record list, treating as empty",
				"payload_type", fmt.Sprintf("%T", payload))
			return []schema.Record{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return records, nil
}

// windowURL merges the window bounds into the base URL's query. Dates
// render as DD.MM.YYYY and times as HH:MM:SS in the client's timezone,
// the formats the audit-log endpoint expects.
func (c *Client) windowURL(w Window) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	start := w.Start.In(c.loc)
	end := w.End.In(c.loc)

	q := u.Query()
	q.Set("startdate", start.Format("02.01.2006"))
	q.Set("starttime", start.Format("15:04:05"))
	q.Set("enddate", end.Format("02.01.2006"))
	q.Set("endtime", end.Format("15:04:05"))
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Metrics returns a snapshot of fetch counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		Fetches:  atomic.LoadUint64(&c.fetches),
		Failures: atomic.LoadUint64(&c.failures),
		Retries:  atomic.LoadUint64(&c.retries),
		Records:  atomic.LoadUint64(&c.records),
	}
}

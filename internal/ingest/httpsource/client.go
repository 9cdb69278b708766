// Package httpsource provides a job status source that polls a JSON HTTP endpoint.
package httpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/jobwatch/internal/ingest"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 1024
)

// Config holds HTTP source configuration.
type Config struct {
	ID      string
	URL     string
	Token   string // sent as a bearer token when set
	Timeout time.Duration
}

// StatusError is returned when the source answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Client fetches job statuses from one HTTP endpoint.
type Client struct {
	config     Config
	httpClient *http.Client
}

// New creates a new HTTP source.
func New(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// ID returns the source ID.
func (c *Client) ID() string {
	return c.config.ID
}

// Timeout returns the per-call timeout of this source.
func (c *Client) Timeout() time.Duration {
	return c.config.Timeout
}

type jobStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	LogURL    string    `json:"log_url"`
	Timestamp timestamp `json:"timestamp"`
}

// Fetch retrieves the current job statuses.
func (c *Client) Fetch(ctx context.Context) ([]ingest.RawJobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var docs []jobStatus
	if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := make([]ingest.RawJobStatus, 0, len(docs))
	for _, d := range docs {
		out = append(out, ingest.RawJobStatus{
			ID:         d.ID,
			Name:       d.Name,
			Status:     d.Status,
			LogURL:     d.LogURL,
			ObservedAt: time.Time(d.Timestamp),
		})
	}
	return out, nil
}

// timestamp accepts unix seconds or an RFC 3339 string.
type timestamp time.Time

func (t *timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}

	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			*t = timestamp(fromUnix(secs))
			return nil
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		*t = timestamp(parsed)
		return nil
	}

	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("parse timestamp %s: %w", b, err)
	}
	*t = timestamp(fromUnix(secs))
	return nil
}

func fromUnix(secs float64) time.Time {
	whole := int64(secs)
	frac := secs - float64(whole)
	return time.Unix(whole, int64(frac*float64(time.Second))).UTC()
}

package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client posts finished sessions to a rehearsal server.
type Client struct {
	url  string
	http *http.Client
}

// NewClient returns a Client for the server at baseURL. A nil hc gets an
// instrumented client with a 30 second timeout.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{url: strings.TrimRight(baseURL, "/") + RoutePrefix, http: hc}
}

// Save archives r and returns the stored record with its assigned ID.
func (c *Client) Save(ctx context.Context, r Record) (Record, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return Record{}, fmt.Errorf("archive: encode record: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/", bytes.NewReader(body))
	if err != nil {
		return Record{}, fmt.Errorf("archive: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Record{}, fmt.Errorf("archive: save: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordBytes))
	if err != nil {
		return Record{}, fmt.Errorf("archive: read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return Record{}, fmt.Errorf("archive: save: %s (status %d)", e.Error, resp.StatusCode)
		}
		return Record{}, fmt.Errorf("archive: save: status %d", resp.StatusCode)
	}
	var saved Record
	if err := json.Unmarshal(raw, &saved); err != nil {
		return Record{}, fmt.Errorf("archive: decode response: %w", err)
	}
	return saved, nil
}

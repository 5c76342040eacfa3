package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/rehearsal/internal/scenario"
	"github.com/MrWong99/rehearsal/pkg/types"
)

// DefaultClientTimeout bounds one call to the endpoint. Report generation is
// slow; previews are short.
const DefaultClientTimeout = 2 * time.Minute

// Client calls the report endpoint of a rehearsal server.
type Client struct {
	url  string
	http *http.Client
}

// NewClient returns a Client for the server at baseURL. A nil hc gets an
// instrumented client with [DefaultClientTimeout].
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{
			Timeout:   DefaultClientTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{url: strings.TrimRight(baseURL, "/") + Path, http: hc}
}

// GenerateReport requests an evaluation of a finished session.
func (c *Client) GenerateReport(ctx context.Context, history []types.Message, scn *scenario.Scenario, p *scenario.Participant, activeCase string) (*EvaluationReport, error) {
	var resp struct {
		Report *EvaluationReport `json:"report"`
	}
	err := c.do(ctx, Request{
		Action:      ActionGenericReport,
		History:     history,
		Scenario:    scn,
		Participant: p,
		ActiveCase:  activeCase,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Report == nil {
		return nil, errors.New("Error: Invalid report response from server")
	}
	return resp.Report, nil
}

// VoicePreview requests a spoken sample of voice. It returns 24 kHz PCM, or
// nil when the server produced no audio.
func (c *Client) VoicePreview(ctx context.Context, voice string) ([]byte, error) {
	var resp PreviewResponse
	if err := c.do(ctx, Request{Action: ActionTTSPreview, VoiceName: voice}, &resp); err != nil {
		return nil, err
	}
	if resp.AudioBase64 == nil || *resp.AudioBase64 == "" {
		return nil, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(*resp.AudioBase64)
	if err != nil {
		return nil, fmt.Errorf("Error: decode preview audio: %w", err)
	}
	return pcm, nil
}

// do posts req and decodes a 2xx answer into out. Failures carry the
// server's "Error: …" message when there is one.
func (c *Client) do(ctx context.Context, req Request, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("Error: encode request: %w", err)
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("Error: build request: %w", err)
	}
	hr.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(hr)
	if err != nil {
		return fmt.Errorf("Error: %s: %w", req.Action, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("Error: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			if !strings.HasPrefix(e.Error, "Error:") {
				e.Error = "Error: " + e.Error
			}
			return errors.New(e.Error)
		}
		return fmt.Errorf("Error: %s failed with status %d", req.Action, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("Error: decode response: %w", err)
	}
	return nil
}

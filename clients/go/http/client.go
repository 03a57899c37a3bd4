// Package http provides an HTTP client for the feature flag service.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	featureflags "github.com/shiv-0101/featureflags/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format. Only the flag
	// management endpoints require it.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements featureflags.FlagManager, featureflags.Evaluator, and
// featureflags.AllFlagsFetcher over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient returns a new HTTP client for the feature flag service.
func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("featureflags: HTTP %d: %s", e.StatusCode, e.Message)
}

// -- wire types ---------------------------------------------------------------

type evaluateRequest struct {
	FlagKey    string         `json:"flagKey,omitempty"`
	FlagKeys   []string       `json:"flagKeys,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type flagEnvelope struct {
	Success bool               `json:"success"`
	Data    featureflags.Flag  `json:"data"`
	Message string             `json:"message,omitempty"`
}

type listEnvelope struct {
	Success bool                `json:"success"`
	Count   int                 `json:"count"`
	Data    []featureflags.Flag `json:"data"`
}

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// -- helpers ------------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("featureflags: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("featureflags: create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("featureflags: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

// decodeAPIError extracts the {"error","message"} envelope; a non-JSON body
// falls back to the raw text.
func decodeAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(resp.Body)
	var envelope errorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: envelope.Message}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}

func decodeJSON(resp *http.Response, dst any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("featureflags: decode response: %w", err)
	}
	return nil
}

// -- FlagManager ----------------------------------------------------------------

func (c *Client) CreateFlag(ctx context.Context, flag featureflags.Flag) (featureflags.Flag, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/flags", flag)
	if err != nil {
		return featureflags.Flag{}, err
	}
	var out flagEnvelope
	if err := decodeJSON(resp, &out); err != nil {
		return featureflags.Flag{}, err
	}
	return out.Data, nil
}

func (c *Client) GetFlag(ctx context.Context, key string) (featureflags.Flag, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/flags/"+key, nil)
	if err != nil {
		return featureflags.Flag{}, err
	}
	var out flagEnvelope
	if err := decodeJSON(resp, &out); err != nil {
		return featureflags.Flag{}, err
	}
	return out.Data, nil
}

func (c *Client) ListFlags(ctx context.Context) ([]featureflags.Flag, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/flags", nil)
	if err != nil {
		return nil, err
	}
	var out listEnvelope
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) UpdateFlag(ctx context.Context, flag featureflags.Flag) (featureflags.Flag, error) {
	resp, err := c.do(ctx, http.MethodPut, "/api/flags/"+flag.Key, flag)
	if err != nil {
		return featureflags.Flag{}, err
	}
	var out flagEnvelope
	if err := decodeJSON(resp, &out); err != nil {
		return featureflags.Flag{}, err
	}
	return out.Data, nil
}

func (c *Client) ToggleFlag(ctx context.Context, key string) (featureflags.Flag, error) {
	resp, err := c.do(ctx, http.MethodPatch, "/api/flags/"+key+"/toggle", nil)
	if err != nil {
		return featureflags.Flag{}, err
	}
	var out flagEnvelope
	if err := decodeJSON(resp, &out); err != nil {
		return featureflags.Flag{}, err
	}
	return out.Data, nil
}

func (c *Client) DeleteFlag(ctx context.Context, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/flags/"+key, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -- Evaluator ------------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, key string, user featureflags.UserContext) (featureflags.EvaluationResult, error) {
	body := evaluateRequest{
		FlagKey:    key,
		UserID:     user.UserID,
		Attributes: user.Attributes,
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/evaluate", body)
	if err != nil {
		return featureflags.EvaluationResult{}, err
	}
	var out featureflags.EvaluationResult
	if err := decodeJSON(resp, &out); err != nil {
		return featureflags.EvaluationResult{}, err
	}
	return out, nil
}

func (c *Client) EvaluateBulk(ctx context.Context, keys []string, user featureflags.UserContext) (map[string]featureflags.EvaluationResult, error) {
	body := evaluateRequest{
		FlagKeys:   keys,
		UserID:     user.UserID,
		Attributes: user.Attributes,
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/evaluate/bulk", body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Success bool                                      `json:"success"`
		Results map[string]featureflags.EvaluationResult `json:"results"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// AllFlags returns the enabled state of every flag for the given user context.
func (c *Client) AllFlags(ctx context.Context, user featureflags.UserContext) (map[string]bool, error) {
	body := evaluateRequest{
		UserID:     user.UserID,
		Attributes: user.Attributes,
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/evaluate/all", body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Success bool            `json:"success"`
		Flags   map[string]bool `json:"flags"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out.Flags, nil
}

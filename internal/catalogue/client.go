package catalogue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pipetick/pipetick/pkg/schema"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB

	pipelineFields = "id,name,enabled,execution_window,cluster_id,steps,updated"
)

// Config configures the catalogue client.
type Config struct {
	BaseURL string
	Token   string

	// Timeout bounds each pipelines fetch. Zero means the default.
	Timeout         time.Duration
	MaxResponseBody int64
}

// Client fetches pipeline definitions from the catalogue service. Definitions
// are read-only here; the catalogue owns them.
type Client struct {
	baseURL         string
	token           string
	timeout         time.Duration
	maxResponseBody int64
	httpClient      *http.Client
}

// NewClient builds a catalogue client. The base URL must include the scheme.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.ParseRequestURI(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeCatalogue, "invalid catalogue base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	return &Client{
		baseURL:         cfg.BaseURL,
		token:           cfg.Token,
		timeout:         cfg.Timeout,
		maxResponseBody: cfg.MaxResponseBody,
		httpClient:      &http.Client{},
	}, nil
}

type pipelinesEnvelope struct {
	Data []schema.Pipeline `json:"data"`
}

// Pipelines returns all pipeline definitions updated on or after the given
// date. The after parameter is compared at day granularity.
func (c *Client) Pipelines(ctx context.Context, after time.Time) ([]schema.Pipeline, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/pipelines?after=%s&fields=%s",
		c.baseURL, after.UTC().Format("2006-01-02"), url.QueryEscape(pipelineFields))

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCatalogue, "failed to create pipelines request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCatalogue, "pipelines request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCatalogue, "failed to read pipelines response").WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodeCatalogue, "catalogue returned %d", resp.StatusCode).
			WithDetails(map[string]any{"body": string(body)})
	}

	var envelope pipelinesEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, schema.NewError(schema.ErrCodeCatalogue, "failed to decode pipelines response").WithCause(err)
	}
	return envelope.Data, nil
}

// Cluster fetches the cluster definition referenced by a pipeline.
func (c *Client) Cluster(ctx context.Context, id string) (*schema.Cluster, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/clusters/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCatalogue, "failed to create cluster request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCatalogue, "cluster request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCatalogue, "failed to read cluster response").WithCause(err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "cluster %q not found", id)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodeCatalogue, "catalogue returned %d", resp.StatusCode)
	}

	var cluster schema.Cluster
	if err := json.Unmarshal(body, &cluster); err != nil {
		return nil, schema.NewError(schema.ErrCodeCatalogue, "failed to decode cluster response").WithCause(err)
	}
	return &cluster, nil
}

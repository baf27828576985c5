package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pipetick/pipetick/pkg/schema"
)

// MessageType discriminates dispatch messages.
type MessageType string

const (
	TypeExecute   MessageType = "execute"
	TypeTerminate MessageType = "terminate"
)

// Message is the payload handed to the execution backend. For terminate
// messages the workflow body is omitted.
type Message struct {
	Type          MessageType        `json:"type"`
	WorkflowID    string             `json:"workflow_id"`
	PipelineRunID string             `json:"pipeline_run_id"`
	StepRunID     string             `json:"step_run_id"`
	Cluster       *schema.Cluster    `json:"cluster,omitempty"`
	AppConfigs    *schema.AppConfigs `json:"app_configs,omitempty"`
	Workflow      json.RawMessage    `json:"workflow,omitempty"`
}

// Publisher delivers dispatch messages to the execution backend.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

const defaultPublishTimeout = 5 * time.Second

// Config configures the HTTP publisher.
type Config struct {
	Endpoint string
	Token    string

	// Timeout bounds each publish. Zero means the default.
	Timeout time.Duration
}

// HTTPPublisher posts dispatch messages to an HTTP endpoint. Messages carry
// the step run id, so the backend can deduplicate redeliveries.
type HTTPPublisher struct {
	endpoint   string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewHTTPPublisher builds an HTTP publisher. The endpoint must include the
// scheme.
func NewHTTPPublisher(cfg Config) (*HTTPPublisher, error) {
	u, err := url.ParseRequestURI(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeDispatch, "invalid dispatch endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPublishTimeout
	}
	return &HTTPPublisher{
		endpoint:   cfg.Endpoint,
		token:      cfg.Token,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{},
	}, nil
}

// Publish posts the message. Any non-2xx response is a DISPATCH_ERROR carrying
// the step run id, so callers can record the failure against the right step.
func (p *HTTPPublisher) Publish(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return schema.NewError(schema.ErrCodeDispatch, "failed to marshal dispatch message").
			WithStepRun(msg.StepRunID).WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return schema.NewError(schema.ErrCodeDispatch, "failed to create dispatch request").
			WithStepRun(msg.StepRunID).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeDispatch, "dispatch request failed: %v", err).
			WithStepRun(msg.StepRunID).WithCause(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return schema.NewErrorf(schema.ErrCodeDispatch, "dispatch endpoint returned %d", resp.StatusCode).
			WithStepRun(msg.StepRunID)
	}
	return nil
}

var _ Publisher = (*HTTPPublisher)(nil)

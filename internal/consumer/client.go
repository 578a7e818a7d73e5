package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kodless/leek/internal/model"
	"github.com/kodless/leek/pkg/config"
)

const (
	// ProcessEndpoint receives event batches; a GET on it is the readiness
	// probe.
	ProcessEndpoint = "/v1/events/process"

	agentVersion = "1.0.0"
)

// StatusPersisted means the batch was written and is safe to acknowledge.
// StatusAccepted means the collector took the batch but persisted nothing.
const (
	StatusPersisted = http.StatusCreated
	StatusAccepted  = http.StatusOK
)

// Client talks to the collector's events endpoint on behalf of one
// subscription.
type Client struct {
	baseURL string
	headers map[string]string
	http    *http.Client
}

// NewClient builds a collector client carrying the application identity
// headers for one subscription.
func NewClient(cfg config.CollectorConfig, appEnv string) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		headers: map[string]string{
			"x-requested-with": "leek-agent",
			"x-agent-version":  agentVersion,
			"x-leek-org-name":  cfg.OrgName,
			"x-leek-app-name":  cfg.AppName,
			"x-leek-app-key":   cfg.AppKey,
			"x-leek-app-env":   appEnv,
		},
		http: &http.Client{Timeout: time.Duration(cfg.TimeoutInSeconds) * time.Second},
	}
}

// ProcessEvents posts one reduced batch of event documents. It returns the
// HTTP status on any response; a transport-level failure returns an error.
// Every non-2xx status is a backoff signal for the caller: messages must
// never be acknowledged, let alone dropped, on failure.
func (c *Client) ProcessEvents(ctx context.Context, docs []model.Envelope) (int, error) {
	payload, err := json.Marshal(docs)
	if err != nil {
		return 0, fmt.Errorf("failed to encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ProcessEndpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("collector unreachable: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// Ready probes the collector's readiness endpoint.
func (c *Client) Ready(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+ProcessEndpoint, nil)
	if err != nil {
		return false
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

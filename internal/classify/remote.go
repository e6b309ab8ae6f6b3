// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pdiddy/ukb-pipeline/internal/httputil"
	"github.com/pdiddy/ukb-pipeline/pkg/types"
)

// RemoteBackend calls an external text-classification service over HTTP.
// The service contract is a JSON POST: {"text": ...} in,
// {"labels": [...]} out.
type RemoteBackend struct {
	client   *http.Client
	endpoint string
	apiKey   string
	cfg      types.ClassifyConfig
}

// NewRemoteBackend builds a backend against cfg.Endpoint. The API key may
// come from the config file or from .secrets/classifier-api-key.
func NewRemoteBackend(cfg types.ClassifyConfig) (*RemoteBackend, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("remote classifier: no endpoint configured")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteBackend{
		client:   &http.Client{Timeout: timeout},
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		cfg:      cfg,
	}, nil
}

// Name returns the backend identifier.
func (b *RemoteBackend) Name() string { return "remote" }

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Labels []string `json:"labels"`
}

// Classify sends the text to the remote service. Rate-limit and server
// errors are retried by httputil.DoWithRetry before this method reports
// failure to the caller's own retry loop.
func (b *RemoteBackend) Classify(ctx context.Context, text string) ([]string, error) {
	payload, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", b.cfg.UserAgent)
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := httputil.DoWithRetry(ctx, b.client, req, b.cfg.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned HTTP %d", resp.StatusCode)
	}

	var cr classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("parsing classifier response: %w", err)
	}
	return cr.Labels, nil
}

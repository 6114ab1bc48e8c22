// Package provider holds the HTTP adapter for generation services.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/ignatij/genflow/pkg/provider"
	"github.com/pkg/errors"
)

// ErrNotConfigured is returned by providers without a base URL.
var ErrNotConfigured = errors.New("provider not configured")

type dispatchResponse struct {
	ID string `json:"id"`
}

// HTTPProvider talks to a generation service that accepts
// POST {base}/operations and answers GET {base}/operations/{id}.
type HTTPProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(name, baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Dispatch(ctx context.Context, params provider.Params) (string, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return "", errors.Wrapf(err, "failed to encode %s request", p.name)
	}
	var out dispatchResponse
	if err := p.do(ctx, http.MethodPost, "/operations", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%s returned no operation id", p.name)
	}
	return out.ID, nil
}

func (p *HTTPProvider) PollStatus(ctx context.Context, operationID string) (provider.PollResult, error) {
	var out provider.PollResult
	if err := p.do(ctx, http.MethodGet, "/operations/"+url.PathEscape(operationID), nil, &out); err != nil {
		return provider.PollResult{}, err
	}
	if out.Status == "" {
		return provider.PollResult{}, fmt.Errorf("%s returned no status for operation %s", p.name, operationID)
	}
	return out, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body []byte, out any) error {
	if p.baseURL == "" {
		return errors.Wrap(ErrNotConfigured, p.name)
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return errors.Wrapf(err, "failed to build %s request", p.name)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s request failed", p.name)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrapf(err, "failed to read %s response", p.name)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "failed to decode %s response", p.name)
	}
	return nil
}

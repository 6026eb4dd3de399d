// Package httpclient implements syncclientengine.Remote over HTTP against
// internal/transport/httpapi's server: bearer-auth header, JSON body
// marshal/unmarshal, and status-code-to-error mapping.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/replikit/sync/internal/syncmodel"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// Client is the HTTP-backed implementation of syncclientengine.Remote.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

type pushRequest struct {
	Operations []syncmodel.Operation `json:"operations"`
}

func (c *Client) Push(ctx context.Context, ops []syncmodel.Operation) (syncmodel.PushResult, error) {
	var result syncmodel.PushResult
	err := c.do(ctx, http.MethodPost, "/sync/push", pushRequest{Operations: ops}, &result)
	return result, err
}

func (c *Client) Pull(ctx context.Context, since time.Time) ([]syncmodel.Operation, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var body struct {
		Operations []syncmodel.Operation `json:"operations"`
	}
	path := "/sync/pull"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	err := c.do(ctx, http.MethodGet, path, nil, &body)
	return body.Operations, err
}

type resolveRequest struct {
	Conflict   syncmodel.Conflict `json:"conflict"`
	Resolution string             `json:"resolution"`
}

func (c *Client) Resolve(ctx context.Context, conflict syncmodel.Conflict, resolution string) (syncmodel.Operation, error) {
	var result syncmodel.PushResult
	err := c.do(ctx, http.MethodPost, "/sync/resolve", resolveRequest{Conflict: conflict, Resolution: resolution}, &result)
	if err != nil {
		return syncmodel.Operation{}, err
	}
	return conflict.Operation, nil
}

// Snapshot fetches every row across every table, tombstoned rows included
// as delete operations, for first-sync bootstrap.
func (c *Client) Snapshot(ctx context.Context) ([]syncmodel.Operation, error) {
	var body struct {
		Operations []syncmodel.Operation `json:"operations"`
	}
	err := c.do(ctx, http.MethodGet, "/sync/snapshot", nil, &body)
	return body.Operations, err
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return ErrUnauthorized
		case http.StatusForbidden:
			return ErrForbidden
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

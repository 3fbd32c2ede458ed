package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// EdgeBackend talks to a remote edge key/value service over HTTP. The
// service exposes item reads at GET {base}/item/{key} and batched upserts at
// POST {base}/items. It offers no transactional guarantees; the engine's
// relative-delta discipline is the only defense against concurrent writers.
type EdgeBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

type edgeUpsertItem struct {
	Operation string          `json:"operation"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
}

// NewEdgeBackend builds a backend for the given endpoint. The timeout bounds
// every round trip; a slow edge store surfaces as a retryable failure, never
// as an indefinite block.
func NewEdgeBackend(baseURL, token string, timeout time.Duration) (*EdgeBackend, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("edge backend URL required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("parse edge backend URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EdgeBackend{
		baseURL: trimmed,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (b *EdgeBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/item/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, false, err
	}
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("edge get %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, fmt.Errorf("edge read %s: %w", key, err)
		}
		return body, true, nil
	case http.StatusNotFound:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("edge get %s: unexpected status %d", key, resp.StatusCode)
	}
}

func (b *EdgeBackend) Upsert(ctx context.Context, key string, value []byte) error {
	payload, err := json.Marshal(struct {
		Items []edgeUpsertItem `json:"items"`
	}{
		Items: []edgeUpsertItem{{Operation: "upsert", Key: key, Value: value}},
	})
	if err != nil {
		return fmt.Errorf("marshal edge upsert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/items", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("edge upsert %s: %w", key, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("edge upsert %s: unexpected status %d", key, resp.StatusCode)
	}
	return nil
}

func (b *EdgeBackend) Close() error { return nil }

func (b *EdgeBackend) authorize(req *http.Request) {
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
}

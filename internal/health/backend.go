package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnexpectedStatus is returned for non-2xx backend responses.
var ErrUnexpectedStatus = errors.New("health: unexpected status")

// ErrUnreadableStatus is returned when /health answered 2xx with a body that
// is not a status document. The backend is still reachable.
var ErrUnreadableStatus = errors.New("health: unreadable status body")

// Status is the body of GET /health.
type Status struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	ActiveSessions int    `json:"active_sessions"`
}

// ResetResult is the body of GET /system/quick_reset.
type ResetResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	ClearedCounts struct {
		Total int `json:"total"`
	} `json:"cleared_counts"`
}

// Backend talks to the knowledge-graph backend's plain HTTP endpoints.
type Backend struct {
	baseURL string
	client  *http.Client
}

// NewBackend creates a Backend for baseURL. A nil client gets a 30s timeout.
func NewBackend(baseURL string, client *http.Client) *Backend {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Backend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// BaseURL returns the backend base URL without a trailing slash.
func (b *Backend) BaseURL() string {
	return b.baseURL
}

// Health fetches GET /health. A 2xx whose body cannot be decoded returns an
// empty Status and an error wrapping ErrUnreadableStatus.
func (b *Backend) Health(ctx context.Context) (Status, error) {
	resp, err := b.do(ctx, http.MethodGet, "/health")
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnreadableStatus, err)
	}
	return st, nil
}

// QuickReset asks the backend to drop all sessions and graph state.
func (b *Backend) QuickReset(ctx context.Context) (ResetResult, error) {
	var res ResetResult
	err := b.getJSON(ctx, http.MethodGet, "/system/quick_reset", &res)
	return res, err
}

// ClearData clears the backend's stored memory.
func (b *Backend) ClearData(ctx context.Context) error {
	return b.getJSON(ctx, http.MethodPost, "/ui_test/clear_data", nil)
}

// Export streams the knowledge graph of sessionID into w.
func (b *Backend) Export(ctx context.Context, sessionID string, w io.Writer) (int64, error) {
	resp, err := b.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/export")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("health: export %s: %w", sessionID, err)
	}
	return n, nil
}

func (b *Backend) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("health: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health: %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %s: %d %s", ErrUnexpectedStatus, method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func (b *Backend) getJSON(ctx context.Context, method, path string, out any) error {
	resp, err := b.do(ctx, method, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("health: decode %s: %w", path, err)
	}
	return nil
}

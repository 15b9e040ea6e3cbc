// Package similarity is the client side of the external similarity search
// collaborator: given text, it returns the nearest record ids. Ranking
// happens in the external service; this package only transports queries
// and index segments.
package similarity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rcliao/memtier/internal/model"
)

// ErrNotConfigured is returned when no similarity service is configured.
var ErrNotConfigured = errors.New("similarity lookup not configured")

// Query asks for the records nearest to Text. An empty Tier searches all tiers.
type Query struct {
	Text  string     `json:"text"`
	Tier  model.Tier `json:"tier,omitempty"`
	Limit int        `json:"limit"`
}

// Hit is one nearest record.
type Hit struct {
	Tier  model.Tier `json:"tier"`
	ID    string     `json:"id"`
	Score float64    `json:"score"`
}

// Lookup returns the records nearest to a query text.
type Lookup interface {
	Nearest(ctx context.Context, q Query) ([]Hit, error)
}

// Indexer accepts segments for indexing.
type Indexer interface {
	Index(ctx context.Context, segments []Segment) error
}

// HTTPLookup talks JSON to an external search service exposing
// POST /nearest and POST /index.
type HTTPLookup struct {
	baseURL string
	client  *http.Client
}

type nearestResponse struct {
	Hits []Hit `json:"hits"`
}

type indexRequest struct {
	Segments []Segment `json:"segments"`
}

// NewHTTPLookup creates a client for the service at baseURL.
func NewHTTPLookup(baseURL string, timeout time.Duration) *HTTPLookup {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPLookup{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Nearest implements Lookup.
func (l *HTTPLookup) Nearest(ctx context.Context, q Query) ([]Hit, error) {
	var resp nearestResponse
	if err := l.post(ctx, "/nearest", q, &resp); err != nil {
		return nil, err
	}
	return resp.Hits, nil
}

// Index implements Indexer.
func (l *HTTPLookup) Index(ctx context.Context, segments []Segment) error {
	if len(segments) == 0 {
		return nil
	}
	return l.post(ctx, "/index", indexRequest{Segments: segments}, nil)
}

func (l *HTTPLookup) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("similarity request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("similarity error %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode similarity response: %w", err)
	}
	return nil
}

// Package docs serves deployment-guide snippets from a vector store, so
// "how do I ..." questions get an answer instead of a provisioning attempt.
package docs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Guide is one retrieved documentation snippet.
type Guide struct {
	ID           string
	Title        string
	Content      string
	ResourceType string
	Score        float32
}

// Searcher performs vector similarity search over the guide collection.
type Searcher interface {
	Search(ctx context.Context, vector []float32, limit int) ([]Guide, error)
	Close() error
}

// Embedder turns query text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPEmbedder calls an embeddings endpoint.
type HTTPEmbedder struct {
	url  string
	http *http.Client
}

// NewHTTPEmbedder creates an embedder for the given endpoint.
func NewHTTPEmbedder(url string) *HTTPEmbedder {
	return &HTTPEmbedder{url: url, http: &http.Client{}}
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]string{"input": text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embed request: status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("embedding endpoint returned no vector")
	}
	return out.Embedding, nil
}

// Service answers documentation queries. It satisfies the orchestrator's
// GuideSource interface.
type Service struct {
	searcher Searcher
	embedder Embedder
	minScore float32
	limit    int
}

// NewService creates a guide service.
func NewService(searcher Searcher, embedder Embedder) *Service {
	return &Service{
		searcher: searcher,
		embedder: embedder,
		minScore: 0.55,
		limit:    3,
	}
}

// Answer retrieves the best-matching guides for the query. found is false
// when nothing scores above the relevance floor.
func (s *Service) Answer(ctx context.Context, query string) (string, bool, error) {
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return "", false, fmt.Errorf("embed query: %w", err)
	}

	guides, err := s.searcher.Search(ctx, vector, s.limit)
	if err != nil {
		return "", false, fmt.Errorf("search guides: %w", err)
	}

	var kept []Guide
	for _, g := range guides {
		if g.Score >= s.minScore && g.Content != "" {
			kept = append(kept, g)
		}
	}
	if len(kept) == 0 {
		return "", false, nil
	}

	var b strings.Builder
	for i, g := range kept {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if g.Title != "" {
			b.WriteString(g.Title)
			b.WriteString(": ")
		}
		b.WriteString(strings.TrimSpace(g.Content))
	}
	return b.String(), true, nil
}

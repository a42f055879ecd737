package docs

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig holds connection settings for the guide collection.
type QdrantConfig struct {
	URL        string
	Collection string
	APIKey     string
}

// QdrantSearcher implements Searcher on a Qdrant collection whose points
// carry title/content/resource_type payload fields.
type QdrantSearcher struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantSearcher connects to Qdrant.
func NewQdrantSearcher(cfg QdrantConfig) (*QdrantSearcher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}

	raw := cfg.URL
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant url: %w", err)
	}

	host := u.Hostname()
	port := 6334
	if u.Port() != "" {
		p, err := strconv.Atoi(u.Port())
		if err != nil {
			return nil, fmt.Errorf("invalid qdrant port: %w", err)
		}
		port = p
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	return &QdrantSearcher{client: client, collection: cfg.Collection}, nil
}

// Search implements Searcher.
func (s *QdrantSearcher) Search(ctx context.Context, vector []float32, limit int) ([]Guide, error) {
	limitU := uint64(limit)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limitU,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	guides := make([]Guide, 0, len(points))
	for _, point := range points {
		g := Guide{Score: point.Score}
		if point.Id != nil {
			if uuid := point.Id.GetUuid(); uuid != "" {
				g.ID = uuid
			} else if num := point.Id.GetNum(); num != 0 {
				g.ID = strconv.FormatUint(num, 10)
			}
		}
		for k, v := range point.Payload {
			switch k {
			case "title":
				g.Title = v.GetStringValue()
			case "content":
				g.Content = v.GetStringValue()
			case "resource_type":
				g.ResourceType = v.GetStringValue()
			}
		}
		guides = append(guides, g)
	}
	return guides, nil
}

// Close implements Searcher.
func (s *QdrantSearcher) Close() error {
	return s.client.Close()
}

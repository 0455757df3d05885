package retrieval

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"studyforge/backend/internal/middleware"
)

// SearchResult is one retrieved chunk with its cosine similarity to
// the query.
type SearchResult struct {
	MaterialID string  `json:"materialId"`
	Title      string  `json:"title,omitempty"`
	ChunkIndex int     `json:"chunkIndex"`
	Content    string  `json:"content"`
	Score      float32 `json:"score"`
}

// SearchOptions narrows a search. A zero MaterialID searches all
// materials the requester may see.
type SearchOptions struct {
	MaterialID string
	Limit      *int
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkSearcher runs similarity search over indexed chunks. Only
// chunks of completed index versions are visible, and only from
// materials the requester owns or that are public.
type ChunkSearcher interface {
	Search(ctx context.Context, vector []float32, requesterID, materialID string, minScore float32, limit int) ([]SearchResult, error)
}

type Service struct {
	embedder Embedder
	store    ChunkSearcher
	minScore float32
	topK     int
	logger   *QueryLogger
}

func NewService(e Embedder, s ChunkSearcher, minScore float32, topK int, l *QueryLogger) *Service {
	return &Service{embedder: e, store: s, minScore: minScore, topK: topK, logger: l}
}

// Search embeds the query and returns the most similar chunks the
// requester may see. Retrieval is best-effort: embedder or store
// failures are logged and degrade to an empty result instead of
// failing the caller.
func (s *Service) Search(ctx context.Context, requesterID, query string, opts *SearchOptions) []SearchResult {
	start := time.Now()
	results := []SearchResult{}
	degraded := false

	limit := s.topK
	materialID := ""
	if opts != nil {
		if opts.Limit != nil && *opts.Limit > 0 {
			limit = *opts.Limit
		}
		materialID = opts.MaterialID
	}

	defer func() {
		if s.logger != nil {
			s.logger.Log(QueryLogEntry{
				Query:         query,
				MaterialID:    materialID,
				K:             limit,
				NumResults:    len(results),
				Degraded:      degraded,
				Duration:      time.Since(start),
				CorrelationID: middleware.GetCorrelationID(ctx),
			})
		}
	}()

	if strings.TrimSpace(query) == "" {
		return results
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		slog.ErrorContext(ctx, "query embedding failed, returning empty result", "error", err)
		degraded = true
		return results
	}

	docs, err := s.store.Search(ctx, vec, requesterID, materialID, s.minScore, limit)
	if err != nil {
		slog.ErrorContext(ctx, "chunk search failed, returning empty result", "error", err)
		degraded = true
		return results
	}

	results = docs
	return results
}

package index

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"studyforge/backend/internal/text"
)

// Chunk is one embedded retrieval unit of a material version.
type Chunk struct {
	ID              string
	MaterialID      string
	MaterialVersion int
	Index           int
	Content         string
	Embedding       []float32
}

type Embedder interface {
	Embed(ctx context.Context, input string) ([]float32, error)
}

type ChunkRepo interface {
	ExistingIndexes(ctx context.Context, materialID string, version int) (map[int]bool, error)
	InsertChunk(ctx context.Context, c Chunk) error
	MarkComplete(ctx context.Context, materialID string, version, chunkCount int) error
}

type Indexer struct {
	repo        ChunkRepo
	embedder    Embedder
	chunkTokens int
	overlap     int
	concurrency int
}

func NewIndexer(repo ChunkRepo, embedder Embedder, chunkTokens, overlapTokens, concurrency int) *Indexer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Indexer{
		repo:        repo,
		embedder:    embedder,
		chunkTokens: chunkTokens,
		overlap:     overlapTokens,
		concurrency: concurrency,
	}
}

// Index chunks the cleaned document, embeds whatever is not yet
// persisted for this material version, and writes the completion mark
// once the full set exists. Re-running after a partial failure skips
// the chunks that already made it; each successful chunk is inserted
// immediately, so a sibling's failure never rolls it back.
func (ix *Indexer) Index(ctx context.Context, materialID string, version int, cleaned string) (int, error) {
	bodies := text.ChunkText(cleaned, ix.chunkTokens, ix.overlap)

	existing, err := ix.repo.ExistingIndexes(ctx, materialID, version)
	if err != nil {
		return 0, fmt.Errorf("load existing chunks: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.concurrency)

	for i, body := range bodies {
		if existing[i] {
			continue
		}
		g.Go(func() error {
			vec, err := ix.embedder.Embed(gctx, body)
			if err != nil {
				return fmt.Errorf("embed chunk %d: %w", i, err)
			}
			err = ix.repo.InsertChunk(gctx, Chunk{
				MaterialID:      materialID,
				MaterialVersion: version,
				Index:           i,
				Content:         body,
				Embedding:       vec,
			})
			if err != nil {
				return fmt.Errorf("store chunk %d: %w", i, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := ix.repo.MarkComplete(ctx, materialID, version, len(bodies)); err != nil {
		return 0, fmt.Errorf("mark index complete: %w", err)
	}

	slog.InfoContext(ctx, "material indexed",
		"material_id", materialID, "version", version,
		"chunks", len(bodies), "embedded", len(bodies)-len(existing))
	return len(bodies), nil
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"studyforge/backend/internal/extract"
	"studyforge/backend/internal/segment"
	"studyforge/backend/internal/storage"
	"studyforge/backend/internal/text"
)

// Document is the runner's view of a material under processing. The
// claim triple (ID, Version, JobID) conditions every write the run
// makes.
type Document struct {
	ID       string
	JobID    string
	Version  int
	FileURL  string
	MimeType string
}

// DocumentStore is the conditional bookkeeping behind the pipeline.
// Advancing writes compare against the claim and report ok=false when
// the claim was lost to a newer run.
type DocumentStore interface {
	Claim(ctx context.Context, id, jobID string) (Document, bool, error)
	MarkOCR(ctx context.Context, doc Document) (bool, error)
	SaveExtracted(ctx context.Context, doc Document, content, source string, from Status) (bool, error)
	SaveCleaned(ctx context.Context, doc Document, content string) (bool, error)
	Complete(ctx context.Context, doc Document) (bool, error)
	Fail(ctx context.Context, id, jobID, reason string) error
}

// BlobFetcher loads the uploaded file bytes.
type BlobFetcher interface {
	Fetch(ctx context.Context, fileURL string) ([]byte, error)
}

// Extractor produces text from file bytes. needOCR from Extract means
// the caller should record the OCR branch and call ExtractOCR.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (extract.Result, bool, error)
	ExtractOCR(ctx context.Context, data []byte, mimeType string) (extract.Result, error)
}

// SegmentStore persists the segment set for a claimed run.
type SegmentStore interface {
	ReplaceAll(ctx context.Context, materialID string, version int, jobID string, segs []segment.Segment) (bool, error)
}

// Indexer chunks, embeds and marks the material searchable.
type Indexer interface {
	Index(ctx context.Context, materialID string, version int, cleaned string) (int, error)
}

// Runner drives one material through extraction, cleaning,
// segmentation and indexing.
type Runner struct {
	docs           DocumentStore
	files          BlobFetcher
	extractor      Extractor
	segments       SegmentStore
	indexer        Indexer
	fallbackTokens int
}

func NewRunner(docs DocumentStore, files BlobFetcher, extractor Extractor, segments SegmentStore, indexer Indexer, fallbackTokens int) *Runner {
	return &Runner{
		docs:           docs,
		files:          files,
		extractor:      extractor,
		segments:       segments,
		indexer:        indexer,
		fallbackTokens: fallbackTokens,
	}
}

// Run processes the material from scratch for one delivery. Every
// write is conditional on the claim taken here; a run that lost its
// claim stops with ErrSuperseded instead of clobbering a newer run's
// output. Errors carry a StageError telling the worker whether to
// retry.
func (r *Runner) Run(ctx context.Context, materialID, jobID string) error {
	doc, ok, err := r.docs.Claim(ctx, materialID, jobID)
	if err != nil {
		return &StageError{Stage: StatusPending, Err: fmt.Errorf("claim material: %w", err), Transient: true}
	}
	if !ok {
		return ErrSuperseded
	}
	slog.InfoContext(ctx, "pipeline run started",
		"material_id", doc.ID, "job_id", jobID, "version", doc.Version)

	data, err := r.files.Fetch(ctx, doc.FileURL)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &StageError{Stage: StatusExtracting, Err: err}
		}
		return &StageError{Stage: StatusExtracting, Err: fmt.Errorf("fetch file: %w", err), Transient: true}
	}

	res, needOCR, err := r.extractor.Extract(ctx, data, doc.MimeType)
	if err != nil {
		return &StageError{Stage: StatusExtracting, Err: err}
	}

	stage := StatusExtracting
	if needOCR {
		if err := r.step(ctx, doc, StatusExtracting, StatusOCRExtracting, func() (bool, error) {
			return r.docs.MarkOCR(ctx, doc)
		}); err != nil {
			return err
		}
		stage = StatusOCRExtracting

		res, err = r.extractor.ExtractOCR(ctx, data, doc.MimeType)
		if err != nil {
			if errors.Is(err, extract.ErrNoText) {
				return &StageError{Stage: StatusOCRExtracting, Err: err}
			}
			return &StageError{Stage: StatusOCRExtracting, Err: err, Transient: true}
		}
	}
	slog.InfoContext(ctx, "extraction complete",
		"material_id", doc.ID, "source", res.Source, "chars", len(res.Text), "pages", len(res.Pages))

	if err := r.step(ctx, doc, stage, StatusCleaning, func() (bool, error) {
		return r.docs.SaveExtracted(ctx, doc, res.Text, string(res.Source), stage)
	}); err != nil {
		return err
	}

	pages, cleaned := r.clean(ctx, res)
	if cleaned.Text == "" {
		return &StageError{Stage: StatusCleaning, Err: extract.ErrNoText}
	}

	if err := r.step(ctx, doc, StatusCleaning, StatusSegmenting, func() (bool, error) {
		return r.docs.SaveCleaned(ctx, doc, cleaned.Text)
	}); err != nil {
		return err
	}

	segs := segment.Build(pages, cleaned.Text, string(res.Source), r.fallbackTokens)
	if len(segs) == 0 {
		return &StageError{Stage: StatusSegmenting, Err: extract.ErrNoText}
	}
	ok, err = r.segments.ReplaceAll(ctx, doc.ID, doc.Version, doc.JobID, segs)
	if err != nil {
		return &StageError{Stage: StatusSegmenting, Err: fmt.Errorf("replace segments: %w", err), Transient: true}
	}
	if !ok {
		return ErrSuperseded
	}
	slog.InfoContext(ctx, "segmentation complete", "material_id", doc.ID, "segments", len(segs))

	chunks, err := r.indexer.Index(ctx, doc.ID, doc.Version, cleaned.Text)
	if err != nil {
		return &StageError{Stage: StatusSegmenting, Err: fmt.Errorf("index chunks: %w", err), Transient: true}
	}

	if err := r.step(ctx, doc, StatusSegmenting, StatusCompleted, func() (bool, error) {
		return r.docs.Complete(ctx, doc)
	}); err != nil {
		return err
	}

	slog.InfoContext(ctx, "pipeline run complete",
		"material_id", doc.ID, "job_id", jobID, "segments", len(segs), "chunks", chunks)
	return nil
}

// Fail marks the document failed and releases its claim. The job row
// keeps the full error separately.
func (r *Runner) Fail(ctx context.Context, materialID, jobID, reason string) error {
	return r.docs.Fail(ctx, materialID, jobID, reason)
}

func (r *Runner) step(ctx context.Context, doc Document, from, to Status, apply func() (bool, error)) error {
	if !CanTransition(from, to) {
		return &StageError{Stage: from, Err: fmt.Errorf("illegal transition %s to %s", from, to)}
	}
	ok, err := apply()
	if err != nil {
		return &StageError{Stage: from, Err: err, Transient: true}
	}
	if !ok {
		return ErrSuperseded
	}
	slog.DebugContext(ctx, "stage advanced", "material_id", doc.ID, "from", from, "to", to)
	return nil
}

// clean normalizes extraction output, preferring the page-preserving
// path. Degraded cleaning keeps the raw text and is never fatal.
func (r *Runner) clean(ctx context.Context, res extract.Result) ([]text.Page, text.CleanResult) {
	if len(res.Pages) > 0 {
		pages, cleaned := text.CleanPages(res.Pages)
		if cleaned.Degraded {
			slog.WarnContext(ctx, "cleaning degraded, using raw text", "reason", cleaned.Reason)
		}
		return pages, cleaned
	}

	cleaned := text.Clean(res.Text)
	if cleaned.Degraded {
		slog.WarnContext(ctx, "cleaning degraded, using raw text", "reason", cleaned.Reason)
	}
	return nil, cleaned
}

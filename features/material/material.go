package material

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"studyforge/backend/internal/monitor"
	"studyforge/backend/internal/pipeline"
	"studyforge/backend/internal/queue"
	"studyforge/backend/internal/segment"
)

const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

// Business-visible states. End users only ever see whether a material
// is ready for study features; the pipeline detail stays in
// ProcessingStatus.
const (
	StatusPending = "PENDING"
	StatusReady   = "READY"
)

func statusOf(s pipeline.Status) string {
	if s == pipeline.StatusCompleted {
		return StatusReady
	}
	return StatusPending
}

var (
	// ErrForbidden is returned when the requester can read a material
	// but does not own it.
	ErrForbidden = errors.New("material is not owned by requester")

	// ErrNotReady is returned when a derived artifact is requested
	// before processing completed.
	ErrNotReady = errors.New("material is not processed yet")
)

// Material is an uploaded study document. FileURL is the store-relative
// key of the original upload; Content fills in as the pipeline runs and
// ends up holding the canonical cleaned text.
type Material struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"ownerId"`
	Visibility       string          `json:"visibility"`
	Title            string          `json:"title"`
	FileURL          string          `json:"fileUrl"`
	MimeType         string          `json:"mimeType"`
	Status           string          `json:"status"`
	ProcessingStatus pipeline.Status `json:"processingStatus"`
	ProcessingError  string          `json:"processingError,omitempty"`
	ExtractionSource string          `json:"extractionSource,omitempty"`
	Version          int             `json:"version"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

type Repository interface {
	Create(ctx context.Context, m *Material) error
	GetVisible(ctx context.Context, id, requesterID string) (*Material, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Material, error)
	Delete(ctx context.Context, id, ownerID string) error

	// Reprocess bumps the version and resets the document to PENDING.
	Reprocess(ctx context.Context, id string) (*Material, error)
	// ReplaceFile swaps the stored object, bumps the version and
	// resets the document to PENDING.
	ReplaceFile(ctx context.Context, id, fileURL, mimeType string) (*Material, error)
	ResetFailed(ctx context.Context) ([]monitor.StaleMaterial, error)

	Artifact(ctx context.Context, id, kind string) (string, int, error)
	SaveArtifact(ctx context.Context, id, kind, content string, version int) error
	ClearArtifacts(ctx context.Context, id string) error
}

type FileStore interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
}

type JobQueue interface {
	Enqueue(ctx context.Context, materialID, fileURL string) (*queue.Job, error)
}

type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	CompleteJSON(ctx context.Context, system, prompt string) (string, error)
}

type SegmentLister interface {
	ListByMaterial(ctx context.Context, materialID string) ([]segment.Segment, error)
}

type Service struct {
	repo          Repository
	files         FileStore
	queue         JobQueue
	completer     Completer
	segments      SegmentLister
	contextBudget int
}

func NewService(repo Repository, files FileStore, q JobQueue, completer Completer, segments SegmentLister, contextBudget int) *Service {
	return &Service{
		repo:          repo,
		files:         files,
		queue:         q,
		completer:     completer,
		segments:      segments,
		contextBudget: contextBudget,
	}
}

type UploadInput struct {
	Title      string
	Visibility string
	Filename   string
	MimeType   string
	Data       []byte
}

func (s *Service) Upload(ctx context.Context, ownerID string, in UploadInput) (*Material, error) {
	if in.Visibility == "" {
		in.Visibility = VisibilityPrivate
	}
	if in.Visibility != VisibilityPrivate && in.Visibility != VisibilityPublic {
		return nil, fmt.Errorf("invalid visibility %q", in.Visibility)
	}

	// 1. Persist the file under a collision-free key.
	key := fmt.Sprintf("materials/%s_%s", uuid.New().String(), filepath.Base(in.Filename))
	if err := s.files.Save(ctx, key, in.Data, in.MimeType); err != nil {
		return nil, fmt.Errorf("save upload: %w", err)
	}

	// 2. Record the material as PENDING.
	m := &Material{
		OwnerID:          ownerID,
		Visibility:       in.Visibility,
		Title:            in.Title,
		FileURL:          key,
		MimeType:         in.MimeType,
		Status:           StatusPending,
		ProcessingStatus: pipeline.StatusPending,
		Version:          1,
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, err
	}

	// 3. Hand it to the pipeline. A failed enqueue is not fatal here,
	// the stale sweep picks the document up again.
	if _, err := s.queue.Enqueue(ctx, m.ID, m.FileURL); err != nil {
		slog.ErrorContext(ctx, "failed to enqueue processing job", "material_id", m.ID, "error", err)
	}

	return m, nil
}

func (s *Service) Get(ctx context.Context, id, requesterID string) (*Material, error) {
	return s.repo.GetVisible(ctx, id, requesterID)
}

func (s *Service) List(ctx context.Context, ownerID string) ([]Material, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

func (s *Service) Delete(ctx context.Context, id, requesterID string) error {
	m, err := s.repo.GetVisible(ctx, id, requesterID)
	if err != nil {
		return err
	}
	if m.OwnerID != requesterID {
		return ErrForbidden
	}

	// Chunks, segments and jobs go with the row. The stored file is
	// best effort, an orphan upload is only disk space.
	if err := s.repo.Delete(ctx, id, requesterID); err != nil {
		return err
	}
	if err := s.files.Delete(ctx, m.FileURL); err != nil {
		slog.WarnContext(ctx, "failed to delete stored file", "material_id", id, "key", m.FileURL, "error", err)
	}
	return nil
}

// Reprocess restarts the pipeline for a material the requester owns.
// The version bump takes the old chunks out of retrieval until the new
// run indexes.
func (s *Service) Reprocess(ctx context.Context, id, requesterID string) (*Material, error) {
	m, err := s.repo.GetVisible(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}
	if m.OwnerID != requesterID {
		return nil, ErrForbidden
	}
	return s.reprocess(ctx, id)
}

// ForceReprocess restarts the pipeline regardless of owner or current
// state. Operator use only.
func (s *Service) ForceReprocess(ctx context.Context, id string) (*Material, error) {
	return s.reprocess(ctx, id)
}

type ReplaceFileInput struct {
	Filename string
	MimeType string
	Data     []byte
}

// ReplaceFile swaps the uploaded document for new content and restarts
// the pipeline. Like Reprocess, the superseded content drops out of
// retrieval until the new version indexes.
func (s *Service) ReplaceFile(ctx context.Context, id, requesterID string, in ReplaceFileInput) (*Material, error) {
	m, err := s.repo.GetVisible(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}
	if m.OwnerID != requesterID {
		return nil, ErrForbidden
	}

	key := fmt.Sprintf("materials/%s_%s", uuid.New().String(), filepath.Base(in.Filename))
	if err := s.files.Save(ctx, key, in.Data, in.MimeType); err != nil {
		return nil, fmt.Errorf("save upload: %w", err)
	}

	updated, err := s.repo.ReplaceFile(ctx, id, key, in.MimeType)
	if err != nil {
		return nil, err
	}

	if err := s.files.Delete(ctx, m.FileURL); err != nil {
		slog.WarnContext(ctx, "failed to delete replaced file", "material_id", id, "key", m.FileURL, "error", err)
	}
	if _, err := s.queue.Enqueue(ctx, updated.ID, updated.FileURL); err != nil {
		slog.ErrorContext(ctx, "failed to enqueue processing job", "material_id", updated.ID, "error", err)
	}

	slog.InfoContext(ctx, "material file replaced", "material_id", updated.ID, "version", updated.Version)
	return updated, nil
}

func (s *Service) reprocess(ctx context.Context, id string) (*Material, error) {
	m, err := s.repo.Reprocess(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.queue.Enqueue(ctx, m.ID, m.FileURL); err != nil {
		slog.ErrorContext(ctx, "failed to enqueue processing job", "material_id", m.ID, "error", err)
	}
	slog.InfoContext(ctx, "material reprocess requested", "material_id", m.ID, "version", m.Version)
	return m, nil
}

// ReprocessFailed returns every failed material to the queue. Failed
// documents are never retried automatically, this is the operator's
// lever.
func (s *Service) ReprocessFailed(ctx context.Context) (int, error) {
	failed, err := s.repo.ResetFailed(ctx)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, mat := range failed {
		if _, err := s.queue.Enqueue(ctx, mat.ID, mat.FileURL); err != nil {
			slog.ErrorContext(ctx, "failed to requeue material", "material_id", mat.ID, "error", err)
			continue
		}
		requeued++
	}
	return requeued, nil
}

// Segments exposes the stored segment set, mainly for operators
// checking what the pipeline produced.
func (s *Service) Segments(ctx context.Context, id string) ([]segment.Segment, error) {
	return s.segments.ListByMaterial(ctx, id)
}

// ClearArtifacts drops the cached derived artifacts so the next request
// regenerates them.
func (s *Service) ClearArtifacts(ctx context.Context, id string) error {
	return s.repo.ClearArtifacts(ctx, id)
}

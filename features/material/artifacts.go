package material

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"studyforge/backend/internal/pipeline"
	"studyforge/backend/internal/segment"
	"studyforge/backend/internal/text"
)

// Artifact kinds cached per material version. The cache key is the
// material version: a reprocess invalidates everything at once.
const (
	ArtifactSummary    = "summary"
	ArtifactKeyPoints  = "key_points"
	ArtifactQuiz       = "quiz"
	ArtifactFlashcards = "flashcards"
)

type artifactSpec struct {
	system string
	prompt string
	json   bool
}

var artifactSpecs = map[string]artifactSpec{
	ArtifactSummary: {
		system: "You are a study assistant. You summarize course material faithfully, without inventing facts.",
		prompt: "Summarize the study material titled %q in a few short paragraphs:\n\n%s",
	},
	ArtifactKeyPoints: {
		system: "You are a study assistant. You extract the essential points from course material.",
		prompt: "List the key points of the study material titled %q as a JSON array of strings:\n\n%s",
		json:   true,
	},
	ArtifactQuiz: {
		system: "You are a study assistant. You write multiple choice questions grounded in the given material.",
		prompt: "Write a quiz for the study material titled %q as JSON: {\"questions\":[{\"question\":string,\"options\":[string],\"answerIndex\":int}]}. Base every question on the material:\n\n%s",
		json:   true,
	},
	ArtifactFlashcards: {
		system: "You are a study assistant. You turn course material into flashcards.",
		prompt: "Create flashcards for the study material titled %q as JSON: [{\"front\":string,\"back\":string}]. Cover the material evenly:\n\n%s",
		json:   true,
	},
}

func (s *Service) Summary(ctx context.Context, id, requesterID string) (string, error) {
	return s.artifact(ctx, id, requesterID, ArtifactSummary)
}

func (s *Service) KeyPoints(ctx context.Context, id, requesterID string) (json.RawMessage, error) {
	return s.jsonArtifact(ctx, id, requesterID, ArtifactKeyPoints)
}

func (s *Service) Quiz(ctx context.Context, id, requesterID string) (json.RawMessage, error) {
	return s.jsonArtifact(ctx, id, requesterID, ArtifactQuiz)
}

func (s *Service) Flashcards(ctx context.Context, id, requesterID string) (json.RawMessage, error) {
	return s.jsonArtifact(ctx, id, requesterID, ArtifactFlashcards)
}

func (s *Service) jsonArtifact(ctx context.Context, id, requesterID, kind string) (json.RawMessage, error) {
	out, err := s.artifact(ctx, id, requesterID, kind)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

func (s *Service) artifact(ctx context.Context, id, requesterID, kind string) (string, error) {
	m, err := s.repo.GetVisible(ctx, id, requesterID)
	if err != nil {
		return "", err
	}
	if m.ProcessingStatus != pipeline.StatusCompleted {
		return "", ErrNotReady
	}

	// 1. Serve from cache while the version matches.
	cached, version, err := s.repo.Artifact(ctx, id, kind)
	if err != nil {
		slog.WarnContext(ctx, "artifact cache read failed", "material_id", id, "kind", kind, "error", err)
	}
	if cached != "" && version == m.Version {
		return cached, nil
	}

	// 2. Build the generation context from the leading segments.
	body, err := s.generationContext(ctx, m)
	if err != nil {
		return "", err
	}

	// 3. Generate.
	spec := artifactSpecs[kind]
	prompt := fmt.Sprintf(spec.prompt, m.Title, body)
	var out string
	if spec.json {
		out, err = s.completer.CompleteJSON(ctx, spec.system, prompt)
	} else {
		out, err = s.completer.Complete(ctx, spec.system, prompt)
	}
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", kind, err)
	}
	if out == "" {
		return "", fmt.Errorf("generate %s: empty completion", kind)
	}
	if spec.json && !json.Valid([]byte(out)) {
		return "", fmt.Errorf("generate %s: model returned invalid json", kind)
	}

	// 4. Cache for this version. A failed write only costs a
	// regeneration later.
	if err := s.repo.SaveArtifact(ctx, id, kind, out, m.Version); err != nil {
		slog.WarnContext(ctx, "artifact cache write failed", "material_id", id, "kind", kind, "error", err)
	}

	slog.InfoContext(ctx, "artifact generated", "material_id", id, "kind", kind, "version", m.Version)
	return out, nil
}

// generationContext packs whole segments into the prompt up to the
// token budget. When even the first segment is over budget its head is
// used instead.
func (s *Service) generationContext(ctx context.Context, m *Material) (string, error) {
	segs, err := s.segments.ListByMaterial(ctx, m.ID)
	if err != nil {
		return "", fmt.Errorf("load segments: %w", err)
	}

	win := segment.Window(segs, s.contextBudget)
	if win == "" {
		for _, sg := range segs {
			if sg.Body == "" {
				continue
			}
			if pieces := text.ChunkText(sg.Body, s.contextBudget, 0); len(pieces) > 0 {
				win = pieces[0]
			}
			break
		}
	}
	if win == "" {
		return "", fmt.Errorf("material %s has no usable segments", m.ID)
	}
	return win, nil
}

package material

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"studyforge/backend/internal/pipeline"
	"studyforge/backend/internal/segment"
)

func completedMaterial() *Material {
	return &Material{
		ID:               "mat-1",
		OwnerID:          "user-1",
		Title:            "Cell Biology",
		ProcessingStatus: pipeline.StatusCompleted,
		Version:          2,
	}
}

func pageSegments() []segment.Segment {
	return []segment.Segment{
		{Index: 0, PageStart: 1, PageEnd: 1, TokenCount: 40, Body: "Mitochondria produce ATP."},
		{Index: 1, PageStart: 2, PageEnd: 2, TokenCount: 40, Body: "The nucleus stores DNA."},
	}
}

func TestService_Summary(t *testing.T) {
	t.Run("Serves Cache While Version Matches", func(t *testing.T) {
		svc, m := newTestService()

		m.repo.On("GetVisible", mock.Anything, "mat-1", "user-1").Return(completedMaterial(), nil)
		m.repo.On("Artifact", mock.Anything, "mat-1", ArtifactSummary).Return("cached summary", 2, nil)

		out, err := svc.Summary(context.Background(), "mat-1", "user-1")
		assert.NoError(t, err)
		assert.Equal(t, "cached summary", out)
		m.completer.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Stale Cache Regenerates From Segments", func(t *testing.T) {
		svc, m := newTestService()

		m.repo.On("GetVisible", mock.Anything, "mat-1", "user-1").Return(completedMaterial(), nil)
		m.repo.On("Artifact", mock.Anything, "mat-1", ArtifactSummary).Return("old summary", 1, nil)
		m.segments.On("ListByMaterial", mock.Anything, "mat-1").Return(pageSegments(), nil)
		m.completer.On("Complete", mock.Anything, mock.Anything, mock.MatchedBy(func(prompt string) bool {
			return strings.Contains(prompt, "Cell Biology") &&
				strings.Contains(prompt, "Mitochondria produce ATP.") &&
				strings.Contains(prompt, "The nucleus stores DNA.")
		})).Return("fresh summary", nil)
		m.repo.On("SaveArtifact", mock.Anything, "mat-1", ArtifactSummary, "fresh summary", 2).Return(nil)

		out, err := svc.Summary(context.Background(), "mat-1", "user-1")
		assert.NoError(t, err)
		assert.Equal(t, "fresh summary", out)
		m.assertExpectations(t)
	})

	t.Run("Unprocessed Material Is Not Ready", func(t *testing.T) {
		svc, m := newTestService()

		pending := completedMaterial()
		pending.ProcessingStatus = pipeline.StatusCleaning
		m.repo.On("GetVisible", mock.Anything, "mat-1", "user-1").Return(pending, nil)

		_, err := svc.Summary(context.Background(), "mat-1", "user-1")
		assert.ErrorIs(t, err, ErrNotReady)
		m.repo.AssertNotCalled(t, "Artifact", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Cache Write Failure Still Returns The Summary", func(t *testing.T) {
		svc, m := newTestService()

		m.repo.On("GetVisible", mock.Anything, "mat-1", "user-1").Return(completedMaterial(), nil)
		m.repo.On("Artifact", mock.Anything, "mat-1", ArtifactSummary).Return("", 0, nil)
		m.segments.On("ListByMaterial", mock.Anything, "mat-1").Return(pageSegments(), nil)
		m.completer.On("Complete", mock.Anything, mock.Anything, mock.Anything).Return("fresh summary", nil)
		m.repo.On("SaveArtifact", mock.Anything, "mat-1", ArtifactSummary, "fresh summary", 2).
			Return(errors.New("db down"))

		out, err := svc.Summary(context.Background(), "mat-1", "user-1")
		assert.NoError(t, err)
		assert.Equal(t, "fresh summary", out)
	})
}

func TestService_Quiz(t *testing.T) {
	t.Run("Generates Constrained JSON", func(t *testing.T) {
		svc, m := newTestService()

		quiz := `{"questions":[{"question":"What produces ATP?","options":["Mitochondria","Nucleus","Ribosome","Golgi"],"answerIndex":0}]}`

		m.repo.On("GetVisible", mock.Anything, "mat-1", "user-1").Return(completedMaterial(), nil)
		m.repo.On("Artifact", mock.Anything, "mat-1", ArtifactQuiz).Return("", 0, nil)
		m.segments.On("ListByMaterial", mock.Anything, "mat-1").Return(pageSegments(), nil)
		m.completer.On("CompleteJSON", mock.Anything, mock.Anything, mock.Anything).Return(quiz, nil)
		m.repo.On("SaveArtifact", mock.Anything, "mat-1", ArtifactQuiz, quiz, 2).Return(nil)

		out, err := svc.Quiz(context.Background(), "mat-1", "user-1")
		assert.NoError(t, err)
		assert.JSONEq(t, quiz, string(out))
		m.completer.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Invalid Model JSON Is Not Cached", func(t *testing.T) {
		svc, m := newTestService()

		m.repo.On("GetVisible", mock.Anything, "mat-1", "user-1").Return(completedMaterial(), nil)
		m.repo.On("Artifact", mock.Anything, "mat-1", ArtifactQuiz).Return("", 0, nil)
		m.segments.On("ListByMaterial", mock.Anything, "mat-1").Return(pageSegments(), nil)
		m.completer.On("CompleteJSON", mock.Anything, mock.Anything, mock.Anything).
			Return(`{"questions": [`, nil)

		_, err := svc.Quiz(context.Background(), "mat-1", "user-1")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid json")
		m.repo.AssertNotCalled(t, "SaveArtifact", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Completer Failure Propagates", func(t *testing.T) {
		svc, m := newTestService()

		m.repo.On("GetVisible", mock.Anything, "mat-1", "user-1").Return(completedMaterial(), nil)
		m.repo.On("Artifact", mock.Anything, "mat-1", ArtifactQuiz).Return("", 0, nil)
		m.segments.On("ListByMaterial", mock.Anything, "mat-1").Return(pageSegments(), nil)
		m.completer.On("CompleteJSON", mock.Anything, mock.Anything, mock.Anything).
			Return("", errors.New("quota exceeded"))

		_, err := svc.Quiz(context.Background(), "mat-1", "user-1")
		assert.Error(t, err)
	})
}

func TestService_GenerationContext_OversizedFirstSegment(t *testing.T) {
	svc, m := newTestService()

	huge := strings.Repeat("biology notes ", 1000)
	m.repo.On("GetVisible", mock.Anything, "mat-1", "user-1").Return(completedMaterial(), nil)
	m.repo.On("Artifact", mock.Anything, "mat-1", ArtifactSummary).Return("", 0, nil)
	m.segments.On("ListByMaterial", mock.Anything, "mat-1").Return([]segment.Segment{
		{Index: 0, TokenCount: 3500, Body: huge},
	}, nil)

	var prompt string
	m.completer.On("Complete", mock.Anything, mock.Anything, mock.MatchedBy(func(p string) bool {
		prompt = p
		return true
	})).Return("summary of the head", nil)
	m.repo.On("SaveArtifact", mock.Anything, "mat-1", ArtifactSummary, mock.Anything, 2).Return(nil)

	_, err := svc.Summary(context.Background(), "mat-1", "user-1")
	assert.NoError(t, err)
	assert.Less(t, len(prompt), len(huge), "prompt should carry only the head of an oversized segment")
}

func TestService_Segments(t *testing.T) {
	svc, m := newTestService()

	m.segments.On("ListByMaterial", mock.Anything, "mat-1").Return(pageSegments(), nil)

	segs, err := svc.Segments(context.Background(), "mat-1")
	assert.NoError(t, err)
	assert.Len(t, segs, 2)
}

func TestService_ClearArtifacts(t *testing.T) {
	svc, m := newTestService()

	m.repo.On("ClearArtifacts", mock.Anything, "mat-1").Return(nil)

	assert.NoError(t, svc.ClearArtifacts(context.Background(), "mat-1"))
	m.repo.AssertExpectations(t)
}

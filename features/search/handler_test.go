package search_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"studyforge/backend/features/search"
	"studyforge/backend/internal/middleware"
	"studyforge/backend/internal/retrieval"
)

// MockSearcher implements search.Searcher
type MockSearcher struct {
	mock.Mock
}

func (m *MockSearcher) Search(ctx context.Context, requesterID, query string, opts *retrieval.SearchOptions) []retrieval.SearchResult {
	args := m.Called(ctx, requesterID, query, opts)
	return args.Get(0).([]retrieval.SearchResult)
}

func TestHandler_Search(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		mockSearcher := new(MockSearcher)
		handler := search.NewHandler(mockSearcher)

		mockSearcher.On("Search", mock.Anything, "user-1", "photosynthesis", mock.MatchedBy(func(opts *retrieval.SearchOptions) bool {
			return opts.MaterialID == "" && opts.Limit == nil
		})).Return([]retrieval.SearchResult{
			{MaterialID: "mat-1", Title: "Cell Biology", ChunkIndex: 2, Content: "chloroplasts", Score: 0.91},
		})

		req := httptest.NewRequest("POST", "/search", strings.NewReader(`{"query": "photosynthesis"}`))
		req.Header.Set(middleware.UserIDHeader, "user-1")
		w := httptest.NewRecorder()

		handler.Search(w, req)

		assert.Equal(t, http.StatusOK, w.Result().StatusCode)

		var resp struct {
			Data []retrieval.SearchResult `json:"data"`
			Meta map[string]int           `json:"meta"`
		}
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.Data, 1)
		assert.Equal(t, "mat-1", resp.Data[0].MaterialID)
		assert.Equal(t, 1, resp.Meta["count"])
		mockSearcher.AssertExpectations(t)
	})

	t.Run("Scopes And Overrides K", func(t *testing.T) {
		mockSearcher := new(MockSearcher)
		handler := search.NewHandler(mockSearcher)

		mockSearcher.On("Search", mock.Anything, "user-1", "enzymes", mock.MatchedBy(func(opts *retrieval.SearchOptions) bool {
			return opts.MaterialID == "mat-2" && opts.Limit != nil && *opts.Limit == 3
		})).Return([]retrieval.SearchResult{})

		body := `{"query": "enzymes", "material_id": "mat-2", "k": 3}`
		req := httptest.NewRequest("POST", "/search", strings.NewReader(body))
		req.Header.Set(middleware.UserIDHeader, "user-1")
		w := httptest.NewRecorder()

		handler.Search(w, req)

		assert.Equal(t, http.StatusOK, w.Result().StatusCode)
		assert.Contains(t, w.Body.String(), `"data":[]`)
		mockSearcher.AssertExpectations(t)
	})

	t.Run("Missing Identity", func(t *testing.T) {
		handler := search.NewHandler(new(MockSearcher))

		req := httptest.NewRequest("POST", "/search", strings.NewReader(`{"query": "enzymes"}`))
		w := httptest.NewRecorder()

		handler.Search(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Result().StatusCode)
	})

	t.Run("Invalid JSON", func(t *testing.T) {
		handler := search.NewHandler(new(MockSearcher))

		req := httptest.NewRequest("POST", "/search", strings.NewReader(`{"query": `))
		req.Header.Set(middleware.UserIDHeader, "user-1")
		w := httptest.NewRecorder()

		handler.Search(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
	})

	t.Run("Blank Query", func(t *testing.T) {
		handler := search.NewHandler(new(MockSearcher))

		req := httptest.NewRequest("POST", "/search", strings.NewReader(`{"query": "   "}`))
		req.Header.Set(middleware.UserIDHeader, "user-1")
		w := httptest.NewRecorder()

		handler.Search(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)

		var resp map[string]interface{}
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		errObj := resp["error"].(map[string]interface{})
		assert.Equal(t, "VALIDATION_ERROR", errObj["code"])
	})
}

package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"studyforge/backend/features/admin"
	"studyforge/backend/features/material"
	"studyforge/backend/features/search"
	"studyforge/backend/internal/config"
	"studyforge/backend/internal/extract"
	"studyforge/backend/internal/index"
	"studyforge/backend/internal/middleware"
	"studyforge/backend/internal/monitor"
	"studyforge/backend/internal/pipeline"
	"studyforge/backend/internal/queue"
	"studyforge/backend/internal/retrieval"
	"studyforge/backend/internal/segment"
	"studyforge/backend/internal/storage"
	"studyforge/backend/internal/worker"
)

// Embedder turns text into a vector. The same adapter serves both the
// indexer and the retrieval engine so queries and chunks live in one
// embedding space.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Completer generates study artifacts from processed material content.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	CompleteJSON(ctx context.Context, system, prompt string) (string, error)
}

type App struct {
	Handler         http.Handler
	MaterialService *material.Service
	Monitor         *monitor.Monitor
	Queue           *queue.Queue
	ProcessConsumer *worker.ProcessConsumer

	port int
}

func New(
	cfg *config.Config,
	db *sql.DB,
	files storage.FileStore,
	pub queue.Publisher,
	embedder Embedder,
	completer Completer,
) (*App, error) {

	// Queue: job rows in Postgres, envelopes on NSQ.
	jobStore := queue.NewPostgresStore(db)
	jobQueue := queue.New(jobStore, pub, cfg.MaxJobAttempts)

	// Feature: Material
	materialRepo := material.NewPostgresRepo(db)
	segmentRepo := segment.NewPostgresRepo(db)
	materialService := material.NewService(materialRepo, files, jobQueue, completer, segmentRepo, cfg.ContextTokenBudget)
	materialHandler := material.NewHandler(materialService, cfg.MaxUploadSizeMB)

	// Pipeline: extraction, cleaning, segmentation, indexing.
	ocr := extract.NewHTTPOCR(cfg.OCRServiceURL)
	extractor := extract.NewService(ocr, cfg.PDFMinCharsPerPage)
	chunkRepo := index.NewPostgresRepo(db)
	indexer := index.NewIndexer(chunkRepo, embedder, cfg.ChunkTokens, cfg.ChunkOverlapTokens, cfg.EmbedConcurrency)
	runner := pipeline.NewRunner(materialRepo, files, extractor, segmentRepo, indexer, cfg.SegmentFallbackTokens)

	// Staleness monitor
	staleAfter := time.Duration(cfg.StaleAfterMinutes) * time.Minute
	interval := time.Duration(cfg.MonitorIntervalSeconds) * time.Second
	mon := monitor.New(materialRepo, jobQueue, staleAfter, interval)

	// Feature: Search
	queryLogger, err := retrieval.NewFileQueryLogger("data/logs/query.log")
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	chunkStore := retrieval.NewPostgresStore(db)
	retrievalService := retrieval.NewService(embedder, chunkStore, float32(cfg.MinSimilarity), cfg.RetrievalTopK, queryLogger)
	searchHandler := search.NewHandler(retrievalService)

	// Feature: Admin
	adminHandler := admin.NewHandler(materialService, mon, jobQueue)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /materials", middleware.CorrelationID(enableCORS(materialHandler.Upload)))
	mux.Handle("GET /materials", middleware.CorrelationID(enableCORS(materialHandler.List)))
	mux.Handle("GET /materials/{id}", middleware.CorrelationID(enableCORS(materialHandler.Get)))
	mux.Handle("DELETE /materials/{id}", middleware.CorrelationID(enableCORS(materialHandler.Delete)))
	mux.Handle("POST /materials/{id}/file", middleware.CorrelationID(enableCORS(materialHandler.ReplaceFile)))
	mux.Handle("POST /materials/{id}/reprocess", middleware.CorrelationID(enableCORS(materialHandler.Reprocess)))
	mux.Handle("GET /materials/{id}/summary", middleware.CorrelationID(enableCORS(materialHandler.Summary)))
	mux.Handle("GET /materials/{id}/key-points", middleware.CorrelationID(enableCORS(materialHandler.KeyPoints)))
	mux.Handle("GET /materials/{id}/quiz", middleware.CorrelationID(enableCORS(materialHandler.Quiz)))
	mux.Handle("GET /materials/{id}/flashcards", middleware.CorrelationID(enableCORS(materialHandler.Flashcards)))

	mux.Handle("POST /search", middleware.CorrelationID(enableCORS(searchHandler.Search)))

	mux.Handle("POST /admin/reprocess-stuck", middleware.CorrelationID(enableCORS(adminHandler.ReprocessStuck)))
	mux.Handle("POST /admin/reprocess-stale", middleware.CorrelationID(enableCORS(adminHandler.ReprocessStale)))
	mux.Handle("POST /admin/reprocess-failed", middleware.CorrelationID(enableCORS(adminHandler.ReprocessFailed)))
	mux.Handle("POST /admin/materials/{id}/force-reprocess", middleware.CorrelationID(enableCORS(adminHandler.ForceReprocess)))
	mux.Handle("GET /admin/materials/{id}/segments", middleware.CorrelationID(enableCORS(adminHandler.Segments)))
	mux.Handle("POST /admin/materials/{id}/clear-cache", middleware.CorrelationID(enableCORS(adminHandler.ClearCache)))
	mux.Handle("GET /admin/stuck-materials/count", middleware.CorrelationID(enableCORS(adminHandler.StuckCount)))
	mux.Handle("GET /admin/queue-status", middleware.CorrelationID(enableCORS(adminHandler.QueueStatus)))
	mux.Handle("GET /admin/queue/failed-jobs", middleware.CorrelationID(enableCORS(adminHandler.FailedJobs)))
	mux.Handle("GET /admin/queue/job/{jobId}", middleware.CorrelationID(enableCORS(adminHandler.JobByID)))
	mux.Handle("POST /admin/queue/retry-failed", middleware.CorrelationID(enableCORS(adminHandler.RetryFailed)))
	mux.Handle("POST /admin/queue/clear-failed", middleware.CorrelationID(enableCORS(adminHandler.ClearFailed)))
	mux.Handle("POST /admin/queue/clear-completed", middleware.CorrelationID(enableCORS(adminHandler.ClearCompleted)))

	// Method-scoped patterns never see preflights, so OPTIONS gets its
	// own catch-all.
	mux.Handle("OPTIONS /", enableCORS(func(w http.ResponseWriter, r *http.Request) {}))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Worker (Pipeline Consumer) Setup
	processConsumer := worker.NewProcessConsumer(runner, jobStore)

	return &App{
		Handler:         mux,
		MaterialService: materialService,
		Monitor:         mon,
		Queue:           jobQueue,
		ProcessConsumer: processConsumer,
		port:            cfg.ServerPort,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

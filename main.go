package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"studyforge/backend/internal/adapter/gemini"
	"studyforge/backend/internal/app"
	"studyforge/backend/internal/config"
	"studyforge/backend/internal/logger"

	"github.com/nsqio/go-nsq"
)

func main() {
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	slog.SetDefault(log)

	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer deps.DB.Close()

	embedder, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel)
	if err != nil {
		return fmt.Errorf("gemini embedder: %w", err)
	}
	defer embedder.Close()

	completer, err := gemini.NewCompleter(ctx, cfg.GeminiAPIKey, cfg.CompletionModel)
	if err != nil {
		return fmt.Errorf("gemini completer: %w", err)
	}
	defer completer.Close()

	a, err := app.New(cfg, deps.DB, deps.Files, deps.NSQProducer, embedder, completer)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}

	if cfg.EnableWorker {
		consumer, err := nsq.NewConsumer(config.TopicProcessMaterial, config.ChannelPipeline, consumerConfig())
		if err != nil {
			return fmt.Errorf("nsq consumer: %w", err)
		}
		consumer.AddConcurrentHandlers(a.ProcessConsumer, cfg.WorkerConcurrency)
		if err := consumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
			return fmt.Errorf("connect to nsqlookupd: %w", err)
		}
		defer consumer.Stop()
		slog.Info("pipeline consumer connected", "topic", config.TopicProcessMaterial, "concurrency", cfg.WorkerConcurrency)
	}

	if cfg.EnableMonitor {
		a.Monitor.Start(ctx)
	}

	if cfg.EnableAPI {
		return a.Run(ctx)
	}

	<-ctx.Done()
	return nil
}

// consumerConfig disables go-nsq's own delivery give-up. The job row
// decides when a delivery stops retrying; with the client default of 5
// a MAX_JOB_ATTEMPTS above that would strand delayed jobs.
func consumerConfig() *nsq.Config {
	cfg := nsq.NewConfig()
	cfg.MaxAttempts = 0
	return cfg
}

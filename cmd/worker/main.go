// Command worker runs the long-running pipeline worker process: it polls
// the job store for due jobs, drives each through the stage executors,
// heartbeats its leases, and shuts down gracefully on SIGINT/SIGTERM. One
// process is one worker identity; operators scale throughput by running
// more of these.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"docpipeline/internal/config"
	"docpipeline/internal/events"
	"docpipeline/internal/objectstore"
	"docpipeline/internal/observability"
	"docpipeline/internal/parserclient"
	"docpipeline/internal/pipeline"
	"docpipeline/internal/queue"
	"docpipeline/internal/rag/chunker"
	"docpipeline/internal/rag/embedder"
	"docpipeline/internal/retry"
	"docpipeline/internal/store"
	"docpipeline/internal/version"
	"docpipeline/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.LoadFile(&cfg, path); err != nil {
			log.Fatalf("load config file: %v", err)
		}
	}

	observability.InitLogger(cfg.Obs.LogPath, cfg.Obs.LogLevel)
	logger := observability.LoggerWithTrace(context.Background())

	if cfg.Database.DSN == "" {
		log.Fatal("DATABASE_DSN not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.OpenPool(ctx, cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		log.Fatalf("open database pool: %v", err)
	}
	defer pool.Close()

	eventsWriter := events.NewPGWriter(pool)
	st := store.New(pool, eventsWriter)

	if err := st.Bootstrap(ctx, cfg.Embedding.Dimensions); err != nil {
		log.Fatalf("bootstrap schema: %v", err)
	}

	rawStore, err := objectstore.NewS3Store(ctx, cfg.Blob.Raw)
	if err != nil {
		log.Fatalf("open raw object store: %v", err)
	}
	parsedStore, err := objectstore.NewS3Store(ctx, cfg.Blob.Parsed)
	if err != nil {
		log.Fatalf("open parsed object store: %v", err)
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}

	q := queue.New(st, workerID, cfg.Queue.LeaseTTL)

	deps := &pipeline.Deps{
		Store:       st,
		RawStore:    rawStore,
		ParsedStore: parsedStore,
		Parser:      parserclient.NewHTTPClient(cfg.Parser),
		Embedder:    embedder.NewClient(cfg.Embedding, cfg.Embedding.Dimensions),
		Chunker:     chunker.DefaultConfig,
		Policy: retry.Policy{
			MaxRetries:  cfg.Queue.MaxRetries,
			BackoffBase: cfg.Queue.BackoffBase,
			BackoffCap:  cfg.Queue.BackoffCap,
		},
		Clock:             pipeline.SystemClock{},
		PollInterval:      time.Duration(cfg.Parser.PollInterval) * time.Second,
		EmbedDimension:    cfg.Embedding.Dimensions,
		EmbedModelVersion: "1",
	}

	rt := worker.New(st, q, deps, worker.Config{
		Concurrency:    cfg.Queue.Concurrency,
		BatchN:         cfg.Queue.BatchN,
		PollInterval:   cfg.Queue.PollInterval,
		HeartbeatEvery: cfg.Queue.HeartbeatEvery,
		ShutdownGrace:  cfg.Queue.ShutdownGrace,
		Version:        version.Version,
	})

	logger.Info().Str("worker_id", workerID).Int("concurrency", cfg.Queue.Concurrency).
		Msg("worker: starting")

	if err := rt.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("worker: exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("worker: shut down cleanly")
}

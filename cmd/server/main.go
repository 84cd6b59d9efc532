package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2/google"

	"github.com/imaginglake/backend/internal/api"
	"github.com/imaginglake/backend/internal/cache"
	"github.com/imaginglake/backend/internal/config"
	"github.com/imaginglake/backend/internal/dicomproc"
	"github.com/imaginglake/backend/internal/embedding"
	"github.com/imaginglake/backend/internal/metrics"
	"github.com/imaginglake/backend/internal/objstore"
	"github.com/imaginglake/backend/internal/pipeline"
	"github.com/imaginglake/backend/internal/warehouse"
	"github.com/imaginglake/backend/internal/wsbridge"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx := context.Background()
	m := metrics.New()

	store, err := objstore.New(ctx)
	if err != nil {
		logger.Error("object store client", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	wh, err := warehouse.NewClient(ctx, cfg.GCP.ProjectID, cfg.BigQuery.DatasetID,
		cfg.BigQuery.InstancesTableID, cfg.BigQuery.DeadLetterTableID, logger)
	if err != nil {
		logger.Error("warehouse client", "error", err)
		os.Exit(1)
	}
	defer wh.Close()

	embedPolicy := embedding.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxRetries,
		BaseDelay:   time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
	}
	embedClient, err := embedding.NewClient(ctx, cfg.GCP.ProjectID, cfg.GCP.Location,
		cfg.Embedding.Input.Vector.Model, embedPolicy, logger)
	if err != nil {
		logger.Error("embedding client", "error", err)
		os.Exit(1)
	}

	var summarizer dicomproc.Summarizer
	if cfg.Embedding.Input.SummarizeText.Model != "" {
		summarizePolicy := embedding.RetryPolicy{
			MaxAttempts: cfg.Retry.SummarizeMaxRetries,
			BaseDelay:   time.Duration(cfg.Retry.SummarizeBaseDelayMs) * time.Millisecond,
		}
		summarizer, err = embedding.NewSummarizeClient(ctx, cfg.GCP.ProjectID, cfg.GCP.Location,
			cfg.Embedding.Input.SummarizeText.Model, cfg.Embedding.Input.SummarizeText.MaxLength,
			summarizePolicy, logger)
		if err != nil {
			logger.Error("summarize client", "error", err)
			os.Exit(1)
		}
	}

	processor := &dicomproc.Processor{
		Store:               store,
		Render:              &dicomproc.CommandRenderer{Command: cfg.Ingest.RenderCommand},
		Summarize:           summarizer,
		Options:             dicomproc.DefaultOutputOptions(),
		SR:                  dicomproc.DefaultSRSwitches(),
		ProcessedBucketPath: cfg.Embedding.Input.GCSBucketPath,
		MaxTextLength:       cfg.Embedding.Input.SummarizeText.MaxLength,
		RequireCompatible:   cfg.Embedding.RequireCompatible,
		Logger:              logger,
	}

	ingestor := &pipeline.Ingestor{
		Proc:             processor,
		Persist:          wh.Persister(),
		Embed:            embedClient,
		Metrics:          m,
		Logger:           logger,
		RequireEmbedding: cfg.Embedding.Require,
	}

	var dicomwebHandler *pipeline.DICOMWebHandler
	if cfg.DICOMWeb.Endpoint != "" {
		dicomwebClient, err := google.DefaultClient(ctx, "https://www.googleapis.com/auth/cloud-platform")
		if err != nil {
			logger.Error("dicomweb http client", "error", err)
			os.Exit(1)
		}
		dicomwebHandler = &pipeline.DICOMWebHandler{
			HTTPClient:  dicomwebClient,
			Endpoint:    cfg.DICOMWeb.Endpoint,
			VersionMode: cfg.DICOMWeb.VersionMode,
			Ingest:      ingestor,
			Logger:      logger,
		}
	} else {
		dicomwebHandler = &pipeline.DICOMWebHandler{
			HTTPClient:  http.DefaultClient,
			VersionMode: cfg.DICOMWeb.VersionMode,
			Ingest:      ingestor,
			Logger:      logger,
		}
	}

	dispatcher := &pipeline.Dispatcher{
		GCS: &pipeline.GCSHandler{
			Store:               store,
			Ingest:              ingestor,
			Metrics:             m,
			Logger:              logger,
			RequireReprocessKey: cfg.Ingest.RequireReprocessKey,
		},
		DICOMWeb: dicomwebHandler,
		Metrics:  m,
		Logger:   logger,
	}

	requeuer := &pipeline.Requeuer{
		DLQ:     wh,
		Store:   store,
		Metrics: m,
		Logger:  logger,
	}

	treeCache, err := cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
		time.Duration(cfg.Redis.TTLSec)*time.Second, logger)
	if err != nil {
		logger.Warn("redis unavailable, study tree caching disabled", "error", err)
		treeCache = nil
	}
	defer treeCache.Close()

	correlator, err := wsbridge.NewCorrelator()
	if err != nil {
		logger.Error("correlation secret", "error", err)
		os.Exit(1)
	}

	uploadBucketPath := cfg.Ingest.UploadBucketPath
	if uploadBucketPath == "" {
		uploadBucketPath = cfg.Embedding.Input.GCSBucketPath
	}
	process := wsbridge.NewProcessFlow(store, wh, uploadBucketPath,
		time.Duration(cfg.Ingest.ProcessPollIntervalMs)*time.Millisecond,
		time.Duration(cfg.Ingest.ProcessMaxWaitMs)*time.Millisecond, logger)
	bridge := wsbridge.NewBridge(correlator, cfg.Server.Port, process, m, logger)

	server := &api.Server{
		Dispatcher: dispatcher,
		Warehouse:  wh,
		Store:      store,
		Requeuer:   requeuer,
		Bridge:     bridge,
		Correlator: correlator,
		Cache:      treeCache,
		Logger:     logger,
		StaticDir:  cfg.Server.StaticDir,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Server.Port)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}
}

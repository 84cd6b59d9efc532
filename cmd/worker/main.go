// The worker binary drains a pull subscription instead of receiving push
// deliveries: same dispatcher, ack/nack instead of HTTP status codes.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"golang.org/x/oauth2/google"

	"github.com/imaginglake/backend/internal/config"
	"github.com/imaginglake/backend/internal/dicomproc"
	"github.com/imaginglake/backend/internal/embedding"
	"github.com/imaginglake/backend/internal/faults"
	"github.com/imaginglake/backend/internal/metrics"
	"github.com/imaginglake/backend/internal/objstore"
	"github.com/imaginglake/backend/internal/pipeline"
	"github.com/imaginglake/backend/internal/warehouse"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if cfg.Ingest.SubscriptionID == "" {
		slog.Error("ingest.subscriptionId is required for the worker")
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	var dicomwebClient = http.DefaultClient
	if cfg.DICOMWeb.Endpoint != "" {
		dicomwebClient, err = google.DefaultClient(ctx, "https://www.googleapis.com/auth/cloud-platform")
		if err != nil {
			logger.Error("dicomweb http client", "error", err)
			os.Exit(1)
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
		DICOMWeb: &pipeline.DICOMWebHandler{
			HTTPClient:  dicomwebClient,
			Endpoint:    cfg.DICOMWeb.Endpoint,
			VersionMode: cfg.DICOMWeb.VersionMode,
			Ingest:      ingestor,
			Logger:      logger,
		},
		Metrics: m,
		Logger:  logger,
	}

	psClient, err := pubsub.NewClient(ctx, cfg.GCP.ProjectID)
	if err != nil {
		logger.Error("pubsub client", "error", err)
		os.Exit(1)
	}
	defer psClient.Close()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		sig := <-stop
		logger.Info("stopping receive loop", "signal", sig.String())
		cancel()
	}()

	sub := psClient.Subscription(cfg.Ingest.SubscriptionID)
	logger.Info("worker receiving", "subscription", cfg.Ingest.SubscriptionID)

	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		env := &pipeline.PushEnvelope{
			Message: pipeline.PushMessage{
				Attributes: msg.Attributes,
				Data:       msg.Data,
				MessageID:  msg.ID,
			},
			Subscription: cfg.Ingest.SubscriptionID,
		}

		if err := dispatcher.Dispatch(ctx, env); err != nil {
			if faults.Retryable(err) {
				logger.Warn("message nacked for redelivery", "message", msg.ID, "error", err)
				msg.Nack()
				return
			}
			logger.Error("message permanently failed, acking", "message", msg.ID, "error", err)
		}
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("receive loop failed", "error", err)
		os.Exit(1)
	}
}

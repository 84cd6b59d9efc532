package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/imaginglake/backend/internal/archive"
	"github.com/imaginglake/backend/internal/config"
	"github.com/imaginglake/backend/internal/dicomproc"
	"github.com/imaginglake/backend/internal/embedding"
	"github.com/imaginglake/backend/internal/faults"
	"github.com/imaginglake/backend/internal/metrics"
	"github.com/imaginglake/backend/internal/warehouse"
)

// ObjectStore is the slice of the object-store adapter the pipeline needs.
type ObjectStore interface {
	Download(ctx context.Context, bucket, object string, generation int64) ([]byte, error)
	Exists(ctx context.Context, bucket, object string) (bool, error)
	TouchReprocess(ctx context.Context, bucket, object string) error
}

// RowPersister is the warehouse write path.
type RowPersister interface {
	Persist(ctx context.Context, row warehouse.Record) error
}

// Processor extracts metadata and embedding inputs from DICOM buffers.
type Processor interface {
	Process(ctx context.Context, uri string, buf []byte) (*dicomproc.Result, error)
}

// Embedder turns a prepared instance into a vector. Nil disables vectors.
type Embedder interface {
	Predict(ctx context.Context, inst embedding.Instance) ([]float64, error)
	Model() string
}

// Ingestor is the process-and-persist core shared by both handlers: one call
// per concrete DICOM buffer, one row per call.
type Ingestor struct {
	Proc    Processor
	Persist RowPersister
	Embed   Embedder
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// RequireEmbedding propagates embedding failures instead of degrading
	// to a vectorless row.
	RequireEmbedding bool
}

// ProcessAndPersist runs the processor, optionally the embedding client, and
// the persister for one DICOM buffer.
func (in *Ingestor) ProcessAndPersist(ctx context.Context, uri, version, event string, buf []byte) error {
	res, err := in.Proc.Process(ctx, uri, buf)
	if err != nil {
		return err
	}

	row := warehouse.Record{
		Timestamp: time.Now().UTC(),
		Path:      uri,
		Version:   version,
		Info: warehouse.Info{
			Event: event,
			Input: warehouse.InputInfo{
				Size: warehouse.NullableInt64(res.Size),
				Type: warehouse.NullableString(inputTypeFor(event)),
			},
		},
		Metadata: warehouse.NullableString(res.MetadataJSON),
	}

	if res.Embedding != nil && in.Embed != nil {
		vec, err := in.predict(ctx, res.Embedding)
		switch {
		case err != nil && in.RequireEmbedding:
			return err
		case err != nil:
			in.Logger.Warn("embedding omitted, record persists without vector", "uri", uri, "error", err)
			in.Metrics.EmbeddingCalls.WithLabelValues("error").Inc()
		case len(vec) > 0:
			row.EmbeddingVector = vec
			row.Info.Embedding = warehouse.EmbeddingInfo{
				Model: warehouse.NullableString(in.Embed.Model()),
				Input: warehouse.EmbeddingInputInfo{
					Path:     warehouse.NullableString(res.Embedding.UploadPath),
					Size:     warehouse.NullableInt64(res.Embedding.Size),
					MimeType: warehouse.NullableString(res.Embedding.MimeType),
				},
			}
			in.Metrics.EmbeddingCalls.WithLabelValues("ok").Inc()
		}
	} else if res.Embedding != nil {
		in.Metrics.EmbeddingCalls.WithLabelValues("skipped").Inc()
	}

	if err := in.Persist.Persist(ctx, row); err != nil {
		return err
	}
	in.Metrics.RowsPersisted.Inc()
	return nil
}

func (in *Ingestor) predict(ctx context.Context, ein *dicomproc.EmbeddingInput) ([]float64, error) {
	inst := embedding.Instance{}
	if ein.ImageGCSURI != "" {
		inst.Image = &embedding.Image{GCSURI: ein.ImageGCSURI}
	} else {
		inst.Text = ein.Text
	}
	return in.Embed.Predict(ctx, inst)
}

func inputTypeFor(event string) string {
	if event == EventDICOMWeb {
		return "DICOMWEB"
	}
	return "GCS"
}

// gcsObject is the decoded object-store notification data payload.
type gcsObject struct {
	Bucket     string            `json:"bucket"`
	Name       string            `json:"name"`
	Generation string            `json:"generation"`
	Metadata   map[string]string `json:"metadata"`
}

// GCSHandler is the object-store notification handler.
type GCSHandler struct {
	Store    ObjectStore
	Ingest   *Ingestor
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// RequireReprocessKey gates metadata_update events on the reprocess
	// sentinel so benign metadata edits do not double-write.
	RequireReprocessKey bool
}

func (h *GCSHandler) Handle(ctx context.Context, perf *Perf, env *PushEnvelope) error {
	event := env.Message.Attributes["eventType"]

	var obj gcsObject
	if err := json.Unmarshal(env.Message.Data, &obj); err != nil {
		return faults.InvalidInput(fmt.Errorf("decode notification payload: %w", err))
	}
	if obj.Bucket == "" || obj.Name == "" {
		return faults.InvalidInputf("notification payload missing bucket or name")
	}
	path := obj.Bucket + "/" + obj.Name
	version := obj.Generation
	perf.Checkpoint("payload-decoded")

	switch event {
	case EventDelete, EventArchive:
		// No download: record the observation with null metadata.
		row := warehouse.Record{
			Timestamp: time.Now().UTC(),
			Path:      path,
			Version:   version,
			Info: warehouse.Info{
				Event: event,
				Input: warehouse.InputInfo{Type: warehouse.NullableString("GCS")},
			},
		}
		if err := h.Ingest.Persist.Persist(ctx, row); err != nil {
			return err
		}
		h.Metrics.RowsPersisted.Inc()
		perf.Checkpoint("row-persisted")
		return nil

	case EventFinalize, EventMetadataUpdate:
		if event == EventMetadataUpdate && h.RequireReprocessKey {
			if _, ok := obj.Metadata["reprocess"]; !ok {
				h.Logger.Debug("metadata update without reprocess key, skipping", "path", path)
				return nil
			}
		}

		generation, _ := strconv.ParseInt(version, 10, 64)
		data, err := h.Store.Download(ctx, obj.Bucket, obj.Name, generation)
		if err != nil {
			return err
		}
		perf.Checkpoint("object-downloaded")

		if archive.IsArchive(obj.Name) {
			return h.expandArchive(ctx, perf, path, version, event, data)
		}
		err = h.Ingest.ProcessAndPersist(ctx, path, version, event, data)
		perf.Checkpoint("processed")
		return err

	default:
		return faults.BadSchema("unsupported eventType %q", event)
	}
}

// expandArchive runs every DICOM member through the process-and-persist core
// sequentially. Member failures are isolated; only an unparseable archive
// fails the handler.
func (h *GCSHandler) expandArchive(ctx context.Context, perf *Perf, path, version, event string, data []byte) error {
	res, err := archive.Expand(path, data, func(memberURI string, buf []byte) error {
		return h.Ingest.ProcessAndPersist(ctx, memberURI, version, event, buf)
	}, h.Logger)
	if err != nil {
		return err
	}
	h.Metrics.ArchiveMembers.WithLabelValues("processed").Add(float64(res.Processed))
	h.Metrics.ArchiveMembers.WithLabelValues("failed").Add(float64(res.Failed))
	h.Metrics.ArchiveMembers.WithLabelValues("skipped").Add(float64(res.Skipped))
	h.Logger.Info("archive expanded",
		"path", path,
		"processed", res.Processed,
		"failed", res.Failed,
		"skipped", res.Skipped,
	)
	perf.Checkpoint("archive-expanded")
	return nil
}

// DICOMWebHandler ingests instances announced by path over DICOMweb.
type DICOMWebHandler struct {
	// HTTPClient must carry credentials for the DICOMweb endpoint.
	HTTPClient  *http.Client
	Endpoint    string
	VersionMode string
	Ingest      *Ingestor
	Logger      *slog.Logger
}

func (h *DICOMWebHandler) Handle(ctx context.Context, perf *Perf, env *PushEnvelope) error {
	path := strings.TrimSpace(string(env.Message.Data))
	if path == "" {
		return faults.BadSchema("dicomweb notification carries an empty path")
	}

	data, err := h.download(ctx, path)
	if err != nil {
		return err
	}
	perf.Checkpoint("dicomweb-downloaded")

	// DICOMweb carries no native object version. Wallclock mode records
	// every redelivery as a new observation; the read projection keeps the
	// latest per path.
	version := "0"
	if h.VersionMode == config.VersionModeWallclock {
		version = strconv.FormatInt(time.Now().UnixMicro(), 10)
	}

	err = h.Ingest.ProcessAndPersist(ctx, path, version, EventDICOMWeb, data)
	perf.Checkpoint("processed")
	return err
}

func (h *DICOMWebHandler) download(ctx context.Context, path string) ([]byte, error) {
	url := strings.TrimSuffix(h.Endpoint, "/") + "/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dicom; transfer-syntax=*")

	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return nil, faults.Transient(fmt.Errorf("dicomweb fetch %s: %w", path, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, faults.Unauthorized(fmt.Errorf("dicomweb fetch %s: HTTP %d", path, resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return nil, faults.InvalidInputf("dicomweb object %s not found", path)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, faults.Transient(fmt.Errorf("dicomweb fetch %s: HTTP %d", path, resp.StatusCode))
	default:
		return nil, faults.Internal(fmt.Errorf("dicomweb fetch %s: HTTP %d", path, resp.StatusCode))
	}

	return io.ReadAll(resp.Body)
}

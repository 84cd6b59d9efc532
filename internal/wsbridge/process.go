package wsbridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imaginglake/backend/internal/warehouse"
)

// Uploader is the object-store write slice the process flow needs.
type Uploader interface {
	Upload(ctx context.Context, bucket, object, contentType string, data []byte) error
}

// rowFinder locates ingestion rows produced for an uploaded object.
type rowFinder interface {
	InstancesByPathPrefix(ctx context.Context, prefix string) ([]warehouse.Record, error)
}

// ProcessFlow implements process.run and process.cancel: upload a
// user-supplied blob into the watched bucket, then poll the warehouse until
// the ingestion pipeline has produced rows for it. Cancellation cuts off the
// polling only; an in-flight upload always runs to completion.
type ProcessFlow struct {
	Store        Uploader
	Warehouse    rowFinder
	BucketPath   string
	PollInterval time.Duration
	MaxWait      time.Duration
	Logger       *slog.Logger

	mu      sync.Mutex
	polling map[string]context.CancelFunc
}

func NewProcessFlow(store Uploader, wh rowFinder, bucketPath string, pollInterval, maxWait time.Duration, logger *slog.Logger) *ProcessFlow {
	return &ProcessFlow{
		Store:        store,
		Warehouse:    wh,
		BucketPath:   bucketPath,
		PollInterval: pollInterval,
		MaxWait:      maxWait,
		Logger:       logger,
		polling:      make(map[string]context.CancelFunc),
	}
}

type processRequest struct {
	Filename    string `json:"filename"`
	Data        []byte `json:"data"`
	ContentType string `json:"contentType"`
}

// Run executes one process.run request on the calling goroutine.
func (p *ProcessFlow) Run(c *conn, msgID [16]byte, payload json.RawMessage) {
	var req processRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(msgID, "process.run", "malformed process payload", http.StatusBadRequest)
		return
	}
	if req.Filename == "" || len(req.Data) == 0 {
		c.sendError(msgID, "process.run", "filename and data are required", http.StatusBadRequest)
		return
	}

	bucket, prefix := splitBucketPath(p.BucketPath)
	object := "uploads/" + uuid.NewString() + "/" + req.Filename
	if prefix != "" {
		object = prefix + "/" + object
	}
	path := bucket + "/" + object

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/dicom"
	}

	// The upload deliberately ignores cancellation: a cancelled request must
	// not leave a half-written object behind.
	if err := p.Store.Upload(context.Background(), bucket, object, contentType, req.Data); err != nil {
		c.sendError(msgID, "process.run", err.Error(), http.StatusBadGateway)
		return
	}
	p.sendProgress(c, msgID, "uploaded", path, 0)

	msgIDHex := hex.EncodeToString(msgID[:])
	ctx, cancel := context.WithTimeout(context.Background(), p.MaxWait)
	p.mu.Lock()
	p.polling[msgIDHex] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.polling, msgIDHex)
		p.mu.Unlock()
	}()

	rows, err := p.poll(ctx, c, msgID, path)
	if err != nil {
		c.sendError(msgID, "process.run", err.Error(), http.StatusGatewayTimeout)
		return
	}

	body, err := json.Marshal(map[string]any{"path": path, "rows": rows})
	if err != nil {
		c.sendError(msgID, "process.run", err.Error(), http.StatusInternalServerError)
		return
	}
	c.sendResult(msgID, "process.run", body)
}

func (p *ProcessFlow) poll(ctx context.Context, c *conn, msgID [16]byte, path string) ([]warehouse.Record, error) {
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.Canceled {
				return nil, fmt.Errorf("processing poll cancelled")
			}
			return nil, fmt.Errorf("no ingestion rows for %s within %s", path, p.MaxWait)
		case <-ticker.C:
			attempt++
			rows, err := p.Warehouse.InstancesByPathPrefix(ctx, path)
			if err != nil {
				p.Logger.Warn("process poll query failed", "path", path, "error", err)
				continue
			}
			if len(rows) > 0 {
				return rows, nil
			}
			p.sendProgress(c, msgID, "waiting", path, attempt)
		}
	}
}

type cancelRequest struct {
	MessageID string `json:"messageId"`
}

// Cancel stops the polling loop of a running process.run request.
func (p *ProcessFlow) Cancel(payload json.RawMessage) {
	var req cancelRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.MessageID == "" {
		return
	}
	p.mu.Lock()
	cancel, ok := p.polling[strings.ToLower(req.MessageID)]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *ProcessFlow) sendProgress(c *conn, msgID [16]byte, stage, path string, attempt int) {
	body, _ := json.Marshal(map[string]any{
		"type":    "progress",
		"action":  "process.run",
		"stage":   stage,
		"path":    path,
		"attempt": attempt,
	})
	c.enqueue(Encode(msgID, KindJSON, "json", body), "json")
}

func splitBucketPath(bucketPath string) (bucket, prefix string) {
	bucketPath = strings.Trim(bucketPath, "/")
	if i := strings.IndexByte(bucketPath, '/'); i >= 0 {
		return bucketPath[:i], bucketPath[i+1:]
	}
	return bucketPath, ""
}

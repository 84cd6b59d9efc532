// Package objstore wraps the Google Cloud Storage client for the ingestion
// pipeline: versioned downloads, processed-artifact uploads, and the
// metadata-touch write that re-triggers processing of a dead-lettered object.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/imaginglake/backend/internal/faults"
)

// Client is the process-wide object store adapter. The underlying SDK client
// is safe for concurrent use; the server owns the lifetime.
type Client struct {
	gcs *storage.Client
}

func New(ctx context.Context) (*Client, error) {
	gcs, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &Client{gcs: gcs}, nil
}

func (c *Client) Close() error { return c.gcs.Close() }

// SplitURI splits a canonical "bucket/object" URI. Archive-member fragments
// ("bucket/archive.zip#member") are rejected here: members have no standalone
// object, callers must strip the fragment first.
func SplitURI(uri string) (bucket, object string, err error) {
	if strings.Contains(uri, "#") {
		return "", "", faults.InvalidInputf("object URI %q contains a fragment", uri)
	}
	bucket, object, ok := strings.Cut(uri, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", faults.InvalidInputf("invalid object URI %q", uri)
	}
	return bucket, object, nil
}

// Download fetches the object bytes at a specific generation. generation <= 0
// reads the live object.
func (c *Client) Download(ctx context.Context, bucket, object string, generation int64) ([]byte, error) {
	obj := c.gcs.Bucket(bucket).Object(object)
	if generation > 0 {
		obj = obj.Generation(generation)
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, faults.InvalidInputf("object %s/%s does not exist: %v", bucket, object, err)
		}
		return nil, fmt.Errorf("open %s/%s: %w", bucket, object, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, object, err)
	}
	return data, nil
}

// Upload writes data under bucket/object with the given content type.
func (c *Client) Upload(ctx context.Context, bucket, object, contentType string, data []byte) error {
	w := c.gcs.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write %s/%s: %w", bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize %s/%s: %w", bucket, object, err)
	}
	return nil
}

// Exists reports whether the live object is present.
func (c *Client) Exists(ctx context.Context, bucket, object string) (bool, error) {
	_, err := c.gcs.Bucket(bucket).Object(object).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s/%s: %w", bucket, object, err)
	}
	return true, nil
}

// TouchReprocess stamps the "reprocess" metadata key with the current time.
// The bucket notification configuration turns this update into an
// OBJECT_METADATA_UPDATE event, which re-enters the ingestion state machine.
func (c *Client) TouchReprocess(ctx context.Context, bucket, object string) error {
	update := storage.ObjectAttrsToUpdate{
		Metadata: map[string]string{"reprocess": time.Now().UTC().Format(time.RFC3339)},
	}
	if _, err := c.gcs.Bucket(bucket).Object(object).Update(ctx, update); err != nil {
		return fmt.Errorf("touch %s/%s: %w", bucket, object, err)
	}
	return nil
}

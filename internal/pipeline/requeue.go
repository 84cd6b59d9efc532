package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/imaginglake/backend/internal/metrics"
	"github.com/imaginglake/backend/internal/warehouse"
)

// deadLetterSource is the slice of the warehouse client requeue needs.
type deadLetterSource interface {
	DLQItems(ctx context.Context, limit, offset int) ([]warehouse.DeadLetter, error)
	DeleteDLQMessages(ctx context.Context, messageIDs []string) (int64, error)
}

// Requeuer re-triggers ingestion for dead-lettered objects by touching their
// metadata, which emits a fresh OBJECT_METADATA_UPDATE notification.
type Requeuer struct {
	DLQ     deadLetterSource
	Store   ObjectStore
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// RequeueFailure describes one message that could not be remediated.
type RequeueFailure struct {
	MessageID string `json:"messageId"`
	Reason    string `json:"reason"`
}

// RequeueResult reports the outcome of one remediation batch.
type RequeueResult struct {
	RequeuedCount       int              `json:"requeuedCount"`
	DeletedMessageCount int64            `json:"deletedMessageCount"`
	Failures            []RequeueFailure `json:"failures,omitempty"`
}

// Requeue reads up to limit dead-letter rows, touches each distinct live
// object once, and deletes the rows whose objects were successfully touched.
// Rows whose object is gone are also deleted: there is nothing left to retry.
func (r *Requeuer) Requeue(ctx context.Context, limit int) (*RequeueResult, error) {
	items, err := r.DLQ.DLQItems(ctx, limit, 0)
	if err != nil {
		return nil, err
	}

	result := &RequeueResult{}
	// Multiple dead letters can reference the same object; touch it once and
	// remember the outcome for the rest of the batch.
	touched := map[string]error{}
	var deletable []string

	for _, item := range items {
		ref, err := item.ObjectRef()
		if err != nil {
			result.Failures = append(result.Failures, RequeueFailure{
				MessageID: item.MessageID,
				Reason:    err.Error(),
			})
			continue
		}
		key := ref.Bucket + "/" + ref.Name

		touchErr, seen := touched[key]
		if !seen {
			touchErr = r.touch(ctx, ref)
			touched[key] = touchErr
			if touchErr == nil {
				result.RequeuedCount++
				r.Metrics.DLQRequeued.Inc()
			}
		}

		switch {
		case touchErr == nil, touchErr == errObjectGone:
			deletable = append(deletable, item.MessageID)
		default:
			result.Failures = append(result.Failures, RequeueFailure{
				MessageID: item.MessageID,
				Reason:    touchErr.Error(),
			})
		}
	}

	if len(deletable) > 0 {
		deleted, err := r.DLQ.DeleteDLQMessages(ctx, deletable)
		if err != nil {
			return result, err
		}
		result.DeletedMessageCount = deleted
	}

	r.Logger.Info("dlq remediation batch",
		"examined", len(items),
		"requeued", result.RequeuedCount,
		"deleted", result.DeletedMessageCount,
		"failures", len(result.Failures),
	)
	return result, nil
}

var errObjectGone = fmt.Errorf("object no longer exists")

func (r *Requeuer) touch(ctx context.Context, ref warehouse.ObjectRef) error {
	exists, err := r.Store.Exists(ctx, ref.Bucket, ref.Name)
	if err != nil {
		return err
	}
	if !exists {
		r.Logger.Debug("dead-letter object gone", "bucket", ref.Bucket, "name", ref.Name)
		return errObjectGone
	}
	return r.Store.TouchReprocess(ctx, ref.Bucket, ref.Name)
}

// Package pipeline implements the ingestion state machine: push-envelope
// dispatch, per-event handlers, the process-and-persist core, and dead-letter
// remediation.
package pipeline

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/imaginglake/backend/internal/faults"
	"github.com/imaginglake/backend/internal/metrics"
)

// Object-store notification event types.
const (
	EventFinalize       = "OBJECT_FINALIZE"
	EventDelete         = "OBJECT_DELETE"
	EventArchive        = "OBJECT_ARCHIVE"
	EventMetadataUpdate = "OBJECT_METADATA_UPDATE"

	// EventDICOMWeb tags rows ingested through the DICOMweb path.
	EventDICOMWeb = "DICOMWEB"
)

// payloadFormatJSON is the only object-store notification format accepted.
const payloadFormatJSON = "JSON_API_V1"

// objectIDPattern selects the object suffixes worth ingesting. The tar
// suffixes extend the notification filter so the tar archive path is
// reachable from push.
var objectIDPattern = regexp.MustCompile(`\.(dcm|DCM|dicom|zip|tar\.gz|tgz)$`)

var gcsEventTypes = map[string]bool{
	EventFinalize:       true,
	EventDelete:         true,
	EventArchive:        true,
	EventMetadataUpdate: true,
}

// PushEnvelope is the at-least-once delivery wrapper the transport posts.
type PushEnvelope struct {
	Message      PushMessage `json:"message"`
	Subscription string      `json:"subscription"`
}

// PushMessage carries notification attributes plus a base64 data payload
// (encoding/json decodes the base64 transparently).
type PushMessage struct {
	Attributes map[string]string `json:"attributes"`
	Data       []byte            `json:"data"`
	MessageID  string            `json:"messageId"`
}

// Dispatcher validates the envelope against the two notification schemas and
// routes to the matching handler.
type Dispatcher struct {
	GCS      *GCSHandler
	DICOMWeb *DICOMWebHandler
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Dispatch routes one envelope. The returned error is already classified;
// the transport edge maps it to an HTTP status or an ack/nack decision.
func (d *Dispatcher) Dispatch(ctx context.Context, env *PushEnvelope) error {
	if env == nil {
		return faults.BadSchema("empty push envelope")
	}

	kind, err := matchSchema(env)
	if err != nil {
		return err
	}

	perf := StartPerf(env.Message.MessageID, d.Logger, d.Metrics)
	var event string
	switch kind {
	case schemaObjectStore:
		event = env.Message.Attributes["eventType"]
		err = d.GCS.Handle(ctx, perf, env)
	case schemaDICOMWeb:
		event = EventDICOMWeb
		err = d.DICOMWeb.Handle(ctx, perf, env)
	}
	perf.Done(event)

	outcome := "ok"
	if err != nil {
		if faults.Retryable(err) {
			outcome = "retryable"
		} else {
			outcome = "permanent"
		}
	}
	d.Metrics.EventsTotal.WithLabelValues(event, outcome).Inc()
	return err
}

type schemaKind int

const (
	schemaObjectStore schemaKind = iota
	schemaDICOMWeb
)

// matchSchema decides which notification shape the envelope satisfies.
func matchSchema(env *PushEnvelope) (schemaKind, error) {
	attrs := env.Message.Attributes

	if attrs["payloadFormat"] != "" || attrs["eventType"] != "" || attrs["bucketId"] != "" {
		// Claims to be an object-store notification; hold it to that schema.
		if attrs["payloadFormat"] != payloadFormatJSON {
			return 0, faults.BadSchema("unsupported payloadFormat %q", attrs["payloadFormat"])
		}
		if !gcsEventTypes[attrs["eventType"]] {
			return 0, faults.BadSchema("unsupported eventType %q", attrs["eventType"])
		}
		if attrs["bucketId"] == "" {
			return 0, faults.BadSchema("missing bucketId attribute")
		}
		if !objectIDPattern.MatchString(attrs["objectId"]) {
			return 0, faults.BadSchema("objectId %q does not match an ingestable suffix", attrs["objectId"])
		}
		return schemaObjectStore, nil
	}

	if len(env.Message.Data) > 0 {
		return schemaDICOMWeb, nil
	}

	return 0, faults.BadSchema("envelope matches neither object-store nor dicomweb notification schema")
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imaginglake/backend/internal/dicomproc"
	"github.com/imaginglake/backend/internal/faults"
	"github.com/imaginglake/backend/internal/metrics"
	"github.com/imaginglake/backend/internal/pipeline"
	"github.com/imaginglake/backend/internal/warehouse"
	"github.com/imaginglake/backend/internal/wsbridge"
)

// Shared across the test binary: promauto registers on the default registry.
var testMetrics = metrics.New()

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeStore struct {
	data []byte
	err  error
}

func (s *fakeStore) Download(context.Context, string, string, int64) ([]byte, error) {
	return s.data, s.err
}
func (s *fakeStore) Exists(context.Context, string, string) (bool, error) { return true, nil }
func (s *fakeStore) TouchReprocess(context.Context, string, string) error { return nil }

type fakePersister struct {
	rows []warehouse.Record
}

func (p *fakePersister) Persist(_ context.Context, row warehouse.Record) error {
	p.rows = append(p.rows, row)
	return nil
}

type fakeProcessor struct {
	err error
}

func (p *fakeProcessor) Process(context.Context, string, []byte) (*dicomproc.Result, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &dicomproc.Result{MetadataJSON: `{"ok":true}`, Size: 3}, nil
}

func newTestServer(t *testing.T, store *fakeStore, proc *fakeProcessor) (*Server, *fakePersister) {
	t.Helper()
	logger := testLogger()
	correlator, err := wsbridge.NewCorrelator()
	require.NoError(t, err)
	persist := &fakePersister{}
	ingest := &pipeline.Ingestor{
		Proc:    proc,
		Persist: persist,
		Metrics: testMetrics,
		Logger:  logger,
	}
	srv := &Server{
		Dispatcher: &pipeline.Dispatcher{
			GCS: &pipeline.GCSHandler{
				Store:   store,
				Ingest:  ingest,
				Metrics: testMetrics,
				Logger:  logger,
			},
			Metrics: testMetrics,
			Logger:  logger,
		},
		Correlator: correlator,
		Logger:     logger,
	}
	return srv, persist
}

func finalizeEnvelope(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]string{
		"bucket":     "b",
		"name":       "scans/x.dcm",
		"generation": "7",
	})
	require.NoError(t, err)
	body, err := json.Marshal(pipeline.PushEnvelope{
		Message: pipeline.PushMessage{
			Attributes: map[string]string{
				"payloadFormat": "JSON_API_V1",
				"eventType":     "OBJECT_FINALIZE",
				"bucketId":      "b",
				"objectId":      "scans/x.dcm",
			},
			Data:      data,
			MessageID: "m-1",
		},
		Subscription: "projects/p/subscriptions/s",
	})
	require.NoError(t, err)
	return body
}

func postPush(srv *Server, body []byte, decorate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/push", bytes.NewReader(body))
	if decorate != nil {
		decorate(req)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestPushFinalizeAck(t *testing.T) {
	srv, persist := newTestServer(t, &fakeStore{data: []byte("dcm")}, &fakeProcessor{})

	rec := postPush(srv, finalizeEnvelope(t), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Len(t, persist.rows, 1)
	assert.Equal(t, "b/scans/x.dcm", persist.rows[0].Path)
}

func TestPushMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t, &fakeStore{}, &fakeProcessor{})

	rec := postPush(srv, []byte("{not json"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusBadRequest, body.Code)
	assert.NotEmpty(t, body.MessageID)
	assert.Contains(t, body.Reason, "decode push envelope")
}

func TestPushBadSchemaEnvelope(t *testing.T) {
	srv, _ := newTestServer(t, &fakeStore{}, &fakeProcessor{})

	body, err := json.Marshal(pipeline.PushEnvelope{
		Message: pipeline.PushMessage{
			Attributes: map[string]string{
				"payloadFormat": "XML",
				"eventType":     "OBJECT_FINALIZE",
				"bucketId":      "b",
				"objectId":      "x.dcm",
			},
		},
	})
	require.NoError(t, err)

	rec := postPush(srv, body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPushRetryableFailureTriggersRedelivery(t *testing.T) {
	store := &fakeStore{err: faults.Transient(assert.AnError)}
	srv, persist := newTestServer(t, store, &fakeProcessor{})

	rec := postPush(srv, finalizeEnvelope(t), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, persist.rows)
}

func TestPushPermanentFailureIsAcknowledged(t *testing.T) {
	proc := &fakeProcessor{err: faults.InvalidInputf("not a dicom file")}
	srv, persist := newTestServer(t, &fakeStore{data: []byte("junk")}, proc)

	rec := postPush(srv, finalizeEnvelope(t), nil)
	require.Equal(t, http.StatusOK, rec.Code, "permanent failures ack so the transport stops redelivering")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "acknowledged", body["status"])
	assert.Contains(t, body["error"], "not a dicom file")
	assert.Empty(t, persist.rows)
}

func TestCorrelatedRequestEchoesMessageID(t *testing.T) {
	srv, _ := newTestServer(t, &fakeStore{}, &fakeProcessor{})

	const connID, msgID, action = "conn-1", "0123456789abcdef0123456789abcdef", "dlq.count"
	sig := srv.Correlator.Sign(connID, msgID, action)

	rec := postPush(srv, []byte("{not json"), func(r *http.Request) {
		r.Header.Set(wsbridge.HeaderConnectionID, connID)
		r.Header.Set(wsbridge.HeaderMessageID, msgID)
		r.Header.Set(wsbridge.HeaderAction, action)
		r.Header.Set(wsbridge.HeaderSignature, sig)
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, msgID, body.MessageID)
}

func TestForgedCorrelationIsIgnoredNotRejected(t *testing.T) {
	srv, _ := newTestServer(t, &fakeStore{}, &fakeProcessor{})

	const msgID = "0123456789abcdef0123456789abcdef"
	rec := postPush(srv, []byte("{not json"), func(r *http.Request) {
		r.Header.Set(wsbridge.HeaderConnectionID, "conn-1")
		r.Header.Set(wsbridge.HeaderMessageID, msgID)
		r.Header.Set(wsbridge.HeaderAction, "dlq.count")
		r.Header.Set(wsbridge.HeaderSignature, strings.Repeat("ab", 32))
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, "the request still runs")

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEqual(t, msgID, body.MessageID, "an unverified message id is never echoed")
	assert.NotEmpty(t, body.MessageID)
}

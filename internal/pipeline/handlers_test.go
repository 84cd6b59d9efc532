package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imaginglake/backend/internal/dicomproc"
	"github.com/imaginglake/backend/internal/embedding"
	"github.com/imaginglake/backend/internal/faults"
	"github.com/imaginglake/backend/internal/warehouse"
)

type fakeStore struct {
	objects map[string][]byte
	touched []string
}

func (f *fakeStore) Download(_ context.Context, bucket, object string, _ int64) ([]byte, error) {
	data, ok := f.objects[bucket+"/"+object]
	if !ok {
		return nil, faults.InvalidInputf("object %s/%s does not exist", bucket, object)
	}
	return data, nil
}

func (f *fakeStore) Exists(_ context.Context, bucket, object string) (bool, error) {
	_, ok := f.objects[bucket+"/"+object]
	return ok, nil
}

func (f *fakeStore) TouchReprocess(_ context.Context, bucket, object string) error {
	f.touched = append(f.touched, bucket+"/"+object)
	return nil
}

type fakePersister struct {
	rows []warehouse.Record
	err  error
}

func (f *fakePersister) Persist(_ context.Context, row warehouse.Record) error {
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, row)
	return nil
}

type fakeProcessor struct {
	result *dicomproc.Result
	err    error
	calls  []string
}

func (f *fakeProcessor) Process(_ context.Context, uri string, _ []byte) (*dicomproc.Result, error) {
	f.calls = append(f.calls, uri)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeEmbedder struct {
	vector []float64
	err    error
}

func (f *fakeEmbedder) Predict(context.Context, embedding.Instance) ([]float64, error) {
	return f.vector, f.err
}

func (f *fakeEmbedder) Model() string { return "multimodalembedding@001" }

func newTestIngestor(proc Processor, persist *fakePersister, embed Embedder) *Ingestor {
	return &Ingestor{
		Proc:    proc,
		Persist: persist,
		Embed:   embed,
		Metrics: testMetrics,
		Logger:  testLogger(),
	}
}

func newTestGCSHandler(store *fakeStore, ing *Ingestor) *GCSHandler {
	return &GCSHandler{
		Store:   store,
		Ingest:  ing,
		Metrics: testMetrics,
		Logger:  testLogger(),
	}
}

func testPerf() *Perf { return StartPerf("test", testLogger(), nil) }

func TestGCSHandlerDeleteWritesNullMetadataRow(t *testing.T) {
	persist := &fakePersister{}
	h := newTestGCSHandler(&fakeStore{}, newTestIngestor(&fakeProcessor{}, persist, nil))

	env := gcsEnvelope(EventDelete, "scan.dcm", map[string]any{
		"bucket": "b", "name": "scans/scan.dcm", "generation": "177",
	})
	require.NoError(t, h.Handle(context.Background(), testPerf(), env))

	require.Len(t, persist.rows, 1)
	row := persist.rows[0]
	assert.Equal(t, "b/scans/scan.dcm", row.Path)
	assert.Equal(t, "177", row.Version)
	assert.Equal(t, EventDelete, row.Info.Event)
	assert.False(t, row.Metadata.Valid, "delete rows carry null metadata")
	assert.Nil(t, row.EmbeddingVector)
}

func TestGCSHandlerFinalizeSingleInstance(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{"b/scans/ct.dcm": []byte("dicomdata")}}
	persist := &fakePersister{}
	proc := &fakeProcessor{result: &dicomproc.Result{
		MetadataJSON: `{"StudyInstanceUID":"1.2.3"}`,
		Size:         9,
		Embedding:    &dicomproc.EmbeddingInput{ImageGCSURI: "gs://p/x.jpg", UploadPath: "p/x.jpg", MimeType: "image/jpeg", Size: 100},
	}}
	embed := &fakeEmbedder{vector: []float64{0.1, 0.2, 0.3}}
	h := newTestGCSHandler(store, newTestIngestor(proc, persist, embed))

	env := gcsEnvelope(EventFinalize, "ct.dcm", map[string]any{
		"bucket": "b", "name": "scans/ct.dcm", "generation": "42",
	})
	require.NoError(t, h.Handle(context.Background(), testPerf(), env))

	require.Len(t, persist.rows, 1)
	row := persist.rows[0]
	assert.Equal(t, "b/scans/ct.dcm", row.Path)
	assert.Equal(t, "42", row.Version)
	assert.Equal(t, `{"StudyInstanceUID":"1.2.3"}`, row.Metadata.StringVal)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, row.EmbeddingVector)
	assert.Equal(t, "multimodalembedding@001", row.Info.Embedding.Model.StringVal)
	assert.Equal(t, "p/x.jpg", row.Info.Embedding.Input.Path.StringVal)
	assert.Equal(t, "GCS", row.Info.Input.Type.StringVal)
}

func TestGCSHandlerEmbeddingFailureDegrades(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{"b/scan.dcm": []byte("x")}}
	persist := &fakePersister{}
	proc := &fakeProcessor{result: &dicomproc.Result{
		MetadataJSON: `{}`,
		Embedding:    &dicomproc.EmbeddingInput{Text: "report text"},
	}}
	embed := &fakeEmbedder{err: faults.Transient(fmt.Errorf("quota"))}
	h := newTestGCSHandler(store, newTestIngestor(proc, persist, embed))

	env := gcsEnvelope(EventFinalize, "scan.dcm", map[string]any{"bucket": "b", "name": "scan.dcm"})
	require.NoError(t, h.Handle(context.Background(), testPerf(), env))

	require.Len(t, persist.rows, 1)
	assert.Nil(t, persist.rows[0].EmbeddingVector, "row persists without vector")
	assert.False(t, persist.rows[0].Info.Embedding.Model.Valid)
}

func TestGCSHandlerEmbeddingFailurePropagatesWhenRequired(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{"b/scan.dcm": []byte("x")}}
	persist := &fakePersister{}
	proc := &fakeProcessor{result: &dicomproc.Result{
		MetadataJSON: `{}`,
		Embedding:    &dicomproc.EmbeddingInput{Text: "report text"},
	}}
	ing := newTestIngestor(proc, persist, &fakeEmbedder{err: faults.Transient(fmt.Errorf("quota"))})
	ing.RequireEmbedding = true
	h := newTestGCSHandler(store, ing)

	env := gcsEnvelope(EventFinalize, "scan.dcm", map[string]any{"bucket": "b", "name": "scan.dcm"})
	err := h.Handle(context.Background(), testPerf(), env)
	require.Error(t, err)
	assert.True(t, faults.Retryable(err))
	assert.Empty(t, persist.rows)
}

func TestGCSHandlerInvalidDICOMYieldsNoRows(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{"b/bad.dcm": []byte("not a valid DICOM")}}
	persist := &fakePersister{}
	proc := &fakeProcessor{err: faults.InvalidInputf("parse dicom: unrecognized preamble")}
	h := newTestGCSHandler(store, newTestIngestor(proc, persist, nil))

	env := gcsEnvelope(EventFinalize, "bad.dcm", map[string]any{"bucket": "b", "name": "bad.dcm"})
	err := h.Handle(context.Background(), testPerf(), env)
	require.Error(t, err)
	assert.False(t, faults.Retryable(err))
	assert.Equal(t, 422, faults.StatusOf(err))
	assert.Empty(t, persist.rows)
}

func TestGCSHandlerMetadataUpdateGating(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{"b/scan.dcm": []byte("x")}}
	persist := &fakePersister{}
	proc := &fakeProcessor{result: &dicomproc.Result{MetadataJSON: `{}`}}
	h := newTestGCSHandler(store, newTestIngestor(proc, persist, nil))
	h.RequireReprocessKey = true

	// Without the reprocess key the event is a no-op.
	env := gcsEnvelope(EventMetadataUpdate, "scan.dcm", map[string]any{"bucket": "b", "name": "scan.dcm"})
	require.NoError(t, h.Handle(context.Background(), testPerf(), env))
	assert.Empty(t, persist.rows)

	// With the key the object is reprocessed.
	env = gcsEnvelope(EventMetadataUpdate, "scan.dcm", map[string]any{
		"bucket": "b", "name": "scan.dcm",
		"metadata": map[string]string{"reprocess": "2026-08-24T00:00:00Z"},
	})
	require.NoError(t, h.Handle(context.Background(), testPerf(), env))
	assert.Len(t, persist.rows, 1)
}

func TestGCSHandlerRejectsMissingObjectFields(t *testing.T) {
	h := newTestGCSHandler(&fakeStore{}, newTestIngestor(&fakeProcessor{}, &fakePersister{}, nil))
	env := gcsEnvelope(EventFinalize, "scan.dcm", map[string]any{"bucket": "b"})
	err := h.Handle(context.Background(), testPerf(), env)
	require.Error(t, err)
	assert.Equal(t, faults.KindInvalidInput, faults.KindOf(err))
}

func TestDICOMWebHandlerRejectsEmptyPath(t *testing.T) {
	h := &DICOMWebHandler{Ingest: newTestIngestor(&fakeProcessor{}, &fakePersister{}, nil), Logger: testLogger()}
	env := &PushEnvelope{Message: PushMessage{Data: []byte("   ")}}
	err := h.Handle(context.Background(), testPerf(), env)
	require.Error(t, err)
	assert.Equal(t, faults.KindBadSchema, faults.KindOf(err))
}

func TestInputTypeFor(t *testing.T) {
	assert.Equal(t, "DICOMWEB", inputTypeFor(EventDICOMWeb))
	assert.Equal(t, "GCS", inputTypeFor(EventFinalize))
	assert.Equal(t, "GCS", inputTypeFor(EventDelete))
}

func TestGCSHandlerArchiveMemberRows(t *testing.T) {
	zipData := buildTestZip(t, map[string][]byte{
		"a.dcm": []byte("one"),
		"b.dcm": []byte("two"),
		"c.txt": []byte("skip me"),
	})
	store := &fakeStore{objects: map[string][]byte{"b/study.zip": zipData}}
	persist := &fakePersister{}
	proc := &fakeProcessor{result: &dicomproc.Result{MetadataJSON: `{}`}}
	h := newTestGCSHandler(store, newTestIngestor(proc, persist, nil))

	env := gcsEnvelope(EventFinalize, "study.zip", map[string]any{
		"bucket": "b", "name": "study.zip", "generation": "7",
	})
	require.NoError(t, h.Handle(context.Background(), testPerf(), env))

	require.Len(t, persist.rows, 2)
	paths := []string{persist.rows[0].Path, persist.rows[1].Path}
	assert.ElementsMatch(t, []string{"b/study.zip#a.dcm", "b/study.zip#b.dcm"}, paths)
	for _, row := range persist.rows {
		assert.Equal(t, "7", row.Version, "members share the archive version")
	}
}

func TestGCSHandlerCorruptArchive(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{"b/study.zip": []byte("PK not really a zip")}}
	persist := &fakePersister{}
	h := newTestGCSHandler(store, newTestIngestor(&fakeProcessor{}, persist, nil))

	env := gcsEnvelope(EventFinalize, "study.zip", map[string]any{"bucket": "b", "name": "study.zip"})
	err := h.Handle(context.Background(), testPerf(), env)
	require.Error(t, err)
	assert.Equal(t, faults.KindInvalidInput, faults.KindOf(err))
	assert.Empty(t, persist.rows)
}

func TestGCSHandlerUnknownEvent(t *testing.T) {
	h := newTestGCSHandler(&fakeStore{}, newTestIngestor(&fakeProcessor{}, &fakePersister{}, nil))
	env := gcsEnvelope("OBJECT_UNKNOWN", "scan.dcm", map[string]any{"bucket": "b", "name": "scan.dcm"})
	err := h.Handle(context.Background(), testPerf(), env)
	require.Error(t, err)
	assert.Equal(t, faults.KindBadSchema, faults.KindOf(err))
}

func TestDeriveIDMatchesPersistedRows(t *testing.T) {
	// The handler leaves the id empty; the real persister derives it.
	id := warehouse.DeriveID("b/scans/ct.dcm", "42")
	assert.Len(t, id, 64)
	assert.Equal(t, id, warehouse.DeriveID("b/scans/ct.dcm", "42"))
	assert.NotEqual(t, id, warehouse.DeriveID("b/scans/ct.dcm", "43"))
}

func TestGCSHandlerMalformedPayload(t *testing.T) {
	h := newTestGCSHandler(&fakeStore{}, newTestIngestor(&fakeProcessor{}, &fakePersister{}, nil))
	env := gcsEnvelope(EventFinalize, "scan.dcm", nil)
	env.Message.Data = []byte("not json")
	err := h.Handle(context.Background(), testPerf(), env)
	require.Error(t, err)
	assert.Equal(t, faults.KindInvalidInput, faults.KindOf(err))
}

func buildTestZip(t *testing.T, members map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

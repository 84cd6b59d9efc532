package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imaginglake/backend/internal/warehouse"
)

type fakeDLQ struct {
	items   []warehouse.DeadLetter
	deleted []string
}

func (f *fakeDLQ) DLQItems(_ context.Context, limit, _ int) ([]warehouse.DeadLetter, error) {
	if limit < len(f.items) {
		return f.items[:limit], nil
	}
	return f.items, nil
}

func (f *fakeDLQ) DeleteDLQMessages(_ context.Context, ids []string) (int64, error) {
	f.deleted = append(f.deleted, ids...)
	return int64(len(ids)), nil
}

func deadLetter(msgID, bucket, name string) warehouse.DeadLetter {
	data, _ := json.Marshal(map[string]string{"bucket": bucket, "name": name, "generation": "1"})
	return warehouse.DeadLetter{Data: data, MessageID: msgID, SubscriptionName: "ingest"}
}

func TestRequeueDeduplicatesByObject(t *testing.T) {
	// 3 messages, 2 distinct objects, one duplicated.
	dlq := &fakeDLQ{items: []warehouse.DeadLetter{
		deadLetter("m-1", "b", "scans/a.dcm"),
		deadLetter("m-2", "b", "scans/b.dcm"),
		deadLetter("m-3", "b", "scans/a.dcm"),
	}}
	store := &fakeStore{objects: map[string][]byte{
		"b/scans/a.dcm": []byte("a"),
		"b/scans/b.dcm": []byte("b"),
	}}
	r := &Requeuer{DLQ: dlq, Store: store, Metrics: testMetrics, Logger: testLogger()}

	result, err := r.Requeue(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 2, result.RequeuedCount)
	assert.EqualValues(t, 3, result.DeletedMessageCount)
	assert.Empty(t, result.Failures)
	assert.ElementsMatch(t, []string{"b/scans/a.dcm", "b/scans/b.dcm"}, store.touched)
	assert.ElementsMatch(t, []string{"m-1", "m-2", "m-3"}, dlq.deleted)
}

func TestRequeueDeletesRowsForGoneObjects(t *testing.T) {
	dlq := &fakeDLQ{items: []warehouse.DeadLetter{
		deadLetter("m-1", "b", "gone.dcm"),
	}}
	store := &fakeStore{}
	r := &Requeuer{DLQ: dlq, Store: store, Metrics: testMetrics, Logger: testLogger()}

	result, err := r.Requeue(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 0, result.RequeuedCount)
	assert.EqualValues(t, 1, result.DeletedMessageCount, "nothing left to retry")
	assert.Empty(t, store.touched)
	assert.Empty(t, result.Failures)
}

func TestRequeueCollectsUnresolvableMessages(t *testing.T) {
	dlq := &fakeDLQ{items: []warehouse.DeadLetter{
		{MessageID: "m-broken", Data: []byte("{}"), Attributes: ""},
		deadLetter("m-ok", "b", "scan.dcm"),
	}}
	store := &fakeStore{objects: map[string][]byte{"b/scan.dcm": []byte("x")}}
	r := &Requeuer{DLQ: dlq, Store: store, Metrics: testMetrics, Logger: testLogger()}

	result, err := r.Requeue(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 1, result.RequeuedCount)
	assert.EqualValues(t, 1, result.DeletedMessageCount)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "m-broken", result.Failures[0].MessageID)
	assert.Equal(t, []string{"m-ok"}, dlq.deleted)
}

func TestRequeueFallsBackToAttributes(t *testing.T) {
	attrs, _ := json.Marshal(map[string]string{"bucketId": "b", "objectId": "attr.dcm"})
	dlq := &fakeDLQ{items: []warehouse.DeadLetter{
		{MessageID: "m-1", Attributes: string(attrs)},
	}}
	store := &fakeStore{objects: map[string][]byte{"b/attr.dcm": []byte("x")}}
	r := &Requeuer{DLQ: dlq, Store: store, Metrics: testMetrics, Logger: testLogger()}

	result, err := r.Requeue(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RequeuedCount)
	assert.Equal(t, []string{"b/attr.dcm"}, store.touched)
}

package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureInserter struct {
	rows []*Record
	err  error
}

func (c *captureInserter) Put(_ context.Context, src any) error {
	if c.err != nil {
		return c.err
	}
	c.rows = append(c.rows, src.(*Record))
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestPersistDerivesIDAndTimestamp(t *testing.T) {
	ins := &captureInserter{}
	p := NewPersister(ins, quietLogger())

	err := p.Persist(context.Background(), Record{Path: "b/scan.dcm", Version: "42"})
	require.NoError(t, err)

	require.Len(t, ins.rows, 1)
	row := ins.rows[0]
	assert.Equal(t, DeriveID("b/scan.dcm", "42"), row.ID)
	assert.False(t, row.Timestamp.IsZero())
	assert.WithinDuration(t, time.Now().UTC(), row.Timestamp, time.Minute)
}

func TestPersistKeepsExplicitTimestamp(t *testing.T) {
	ins := &captureInserter{}
	p := NewPersister(ins, quietLogger())

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, p.Persist(context.Background(), Record{Path: "p", Version: "1", Timestamp: ts}))
	assert.Equal(t, ts, ins.rows[0].Timestamp)
}

func TestPersistNilsEmptyVector(t *testing.T) {
	ins := &captureInserter{}
	p := NewPersister(ins, quietLogger())

	require.NoError(t, p.Persist(context.Background(), Record{
		Path: "p", Version: "1", EmbeddingVector: []float64{},
	}))
	assert.Nil(t, ins.rows[0].EmbeddingVector)

	require.NoError(t, p.Persist(context.Background(), Record{
		Path: "p", Version: "2", EmbeddingVector: []float64{0.5},
	}))
	assert.Equal(t, []float64{0.5}, ins.rows[1].EmbeddingVector)
}

func TestPersistWrapsInsertFailure(t *testing.T) {
	cause := fmt.Errorf("streaming quota exceeded")
	p := NewPersister(&captureInserter{err: cause}, quietLogger())

	err := p.Persist(context.Background(), Record{Path: "b/x.dcm", Version: "9"})
	require.Error(t, err)

	var ie *InsertError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "b/x.dcm", ie.Row.Path)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "b/x.dcm")
}

func TestDeriveID(t *testing.T) {
	// sha256("a/b.dcm|7") is stable across processes.
	id := DeriveID("a/b.dcm", "7")
	assert.Len(t, id, 64)
	assert.Equal(t, id, DeriveID("a/b.dcm", "7"))
	assert.NotEqual(t, id, DeriveID("a/b.dcm", "8"))
	assert.NotEqual(t, id, DeriveID("a/b.dcm#x.dcm", "7"))
}

func TestNullableHelpers(t *testing.T) {
	assert.False(t, NullableString("").Valid)
	assert.True(t, NullableString("x").Valid)
	assert.False(t, NullableInt64(0).Valid)
	assert.False(t, NullableInt64(-1).Valid)
	assert.True(t, NullableInt64(10).Valid)
}

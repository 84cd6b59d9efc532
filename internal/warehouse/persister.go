package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// rowInserter is satisfied by *bigquery.Inserter.
type rowInserter interface {
	Put(ctx context.Context, src any) error
}

// Persister is the single warehouse write path for ingestion records.
type Persister struct {
	inserter rowInserter
	logger   *slog.Logger
}

func NewPersister(inserter rowInserter, logger *slog.Logger) *Persister {
	return &Persister{inserter: inserter, logger: logger}
}

// InsertError carries the offending row so operators can triage failed
// inserts from the logs.
type InsertError struct {
	Row Record
	Err error
}

func (e *InsertError) Error() string {
	return fmt.Sprintf("insert row id=%s path=%s: %v", e.Row.ID, e.Row.Path, e.Err)
}

func (e *InsertError) Unwrap() error { return e.Err }

// Persist derives the row id from (path, version), stamps the observation
// time when unset, and streams the row. Insert failures always propagate.
func (p *Persister) Persist(ctx context.Context, row Record) error {
	row.ID = DeriveID(row.Path, row.Version)
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}
	// embeddingVector is present only when non-empty.
	if len(row.EmbeddingVector) == 0 {
		row.EmbeddingVector = nil
	}

	if err := p.inserter.Put(ctx, &row); err != nil {
		return &InsertError{Row: row, Err: err}
	}

	p.logger.Debug("row persisted",
		"id", row.ID,
		"path", row.Path,
		"version", row.Version,
		"event", row.Info.Event,
		"vector_len", len(row.EmbeddingVector),
	)
	return nil
}

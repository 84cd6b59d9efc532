// Package warehouse owns everything that touches BigQuery: the ingestion row
// schema, the persister (the only write path), the admin query templates and
// identifier grammar, the study-metadata normaliser, and dead-letter reads.
package warehouse

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"cloud.google.com/go/bigquery"
)

// Record is one (object, version) observation, streamed into the instances
// table. Field tags follow the warehouse schema; nested nullable leaves use
// the bigquery null types because the warehouse rejects null RECORDs but
// accepts records with null leaves.
type Record struct {
	ID        string    `bigquery:"id"`
	Timestamp time.Time `bigquery:"timestamp"`
	Path      string    `bigquery:"path"`
	Version   string    `bigquery:"version"`
	Info      Info      `bigquery:"info"`
	// Metadata is the raw JSON string of extracted DICOM tags; null for
	// delete/archive observations.
	Metadata bigquery.NullString `bigquery:"metadata"`
	// EmbeddingVector is omitted (nil) when empty: repeated columns cannot
	// be null.
	EmbeddingVector []float64 `bigquery:"embeddingVector"`
}

type Info struct {
	Event     string        `bigquery:"event"`
	Input     InputInfo     `bigquery:"input"`
	Embedding EmbeddingInfo `bigquery:"embedding"`
}

type InputInfo struct {
	Size bigquery.NullInt64  `bigquery:"size"`
	Type bigquery.NullString `bigquery:"type"`
}

type EmbeddingInfo struct {
	Model bigquery.NullString `bigquery:"model"`
	Input EmbeddingInputInfo  `bigquery:"input"`
}

type EmbeddingInputInfo struct {
	Path     bigquery.NullString `bigquery:"path"`
	Size     bigquery.NullInt64  `bigquery:"size"`
	MimeType bigquery.NullString `bigquery:"mimeType"`
}

// DeriveID computes the deterministic row id for a (path, version) pair.
// Concurrent redeliveries of the same observation converge on one id; the
// read projection keeps the latest timestamp.
func DeriveID(path, version string) string {
	sum := sha256.Sum256([]byte(path + "|" + version))
	return hex.EncodeToString(sum[:])
}

// NullableString wraps s, treating "" as SQL NULL.
func NullableString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

// NullableInt64 wraps n, treating values <= 0 as SQL NULL.
func NullableInt64(n int64) bigquery.NullInt64 {
	return bigquery.NullInt64{Int64: n, Valid: n > 0}
}

// Package dicomproc turns raw DICOM buffers into extracted metadata plus an
// optional embedding input (rendered JPEG, encapsulated-PDF text, or
// structured-report text).
package dicomproc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/imaginglake/backend/internal/faults"
)

// ArtifactStore uploads processed renderings. Satisfied by *objstore.Client.
type ArtifactStore interface {
	Upload(ctx context.Context, bucket, object, contentType string, data []byte) error
}

// Summarizer condenses embedding-incompatible text. A nil Summarizer on the
// Processor means summarization is not configured.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Processor extracts metadata and prepares embedding inputs.
type Processor struct {
	Store     ArtifactStore
	Render    Renderer
	Summarize Summarizer

	Options OutputOptions
	SR      SRSwitches

	// ProcessedBucketPath is "bucket" or "bucket/prefix" for rendered JPEGs.
	ProcessedBucketPath string
	// MaxTextLength is the embedding model's text limit; longer extractions
	// are summarized (or the embedding is skipped) when RequireCompatible.
	MaxTextLength     int
	RequireCompatible bool

	Logger *slog.Logger
}

// Result is the processor output for one DICOM buffer.
type Result struct {
	MetadataJSON string
	Size         int64
	// Embedding is nil when no track applies or the track degraded.
	Embedding *EmbeddingInput
}

// EmbeddingInput describes what to send to the embedding model. Exactly one
// of Text or ImageGCSURI is set.
type EmbeddingInput struct {
	Text        string
	ImageGCSURI string
	// UploadPath/MimeType/Size describe the stored artifact (image) or the
	// text blob, for the row's info.embedding.input record.
	UploadPath string
	MimeType   string
	Size       int64
}

// Process parses buf, extracts metadata, and prepares the embedding input
// selected by the SOP class. Embedding-track degradations (unsupported
// transfer syntax, render failure, unconfigured summarizer) never fail the
// record; invalid DICOM and, when an embedding is required, an unrecognised
// SOP class do.
func (p *Processor) Process(ctx context.Context, uri string, buf []byte) (*Result, error) {
	ds, err := parse(buf)
	if err != nil {
		return nil, err
	}

	meta := extractMetadata(ds, p.Options)
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	res := &Result{MetadataJSON: string(metaJSON), Size: int64(len(buf))}

	sopClass := firstString(ds, tag.SOPClassUID)
	track := TrackFor(sopClass)

	switch track {
	case TrackImage:
		res.Embedding = p.imageInput(ctx, uri, ds, buf)
	case TrackEncapsulatedPDF:
		doc, err := extractEncapsulatedPDF(ds)
		if err != nil {
			return nil, err
		}
		text, err := pdfToText(doc)
		if err != nil {
			return nil, err
		}
		res.Embedding = p.textInput(ctx, uri, text)
	case TrackStructuredReport:
		res.Embedding = p.textInput(ctx, uri, extractSRText(ds, p.SR))
	case TrackNone:
		if p.RequireCompatible {
			return nil, faults.UnsupportedPayload(fmt.Errorf("SOP class %q has no embedding track", sopClass))
		}
	}

	return res, nil
}

// imageInput renders the instance to JPEG, uploads it under
// {study}/{series}/{instance}.jpg, and returns the image embedding input.
// Every failure degrades to nil: the row persists without a vector.
func (p *Processor) imageInput(ctx context.Context, uri string, ds dicom.Dataset, buf []byte) *EmbeddingInput {
	ts := firstString(ds, tag.TransferSyntaxUID)
	if !TransferSyntaxAllowed(ts) {
		p.Logger.Warn("transfer syntax outside render allow-list, skipping image", "uri", uri, "transfer_syntax", ts)
		return nil
	}

	jpeg, err := p.Render.RenderJPEG(ctx, buf)
	if err != nil {
		p.Logger.Warn("image render failed, row persists without vector", "uri", uri, "error", err)
		return nil
	}

	study := firstString(ds, tag.StudyInstanceUID)
	series := firstString(ds, tag.SeriesInstanceUID)
	instance := firstString(ds, tag.SOPInstanceUID)
	object := fmt.Sprintf("%s/%s/%s.jpg", study, series, instance)

	bucket, prefix, _ := strings.Cut(p.ProcessedBucketPath, "/")
	if bucket == "" {
		p.Logger.Warn("no processed bucket configured, skipping image upload", "uri", uri)
		return nil
	}
	if prefix != "" {
		object = prefix + "/" + object
	}

	if err := p.Store.Upload(ctx, bucket, object, "image/jpeg", jpeg); err != nil {
		p.Logger.Warn("artifact upload failed, row persists without vector", "uri", uri, "error", err)
		return nil
	}

	return &EmbeddingInput{
		ImageGCSURI: fmt.Sprintf("gs://%s/%s", bucket, object),
		UploadPath:  bucket + "/" + object,
		MimeType:    "image/jpeg",
		Size:        int64(len(jpeg)),
	}
}

// textInput applies the summarization policy to an extracted text blob.
func (p *Processor) textInput(ctx context.Context, uri, text string) *EmbeddingInput {
	if text == "" {
		return nil
	}
	if p.RequireCompatible && p.MaxTextLength > 0 && len(text) > p.MaxTextLength {
		if p.Summarize == nil {
			p.Logger.Warn("text exceeds embedding limit and no summarization model configured, skipping embedding",
				"uri", uri, "length", len(text), "max", p.MaxTextLength)
			return nil
		}
		summarized, err := p.Summarize.Summarize(ctx, text)
		if err != nil {
			p.Logger.Warn("summarization failed, skipping embedding for this text", "uri", uri, "error", err)
			return nil
		}
		text = summarized
	}
	return &EmbeddingInput{Text: text, MimeType: "text/plain", Size: int64(len(text))}
}

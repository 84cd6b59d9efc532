package dicomproc

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/imaginglake/backend/internal/faults"
)

var tagEncapsulatedDocument = tag.Tag{Group: 0x0042, Element: 0x0011}

// extractEncapsulatedPDF pulls the embedded document bytes out of the bulk
// data element. A missing or non-binary element is a permanent fault.
func extractEncapsulatedPDF(ds dicom.Dataset) ([]byte, error) {
	el, err := ds.FindElementByTag(tagEncapsulatedDocument)
	if err != nil || el == nil {
		return nil, faults.InvalidInputf("encapsulated PDF without EncapsulatedDocument element")
	}
	switch v := el.Value.GetValue().(type) {
	case []byte:
		return v, nil
	case [][]byte:
		if len(v) > 0 {
			return bytes.Join(v, nil), nil
		}
	}
	return nil, faults.InvalidInputf("EncapsulatedDocument element has no bulk data")
}

// pdfToText extracts the plain text of a PDF document.
func pdfToText(doc []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
	if err != nil {
		return "", faults.InvalidInput(fmt.Errorf("parse embedded PDF: %w", err))
	}
	text, err := r.GetPlainText()
	if err != nil {
		return "", faults.InvalidInput(fmt.Errorf("extract PDF text: %w", err))
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, text); err != nil {
		return "", fmt.Errorf("read PDF text: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}

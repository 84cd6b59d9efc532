package dicomproc

// Track selects the embedding input pipeline for a SOP class.
type Track int

const (
	TrackNone Track = iota
	TrackImage
	TrackEncapsulatedPDF
	TrackStructuredReport
)

func (t Track) String() string {
	switch t {
	case TrackImage:
		return "IMAGE"
	case TrackEncapsulatedPDF:
		return "ENCAPSULATED_PDF"
	case TrackStructuredReport:
		return "STRUCTURED_REPORT"
	default:
		return "NONE"
	}
}

// Image storage SOP classes that feed the JPEG render pipeline.
var imageSOPClasses = map[string]bool{
	"1.2.840.10008.5.1.4.1.1.1":       true, // CR
	"1.2.840.10008.5.1.4.1.1.1.1":     true, // DX for presentation
	"1.2.840.10008.5.1.4.1.1.1.1.1":   true, // DX for processing
	"1.2.840.10008.5.1.4.1.1.1.2":     true, // MG
	"1.2.840.10008.5.1.4.1.1.2":       true, // CT
	"1.2.840.10008.5.1.4.1.1.2.1":     true, // Enhanced CT
	"1.2.840.10008.5.1.4.1.1.3.1":     true, // US multi-frame
	"1.2.840.10008.5.1.4.1.1.4":       true, // MR
	"1.2.840.10008.5.1.4.1.1.4.1":     true, // Enhanced MR
	"1.2.840.10008.5.1.4.1.1.6.1":     true, // US
	"1.2.840.10008.5.1.4.1.1.7":       true, // Secondary capture
	"1.2.840.10008.5.1.4.1.1.12.1":    true, // XA
	"1.2.840.10008.5.1.4.1.1.20":      true, // NM
	"1.2.840.10008.5.1.4.1.1.128":     true, // PT
	"1.2.840.10008.5.1.4.1.1.481.1":   true, // RT image
}

const encapsulatedPDFSOPClass = "1.2.840.10008.5.1.4.1.1.104.1"

// Basic Text, Enhanced, Comprehensive structured reports.
var srSOPClasses = map[string]bool{
	"1.2.840.10008.5.1.4.1.1.88.11": true,
	"1.2.840.10008.5.1.4.1.1.88.22": true,
	"1.2.840.10008.5.1.4.1.1.88.33": true,
}

// TrackFor resolves the embedding track from a SOP class UID.
func TrackFor(sopClassUID string) Track {
	switch {
	case imageSOPClasses[sopClassUID]:
		return TrackImage
	case sopClassUID == encapsulatedPDFSOPClass:
		return TrackEncapsulatedPDF
	case srSOPClasses[sopClassUID]:
		return TrackStructuredReport
	default:
		return TrackNone
	}
}

// Transfer syntaxes the image render pipeline accepts. Anything outside this
// list degrades to "no image": the row still persists, without a vector.
var allowedTransferSyntaxes = map[string]bool{
	"1.2.840.10008.1.2":        true, // implicit little endian
	"1.2.840.10008.1.2.1":      true, // explicit little endian
	"1.2.840.10008.1.2.1.99":   true, // deflated explicit little endian
	"1.2.840.10008.1.2.2":      true, // explicit big endian
	"1.2.840.10008.1.2.5":      true, // RLE lossless
	"1.2.840.10008.1.2.4.50":   true, // JPEG baseline (process 1)
	"1.2.840.10008.1.2.4.51":   true, // JPEG extended (processes 2 & 4)
	"1.2.840.10008.1.2.4.57":   true, // JPEG lossless (process 14)
	"1.2.840.10008.1.2.4.70":   true, // JPEG lossless (process 14, SV1)
	"1.2.840.10008.1.2.4.90":   true, // JPEG 2000 lossless
	"1.2.840.10008.1.2.4.91":   true, // JPEG 2000
}

// TransferSyntaxAllowed reports whether the render pipeline accepts uid.
func TransferSyntaxAllowed(uid string) bool {
	return allowedTransferSyntaxes[uid]
}

package dicomproc

import (
	"bytes"
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/imaginglake/backend/internal/faults"
)

// OutputOptions control which parsed elements land in the metadata JSON.
type OutputOptions struct {
	// IncludePrivateTags keeps odd-group (vendor private) elements.
	IncludePrivateTags bool
	// IncludeBinaryTags keeps bulk binary elements (pixel data and friends)
	// as byte lengths rather than dropping them.
	IncludeBinaryTags bool
	// IncludeMetaHeader keeps the group 0002 file meta elements.
	IncludeMetaHeader bool
	// CommonNames keys elements by dictionary name where known; otherwise
	// every element is keyed by its (gggg,eeee) tag string.
	CommonNames bool
}

// DefaultOutputOptions match the production parser flags.
func DefaultOutputOptions() OutputOptions {
	return OutputOptions{CommonNames: true}
}

// parse decodes a raw DICOM buffer. Any decode failure is a permanent fault.
func parse(buf []byte) (dicom.Dataset, error) {
	ds, err := dicom.Parse(bytes.NewReader(buf), int64(len(buf)), nil)
	if err != nil {
		return dicom.Dataset{}, faults.InvalidInput(fmt.Errorf("parse DICOM: %w", err))
	}
	return ds, nil
}

// extractMetadata flattens the dataset into a JSON-ready map.
func extractMetadata(ds dicom.Dataset, opts OutputOptions) map[string]any {
	out := make(map[string]any, len(ds.Elements))
	for _, el := range ds.Elements {
		if el == nil {
			continue
		}
		if el.Tag.Group == 0x0002 && !opts.IncludeMetaHeader {
			continue
		}
		if el.Tag.Group%2 == 1 && !opts.IncludePrivateTags {
			continue
		}
		if isBinaryVR(el.RawValueRepresentation) {
			if !opts.IncludeBinaryTags {
				continue
			}
			out[elementKey(el.Tag, opts)] = map[string]any{"vr": el.RawValueRepresentation}
			continue
		}
		out[elementKey(el.Tag, opts)] = elementValue(el)
	}
	return out
}

func isBinaryVR(vr string) bool {
	switch vr {
	case "OB", "OW", "OF", "OD", "OL", "UN":
		return true
	}
	return false
}

func elementKey(t tag.Tag, opts OutputOptions) string {
	if opts.CommonNames {
		if info, err := tag.Find(t); err == nil && info.Name != "" {
			return info.Name
		}
	}
	return fmt.Sprintf("(%04X,%04X)", t.Group, t.Element)
}

// elementValue renders an element value as plain JSON shapes. Single-valued
// fields collapse to scalars; sequences recurse into per-item maps.
func elementValue(el *dicom.Element) any {
	switch v := el.Value.GetValue().(type) {
	case []string:
		if len(v) == 1 {
			return v[0]
		}
		return v
	case []int:
		if len(v) == 1 {
			return v[0]
		}
		return v
	case []float64:
		if len(v) == 1 {
			return v[0]
		}
		return v
	case []*dicom.SequenceItemValue:
		items := make([]map[string]any, 0, len(v))
		for _, item := range v {
			elems, ok := item.GetValue().([]*dicom.Element)
			if !ok {
				continue
			}
			m := make(map[string]any, len(elems))
			for _, sub := range elems {
				if sub == nil || isBinaryVR(sub.RawValueRepresentation) {
					continue
				}
				m[elementKey(sub.Tag, OutputOptions{CommonNames: true})] = elementValue(sub)
			}
			items = append(items, m)
		}
		return items
	default:
		return fmt.Sprintf("%v", v)
	}
}

// firstString reads the first string value of an element by tag, or "".
func firstString(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTagNested(t)
	if err != nil || el == nil {
		return ""
	}
	if vals, ok := el.Value.GetValue().([]string); ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}

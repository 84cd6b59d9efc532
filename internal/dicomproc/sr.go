package dicomproc

import (
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// SR content-item tags (PS3.3 C.17.3). Spelled out as literals so the walk
// does not depend on dictionary coverage.
var (
	tagContentSequence          = tag.Tag{Group: 0x0040, Element: 0xA730}
	tagValueType                = tag.Tag{Group: 0x0040, Element: 0xA040}
	tagTextValue                = tag.Tag{Group: 0x0040, Element: 0xA160}
	tagNumericValue             = tag.Tag{Group: 0x0040, Element: 0xA30A}
	tagConceptNameCodeSequence  = tag.Tag{Group: 0x0040, Element: 0xA043}
	tagConceptCodeSequence      = tag.Tag{Group: 0x0040, Element: 0xA168}
	tagMeasurementUnitsSequence = tag.Tag{Group: 0x0040, Element: 0x08EA}
	tagCodeMeaning              = tag.Tag{Group: 0x0008, Element: 0x0104}
	tagDateTimeValue            = tag.Tag{Group: 0x0040, Element: 0xA120}
	tagDateValue                = tag.Tag{Group: 0x0040, Element: 0xA121}
	tagTimeValue                = tag.Tag{Group: 0x0040, Element: 0xA122}
	tagPersonNameValue          = tag.Tag{Group: 0x0040, Element: 0xA123}
)

// SRSwitches select which content-item kinds contribute to the extracted
// text blob.
type SRSwitches struct {
	IncludeText    bool
	IncludeNumeric bool
	IncludeCodes   bool
	IncludeDates   bool
	IncludeNames   bool
}

// DefaultSRSwitches extract everything.
func DefaultSRSwitches() SRSwitches {
	return SRSwitches{IncludeText: true, IncludeNumeric: true, IncludeCodes: true, IncludeDates: true, IncludeNames: true}
}

// extractSRText walks the document content tree depth-first and concatenates
// the selected value kinds, one line per content item, prefixed with the
// concept name when present.
func extractSRText(ds dicom.Dataset, sw SRSwitches) string {
	root, err := ds.FindElementByTag(tagContentSequence)
	if err != nil || root == nil {
		return ""
	}
	var sb strings.Builder
	walkContentItems(root, sw, &sb)
	return strings.TrimSpace(sb.String())
}

func walkContentItems(seq *dicom.Element, sw SRSwitches, sb *strings.Builder) {
	items, ok := seq.Value.GetValue().([]*dicom.SequenceItemValue)
	if !ok {
		return
	}
	for _, item := range items {
		elems, ok := item.GetValue().([]*dicom.Element)
		if !ok {
			continue
		}
		byTag := map[tag.Tag]*dicom.Element{}
		for _, el := range elems {
			if el != nil {
				byTag[el.Tag] = el
			}
		}

		valueType := itemString(byTag, tagValueType)
		label := codeMeaning(byTag[tagConceptNameCodeSequence])

		switch valueType {
		case "TEXT":
			if sw.IncludeText {
				writeLine(sb, label, itemString(byTag, tagTextValue))
			}
		case "NUM":
			if sw.IncludeNumeric {
				num := itemString(byTag, tagNumericValue)
				unit := codeMeaning(byTag[tagMeasurementUnitsSequence])
				if unit != "" {
					num = num + " " + unit
				}
				writeLine(sb, label, num)
			}
		case "CODE":
			if sw.IncludeCodes {
				writeLine(sb, label, codeMeaning(byTag[tagConceptCodeSequence]))
			}
		case "DATE":
			if sw.IncludeDates {
				writeLine(sb, label, itemString(byTag, tagDateValue))
			}
		case "TIME":
			if sw.IncludeDates {
				writeLine(sb, label, itemString(byTag, tagTimeValue))
			}
		case "DATETIME":
			if sw.IncludeDates {
				writeLine(sb, label, itemString(byTag, tagDateTimeValue))
			}
		case "PNAME":
			if sw.IncludeNames {
				writeLine(sb, label, itemString(byTag, tagPersonNameValue))
			}
		case "CONTAINER":
			if label != "" {
				writeLine(sb, "", label)
			}
		}

		// Nested content is legal under any value type, not just CONTAINER.
		if nested, ok := byTag[tagContentSequence]; ok {
			walkContentItems(nested, sw, sb)
		}
	}
}

func itemString(byTag map[tag.Tag]*dicom.Element, t tag.Tag) string {
	el, ok := byTag[t]
	if !ok || el == nil {
		return ""
	}
	if vals, ok := el.Value.GetValue().([]string); ok && len(vals) > 0 {
		return strings.TrimSpace(strings.Join(vals, " "))
	}
	return ""
}

func codeMeaning(seq *dicom.Element) string {
	if seq == nil {
		return ""
	}
	items, ok := seq.Value.GetValue().([]*dicom.SequenceItemValue)
	if !ok || len(items) == 0 {
		return ""
	}
	elems, ok := items[0].GetValue().([]*dicom.Element)
	if !ok {
		return ""
	}
	for _, el := range elems {
		if el != nil && el.Tag == tagCodeMeaning {
			if vals, ok := el.Value.GetValue().([]string); ok && len(vals) > 0 {
				return strings.TrimSpace(vals[0])
			}
		}
	}
	return ""
}

func writeLine(sb *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	if label != "" {
		sb.WriteString(label)
		sb.WriteString(": ")
	}
	sb.WriteString(value)
	sb.WriteString("\n")
}

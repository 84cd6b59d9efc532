package warehouse

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/imaginglake/backend/internal/faults"
)

// StudyMetadataTree is the normalised study view: attributes shared by every
// instance are hoisted to the highest level at which they are common, so the
// tree is deterministic across equivalent inputs regardless of row order.
type StudyMetadataTree struct {
	StudyInstanceUID string                 `json:"studyInstanceUID"`
	StudyCommon      map[string]any         `json:"studyCommon"`
	Series           []SeriesMetadataBranch `json:"series"`
}

type SeriesMetadataBranch struct {
	SeriesInstanceUID string                 `json:"seriesInstanceUID"`
	SeriesCommon      map[string]any         `json:"seriesCommon"`
	Instances         []InstanceMetadataLeaf `json:"instances"`
}

type InstanceMetadataLeaf struct {
	SOPInstanceUID string         `json:"sopInstanceUID"`
	Path           string         `json:"path"`
	Attributes     map[string]any `json:"attributes"`
}

// Administrative fields stripped at every level. These come from the file
// meta header or the ingestion machinery, not the imaging record.
var metadataBlocklist = map[string]bool{
	"FileMetaInformationGroupLength": true,
	"FileMetaInformationVersion":     true,
	"MediaStorageSOPClassUID":        true,
	"MediaStorageSOPInstanceUID":     true,
	"ImplementationClassUID":         true,
	"ImplementationVersionName":      true,
	"SourceApplicationEntityTitle":   true,
}

// BuildStudyMetadataTree normalises the instance rows of one study.
func BuildStudyMetadataTree(studyUID string, rows []Record) (*StudyMetadataTree, error) {
	type inst struct {
		sop   string
		path  string
		attrs map[string]any
	}

	bySeries := map[string][]inst{}
	for _, row := range rows {
		if !row.Metadata.Valid {
			continue
		}
		var attrs map[string]any
		if err := json.Unmarshal([]byte(row.Metadata.StringVal), &attrs); err != nil {
			return nil, faults.InvalidInputf("row %s: metadata is not valid JSON: %v", row.ID, err)
		}
		for key := range attrs {
			if metadataBlocklist[key] || strings.HasPrefix(key, "_") {
				delete(attrs, key)
			}
		}
		series, _ := attrs["SeriesInstanceUID"].(string)
		sop, _ := attrs["SOPInstanceUID"].(string)
		bySeries[series] = append(bySeries[series], inst{sop: sop, path: row.Path, attrs: attrs})
	}

	tree := &StudyMetadataTree{StudyInstanceUID: studyUID, StudyCommon: map[string]any{}}

	seriesUIDs := make([]string, 0, len(bySeries))
	for uid := range bySeries {
		seriesUIDs = append(seriesUIDs, uid)
	}
	sort.Strings(seriesUIDs)

	for _, uid := range seriesUIDs {
		insts := bySeries[uid]
		sort.Slice(insts, func(i, j int) bool { return insts[i].sop < insts[j].sop })

		maps := make([]map[string]any, len(insts))
		for i := range insts {
			maps[i] = insts[i].attrs
		}
		common := hoistCommon(maps)

		branch := SeriesMetadataBranch{SeriesInstanceUID: uid, SeriesCommon: common}
		for _, in := range insts {
			branch.Instances = append(branch.Instances, InstanceMetadataLeaf{
				SOPInstanceUID: in.sop,
				Path:           in.path,
				Attributes:     in.attrs,
			})
		}
		tree.Series = append(tree.Series, branch)
	}

	// Second hoist: series-common keys identical across every series move to
	// study level.
	seriesCommons := make([]map[string]any, len(tree.Series))
	for i := range tree.Series {
		seriesCommons[i] = tree.Series[i].SeriesCommon
	}
	if len(seriesCommons) > 0 {
		tree.StudyCommon = hoistCommon(seriesCommons)
	}

	return tree, nil
}

// hoistCommon removes, from every map, each key whose value signature is
// identical across all of them, and returns those keys as the common map.
// Signature equality uses canonical JSON (encoding/json sorts map keys), so
// structurally equal values compare equal regardless of insertion order.
func hoistCommon(maps []map[string]any) map[string]any {
	common := map[string]any{}
	if len(maps) == 0 {
		return common
	}

	keys := make([]string, 0, len(maps[0]))
	for key := range maps[0] {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		sig, ok := valueSignature(maps[0][key])
		if !ok {
			continue
		}
		shared := true
		for _, m := range maps[1:] {
			v, present := m[key]
			if !present {
				shared = false
				break
			}
			other, ok := valueSignature(v)
			if !ok || other != sig {
				shared = false
				break
			}
		}
		if shared {
			common[key] = maps[0][key]
			for _, m := range maps {
				delete(m, key)
			}
		}
	}
	return common
}

func valueSignature(v any) (string, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%T:%s", v, b), true
}

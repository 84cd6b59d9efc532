package warehouse

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metaRow(t *testing.T, path string, attrs map[string]any) Record {
	t.Helper()
	data, err := json.Marshal(attrs)
	require.NoError(t, err)
	return Record{Path: path, Version: "1", Metadata: NullableString(string(data))}
}

func TestBuildStudyMetadataTreeHoisting(t *testing.T) {
	rows := []Record{
		metaRow(t, "b/1.dcm", map[string]any{
			"StudyInstanceUID":  "ST1",
			"SeriesInstanceUID": "SE1",
			"SOPInstanceUID":    "I1",
			"Modality":          "CT",
			"PatientID":         "P1",
			"InstanceNumber":    "1",
		}),
		metaRow(t, "b/2.dcm", map[string]any{
			"StudyInstanceUID":  "ST1",
			"SeriesInstanceUID": "SE1",
			"SOPInstanceUID":    "I2",
			"Modality":          "CT",
			"PatientID":         "P1",
			"InstanceNumber":    "2",
		}),
		metaRow(t, "b/3.dcm", map[string]any{
			"StudyInstanceUID":  "ST1",
			"SeriesInstanceUID": "SE2",
			"SOPInstanceUID":    "I3",
			"Modality":          "PT",
			"PatientID":         "P1",
			"InstanceNumber":    "1",
		}),
	}

	tree, err := BuildStudyMetadataTree("ST1", rows)
	require.NoError(t, err)
	require.Len(t, tree.Series, 2)

	// PatientID and StudyInstanceUID are identical everywhere: study level.
	assert.Equal(t, "P1", tree.StudyCommon["PatientID"])
	assert.Equal(t, "ST1", tree.StudyCommon["StudyInstanceUID"])

	// Modality is series-constant but differs across series.
	se1 := tree.Series[0]
	assert.Equal(t, "SE1", se1.SeriesInstanceUID)
	assert.Equal(t, "CT", se1.SeriesCommon["Modality"])
	assert.NotContains(t, se1.SeriesCommon, "PatientID", "already hoisted to study")

	// InstanceNumber differs within SE1: stays on the leaves.
	require.Len(t, se1.Instances, 2)
	assert.Equal(t, "1", se1.Instances[0].Attributes["InstanceNumber"])
	assert.Equal(t, "2", se1.Instances[1].Attributes["InstanceNumber"])
	assert.NotContains(t, se1.Instances[0].Attributes, "Modality")

	se2 := tree.Series[1]
	assert.Equal(t, "PT", se2.SeriesCommon["Modality"])
}

func TestBuildStudyMetadataTreeDeterministicOrder(t *testing.T) {
	rows := []Record{
		metaRow(t, "b/z.dcm", map[string]any{"SeriesInstanceUID": "SE2", "SOPInstanceUID": "I9"}),
		metaRow(t, "b/a.dcm", map[string]any{"SeriesInstanceUID": "SE1", "SOPInstanceUID": "I2"}),
		metaRow(t, "b/m.dcm", map[string]any{"SeriesInstanceUID": "SE1", "SOPInstanceUID": "I1"}),
	}
	tree, err := BuildStudyMetadataTree("ST1", rows)
	require.NoError(t, err)

	require.Len(t, tree.Series, 2)
	assert.Equal(t, "SE1", tree.Series[0].SeriesInstanceUID)
	assert.Equal(t, "SE2", tree.Series[1].SeriesInstanceUID)
	assert.Equal(t, "I1", tree.Series[0].Instances[0].SOPInstanceUID)
	assert.Equal(t, "I2", tree.Series[0].Instances[1].SOPInstanceUID)
}

func TestBuildStudyMetadataTreeStripsBlocklist(t *testing.T) {
	rows := []Record{
		metaRow(t, "b/1.dcm", map[string]any{
			"SeriesInstanceUID":              "SE1",
			"SOPInstanceUID":                 "I1",
			"FileMetaInformationGroupLength": float64(196),
			"ImplementationVersionName":      "TOOLKIT_1",
			"_ingestDebug":                   "x",
			"Modality":                       "CT",
		}),
	}
	tree, err := BuildStudyMetadataTree("ST1", rows)
	require.NoError(t, err)

	all := map[string]any{}
	for k, v := range tree.StudyCommon {
		all[k] = v
	}
	for _, se := range tree.Series {
		for k, v := range se.SeriesCommon {
			all[k] = v
		}
		for _, in := range se.Instances {
			for k, v := range in.Attributes {
				all[k] = v
			}
		}
	}
	assert.Contains(t, all, "Modality")
	assert.NotContains(t, all, "FileMetaInformationGroupLength")
	assert.NotContains(t, all, "ImplementationVersionName")
	assert.NotContains(t, all, "_ingestDebug")
}

func TestBuildStudyMetadataTreeSkipsNullMetadata(t *testing.T) {
	rows := []Record{
		{Path: "b/del.dcm", Version: "2"},
		metaRow(t, "b/1.dcm", map[string]any{"SeriesInstanceUID": "SE1", "SOPInstanceUID": "I1"}),
	}
	tree, err := BuildStudyMetadataTree("ST1", rows)
	require.NoError(t, err)
	require.Len(t, tree.Series, 1)
	assert.Len(t, tree.Series[0].Instances, 1)
}

func TestBuildStudyMetadataTreeBadJSON(t *testing.T) {
	rows := []Record{{Path: "b/1.dcm", Metadata: NullableString("{broken")}}
	_, err := BuildStudyMetadataTree("ST1", rows)
	assert.Error(t, err)
}

func TestHoistCommonStructuralEquality(t *testing.T) {
	a := map[string]any{"Code": map[string]any{"Value": "1", "Scheme": "DCM"}, "N": "1"}
	b := map[string]any{"Code": map[string]any{"Scheme": "DCM", "Value": "1"}, "N": "2"}

	common := hoistCommon([]map[string]any{a, b})
	assert.Contains(t, common, "Code", "map key order does not affect the signature")
	assert.NotContains(t, common, "N")
	assert.NotContains(t, a, "Code")
	assert.NotContains(t, b, "Code")
}

package warehouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetterObjectRefPrefersData(t *testing.T) {
	d := &DeadLetter{
		Data:       []byte(`{"bucket":"b","name":"scans/x.dcm","generation":"55"}`),
		Attributes: `{"bucketId":"other","objectId":"other.dcm"}`,
	}
	ref, err := d.ObjectRef()
	require.NoError(t, err)
	assert.Equal(t, ObjectRef{Bucket: "b", Name: "scans/x.dcm", Generation: "55"}, ref)
}

func TestDeadLetterObjectRefAttributesFallback(t *testing.T) {
	d := &DeadLetter{
		Data:       []byte("not json"),
		Attributes: `{"bucketId":"b","objectId":"scans/y.dcm"}`,
	}
	ref, err := d.ObjectRef()
	require.NoError(t, err)
	assert.Equal(t, "b", ref.Bucket)
	assert.Equal(t, "scans/y.dcm", ref.Name)
	assert.Empty(t, ref.Generation)
}

func TestDeadLetterObjectRefUnresolvable(t *testing.T) {
	d := &DeadLetter{MessageID: "m-1", Data: []byte(`{}`), Attributes: `{}`}
	_, err := d.ObjectRef()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "m-1")
}

package wsbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelatorSignVerify(t *testing.T) {
	c, err := NewCorrelator()
	require.NoError(t, err)

	sig := c.Sign("conn-1", "00112233445566778899aabbccddeeff", "studies.search")
	assert.Len(t, sig, 64, "hex-encoded sha256")
	assert.True(t, c.Verify("conn-1", "00112233445566778899aabbccddeeff", "studies.search", sig))
}

func TestCorrelatorRejectsTampering(t *testing.T) {
	c, err := NewCorrelator()
	require.NoError(t, err)

	sig := c.Sign("conn-1", "00112233445566778899aabbccddeeff", "studies.search")

	assert.False(t, c.Verify("conn-2", "00112233445566778899aabbccddeeff", "studies.search", sig))
	assert.False(t, c.Verify("conn-1", "ffeeddccbbaa99887766554433221100", "studies.search", sig))
	assert.False(t, c.Verify("conn-1", "00112233445566778899aabbccddeeff", "dlq.purge", sig))
	assert.False(t, c.Verify("conn-1", "00112233445566778899aabbccddeeff", "studies.search", ""))
}

func TestCorrelatorSecretsAreDistinct(t *testing.T) {
	a, err := NewCorrelator()
	require.NoError(t, err)
	b, err := NewCorrelator()
	require.NoError(t, err)

	sig := a.Sign("conn-1", "00", "instances.get")
	assert.False(t, b.Verify("conn-1", "00", "instances.get", sig))
}

func TestFillPath(t *testing.T) {
	path, err := fillPath("/studies/:studyInstanceUID/metadata", []byte(`{"studyInstanceUID":"1.2.3"}`))
	require.NoError(t, err)
	assert.Equal(t, "/studies/1.2.3/metadata", path)

	_, err = fillPath("/api/instances/:id", []byte(`{}`))
	assert.Error(t, err)

	path, err = fillPath("/api/dlq/count", nil)
	require.NoError(t, err)
	assert.Equal(t, "/api/dlq/count", path)
}

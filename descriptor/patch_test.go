package descriptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configDescriptor(ifaceProtocol byte) []byte {
	buf := []byte{
		9, 0x02, 9 + 9, 0, 1, 1, 0, 0x80, 50, // configuration descriptor
		9, 0x04, 0, 0, 0, 0x08, 0x06, ifaceProtocol, 0, // interface descriptor (mass storage, protocol varies)
	}
	return buf
}

func TestPatchClearsUASProtocol(t *testing.T) {
	buf := configDescriptor(0x62)
	require.NoError(t, Patch(buf, false))
	assert.Equal(t, byte(0), buf[9+7])
}

func TestPatchLeavesNonUASUntouched(t *testing.T) {
	buf := configDescriptor(0x50)
	want := append([]byte(nil), buf...)
	require.NoError(t, Patch(buf, false))
	assert.Equal(t, want, buf)
}

func TestPatchIsIdempotent(t *testing.T) {
	buf := configDescriptor(0x62)
	require.NoError(t, Patch(buf, false))
	once := append([]byte(nil), buf...)
	require.NoError(t, Patch(buf, false))
	assert.Equal(t, once, buf)
}

func TestPatchRejectsShortBuffer(t *testing.T) {
	assert.Error(t, Patch([]byte{9}, false))
}

func TestPatchRejectsWrongDescriptorType(t *testing.T) {
	buf := configDescriptor(0x62)
	buf[1] = 0x01
	assert.Error(t, Patch(buf, false))
}

func TestPatchTerminatesOnMalformedLength(t *testing.T) {
	buf := []byte{9, 0x02, 18, 0, 1, 1, 0, 0x80, 50, 0, 1, 2, 3}
	assert.NoError(t, Patch(buf, false)) // length-0 entry must not infinite-loop
}

func TestPatchForceMSCClearsNonUASProtocol(t *testing.T) {
	buf := configDescriptor(0x50)
	require.NoError(t, Patch(buf, true))
	assert.Equal(t, byte(0), buf[9+7])
}

func TestPatchForceMSCLeavesNonMassStorageUntouched(t *testing.T) {
	buf := configDescriptor(0x62)
	buf[9+5] = 0x03 // reclassify the interface away from mass storage
	want := append([]byte(nil), buf...)
	require.NoError(t, Patch(buf, true))
	assert.Equal(t, want, buf)
}

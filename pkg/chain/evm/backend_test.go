package evm

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeErrorString builds ABI-encoded Error(string) return data the way a
// node reports a revert reason.
func encodeErrorString(t *testing.T, reason string) []byte {
	t.Helper()
	data := append([]byte{}, errorSelector...)
	data = append(data, make([]byte, 31)...)
	data = append(data, 0x20) // offset
	lenWord := make([]byte, 32)
	lenWord[31] = byte(len(reason))
	data = append(data, lenWord...)
	padded := make([]byte, (len(reason)+31)/32*32)
	copy(padded, reason)
	return append(data, padded...)
}

func TestDecodeRevertReason(t *testing.T) {
	reason, ok := decodeRevertReason(encodeErrorString(t, "E109: incorrect bond"))
	require.True(t, ok)
	assert.Equal(t, "E109: incorrect bond", reason)
}

func TestDecodeRevertReasonRejectsShortData(t *testing.T) {
	_, ok := decodeRevertReason(errorSelector)
	assert.False(t, ok)

	raw, err := hex.DecodeString("deadbeef")
	require.NoError(t, err)
	_, ok = decodeRevertReason(raw)
	assert.False(t, ok)
}

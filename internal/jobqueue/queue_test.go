package jobqueue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlacklistKeyIsDeterministicAndAddressScoped(t *testing.T) {
	a := [20]byte{1, 2, 3}
	b := [20]byte{1, 2, 4}
	require.Equal(t, blacklistKey(a), blacklistKey(a))
	require.NotEqual(t, blacklistKey(a), blacklistKey(b))
	require.Equal(t, "exodus:blacklist:0102030000000000000000000000000000000000", blacklistKey(a))
}

func TestHexEncodeRoundTripsKnownBytes(t *testing.T) {
	require.Equal(t, "00ff10", hexEncode([]byte{0x00, 0xff, 0x10}))
}

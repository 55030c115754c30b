package exitservice

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorSatisfiesErrorInterfaceWithFixedCode(t *testing.T) {
	err := newError(TokenNotExist, "token does not exist")
	require.EqualValues(t, 101, err.Code)
	require.Equal(t, "token does not exist", err.Error())
}

func TestListChainsAndListTokensAreAvailableWithoutAnyBacking(t *testing.T) {
	// ListChains/ListTokens never touch the store, driver, or queue — they
	// must work even when those collaborators are unset, matching the
	// "available even while recovery is incomplete" carve-out (spec.md §4.8).
	chains := []ChainInfo{
		{ChainID: 1, ContractAddress: [20]byte{0xaa}},
		{ChainID: 2, ContractAddress: [20]byte{0xbb}},
	}
	tokens := []TokenInfo{
		{TokenID: 1, ChainAddresses: map[uint8][20]byte{1: {0x01}}},
	}
	svc := New(nil, nil, nil, nil, chains, tokens, nil)

	got := svc.ListChains()
	require.Len(t, got, 2)

	gotTokens := svc.ListTokens()
	require.Len(t, gotTokens, 1)
	require.EqualValues(t, 1, gotTokens[0].TokenID)
}

func TestListChainsReturnsEmptySliceNotNilWhenUnconfigured(t *testing.T) {
	svc := New(nil, nil, nil, nil, nil, nil, nil)
	require.NotNil(t, svc.ListChains())
	require.Empty(t, svc.ListChains())
	require.NotNil(t, svc.ListTokens())
	require.Empty(t, svc.ListTokens())
}

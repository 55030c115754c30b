// Package chainmeta holds the small cross-chain constant tables the rest
// of the service treats as protocol truth: chain id bounds, the reserved
// account ids, the USD aggregate token and its per-chain stablecoin
// basket (spec.md §3 invariant 6, §8 scenario 5).
package chainmeta

// ChainID is a rollup-assigned chain identifier, distinct from the
// layer-1 native chain id of the same chain (spec.md §3).
type ChainID uint8

// MaxChainID bounds ChainID (spec.md §3: 1 <= id <= MAX_CHAIN_ID).
const MaxChainID ChainID = 255

// TokenID identifies a rollup-level token.
type TokenID uint32

const (
	// FeeAccountID is account 0, created in genesis.
	FeeAccountID uint32 = 0
	// GlobalAssetAccountID is account 1, the sentinel all-ones address
	// account, created in genesis.
	GlobalAssetAccountID uint32 = 1

	// USDTokenID is the virtual aggregate token; it never has a layer-1
	// address (spec.md §3 invariant 6).
	USDTokenID TokenID = 1

	// StablecoinBasketLow and StablecoinBasketHigh bound the stablecoin
	// basket that maps into USD (spec.md §3: ids 17-31).
	StablecoinBasketLow  TokenID = 17
	StablecoinBasketHigh TokenID = 31

	// SubAccountMax bounds the SubAccount namespace integer.
	SubAccountMax uint32 = 7
)

// GlobalAssetAddress is the sentinel all-ones address for account id 1.
var GlobalAssetAddress = [20]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// IsStablecoin reports whether token id t is part of the USD-mapped
// stablecoin basket (ids 17-31).
func IsStablecoin(t TokenID) bool {
	return t >= StablecoinBasketLow && t <= StablecoinBasketHigh
}

// StablecoinBasket maps, per chain, the l1TargetToken ids the virtual
// USD token (l2SourceToken 1) fans an exit-proof request out into
// (§4.8, §3 invariant 6, §8 scenario 5): USD itself is never a layer-1
// token, so withdrawing it means one proof task per (chain,
// l1TargetToken) stablecoin pair instead. The caller supplies the
// per-chain lists to NewStablecoinBasket; no token registry is read here.
// It is the in-memory view the enqueue path reads without a DB round
// trip.
type StablecoinBasket struct {
	// byChain[chainID] -> sorted list of l1TargetToken ids backed by a
	// stablecoin on that chain.
	byChain map[ChainID][]TokenID
}

// NewStablecoinBasket builds a basket view from a chain -> token-id list.
func NewStablecoinBasket(byChain map[ChainID][]TokenID) *StablecoinBasket {
	cp := make(map[ChainID][]TokenID, len(byChain))
	for c, toks := range byChain {
		cp[c] = append([]TokenID(nil), toks...)
	}
	return &StablecoinBasket{byChain: cp}
}

// TokensForChain returns the stablecoin token ids configured for chain c.
func (b *StablecoinBasket) TokensForChain(c ChainID) []TokenID {
	return b.byChain[c]
}

// Chains returns every chain with at least one stablecoin mapping, in
// ascending order, so fan-out enumeration (§8 scenario 5) is
// deterministic.
func (b *StablecoinBasket) Chains() []ChainID {
	out := make([]ChainID, 0, len(b.byChain))
	for c := range b.byChain {
		out = append(out, c)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Count returns the total number of (chain, token) pairs in the basket —
// the exact fan-out size for enqueue_by_token(token_id=1) (§8 scenario 5).
func (b *StablecoinBasket) Count() int {
	n := 0
	for _, toks := range b.byChain {
		n += len(toks)
	}
	return n
}

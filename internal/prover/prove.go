package prover

// Proof is the opaque SNARK proof byte string the exit-proof contract
// call expects as calldata (spec.md §1 "black-box prove(witness) ->
// proof function with a known keyed setup").
type Proof []byte

// SNARKProver is the black-box circuit boundary spec.md §1 carves out of
// scope: a keyed setup plus a pure prove(witness) -> proof function. The
// real implementation lives outside this module (a circuit compiler and
// proving key are not part of the CORE); this package only defines the
// interface and wires a deterministic stub so the claim/complete loop is
// fully exercised without a real circuit.
type SNARKProver interface {
	Prove(setupKey []byte, witness *Witness) (Proof, error)
}

// StubProver produces a structurally valid but non-cryptographic proof,
// standing in for the real SNARK backend during development and testing.
type StubProver struct{}

func (StubProver) Prove(setupKey []byte, witness *Witness) (Proof, error) {
	return deterministicDigest(setupKey, witness), nil
}

func deterministicDigest(setupKey []byte, w *Witness) []byte {
	h := fnv1a(setupKey)
	h = fnv1aUint32(h, w.Account.ID)
	h = fnv1aUint32(h, uint32(w.SubAccountID))
	h = fnv1aUint32(h, w.L1TargetToken)
	h = fnv1aUint32(h, w.L2SourceToken)
	if w.Balance != nil {
		h = fnv1a2(h, w.Balance.Bytes())
	}
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(h >> (8 * i))
	}
	return out
}

func fnv1a(b []byte) uint64  { return fnv1a2(offsetBasis, b) }
func fnv1a2(h uint64, b []byte) uint64 {
	for _, c := range b {
		h ^= uint64(c)
		h *= prime
	}
	return h
}
func fnv1aUint32(h uint64, v uint32) uint64 {
	var buf [4]byte
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	return fnv1a2(h, buf[:])
}

const (
	offsetBasis = 14695981039346656037
	prime       = 1099511628211
)

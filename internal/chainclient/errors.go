package chainclient

import "fmt"

// ChainUnavailable is surfaced when a chain's RPC endpoint has failed
// persistently (past the bounded backoff); the Recovery Driver pauses
// that chain without advancing its head (spec.md §4.1, §7).
type ChainUnavailable struct {
	ChainID uint8
	Cause   error
}

func (e *ChainUnavailable) Error() string {
	return fmt.Sprintf("chain %d unavailable: %v", e.ChainID, e.Cause)
}

func (e *ChainUnavailable) Unwrap() error { return e.Cause }

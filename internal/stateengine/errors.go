package stateengine

import "github.com/pkg/errors"

// StateMismatch is fatal: the replayed root disagrees with the
// committed root, meaning either a decode bug or protocol drift
// upstream of this service (spec.md §7).
type StateMismatch struct {
	BlockNumber uint64
	Want        [32]byte
	Got         [32]byte
}

func (e *StateMismatch) Error() string {
	return errors.Errorf("stateengine: block %d root mismatch: want %x got %x",
		e.BlockNumber, e.Want, e.Got).Error()
}

// PreconditionError reports a violated per-op invariant (e.g. insufficient
// balance, bad nonce, unknown account) discovered while applying an op
// that was already committed on L1 — this should never happen for a
// correctly-signed protocol, so it is treated as fatal like StateMismatch
// rather than skipped (spec.md §4.4 "per-op preconditions").
type PreconditionError struct {
	BlockNumber uint64
	OpIndex     int
	Reason      string
}

func (e *PreconditionError) Error() string {
	return errors.Errorf("stateengine: block %d op %d: %s", e.BlockNumber, e.OpIndex, e.Reason).Error()
}

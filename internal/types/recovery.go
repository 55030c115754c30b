package types

// StorageStateUpdate records which recovery phase is in flight, so a
// crash-resume restarts at the correct durable checkpoint (spec.md §3,
// §4.5 "Crash safety").
type StorageStateUpdate uint8

const (
	StorageStateEmpty StorageStateUpdate = iota
	StorageStateNone
	StorageStateEvents
	StorageStateOperations
	StorageStateTree
)

func (s StorageStateUpdate) String() string {
	switch s {
	case StorageStateEmpty:
		return "Empty"
	case StorageStateNone:
		return "None"
	case StorageStateEvents:
		return "Events"
	case StorageStateOperations:
		return "Operations"
	case StorageStateTree:
		return "Tree"
	default:
		return "Unknown"
	}
}

// RecoveryEventKind distinguishes per-event-type heads (spec.md §3:
// "per event-type per chain").
type RecoveryEventKind uint8

const (
	RecoveryEventBlockCommit RecoveryEventKind = iota
	RecoveryEventBlockExecuted
	RecoveryEventPriorityRequest
	RecoveryEventBlocksRevert
)

// RecoveryHeadKey identifies a single recovery head row.
type RecoveryHeadKey struct {
	ChainID uint8
	Kind    RecoveryEventKind
}

// RecoveryHead is the durable per-chain, per-event-type watch progress
// (spec.md §3).
type RecoveryHead struct {
	ChainID        uint8
	Kind           RecoveryEventKind
	LastWatchedBlock uint64
	LastSerialID     uint64
}

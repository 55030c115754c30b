package types

import "math/big"

// BlockSizeClass buckets committed blocks by their padded op capacity
// (spec.md §6: "pad/unpad according to the block-size class"). It is
// stored with each block; the extractor does not read it.
type BlockSizeClass uint16

// BlockStatus is the per-block lifecycle state (spec.md §4.4).
type BlockStatus uint8

const (
	BlockStatusCommitted BlockStatus = iota
	BlockStatusExecuted
	BlockStatusVerified
)

// Block is a persisted rollup block header (spec.md §3).
type Block struct {
	Number             uint64
	RootHash           [32]byte
	FeeAccount         uint32
	SizeClass          BlockSizeClass
	OpsCompositionNum  uint64
	Timestamp          uint64
	Commitment         [32]byte
	SyncHash           [32]byte
	Status             BlockStatus

	// ChainGasLimits is keyed by the rollup ChainID that carried the
	// commit, since each chain may impose its own gas ceiling for the
	// commit/execute transactions.
	ChainGasLimits map[uint8]*big.Int
}

// StoredBlockInfo is the contract-hashed descriptor (spec.md §6),
// sufficient as the exit proof's public input.
type StoredBlockInfo struct {
	BlockNumber                uint32
	PriorityOperations         uint64
	PendingOnchainOperationsHash [32]byte
	Timestamp                  *big.Int
	StateHash                  [32]byte
	Commitment                 [32]byte
	SyncHash                   [32]byte
}

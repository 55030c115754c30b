// Package opextractor reproduces the ordered RollupOp sequence a
// committed block executed, from either full on-chain public data or,
// in the compressed regime, a linked full-data commit on another chain
// (spec.md §4.3, C3).
package opextractor

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/l2exodus/recover-state-server/internal/types"
	"github.com/l2exodus/recover-state-server/internal/xlog"
)

var logger = xlog.NewModuleLogger(xlog.OpExtractor)

// DecodeError is fatal per-block (spec.md §7).
type DecodeError struct {
	BlockNumber uint64
	Reason      string
}

func (e *DecodeError) Error() string {
	return errors.Errorf("opextractor: block %d: %s", e.BlockNumber, e.Reason).Error()
}

// opByteWidth gives the fixed byte width of each op's public-data record
// (excluding the 1-byte type tag), per the rollup protocol's byte layout
// (spec.md §4.3, §6). Unlisted/unimplemented tags are rejected rather
// than silently skipped (spec.md §9 open question).
var opByteWidth = map[types.RollupOpType]int{
	types.RollupOpNoop:             0,
	types.RollupOpDeposit:          38,
	types.RollupOpTransferToNew:    fullTransferToNewWidth,
	types.RollupOpTransfer:         fullTransferWidth,
	types.RollupOpWithdraw:         fullWithdrawWidth,
	types.RollupOpFullExit:         fullFullExitWidth,
	types.RollupOpChangePubKey:     fullChangePubKeyWidth,
	types.RollupOpForcedExit:       fullForcedExitWidth,
	types.RollupOpSyncL1Requests:   9,
}

const (
	fullTransferToNewWidth = 36
	fullTransferWidth      = 20
	fullWithdrawWidth      = 31
	fullFullExitWidth      = 18
	fullChangePubKeyWidth  = 61
	fullForcedExitWidth    = 31
)

// ExtractFull walks a block's concatenated per-op public-data blob,
// reading each op's 1-byte type tag and dispatching to the op-specific
// decoder, per spec.md §4.3 "Full on-chain data".
func ExtractFull(blockNumber uint64, blob []byte) ([]types.RollupOp, error) {
	var ops []types.RollupOp
	i := 0
	for i < len(blob) {
		tag := types.RollupOpType(blob[i])
		width, known := opByteWidth[tag]
		if !known {
			return nil, &DecodeError{BlockNumber: blockNumber, Reason: "unknown or unimplemented op tag " + tag.String()}
		}
		start := i + 1
		end := start + width
		if end > len(blob) {
			return nil, &DecodeError{BlockNumber: blockNumber, Reason: "truncated public data for op " + tag.String()}
		}
		record := blob[start:end]
		op, err := decodeOp(tag, record)
		if err != nil {
			return nil, &DecodeError{BlockNumber: blockNumber, Reason: err.Error()}
		}
		op.RawPublicData = append([]byte{blob[i]}, record...)
		ops = append(ops, op)
		i = end
	}
	logger.Trace("extracted full block", "block", blockNumber, "ops", len(ops))
	return ops, nil
}

// CrossChainLink identifies, for a compressed-mode commit, the other
// chain expected to carry the same rollup block in full-data mode
// (spec.md §4.3 "Compressed").
type CrossChainLink struct {
	RollupBlockNumber uint64
	SourceSyncHash    [32]byte
}

// ExtractCompressed verifies that a full-data commit for the same rollup
// block, retrieved from another chain, agrees on sync_hash, and returns
// its already-decoded ops. It performs no independent decode since the
// full op blob doesn't exist on the compressed chain (spec.md §4.3).
func ExtractCompressed(link CrossChainLink, fullDataSyncHash [32]byte, fullDataOps []types.RollupOp) ([]types.RollupOp, error) {
	if link.SourceSyncHash != fullDataSyncHash {
		return nil, &DecodeError{
			BlockNumber: link.RollupBlockNumber,
			Reason:      "cross-chain sync_hash mismatch",
		}
	}
	return fullDataOps, nil
}

// BindPriorityOps matches each NewPriorityRequest to its Deposit/FullExit
// op in the block at the expected position, by serial_id (spec.md §4.3).
// Any mismatch is fatal.
func BindPriorityOps(blockNumber uint64, ops []types.RollupOp, pending []types.PriorityOp) error {
	idx := 0
	for _, op := range ops {
		var key *types.PriorityOpKey
		switch op.Type {
		case types.RollupOpDeposit:
			if op.Deposit != nil {
				key = &op.Deposit.PriorityKey
			}
		case types.RollupOpWithdraw, types.RollupOpFullExit:
			if op.Withdraw != nil && op.Withdraw.Kind == types.WithdrawKindFullExit {
				key = op.Withdraw.PriorityKey
			}
		default:
			continue
		}
		if key == nil {
			continue
		}
		if idx >= len(pending) {
			return &DecodeError{BlockNumber: blockNumber, Reason: "priority op present in block but not pending"}
		}
		want := pending[idx].Key()
		if want != *key {
			return &DecodeError{BlockNumber: blockNumber, Reason: "priority op serial_id / source_chain mismatch"}
		}
		idx++
	}
	return nil
}

func readUint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
func readUint64From(b []byte) uint64 {
	var buf [8]byte
	copy(buf[8-len(b):], b)
	return binary.BigEndian.Uint64(buf[:])
}

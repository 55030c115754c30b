package stateengine

import (
	"github.com/l2exodus/recover-state-server/internal/types"
)

// Engine drives the block status state machine Committed -> Executed ->
// Verified on top of a Tree, per spec.md §4.4: Committed blocks are
// cached awaiting execution and only mutate persisted state on Executed;
// BlocksRevert truncates any Committed-only suffix back to the last
// Executed block.
type Engine struct {
	tree *Tree

	// committed holds blocks accepted on L1 (BlockCommit) but not yet
	// Executed, in the order observed; Execute always takes the first.
	committed []*PendingBlock
	// lastExecuted is the highest block number the tree has mutated for.
	lastExecuted uint64
}

// PendingBlock is a Committed block cached in memory awaiting execution.
type PendingBlock struct {
	Block types.Block
	Ops   []types.RollupOp
}

// NewEngine wraps tree with the block status state machine. lastExecuted
// should be the highest block number already applied (0 at genesis).
func NewEngine(tree *Tree, lastExecuted uint64) *Engine {
	return &Engine{tree: tree, lastExecuted: lastExecuted}
}

// Tree exposes the underlying account tree (e.g. for snapshotting).
func (e *Engine) Tree() *Tree { return e.tree }

// LastExecuted returns the highest block number applied to the tree.
func (e *Engine) LastExecuted() uint64 { return e.lastExecuted }

// Commit caches a newly-committed block; it does not mutate the tree.
func (e *Engine) Commit(block types.Block, ops []types.RollupOp) {
	e.committed = append(e.committed, &PendingBlock{Block: block, Ops: ops})
}

// Execute applies the next cached Committed block's ops to the tree and
// checks the resulting root against that block's RootHash. A mismatch is a fatal
// StateMismatch (spec.md §4.4: "there is no silent divergence").
func (e *Engine) Execute(ctx BlockContext) ([]Update, error) {
	if len(e.committed) == 0 {
		return nil, errNoCommittedBlock
	}
	pb := e.committed[0]
	var allUpdates []Update
	for i, op := range pb.Ops {
		updates, err := Apply(e.tree, op, i, ctx)
		if err != nil {
			return nil, err
		}
		allUpdates = append(allUpdates, updates...)
	}
	got, err := e.tree.Root()
	if err != nil {
		return nil, err
	}
	if got != pb.Block.RootHash {
		return nil, &StateMismatch{BlockNumber: pb.Block.Number, Want: pb.Block.RootHash, Got: got}
	}
	pb.Block.Status = types.BlockStatusExecuted
	e.lastExecuted = pb.Block.Number
	e.committed = e.committed[1:]
	logger.Info("block executed", "block", pb.Block.Number, "root", got)
	return allUpdates, nil
}

// Revert truncates any Committed-only suffix above totalCommitted back to
// the last Executed block, per spec.md §4.4 BlocksRevert semantics. It
// never touches Executed blocks, since those have already mutated the
// tree and BlocksRevert only ever targets not-yet-executed commits.
func (e *Engine) Revert(totalCommitted, totalExecuted uint64) {
	kept := e.committed[:0]
	for _, pb := range e.committed {
		if pb.Block.Number <= totalCommitted {
			kept = append(kept, pb)
		} else {
			logger.Info("reverted committed block", "block", pb.Block.Number)
		}
	}
	e.committed = kept
}

var errNoCommittedBlock = &PreconditionError{Reason: "no committed block queued for execution"}

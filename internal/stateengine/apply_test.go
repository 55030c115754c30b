package stateengine

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l2exodus/recover-state-server/internal/chainmeta"
	"github.com/l2exodus/recover-state-server/internal/types"
)

func newTestTree(t *testing.T) *Tree {
	tree := New()
	_, err := tree.Genesis(chainmeta.GlobalAssetAddress)
	require.NoError(t, err)
	return tree
}

func TestDepositCreatesAccountAndCreditsBalance(t *testing.T) {
	tree := newTestTree(t)
	ctx := BlockContext{ChainID: 1, BlockNumber: 1, FeeAccountID: chainmeta.FeeAccountID}

	updates, err := Apply(tree, types.RollupOp{
		Type: types.RollupOpDeposit,
		Deposit: &types.DepositOp{
			ToAccountID:   2,
			ToAddress:     [20]byte{1, 2, 3},
			SubAccount:    0,
			L2TargetToken: 5,
			Amount:        big.NewInt(1000),
		},
	}, 0, ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, UpdateAccountCreated, updates[0].Kind)
	require.Equal(t, big.NewInt(1000), tree.Balance(2, 0, 5))
}

func TestDepositOnExistingAccountDoesNotEmitCreationUpdate(t *testing.T) {
	tree := newTestTree(t)
	ctx := BlockContext{ChainID: 1, BlockNumber: 1, FeeAccountID: chainmeta.FeeAccountID}
	dep := &types.DepositOp{ToAccountID: 2, L2TargetToken: 5, Amount: big.NewInt(100)}

	_, err := Apply(tree, types.RollupOp{Type: types.RollupOpDeposit, Deposit: dep}, 0, ctx)
	require.NoError(t, err)

	updates, err := Apply(tree, types.RollupOp{Type: types.RollupOpDeposit, Deposit: dep}, 1, ctx)
	require.NoError(t, err)
	require.Len(t, updates, 0)
	require.Equal(t, big.NewInt(200), tree.Balance(2, 0, 5))
}

func TestTransferDebitsAndCreditsWithFee(t *testing.T) {
	tree := newTestTree(t)
	ctx := BlockContext{ChainID: 1, BlockNumber: 1, FeeAccountID: chainmeta.FeeAccountID}

	tree.EnsureAccount(2, [20]byte{1})
	tree.SetBalance(2, 0, 7, big.NewInt(1000))
	tree.EnsureAccount(3, [20]byte{2})

	_, err := Apply(tree, types.RollupOp{
		Type: types.RollupOpTransfer,
		Transfer: &types.TransferOp{
			FromAccountID: 2, ToAccountID: 3, TokenID: 7,
			Amount: big.NewInt(400), Fee: big.NewInt(10), Nonce: 0,
		},
	}, 0, ctx)
	require.NoError(t, err)

	require.Equal(t, big.NewInt(590), tree.Balance(2, 0, 7))
	require.Equal(t, big.NewInt(400), tree.Balance(3, 0, 7))
	require.Equal(t, big.NewInt(10), tree.Balance(chainmeta.FeeAccountID, 0, 7))
	acct, _ := tree.Account(2)
	require.EqualValues(t, 1, acct.Nonce)
}

func TestTransferInsufficientBalanceIsFatal(t *testing.T) {
	tree := newTestTree(t)
	ctx := BlockContext{ChainID: 1, BlockNumber: 1, FeeAccountID: chainmeta.FeeAccountID}
	tree.EnsureAccount(2, [20]byte{1})
	tree.EnsureAccount(3, [20]byte{2})

	_, err := Apply(tree, types.RollupOp{
		Type: types.RollupOpTransfer,
		Transfer: &types.TransferOp{
			FromAccountID: 2, ToAccountID: 3, TokenID: 7,
			Amount: big.NewInt(1), Fee: big.NewInt(0), Nonce: 0,
		},
	}, 0, ctx)
	require.Error(t, err)
	require.IsType(t, &PreconditionError{}, err)
}

func TestFullExitWithdrawsEntireBalanceAndIsIdempotentAtZero(t *testing.T) {
	tree := newTestTree(t)
	ctx := BlockContext{ChainID: 1, BlockNumber: 1, FeeAccountID: chainmeta.FeeAccountID}
	tree.EnsureAccount(2, [20]byte{9})
	tree.SetBalance(2, 0, 4, big.NewInt(777))

	op := &types.WithdrawOp{Kind: types.WithdrawKindFullExit, AccountID: 2, TokenID: 4}
	updates, err := Apply(tree, types.RollupOp{Type: types.RollupOpFullExit, Withdraw: op}, 0, ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, big.NewInt(777), op.Amount)
	require.Equal(t, big.NewInt(0), tree.Balance(2, 0, 4))

	// A second FullExit against the now-empty balance is a no-op, not an error.
	op2 := &types.WithdrawOp{Kind: types.WithdrawKindFullExit, AccountID: 2, TokenID: 4}
	updates2, err := Apply(tree, types.RollupOp{Type: types.RollupOpFullExit, Withdraw: op2}, 1, ctx)
	require.NoError(t, err)
	require.Len(t, updates2, 0)
}

func TestRootChangesWithBalanceMutationAndIsDeterministic(t *testing.T) {
	tree := newTestTree(t)
	root0, err := tree.Root()
	require.NoError(t, err)

	tree.EnsureAccount(5, [20]byte{1})
	tree.SetBalance(5, 0, 1, big.NewInt(50))
	root1, err := tree.Root()
	require.NoError(t, err)
	require.NotEqual(t, root0, root1)

	tree2 := newTestTree(t)
	tree2.EnsureAccount(5, [20]byte{1})
	tree2.SetBalance(5, 0, 1, big.NewInt(50))
	root2, err := tree2.Root()
	require.NoError(t, err)
	require.Equal(t, root1, root2)
}

func TestEngineExecuteDetectsStateMismatch(t *testing.T) {
	tree := newTestTree(t)
	engine := NewEngine(tree, 0)
	block := types.Block{Number: 1, RootHash: [32]byte{0xde, 0xad}}
	engine.Commit(block, []types.RollupOp{{Type: types.RollupOpNoop}})

	ctx := BlockContext{ChainID: 1, BlockNumber: 1, FeeAccountID: chainmeta.FeeAccountID}
	_, err := engine.Execute(ctx)
	require.Error(t, err)
	require.IsType(t, &StateMismatch{}, err)
}

func TestEngineExecuteSucceedsWhenRootMatches(t *testing.T) {
	tree := newTestTree(t)
	root, err := tree.Root()
	require.NoError(t, err)

	engine := NewEngine(tree, 0)
	block := types.Block{Number: 1, RootHash: root}
	engine.Commit(block, nil)

	ctx := BlockContext{ChainID: 1, BlockNumber: 1, FeeAccountID: chainmeta.FeeAccountID}
	_, err = engine.Execute(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, engine.LastExecuted())
}

func TestRevertTruncatesCommittedOnlySuffix(t *testing.T) {
	tree := newTestTree(t)
	engine := NewEngine(tree, 1)
	engine.Commit(types.Block{Number: 2}, nil)
	engine.Commit(types.Block{Number: 3}, nil)

	engine.Revert(2, 1)
	require.Len(t, engine.committed, 1)
	require.EqualValues(t, 2, engine.committed[0].Block.Number)
}

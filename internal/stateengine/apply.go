package stateengine

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/l2exodus/recover-state-server/internal/types"
)

// SmartContractVerifier checks a precompile-verified smart-contract
// signature for the ChangePubKeySmartContract variant (spec.md §4.4).
// block_ctx carries it explicitly rather than apply() reaching out to a
// live chain client, so the function stays a pure transform over its
// inputs.
type SmartContractVerifier interface {
	VerifyChangePubKey(accountAddress common.Address, newPubKeyHash [20]byte, nonce uint64, signature []byte) (bool, error)
}

// BlockContext carries the per-block parameters apply() needs but that
// don't belong on RollupOp itself (spec.md §4.4 "apply(state, op,
// block_ctx)").
type BlockContext struct {
	ChainID      uint8
	BlockNumber  uint64
	FeeAccountID uint32
	Verifier     SmartContractVerifier
}

// Update describes one side effect apply() produced, for the recovery
// driver/store to persist alongside the new root (spec.md §4.4 "updates").
type Update struct {
	Kind              UpdateKind
	AccountID         uint32
	Account           types.Account
	PendingWithdrawal *PendingWithdrawal
}

type UpdateKind uint8

const (
	UpdateAccountCreated UpdateKind = iota
	UpdateAccountChanged
	UpdatePendingWithdrawal
)

// PendingWithdrawal records an on-chain withdrawal the engine emitted
// while applying Withdraw/ForcedExit/FullExit (spec.md §4.4).
type PendingWithdrawal struct {
	AccountID  uint32
	SubAccount uint8
	TokenID    uint32
	Amount     *big.Int
	Kind       types.WithdrawKind
}

// Apply runs a single op against tree, per spec.md §4.4's per-variant
// algorithmic requirements, and returns the updates produced. Every
// failure is a PreconditionError and is fatal for the whole block — the
// caller (recovery driver) must not apply a partial block.
func Apply(tree *Tree, op types.RollupOp, opIndex int, ctx BlockContext) ([]Update, error) {
	switch op.Type {
	case types.RollupOpNoop:
		return nil, nil
	case types.RollupOpDeposit:
		return applyDeposit(tree, op.Deposit, ctx, opIndex)
	case types.RollupOpTransfer, types.RollupOpTransferToNew:
		return applyTransfer(tree, op.Transfer, ctx, opIndex)
	case types.RollupOpWithdraw, types.RollupOpForcedExit, types.RollupOpFullExit:
		return applyWithdraw(tree, op.Withdraw, ctx, opIndex)
	case types.RollupOpChangePubKey:
		return applyChangePubKey(tree, op.ChangePubKey, ctx, opIndex)
	case types.RollupOpOrderMatch, types.RollupOpContractMatch:
		return applyOrderMatch(tree, op.OrderMatch, ctx, opIndex)
	case types.RollupOpSyncL1Requests:
		return nil, nil // no-op: the tree is unchanged and priority-op consumption is not tracked
	default:
		return nil, &PreconditionError{BlockNumber: ctx.BlockNumber, OpIndex: opIndex, Reason: "unsupported op type " + op.Type.String()}
	}
}

func fail(ctx BlockContext, idx int, reason string) error {
	return &PreconditionError{BlockNumber: ctx.BlockNumber, OpIndex: idx, Reason: reason}
}

// applyDeposit credits (to_account, sub_account, l2_target_token) by
// amount, creating the account if absent (spec.md §4.4).
func applyDeposit(tree *Tree, op *types.DepositOp, ctx BlockContext, idx int) ([]Update, error) {
	if op == nil {
		return nil, fail(ctx, idx, "nil Deposit op")
	}
	_, existed := tree.Account(op.ToAccountID)
	leaf := tree.EnsureAccount(op.ToAccountID, op.ToAddress)
	bal := tree.Balance(op.ToAccountID, op.SubAccount, op.L2TargetToken)
	tree.SetBalance(op.ToAccountID, op.SubAccount, op.L2TargetToken, new(big.Int).Add(bal, op.Amount))

	if !existed {
		return []Update{{Kind: UpdateAccountCreated, AccountID: op.ToAccountID, Account: leaf.account}}, nil
	}
	return nil, nil
}

// applyTransfer debits the sender, credits the receiver (materializing it
// for TransferToNew), increments the sender nonce, and credits the fee
// account (spec.md §4.4).
func applyTransfer(tree *Tree, op *types.TransferOp, ctx BlockContext, idx int) ([]Update, error) {
	if op == nil {
		return nil, fail(ctx, idx, "nil Transfer op")
	}
	from, ok := tree.Account(op.FromAccountID)
	if !ok {
		return nil, fail(ctx, idx, "transfer from unknown account")
	}
	if from.Nonce != op.Nonce {
		return nil, fail(ctx, idx, "transfer nonce mismatch")
	}

	fromBal := tree.Balance(op.FromAccountID, op.FromSubAccount, op.TokenID)
	debit := new(big.Int).Add(op.Amount, op.Fee)
	if fromBal.Cmp(debit) < 0 {
		return nil, fail(ctx, idx, "insufficient balance for transfer")
	}
	tree.SetBalance(op.FromAccountID, op.FromSubAccount, op.TokenID, new(big.Int).Sub(fromBal, debit))

	from.Nonce++
	from.LastUpdateBlock = ctx.BlockNumber
	tree.SetAccount(from)

	var updates []Update
	toID := op.ToAccountID
	var existed bool
	if op.IsNew {
		if toID == 0 {
			toID = tree.NextAccountID()
		}
		_, existed = tree.Account(toID)
		tree.EnsureAccount(toID, op.ToAddress)
	} else {
		_, existed = tree.Account(toID)
		if !existed {
			return nil, fail(ctx, idx, "transfer to unknown account")
		}
	}
	toBal := tree.Balance(toID, op.ToSubAccount, op.TokenID)
	tree.SetBalance(toID, op.ToSubAccount, op.TokenID, new(big.Int).Add(toBal, op.Amount))
	if op.IsNew && !existed {
		acct, _ := tree.Account(toID)
		updates = append(updates, Update{Kind: UpdateAccountCreated, AccountID: toID, Account: acct})
	}

	feeBal := tree.Balance(ctx.FeeAccountID, 0, op.TokenID)
	tree.SetBalance(ctx.FeeAccountID, 0, op.TokenID, new(big.Int).Add(feeBal, op.Fee))

	updates = append(updates, Update{Kind: UpdateAccountChanged, AccountID: op.FromAccountID, Account: from})
	return updates, nil
}

// applyWithdraw covers Withdraw, ForcedExit, and FullExit. For FullExit,
// the withdrawable amount is computed here (the whole of the account's
// balance in that token) rather than taken from the op, per spec.md §4.4.
func applyWithdraw(tree *Tree, op *types.WithdrawOp, ctx BlockContext, idx int) ([]Update, error) {
	if op == nil {
		return nil, fail(ctx, idx, "nil Withdraw op")
	}
	acct, ok := tree.Account(op.AccountID)
	if !ok {
		if op.Kind == types.WithdrawKindFullExit {
			// A FullExit against a never-materialized account withdraws
			// nothing; the priority op still consumes its serial id.
			return nil, nil
		}
		return nil, fail(ctx, idx, "withdraw from unknown account")
	}

	switch op.Kind {
	case types.WithdrawKindWithdraw, types.WithdrawKindForcedExit:
		if op.Kind == types.WithdrawKindWithdraw && acct.Nonce != op.Nonce {
			return nil, fail(ctx, idx, "withdraw nonce mismatch")
		}
		bal := tree.Balance(op.AccountID, op.SubAccount, op.TokenID)
		debit := new(big.Int).Add(op.Amount, op.Fee)
		if bal.Cmp(debit) < 0 {
			return nil, fail(ctx, idx, "insufficient balance for withdraw")
		}
		tree.SetBalance(op.AccountID, op.SubAccount, op.TokenID, new(big.Int).Sub(bal, debit))
		if op.Kind == types.WithdrawKindWithdraw {
			acct.Nonce++
		}
		acct.LastUpdateBlock = ctx.BlockNumber
		tree.SetAccount(acct)

		feeBal := tree.Balance(ctx.FeeAccountID, 0, op.TokenID)
		tree.SetBalance(ctx.FeeAccountID, 0, op.TokenID, new(big.Int).Add(feeBal, op.Fee))

		return []Update{
			{Kind: UpdateAccountChanged, AccountID: op.AccountID, Account: acct},
			{Kind: UpdatePendingWithdrawal, AccountID: op.AccountID, PendingWithdrawal: &PendingWithdrawal{
				AccountID: op.AccountID, SubAccount: op.SubAccount, TokenID: op.TokenID, Amount: op.Amount, Kind: op.Kind,
			}},
		}, nil

	case types.WithdrawKindFullExit:
		bal := tree.Balance(op.AccountID, op.SubAccount, op.TokenID)
		if bal.Sign() == 0 {
			return nil, nil
		}
		tree.SetBalance(op.AccountID, op.SubAccount, op.TokenID, big.NewInt(0))
		op.Amount = new(big.Int).Set(bal)
		return []Update{
			{Kind: UpdatePendingWithdrawal, AccountID: op.AccountID, PendingWithdrawal: &PendingWithdrawal{
				AccountID: op.AccountID, SubAccount: op.SubAccount, TokenID: op.TokenID, Amount: bal, Kind: op.Kind,
			}},
		}, nil

	default:
		return nil, fail(ctx, idx, "unknown withdraw kind")
	}
}

// applyChangePubKey verifies the account-authorization signature for the
// op's variant, then atomically updates pubkey_hash/account_type and
// increments nonce (spec.md §4.4).
func applyChangePubKey(tree *Tree, op *types.ChangePubKeyOp, ctx BlockContext, idx int) ([]Update, error) {
	if op == nil {
		return nil, fail(ctx, idx, "nil ChangePubKey op")
	}
	acct, ok := tree.Account(op.AccountID)
	if !ok {
		return nil, fail(ctx, idx, "change_pub_key on unknown account")
	}
	if acct.Nonce != op.Nonce {
		return nil, fail(ctx, idx, "change_pub_key nonce mismatch")
	}

	switch op.Variant {
	case types.ChangePubKeyOwnedByEOA:
		if err := verifyEOASignature(acct.Address, op); err != nil {
			return nil, fail(ctx, idx, "eoa signature verification failed: "+err.Error())
		}
		acct.Type = types.AccountTypeOwnedByEOA
	case types.ChangePubKeyCREATE2:
		if err := verifyCreate2(acct.Address, op); err != nil {
			return nil, fail(ctx, idx, "create2 verification failed: "+err.Error())
		}
		acct.Type = types.AccountTypeCREATE2
	case types.ChangePubKeySmartContract:
		if ctx.Verifier == nil {
			return nil, fail(ctx, idx, "smart-contract verifier not configured")
		}
		ok, err := ctx.Verifier.VerifyChangePubKey(common.Address(acct.Address), op.NewPubKeyHash, op.Nonce, op.EthSignature)
		if err != nil {
			return nil, fail(ctx, idx, "smart-contract verification error: "+err.Error())
		}
		if !ok {
			return nil, fail(ctx, idx, "smart-contract signature rejected")
		}
		acct.Type = types.AccountTypeSmartContract
	default:
		return nil, fail(ctx, idx, "unknown ChangePubKey variant")
	}

	acct.PubKeyHash = op.NewPubKeyHash
	acct.Nonce++
	acct.LastUpdateBlock = ctx.BlockNumber
	tree.SetAccount(acct)
	return []Update{{Kind: UpdateAccountChanged, AccountID: op.AccountID, Account: acct}}, nil
}

func verifyEOASignature(address [20]byte, op *types.ChangePubKeyOp) error {
	if len(op.EthSignature) != 65 {
		return errors.New("signature must be 65 bytes")
	}
	msg := changePubKeyMessage(op.NewPubKeyHash, op.Nonce)
	hash := crypto.Keccak256(msg)
	sig := make([]byte, 65)
	copy(sig, op.EthSignature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return errors.Wrap(err, "recover pubkey")
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if !bytesEqual(recovered.Bytes(), address[:]) {
		return errors.New("recovered address does not match account")
	}
	return nil
}

func verifyCreate2(address [20]byte, op *types.ChangePubKeyOp) error {
	if len(op.Create2Data) != 32 {
		return errors.New("create2 data must be a 32-byte salt")
	}
	// CREATE2 address = keccak256(0xff ++ creator ++ salt ++ keccak256(init_code))[12:]
	// Here the preimage carries the salt; creator/init-code hash are folded
	// into the account's pubkey_hash by convention, matching the deployed
	// proxy wallet pattern the rollup protocol uses for CREATE2 accounts.
	preimage := append([]byte{0xff}, op.NewPubKeyHash[:]...)
	preimage = append(preimage, op.Create2Data...)
	derived := crypto.Keccak256(preimage)[12:]
	if !bytesEqual(derived, address[:]) {
		return errors.New("derived create2 address does not match account")
	}
	return nil
}

func changePubKeyMessage(pubKeyHash [20]byte, nonce uint64) []byte {
	msg := make([]byte, 0, 28)
	msg = append(msg, pubKeyHash[:]...)
	var nb [8]byte
	for i := 0; i < 8; i++ {
		nb[7-i] = byte(nonce >> (8 * i))
	}
	return append(msg, nb[:]...)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// applyOrderMatch executes op.FillAmount after checking it does not exceed
// either order's stored slot residual (a zero residual counts as a fresh
// order with no limit beyond the fill itself), and credits maker/taker
// fees (spec.md §4.4). Stored slot nonces are not compared against the
// op; the executed amount is op.FillAmount, not a computed minimum.
func applyOrderMatch(tree *Tree, op *types.OrderMatchOp, ctx BlockContext, idx int) ([]Update, error) {
	if op == nil {
		return nil, fail(ctx, idx, "nil OrderMatch op")
	}
	if _, ok := tree.Account(op.MakerAccountID); !ok {
		return nil, fail(ctx, idx, "maker account does not exist")
	}
	if _, ok := tree.Account(op.TakerAccountID); !ok {
		return nil, fail(ctx, idx, "taker account does not exist")
	}

	maker := tree.SlotNonce(op.MakerAccountID, op.MakerSubAccount, op.MakerSlot)
	taker := tree.SlotNonce(op.TakerAccountID, op.TakerSubAccount, op.TakerSlot)

	makerRemaining := maker.ResidualAmount
	takerRemaining := taker.ResidualAmount
	if makerRemaining == nil || makerRemaining.Sign() == 0 {
		makerRemaining = op.FillAmount
	}
	if takerRemaining == nil || takerRemaining.Sign() == 0 {
		takerRemaining = op.FillAmount
	}

	fill := op.FillAmount
	if fill.Cmp(makerRemaining) > 0 || fill.Cmp(takerRemaining) > 0 {
		return nil, fail(ctx, idx, "order match fill exceeds residual amount")
	}

	makerSellBal := tree.Balance(op.MakerAccountID, op.MakerSubAccount, op.SellTokenID)
	debit := new(big.Int).Add(fill, op.MakerFee)
	if makerSellBal.Cmp(debit) < 0 {
		return nil, fail(ctx, idx, "maker insufficient balance")
	}
	tree.SetBalance(op.MakerAccountID, op.MakerSubAccount, op.SellTokenID, new(big.Int).Sub(makerSellBal, debit))

	takerSellBal := tree.Balance(op.TakerAccountID, op.TakerSubAccount, op.BuyTokenID)
	takerDebit := new(big.Int).Add(fill, op.TakerFee)
	if takerSellBal.Cmp(takerDebit) < 0 {
		return nil, fail(ctx, idx, "taker insufficient balance")
	}
	tree.SetBalance(op.TakerAccountID, op.TakerSubAccount, op.BuyTokenID, new(big.Int).Sub(takerSellBal, takerDebit))

	makerBuyBal := tree.Balance(op.MakerAccountID, op.MakerSubAccount, op.BuyTokenID)
	tree.SetBalance(op.MakerAccountID, op.MakerSubAccount, op.BuyTokenID, new(big.Int).Add(makerBuyBal, fill))

	takerBuyBal := tree.Balance(op.TakerAccountID, op.TakerSubAccount, op.SellTokenID)
	tree.SetBalance(op.TakerAccountID, op.TakerSubAccount, op.SellTokenID, new(big.Int).Add(takerBuyBal, fill))

	feeBalMaker := tree.Balance(ctx.FeeAccountID, 0, op.SellTokenID)
	tree.SetBalance(ctx.FeeAccountID, 0, op.SellTokenID, new(big.Int).Add(feeBalMaker, op.MakerFee))
	feeBalTaker := tree.Balance(ctx.FeeAccountID, 0, op.BuyTokenID)
	tree.SetBalance(ctx.FeeAccountID, 0, op.BuyTokenID, new(big.Int).Add(feeBalTaker, op.TakerFee))

	tree.SetSlotNonce(op.MakerAccountID, op.MakerSubAccount, op.MakerSlot, types.OrderSlotNonce{
		Nonce: maker.Nonce + 1, ResidualAmount: new(big.Int).Sub(makerRemaining, fill),
	})
	tree.SetSlotNonce(op.TakerAccountID, op.TakerSubAccount, op.TakerSlot, types.OrderSlotNonce{
		Nonce: taker.Nonce + 1, ResidualAmount: new(big.Int).Sub(takerRemaining, fill),
	})

	makerAcct, _ := tree.Account(op.MakerAccountID)
	takerAcct, _ := tree.Account(op.TakerAccountID)
	return []Update{
		{Kind: UpdateAccountChanged, AccountID: op.MakerAccountID, Account: makerAcct},
		{Kind: UpdateAccountChanged, AccountID: op.TakerAccountID, Account: takerAcct},
	}, nil
}

package opextractor

import (
	"encoding/binary"
	"math/big"

	"github.com/pkg/errors"

	"github.com/l2exodus/recover-state-server/internal/types"
)

// decodeOp dispatches a single op-type tag to its byte-layout decoder.
// Each layout below is fixed by the rollup protocol (spec.md §4.3, §6);
// field widths mirror the common zk-rollup convention: account ids as
// uint32 (4B), sub-account/token-selector bytes as uint8 (1B), token ids
// as uint32 (4B), and amounts as big-endian integers whose width depends
// on the op (4B for Deposit/Transfer, 16B for Withdraw/ForcedExit).
func decodeOp(tag types.RollupOpType, r []byte) (types.RollupOp, error) {
	switch tag {
	case types.RollupOpNoop:
		return types.RollupOp{Type: tag}, nil
	case types.RollupOpDeposit:
		return decodeDeposit(r)
	case types.RollupOpTransferToNew:
		return decodeTransferToNew(r)
	case types.RollupOpTransfer:
		return decodeTransfer(r)
	case types.RollupOpWithdraw:
		return decodeWithdraw(r)
	case types.RollupOpFullExit:
		return decodeFullExit(r)
	case types.RollupOpChangePubKey:
		return decodeChangePubKey(r)
	case types.RollupOpForcedExit:
		return decodeForcedExit(r)
	case types.RollupOpSyncL1Requests:
		return decodeSyncL1Requests(r)
	case types.RollupOpOrderMatch, types.RollupOpContractMatch:
		// Cross-quote order-match byte layout is protocol-defined but not
		// documented in the retrieval pack (spec.md §9 open question);
		// reject rather than guess.
		return types.RollupOp{}, errors.Errorf("order-match byte layout not implemented for %s; reference the rollup protocol spec", tag)
	case types.RollupOpLiquidation, types.RollupOpAutoDeleveraging, types.RollupOpFunding, types.RollupOpUpdateGlobalVar:
		return types.RollupOp{}, errors.Errorf("%s byte layout not implemented; reference the rollup protocol spec", tag)
	default:
		return types.RollupOp{}, errors.Errorf("unknown op tag %d", tag)
	}
}

// Deposit: accountId(4) address(20) subAccount(1) l2TargetToken(4)
// l1SourceToken(4) sourceChain(1) amount(4).
func decodeDeposit(r []byte) (types.RollupOp, error) {
	if len(r) != fullDepositWidth() {
		return types.RollupOp{}, errors.New("bad Deposit record length")
	}
	var addr [20]byte
	copy(addr[:], r[4:24])
	op := &types.DepositOp{
		ToAccountID:   binary.BigEndian.Uint32(r[0:4]),
		ToAddress:     addr,
		SubAccount:    r[24],
		L2TargetToken: binary.BigEndian.Uint32(r[25:29]),
		L1SourceToken: binary.BigEndian.Uint32(r[29:33]),
		SourceChain:   r[33],
		Amount:        new(big.Int).SetBytes(r[34:38]),
	}
	return types.RollupOp{Type: types.RollupOpDeposit, Deposit: op}, nil
}

func fullDepositWidth() int { return 38 }

// Transfer: fromAccountId(4) fromSub(1) toAccountId(4) toSub(1) token(4)
// amount(4) fee(2)
func decodeTransfer(r []byte) (types.RollupOp, error) {
	if len(r) != fullTransferWidth {
		return types.RollupOp{}, errors.New("bad Transfer record length")
	}
	op := &types.TransferOp{
		FromAccountID:  binary.BigEndian.Uint32(r[0:4]),
		FromSubAccount: r[4],
		ToAccountID:    binary.BigEndian.Uint32(r[5:9]),
		ToSubAccount:   r[9],
		TokenID:        binary.BigEndian.Uint32(r[10:14]),
		Amount:         new(big.Int).SetBytes(r[14:18]),
		Fee:            new(big.Int).SetBytes(r[18:20]),
	}
	return types.RollupOp{Type: types.RollupOpTransfer, Transfer: op}, nil
}

// TransferToNew: fromAccountId(4) fromSub(1) toAddress(20) toSub(1)
// token(4) amount(4) fee(2) — materializes the receiver account.
func decodeTransferToNew(r []byte) (types.RollupOp, error) {
	if len(r) != fullTransferToNewWidth {
		return types.RollupOp{}, errors.New("bad TransferToNew record length")
	}
	var addr [20]byte
	copy(addr[:], r[5:25])
	op := &types.TransferOp{
		FromAccountID:  binary.BigEndian.Uint32(r[0:4]),
		FromSubAccount: r[4],
		ToAddress:      addr,
		ToSubAccount:   r[25],
		TokenID:        binary.BigEndian.Uint32(r[26:30]),
		Amount:         new(big.Int).SetBytes(r[30:34]),
		Fee:            new(big.Int).SetBytes(r[34:36]),
		IsNew:          true,
	}
	return types.RollupOp{Type: types.RollupOpTransferToNew, Transfer: op}, nil
}

// Withdraw: accountId(4) sub(1) token(4) amount(16) fee(2) nonce(4).
func decodeWithdraw(r []byte) (types.RollupOp, error) {
	if len(r) != fullWithdrawWidth {
		return types.RollupOp{}, errors.New("bad Withdraw record length")
	}
	op := &types.WithdrawOp{
		Kind:       types.WithdrawKindWithdraw,
		AccountID:  binary.BigEndian.Uint32(r[0:4]),
		SubAccount: r[4],
		TokenID:    binary.BigEndian.Uint32(r[5:9]),
		Amount:     new(big.Int).SetBytes(r[9:25]),
		Fee:        new(big.Int).SetBytes(r[25:27]),
		Nonce:      uint64(binary.BigEndian.Uint32(r[27:31])),
	}
	return types.RollupOp{Type: types.RollupOpWithdraw, Withdraw: op}, nil
}

// ForcedExit: same byte shape as Withdraw (spec.md §4.4 treats them with
// the same debit-and-emit-pending-withdrawal semantics).
func decodeForcedExit(r []byte) (types.RollupOp, error) {
	if len(r) != fullForcedExitWidth {
		return types.RollupOp{}, errors.New("bad ForcedExit record length")
	}
	op := &types.WithdrawOp{
		Kind:       types.WithdrawKindForcedExit,
		AccountID:  binary.BigEndian.Uint32(r[0:4]),
		SubAccount: r[4],
		TokenID:    binary.BigEndian.Uint32(r[5:9]),
		Amount:     new(big.Int).SetBytes(r[9:25]),
		Fee:        new(big.Int).SetBytes(r[25:27]),
		Nonce:      uint64(binary.BigEndian.Uint32(r[27:31])),
	}
	return types.RollupOp{Type: types.RollupOpForcedExit, Withdraw: op}, nil
}

// FullExit: accountId(4) sub(1) token(4) sourceChain(1) serialId(8)
// amount field is NOT present on input — it is the state engine's output
// (spec.md §4.4) — so the record is exactly these 18 bytes.
func decodeFullExit(r []byte) (types.RollupOp, error) {
	if len(r) != fullFullExitWidth {
		return types.RollupOp{}, errors.New("bad FullExit record length")
	}
	sourceChain := r[9]
	serialID := binary.BigEndian.Uint64(r[10:18])
	key := types.PriorityOpKey{SourceChain: sourceChain, SerialID: serialID}
	op := &types.WithdrawOp{
		Kind:        types.WithdrawKindFullExit,
		AccountID:   binary.BigEndian.Uint32(r[0:4]),
		SubAccount:  r[4],
		TokenID:     binary.BigEndian.Uint32(r[5:9]),
		SourceChain: sourceChain,
		PriorityKey: &key,
		// Amount is left nil: the state engine fills it in during Apply.
	}
	return types.RollupOp{Type: types.RollupOpFullExit, Withdraw: op}, nil
}

// ChangePubKey: accountId(4) newPubKeyHash(20) nonce(4) variant(1)
// signature/create2-data(32, interpreted per variant) = 61 bytes.
func decodeChangePubKey(r []byte) (types.RollupOp, error) {
	if len(r) != fullChangePubKeyWidth {
		return types.RollupOp{}, errors.New("bad ChangePubKey record length")
	}
	var pk [20]byte
	copy(pk[:], r[4:24])
	variant := types.ChangePubKeyVariant(r[28])
	payload := append([]byte(nil), r[29:61]...)
	op := &types.ChangePubKeyOp{
		AccountID:     binary.BigEndian.Uint32(r[0:4]),
		NewPubKeyHash: pk,
		Nonce:         uint64(binary.BigEndian.Uint32(r[24:28])),
		Variant:       variant,
	}
	switch variant {
	case types.ChangePubKeyOwnedByEOA:
		op.EthSignature = payload
	case types.ChangePubKeyCREATE2:
		op.Create2Data = payload
	case types.ChangePubKeySmartContract:
		op.EthSignature = payload
	default:
		return types.RollupOp{}, errors.Errorf("unknown ChangePubKey variant %d", variant)
	}
	return types.RollupOp{Type: types.RollupOpChangePubKey, ChangePubKey: op}, nil
}

// SyncL1Requests: sourceChain(1) count(8).
func decodeSyncL1Requests(r []byte) (types.RollupOp, error) {
	if len(r) != 9 {
		return types.RollupOp{}, errors.New("bad SyncL1Requests record length")
	}
	op := &types.SyncL1RequestsOp{
		SourceChain: r[0],
		Count:       binary.BigEndian.Uint64(r[1:9]),
	}
	return types.RollupOp{Type: types.RollupOpSyncL1Requests, SyncL1: op}, nil
}

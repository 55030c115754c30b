package eventparser

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

func crypto_Keccak256Hash(b []byte) (h [32]byte) {
	return crypto.Keccak256Hash(b)
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

var (
	blockCommitArgs = abi.Arguments{
		{Type: mustType("uint64")}, {Type: mustType("bytes32")},
	}
	blocksRevertArgs = abi.Arguments{
		{Type: mustType("uint64")}, {Type: mustType("uint64")},
	}
	blockExecutedArgs = abi.Arguments{
		{Type: mustType("uint64")},
	}
	newPriorityRequestArgs = abi.Arguments{
		{Type: mustType("uint64")}, {Type: mustType("uint8")},
		{Type: mustType("bytes")}, {Type: mustType("uint64")},
	}
)

func decodeBlockCommit(log types.Log, ev *RollupEvent) error {
	vals, err := blockCommitArgs.Unpack(log.Data)
	if err != nil {
		return errors.Wrap(err, "decoding BlockCommit")
	}
	ev.RollupBlockNumber = vals[0].(uint64)
	copy(ev.Commitment[:], vals[1].([32]byte)[:])
	return nil
}

func decodeBlocksRevert(log types.Log, ev *RollupEvent) error {
	vals, err := blocksRevertArgs.Unpack(log.Data)
	if err != nil {
		return errors.Wrap(err, "decoding BlocksRevert")
	}
	ev.TotalCommitted = vals[0].(uint64)
	ev.TotalExecuted = vals[1].(uint64)
	return nil
}

func decodeBlockExecuted(log types.Log, ev *RollupEvent) error {
	vals, err := blockExecutedArgs.Unpack(log.Data)
	if err != nil {
		return errors.Wrap(err, "decoding BlockExecuted")
	}
	ev.RollupBlockNumber = vals[0].(uint64)
	return nil
}

func decodeNewPriorityRequest(log types.Log, ev *RollupEvent) error {
	vals, err := newPriorityRequestArgs.Unpack(log.Data)
	if err != nil {
		return errors.Wrap(err, "decoding NewPriorityRequest")
	}
	ev.SerialID = vals[0].(uint64)
	ev.PriorityOpType = vals[1].(uint8)
	ev.PriorityPubData = vals[2].([]byte)
	ev.ExpirationBlock = vals[3].(uint64)
	return nil
}

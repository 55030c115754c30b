// Package contract implements the thin read-only binding over the
// layer-1 rollup contract's view methods (spec.md §6): totalBlocksExecuted,
// storedBlockHashes, exodusMode, getPendingBalance. No write path exists —
// the contract boundary is read-only to this service (spec.md §1).
package contract

import (
	"context"
	"math/big"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/l2exodus/recover-state-server/internal/chainclient"
	"github.com/l2exodus/recover-state-server/internal/types"
)

var (
	selectorTotalBlocksExecuted = selector("totalBlocksExecuted()")
	selectorStoredBlockHashes   = selector("storedBlockHashes(uint32)")
	selectorExodusMode          = selector("exodusMode()")
	selectorGetPendingBalance   = selector("getPendingBalance(address,uint16)")
)

func selector(sig string) []byte { return crypto.Keccak256([]byte(sig))[:4] }

// Caller calls the rollup contract view methods of every configured
// chain, selecting the client and contract address by chain id.
type Caller struct {
	clients map[uint8]chainclient.Client
	addrs   map[uint8]gethcommon.Address
}

func New(clients map[uint8]chainclient.Client, addrs map[uint8]gethcommon.Address) *Caller {
	return &Caller{clients: clients, addrs: addrs}
}

func (c *Caller) call(ctx context.Context, chainID uint8, data []byte) ([]byte, error) {
	client, ok := c.clients[chainID]
	if !ok {
		return nil, errors.Errorf("contract: no client configured for chain %d", chainID)
	}
	addr, ok := c.addrs[chainID]
	if !ok {
		return nil, errors.Errorf("contract: no contract address configured for chain %d", chainID)
	}
	return client.Call(ctx, addr, data, nil)
}

// TotalBlocksExecuted returns the contract's totalBlocksExecuted() counter
// for chainID, the authoritative side of the §9 max() tie-break.
func (c *Caller) TotalBlocksExecuted(ctx context.Context, chainID uint8) (uint64, error) {
	out, err := c.call(ctx, chainID, selectorTotalBlocksExecuted)
	if err != nil {
		return 0, err
	}
	return decodeUint64(out)
}

// ExodusMode reports whether the chain's contract has entered emergency
// exit mode (spec.md §6 "exodusMode() -> uint8").
func (c *Caller) ExodusMode(ctx context.Context, chainID uint8) (bool, error) {
	out, err := c.call(ctx, chainID, selectorExodusMode)
	if err != nil {
		return false, err
	}
	v, err := decodeUint64(out)
	return v != 0, err
}

// StoredBlockHash returns the contract-hashed StoredBlockInfo digest for a
// given block number.
func (c *Caller) StoredBlockHash(ctx context.Context, chainID uint8, blockNumber uint32) ([32]byte, error) {
	data := append(append([]byte{}, selectorStoredBlockHashes...), abiEncodeUint256(uint64(blockNumber))...)
	out, err := c.call(ctx, chainID, data)
	if err != nil {
		return [32]byte{}, err
	}
	var h [32]byte
	if len(out) >= 32 {
		copy(h[:], out[:32])
	}
	return h, nil
}

// StoredBlockInfo builds the descriptor spec.md §6 defines, for the exit
// proof's public input, from a single storedBlockHashes call: it sets
// BlockNumber and puts the returned StoredBlockInfo digest in StateHash.
// The other fields (priority_operations, timestamp, commitment, sync_hash)
// are left zero; no locally persisted block row is read.
func (c *Caller) StoredBlockInfo(ctx context.Context, chainID uint8, blockNumber uint64) (types.StoredBlockInfo, error) {
	hash, err := c.StoredBlockHash(ctx, chainID, uint32(blockNumber))
	if err != nil {
		return types.StoredBlockInfo{}, err
	}
	return types.StoredBlockInfo{BlockNumber: uint32(blockNumber), StateHash: hash}, nil
}

// GetPendingBalance returns the contract-side pending balance for an
// address/token, used to cross-check a FullExit's withdrawable amount
// before a caller submits an on-chain claim.
func (c *Caller) GetPendingBalance(ctx context.Context, chainID uint8, address gethcommon.Address, tokenID uint16) (*big.Int, error) {
	data := append(append([]byte{}, selectorGetPendingBalance...), abiEncodeAddress(address)...)
	data = append(data, abiEncodeUint256(uint64(tokenID))...)
	out, err := c.call(ctx, chainID, data)
	if err != nil {
		return nil, err
	}
	if len(out) < 32 {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

func decodeUint64(out []byte) (uint64, error) {
	if len(out) < 32 {
		return 0, errors.New("contract: malformed return data")
	}
	return new(big.Int).SetBytes(out[len(out)-8:]).Uint64(), nil
}

func abiEncodeUint256(v uint64) []byte {
	buf := make([]byte, 32)
	b := new(big.Int).SetUint64(v).Bytes()
	copy(buf[32-len(b):], b)
	return buf
}

func abiEncodeAddress(addr gethcommon.Address) []byte {
	buf := make([]byte, 32)
	copy(buf[12:], addr.Bytes())
	return buf
}

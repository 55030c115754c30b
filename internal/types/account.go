// Package types holds the data model shared by the ingester, the state
// engine, the job queue, and the exit-service surface (spec.md §3).
package types

import (
	"math/big"
)

// AccountType tags how an account's pubkey hash was authorized.
type AccountType uint8

const (
	AccountTypeUnknown AccountType = iota
	AccountTypeOwnedByEOA
	AccountTypeCREATE2
	AccountTypeSmartContract
)

func (t AccountType) String() string {
	switch t {
	case AccountTypeOwnedByEOA:
		return "OwnedByEOA"
	case AccountTypeCREATE2:
		return "CREATE2"
	case AccountTypeSmartContract:
		return "SmartContract"
	default:
		return "Unknown"
	}
}

// Account is a unique numeric-id rollup account (spec.md §3).
type Account struct {
	ID              uint32
	Address         [20]byte
	Nonce           uint64
	PubKeyHash      [20]byte
	Type            AccountType
	LastUpdateBlock uint64
}

// IsPubKeySet reports whether ChangePubKey has ever run for this account.
func (a *Account) IsPubKeySet() bool {
	return a.PubKeyHash != [20]byte{}
}

// BalanceKey identifies a single balance row (account, sub-account, token).
type BalanceKey struct {
	AccountID   uint32
	SubAccount  uint8
	TokenID     uint32
}

// OrderSlotKey identifies an order-slot-nonce row, needed to replay order
// matches deterministically (spec.md §3).
type OrderSlotKey struct {
	AccountID  uint32
	SubAccount uint8
	Slot       uint8
}

// OrderSlotNonce is the (nonce, residual_amount) pair stored per slot.
type OrderSlotNonce struct {
	Nonce            uint64
	ResidualAmount   *big.Int
}

// NewZeroOrderSlotNonce returns the empty slot state.
func NewZeroOrderSlotNonce() OrderSlotNonce {
	return OrderSlotNonce{Nonce: 0, ResidualAmount: big.NewInt(0)}
}

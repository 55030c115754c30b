package types

import "math/big"

// RollupOpType is the 1-byte tag prefixing every op's public-data record
// (spec.md §4.3, §6 "public data wire format").
type RollupOpType uint8

const (
	RollupOpNoop RollupOpType = iota
	RollupOpDeposit
	RollupOpTransferToNew
	RollupOpTransfer
	RollupOpWithdraw
	RollupOpFullExit
	RollupOpChangePubKey
	RollupOpForcedExit
	RollupOpOrderMatch
	RollupOpContractMatch
	RollupOpLiquidation
	RollupOpAutoDeleveraging
	RollupOpFunding
	RollupOpUpdateGlobalVar
	RollupOpSyncL1Requests
)

func (t RollupOpType) String() string {
	switch t {
	case RollupOpNoop:
		return "Noop"
	case RollupOpDeposit:
		return "Deposit"
	case RollupOpTransferToNew:
		return "TransferToNew"
	case RollupOpTransfer:
		return "Transfer"
	case RollupOpWithdraw:
		return "Withdraw"
	case RollupOpFullExit:
		return "FullExit"
	case RollupOpChangePubKey:
		return "ChangePubKey"
	case RollupOpForcedExit:
		return "ForcedExit"
	case RollupOpOrderMatch:
		return "OrderMatch"
	case RollupOpContractMatch:
		return "ContractMatch"
	case RollupOpLiquidation:
		return "Liquidation"
	case RollupOpAutoDeleveraging:
		return "AutoDeleveraging"
	case RollupOpFunding:
		return "Funding"
	case RollupOpUpdateGlobalVar:
		return "UpdateGlobalVar"
	case RollupOpSyncL1Requests:
		return "SyncL1Requests"
	default:
		return "Unknown"
	}
}

// RollupOp is the sum type over every op variant the state engine applies
// (spec.md §3). Each value corresponds to exactly one committed
// public-data record. Only one of the pointer fields is set,
// matching Type.
type RollupOp struct {
	Type RollupOpType

	Deposit       *DepositOp
	Transfer      *TransferOp
	Withdraw      *WithdrawOp
	ChangePubKey  *ChangePubKeyOp
	OrderMatch    *OrderMatchOp
	SyncL1        *SyncL1RequestsOp

	// RawPublicData is the exact bytes decoded, kept for commitment
	// recomputation and audit.
	RawPublicData []byte
}

// DepositOp credits (ToAccount, SubAccount, L2TargetToken) by Amount,
// creating ToAccount if absent (spec.md §4.4).
type DepositOp struct {
	ToAccountID    uint32
	ToAddress      [20]byte
	SubAccount     uint8
	L2TargetToken  uint32
	L1SourceToken  uint32
	Amount         *big.Int
	SourceChain    uint8
	PriorityKey    PriorityOpKey
}

// TransferOp covers both Transfer and TransferToNew (IsNew set, with
// ToAddress, means "materialize a new account", per spec.md §4.4).
type TransferOp struct {
	FromAccountID uint32
	FromSubAccount uint8
	ToAccountID    uint32
	ToAddress      [20]byte
	ToSubAccount   uint8
	TokenID        uint32
	Amount         *big.Int
	Fee            *big.Int
	Nonce          uint64
	IsNew          bool
}

// WithdrawOp covers Withdraw, ForcedExit and FullExit. For FullExit,
// Amount is nil on input (it's an output of the state engine, not the
// caller, per spec.md §4.4) and is filled in by Apply.
type WithdrawOp struct {
	Kind           WithdrawKind
	AccountID      uint32
	SubAccount     uint8
	TokenID        uint32
	Amount         *big.Int
	Fee            *big.Int
	Nonce          uint64
	SourceChain    uint8
	PriorityKey    *PriorityOpKey // set for FullExit
}

type WithdrawKind uint8

const (
	WithdrawKindWithdraw WithdrawKind = iota
	WithdrawKindForcedExit
	WithdrawKindFullExit
)

// ChangePubKeyVariant selects the signature-verification path (spec.md §4.4).
type ChangePubKeyVariant uint8

const (
	ChangePubKeyOwnedByEOA ChangePubKeyVariant = iota
	ChangePubKeyCREATE2
	ChangePubKeySmartContract
)

// ChangePubKeyOp updates pubkey_hash and account_type atomically and
// increments nonce (spec.md §4.4).
type ChangePubKeyOp struct {
	AccountID    uint32
	NewPubKeyHash [20]byte
	Nonce        uint64
	Variant      ChangePubKeyVariant
	// EthSignature is the signature for the OwnedByEOA and SmartContract variants.
	EthSignature []byte
	// Create2Data holds the salt/codehash preimage for the CREATE2 variant.
	Create2Data []byte
}

// OrderMatchOp validates and executes a maker/taker order pair (covers
// both OrderMatch and ContractMatch, spec.md §4.4).
type OrderMatchOp struct {
	MakerAccountID  uint32
	MakerSubAccount uint8
	MakerSlot       uint8
	TakerAccountID  uint32
	TakerSubAccount uint8
	TakerSlot       uint8
	SellTokenID     uint32
	BuyTokenID      uint32
	FillAmount      *big.Int
	MakerFee        *big.Int
	TakerFee        *big.Int
	IsContractMatch bool
}

// SyncL1RequestsOp consumes the next K priority ops in serial-id order
// (spec.md §4.4).
type SyncL1RequestsOp struct {
	SourceChain uint8
	Count       uint64
}

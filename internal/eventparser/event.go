// Package eventparser decodes raw layer-1 log entries into the typed
// RollupEvents the recovery driver consumes (spec.md §4.2, C2). It also
// fetches each triggering transaction's calldata, since committed block
// data lives in the function arguments, not the event (NewPriorityRequest
// is the one exception — it is self-contained in its event payload).
package eventparser

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/l2exodus/recover-state-server/internal/chainclient"
	"github.com/l2exodus/recover-state-server/internal/xlog"
)

var logger = xlog.NewModuleLogger(xlog.EventParser)

// EventKind distinguishes the contract events the core cares about
// (spec.md §4.2). WithdrawalPending is recognized but ignored.
type EventKind uint8

const (
	EventBlockCommit EventKind = iota
	EventBlocksRevert
	EventBlockExecuted
	EventNewPriorityRequest
	EventWithdrawalPending
)

// Topic hashes for the five signatures the contract boundary guarantees
// (spec.md §4.2, §6). Computed once at init from the canonical Solidity
// event signatures.
var (
	topicBlockCommit         = crcTopic("BlockCommit(uint64,bytes32)")
	topicBlocksRevert        = crcTopic("BlocksRevert(uint64,uint64)")
	topicBlockExecuted       = crcTopic("BlockExecuted(uint64)")
	topicNewPriorityRequest  = crcTopic("NewPriorityRequest(uint64,uint8,bytes,uint64)")
	topicWithdrawalPending   = crcTopic("WithdrawalPending(uint16,uint128)")
)

func crcTopic(sig string) common.Hash {
	return crypto_Keccak256Hash([]byte(sig))
}

// Topics returns the ordered filter-topic list the chain client should
// subscribe on for the rollup contract.
func Topics() []common.Hash {
	return []common.Hash{
		topicBlockCommit, topicBlocksRevert, topicBlockExecuted,
		topicNewPriorityRequest, topicWithdrawalPending,
	}
}

// RollupEvent is the typed, decoded log the extractor/driver consume.
type RollupEvent struct {
	Kind        EventKind
	ChainID     uint8
	BlockNumber uint64 // L1 block number the event was observed at
	TxHash      common.Hash
	Calldata    []byte // triggering tx's input, when applicable

	// Payload fields, set according to Kind.
	RollupBlockNumber uint64   // BlockCommit / BlockExecuted
	Commitment        [32]byte // BlockCommit
	TotalCommitted    uint64   // BlocksRevert
	TotalExecuted     uint64   // BlocksRevert

	SerialID        uint64 // NewPriorityRequest
	PriorityOpType  uint8
	PriorityPubData []byte
	ExpirationBlock uint64
}

// VersionMismatch is fatal and never retried (spec.md §4.2, §7).
type VersionMismatch struct {
	ChainID uint8
	Got     byte
	Want    byte
}

func (e *VersionMismatch) Error() string {
	return "event parser: contract version mismatch on chain " + itoa(e.ChainID) +
		": got " + itoa(e.Got) + " want " + itoa(e.Want)
}

func itoa(b uint8) string {
	const digits = "0123456789"
	if b == 0 {
		return "0"
	}
	var buf [3]byte
	i := len(buf)
	for b > 0 {
		i--
		buf[i] = digits[b%10]
		b /= 10
	}
	return string(buf[i:])
}

// Parser decodes logs for one chain, fetching calldata via the chain
// client when the event payload doesn't carry the full block data.
type Parser struct {
	client         chainclient.Client
	expectedVersion byte
}

func New(client chainclient.Client, expectedVersion byte) *Parser {
	return &Parser{client: client, expectedVersion: expectedVersion}
}

// Parse decodes a single raw log into a RollupEvent, fetching the
// triggering transaction's calldata for every kind except
// NewPriorityRequest and WithdrawalPending, and validating the contract version byte embedded
// alongside the event row (spec.md §4.2).
func (p *Parser) Parse(ctx context.Context, chainID uint8, log types.Log, versionByte byte) (*RollupEvent, error) {
	if versionByte != p.expectedVersion {
		return nil, &VersionMismatch{ChainID: chainID, Got: versionByte, Want: p.expectedVersion}
	}
	if len(log.Topics) == 0 {
		return nil, errors.New("event parser: log has no topics")
	}

	ev := &RollupEvent{ChainID: chainID, BlockNumber: log.BlockNumber, TxHash: log.TxHash}

	switch log.Topics[0] {
	case topicBlockCommit:
		ev.Kind = EventBlockCommit
		if err := decodeBlockCommit(log, ev); err != nil {
			return nil, err
		}
	case topicBlocksRevert:
		ev.Kind = EventBlocksRevert
		if err := decodeBlocksRevert(log, ev); err != nil {
			return nil, err
		}
	case topicBlockExecuted:
		ev.Kind = EventBlockExecuted
		if err := decodeBlockExecuted(log, ev); err != nil {
			return nil, err
		}
	case topicNewPriorityRequest:
		ev.Kind = EventNewPriorityRequest
		if err := decodeNewPriorityRequest(log, ev); err != nil {
			return nil, err
		}
		// self-contained: no calldata fetch needed.
		return ev, nil
	case topicWithdrawalPending:
		ev.Kind = EventWithdrawalPending
		return ev, nil // ignored by the core, per spec.md §4.2
	default:
		return nil, errors.Errorf("event parser: unknown topic %s", log.Topics[0])
	}

	tx, _, err := p.client.GetTransaction(ctx, log.TxHash)
	if err != nil {
		return nil, errors.Wrapf(err, "event parser: fetching calldata for tx %s", log.TxHash)
	}
	ev.Calldata = tx.Data()
	logger.Trace("parsed event", "chain", chainID, "kind", ev.Kind, "block", log.BlockNumber)
	return ev, nil
}

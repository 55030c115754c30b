// Package recovery orchestrates C1-C4 across every configured chain,
// advancing a single monotonically growing (block_number, state_root)
// head and persisting progress so a crash resumes at the last durable
// phase (spec.md §4.5, C5).
package recovery

import (
	"context"
	"strconv"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/l2exodus/recover-state-server/internal/chainclient"
	"github.com/l2exodus/recover-state-server/internal/chainmeta"
	"github.com/l2exodus/recover-state-server/internal/eventparser"
	"github.com/l2exodus/recover-state-server/internal/metrics"
	"github.com/l2exodus/recover-state-server/internal/opextractor"
	"github.com/l2exodus/recover-state-server/internal/stateengine"
	"github.com/l2exodus/recover-state-server/internal/store"
	"github.com/l2exodus/recover-state-server/internal/types"
	"github.com/l2exodus/recover-state-server/internal/xlog"
)

// eip1271Verifier checks the ChangePubKeySmartContract variant by calling
// the account's own contract with the EIP-1271 isValidSignature selector,
// the convention the rollup protocol uses for its smart-wallet accounts
// (spec.md §4.4).
type eip1271Verifier struct {
	client chainclient.Client
}

var isValidSignatureSelector = crypto.Keccak256([]byte("isValidSignature(bytes32,bytes)"))[:4]
var eip1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

func (v *eip1271Verifier) VerifyChangePubKey(address gethcommon.Address, newPubKeyHash [20]byte, nonce uint64, signature []byte) (bool, error) {
	msg := changePubKeyMessageForVerifier(newPubKeyHash, nonce)
	digest := crypto.Keccak256Hash(msg)

	data := make([]byte, 0, 4+32+32+32+len(signature))
	data = append(data, isValidSignatureSelector...)
	data = append(data, digest.Bytes()...)
	offset := make([]byte, 32)
	offset[31] = 64
	data = append(data, offset...)
	lenBuf := make([]byte, 32)
	lenBuf[31] = byte(len(signature))
	data = append(data, lenBuf...)
	data = append(data, signature...)

	out, err := v.client.Call(context.Background(), address, data, nil)
	if err != nil {
		return false, err
	}
	if len(out) < 4 {
		return false, nil
	}
	return out[0] == eip1271MagicValue[0] && out[1] == eip1271MagicValue[1] &&
		out[2] == eip1271MagicValue[2] && out[3] == eip1271MagicValue[3], nil
}

func changePubKeyMessageForVerifier(pubKeyHash [20]byte, nonce uint64) []byte {
	msg := make([]byte, 0, 28)
	msg = append(msg, pubKeyHash[:]...)
	var nb [8]byte
	for i := 0; i < 8; i++ {
		nb[7-i] = byte(nonce >> (8 * i))
	}
	return append(msg, nb[:]...)
}

var logger = xlog.NewModuleLogger(xlog.Recovery)

// ChainConfig is the per-chain wiring the driver needs beyond the raw RPC
// client (spec.md §4.1, §4.5).
type ChainConfig struct {
	ChainID                  uint8
	ContractAddress          gethcommon.Address
	ContractDeploymentBlock  uint64
	ExpectedVersion          byte
	IsCommitCompressedBlocks bool
	ViewBlockStep            uint64
}

// chainState is the driver's per-chain mutable bookkeeping.
type chainState struct {
	cfg       ChainConfig
	client    chainclient.Client
	parser    *eventparser.Parser
	committed map[uint64]*eventparser.RollupEvent // rollup block number -> BlockCommit
}

// StateHashFetcher resolves the layer-1 contract's authoritative
// state_hash for an already-committed block — the consistency target
// Execute verifies the replayed root against (spec.md §4.4 "must match
// stored_block_info(N).state_hash ... there is no silent divergence").
// The BlockCommit event itself only carries the block's commitment, not
// its state hash, so this must come from a contract call.
type StateHashFetcher interface {
	StoredBlockHash(ctx context.Context, chainID uint8, blockNumber uint32) ([32]byte, error)
}

// Driver owns recovery's full lifecycle: Genesis, event sync, operation
// extraction, and state replay (spec.md §4.5).
type Driver struct {
	db       *store.DB
	chains   map[uint8]*chainState
	order    []uint8 // deterministic iteration order
	engine   *stateengine.Engine
	queue    *orderingQueue
	contract StateHashFetcher
}

func New(db *store.DB, engine *stateengine.Engine, contract StateHashFetcher) *Driver {
	return &Driver{db: db, chains: make(map[uint8]*chainState), engine: engine, queue: newOrderingQueue(), contract: contract}
}

// AddChain registers a chain watcher.
func (d *Driver) AddChain(cfg ChainConfig, client chainclient.Client) {
	d.chains[cfg.ChainID] = &chainState{
		cfg: cfg, client: client,
		parser:    eventparser.New(client, cfg.ExpectedVersion),
		committed: make(map[uint64]*eventparser.RollupEvent),
	}
	d.order = append(d.order, cfg.ChainID)
}

// Genesis initializes the tree and persisted heads, per spec.md §4.5
// phase 1. It is idempotent: calling it again after the tree already has
// genesis accounts is a no-op check via StorageState.
func (d *Driver) Genesis(ctx context.Context) error {
	phase, _, err := d.db.StorageState(ctx)
	if err != nil {
		return err
	}
	if phase != types.StorageStateEmpty {
		return nil
	}

	root, err := d.engine.Tree().Genesis(chainmeta.GlobalAssetAddress)
	if err != nil {
		return err
	}
	fee, _ := d.engine.Tree().Account(chainmeta.FeeAccountID)
	asset, _ := d.engine.Tree().Account(chainmeta.GlobalAssetAccountID)
	if err := d.db.UpsertAccount(ctx, fee); err != nil {
		return err
	}
	if err := d.db.UpsertAccount(ctx, asset); err != nil {
		return err
	}
	for chainID, cs := range d.chains {
		if err := d.db.SetRecoveryHead(ctx, types.RecoveryHead{
			ChainID: chainID, Kind: types.RecoveryEventBlockCommit, LastWatchedBlock: cs.cfg.ContractDeploymentBlock,
		}); err != nil {
			return err
		}
	}
	logger.Info("genesis complete", "root", root)
	return d.db.SetStorageState(ctx, types.StorageStateEvents, 0)
}

// SyncChain walks one chain forward from its last watched block to its
// current tip, in windows of view_block_step, feeding decoded events into
// the cross-chain ordering queue (spec.md §4.5 phase 2).
func (d *Driver) SyncChain(ctx context.Context, chainID uint8) error {
	cs, ok := d.chains[chainID]
	if !ok {
		return errors.Errorf("recovery: unknown chain %d", chainID)
	}

	head, err := d.db.RecoveryHead(ctx, chainID, types.RecoveryEventBlockCommit)
	if err != nil {
		return err
	}
	tip, err := cs.client.LatestBlock(ctx)
	if err != nil {
		return err
	}
	if head.LastWatchedBlock >= tip {
		return nil
	}

	step := cs.cfg.ViewBlockStep
	if step == 0 {
		step = 2000
	}
	topics := eventparser.Topics()
	from := head.LastWatchedBlock + 1

	for from <= tip {
		to := from + step - 1
		if to > tip {
			to = tip
		}
		logs, err := cs.client.GetLogs(ctx, cs.cfg.ContractAddress, [][]gethcommon.Hash{topics}, from, to)
		if err != nil {
			return err
		}
		for _, lg := range logs {
			ev, err := cs.parser.Parse(ctx, chainID, lg, cs.cfg.ExpectedVersion)
			if err != nil {
				return err
			}
			if err := d.ingest(ctx, cs, ev); err != nil {
				return err
			}
		}
		head.LastWatchedBlock = to
		if err := d.db.SetRecoveryHead(ctx, head); err != nil {
			return err
		}
		metrics.RecoveryWatchedBlock.WithLabelValues(strconv.Itoa(int(chainID))).Set(float64(to))
		from = to + 1
	}
	return nil
}

// ingest routes one decoded event: priority ops are persisted immediately
// (spec.md §4.5 "persisting RollupEvent rows and PriorityOp rows in
// strictly-increasing-serial order"); BlockCommit/BlockExecuted are fed to
// the cross-chain ordering queue for phase 3/4.
func (d *Driver) ingest(ctx context.Context, cs *chainState, ev *eventparser.RollupEvent) error {
	defer metrics.RecoveryEventsIngested.WithLabelValues(strconv.Itoa(int(ev.ChainID)), eventKindLabel(ev.Kind)).Inc()
	switch ev.Kind {
	case eventparser.EventNewPriorityRequest:
		return d.db.UpsertPriorityOp(ctx, types.PriorityOp{
			SourceChain: ev.ChainID, SerialID: ev.SerialID, OpType: types.RollupOpType(ev.PriorityOpType),
			PublicData: ev.PriorityPubData, ExpirationBlock: ev.ExpirationBlock, FirstSeenBlock: ev.BlockNumber,
		})
	case eventparser.EventBlockCommit:
		cs.committed[ev.RollupBlockNumber] = ev
		return nil
	case eventparser.EventBlockExecuted:
		d.queue.push(ev.RollupBlockNumber, ev)
		return nil
	case eventparser.EventBlocksRevert:
		d.engine.Revert(ev.TotalCommitted, ev.TotalExecuted)
		return d.db.DeleteBlocksAbove(ctx, ev.TotalExecuted)
	case eventparser.EventWithdrawalPending:
		return nil // ignored, per spec.md §4.2
	default:
		return errors.Errorf("recovery: unhandled event kind %d", ev.Kind)
	}
}

func eventKindLabel(k eventparser.EventKind) string {
	switch k {
	case eventparser.EventBlockCommit:
		return "block_commit"
	case eventparser.EventBlocksRevert:
		return "blocks_revert"
	case eventparser.EventBlockExecuted:
		return "block_executed"
	case eventparser.EventNewPriorityRequest:
		return "new_priority_request"
	case eventparser.EventWithdrawalPending:
		return "withdrawal_pending"
	default:
		return "unknown"
	}
}

// ReplayReady extracts and applies every BlockExecuted event popped from
// the ordering queue whose rollup block number is <= the lowest
// currently-watched tip across all chains (so it never races ahead of a
// chain that simply hasn't reported that far yet), per spec.md §4.5
// phases 3-4.
func (d *Driver) ReplayReady(ctx context.Context) (int, error) {
	watermark, err := d.lowestWatchedHead(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for {
		ev, ok := d.queue.popIfBelow(watermark)
		if !ok {
			return n, nil
		}
		if err := d.replayBlock(ctx, ev); err != nil {
			return n, err
		}
		n++
	}
}

func (d *Driver) lowestWatchedHead(ctx context.Context) (uint64, error) {
	var lowest uint64 = ^uint64(0)
	for _, chainID := range d.order {
		head, err := d.db.RecoveryHead(ctx, chainID, types.RecoveryEventBlockCommit)
		if err != nil {
			return 0, err
		}
		if head.LastWatchedBlock < lowest {
			lowest = head.LastWatchedBlock
		}
	}
	if lowest == ^uint64(0) {
		return 0, nil
	}
	return lowest, nil
}

// replayBlock runs operation extraction then state replay for a single
// executed rollup block (spec.md §4.5 phases 3-4).
func (d *Driver) replayBlock(ctx context.Context, executed *eventparser.RollupEvent) error {
	commitCS := d.chains[executed.ChainID]
	commitEv, ok := commitCS.committed[executed.RollupBlockNumber]
	if !ok {
		return errors.Errorf("recovery: block %d executed but never committed locally", executed.RollupBlockNumber)
	}

	var ops []types.RollupOp
	var err error
	if commitCS.cfg.IsCommitCompressedBlocks {
		ops, err = d.resolveCompressed(executed.RollupBlockNumber, commitEv)
	} else {
		ops, err = opextractor.ExtractFull(executed.RollupBlockNumber, commitEv.Calldata)
	}
	if err != nil {
		return err
	}

	if d.contract == nil {
		return errors.New("recovery: no contract state-hash fetcher configured")
	}
	stateHash, err := d.contract.StoredBlockHash(ctx, executed.ChainID, uint32(executed.RollupBlockNumber))
	if err != nil {
		return err
	}

	block := types.Block{
		Number:     executed.RollupBlockNumber,
		RootHash:   stateHash,
		Commitment: commitEv.Commitment,
		FeeAccount: chainmeta.FeeAccountID,
		Status:     types.BlockStatusCommitted,
	}
	d.engine.Commit(block, ops)

	blockCtx := stateengine.BlockContext{
		ChainID: executed.ChainID, BlockNumber: executed.RollupBlockNumber, FeeAccountID: chainmeta.FeeAccountID,
		Verifier: &eip1271Verifier{client: commitCS.client},
	}
	updates, err := d.engine.Execute(blockCtx)
	if err != nil {
		return err
	}
	return d.persistUpdates(ctx, executed.RollupBlockNumber, updates)
}

// resolveCompressed looks up the matching full-data commit on another
// chain carrying the same rollup block and checks that the two BlockCommit
// events carry the same Commitment value (spec.md §4.3 "Compressed"); no
// sync_hash is compared.
func (d *Driver) resolveCompressed(rollupBlockNumber uint64, compressedCommit *eventparser.RollupEvent) ([]types.RollupOp, error) {
	for _, chainID := range d.order {
		cs := d.chains[chainID]
		if cs.cfg.IsCommitCompressedBlocks {
			continue
		}
		fullCommit, ok := cs.committed[rollupBlockNumber]
		if !ok {
			continue
		}
		ops, err := opextractor.ExtractFull(rollupBlockNumber, fullCommit.Calldata)
		if err != nil {
			return nil, err
		}
		_, err = opextractor.ExtractCompressed(opextractor.CrossChainLink{
			RollupBlockNumber: rollupBlockNumber, SourceSyncHash: compressedCommit.Commitment,
		}, fullCommit.Commitment, ops)
		if err != nil {
			return nil, err
		}
		return ops, nil
	}
	return nil, errors.Errorf("recovery: no full-data commit found for compressed block %d", rollupBlockNumber)
}

func (d *Driver) persistUpdates(ctx context.Context, blockNumber uint64, updates []stateengine.Update) error {
	for _, u := range updates {
		switch u.Kind {
		case stateengine.UpdateAccountCreated, stateengine.UpdateAccountChanged:
			if err := d.db.UpsertAccount(ctx, u.Account); err != nil {
				return err
			}
		case stateengine.UpdatePendingWithdrawal:
			w := u.PendingWithdrawal
			if err := d.db.InsertPendingWithdrawal(ctx, blockNumber, &types.WithdrawOp{
				AccountID: w.AccountID, SubAccount: w.SubAccount, TokenID: w.TokenID, Amount: w.Amount, Kind: w.Kind,
			}); err != nil {
				return err
			}
		}
	}
	root, err := d.engine.Tree().Root()
	if err != nil {
		return err
	}
	block := types.Block{Number: blockNumber, RootHash: root, Status: types.BlockStatusExecuted}
	if err := d.db.UpsertBlock(ctx, block); err != nil {
		return err
	}
	metrics.RecoveryCurrentBlock.Set(float64(blockNumber))
	return d.db.SetStorageState(ctx, types.StorageStateTree, blockNumber)
}

// CurrentBlock returns the highest block number applied to the tree.
func (d *Driver) CurrentBlock() uint64 { return d.engine.LastExecuted() }

// TotalVerifiedBlock resolves spec.md §9's open question: take
// max(local total_verified_block, contract totalBlocksExecuted()), never
// completing early on a stale local candidate.
func (d *Driver) TotalVerifiedBlock(ctx context.Context, contractTotalBlocksExecuted func(context.Context) (uint64, error)) (uint64, error) {
	_, localVerified, err := d.db.StorageState(ctx)
	if err != nil {
		return 0, err
	}
	contractVerified, err := contractTotalBlocksExecuted(ctx)
	if err != nil {
		return 0, err
	}
	if contractVerified > localVerified {
		return contractVerified, nil
	}
	return localVerified, nil
}

// IsComplete reports whether current_block >= total_verified_block and
// every chain has no unprocessed BlockExecuted in its watched range
// (spec.md §4.5).
func (d *Driver) IsComplete(totalVerifiedBlock uint64) bool {
	return d.CurrentBlock() >= totalVerifiedBlock && d.queue.len() == 0
}

// RunForever drives SyncChain/ReplayReady on a ticker for every
// registered chain until ctx is cancelled (cmd/recoverd's main loop).
func (d *Driver) RunForever(ctx context.Context, interval time.Duration) error {
	if err := d.Genesis(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, chainID := range d.order {
				if err := d.SyncChain(ctx, chainID); err != nil {
					if cu, ok := err.(*chainclient.ChainUnavailable); ok {
						logger.Warn("chain unavailable, will retry", "chain", chainID, "err", cu)
						continue
					}
					return err
				}
			}
			if _, err := d.ReplayReady(ctx); err != nil {
				return err
			}
		}
	}
}

package exitservice

import (
	"context"
	"math/big"

	"github.com/l2exodus/recover-state-server/internal/chainmeta"
	"github.com/l2exodus/recover-state-server/internal/jobqueue"
	"github.com/l2exodus/recover-state-server/internal/recovery"
	"github.com/l2exodus/recover-state-server/internal/store"
	"github.com/l2exodus/recover-state-server/internal/types"
	"github.com/l2exodus/recover-state-server/internal/xlog"
)

var logger = xlog.NewModuleLogger(xlog.ExitService)

// ChainInfo is a chain's contract address, for the chain-address listing
// endpoint (spec.md §4.8).
type ChainInfo struct {
	ChainID         uint8
	ContractAddress [20]byte
}

// TokenInfo is one rollup token's per-chain layer-1 address mapping
// (spec.md §4.8 "list all tokens with their per-chain address mapping").
type TokenInfo struct {
	TokenID        uint32
	ChainAddresses map[uint8][20]byte
}

// ContractCaller is the minimal layer-1 view-method surface the service
// needs beyond the recovery driver's own bookkeeping (spec.md §6:
// totalBlocksExecuted, storedBlockHashes).
type ContractCaller interface {
	TotalBlocksExecuted(ctx context.Context, chainID uint8) (uint64, error)
	StoredBlockInfo(ctx context.Context, chainID uint8, blockNumber uint64) (types.StoredBlockInfo, error)
}

// Service implements the exit-service API surface (spec.md §4.8, C8).
type Service struct {
	db       *store.DB
	driver   *recovery.Driver
	queue    *jobqueue.Queue
	basket   *chainmeta.StablecoinBasket
	chains   map[uint8]ChainInfo
	tokens   map[uint32]TokenInfo
	contract ContractCaller
}

func New(db *store.DB, driver *recovery.Driver, queue *jobqueue.Queue, basket *chainmeta.StablecoinBasket,
	chains []ChainInfo, tokens []TokenInfo, contract ContractCaller) *Service {
	chainIdx := make(map[uint8]ChainInfo, len(chains))
	for _, c := range chains {
		chainIdx[c.ChainID] = c
	}
	tokenIdx := make(map[uint32]TokenInfo, len(tokens))
	for _, t := range tokens {
		tokenIdx[t.TokenID] = t
	}
	return &Service{db: db, driver: driver, queue: queue, basket: basket, chains: chainIdx, tokens: tokenIdx, contract: contract}
}

// ListChains returns every configured chain's contract address. Available
// even while recovery is incomplete (spec.md §4.8).
func (s *Service) ListChains() []ChainInfo {
	out := make([]ChainInfo, 0, len(s.chains))
	for _, c := range s.chains {
		out = append(out, c)
	}
	return out
}

// ListTokens returns every registered token's per-chain address mapping.
func (s *Service) ListTokens() []TokenInfo {
	out := make([]TokenInfo, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	return out
}

// RecoveryProgressResult is {current_block, total_verified_block}
// (spec.md §4.8).
type RecoveryProgressResult struct {
	CurrentBlock       uint64
	TotalVerifiedBlock uint64
	Complete           bool
}

// RecoveryProgress reports how far recovery has advanced. Available even
// while recovery is incomplete — this is how a caller discovers that fact
// (spec.md §4.8 "except for the contract-address and recovery-progress
// endpoints").
func (s *Service) RecoveryProgress(ctx context.Context) (*RecoveryProgressResult, *Error) {
	total, err := s.maxTotalVerifiedBlock(ctx)
	if err != nil {
		return nil, newError(InternalErr, err.Error())
	}
	current := s.driver.CurrentBlock()
	return &RecoveryProgressResult{
		CurrentBlock: current, TotalVerifiedBlock: total, Complete: s.driver.IsComplete(total),
	}, nil
}

func (s *Service) maxTotalVerifiedBlock(ctx context.Context) (uint64, error) {
	var maxTotal uint64
	for chainID := range s.chains {
		total, err := s.driver.TotalVerifiedBlock(ctx, func(ctx context.Context) (uint64, error) {
			return s.contract.TotalBlocksExecuted(ctx, chainID)
		})
		if err != nil {
			return 0, err
		}
		if total > maxTotal {
			maxTotal = total
		}
	}
	return maxTotal, nil
}

// requireComplete refuses every endpoint except chain listing and recovery
// progress while recovery hasn't caught up (spec.md §4.8).
func (s *Service) requireComplete(ctx context.Context) *Error {
	total, err := s.maxTotalVerifiedBlock(ctx)
	if err != nil {
		return newError(InternalErr, err.Error())
	}
	if !s.driver.IsComplete(total) {
		return newError(RecoverStateUnfinished, "recovery has not caught up to the chain tip")
	}
	return nil
}

// RunningMaxTaskID exposes the highest proof-task id ever allocated
// (spec.md §4.8).
func (s *Service) RunningMaxTaskID(ctx context.Context) (uint64, *Error) {
	if e := s.requireComplete(ctx); e != nil {
		return 0, e
	}
	id, err := s.queue.RunningMaxTaskID(ctx)
	if err != nil {
		return 0, newError(InternalErr, err.Error())
	}
	return id, nil
}

// TokenByID looks up a single token's per-chain address mapping.
func (s *Service) TokenByID(ctx context.Context, tokenID uint32) (*TokenInfo, *Error) {
	if e := s.requireComplete(ctx); e != nil {
		return nil, e
	}
	t, ok := s.tokens[tokenID]
	if !ok {
		return nil, newError(TokenNotExist, "token does not exist")
	}
	return &t, nil
}

// StoredBlockInfo returns a chain's on-contract block descriptor for a
// given rollup block number (spec.md §6 StoredBlockInfo).
func (s *Service) StoredBlockInfo(ctx context.Context, chainID uint8, blockNumber uint64) (*types.StoredBlockInfo, *Error) {
	if e := s.requireComplete(ctx); e != nil {
		return nil, e
	}
	if _, ok := s.chains[chainID]; !ok {
		return nil, newError(ChainNotExist, "chain does not exist")
	}
	info, err := s.contract.StoredBlockInfo(ctx, chainID, blockNumber)
	if err != nil {
		return nil, newError(InternalErr, err.Error())
	}
	return &info, nil
}

// BalancesByAddress returns sub_account -> token -> amount for a rollup
// account, resolved by its layer-1-style address (spec.md §4.8).
func (s *Service) BalancesByAddress(ctx context.Context, address [20]byte) (map[uint8]map[uint32]*big.Int, *Error) {
	if e := s.requireComplete(ctx); e != nil {
		return nil, e
	}
	acct, ok, err := s.db.AccountByAddress(ctx, address)
	if err != nil {
		return nil, newError(InternalErr, err.Error())
	}
	if !ok {
		return nil, newError(AccountNotExist, "account does not exist")
	}
	balances, err := s.db.BalancesByAccount(ctx, acct.ID)
	if err != nil {
		return nil, newError(InternalErr, err.Error())
	}
	out := make(map[uint8]map[uint32]*big.Int)
	for k, v := range balances {
		if out[k.SubAccount] == nil {
			out[k.SubAccount] = make(map[uint32]*big.Int)
		}
		out[k.SubAccount][k.TokenID] = v
	}
	return out, nil
}

// PendingPriorityOps lists every unconsumed priority op for a chain
// (spec.md §4.8).
func (s *Service) PendingPriorityOps(ctx context.Context, chainID uint8) ([]types.PriorityOp, *Error) {
	if e := s.requireComplete(ctx); e != nil {
		return nil, e
	}
	if _, ok := s.chains[chainID]; !ok {
		return nil, newError(ChainNotExist, "chain does not exist")
	}
	ops, err := s.db.PendingPriorityOps(ctx, chainID)
	if err != nil {
		return nil, newError(InternalErr, err.Error())
	}
	return ops, nil
}

// ProofByExitInfo returns the ProofTask for info, possibly with a null
// amount/proof if not yet produced; ExitProofTaskNotExist if no such task
// was ever enqueued (spec.md §4.8).
func (s *Service) ProofByExitInfo(ctx context.Context, info types.ExitInfo) (*types.ProofTask, *Error) {
	if e := s.requireComplete(ctx); e != nil {
		return nil, e
	}
	task, err := s.db.TaskByExitInfo(ctx, info)
	if err != nil {
		return nil, newError(InternalErr, err.Error())
	}
	if task == nil {
		return nil, newError(ExitProofTaskNotExist, "no proof task exists for this exit info")
	}
	return task, nil
}

// ProofHistory returns completed proofs, most recent first, paginated
// (spec.md §4.8).
func (s *Service) ProofHistory(ctx context.Context, limit, offset int) ([]types.ProofTask, *Error) {
	if e := s.requireComplete(ctx); e != nil {
		return nil, e
	}
	tasks, err := s.db.ProofHistory(ctx, limit, offset)
	if err != nil {
		return nil, newError(InternalErr, err.Error())
	}
	return tasks, nil
}

// EnqueueByExitInfo enqueues a single proof task, reporting its current
// status via the fixed error-code space if one is already in flight
// (spec.md §4.8, §6).
func (s *Service) EnqueueByExitInfo(ctx context.Context, info types.ExitInfo, priority int64) (uint64, *Error) {
	if e := s.requireComplete(ctx); e != nil {
		return 0, e
	}
	if existing, err := s.db.TaskByExitInfo(ctx, info); err != nil {
		return 0, newError(InternalErr, err.Error())
	} else if existing != nil {
		switch existing.Status {
		case types.ProofTaskDone:
			return existing.TaskID, newError(ProofCompleted, "proof already completed")
		case types.ProofTaskInProgress:
			return existing.TaskID, newError(ProofGenerating, "proof is currently being generated")
		default:
			return existing.TaskID, newError(ProofTaskAlreadyExists, "proof task already queued")
		}
	}

	taskID, err := s.queue.Enqueue(ctx, info, priority)
	if err != nil {
		if _, ok := err.(*jobqueue.Blacklisted); ok {
			return 0, newError(ProofTaskAlreadyExists, "account has exceeded its per-window task cap")
		}
		return 0, newError(InternalErr, err.Error())
	}
	return taskID, nil
}

// EnqueueByAddress enqueues by (address, sub_account, token_id). For the
// virtual USD token (l2SourceToken 1), which never has a layer-1 address
// of its own, it fans out into one task per (chain, l1TargetToken)
// stablecoin pair in the basket, keeping l2SourceToken fixed at USD
// (spec.md §4.8, §3 invariant 6, §8 scenario 5).
func (s *Service) EnqueueByAddress(ctx context.Context, address [20]byte, subAccount uint8, tokenID uint32, l1TargetToken uint32, priority int64) ([]uint64, *Error) {
	if e := s.requireComplete(ctx); e != nil {
		return nil, e
	}
	acct, ok, err := s.db.AccountByAddress(ctx, address)
	if err != nil {
		return nil, newError(InternalErr, err.Error())
	}
	if !ok {
		return nil, newError(AccountNotExist, "account does not exist")
	}

	if chainmeta.TokenID(tokenID) != chainmeta.USDTokenID {
		info := types.ExitInfo{AccountAddress: address, AccountID: acct.ID, SubAccountID: subAccount, L2SourceToken: tokenID, L1TargetToken: l1TargetToken}
		taskID, cerr := s.EnqueueByExitInfo(ctx, info, priority)
		if cerr != nil {
			return nil, cerr
		}
		return []uint64{taskID}, nil
	}

	var taskIDs []uint64
	for _, chainID := range s.basket.Chains() {
		for _, stablecoin := range s.basket.TokensForChain(chainID) {
			info := types.ExitInfo{
				ChainID: uint8(chainID), AccountAddress: address, AccountID: acct.ID,
				SubAccountID: subAccount, L2SourceToken: tokenID, L1TargetToken: uint32(stablecoin),
			}
			taskID, cerr := s.EnqueueByExitInfo(ctx, info, priority)
			if cerr != nil && cerr.Code != ProofTaskAlreadyExists && cerr.Code != ProofGenerating && cerr.Code != ProofCompleted {
				return nil, cerr
			}
			taskIDs = append(taskIDs, taskID)
		}
	}
	logger.Info("enqueued USD fan-out", "address", address, "chains", len(taskIDs))
	return taskIDs, nil
}

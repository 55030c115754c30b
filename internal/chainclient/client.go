// Package chainclient wraps a single layer-1 JSON-RPC endpoint per chain
// (spec.md §4.1, C1). It paginates log queries by the chain's configured
// view-block step, rate-limits successive calls, and turns transient
// transport failures into bounded exponential backoff before surfacing
// ChainUnavailable.
package chainclient

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/l2exodus/recover-state-server/internal/xlog"
)

var logger = xlog.NewModuleLogger(xlog.ChainClient)

// Client is the per-chain wrapper described in spec.md §4.1.
type Client interface {
	// GetLogs pages [from,to] internally at ViewBlockStep and returns the
	// concatenated, block-number-ascending log list.
	GetLogs(ctx context.Context, address common.Address, topics [][]common.Hash, from, to uint64) ([]types.Log, error)
	GetTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	Call(ctx context.Context, contract common.Address, data []byte, blockNumber *big.Int) ([]byte, error)
	LatestBlock(ctx context.Context) (uint64, error)
	ChainID() uint8
}

type client struct {
	chainID       uint8
	viewBlockStep uint64
	eth           *ethclient.Client
	backoff       backoffPolicy
	limiter       *rateLimiter
}

// Config bundles the per-chain parameters spec.md §4.1/§6 requires.
type Config struct {
	ChainID               uint8
	Web3URL               string
	ViewBlockStep         uint64
	RequestRateLimitDelay time.Duration
}

// Dial connects to the chain's RPC endpoint.
func Dial(ctx context.Context, cfg Config) (Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.Web3URL)
	if err != nil {
		return nil, &ChainUnavailable{ChainID: cfg.ChainID, Cause: err}
	}
	step := cfg.ViewBlockStep
	if step == 0 {
		step = 2000
	}
	return &client{
		chainID:       cfg.ChainID,
		viewBlockStep: step,
		eth:           eth,
		backoff:       defaultBackoff(),
		limiter:       newRateLimiter(cfg.RequestRateLimitDelay),
	}, nil
}

func (c *client) ChainID() uint8 { return c.chainID }

func (c *client) GetLogs(ctx context.Context, address common.Address, topics [][]common.Hash, from, to uint64) ([]types.Log, error) {
	var all []types.Log
	for start := from; start <= to; start += c.viewBlockStep {
		end := start + c.viewBlockStep - 1
		if end > to {
			end = to
		}
		var page []types.Log
		err := c.backoff.run(ctx, c.chainID, func() error {
			if err := c.limiter.wait(ctx); err != nil {
				return err
			}
			logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(start),
				ToBlock:   new(big.Int).SetUint64(end),
				Addresses: []common.Address{address},
				Topics:    topics,
			})
			if err != nil {
				return err
			}
			page = logs
			return nil
		})
		if err != nil {
			return nil, err
		}
		logger.Trace("fetched log page", "chain", c.chainID, "from", start, "to", end, "count", len(page))
		all = append(all, page...)
		if end == to {
			break
		}
	}
	return all, nil
}

func (c *client) GetTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	var tx *types.Transaction
	var pending bool
	err := c.backoff.run(ctx, c.chainID, func() error {
		if err := c.limiter.wait(ctx); err != nil {
			return err
		}
		t, p, err := c.eth.TransactionByHash(ctx, hash)
		if err != nil {
			return err
		}
		tx, pending = t, p
		return nil
	})
	return tx, pending, err
}

func (c *client) Call(ctx context.Context, contract common.Address, data []byte, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.backoff.run(ctx, c.chainID, func() error {
		if err := c.limiter.wait(ctx); err != nil {
			return err
		}
		res, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, blockNumber)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (c *client) LatestBlock(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.backoff.run(ctx, c.chainID, func() error {
		if err := c.limiter.wait(ctx); err != nil {
			return err
		}
		h, err := c.eth.BlockNumber(ctx)
		if err != nil {
			return err
		}
		n = h
		return nil
	})
	return n, err
}


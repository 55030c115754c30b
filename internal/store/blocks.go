package store

import (
	"context"
	"database/sql"
	"math/big"

	"github.com/pkg/errors"

	"github.com/l2exodus/recover-state-server/internal/types"
)

type blockRow struct {
	BlockNumber       uint64 `db:"block_number"`
	RootHash          []byte `db:"root_hash"`
	FeeAccount        uint32 `db:"fee_account"`
	SizeClass         uint16 `db:"size_class"`
	OpsCompositionNum uint64 `db:"ops_composition_num"`
	BlockTimestamp    uint64 `db:"block_timestamp"`
	Commitment        []byte `db:"commitment"`
	SyncHash          []byte `db:"sync_hash"`
	Status            uint8  `db:"status"`
}

func (r blockRow) toBlock() types.Block {
	var b types.Block
	b.Number = r.BlockNumber
	copy(b.RootHash[:], r.RootHash)
	b.FeeAccount = r.FeeAccount
	b.SizeClass = types.BlockSizeClass(r.SizeClass)
	b.OpsCompositionNum = r.OpsCompositionNum
	b.Timestamp = r.BlockTimestamp
	copy(b.Commitment[:], r.Commitment)
	copy(b.SyncHash[:], r.SyncHash)
	b.Status = types.BlockStatus(r.Status)
	return b
}

// UpsertBlock persists a block header, e.g. transitioning it
// Committed -> Executed -> Verified as the recovery driver advances it
// (spec.md §4.4, §4.5).
func (db *DB) UpsertBlock(ctx context.Context, b types.Block) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO blocks (block_number, root_hash, fee_account, size_class, ops_composition_num, block_timestamp, commitment, sync_hash, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (block_number) DO UPDATE SET
			root_hash = EXCLUDED.root_hash, status = EXCLUDED.status`,
		b.Number, b.RootHash[:], b.FeeAccount, uint16(b.SizeClass), b.OpsCompositionNum,
		b.Timestamp, b.Commitment[:], b.SyncHash[:], uint8(b.Status))
	return errors.Wrap(err, "store: upsert block")
}

// Block loads a single block header.
func (db *DB) Block(ctx context.Context, number uint64) (types.Block, bool, error) {
	var row blockRow
	err := db.conn.GetContext(ctx, &row, `SELECT * FROM blocks WHERE block_number = $1`, number)
	if err == sql.ErrNoRows {
		return types.Block{}, false, nil
	}
	if err != nil {
		return types.Block{}, false, errors.Wrap(err, "store: load block")
	}
	return row.toBlock(), true, nil
}

// LatestBlockWithStatus returns the highest block number at or above the
// given status (spec.md §9 open question: "max(local total_verified_block,
// contract totalBlocksExecuted())" needs the local side of that max).
func (db *DB) LatestBlockWithStatus(ctx context.Context, status types.BlockStatus) (uint64, error) {
	var n sql.NullInt64
	err := db.conn.GetContext(ctx, &n, `SELECT MAX(block_number) FROM blocks WHERE status >= $1`, uint8(status))
	if err != nil {
		return 0, errors.Wrap(err, "store: latest block with status")
	}
	if !n.Valid {
		return 0, nil
	}
	return uint64(n.Int64), nil
}

// DeleteBlocksAbove removes every block strictly above number, used when
// BlocksRevert truncates a Committed-only suffix (spec.md §4.4).
func (db *DB) DeleteBlocksAbove(ctx context.Context, number uint64) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM blocks WHERE block_number > $1 AND status = $2`,
		number, uint8(types.BlockStatusCommitted))
	return errors.Wrap(err, "store: delete reverted blocks")
}

// InsertPendingWithdrawal records an on-chain withdrawal the state engine
// emitted while executing a block (spec.md §4.4).
func (db *DB) InsertPendingWithdrawal(ctx context.Context, blockNumber uint64, w *types.WithdrawOp) error {
	amount := w.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO pending_withdrawals (block_number, account_id, sub_account, token_id, amount, kind)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		blockNumber, w.AccountID, w.SubAccount, w.TokenID, amount.String(), uint8(w.Kind))
	return errors.Wrap(err, "store: insert pending withdrawal")
}

// UpsertPriorityOp records (or updates) a single priority op discovered
// from a NewPriorityRequest event (spec.md §4.2).
func (db *DB) UpsertPriorityOp(ctx context.Context, p types.PriorityOp) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO priority_ops (source_chain, serial_id, op_type, public_data, expiration_block, first_seen_block)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_chain, serial_id) DO NOTHING`,
		p.SourceChain, p.SerialID, uint8(p.OpType), p.PublicData, p.ExpirationBlock, p.FirstSeenBlock)
	return errors.Wrap(err, "store: upsert priority op")
}

// MarkPriorityOpConsumed records which block consumed a priority op, so
// SyncL1Requests replay can be audited (spec.md §4.4).
func (db *DB) MarkPriorityOpConsumed(ctx context.Context, key types.PriorityOpKey, blockNumber uint64) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE priority_ops SET consumed_in_block = $1 WHERE source_chain = $2 AND serial_id = $3`,
		blockNumber, key.SourceChain, key.SerialID)
	return errors.Wrap(err, "store: mark priority op consumed")
}

// PendingPriorityOps returns every unconsumed priority op for a chain, in
// ascending serial_id order — the order SyncL1Requests must consume them
// (spec.md §3 invariant 3, §4.4).
func (db *DB) PendingPriorityOps(ctx context.Context, sourceChain uint8) ([]types.PriorityOp, error) {
	type row struct {
		SourceChain     uint8  `db:"source_chain"`
		SerialID        uint64 `db:"serial_id"`
		OpType          uint8  `db:"op_type"`
		PublicData      []byte `db:"public_data"`
		ExpirationBlock uint64 `db:"expiration_block"`
		FirstSeenBlock  uint64 `db:"first_seen_block"`
	}
	var rows []row
	err := db.conn.SelectContext(ctx, &rows, `
		SELECT source_chain, serial_id, op_type, public_data, expiration_block, first_seen_block
		FROM priority_ops WHERE source_chain = $1 AND consumed_in_block IS NULL ORDER BY serial_id ASC`, sourceChain)
	if err != nil {
		return nil, errors.Wrap(err, "store: load pending priority ops")
	}
	out := make([]types.PriorityOp, len(rows))
	for i, r := range rows {
		out[i] = types.PriorityOp{
			SourceChain: r.SourceChain, SerialID: r.SerialID, OpType: types.RollupOpType(r.OpType),
			PublicData: r.PublicData, ExpirationBlock: r.ExpirationBlock, FirstSeenBlock: r.FirstSeenBlock,
		}
	}
	return out, nil
}

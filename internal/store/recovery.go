package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/l2exodus/recover-state-server/internal/types"
)

// RecoveryHead loads the durable watch-progress row for (chainID, kind),
// returning the zero head if none exists yet (spec.md §3, §4.5).
func (db *DB) RecoveryHead(ctx context.Context, chainID uint8, kind types.RecoveryEventKind) (types.RecoveryHead, error) {
	type row struct {
		ChainID          uint8  `db:"chain_id"`
		Kind             uint8  `db:"kind"`
		LastWatchedBlock uint64 `db:"last_watched_block"`
		LastSerialID     uint64 `db:"last_serial_id"`
	}
	var r row
	err := db.conn.GetContext(ctx, &r, `SELECT * FROM recovery_heads WHERE chain_id = $1 AND kind = $2`, chainID, uint8(kind))
	if err == sql.ErrNoRows {
		return types.RecoveryHead{ChainID: chainID, Kind: kind}, nil
	}
	if err != nil {
		return types.RecoveryHead{}, errors.Wrap(err, "store: load recovery head")
	}
	return types.RecoveryHead{
		ChainID: r.ChainID, Kind: types.RecoveryEventKind(r.Kind),
		LastWatchedBlock: r.LastWatchedBlock, LastSerialID: r.LastSerialID,
	}, nil
}

// SetRecoveryHead persists a new watch-progress checkpoint.
func (db *DB) SetRecoveryHead(ctx context.Context, h types.RecoveryHead) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO recovery_heads (chain_id, kind, last_watched_block, last_serial_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chain_id, kind) DO UPDATE SET
			last_watched_block = EXCLUDED.last_watched_block, last_serial_id = EXCLUDED.last_serial_id`,
		h.ChainID, uint8(h.Kind), h.LastWatchedBlock, h.LastSerialID)
	return errors.Wrap(err, "store: set recovery head")
}

// StorageState loads the singleton recovery-phase row (spec.md §4.5
// "Crash safety").
func (db *DB) StorageState(ctx context.Context) (types.StorageStateUpdate, uint64, error) {
	var s uint8
	var verified uint64
	err := db.conn.QueryRowContext(ctx, `SELECT storage_state, total_verified_block FROM recovery_state WHERE id = 1`).
		Scan(&s, &verified)
	if err != nil {
		return types.StorageStateEmpty, 0, errors.Wrap(err, "store: load storage state")
	}
	return types.StorageStateUpdate(s), verified, nil
}

// SetStorageState advances the singleton recovery-phase row.
func (db *DB) SetStorageState(ctx context.Context, s types.StorageStateUpdate, totalVerifiedBlock uint64) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE recovery_state SET storage_state = $1, total_verified_block = $2 WHERE id = 1`,
		uint8(s), totalVerifiedBlock)
	return errors.Wrap(err, "store: set storage state")
}

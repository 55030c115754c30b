package store

import (
	"context"
	"database/sql"
	"math/big"

	"github.com/pkg/errors"

	"github.com/l2exodus/recover-state-server/internal/types"
)

type taskRow struct {
	TaskID         uint64         `db:"task_id"`
	ChainID        uint8          `db:"chain_id"`
	AccountAddress []byte         `db:"account_address"`
	AccountID      uint32         `db:"account_id"`
	SubAccountID   uint8          `db:"sub_account_id"`
	L1TargetToken  uint32         `db:"l1_target_token"`
	L2SourceToken  uint32         `db:"l2_source_token"`
	Status         uint8          `db:"status"`
	Priority       int64          `db:"priority"`
	CreatedAt      int64          `db:"created_at"`
	UpdatedAt      int64          `db:"updated_at"`
	WorkerID       string         `db:"worker_id"`
	WitnessRef     string         `db:"witness_ref"`
	Amount         sql.NullString `db:"amount"`
	Proof          []byte         `db:"proof"`
	Attempts       int            `db:"attempts"`
	LastFailure    string         `db:"last_failure"`
	LeaseExpiresAt int64          `db:"lease_expires_at"`
}

func (r taskRow) toTask() (types.ProofTask, error) {
	var addr [20]byte
	copy(addr[:], r.AccountAddress)
	t := types.ProofTask{
		TaskID: r.TaskID,
		ExitInfo: types.ExitInfo{
			ChainID: r.ChainID, AccountAddress: addr, AccountID: r.AccountID,
			SubAccountID: r.SubAccountID, L1TargetToken: r.L1TargetToken, L2SourceToken: r.L2SourceToken,
		},
		Status: types.ProofTaskStatus(r.Status), Priority: r.Priority,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
		WorkerID: r.WorkerID, WitnessRef: r.WitnessRef,
		Proof: r.Proof, Attempts: r.Attempts, LastFailure: types.FailureReason(r.LastFailure),
	}
	if r.Amount.Valid {
		v, ok := new(big.Int).SetString(r.Amount.String, 10)
		if !ok {
			return types.ProofTask{}, errors.Errorf("store: malformed task amount %q", r.Amount.String)
		}
		t.Amount = v
	}
	return t, nil
}

// EnqueueTask inserts a new proof task, or returns the existing task id if
// one already exists for the same (chain, account, sub_account, tokens)
// key — enqueue is idempotent (spec.md §4.6 "anti-duplicate-submission").
func (db *DB) EnqueueTask(ctx context.Context, info types.ExitInfo, priority int64, now int64) (uint64, error) {
	var taskID uint64
	err := db.conn.GetContext(ctx, &taskID, `
		INSERT INTO proof_tasks (chain_id, account_address, account_id, sub_account_id, l1_target_token, l2_source_token, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (chain_id, account_id, sub_account_id, l1_target_token, l2_source_token) DO UPDATE SET
			chain_id = proof_tasks.chain_id
		RETURNING task_id`,
		info.ChainID, info.AccountAddress[:], info.AccountID, info.SubAccountID, info.L1TargetToken, info.L2SourceToken, priority, now)
	if err != nil {
		return 0, errors.Wrap(err, "store: enqueue task")
	}
	return taskID, nil
}

// ClaimNextTask atomically claims the highest-priority Idle task (lowest
// priority value first, FIFO within a priority tier by task_id), marking
// it InProgress and leased to workerID until leaseExpiresAt (spec.md §4.6
// "claim atomicity").
func (db *DB) ClaimNextTask(ctx context.Context, workerID string, now, leaseExpiresAt int64) (*types.ProofTask, error) {
	var row taskRow
	err := db.conn.GetContext(ctx, &row, `
		UPDATE proof_tasks SET status = $1, worker_id = $2, updated_at = $3, lease_expires_at = $4, attempts = attempts + 1
		WHERE task_id = (
			SELECT task_id FROM proof_tasks
			WHERE status = $5
			  AND account_address NOT IN (SELECT account_address FROM task_blacklist WHERE blocked_until > $3)
			ORDER BY priority ASC, task_id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`,
		uint8(types.ProofTaskInProgress), workerID, now, leaseExpiresAt, uint8(types.ProofTaskIdle))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: claim task")
	}
	t, err := row.toTask()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CompleteTask writes back the produced proof/amount and marks the task
// Done (spec.md §4.7).
func (db *DB) CompleteTask(ctx context.Context, taskID uint64, amount *big.Int, proof []byte, now int64) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE proof_tasks SET status = $1, amount = $2, proof = $3, updated_at = $4
		WHERE task_id = $5`,
		uint8(types.ProofTaskDone), amount.String(), proof, now, taskID)
	return errors.Wrap(err, "store: complete task")
}

// FailTask returns a task to Idle (bounded-retry path) or parks it Failed
// once attempts is exhausted, recording the categorized failure reason
// (spec.md §7 "ProverFailure").
func (db *DB) FailTask(ctx context.Context, taskID uint64, reason types.FailureReason, failed bool, now int64) error {
	status := types.ProofTaskIdle
	if failed {
		status = types.ProofTaskFailed
	}
	_, err := db.conn.ExecContext(ctx, `
		UPDATE proof_tasks SET status = $1, last_failure = $2, updated_at = $3, worker_id = ''
		WHERE task_id = $4`,
		uint8(status), string(reason), now, taskID)
	return errors.Wrap(err, "store: fail task")
}

// ReclaimExpiredLeases resets every InProgress task whose lease has
// expired back to Idle — the janitor sweep spec.md §4.6 requires for a
// prover that died mid-task.
func (db *DB) ReclaimExpiredLeases(ctx context.Context, now int64) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE proof_tasks SET status = $1, worker_id = ''
		WHERE status = $2 AND lease_expires_at > 0 AND lease_expires_at < $3`,
		uint8(types.ProofTaskIdle), uint8(types.ProofTaskInProgress), now)
	if err != nil {
		return 0, errors.Wrap(err, "store: reclaim expired leases")
	}
	return res.RowsAffected()
}

// Task loads a single task by id.
func (db *DB) Task(ctx context.Context, taskID uint64) (*types.ProofTask, error) {
	var row taskRow
	err := db.conn.GetContext(ctx, &row, `SELECT * FROM proof_tasks WHERE task_id = $1`, taskID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: load task")
	}
	t, err := row.toTask()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// RunningMaxTaskID returns the highest task_id ever allocated, for
// monotonic task-id exposition (spec.md §4.6 "running_max_task_id").
func (db *DB) RunningMaxTaskID(ctx context.Context) (uint64, error) {
	var n sql.NullInt64
	err := db.conn.GetContext(ctx, &n, `SELECT MAX(task_id) FROM proof_tasks`)
	if err != nil {
		return 0, errors.Wrap(err, "store: running max task id")
	}
	if !n.Valid {
		return 0, nil
	}
	return uint64(n.Int64), nil
}

// TaskByExitInfo loads a task by its unique (chain, account, sub_account,
// tokens) key, for proof lookup by exit_info (spec.md §4.8).
func (db *DB) TaskByExitInfo(ctx context.Context, info types.ExitInfo) (*types.ProofTask, error) {
	var row taskRow
	err := db.conn.GetContext(ctx, &row, `
		SELECT * FROM proof_tasks
		WHERE chain_id = $1 AND account_id = $2 AND sub_account_id = $3 AND l1_target_token = $4 AND l2_source_token = $5`,
		info.ChainID, info.AccountID, info.SubAccountID, info.L1TargetToken, info.L2SourceToken)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: load task by exit info")
	}
	t, err := row.toTask()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ProofHistory returns completed proofs (non-null proof), most recent
// first, paginated (spec.md §4.8 "Paginated proof history").
func (db *DB) ProofHistory(ctx context.Context, limit, offset int) ([]types.ProofTask, error) {
	var rows []taskRow
	err := db.conn.SelectContext(ctx, &rows, `
		SELECT * FROM proof_tasks WHERE proof IS NOT NULL
		ORDER BY updated_at DESC, task_id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "store: load proof history")
	}
	out := make([]types.ProofTask, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// IdleTaskCount returns the number of Idle proof tasks, for queue-depth
// metrics (spec.md §4.6).
func (db *DB) IdleTaskCount(ctx context.Context) (int64, error) {
	var n int64
	err := db.conn.GetContext(ctx, &n, `SELECT COUNT(*) FROM proof_tasks WHERE status = $1`, uint8(types.ProofTaskIdle))
	return n, errors.Wrap(err, "store: idle task count")
}

// EnqueueCountSince counts the proof tasks enqueued for address at or
// after the given unix timestamp — the Redis-absent fallback for the
// per-address rolling-window task cap (spec.md §4.6).
func (db *DB) EnqueueCountSince(ctx context.Context, address [20]byte, since int64) (int64, error) {
	var n int64
	err := db.conn.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM proof_tasks WHERE account_address = $1 AND created_at >= $2`, address[:], since)
	return n, errors.Wrap(err, "store: enqueue count since")
}

// Blacklist blocks an account address from being claimed until
// blockedUntil (spec.md §4.6 "blacklist throttling").
func (db *DB) Blacklist(ctx context.Context, address [20]byte, blockedUntil int64) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO task_blacklist (account_address, blocked_until) VALUES ($1, $2)
		ON CONFLICT (account_address) DO UPDATE SET blocked_until = EXCLUDED.blocked_until`,
		address[:], blockedUntil)
	return errors.Wrap(err, "store: blacklist")
}

// IsBlacklisted reports whether address is currently blocked.
func (db *DB) IsBlacklisted(ctx context.Context, address [20]byte, now int64) (bool, error) {
	var blockedUntil int64
	err := db.conn.GetContext(ctx, &blockedUntil, `SELECT blocked_until FROM task_blacklist WHERE account_address = $1`, address[:])
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "store: load blacklist entry")
	}
	return blockedUntil > now, nil
}

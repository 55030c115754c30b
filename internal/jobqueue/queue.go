// Package jobqueue implements the durable, priority-scheduled exit-proof
// task store (spec.md §4.6, C6): enqueue/claim/complete/fail, a
// lease-expiry janitor, and blacklist throttling backed by Redis.
package jobqueue

import (
	"context"
	"math/big"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"

	"github.com/l2exodus/recover-state-server/internal/metrics"
	"github.com/l2exodus/recover-state-server/internal/store"
	"github.com/l2exodus/recover-state-server/internal/types"
	"github.com/l2exodus/recover-state-server/internal/xlog"
)

var logger = xlog.NewModuleLogger(xlog.JobQueue)

// Clock abstracts time so tests can control lease expiry deterministically.
type Clock func() time.Time

// Queue fronts the persisted proof_tasks table with the claim/complete/
// fail/janitor operations the prover pool needs.
type Queue struct {
	db         *store.DB
	redis      *redis.Client
	notifier   CompletionNotifier
	clock      Clock
	leaseTTL   time.Duration
	blacklistWindow time.Duration
	// blacklistThreshold is the number of enqueues within blacklistWindow
	// an address may make; the enqueue that exceeds it blacklists the
	// address (spec.md §4.6).
	blacklistThreshold int
}

// CompletionNotifier publishes a notice once a task finishes, so external
// collaborators watching for their proof don't have to poll (spec.md §4.6
// "completion notice"). Grounded on the teacher's kafka EventBroker usage.
type CompletionNotifier interface {
	NotifyTaskDone(task *types.ProofTask) error
}

// Config bundles the tunables spec.md §6 exposes for the job queue.
type Config struct {
	LeaseTTL           time.Duration // PROVER_CORE_GONE_TIMEOUT
	BlacklistWindow    time.Duration
	BlacklistThreshold int
	CleanInterval      time.Duration
}

func New(db *store.DB, redisClient *redis.Client, notifier CompletionNotifier, cfg Config) *Queue {
	return &Queue{
		db: db, redis: redisClient, notifier: notifier, clock: time.Now,
		leaseTTL: cfg.LeaseTTL, blacklistWindow: cfg.BlacklistWindow, blacklistThreshold: cfg.BlacklistThreshold,
	}
}

// Enqueue inserts a new task for info, returning the (possibly
// pre-existing) task id. Enqueue is idempotent on the
// (chain, account, sub_account, tokens) key (spec.md §4.6). An address
// that crosses blacklistThreshold enqueues within the rolling
// blacklistWindow is blacklisted on this call (spec.md §4.6). A
// blacklisted address gets *Blacklisted from Enqueue for blacklistWindow
// from the moment it was blacklisted. Config.CleanInterval is not read by
// the queue; the blacklist duration does not depend on it.
func (q *Queue) Enqueue(ctx context.Context, info types.ExitInfo, priority int64) (uint64, error) {
	if blocked, err := q.checkBlacklist(ctx, info.AccountAddress); err != nil {
		return 0, err
	} else if blocked {
		return 0, &Blacklisted{Address: info.AccountAddress}
	}
	now := q.clock().Unix()

	if q.blacklistThreshold > 0 {
		count, err := q.countEnqueuesInWindow(ctx, info.AccountAddress, now)
		if err != nil {
			return 0, err
		}
		if count > int64(q.blacklistThreshold) {
			if err := q.blacklistAddress(ctx, info.AccountAddress, now); err != nil {
				return 0, err
			}
			return 0, &Blacklisted{Address: info.AccountAddress}
		}
	}

	taskID, err := q.db.EnqueueTask(ctx, info, priority, now)
	if err != nil {
		return 0, err
	}
	logger.Info("task enqueued", "task_id", taskID, "account", info.AccountID, "token", info.L2SourceToken)
	return taskID, nil
}

// countEnqueuesInWindow returns address's enqueue count within the
// current rolling window, including the enqueue about to be recorded.
// Redis provides an O(1) counter (INCR + EXPIRE-on-first-increment);
// absent Redis, it falls back to counting proof_tasks rows directly.
func (q *Queue) countEnqueuesInWindow(ctx context.Context, address [20]byte, now int64) (int64, error) {
	if q.redis != nil {
		key := enqueueCountKey(address)
		count, err := q.redis.Incr(key).Result()
		if err != nil {
			logger.Warn("redis enqueue counter failed, falling back to store", "err", err)
		} else {
			if count == 1 {
				if err := q.redis.Expire(key, q.blacklistWindow).Err(); err != nil {
					logger.Warn("redis enqueue counter expire failed", "err", err)
				}
			}
			return count, nil
		}
	}
	n, err := q.db.EnqueueCountSince(ctx, address, now-int64(q.blacklistWindow.Seconds()))
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

func (q *Queue) blacklistAddress(ctx context.Context, address [20]byte, now int64) error {
	until := now + int64(q.blacklistWindow.Seconds())
	if err := q.db.Blacklist(ctx, address, until); err != nil {
		return err
	}
	if q.redis != nil {
		if err := q.redis.Set(blacklistKey(address), "1", q.blacklistWindow).Err(); err != nil {
			logger.Warn("redis blacklist mirror failed", "err", err)
		}
	}
	metrics.JobQueueBlacklisted.Inc()
	logger.Warn("account blacklisted", "address", address, "until", until)
	return nil
}

// Claim atomically leases the next Idle task to workerID, or returns
// (nil, nil) if the queue is empty (spec.md §4.6 "claim atomicity").
func (q *Queue) Claim(ctx context.Context, workerID string) (*types.ProofTask, error) {
	now := q.clock().Unix()
	leaseExpiresAt := now + int64(q.leaseTTL.Seconds())
	task, err := q.db.ClaimNextTask(ctx, workerID, now, leaseExpiresAt)
	if err != nil {
		return nil, err
	}
	if task != nil {
		metrics.JobQueueClaims.WithLabelValues("hit").Inc()
		logger.Trace("task claimed", "task_id", task.TaskID, "worker", workerID)
	} else {
		metrics.JobQueueClaims.WithLabelValues("empty").Inc()
	}
	return task, nil
}

// Complete writes back the produced proof/amount and marks the task Done,
// then fires the completion notice (spec.md §4.7).
func (q *Queue) Complete(ctx context.Context, taskID uint64, amount *big.Int, proof []byte) error {
	now := q.clock().Unix()
	if err := q.db.CompleteTask(ctx, taskID, amount, proof, now); err != nil {
		return err
	}
	task, err := q.db.Task(ctx, taskID)
	if err != nil {
		return err
	}
	if task != nil && q.notifier != nil {
		if err := q.notifier.NotifyTaskDone(task); err != nil {
			logger.Warn("completion notice failed", "task_id", taskID, "err", err)
		}
	}
	metrics.JobQueueCompletions.WithLabelValues("done").Inc()
	logger.Info("task completed", "task_id", taskID)
	return nil
}

const maxAttempts = 5

// Fail records a failed attempt, returning the task to Idle for a bounded
// number of retries (spec.md §7 "ProverFailure") before parking it
// Failed. Bounded-retry exhaustion is independent of the per-address
// task-cap blacklist, which is tripped only from Enqueue.
func (q *Queue) Fail(ctx context.Context, taskID uint64, reason types.FailureReason) error {
	now := q.clock().Unix()
	task, err := q.db.Task(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return errors.Errorf("jobqueue: unknown task %d", taskID)
	}
	exhausted := task.Attempts >= maxAttempts
	if err := q.db.FailTask(ctx, taskID, reason, exhausted, now); err != nil {
		return err
	}
	logger.Warn("task failed", "task_id", taskID, "reason", reason, "attempts", task.Attempts, "exhausted", exhausted)
	if exhausted {
		metrics.JobQueueCompletions.WithLabelValues("failed").Inc()
	} else {
		metrics.JobQueueCompletions.WithLabelValues("retry").Inc()
	}
	return nil
}

func (q *Queue) checkBlacklist(ctx context.Context, address [20]byte) (bool, error) {
	if q.redis != nil {
		exists, err := q.redis.Exists(blacklistKey(address)).Result()
		if err == nil {
			if exists > 0 {
				return true, nil
			}
		} else {
			logger.Warn("redis blacklist check failed, falling back to store", "err", err)
		}
	}
	return q.db.IsBlacklisted(ctx, address, q.clock().Unix())
}

func blacklistKey(address [20]byte) string {
	return "exodus:blacklist:" + hexEncode(address[:])
}

func enqueueCountKey(address [20]byte) string {
	return "exodus:enqueue_count:" + hexEncode(address[:])
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}

// Blacklisted is returned by Enqueue when the account is currently
// blocked (spec.md §7 "blacklist throttling").
type Blacklisted struct {
	Address [20]byte
}

func (e *Blacklisted) Error() string {
	return "jobqueue: account is blacklisted"
}

// Janitor reclaims leases abandoned by a prover that died mid-task
// (spec.md §4.6). Run it on a ticker from cmd/recoverd or cmd/prover.
func (q *Queue) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.db.ReclaimExpiredLeases(ctx, q.clock().Unix())
			if err != nil {
				logger.Error("janitor sweep failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("janitor reclaimed expired leases", "count", n)
			}
			if depth, err := q.db.IdleTaskCount(ctx); err != nil {
				logger.Warn("failed to sample queue depth", "err", err)
			} else {
				metrics.JobQueueDepth.Set(float64(depth))
			}
		}
	}
}

// RunningMaxTaskID exposes the highest task id ever allocated.
func (q *Queue) RunningMaxTaskID(ctx context.Context) (uint64, error) {
	return q.db.RunningMaxTaskID(ctx)
}

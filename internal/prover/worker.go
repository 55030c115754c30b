package prover

import (
	"context"
	"math/big"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/JekaMas/workerpool"

	"github.com/l2exodus/recover-state-server/internal/chainmeta"
	"github.com/l2exodus/recover-state-server/internal/jobqueue"
	"github.com/l2exodus/recover-state-server/internal/metrics"
	"github.com/l2exodus/recover-state-server/internal/store"
	"github.com/l2exodus/recover-state-server/internal/types"
	"github.com/l2exodus/recover-state-server/internal/xlog"
)

var logger = xlog.NewModuleLogger(xlog.Prover)

// Pool runs N concurrent claim -> build_witness -> prove -> complete
// cycles against the job queue (spec.md §4.7), mirroring the teacher's
// Agent-pool shape (work/worker.go) but generalized to proof tasks
// instead of block-mining.
type Pool struct {
	queue    *jobqueue.Queue
	db       *store.DB
	basket   *chainmeta.StablecoinBasket
	prover   SNARKProver
	setupKey []byte
	wp       *workerpool.WorkerPool
	id       string
	pollWait time.Duration
}

func NewPool(queue *jobqueue.Queue, db *store.DB, basket *chainmeta.StablecoinBasket, snark SNARKProver, setupKey []byte, concurrency int) *Pool {
	poolID, err := uuid.NewV4()
	if err != nil {
		poolID = uuid.Nil
	}
	return &Pool{
		queue: queue, db: db, basket: basket, prover: snark, setupKey: setupKey,
		wp: workerpool.New(concurrency), id: poolID.String(), pollWait: 500 * time.Millisecond,
	}
}

// Run submits concurrency worker loops that each poll, claim, and process
// tasks until ctx is cancelled, then waits for in-flight work to drain.
func (p *Pool) Run(ctx context.Context, concurrency int) {
	for i := 0; i < concurrency; i++ {
		workerID := p.id + "-" + itoa(i)
		p.wp.Submit(func() { p.loop(ctx, workerID) })
	}
	<-ctx.Done()
	p.wp.StopWait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		processed, err := p.processOne(ctx, workerID)
		if err != nil {
			logger.Error("prover cycle failed", "worker", workerID, "err", err)
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollWait):
			}
		}
	}
}

// processOne runs a single claim -> build_witness -> prove -> complete
// cycle, returning whether a task was actually claimed.
func (p *Pool) processOne(ctx context.Context, workerID string) (bool, error) {
	task, err := p.queue.Claim(ctx, workerID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	start := time.Now()
	defer func() { metrics.ProverCycleDuration.Observe(time.Since(start).Seconds()) }()

	witness, err := BuildWitness(ctx, p.db, p.basket, task.ExitInfo)
	if err != nil {
		return true, p.queue.Fail(ctx, task.TaskID, types.FailureWitnessBuild)
	}

	proof, err := p.prover.Prove(p.setupKey, witness)
	if err != nil {
		return true, p.queue.Fail(ctx, task.TaskID, types.FailureProve)
	}

	amount := witness.Balance
	if amount == nil {
		amount = big.NewInt(0)
	}
	if err := p.queue.Complete(ctx, task.TaskID, amount, proof); err != nil {
		return true, p.queue.Fail(ctx, task.TaskID, types.FailurePersist)
	}
	return true, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

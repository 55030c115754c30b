package recovery

import (
	"container/heap"

	"github.com/l2exodus/recover-state-server/internal/eventparser"
)

// pendingEvent is one chain's observation of a BlockCommit/BlockExecuted
// pair, ordered for cross-chain merge by rollup block number (spec.md
// §4.5 "a single cross-chain ordering queue merges events by rollup
// block number").
type pendingEvent struct {
	rollupBlockNumber uint64
	event             *eventparser.RollupEvent
	index             int // heap bookkeeping
}

// eventHeap is a min-heap over pendingEvent.rollupBlockNumber, the
// generic priority-merge stdlib container/heap is built for — no pack
// library models this better than stdlib (DESIGN.md C5).
type eventHeap []*pendingEvent

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	return h[i].rollupBlockNumber < h[j].rollupBlockNumber
}
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *eventHeap) Push(x interface{}) {
	n := len(*h)
	pe := x.(*pendingEvent)
	pe.index = n
	*h = append(*h, pe)
}
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	pe := old[n-1]
	old[n-1] = nil
	pe.index = -1
	*h = old[:n-1]
	return pe
}

// orderingQueue merges per-chain event streams into ascending rollup
// block number order.
type orderingQueue struct {
	h eventHeap
}

func newOrderingQueue() *orderingQueue {
	q := &orderingQueue{}
	heap.Init(&q.h)
	return q
}

func (q *orderingQueue) push(rollupBlockNumber uint64, ev *eventparser.RollupEvent) {
	heap.Push(&q.h, &pendingEvent{rollupBlockNumber: rollupBlockNumber, event: ev})
}

func (q *orderingQueue) len() int { return q.h.Len() }

// popIfBelow pops and returns the lowest-numbered pending event only if
// its rollup block number is <= watermark — the highest rollup block
// number every chain has reported up to, so popping never starves a
// chain that just hasn't reported yet.
func (q *orderingQueue) popIfBelow(watermark uint64) (*eventparser.RollupEvent, bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	top := q.h[0]
	if top.rollupBlockNumber > watermark {
		return nil, false
	}
	heap.Pop(&q.h)
	return top.event, true
}

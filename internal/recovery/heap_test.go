package recovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l2exodus/recover-state-server/internal/eventparser"
)

func TestOrderingQueuePopsAscendingByRollupBlockNumber(t *testing.T) {
	q := newOrderingQueue()
	q.push(30, &eventparser.RollupEvent{ChainID: 2})
	q.push(10, &eventparser.RollupEvent{ChainID: 1})
	q.push(20, &eventparser.RollupEvent{ChainID: 1})

	ev, ok := q.popIfBelow(100)
	require.True(t, ok)
	require.EqualValues(t, 1, ev.ChainID)

	ev, ok = q.popIfBelow(100)
	require.True(t, ok)
	require.EqualValues(t, 1, ev.ChainID)

	ev, ok = q.popIfBelow(100)
	require.True(t, ok)
	require.EqualValues(t, 2, ev.ChainID)

	require.Equal(t, 0, q.len())
}

func TestOrderingQueueWithholdsEventsAboveWatermark(t *testing.T) {
	q := newOrderingQueue()
	q.push(50, &eventparser.RollupEvent{})

	_, ok := q.popIfBelow(10)
	require.False(t, ok, "an event past the watermark must not be released early")
	require.Equal(t, 1, q.len(), "withheld event must stay in the queue")

	_, ok = q.popIfBelow(50)
	require.True(t, ok)
	require.Equal(t, 0, q.len())
}

func TestOrderingQueueEmpty(t *testing.T) {
	q := newOrderingQueue()
	_, ok := q.popIfBelow(^uint64(0))
	require.False(t, ok)
}

package recovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l2exodus/recover-state-server/internal/eventparser"
	"github.com/l2exodus/recover-state-server/internal/stateengine"
)

func TestChangePubKeyMessageForVerifierIsDeterministicAndNonceScoped(t *testing.T) {
	hash := [20]byte{1, 2, 3}
	a := changePubKeyMessageForVerifier(hash, 5)
	b := changePubKeyMessageForVerifier(hash, 5)
	c := changePubKeyMessageForVerifier(hash, 6)
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 28)
}

func TestEventKindLabelCoversAllKinds(t *testing.T) {
	kinds := []eventparser.EventKind{
		eventparser.EventBlockCommit,
		eventparser.EventBlocksRevert,
		eventparser.EventBlockExecuted,
		eventparser.EventNewPriorityRequest,
		eventparser.EventWithdrawalPending,
	}
	for _, k := range kinds {
		require.NotEmpty(t, eventKindLabel(k), "every event kind must have a metric label")
	}
}

func TestIsCompleteRequiresCaughtUpHeadAndDrainedQueue(t *testing.T) {
	engine := stateengine.NewEngine(stateengine.New(), 10)
	d := &Driver{engine: engine, queue: newOrderingQueue()}

	require.True(t, d.IsComplete(10), "head at target with an empty queue is complete")
	require.False(t, d.IsComplete(11), "head behind target is incomplete")

	d.queue.push(5, &eventparser.RollupEvent{})
	require.False(t, d.IsComplete(10), "a pending cross-chain event blocks completion even at the target head")
}

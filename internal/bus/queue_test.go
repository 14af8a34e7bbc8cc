package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

func TestQueueFullAndClosed(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.TryPublish(CancelMessage("o1")))
	require.ErrorIs(t, q.TryPublish(CancelMessage("o2")), exception.ErrQueueFull)
	require.Equal(t, 1, q.Len())

	q.Close()
	q.Close()
	require.ErrorIs(t, q.TryPublish(CancelMessage("o3")), exception.ErrQueueClosed)
	require.ErrorIs(t, q.Publish(context.Background(), CancelMessage("o3")), exception.ErrQueueClosed)
}

func TestQueueRunDrainsInOrder(t *testing.T) {
	q := NewQueue(4)
	require.NoError(t, q.TryPublish(IntentMessage(schema.OrderIntent{ClientOrderID: "o1"})))
	require.NoError(t, q.TryPublish(OrderEventMessage(schema.OrderEvent{ClientOrderID: "o1"})))
	require.NoError(t, q.TryPublish(TradeEventMessage(schema.OrderEvent{ClientOrderID: "o1", TradeID: "t1"})))
	q.Close()

	var kinds []Kind
	q.Run(context.Background(), func(msg Message) {
		require.Equal(t, "o1", msg.ClientOrderID)
		kinds = append(kinds, msg.Kind)
	})
	require.Equal(t, []Kind{KindIntent, KindOrderEvent, KindTradeEvent}, kinds)
}

func TestQueuePublishHonoursContext(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.TryPublish(CancelMessage("o1")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Publish(ctx, CancelMessage("o2")), context.DeadlineExceeded)
}

func TestKindString(t *testing.T) {
	require.Equal(t, "intent", KindIntent.String())
	require.Equal(t, "cancel", KindCancel.String())
	require.Equal(t, "unknown", Kind(42).String())
}

package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Kind tags the payload carried by a Message.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindIntent
	KindOrderEvent
	KindTradeEvent
	KindCancel
)

func (k Kind) String() string {
	switch k {
	case KindIntent:
		return "intent"
	case KindOrderEvent:
		return "order"
	case KindTradeEvent:
		return "trade"
	case KindCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Message is the unit passed through the in-memory bus. Intent is set for
// KindIntent, Event for order and trade events, ClientOrderID for cancels.
type Message struct {
	Kind          Kind
	Intent        schema.OrderIntent
	Event         schema.OrderEvent
	ClientOrderID string
}

// IntentMessage wraps an order intent.
func IntentMessage(intent schema.OrderIntent) Message {
	return Message{Kind: KindIntent, Intent: intent, ClientOrderID: intent.ClientOrderID}
}

// OrderEventMessage wraps an order status event.
func OrderEventMessage(event schema.OrderEvent) Message {
	return Message{Kind: KindOrderEvent, Event: event, ClientOrderID: event.ClientOrderID}
}

// TradeEventMessage wraps a trade event.
func TradeEventMessage(event schema.OrderEvent) Message {
	return Message{Kind: KindTradeEvent, Event: event, ClientOrderID: event.ClientOrderID}
}

// CancelMessage wraps a cancel request.
func CancelMessage(clientOrderID string) Message {
	return Message{Kind: KindCancel, ClientOrderID: clientOrderID}
}

// Queue is a bounded, non-blocking message queue with a single consumer.
type Queue struct {
	ch     chan Message
	closed uint32
	mu     sync.RWMutex
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Message, capacity)}
}

// TryPublish enqueues a message without blocking.
func (q *Queue) TryPublish(msg Message) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if atomic.LoadUint32(&q.closed) != 0 {
		return exception.ErrQueueClosed
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return exception.ErrQueueFull
	}
}

// Publish enqueues a message, waiting for space until ctx is done.
func (q *Queue) Publish(ctx context.Context, msg Message) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if atomic.LoadUint32(&q.closed) != 0 {
		return exception.ErrQueueClosed
	}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue from accepting new messages. Buffered messages are
// still delivered to Run.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		q.mu.Lock()
		close(q.ch)
		q.mu.Unlock()
	}
}

// Run consumes messages until the context is done or the queue is closed and
// drained.
func (q *Queue) Run(ctx context.Context, handler func(Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-q.ch:
			if !ok {
				return
			}
			handler(msg)
		}
	}
}

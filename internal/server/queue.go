package server

import (
	"errors"
	"sync"

	"github.com/tickwire/tickwire/internal/monitoring"
	"github.com/tickwire/tickwire/internal/protocol"
)

// ErrQueueOverflow is returned when the outbound queue is full and nothing
// in it can be dropped. The caller closes the connection.
var ErrQueueOverflow = errors.New("outbound queue overflow")

type outFrame struct {
	kind  protocol.Kind
	frame []byte
}

// outQueue is a bounded FIFO of encoded frames awaiting delivery.
//
// Overflow policy: price updates are supersede-able, so the oldest queued
// price_update is dropped to make room. auth_success, error, and order_ack
// frames are never dropped. If nothing is droppable and the incoming frame
// is itself a price_update, the incoming frame is dropped; otherwise the
// push fails with ErrQueueOverflow.
type outQueue struct {
	mu       sync.Mutex
	items    []outFrame
	capacity int
	notify   chan struct{}
}

func newOutQueue(capacity int) *outQueue {
	return &outQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

func (q *outQueue) push(kind protocol.Kind, frame []byte) error {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		if i := q.oldestPriceUpdate(); i >= 0 {
			copy(q.items[i:], q.items[i+1:])
			q.items = q.items[:len(q.items)-1]
			monitoring.DroppedMessages.WithLabelValues(monitoring.DropReasonQueueFullPriceUpdate).Inc()
		} else if kind == protocol.KindPriceUpdate {
			q.mu.Unlock()
			monitoring.DroppedMessages.WithLabelValues(monitoring.DropReasonQueueFullPriceUpdate).Inc()
			return nil
		} else {
			q.mu.Unlock()
			return ErrQueueOverflow
		}
	}
	q.items = append(q.items, outFrame{kind: kind, frame: frame})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// drain removes and returns all pending frames in FIFO order.
func (q *outQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	frames := make([][]byte, len(q.items))
	for i, it := range q.items {
		frames[i] = it.frame
	}
	q.items = q.items[:0]
	return frames
}

func (q *outQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// oldestPriceUpdate returns the index of the first droppable frame, or -1.
// Caller holds q.mu.
func (q *outQueue) oldestPriceUpdate() int {
	for i, it := range q.items {
		if it.kind == protocol.KindPriceUpdate {
			return i
		}
	}
	return -1
}

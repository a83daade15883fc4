package dispatch

import (
	"sync"
	"sync/atomic"

	"ibgate/logger"
	"ibgate/models"
)

// eventQueue is a bounded FIFO between the ingest and apply workers. When the
// bound is reached the oldest queued tick is discarded to make room, because
// ticks are superseded by latest-value-wins anyway. Non-tick events are
// always enqueued, growing past the bound if there is nothing safe to shed.
type eventQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []models.Event
	bound   int
	closed  bool
	dropped int64
}

func newEventQueue(bound int) *eventQueue {
	q := &eventQueue{bound: bound}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(ev models.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	if len(q.items) >= q.bound {
		if !q.shedOldestTick() && ev.IsTick() {
			// Nothing older to shed and the newcomer is sheddable itself.
			atomic.AddInt64(&q.dropped, 1)
			logger.IncrementTickDropped()
			return
		}
	}

	q.items = append(q.items, ev)
	q.cond.Signal()
}

// shedOldestTick removes the first tick in the queue. Caller holds the lock.
func (q *eventQueue) shedOldestTick() bool {
	for i, item := range q.items {
		if item.IsTick() {
			q.items = append(q.items[:i], q.items[i+1:]...)
			atomic.AddInt64(&q.dropped, 1)
			logger.IncrementTickDropped()
			return true
		}
	}
	return false
}

func (q *eventQueue) pop() (models.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return models.Event{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *eventQueue) ticksDropped() int64 {
	return atomic.LoadInt64(&q.dropped)
}

func (q *eventQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

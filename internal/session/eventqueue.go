package session

import (
	"context"
	"sync"
	"time"

	"github.com/daprelay/daprelay/internal/dap"
)

// QueuedEvent is a debug event stamped with its queue sequence number.
type QueuedEvent struct {
	Seq       int64         `json:"seq"`
	Type      dap.EventType `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Body      any           `json:"body"`
}

// EventPoll is the result of one poll.
type EventPoll struct {
	Events []QueuedEvent `json:"events"`
	// NextCursor is the seq of the last delivered event, or the request
	// cursor when nothing was delivered.
	NextCursor int64 `json:"next_cursor"`
	HasMore    bool  `json:"has_more"`
	// CursorSkipped is set when the request cursor predates the retained
	// window, meaning events were dropped before the caller saw them.
	CursorSkipped bool `json:"cursor_skipped,omitempty"`
}

// EventQueue is a bounded FIFO of debug events with strictly monotonic
// sequence numbers. When full, the oldest event is dropped before the new
// one is enqueued; seq values are never reused, so cursors stay valid
// across eviction. Single producer (the adapter event reader), many
// polling consumers.
type EventQueue struct {
	mu     sync.Mutex
	max    int
	events []QueuedEvent
	seq    int64
	notify chan struct{}
}

// NewEventQueue creates a queue retaining at most max events.
func NewEventQueue(max int) *EventQueue {
	if max < 1 {
		max = 1
	}
	return &EventQueue{max: max, notify: make(chan struct{})}
}

// Put stamps and appends one event, evicting the oldest first when at
// capacity, and wakes all blocked pollers.
func (q *EventQueue) Put(typ dap.EventType, body any) QueuedEvent {
	q.mu.Lock()
	q.seq++
	ev := QueuedEvent{
		Seq:       q.seq,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Body:      body,
	}
	if len(q.events) >= q.max {
		drop := len(q.events) - q.max + 1
		q.events = append([]QueuedEvent(nil), q.events[drop:]...)
	}
	q.events = append(q.events, ev)
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()
	return ev
}

// Poll returns up to limit events with seq > cursor. With wait > 0 and no
// events ready, it blocks until an event arrives, the wait elapses, or ctx
// is canceled; it then returns whatever is available (possibly nothing).
func (q *EventQueue) Poll(ctx context.Context, cursor int64, limit int, wait time.Duration) EventPoll {
	if limit < 1 {
		limit = 1
	}
	deadline := time.Now().Add(wait)

	for {
		q.mu.Lock()
		res, ready := q.collect(cursor, limit)
		notify := q.notify
		q.mu.Unlock()

		if ready || wait <= 0 {
			return res
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return res
		}

		timer := time.NewTimer(remaining)
		select {
		case <-notify:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return res
		}
	}
}

// collect gathers events after cursor. Caller holds q.mu.
func (q *EventQueue) collect(cursor int64, limit int) (EventPoll, bool) {
	res := EventPoll{Events: []QueuedEvent{}, NextCursor: cursor}

	if len(q.events) > 0 && cursor > 0 && cursor < q.events[0].Seq-1 {
		res.CursorSkipped = true
	}

	for _, ev := range q.events {
		if ev.Seq <= cursor {
			continue
		}
		if len(res.Events) >= limit {
			res.HasMore = true
			break
		}
		res.Events = append(res.Events, ev)
	}
	if n := len(res.Events); n > 0 {
		res.NextCursor = res.Events[n-1].Seq
	}
	return res, len(res.Events) > 0
}

// Clear drops all retained events. The sequence counter is preserved so
// seq values are never reused within a session lifetime.
func (q *EventQueue) Clear() {
	q.mu.Lock()
	q.events = nil
	q.mu.Unlock()
}

package mqtt

import "sync"

// EventKind classifies a broker event.
type EventKind int

const (
	// EventConnected is emitted on every (re-)connection to the broker.
	EventConnected EventKind = iota + 1
	// EventDisconnected is emitted when an established connection drops.
	EventDisconnected
	// EventCommand carries a payload received on the command topic.
	EventCommand
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Event is one broker event as seen by the control loop.
type Event struct {
	Kind EventKind
	// Command is the raw UTF-8 payload for EventCommand.
	Command string
}

// Queue is an unbounded FIFO of events. Push never blocks, so the Paho
// callback goroutines can never stall on a slow consumer. Any number of
// goroutines may Push; TryNext is meant for a single consumer.
type Queue struct {
	mu    sync.Mutex
	items []Event
}

// Push appends e to the queue.
func (q *Queue) Push(e Event) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
}

// TryNext removes and returns the oldest event. It returns false
// immediately when the queue is empty.
func (q *Queue) TryNext() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Event{}, false
	}
	e := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Release the backing array once drained.
		q.items = nil
	}
	return e, true
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

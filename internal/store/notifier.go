package store

import "sync"

// EventOp says what happened to a queue item.
type EventOp string

const (
	OpEnqueued EventOp = "enqueued"
	OpUpdated  EventOp = "updated"
	OpRemoved  EventOp = "removed"
)

// Event is published after every queue mutation so that UI layers can refresh
// without polling the store.
type Event struct {
	Op     EventOp
	ItemID string
	Status Status
}

// Notifier is a small fan-out channel hub. Publishing never blocks: a slow
// subscriber drops events rather than stalling the sync path.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Event)}
}

// Subscribe returns a buffered event channel and a cancel function. The channel
// is closed on cancel.
func (n *Notifier) Subscribe() (<-chan Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	ch := make(chan Event, 64)
	n.subs[id] = ch
	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if c, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (n *Notifier) Publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

package engine

import "sync"

// ConnSignal is the externally-driven connectivity signal the engine consumes.
// The host application detects network state however it likes and calls
// SetOnline; this type only holds the boolean and fans out transitions.
type ConnSignal struct {
	mu     sync.Mutex
	online bool
	subs   []func(online bool)
}

func NewConnSignal(online bool) *ConnSignal {
	return &ConnSignal{online: online}
}

func (c *ConnSignal) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline updates the signal. Subscribers are notified only on actual
// transitions, not on repeated sets of the same value.
func (c *ConnSignal) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	subs := make([]func(bool), len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers a transition callback. Callbacks run synchronously on
// the goroutine that called SetOnline and must not block.
func (c *ConnSignal) Subscribe(fn func(online bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

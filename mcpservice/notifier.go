package mcpservice

import "sync"

// Notifier is a small in-process pub-sub used by containers to signal list
// changes and per-URI content updates. Delivery is best-effort: a subscriber
// that is backed up misses the signal rather than blocking the mutator.
type Notifier[T any] struct {
	mu     sync.RWMutex
	subs   []chan T
	closed bool
}

// Notify delivers v to every subscriber without blocking.
func (n *Notifier[T]) Notify(v T) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	for _, ch := range n.subs {
		select {
		case ch <- v:
		default:
			// drop if subscriber is backed up
		}
	}
}

// Subscriber returns a channel that receives a value per Notify call. The
// channel is buffered so mutators never wait on consumers. After Close the
// returned channel is closed.
func (n *Notifier[T]) Subscriber() <-chan T {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		ch := make(chan T)
		close(ch)
		return ch
	}
	ch := make(chan T, 16)
	n.subs = append(n.subs, ch)
	return ch
}

// Close closes all subscriber channels. Notify becomes a no-op.
func (n *Notifier[T]) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

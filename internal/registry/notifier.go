package registry

import "sync"

// ChangeNotifier is a small in-process pub-sub used by mutable catalogs to
// drive list_changed notifications. Fan-out is non-blocking: a subscriber
// that has not drained its buffer misses intermediate signals, which is fine
// because the signal carries no payload.
type ChangeNotifier struct {
	mu          sync.Mutex
	subscribers []chan struct{}
	closed      bool
}

// Notify signals every subscriber that the catalog changed.
func (cn *ChangeNotifier) Notify() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return
	}
	for _, ch := range cn.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscriber registers and returns a 1-buffered signal channel. After Close
// the returned channel is already closed.
func (cn *ChangeNotifier) Subscriber() <-chan struct{} {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch := make(chan struct{}, 1)
	cn.subscribers = append(cn.subscribers, ch)
	return ch
}

// Close closes every subscriber channel and rejects future subscriptions.
func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return
	}
	cn.closed = true
	subs := cn.subscribers
	cn.subscribers = nil
	cn.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}

// ChangeSubscriber is implemented by catalogs that can change after startup.
type ChangeSubscriber interface {
	Subscriber() <-chan struct{}
}

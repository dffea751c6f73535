// internal/session/mailbox.go
package session

import "sync"

// mailbox delivers values to fn on its own goroutine, in the order they
// were put. When same is set, a value replaces the last undelivered one if
// same reports them equivalent; otherwise every value is delivered.
type mailbox[T any] struct {
	fn   func(T)
	same func(queued, next T) bool

	mu    sync.Mutex
	items []T
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newMailbox[T any](fn func(T), same func(queued, next T) bool) *mailbox[T] {
	mb := &mailbox[T]{
		fn:   fn,
		same: same,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go mb.run()
	return mb
}

func (mb *mailbox[T]) put(v T) {
	mb.mu.Lock()
	if n := len(mb.items); n > 0 && mb.same != nil && mb.same(mb.items[n-1], v) {
		mb.items[n-1] = v
	} else {
		mb.items = append(mb.items, v)
	}
	mb.mu.Unlock()

	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

// close stops delivery; undelivered values are dropped.
func (mb *mailbox[T]) close() {
	mb.once.Do(func() { close(mb.done) })
}

func (mb *mailbox[T]) run() {
	for {
		select {
		case <-mb.done:
			return
		case <-mb.wake:
		}
		for {
			mb.mu.Lock()
			batch := mb.items
			mb.items = nil
			mb.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, v := range batch {
				select {
				case <-mb.done:
					return
				default:
				}
				mb.fn(v)
			}
		}
	}
}

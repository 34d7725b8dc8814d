// Package dispatch provides the single delivery context on which castlink
// invokes caller callbacks.
//
// Work posted to a Queue runs on one goroutine, in posting order. Managers
// post callbacks instead of invoking them inline, so callbacks never run while
// a manager holds its lock and observable ordering (for example a removal
// batch before a stopped notification) is preserved.
package dispatch

import (
	"sync"

	"github.com/muurk/castlink/internal/logging"
	"go.uber.org/zap"
)

// Queue is an unbounded FIFO of functions executed by a single goroutine.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	done   chan struct{}
}

// NewQueue creates a queue and starts its delivery goroutine.
func NewQueue() *Queue {
	q := &Queue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Post schedules fn. Posting never blocks. Work posted after Close is dropped.
func (q *Queue) Post(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, fn)
	q.cond.Signal()
}

// Close stops accepting work. Already queued work still runs; Close returns
// once the delivery goroutine has drained the queue.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
}

// Flush blocks until everything posted before the call has run.
func (q *Queue) Flush() {
	ch := make(chan struct{})
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, func() { close(ch) })
	q.cond.Signal()
	q.mu.Unlock()
	<-ch
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		q.invoke(fn)
	}
}

func (q *Queue) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

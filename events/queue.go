/*
package events provides the two pieces of plumbing every realtime component is built on. A Queue
runs closures one at a time, in the order they were pushed, on a single goroutine: the connection
manager uses one as its event loop and the client uses a second one to call application listeners.
An Emitter keeps typed listeners and hands each emission to a Queue.
*/
package events

import (
	"fmt"
	"sync"

	"gopkg.in/tomb.v2"

	"relaywire.io/realtime/logger"
)

type Queue struct {
	logger *logger.Logger
	tmb    tomb.Tomb

	mu      sync.Mutex
	pending []func()
	notify  chan struct{}
	closed  bool
}

func NewQueue(logger *logger.Logger) *Queue {
	q := &Queue{
		logger: logger,
		notify: make(chan struct{}, 1),
	}

	q.tmb.Go(q.run)
	return q
}

// Push schedules fn and returns false if the queue has been stopped. It never
// blocks, so it is safe to call from within a running closure.
func (q *Queue) Push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Do pushes fn and waits for it to have run
func (q *Queue) Do(fn func()) bool {
	done := make(chan struct{})
	if !q.Push(func() {
		defer close(done)
		fn()
	}) {
		return false
	}

	select {
	case <-done:
		return true
	case <-q.tmb.Dead():
		return false
	}
}

// Stop discards anything not yet run. The closure currently running, if any,
// is allowed to finish; Done is closed once it has.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.mu.Unlock()

	q.tmb.Kill(nil)
}

func (q *Queue) Done() <-chan struct{} {
	return q.tmb.Dead()
}

func (q *Queue) run() error {
	for {
		select {
		case <-q.tmb.Dying():
			return nil
		case <-q.notify:
		}

		for {
			q.mu.Lock()
			if len(q.pending) == 0 || q.closed {
				q.mu.Unlock()
				break
			}
			fn := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()

			q.safely(fn)
		}
	}
}

func (q *Queue) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if q.logger != nil {
				q.logger.Errorf("recovered from panic in queued function: %v", r)
			}
		}
	}()
	fn()
}

func (q *Queue) String() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fmt.Sprintf("[Queue; pending=%d; closed=%t]", len(q.pending), q.closed)
}

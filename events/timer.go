package events

import "time"

// Timer runs a function on a Queue after a delay. Stop and the function
// itself must only be called from that queue; once Stop has returned the
// function is guaranteed not to run, even if the delay already elapsed.
type Timer struct {
	timer   *time.Timer
	stopped bool
}

func (q *Queue) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		q.Push(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			fn()
		})
	})
	return t
}

// Stop is safe on a nil Timer
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped = true
	t.timer.Stop()
}

func (t *Timer) Active() bool {
	return t != nil && !t.stopped
}

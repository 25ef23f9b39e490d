package transporter

import (
	"sync"
	"time"

	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/logger"
)

// Lifecycle is the part of a transport that does not depend on how frames
// travel: dispatching inbound protocol messages to events, idle detection and
// making sure only one terminal event is ever reported.
type Lifecycle struct {
	logger *logger.Logger
	owner  Transport
	abort  func()

	// extra time allowed on top of the service's idle interval
	grace time.Duration

	mu           sync.Mutex
	sink         Sink
	connected    bool
	finished     bool
	maxIdle      time.Duration
	idleTimer    *time.Timer
	lastActivity time.Time
}

// NewLifecycle wires a lifecycle to its transport. abort must tear down the
// physical link and is called at most once, after a terminal event.
func NewLifecycle(owner Transport, sink Sink, grace time.Duration, abort func(), logger *logger.Logger) *Lifecycle {
	return &Lifecycle{
		logger: logger,
		owner:  owner,
		sink:   sink,
		grace:  grace,
		abort:  abort,
	}
}

func (l *Lifecycle) emit(event Event) {
	l.mu.Lock()
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		sink(l.owner, event)
	}
}

func (l *Lifecycle) Preconnect() {
	l.onActivity()
	l.emit(Event{Type: EventPreconnect})
}

// OnProtocolMessage turns one inbound protocol message into events
func (l *Lifecycle) OnProtocolMessage(pm *message.ProtocolMessage) {
	if l.IsFinished() {
		return
	}
	l.onActivity()

	switch pm.Action {
	case message.ActionHeartbeat:
		l.emit(Event{Type: EventHeartbeat, Message: pm})

	case message.ActionConnected:
		l.mu.Lock()
		l.connected = true
		if pm.ConnectionDetails != nil && pm.ConnectionDetails.MaxIdleInterval > 0 {
			l.maxIdle = time.Duration(pm.ConnectionDetails.MaxIdleInterval) * time.Millisecond
		}
		l.mu.Unlock()

		l.onActivity()
		l.emit(Event{Type: EventConnected, Message: pm, Err: pm.Error})

	case message.ActionClosed:
		l.Finish(EventClosed, pm.Error)

	case message.ActionDisconnected:
		err := pm.Error
		if err == nil {
			err = errorinfo.Disconnected()
		}
		l.Finish(EventDisconnected, err)

	case message.ActionAck:
		l.emit(Event{Type: EventAck, Message: pm})

	case message.ActionNack:
		l.emit(Event{Type: EventNack, Message: pm, Err: pm.Error})

	case message.ActionError:
		if pm.Channel != "" {
			l.emit(Event{Type: EventMessage, Message: pm})
			return
		}

		// errors without a channel end the connection
		err := pm.Error
		if err == nil {
			err = errorinfo.UnknownConnection()
		}
		l.Finish(EventFailed, err)

	default:
		l.emit(Event{Type: EventMessage, Message: pm})
	}
}

// Finish reports a terminal event and tears the link down. Only the first call
// has any effect; it returns whether this call was it.
func (l *Lifecycle) Finish(eventType EventType, err *errorinfo.ErrorInfo) bool {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return false
	}
	l.finished = true
	l.connected = false
	if l.idleTimer != nil {
		l.idleTimer.Stop()
	}
	l.mu.Unlock()

	l.logger.Debugf("transport finished with %s", Event{Type: eventType, Err: err})
	l.emit(Event{Type: eventType, Err: err})

	if l.abort != nil {
		l.abort()
	}
	return true
}

// Detach stops all further events and tears the link down quietly
func (l *Lifecycle) Detach() {
	l.mu.Lock()
	l.sink = nil
	alreadyFinished := l.finished
	l.finished = true
	l.connected = false
	if l.idleTimer != nil {
		l.idleTimer.Stop()
	}
	l.mu.Unlock()

	if !alreadyFinished && l.abort != nil {
		l.abort()
	}
}

func (l *Lifecycle) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Lifecycle) IsFinished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finished
}

func (l *Lifecycle) LastActivity() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastActivity
}

func (l *Lifecycle) onActivity() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastActivity = time.Now()
	if l.maxIdle <= 0 || l.finished {
		return
	}

	timeout := l.maxIdle + l.grace
	if l.idleTimer == nil {
		l.idleTimer = time.AfterFunc(timeout, l.onIdle)
	} else {
		l.idleTimer.Reset(timeout)
	}
}

func (l *Lifecycle) onIdle() {
	l.mu.Lock()
	since := time.Since(l.lastActivity)
	l.mu.Unlock()

	l.logger.Infof("no activity seen from realtime in %s; assuming connection has dropped", since.Round(time.Millisecond))
	l.Finish(EventDisconnected, errorinfo.New(errorinfo.CodeDisconnected, 408,
		"No activity seen from realtime in %dms; assuming connection has dropped", since.Milliseconds()))
}

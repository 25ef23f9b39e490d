package connection

import (
	"context"
	"time"

	"github.com/google/uuid"

	"relaywire.io/realtime/auth"
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/connection/protocol"
	"relaywire.io/realtime/errorinfo"
)

// Send transmits pm now if a transport is active, queues it if the current
// state allows and queueable is set, and otherwise fails it through callback.
// callback may be nil. Loop-only.
func (m *Manager) Send(pm *message.ProtocolMessage, queueable bool, callback protocol.Callback) {
	if m.state.sendEvents && m.active != nil {
		m.sendImpl(protocol.NewPendingMessage(pm, callback))
		return
	}

	if queueable && m.state.queueEvents && m.options.QueueMessages {
		m.logger.Tracef("queueing %s in state %s", pm, m.state.state)
		m.queue.Queue(pm, callback, m.maxMessageSize)
		m.metrics.QueuedMessages(m.queue.Count())
		return
	}

	if callback != nil {
		err := m.errorReason
		if err == nil {
			err = errorinfo.New(errorinfo.CodeChannelOperationFailed, 400,
				"rejecting %s, queueable was %t, state was %s", pm.Action, queueable, m.state.state)
		}
		callback(err)
	}
}

func (m *Manager) sendImpl(p *protocol.PendingMessage) {
	m.serials.Assign(p)

	if err := m.active.Send(p); err != nil {
		m.logger.Infof("failed to send %s: %s", p.Message, err)
		if !p.AckRequired {
			p.Complete(errorinfo.Wrap(err, errorinfo.CodeDisconnected, 0))
		}
		return
	}

	if !p.AckRequired {
		p.Complete(nil)
	}
}

func (m *Manager) sendQueuedMessages() {
	queued := m.queue.Drain()
	if len(queued) > 0 {
		m.logger.Debugf("sending %d queued messages", len(queued))
	}
	for _, p := range queued {
		m.sendImpl(p)
	}
	m.metrics.QueuedMessages(0)
}

func (m *Manager) failQueuedMessages(err *errorinfo.ErrorInfo) {
	if count := m.queue.Count(); count > 0 {
		m.logger.Infof("failing %d queued messages: %s", count, err)
	}
	m.queue.CompleteAll(err)
	m.metrics.QueuedMessages(0)
}

// stateError is why the connection cannot carry messages right now
func (m *Manager) stateError() *errorinfo.ErrorInfo {
	if m.errorReason != nil {
		return m.errorReason
	}
	if err := defaultReason(m.state.state); err != nil {
		return err
	}
	return errorinfo.New(errorinfo.CodeConnectionFailed, 400, "connection is %s", m.state.state)
}

// QueuedCount is loop-only
func (m *Manager) QueuedCount() int {
	return m.queue.Count()
}

// Ping sends a heartbeat and waits for the service to echo it
func (m *Manager) Ping(ctx context.Context) (time.Duration, error) {
	id := uuid.NewString()
	result := make(chan *errorinfo.ErrorInfo, 1)
	start := time.Now()

	pushed := m.loop.Push(func() {
		if m.state.state != StateConnected || m.active == nil {
			result <- errorinfo.New(errorinfo.CodeBadRequest, 400, "Unable to ping service; not connected")
			return
		}

		timer := m.loop.AfterFunc(m.options.Timeouts.RealtimeRequest, func() {
			if done, ok := m.pings[id]; ok {
				done(errorinfo.Timeout("Timeout waiting for heartbeat response"))
			}
		})
		m.pings[id] = func(err *errorinfo.ErrorInfo) {
			timer.Stop()
			delete(m.pings, id)
			result <- err
		}

		if err := m.active.SendControl(&message.ProtocolMessage{Action: message.ActionHeartbeat, ID: id}); err != nil {
			m.logger.Infof("failed to send heartbeat: %s", err)
		}
	})
	if !pushed {
		return 0, errorinfo.Closed()
	}

	select {
	case err := <-result:
		if err != nil {
			return 0, err
		}
		return time.Since(start), nil
	case <-ctx.Done():
		m.loop.Push(func() {
			if done, ok := m.pings[id]; ok {
				done(nil)
			}
		})
		return 0, ctx.Err()
	}
}

// Authorize obtains a new token and, when connected, hands it to the service
// on the existing connection. It returns once the service has accepted the
// token or the connection has failed.
func (m *Manager) Authorize(ctx context.Context) (*auth.TokenDetails, error) {
	token, err := m.auth.Authorize(ctx)
	if err != nil {
		return nil, err
	}

	result := make(chan *errorinfo.ErrorInfo, 1)
	if !m.loop.Push(func() {
		m.onAuthUpdated(token, func(err *errorinfo.ErrorInfo) { result <- err })
	}) {
		return token, nil
	}

	select {
	case err := <-result:
		if err != nil {
			return token, err
		}
		return token, nil
	case <-ctx.Done():
		return token, ctx.Err()
	}
}

func (m *Manager) onAuthUpdated(token *auth.TokenDetails, done func(err *errorinfo.ErrorInfo)) {
	wait := func(success State) {
		if done != nil {
			m.waitForAuthOutcome(success, done)
		}
	}

	if token == nil {
		// basic auth has no token to hand over
		if done != nil {
			done(nil)
		}
		return
	}

	switch m.state.state {
	case StateConnected:
		m.logger.Info("sending new token to the service")
		wait(EventUpdate)
		m.Send(&message.ProtocolMessage{
			Action: message.ActionAuth,
			Auth:   &message.AuthDetails{AccessToken: token.Token},
		}, false, nil)

	case StateConnecting:
		m.logger.Info("restarting connection attempt with the new token")
		wait(StateConnected)
		m.disconnectAllTransports()
		m.loop.Push(m.startConnect)

	case StateDisconnected, StateSuspended:
		wait(StateConnected)
		m.requestState(StateConnecting, nil)

	default:
		// the token is used the next time the client connects
		if done != nil {
			done(nil)
		}
	}
}

// waitForAuthOutcome calls done once the connection reaches success or stops
// trying
func (m *Manager) waitForAuthOutcome(success State, done func(err *errorinfo.ErrorInfo)) {
	m.waiters.Once(func(change StateChange) {
		switch change.Current {
		case StateFailed, StateSuspended, StateClosed:
			done(change.Reason)
		default:
			done(nil)
		}
	}, success, StateFailed, StateSuspended, StateClosed)
}

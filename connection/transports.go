package connection

import (
	"context"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"relaywire.io/realtime/config"
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/connection/protocol"
	"relaywire.io/realtime/connection/transporter"
	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/events"
	"relaywire.io/realtime/storage"
)

// attempt is a transport that has been asked to connect but has not yet
// reported preconnect
type attempt struct {
	transport transporter.Transport
	params    transporter.Params
	timer     *events.Timer
	done      hostCallback
}

// hostCallback is told how an attempt on one host ended: with the transport
// when it became pending, with fatal when no other host should be tried
type hostCallback func(fatal bool, t transporter.Transport)

func (m *Manager) startConnect() {
	if m.state.state != StateConnecting {
		return
	}

	m.connectCounter++
	count := m.connectCounter

	m.startSuspendTimer()
	m.startTransitionTimer(m.states[StateConnecting])
	m.checkConnectionStateFreshness()

	mode := modeClean
	var recovery *RecoveryKey
	if m.connectionKey != "" {
		mode = modeResume
	} else if m.recoverKey != "" {
		key, err := DecodeRecoveryKey(m.recoverKey)
		if err != nil {
			m.logger.Errorf("ignoring recovery key: %s", err)
			m.recoverKey = ""
		} else {
			mode = modeRecover
			recovery = key
		}
	}

	resumeKey := m.connectionKey
	renewToken := m.errorReason != nil && errorinfo.IsTokenError(m.errorReason)

	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.options.Timeouts.RealtimeRequest)
		defer cancel()

		params, err := m.transportParams(ctx, mode, resumeKey, recovery, renewToken)
		m.loop.Push(func() {
			if count != m.connectCounter {
				return
			}
			if err != nil {
				m.actOnErrorFromAuthorize(err)
				return
			}

			m.mode = mode
			if recovery != nil {
				m.serials.Set(recovery.MsgSerial)
				m.router.SetChannelSerials(recovery.ChannelSerials)
			}
			m.connectImpl(params, count)
		})
	}()
}

// transportParams runs off the loop; it may block on the auth provider
func (m *Manager) transportParams(ctx context.Context, mode connectMode, resumeKey string, recovery *RecoveryKey, renewToken bool) (transporter.Params, error) {
	query := url.Values{}
	query.Set("format", string(m.codec.Format()))
	query.Set("v", config.ProtocolVersion)
	if m.options.Agent != "" {
		query.Set("agent", m.options.Agent)
	}
	if !m.options.EchoMessages {
		query.Set("echo", "false")
	}
	if m.options.ClientID != "" {
		query.Set("clientId", m.options.ClientID)
	}

	switch mode {
	case modeResume:
		query.Set("resume", resumeKey)
	case modeRecover:
		query.Set("recover", recovery.ConnectionKey)
	}

	var authParams url.Values
	var err error
	if renewToken {
		authParams, err = m.renewAuth(ctx)
	} else {
		authParams, err = m.auth.AuthParams(ctx)
	}
	if err != nil {
		return transporter.Params{}, err
	}

	return transporter.Params{
		Port:     m.options.ConnectPort(),
		TLS:      m.options.TLS,
		Query:    withAuth(query, authParams),
		Headers:  http.Header{},
		Codec:    m.codec,
		Timeouts: m.options.Timeouts,
	}, nil
}

func (m *Manager) renewAuth(ctx context.Context) (url.Values, error) {
	if _, err := m.auth.Authorize(ctx); err != nil {
		return nil, err
	}
	return m.auth.AuthParams(ctx)
}

// withAuth returns a copy of query carrying authParams in place of any
// previous credentials
func withAuth(query url.Values, authParams url.Values) url.Values {
	merged := url.Values{}
	for k, v := range query {
		if k == "key" || k == "access_token" {
			continue
		}
		merged[k] = append([]string(nil), v...)
	}
	for k, v := range authParams {
		merged[k] = append([]string(nil), v...)
	}
	return merged
}

func (m *Manager) hasTransport(kind config.TransportKind) bool {
	return m.options.HasTransport(kind) && m.factories[kind] != nil
}

func (m *Manager) connectImpl(params transporter.Params, count int) {
	if m.state.state != StateConnecting {
		return
	}

	hasWebSocket := m.hasTransport(config.TransportWebSocket)
	hasComet := m.hasTransport(config.TransportComet)
	preferComet := hasComet && m.transportPreference == config.TransportComet

	// a remembered comet preference is dropped as soon as websockets get through again
	if preferComet && hasWebSocket && m.probesEnabled() {
		go func() {
			ok := m.checker.CheckWebSocket(m.ctx)
			m.loop.Push(func() {
				if !ok || count != m.connectCounter {
					return
				}
				m.setTransportPreference("")
				if m.state.state == StateConnecting {
					m.logger.Info("websocket connectivity is available again; switching from comet")
					m.disconnectAllTransports()
					m.connectWs(params, m.connectCounter)
				}
			})
		}()
	}

	switch {
	case preferComet || (hasComet && !hasWebSocket):
		m.connectBase(params, count)
	case hasWebSocket:
		m.connectWs(params, count)
	default:
		m.notifyState(StateDisconnected, errorinfo.New(errorinfo.CodeConnectionFailed, 404, "No transports left to try"), false)
	}
}

func (m *Manager) probesEnabled() bool {
	return m.checker != nil && !m.options.DisableConnectivityCheck
}

func (m *Manager) connectWs(params transporter.Params, count int) {
	m.wsCheckResult = nil
	m.abandonedWebSocket = false
	m.startWebSocketSlowTimer(params)
	m.startWebSocketGiveUpTimer(params)

	params.Kind = config.TransportWebSocket
	m.tryTransportWithFallbacks(params, count, func() bool {
		return (m.wsCheckResult == nil || *m.wsCheckResult) && !m.abandonedWebSocket
	})
}

func (m *Manager) connectBase(params transporter.Params, count int) {
	if !m.hasTransport(config.TransportComet) {
		m.notifyState(StateDisconnected, errorinfo.New(errorinfo.CodeConnectionFailed, 404, "No transports left to try"), false)
		return
	}

	params.Kind = config.TransportComet
	m.tryTransportWithFallbacks(params, count, func() bool { return true })
}

// abandonWebSocket gives up on the socket transport for this connect and
// starts over with comet
func (m *Manager) abandonWebSocket(params transporter.Params) {
	m.abandonedWebSocket = true
	m.disconnectAllTransports()
	m.connectBase(params, m.connectCounter)
}

func (m *Manager) startWebSocketSlowTimer(params transporter.Params) {
	m.webSocketSlowTimer.Stop()
	m.webSocketSlowTimer = m.loop.AfterFunc(m.options.Timeouts.WebSocketSlow, func() {
		if m.state.state != StateConnecting {
			return
		}
		m.logger.Info("websocket connection is slow; checking connectivity")
		if !m.probesEnabled() {
			return
		}

		count := m.connectCounter
		go func() {
			wsResult := make(chan bool, 1)
			networkResult := make(chan bool, 1)
			go func() { wsResult <- m.checker.CheckWebSocket(m.ctx) }()
			go func() { networkResult <- m.checker.CheckNetwork(m.ctx) }()
			wsOK := <-wsResult
			networkOK := <-networkResult

			m.loop.Push(func() {
				if count != m.connectCounter || m.state.state != StateConnecting {
					return
				}

				m.wsCheckResult = &wsOK
				if !wsOK && networkOK && m.hasTransport(config.TransportComet) {
					m.logger.Info("websockets appear to be blocked; falling back to comet")
					m.abandonWebSocket(params)
				}
			})
		}()
	})
}

func (m *Manager) startWebSocketGiveUpTimer(params transporter.Params) {
	m.webSocketGiveUpTimer.Stop()
	m.webSocketGiveUpTimer = m.loop.AfterFunc(m.options.Timeouts.WebSocketConnect, func() {
		if m.state.state != StateConnecting || (m.wsCheckResult != nil && *m.wsCheckResult) {
			return
		}
		if !m.hasTransport(config.TransportComet) {
			m.logger.Info("websocket connection is taking a long time and there is nothing to fall back to")
			return
		}

		m.logger.Info("websocket connection took too long; trying comet")
		m.abandonWebSocket(params)
	})
}

func (m *Manager) tryTransportWithFallbacks(params transporter.Params, count int, shouldContinue func() bool) {
	candidates := append([]string(nil), m.options.FallbackHosts...)
	started := time.Now()

	giveUp := func(err *errorinfo.ErrorInfo) {
		m.notifyState(m.failState(), err, false)
	}

	var tryFallbackHosts func()
	var hostAttempted hostCallback
	hostAttempted = func(fatal bool, t transporter.Transport) {
		if count != m.connectCounter || m.state.state != StateConnecting {
			return
		}
		if !shouldContinue() {
			if t != nil {
				if m.pendingTransport == t {
					m.pendingTransport = nil
				}
				t.Dispose()
			}
			return
		}
		if t == nil && !fatal {
			tryFallbackHosts()
		}
	}

	tryFallbackHosts = func() {
		if len(candidates) == 0 {
			giveUp(errorinfo.New(errorinfo.CodeDisconnected, 404, "Unable to connect (and no more fallback hosts to try)"))
			return
		}
		if maxRetry := m.options.Timeouts.HTTPMaxRetry; maxRetry > 0 && time.Since(started) > maxRetry {
			giveUp(errorinfo.New(errorinfo.CodeDisconnected, 408, "Unable to connect (timed out trying fallback hosts)"))
			return
		}

		next := func() {
			i := rand.Intn(len(candidates))
			params.Host = candidates[i]
			candidates = append(candidates[:i], candidates[i+1:]...)
			m.tryATransport(params, hostAttempted)
		}

		if !m.probesEnabled() {
			next()
			return
		}

		go func() {
			ok := m.checker.CheckNetwork(m.ctx)
			m.loop.Push(func() {
				if count != m.connectCounter || m.state.state != StateConnecting || !shouldContinue() {
					return
				}
				if !ok {
					giveUp(errorinfo.New(errorinfo.CodeDisconnected, 404, "Unable to connect (network unreachable)"))
					return
				}
				next()
			})
		}()
	}

	if m.forceFallbackHost && len(candidates) > 0 {
		m.forceFallbackHost = false
		tryFallbackHosts()
		return
	}

	params.Host = m.options.RealtimeHost
	m.tryATransport(params, hostAttempted)
}

func (m *Manager) sink(t transporter.Transport, event transporter.Event) {
	m.loop.Push(func() { m.onTransportEvent(t, event) })
}

func (m *Manager) tryATransport(params transporter.Params, done hostCallback) {
	if m.state.state != StateConnecting {
		done(true, nil)
		return
	}

	m.abandonAttempt()
	m.logger.Infof("trying transport %s", params)

	factory := m.factories[params.Kind]
	a := &attempt{
		params: params,
		done:   done,
	}
	a.transport = factory(params, m.sink, m.logger.GetComponentLogger(string(params.Kind)))
	a.timer = m.loop.AfterFunc(m.options.Timeouts.RealtimeRequest, func() {
		if m.attempt != a {
			return
		}
		m.finishAttempt(a)
		a.transport.Dispose()
		m.metrics.TransportAttempt(string(params.Kind), "timeout")
		m.onAttemptFailed(a, transporter.EventDisconnected,
			errorinfo.New(errorinfo.CodeInternal, 500, "Timeout waiting for transport to indicate itself viable"))
	})
	m.attempt = a
	m.startTransitionTimer(m.states[StateConnecting])

	a.transport.Connect()
}

func (m *Manager) finishAttempt(a *attempt) {
	a.timer.Stop()
	if m.attempt == a {
		m.attempt = nil
	}
}

func (m *Manager) abandonAttempt() {
	if a := m.attempt; a != nil {
		m.finishAttempt(a)
		a.transport.Dispose()
	}
}

func (m *Manager) onAttemptEvent(a *attempt, event transporter.Event) {
	switch {
	case event.Type == transporter.EventPreconnect:
		m.finishAttempt(a)
		m.metrics.TransportAttempt(string(a.params.Kind), "preconnect")

		switch m.state.state {
		case StateClosing, StateClosed, StateFailed:
			a.transport.Close()
			a.done(true, nil)
			return
		}

		m.setTransportPending(a.transport)
		a.done(false, a.transport)

	case event.Type.Terminal():
		m.finishAttempt(a)
		m.metrics.TransportAttempt(string(a.params.Kind), event.Type.String())
		m.onAttemptFailed(a, event.Type, event.Err)
	}
}

func (m *Manager) onAttemptFailed(a *attempt, eventType transporter.EventType, err *errorinfo.ErrorInfo) {
	switch m.state.state {
	case StateClosing, StateClosed, StateFailed:
		a.done(true, nil)
		return
	}

	if err == nil {
		err = errorinfo.Disconnected()
	}
	m.logger.Infof("transport %s on %s failed: %s", a.params.Kind, a.params.Host, err)

	if errorinfo.IsTokenError(err) && !(m.errorReason != nil && errorinfo.IsTokenError(m.errorReason)) {
		m.errorReason = err

		count := m.connectCounter
		params := a.params
		go func() {
			ctx, cancel := context.WithTimeout(m.ctx, m.options.Timeouts.RealtimeRequest)
			defer cancel()

			authParams, authErr := m.renewAuth(ctx)
			m.loop.Push(func() {
				if count != m.connectCounter {
					return
				}
				if authErr != nil {
					m.actOnErrorFromAuthorize(authErr)
					return
				}
				params.Query = withAuth(params.Query, authParams)
				m.tryATransport(params, a.done)
			})
		}()
		return
	}

	if eventType == transporter.EventFailed {
		m.notifyState(StateFailed, err, false)
		a.done(true, nil)
		return
	}

	if !errorinfo.IsRetryable(err) {
		m.notifyState(m.failState(), err, false)
		a.done(true, nil)
		return
	}

	if a.params.Kind == config.TransportComet && m.transportPreference == config.TransportComet {
		m.setTransportPreference("")
	}
	a.done(false, nil)
}

func (m *Manager) actOnErrorFromAuthorize(err error) {
	info := errorinfo.Wrap(err, errorinfo.CodeAuthProviderFailed, 401)

	if info.Code == errorinfo.CodeNoMeansToRenewToken || info.StatusCode == 403 {
		m.notifyState(StateFailed, info, false)
		return
	}

	m.logger.Infof("authentication provider request failed: %s", err)
	wrapped := errorinfo.New(errorinfo.CodeAuthProviderFailed, 401, "Client configured authentication provider request failed")
	wrapped.Cause = err
	m.notifyState(m.failState(), wrapped, false)
}

func (m *Manager) setTransportPending(t transporter.Transport) {
	m.logger.Infof("transport %s on %s is pending", t.Kind(), t.Host())
	m.webSocketSlowTimer.Stop()
	m.webSocketGiveUpTimer.Stop()

	if previous := m.pendingTransport; previous != nil && previous != t {
		m.pendingTransport = nil
		previous.Disconnect(nil)
	}
	m.pendingTransport = t
	m.startTransitionTimer(m.states[StateConnecting])
}

func (m *Manager) setTransportPreference(kind config.TransportKind) {
	if m.transportPreference == kind {
		return
	}
	m.transportPreference = kind
	m.save(storage.KeyTransportPreference, string(kind))
}

func (m *Manager) onTransportEvent(t transporter.Transport, event transporter.Event) {
	if a := m.attempt; a != nil && a.transport == t {
		m.onAttemptEvent(a, event)
		return
	}

	isActive := m.active != nil && m.active.Transport() == t
	isPending := m.pendingTransport == t
	if !isActive && !isPending {
		m.logger.Tracef("ignoring %s from transport %s on %s", event, t.Kind(), t.Host())
		return
	}
	if isActive {
		m.lastActivity = time.Now()
	}

	switch event.Type {
	case transporter.EventConnected:
		if isPending {
			m.activateTransport(t, event.Message, event.Err)
		} else {
			m.onConnectedWhileActive(event.Message, event.Err)
		}

	case transporter.EventDisconnected, transporter.EventFailed, transporter.EventClosed:
		m.deactivateTransport(t, event.Type, event.Err)

	case transporter.EventHeartbeat:
		if event.Message != nil && event.Message.ID != "" {
			if done, ok := m.pings[event.Message.ID]; ok {
				done(nil)
			}
		}

	case transporter.EventAck:
		if isActive && event.Message != nil {
			m.active.OnAck(event.Message.MsgSerial, event.Message.Count)
			m.metrics.Acknowledged(event.Message.Count, false)
		}

	case transporter.EventNack:
		if isActive && event.Message != nil {
			m.active.OnNack(event.Message.MsgSerial, event.Message.Count, event.Err)
			m.metrics.Acknowledged(event.Message.Count, true)
		}

	case transporter.EventMessage:
		if isActive && event.Message != nil {
			m.onProtocolMessage(event.Message)
		}
	}
}

func (m *Manager) activateTransport(t transporter.Transport, pm *message.ProtocolMessage, err *errorinfo.ErrorInfo) {
	if !t.IsConnected() {
		// the terminal event that follows deactivates it
		return
	}
	m.pendingTransport = nil

	switch m.state.state {
	case StateClosing, StateClosed, StateFailed:
		t.Disconnect(nil)
		return
	}

	m.logger.Infof("activating transport %s on %s", t.Kind(), t.Host())

	var details *message.ConnectionDetails
	if pm != nil {
		details = pm.ConnectionDetails
	}
	if details != nil && details.ConnectionKey != "" {
		m.setConnection(pm.ConnectionID, details, err != nil, pm.HasFlag(message.FlagResumed))
	}

	if detailsErr := m.onConnectionDetailsUpdate(details); detailsErr != nil {
		t.Dispose()
		m.notifyState(StateFailed, detailsErr, false)
		return
	}

	previous := m.active
	m.active = protocol.New(t, m.logger.GetComponentLogger("Protocol"))
	m.lastActivity = time.Now()

	if m.mode == modeRecover {
		m.recoverKey = ""
	}
	m.setTransportPreference(t.Kind())

	m.errorReason = err
	m.notifyState(StateConnected, err, false)
	m.router.OnTransportActive()

	if previous != nil {
		m.queue.Prepend(previous.Finish())
		previous.Transport().Dispose()
		m.sendQueuedMessages()
	}
}

func (m *Manager) onConnectedWhileActive(pm *message.ProtocolMessage, err *errorinfo.ErrorInfo) {
	if pm != nil {
		if pm.ConnectionID != "" {
			m.connectionID = pm.ConnectionID
		}
		if pm.ConnectionDetails != nil && pm.ConnectionDetails.ConnectionKey != "" {
			m.connectionKey = pm.ConnectionDetails.ConnectionKey
		}
		if detailsErr := m.onConnectionDetailsUpdate(pm.ConnectionDetails); detailsErr != nil {
			m.active.Transport().Disconnect(detailsErr)
			m.notifyState(StateFailed, detailsErr, false)
			return
		}
	}

	m.errorReason = err
	m.publishSnapshot()
	update := StateChange{
		Previous: StateConnected,
		Current:  StateConnected,
		Reason:   err,
	}
	m.waiters.Emit(EventUpdate, update)
	m.emitter.Emit(EventUpdate, update)
}

func (m *Manager) deactivateTransport(t transporter.Transport, eventType transporter.EventType, err *errorinfo.ErrorInfo) {
	wasActive := m.active != nil && m.active.Transport() == t
	wasPending := m.pendingTransport == t
	activeBefore := m.active

	if wasActive {
		m.queue.Prepend(m.active.Finish())
		m.active = nil
	}
	if wasPending {
		m.pendingTransport = nil
	}
	t.Dispose()

	m.logger.Infof("transport %s on %s ended with %s", t.Kind(), t.Host(), transporter.Event{Type: eventType, Err: err})

	if !m.state.queueEvents && !m.state.sendEvents {
		m.failQueuedMessages(m.stateError())
	}

	noneScheduled := m.pendingTransport == nil || !m.pendingTransport.IsConnected()
	if !((wasActive && noneScheduled) ||
		(wasActive && eventType == transporter.EventFailed) ||
		eventType == transporter.EventClosed ||
		(activeBefore == nil && wasPending)) {
		return
	}

	var state State
	switch eventType {
	case transporter.EventClosed:
		state = StateClosed
	case transporter.EventFailed:
		state = StateFailed
	default:
		state = StateDisconnected
	}

	if state == StateDisconnected && err != nil && err.StatusCode > 500 && len(m.options.FallbackHosts) > 0 {
		m.logger.Info("service reported an internal error; retrying on a fallback host")
		m.setTransportPreference("")
		m.forceFallbackHost = true
		m.notifyState(StateDisconnected, err, true)
		return
	}

	if state == StateFailed && errorinfo.IsTokenError(err) {
		state = StateDisconnected
	}

	switch m.state.state {
	case StateSuspended:
		if state == StateDisconnected {
			return
		}
	case StateClosing:
		state = StateClosed
	}

	m.notifyState(state, err, false)
}

// disconnectAllTransports also fences off every continuation of the
// current connect attempt
func (m *Manager) disconnectAllTransports() {
	m.connectCounter++
	m.abandonAttempt()

	if pending := m.pendingTransport; pending != nil {
		m.pendingTransport = nil
		pending.Disconnect(nil)
	}
	if m.active != nil {
		m.active.Transport().Disconnect(nil)
	}
}

func (m *Manager) onProtocolMessage(pm *message.ProtocolMessage) {
	switch {
	case pm.Action == message.ActionAuth:
		m.logger.Info("service requested reauthentication")
		go func() {
			ctx, cancel := context.WithTimeout(m.ctx, m.options.Timeouts.RealtimeRequest)
			defer cancel()

			token, err := m.auth.Authorize(ctx)
			m.loop.Push(func() {
				if err != nil {
					m.actOnErrorFromAuthorize(err)
					return
				}
				m.onAuthUpdated(token, nil)
			})
		}()

	case pm.Channel != "":
		m.router.OnChannelMessage(pm)

	default:
		m.logger.Debugf("ignoring %s", pm)
	}
}

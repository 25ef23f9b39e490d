/*
package connection keeps a client connected to the realtime service. The Manager owns the connection
state machine, picks and supervises transports, queues outbound messages while no transport is
usable and hands inbound channel traffic to a ChannelRouter.

All of the manager's state lives on a single events.Queue, its loop. Anything that blocks (auth,
connectivity probes, storage) runs on its own goroutine and posts its result back to the loop, where a
connect counter decides whether the result still matters. Exported methods are safe to call from any
goroutine except where noted; methods documented as loop-only must be called from the loop.
*/
package connection

import (
	"context"
	"sync"
	"time"

	"relaywire.io/realtime/auth"
	"relaywire.io/realtime/config"
	"relaywire.io/realtime/connection/codec"
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/connection/protocol"
	"relaywire.io/realtime/connection/transporter"
	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/events"
	"relaywire.io/realtime/logger"
	"relaywire.io/realtime/metrics"
	"relaywire.io/realtime/storage"
)

type connectMode string

const (
	modeClean   connectMode = "clean"
	modeResume  connectMode = "resume"
	modeRecover connectMode = "recover"
)

// ChannelRouter is the manager's view of the channel registry
type ChannelRouter interface {
	// OnChannelMessage receives every inbound message addressed to a channel
	OnChannelMessage(pm *message.ProtocolMessage)
	// OnTransportActive is called each time a new transport becomes active
	OnTransportActive()
	// PropagateConnectionInterruption moves channels along when the
	// connection enters a state from which messages can no longer be queued
	PropagateConnectionInterruption(state State, reason *errorinfo.ErrorInfo)
	ChannelSerials() map[string]string
	SetChannelSerials(serials map[string]string)
}

type Options struct {
	Config *config.Options
	Auth   auth.Auth
	// optional
	Storage    storage.Storage
	Codec      codec.Codec
	Transports map[config.TransportKind]transporter.Factory
	// optional; without it fallback hosts are tried without probing first
	Checker ConnectivityChecker
	// optional
	Metrics *metrics.Metrics

	// Loop runs the manager. Callbacks runs state change listeners.
	Loop      *events.Queue
	Callbacks *events.Queue
}

type Manager struct {
	logger    *logger.Logger
	options   *config.Options
	auth      auth.Auth
	storage   storage.Storage
	codec     codec.Codec
	factories map[config.TransportKind]transporter.Factory
	checker   ConnectivityChecker
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	loop       *events.Queue
	persist    *events.Queue
	emitter    *events.Emitter[State, StateChange]
	// waiters run on the loop itself, for callers blocked on an outcome
	waiters    *events.Emitter[State, StateChange]
	router     ChannelRouter
	snapshotMu sync.Mutex
	snapshot   snapshot

	// everything below is only touched on the loop

	states              map[State]*descriptor
	state               *descriptor
	connectingFailState State
	errorReason         *errorinfo.ErrorInfo

	connectionID       string
	connectionKey      string
	connectionDetails  *message.ConnectionDetails
	connectionStateTTL time.Duration
	maxIdleInterval    time.Duration
	maxMessageSize     int
	lastActivity       time.Time

	serials protocol.SerialCounter
	queue   *protocol.MessageQueue
	active  *protocol.Protocol

	attempt          *attempt
	pendingTransport transporter.Transport
	mode             connectMode
	recoverKey       string

	connectCounter    int
	retry             *retryBackOff
	lastAutoReconnect time.Time

	transitionTimer      *events.Timer
	suspendTimer         *events.Timer
	retryTimer           *events.Timer
	webSocketSlowTimer   *events.Timer
	webSocketGiveUpTimer *events.Timer

	transportPreference config.TransportKind
	wsCheckResult       *bool
	abandonedWebSocket  bool
	forceFallbackHost   bool

	pings map[string]func(err *errorinfo.ErrorInfo)
}

// snapshot lets other goroutines read the public state without a round trip
// through the loop
type snapshot struct {
	state        State
	errorReason  *errorinfo.ErrorInfo
	connectionID string
	key          string
}

func New(opts Options, logger *logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		logger:              logger,
		options:             opts.Config,
		auth:                opts.Auth,
		storage:             opts.Storage,
		codec:               opts.Codec,
		factories:           opts.Transports,
		checker:             opts.Checker,
		metrics:             opts.Metrics,
		ctx:                 ctx,
		cancel:              cancel,
		loop:                opts.Loop,
		persist:             events.NewQueue(logger.GetComponentLogger("ConnectionStorage")),
		emitter:             events.NewEmitter[State, StateChange](opts.Callbacks, logger),
		waiters:             events.NewEmitter[State, StateChange](nil, logger),
		router:              noRouter{},
		states:              descriptors(opts.Config.Timeouts),
		connectingFailState: StateDisconnected,
		connectionStateTTL:  opts.Config.Timeouts.ConnectionStateTTL,
		maxMessageSize:      opts.Config.MaxMessageSize,
		queue:               protocol.NewMessageQueue(logger),
		retry:               newRetryBackOff(opts.Config.Timeouts.DisconnectedRetry),
		recoverKey:          opts.Config.Recover,
		pings:               make(map[string]func(err *errorinfo.ErrorInfo)),
	}
	m.state = m.states[StateInitialized]
	m.snapshot.state = StateInitialized

	m.transportPreference = config.TransportKind(m.load(storage.KeyTransportPreference))
	if m.recoverKey == "" && opts.Config.RecoverFromStorage {
		m.recoverKey = m.load(storage.KeyRecoveryKey)
	}
	return m
}

// SetRouter must be called before Connect
func (m *Manager) SetRouter(router ChannelRouter) {
	m.loop.Do(func() { m.router = router })
}

func (m *Manager) Connect() {
	m.loop.Push(func() { m.requestState(StateConnecting, nil) })
}

func (m *Manager) Close() {
	m.loop.Push(func() { m.requestState(StateClosing, nil) })
}

// Dispose stops every timer and transport without going through closing.
// The manager cannot be used afterwards.
func (m *Manager) Dispose() {
	m.loop.Do(func() {
		m.stopTimers()
		m.disconnectAllTransports()
		if m.active != nil {
			m.active.Transport().Dispose()
			m.active = nil
		}
	})
	m.cancel()
	m.persist.Stop()
}

func (m *Manager) State() State {
	m.snapshotMu.Lock()
	defer m.snapshotMu.Unlock()
	return m.snapshot.state
}

func (m *Manager) ErrorReason() *errorinfo.ErrorInfo {
	m.snapshotMu.Lock()
	defer m.snapshotMu.Unlock()
	return m.snapshot.errorReason
}

func (m *Manager) ID() string {
	m.snapshotMu.Lock()
	defer m.snapshotMu.Unlock()
	return m.snapshot.connectionID
}

func (m *Manager) Key() string {
	m.snapshotMu.Lock()
	defer m.snapshotMu.Unlock()
	return m.snapshot.key
}

// On registers a listener for the given states, or all of them. EventUpdate
// may be used as a state to hear about connection detail changes.
func (m *Manager) On(fn func(change StateChange), states ...State) (off func()) {
	return m.emitter.On(fn, states...)
}

func (m *Manager) Once(fn func(change StateChange), states ...State) (off func()) {
	return m.emitter.Once(fn, states...)
}

// WaitFor blocks until the connection is in one of the given states
func (m *Manager) WaitFor(ctx context.Context, states ...State) (State, error) {
	reached := make(chan State, 1)
	off := m.waiters.On(func(change StateChange) {
		select {
		case reached <- change.Current:
		default:
		}
	}, states...)
	defer off()

	current := m.State()
	for _, s := range states {
		if s == current {
			return current, nil
		}
	}

	select {
	case s := <-reached:
		return s, nil
	case <-ctx.Done():
		return m.State(), ctx.Err()
	}
}

// CreateRecoveryKey returns "" when there is no connection to recover
func (m *Manager) CreateRecoveryKey() string {
	var key string
	m.loop.Do(func() { key = m.createRecoveryKey() })
	return key
}

func (m *Manager) createRecoveryKey() string {
	if m.connectionKey == "" {
		return ""
	}

	recovery := &RecoveryKey{
		ConnectionKey:  m.connectionKey,
		MsgSerial:      m.serials.Next(),
		ChannelSerials: m.router.ChannelSerials(),
	}
	key, err := recovery.Encode()
	if err != nil {
		m.logger.Errorf("failed to encode recovery key: %s", err)
		return ""
	}
	return key
}

// Loop-only accessors for the channel layer

func (m *Manager) CurrentState() State {
	return m.state.state
}

func (m *Manager) CurrentErrorReason() *errorinfo.ErrorInfo {
	return m.errorReason
}

func (m *Manager) ConnectionID() string {
	return m.connectionID
}

func (m *Manager) Codec() codec.Codec {
	return m.codec
}

func (m *Manager) ClientID() string {
	return m.auth.ClientID()
}

// MaxMessageSize is the limit the service announced, or the configured one
func (m *Manager) MaxMessageSize() int {
	return m.maxMessageSize
}

// StateError is what operations that need a usable connection fail with
func (m *Manager) StateError() *errorinfo.ErrorInfo {
	return m.stateError()
}

func (m *Manager) requestState(state State, err *errorinfo.ErrorInfo) {
	current := m.state.state
	m.logger.Debugf("requested state %s, current state %s", state, current)

	if state == current ||
		(state == StateConnecting && current == StateConnected) ||
		(state == StateClosing && current == StateClosed) {
		return
	}

	m.retryTimer.Stop()
	m.transitionTimer.Stop()
	m.checkSuspendTimer(state)

	if state == StateConnecting && m.state.terminal {
		m.errorReason = nil
	}

	if err == nil {
		err = defaultReason(state)
	}
	m.enactStateChange(StateChange{
		Previous: current,
		Current:  state,
		Reason:   err,
	})

	switch state {
	case StateConnecting:
		m.loop.Push(m.startConnect)
	case StateClosing:
		m.closeImpl()
	}
}

// notifyState moves the machine in response to something that happened,
// as opposed to something the application asked for
func (m *Manager) notifyState(state State, err *errorinfo.ErrorInfo, retryImmediately bool) {
	current := m.state.state

	retryImmediately = state == StateDisconnected &&
		(current == StateConnected ||
			retryImmediately ||
			(current == StateConnecting && err != nil && errorinfo.IsTokenError(err) &&
				!(m.errorReason != nil && errorinfo.IsTokenError(m.errorReason))))

	m.logger.Debugf("notified state %s, current state %s, error %v", state, current, err)

	if state == current {
		return
	}

	m.transitionTimer.Stop()
	m.retryTimer.Stop()
	m.checkSuspendTimer(state)

	if state == StateSuspended || state == StateConnected {
		m.retry.Reset()
	}

	if m.state.terminal {
		return
	}

	next := m.states[state]
	retryIn := next.retryDelay
	if state == StateDisconnected {
		retryIn = m.retry.NextBackOff()
	}

	if err == nil {
		err = defaultReason(state)
	}
	change := StateChange{
		Previous: current,
		Current:  state,
		Reason:   err,
		RetryIn:  retryIn,
	}

	if retryImmediately {
		change.RetryIn = 0
		reconnect := func() {
			if m.state.state == StateDisconnected {
				m.lastAutoReconnect = time.Now()
				m.requestState(StateConnecting, nil)
			}
		}

		since := time.Since(m.lastAutoReconnect)
		if !m.lastAutoReconnect.IsZero() && since < time.Second {
			m.logger.Debugf("last automatic reconnect was %s ago; waiting before trying again", since)
			m.retryTimer = m.loop.AfterFunc(time.Second-since, reconnect)
		} else {
			m.loop.Push(reconnect)
		}
	} else if state == StateDisconnected || state == StateSuspended {
		m.startRetryTimer(retryIn)
	}

	if (state == StateDisconnected && !retryImmediately) || state == StateSuspended || next.terminal {
		m.loop.Push(m.disconnectAllTransports)
	}

	m.enactStateChange(change)

	if m.state.sendEvents {
		m.sendQueuedMessages()
	} else if !m.state.queueEvents {
		m.router.PropagateConnectionInterruption(state, change.Reason)
		m.failQueuedMessages(change.Reason)
	}
}

func (m *Manager) enactStateChange(change StateChange) {
	m.logger.Infof("connection state %s -> %s", change.Previous, change.Current)
	if change.Reason != nil && change.Current != StateConnected {
		m.logger.Infof("connection state reason: %s", change.Reason)
	}

	m.state = m.states[change.Current]
	if change.Reason != nil {
		m.errorReason = change.Reason
	}
	if m.state.terminal || m.state.state == StateSuspended {
		m.clearConnection()
	}

	switch m.state.state {
	case StateConnected, StateDisconnected:
		m.persistRecoveryKey()
	case StateClosed:
		m.save(storage.KeyRecoveryKey, "")
	}

	m.metrics.ConnectionState(string(change.Previous), string(change.Current))
	m.publishSnapshot()
	m.waiters.Emit(change.Current, change)
	m.emitter.Emit(change.Current, change)
}

func (m *Manager) publishSnapshot() {
	m.snapshotMu.Lock()
	defer m.snapshotMu.Unlock()
	m.snapshot = snapshot{
		state:        m.state.state,
		errorReason:  m.errorReason,
		connectionID: m.connectionID,
		key:          m.connectionKey,
	}
}

func (m *Manager) failState() State {
	if m.state.state == StateConnecting {
		return m.connectingFailState
	}
	return m.state.failState
}

func (m *Manager) startTransitionTimer(target *descriptor) {
	m.transitionTimer.Stop()
	m.transitionTimer = m.loop.AfterFunc(target.retryDelay, func() {
		if m.state == target {
			m.logger.Infof("timed out in state %s", target.state)
			m.notifyState(m.failState(), nil, false)
		}
	})
}

func (m *Manager) startRetryTimer(delay time.Duration) {
	m.retryTimer.Stop()
	m.retryTimer = m.loop.AfterFunc(delay, func() {
		m.logger.Debugf("retry timer expired in state %s", m.state.state)
		m.requestState(StateConnecting, nil)
	})
}

func (m *Manager) startSuspendTimer() {
	if m.suspendTimer.Active() {
		return
	}

	m.suspendTimer = m.loop.AfterFunc(m.connectionStateTTL, func() {
		if m.state.state == StateDisconnected || m.state.state == StateSuspended || m.state.state == StateConnecting {
			m.logger.Info("connection state ttl expired; moving to suspended")
			m.connectingFailState = StateSuspended
			m.notifyState(StateSuspended, nil, false)
		}
	})
}

func (m *Manager) cancelSuspendTimer() {
	m.connectingFailState = StateDisconnected
	m.suspendTimer.Stop()
	m.suspendTimer = nil
}

func (m *Manager) checkSuspendTimer(state State) {
	if state != StateDisconnected && state != StateSuspended && state != StateConnecting {
		m.cancelSuspendTimer()
	}
}

func (m *Manager) stopTimers() {
	m.transitionTimer.Stop()
	m.retryTimer.Stop()
	m.suspendTimer.Stop()
	m.webSocketSlowTimer.Stop()
	m.webSocketGiveUpTimer.Stop()
}

// checkConnectionStateFreshness drops a connection the service will have
// forgotten about by now; trying to resume it would only fail
func (m *Manager) checkConnectionStateFreshness() {
	if m.lastActivity.IsZero() || m.connectionID == "" {
		return
	}

	since := time.Since(m.lastActivity)
	if since > m.connectionStateTTL+m.maxIdleInterval {
		m.logger.Infof("last activity was %s ago; connection state is stale", since)
		m.clearConnection()
		m.connectingFailState = StateSuspended
	}
}

func (m *Manager) clearConnection() {
	m.connectionID = ""
	m.connectionKey = ""
	m.connectionDetails = nil
	m.serials.Reset()
	m.save(storage.KeyRecoveryKey, "")
}

func (m *Manager) setConnection(connectionID string, details *message.ConnectionDetails, hasError bool, resumed bool) {
	idChanged := m.connectionID != "" && m.connectionID != connectionID
	continued := m.mode != modeClean && resumed && !hasError && !idChanged

	if !continued {
		if m.mode != modeClean {
			m.logger.Infof("connection was not continued (mode %s); message serials restart from 0", m.mode)
		}
		m.serials.Reset()
		m.queue.ResetSendAttempted()
	}

	m.connectionID = connectionID
	m.connectionKey = details.ConnectionKey
}

// onConnectionDetailsUpdate returns an error when the details are not
// acceptable for this client
func (m *Manager) onConnectionDetailsUpdate(details *message.ConnectionDetails) *errorinfo.ErrorInfo {
	if details == nil {
		return nil
	}
	m.connectionDetails = details

	if details.MaxMessageSize > 0 {
		m.maxMessageSize = details.MaxMessageSize
	}

	if details.ClientID != "" {
		current := m.auth.ClientID()
		if current != "" && current != "*" && current != details.ClientID {
			return errorinfo.New(errorinfo.CodeIncompatibleCredentials, 401,
				"unable to connect: clientId %q does not match the connection's clientId %q", current, details.ClientID)
		}
		m.auth.SetClientID(details.ClientID)
	}

	if details.ConnectionStateTTL > 0 {
		m.connectionStateTTL = time.Duration(details.ConnectionStateTTL) * time.Millisecond
	}
	m.maxIdleInterval = time.Duration(details.MaxIdleInterval) * time.Millisecond
	return nil
}

func (m *Manager) closeImpl() {
	m.logger.Info("closing connection")
	m.cancelSuspendTimer()
	m.startTransitionTimer(m.states[StateClosing])

	m.abandonAttempt()
	if m.pendingTransport != nil {
		m.pendingTransport.Close()
	}

	if m.active != nil {
		m.active.Transport().Close()
	} else {
		m.notifyState(StateClosed, nil, false)
	}
}

func (m *Manager) persistRecoveryKey() {
	if m.storage == nil || !m.options.RecoverFromStorage {
		return
	}
	if key := m.createRecoveryKey(); key != "" {
		m.save(storage.KeyRecoveryKey, key)
	}
}

func (m *Manager) load(key string) string {
	if m.storage == nil {
		return ""
	}

	value, ok, err := m.storage.Get(key)
	if err != nil {
		m.logger.Infof("failed to read %s from storage: %s", key, err)
		return ""
	} else if !ok {
		return ""
	}
	return value
}

// save writes in the background, in order. An empty value removes the key.
func (m *Manager) save(key string, value string) {
	if m.storage == nil {
		return
	}

	m.persist.Push(func() {
		var err error
		if value == "" {
			err = m.storage.Remove(key)
		} else {
			err = m.storage.Set(key, value)
		}
		if err != nil {
			m.logger.Infof("failed to persist %s: %s", key, err)
		}
	})
}

type noRouter struct{}

func (noRouter) OnChannelMessage(*message.ProtocolMessage)                  {}
func (noRouter) OnTransportActive()                                         {}
func (noRouter) PropagateConnectionInterruption(State, *errorinfo.ErrorInfo) {}
func (noRouter) ChannelSerials() map[string]string                          { return map[string]string{} }
func (noRouter) SetChannelSerials(map[string]string)                        {}

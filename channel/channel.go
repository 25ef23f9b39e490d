package channel

import (
	"context"
	"encoding/base64"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"relaywire.io/realtime/config"
	"relaywire.io/realtime/connection"
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/connection/protocol"
	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/events"
	"relaywire.io/realtime/logger"
	"relaywire.io/realtime/metrics"
	"relaywire.io/realtime/rest"
)

type ChannelOptions struct {
	// Params are sent with every attach, e.g. {"delta": "vcdiff"}
	Params map[string]string
	// Modes restricts what the channel is attached for. Empty means the
	// service default.
	Modes []message.ChannelMode
}

func (o ChannelOptions) clone() ChannelOptions {
	return ChannelOptions{
		Params: maps.Clone(o.Params),
		Modes:  slices.Clone(o.Modes),
	}
}

func (o ChannelOptions) equal(other ChannelOptions) bool {
	return maps.Equal(o.Params, other.Params) && slices.Equal(o.Modes, other.Modes)
}

type HistoryParams struct {
	Start time.Time
	End   time.Time
	// "backwards" (the service default) or "forwards"
	Direction string
	Limit     int
	// Only return messages published before the channel attached. The
	// channel must be attached.
	UntilAttach bool
}

type Channel struct {
	logger  *logger.Logger
	name    string
	config  *config.Options
	conn    Connection
	history HistoryRequester
	metrics *metrics.Metrics
	loop    *events.Queue

	emitter *events.Emitter[State, StateChange]
	// waiters run on the loop itself, for callers blocked on an outcome
	waiters     *events.Emitter[State, StateChange]
	subscribers *events.Emitter[string, *message.Message]

	presence    *Presence
	annotations *Annotations

	snapshotMu sync.Mutex
	snapshot   snapshot

	// everything below is only touched on the loop

	options      ChannelOptions
	state        State
	errorReason  *errorinfo.ErrorInfo
	modes        []message.ChannelMode
	params       map[string]string
	attachResume bool

	channelSerial string
	attachSerial  string

	stateTimer *events.Timer
	retryTimer *events.Timer
	retry      backoff.BackOff

	decoding message.DecodingContext
	// id and channelSerial of the last message batch decoded, where a
	// reattach picks up from after a decode failure
	lastMessageID     string
	lastChannelSerial string
	decodeRecovery    bool
}

type snapshot struct {
	state       State
	errorReason *errorinfo.ErrorInfo
	modes       []message.ChannelMode
	params      map[string]string
}

func newChannel(name string, options ChannelOptions, opts Options, logger *logger.Logger) *Channel {
	c := &Channel{
		logger:      logger,
		name:        name,
		config:      opts.Config,
		conn:        opts.Connection,
		history:     opts.History,
		metrics:     opts.Metrics,
		loop:        opts.Loop,
		emitter:     events.NewEmitter[State, StateChange](opts.Callbacks, logger),
		waiters:     events.NewEmitter[State, StateChange](nil, logger),
		subscribers: events.NewEmitter[string, *message.Message](opts.Callbacks, logger),
		options:     options.clone(),
		state:       StateInitialized,
		retry:       connection.NewRetryBackOff(opts.Config.Timeouts.ChannelRetry),
		decoding:    message.DecodingContext{Delta: opts.Delta},
	}
	c.snapshot.state = StateInitialized

	c.presence = newPresence(c, opts.Callbacks, logger.GetComponentLogger("Presence"))
	c.annotations = newAnnotations(c, opts.Callbacks)
	return c
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) Presence() *Presence {
	return c.presence
}

func (c *Channel) Annotations() *Annotations {
	return c.annotations
}

func (c *Channel) State() State {
	c.snapshotMu.Lock()
	defer c.snapshotMu.Unlock()
	return c.snapshot.state
}

func (c *Channel) ErrorReason() *errorinfo.ErrorInfo {
	c.snapshotMu.Lock()
	defer c.snapshotMu.Unlock()
	return c.snapshot.errorReason
}

// Modes are the modes the service granted on the last attach
func (c *Channel) Modes() []message.ChannelMode {
	c.snapshotMu.Lock()
	defer c.snapshotMu.Unlock()
	return slices.Clone(c.snapshot.modes)
}

// Params are the params the service accepted on the last attach
func (c *Channel) Params() map[string]string {
	c.snapshotMu.Lock()
	defer c.snapshotMu.Unlock()
	return maps.Clone(c.snapshot.params)
}

// On registers a listener for the given states, or all of them. EventUpdate
// may be used as a state.
func (c *Channel) On(fn func(change StateChange), states ...State) (off func()) {
	return c.emitter.On(fn, states...)
}

func (c *Channel) Once(fn func(change StateChange), states ...State) (off func()) {
	return c.emitter.Once(fn, states...)
}

// Attach returns once the service has attached the channel
func (c *Channel) Attach(ctx context.Context) error {
	return c.await(ctx, func(done protocol.Callback) {
		c.attach(false, nil, done)
	})
}

// Detach returns once the service has detached the channel
func (c *Channel) Detach(ctx context.Context) error {
	return c.await(ctx, c.detach)
}

// Subscribe registers fn for messages with the given names, or all messages,
// and attaches the channel. The listener stays registered if attaching fails.
func (c *Channel) Subscribe(ctx context.Context, fn func(msg *message.Message), names ...string) (off func(), err error) {
	off = c.subscribers.On(fn, names...)
	return off, c.Attach(ctx)
}

func (c *Channel) Publish(ctx context.Context, name string, data interface{}) error {
	return c.PublishMessages(ctx, &message.Message{Name: name, Data: data})
}

// PublishMessages sends messages in a single protocol message and returns
// once the service has acknowledged them. The channel does not need to be
// attached.
func (c *Channel) PublishMessages(ctx context.Context, messages ...*message.Message) error {
	return c.await(ctx, func(done protocol.Callback) {
		c.publish(messages, done)
	})
}

// SetOptions replaces the channel's options. If they change while the channel
// is attached, or attaching, it reattaches with them and returns once that is
// done.
func (c *Channel) SetOptions(ctx context.Context, options ChannelOptions) error {
	return c.await(ctx, func(done protocol.Callback) {
		reattach := !c.options.equal(options) && (c.state == StateAttached || c.state == StateAttaching)
		c.options = options.clone()

		if reattach {
			c.attach(true, nil, done)
			return
		}
		done(nil)
	})
}

func (c *Channel) History(ctx context.Context, params HistoryParams) (*rest.HistoryPage, error) {
	if c.history == nil {
		return nil, errorinfo.New(errorinfo.CodeNotConfigured, 400, "history requires a rest client")
	}

	query := url.Values{}
	if !params.Start.IsZero() {
		query.Set("start", strconv.FormatInt(params.Start.UnixMilli(), 10))
	}
	if !params.End.IsZero() {
		query.Set("end", strconv.FormatInt(params.End.UnixMilli(), 10))
	}
	if params.Direction != "" {
		query.Set("direction", params.Direction)
	}
	if params.Limit > 0 {
		query.Set("limit", strconv.Itoa(params.Limit))
	}

	if params.UntilAttach {
		var state State
		var serial string
		if !c.loop.Do(func() { state, serial = c.state, c.attachSerial }) {
			return nil, errorinfo.Closed()
		}
		if state != StateAttached {
			return nil, errorinfo.New(errorinfo.CodeBadRequest, 400, "option untilAttach requires the channel to be attached, was %s", state)
		}
		query.Set("fromSerial", serial)
	}

	return c.history.History(ctx, c.name, query)
}

// await runs fn on the loop and waits for it to call done
func (c *Channel) await(ctx context.Context, fn func(done protocol.Callback)) error {
	result := make(chan *errorinfo.ErrorInfo, 1)
	done := func(err *errorinfo.ErrorInfo) {
		select {
		case result <- err:
		default:
		}
	}

	if !c.loop.Push(func() { fn(done) }) {
		return errorinfo.Closed()
	}

	select {
	case err := <-result:
		if err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) attach(force bool, reason *errorinfo.ErrorInfo, done protocol.Callback) {
	if done == nil {
		done = func(*errorinfo.ErrorInfo) {}
	}

	if !force && c.state == StateAttached {
		done(nil)
		return
	}

	if !connectionActive(c.conn.CurrentState()) {
		done(c.conn.StateError())
		return
	}

	c.waiters.Once(func(change StateChange) {
		switch change.Current {
		case StateAttached:
			done(nil)
		case StateDetaching:
			done(errorinfo.New(errorinfo.CodeChannelOperationFailed, 409, "attach request superseded by a subsequent detach request"))
		default:
			done(c.failureReason(change, "attach"))
		}
	}, StateAttached, StateDetached, StateSuspended, StateFailed, StateDetaching)

	if c.state != StateAttaching || force {
		c.requestState(StateAttaching, reason)
	}
}

func (c *Channel) detach(done protocol.Callback) {
	if !connectionActive(c.conn.CurrentState()) {
		done(c.conn.StateError())
		return
	}

	switch c.state {
	case StateInitialized, StateDetached:
		done(nil)
		return
	case StateSuspended:
		c.notifyState(StateDetached, nil, false, false, false)
		done(nil)
		return
	case StateFailed:
		done(errorinfo.New(errorinfo.CodeChannelInvalidState, 400, "unable to detach; channel state = failed"))
		return
	}

	c.waiters.Once(func(change StateChange) {
		switch change.Current {
		case StateDetached:
			done(nil)
		case StateAttaching:
			done(errorinfo.New(errorinfo.CodeChannelOperationFailed, 409, "detach request superseded by a subsequent attach request"))
		default:
			done(c.failureReason(change, "detach"))
		}
	}, StateDetached, StateAttached, StateSuspended, StateFailed, StateAttaching)

	if c.state != StateDetaching {
		c.requestState(StateDetaching, nil)
	}
}

func (c *Channel) failureReason(change StateChange, op string) *errorinfo.ErrorInfo {
	if change.Reason != nil {
		return change.Reason
	}
	return errorinfo.New(errorinfo.CodeChannelOperationFailed, 500, "unable to %s; reason unknown; state = %s", op, change.Current)
}

func (c *Channel) publish(messages []*message.Message, done protocol.Callback) {
	clientID := c.conn.ClientID()
	binary := c.conn.Codec().Binary()

	wire := make([]*message.Message, 0, len(messages))
	size := 0
	for _, m := range messages {
		if m.ClientID != "" && clientID != "" && clientID != "*" && m.ClientID != clientID {
			done(errorinfo.New(errorinfo.CodeInvalidClientID, 400,
				"unable to publish message with clientId %q as it does not match the connection's clientId %q", m.ClientID, clientID))
			return
		}

		encoded := *m
		if err := encoded.Encode(binary, c.config.CompressThreshold); err != nil {
			done(errorinfo.Wrap(err, errorinfo.CodeBadRequest, 400))
			return
		}
		size += encoded.Size()
		wire = append(wire, &encoded)
	}

	if c.config.IdempotentPublishing {
		assignMessageIDs(wire)
	}

	if limit := c.conn.MaxMessageSize(); size > limit {
		done(errorinfo.New(errorinfo.CodeMaxMessageSizeExceeded, 400,
			"maximum size of messages that can be published at once exceeded (was %d bytes; limit is %d bytes)", size, limit))
		return
	}

	if !connectionActive(c.conn.CurrentState()) {
		done(c.conn.StateError())
		return
	}
	if c.state == StateFailed || c.state == StateSuspended {
		done(invalidStateError(c.state, c.errorReason))
		return
	}

	c.send(&message.ProtocolMessage{
		Action:   message.ActionMessage,
		Channel:  c.name,
		Messages: wire,
	}, true, done)
}

// assignMessageIDs gives a batch ids sharing a random base so that the service
// can recognise a retried publish. A batch that already has ids keeps them.
func assignMessageIDs(messages []*message.Message) {
	for _, m := range messages {
		if m.ID != "" {
			return
		}
	}

	id := uuid.New()
	base := base64.RawURLEncoding.EncodeToString(id[:])
	for i, m := range messages {
		m.ID = fmt.Sprintf("%s:%d", base, i)
	}
}

func (c *Channel) send(pm *message.ProtocolMessage, queueable bool, callback protocol.Callback) {
	c.conn.Send(pm, queueable, callback)
}

func (c *Channel) requestState(state State, reason *errorinfo.ErrorInfo) {
	c.notifyState(state, reason, false, false, false)
	c.checkPendingState()
}

func (c *Channel) notifyState(state State, reason *errorinfo.ErrorInfo, resumed bool, hasPresence bool, hasBacklog bool) {
	c.clearStateTimer()

	switch state {
	case StateDetached, StateSuspended, StateFailed:
		c.channelSerial = ""
	}

	if state == c.state {
		return
	}

	if state == StateSuspended && c.conn.CurrentState() == connection.StateConnected {
		c.startRetryTimer()
	} else {
		c.cancelRetryTimer()
	}

	if reason != nil {
		c.errorReason = reason
	}

	if state != StateAttaching && state != StateSuspended {
		c.retry.Reset()
	}

	switch state {
	case StateAttached:
		c.attachResume = true
	case StateDetaching, StateFailed:
		c.attachResume = false
	}

	change := StateChange{
		Previous:   c.state,
		Current:    state,
		Reason:     reason,
		Resumed:    resumed,
		HasBacklog: hasBacklog,
	}

	if state == StateFailed {
		c.logger.Errorf("channel state %s -> %s: %v", change.Previous, state, reason)
	} else if reason != nil {
		c.logger.Infof("channel state %s -> %s: %s", change.Previous, state, reason)
	} else {
		c.logger.Infof("channel state %s -> %s", change.Previous, state)
	}

	c.state = state
	c.presence.actOnChannelState(state, hasPresence, reason)

	c.publishSnapshot()
	c.metrics.ChannelState(string(state))
	c.waiters.Emit(state, change)
	c.emitter.Emit(state, change)
}

func (c *Channel) publishSnapshot() {
	c.snapshotMu.Lock()
	defer c.snapshotMu.Unlock()

	c.snapshot = snapshot{
		state:       c.state,
		errorReason: c.errorReason,
		modes:       c.modes,
		params:      c.params,
	}
}

// checkPendingState sends whatever request the current state is waiting on.
// Without a usable transport it is sent when one becomes active.
func (c *Channel) checkPendingState() {
	if c.conn.CurrentState() != connection.StateConnected {
		c.logger.Debugf("not sending %s request while the connection is %s", c.state, c.conn.CurrentState())
		return
	}

	switch c.state {
	case StateAttaching:
		c.startStateTimerIfNotRunning()
		c.attachImpl()
	case StateDetaching:
		c.startStateTimerIfNotRunning()
		c.detachImpl()
	}
}

func (c *Channel) timeoutPendingState() {
	switch c.state {
	case StateAttaching:
		c.notifyState(StateSuspended, errorinfo.New(errorinfo.CodeChannelOperationTimeout, 408, "channel attach timed out"), false, false, false)
	case StateDetaching:
		c.notifyState(StateAttached, errorinfo.New(errorinfo.CodeChannelOperationTimeout, 408, "channel detach timed out"), false, false, false)
	default:
		c.checkPendingState()
	}
}

func (c *Channel) attachImpl() {
	pm := &message.ProtocolMessage{
		Action:        message.ActionAttach,
		Channel:       c.name,
		ChannelSerial: c.channelSerial,
		Params:        c.options.Params,
	}
	if len(c.options.Modes) > 0 {
		pm.SetFlag(message.ModesToFlags(c.options.Modes))
	}
	if c.attachResume {
		pm.SetFlag(message.FlagAttachResume)
	}
	if c.decodeRecovery {
		pm.ChannelSerial = c.lastChannelSerial
	}

	c.logger.Debugf("attaching from channelSerial %q", pm.ChannelSerial)
	c.send(pm, false, nil)
}

func (c *Channel) detachImpl() {
	c.send(&message.ProtocolMessage{
		Action:  message.ActionDetach,
		Channel: c.name,
	}, false, nil)
}

func (c *Channel) startStateTimerIfNotRunning() {
	if c.stateTimer.Active() {
		return
	}
	c.stateTimer = c.loop.AfterFunc(c.config.Timeouts.RealtimeRequest, c.timeoutPendingState)
}

func (c *Channel) clearStateTimer() {
	c.stateTimer.Stop()
	c.stateTimer = nil
}

func (c *Channel) startRetryTimer() {
	if c.retryTimer.Active() {
		return
	}

	delay := c.retry.NextBackOff()
	c.logger.Debugf("retrying attach in %s", delay.Round(time.Millisecond))
	c.retryTimer = c.loop.AfterFunc(delay, func() {
		// without a connection the reattach happens when a transport is active
		if c.state == StateSuspended && c.conn.CurrentState() == connection.StateConnected {
			c.logger.Info("retrying attach")
			c.requestState(StateAttaching, nil)
		}
	})
}

func (c *Channel) cancelRetryTimer() {
	c.retryTimer.Stop()
	c.retryTimer = nil
}

// dispose is loop-only
func (c *Channel) dispose() {
	c.clearStateTimer()
	c.cancelRetryTimer()
	c.emitter.Off()
	c.waiters.Off()
	c.subscribers.Off()
	c.presence.subscribers.Off()
	c.annotations.subscribers.Off()
}

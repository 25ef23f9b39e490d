package channel

import (
	"context"
	"fmt"
	"strings"

	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/connection/protocol"
	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/events"
	"relaywire.io/realtime/logger"
	"relaywire.io/realtime/presence"
)

type GetParams struct {
	ClientID     string
	ConnectionID string
	// AllowStale returns the members known right away instead of waiting for
	// a sync in progress. It is also the only way to read members while the
	// channel is suspended.
	AllowStale bool
}

type pendingPresence struct {
	message  *message.PresenceMessage
	callback protocol.Callback
}

// Presence is the set of members of one channel along with the operations
// this client uses to join it
type Presence struct {
	channel *Channel
	logger  *logger.Logger

	subscribers *events.Emitter[message.PresenceAction, *message.PresenceMessage]

	// loop only
	members *presence.Map
	// members entered by this connection, keyed by client id, re-entered
	// whenever the channel attaches without continuity
	myMembers *presence.Map
	pending   []pendingPresence
}

func newPresence(channel *Channel, callbacks *events.Queue, logger *logger.Logger) *Presence {
	return &Presence{
		channel:     channel,
		logger:      logger,
		subscribers: events.NewEmitter[message.PresenceAction, *message.PresenceMessage](callbacks, logger),
		members:     presence.NewMap(presence.MemberKey, logger),
		myMembers:   presence.NewMap(presence.ClientIDKey, logger),
	}
}

func (p *Presence) Enter(ctx context.Context, data interface{}) error {
	return p.channel.await(ctx, func(done protocol.Callback) {
		if err := p.requireClientID("enter"); err != nil {
			done(err)
			return
		}
		p.enterOrUpdate("", "", data, message.PresenceEnter, done)
	})
}

func (p *Presence) Update(ctx context.Context, data interface{}) error {
	return p.channel.await(ctx, func(done protocol.Callback) {
		if err := p.requireClientID("update"); err != nil {
			done(err)
			return
		}
		p.enterOrUpdate("", "", data, message.PresenceUpdate, done)
	})
}

func (p *Presence) Leave(ctx context.Context, data interface{}) error {
	return p.channel.await(ctx, func(done protocol.Callback) {
		if err := p.requireClientID("leave"); err != nil {
			done(err)
			return
		}
		p.leave("", data, done)
	})
}

// EnterClient enters on behalf of clientID, which a connection with a
// wildcard client id may do
func (p *Presence) EnterClient(ctx context.Context, clientID string, data interface{}) error {
	return p.channel.await(ctx, func(done protocol.Callback) {
		p.enterOrUpdate("", clientID, data, message.PresenceEnter, done)
	})
}

func (p *Presence) UpdateClient(ctx context.Context, clientID string, data interface{}) error {
	return p.channel.await(ctx, func(done protocol.Callback) {
		p.enterOrUpdate("", clientID, data, message.PresenceUpdate, done)
	})
}

func (p *Presence) LeaveClient(ctx context.Context, clientID string, data interface{}) error {
	return p.channel.await(ctx, func(done protocol.Callback) {
		p.leave(clientID, data, done)
	})
}

// Get returns the channel's members, attaching it first if needed and, unless
// params.AllowStale is set, waiting for any sync in progress to complete
func (p *Presence) Get(ctx context.Context, params GetParams) ([]*message.PresenceMessage, error) {
	type result struct {
		members []*message.PresenceMessage
		err     *errorinfo.ErrorInfo
	}
	results := make(chan result, 1)

	if !p.channel.loop.Push(func() {
		p.get(params, func(members []*message.PresenceMessage, err *errorinfo.ErrorInfo) {
			select {
			case results <- result{members, err}:
			default:
			}
		})
	}) {
		return nil, errorinfo.Closed()
	}

	select {
	case r := <-results:
		if r.err != nil {
			return nil, r.err
		}
		return r.members, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers fn for the given presence actions, or all of them, and
// attaches the channel
func (p *Presence) Subscribe(ctx context.Context, fn func(msg *message.PresenceMessage), actions ...message.PresenceAction) (off func(), err error) {
	off = p.subscribers.On(fn, actions...)
	return off, p.channel.Attach(ctx)
}

// SyncComplete reports whether the member set is up to date with the service
func (p *Presence) SyncComplete() bool {
	var complete bool
	p.channel.loop.Do(func() { complete = !p.members.SyncInProgress() })
	return complete
}

func (p *Presence) requireClientID(op string) *errorinfo.ErrorInfo {
	clientID := p.channel.conn.ClientID()
	if clientID == "" || clientID == "*" {
		return errorinfo.New(errorinfo.CodeInvalidClientID, 400, "a clientId must be specified to %s a presence channel", op)
	}
	return nil
}

func (p *Presence) enterOrUpdate(id string, clientID string, data interface{}, action message.PresenceAction, done protocol.Callback) {
	c := p.channel
	if !connectionActive(c.conn.CurrentState()) {
		done(c.conn.StateError())
		return
	}

	pm := &message.PresenceMessage{
		Action:   action,
		ID:       id,
		ClientID: clientID,
		Data:     data,
	}
	if err := pm.Encode(c.conn.Codec().Binary()); err != nil {
		done(errorinfo.Wrap(err, errorinfo.CodeBadRequest, 400))
		return
	}

	switch c.state {
	case StateAttached:
		p.send([]*message.PresenceMessage{pm}, done)
	case StateInitialized, StateDetached:
		c.attach(false, nil, nil)
		fallthrough
	case StateAttaching:
		p.pending = append(p.pending, pendingPresence{message: pm, callback: done})
	default:
		done(errorinfo.New(errorinfo.CodeChannelInvalidState, 400, "unable to %s presence channel while in %s state", action, c.state))
	}
}

func (p *Presence) leave(clientID string, data interface{}, done protocol.Callback) {
	c := p.channel
	if !connectionActive(c.conn.CurrentState()) {
		done(c.conn.StateError())
		return
	}

	pm := &message.PresenceMessage{
		Action:   message.PresenceLeave,
		ClientID: clientID,
		Data:     data,
	}
	if err := pm.Encode(c.conn.Codec().Binary()); err != nil {
		done(errorinfo.Wrap(err, errorinfo.CodeBadRequest, 400))
		return
	}

	switch c.state {
	case StateAttached:
		p.send([]*message.PresenceMessage{pm}, done)
	case StateAttaching:
		p.pending = append(p.pending, pendingPresence{message: pm, callback: done})
	case StateInitialized, StateFailed:
		done(errorinfo.New(errorinfo.CodeChannelInvalidState, 400, "unable to leave presence channel while in %s state", c.state))
	default:
		done(invalidStateError(c.state, c.errorReason))
	}
}

func (p *Presence) get(params GetParams, done func(members []*message.PresenceMessage, err *errorinfo.ErrorInfo)) {
	list := func() []*message.PresenceMessage {
		members := p.members.List(params.ClientID, params.ConnectionID)
		for i, m := range members {
			members[i] = m.Clone()
		}
		return members
	}

	if p.channel.state == StateSuspended {
		if !params.AllowStale {
			done(nil, errorinfo.New(errorinfo.CodePresenceOutOfSync, 400, "presence state is out of sync due to the channel being suspended"))
			return
		}
		done(list(), nil)
		return
	}

	p.channel.attach(false, nil, func(err *errorinfo.ErrorInfo) {
		if err != nil {
			done(nil, err)
			return
		}
		if params.AllowStale {
			done(list(), nil)
			return
		}
		p.members.WaitSync(func() { done(list(), nil) })
	})
}

func (p *Presence) send(messages []*message.PresenceMessage, done protocol.Callback) {
	p.channel.send(&message.ProtocolMessage{
		Action:   message.ActionPresence,
		Channel:  p.channel.name,
		Presence: messages,
	}, true, done)
}

// setPresence applies presence messages received on the channel. Messages
// from a SYNC are part of a full membership snapshot that ends when the
// cursor after the ':' in the channelSerial is empty.
func (p *Presence) setPresence(pm *message.ProtocolMessage, isSync bool) {
	connectionID := p.channel.conn.ConnectionID()

	var cursor string
	if isSync {
		p.members.StartSync()
		if i := strings.Index(pm.ChannelSerial, ":"); i >= 0 {
			cursor = pm.ChannelSerial[i+1:]
		}
	}

	var broadcast []*message.PresenceMessage
	for i, m := range pm.Presence {
		if m.ID == "" {
			m.ID = fmt.Sprintf("%s:%d", pm.ID, i)
		}
		if m.ConnectionID == "" {
			m.ConnectionID = pm.ConnectionID
		}
		if m.Timestamp == 0 {
			m.Timestamp = pm.Timestamp
		}
		if err := m.Decode(); err != nil {
			p.logger.Errorf("presence message %s delivered with encoding %q: %s", m.ID, m.Encoding, err)
		}

		switch m.Action {
		case message.PresenceLeave:
			if p.members.Remove(m) {
				broadcast = append(broadcast, m)
			}
			if m.ConnectionID == connectionID && !m.IsSynthesized() {
				p.myMembers.Remove(m)
			}

		case message.PresenceEnter, message.PresencePresent, message.PresenceUpdate:
			if p.members.Put(m) {
				broadcast = append(broadcast, m)
			}
			if m.ConnectionID == connectionID {
				p.myMembers.Put(m)
			}
		}
	}

	if isSync && cursor == "" {
		p.endSync()
	}

	for _, m := range broadcast {
		p.subscribers.Emit(m.Action, m)
	}
}

func (p *Presence) endSync() {
	for _, departed := range p.members.EndSync() {
		p.subscribers.Emit(message.PresenceLeave, departed.SynthesizedLeave())
	}
	p.channel.metrics.PresenceSync()
}

// actOnChannelState runs after the channel has entered state
func (p *Presence) actOnChannelState(state State, hasPresence bool, reason *errorinfo.ErrorInfo) {
	switch state {
	case StateAttached:
		p.onAttached(hasPresence)
	case StateDetached, StateFailed:
		p.myMembers.Clear()
		p.members.Clear()
		p.failPending(reason)
	case StateSuspended:
		p.failPending(reason)
	}
}

// onAttached starts over from what the service says about membership: a sync
// follows when the channel has members, otherwise everyone known has left
func (p *Presence) onAttached(hasPresence bool) {
	if hasPresence {
		p.members.StartSync()
	} else {
		for _, member := range p.members.Values() {
			p.subscribers.Emit(message.PresenceLeave, member.SynthesizedLeave())
		}
		p.members.Clear()
	}

	p.ensureMyMembersPresent()
	p.flushPending()
}

func (p *Presence) ensureMyMembersPresent() {
	c := p.channel
	connectionID := c.conn.ConnectionID()

	for _, member := range p.myMembers.Values() {
		id := ""
		if member.ConnectionID == connectionID {
			id = member.ID
		}
		clientID := member.ClientID

		p.logger.Infof("re-entering %s", clientID)
		p.enterOrUpdate(id, clientID, member.Data, message.PresenceEnter, func(err *errorinfo.ErrorInfo) {
			if err == nil {
				return
			}

			reason := errorinfo.New(errorinfo.CodePresenceReenterFailed, 400, "presence auto re-enter of %s failed: %s", clientID, err.Message)
			reason.Cause = err
			p.logger.Errorf("%s", reason)
			c.emitter.Emit(EventUpdate, StateChange{
				Previous: c.state,
				Current:  c.state,
				Reason:   reason,
				Resumed:  true,
			})
		})
	}
}

func (p *Presence) flushPending() {
	if len(p.pending) == 0 {
		return
	}

	pending := p.pending
	p.pending = nil

	messages := make([]*message.PresenceMessage, 0, len(pending))
	for _, entry := range pending {
		messages = append(messages, entry.message)
	}

	p.send(messages, func(err *errorinfo.ErrorInfo) {
		for _, entry := range pending {
			entry.callback(err)
		}
	})
}

func (p *Presence) failPending(reason *errorinfo.ErrorInfo) {
	if len(p.pending) == 0 {
		return
	}

	pending := p.pending
	p.pending = nil

	err := errorinfo.New(errorinfo.CodePresenceInvalidState, 400, "presence operation failed as the channel is %s", p.channel.state)
	if reason != nil {
		err.Cause = reason
	}
	for _, entry := range pending {
		entry.callback(err)
	}
}

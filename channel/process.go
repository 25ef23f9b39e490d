package channel

import (
	"fmt"
	"maps"

	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/errorinfo"
)

// processMessage is loop-only
func (c *Channel) processMessage(pm *message.ProtocolMessage) {
	switch pm.Action {
	case message.ActionAttached, message.ActionMessage, message.ActionPresence, message.ActionAnnotation:
		if pm.ChannelSerial != "" {
			c.channelSerial = pm.ChannelSerial
		}
	}

	switch pm.Action {
	case message.ActionAttached:
		c.onAttached(pm)

	case message.ActionDetached:
		c.onDetached(pm)

	case message.ActionSync:
		c.presence.setPresence(pm, true)

	case message.ActionPresence:
		c.presence.setPresence(pm, false)

	case message.ActionMessage:
		c.onMessages(pm)

	case message.ActionAnnotation:
		c.annotations.onAnnotations(pm)

	case message.ActionError:
		if pm.Error != nil && pm.Error.Code == errorinfo.CodeSupersededTransport {
			// the request went out on a transport that has since been replaced
			c.checkPendingState()
			return
		}

		reason := pm.Error
		if reason == nil {
			reason = errorinfo.New(errorinfo.CodeChannelOperationFailed, 500, "channel error with no details")
		}
		c.notifyState(StateFailed, reason, false, false, false)

	default:
		c.logger.Errorf("unexpected %s on channel", pm.Action)
	}
}

func (c *Channel) onAttached(pm *message.ProtocolMessage) {
	c.attachSerial = pm.ChannelSerial
	c.params = maps.Clone(pm.Params)
	c.modes = pm.Modes()

	resumed := pm.HasFlag(message.FlagResumed)
	hasPresence := pm.HasFlag(message.FlagHasPresence)
	hasBacklog := pm.HasFlag(message.FlagHasBacklog)

	switch c.state {
	case StateAttached:
		if !resumed {
			c.logger.Infof("channel lost continuity on reattach: %v", pm.Error)
			c.presence.onAttached(hasPresence)
			c.emitter.Emit(EventUpdate, StateChange{
				Previous:   StateAttached,
				Current:    StateAttached,
				Reason:     pm.Error,
				Resumed:    false,
				HasBacklog: hasBacklog,
			})
		}
		if pm.Error != nil {
			c.errorReason = pm.Error
		}
		c.publishSnapshot()

	case StateDetaching:
		// a detach is still wanted; send it again
		c.checkPendingState()

	default:
		c.notifyState(StateAttached, pm.Error, resumed, hasPresence, hasBacklog)
	}
}

func (c *Channel) onDetached(pm *message.ProtocolMessage) {
	reason := pm.Error
	if reason == nil {
		reason = errorinfo.New(errorinfo.CodeChannelInvalidState, 404, "channel detached")
	}

	switch c.state {
	case StateDetaching:
		c.notifyState(StateDetached, reason, false, false, false)
	case StateAttaching:
		// never attached this time round: wait before retrying
		c.notifyState(StateSuspended, reason, false, false, false)
	case StateAttached, StateSuspended:
		c.requestState(StateAttaching, reason)
	}
}

func (c *Channel) onMessages(pm *message.ProtocolMessage) {
	if c.state != StateAttached {
		c.logger.Infof("skipping %d messages since the channel is %s", len(pm.Messages), c.state)
		return
	}
	if len(pm.Messages) == 0 {
		return
	}

	for i, m := range pm.Messages {
		if m.ID == "" {
			m.ID = fmt.Sprintf("%s:%d", pm.ID, i)
		}
		if m.ConnectionID == "" {
			m.ConnectionID = pm.ConnectionID
		}
		if m.Timestamp == 0 {
			m.Timestamp = pm.Timestamp
		}
	}

	first, last := pm.Messages[0], pm.Messages[len(pm.Messages)-1]
	if from := first.DeltaFrom(); from != "" && from != c.lastMessageID {
		c.startDecodeFailureRecovery(errorinfo.New(errorinfo.CodeDeltaDecodeFailed, 400,
			"delta message decode failure; previous message not available for message %s", first.ID))
		return
	}

	for _, m := range pm.Messages {
		err := m.Decode(&c.decoding)
		if err == nil {
			continue
		}

		switch errorinfo.Code(err) {
		case errorinfo.CodeDeltaDecodeFailed:
			c.startDecodeFailureRecovery(errorinfo.Wrap(err, errorinfo.CodeDeltaDecodeFailed, 400))
			return
		case errorinfo.CodeNotConfigured, errorinfo.CodeDeltaNotSupported:
			c.notifyState(StateFailed, errorinfo.Wrap(err, errorinfo.CodeNotConfigured, 400), false, false, false)
			return
		default:
			c.logger.Errorf("message %s delivered with encoding %q: %s", m.ID, m.Encoding, err)
		}
	}

	c.lastMessageID = last.ID
	c.lastChannelSerial = pm.ChannelSerial

	for _, m := range pm.Messages {
		c.subscribers.Emit(m.Name, m)
	}
	c.metrics.MessagesReceived(len(pm.Messages))
}

// startDecodeFailureRecovery reattaches once from the last message that
// decoded so the service replays what could not be decoded
func (c *Channel) startDecodeFailureRecovery(reason *errorinfo.ErrorInfo) {
	if c.decodeRecovery {
		return
	}

	c.logger.Errorf("starting decode failure recovery: %s", reason)
	c.decodeRecovery = true
	c.attach(true, reason, func(*errorinfo.ErrorInfo) {
		c.decodeRecovery = false
	})
}

package protocol

import (
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/logger"
)

// MessageQueue holds messages, in order, until there is a transport to send
// them on
type MessageQueue struct {
	logger   *logger.Logger
	messages []*PendingMessage
}

func NewMessageQueue(logger *logger.Logger) *MessageQueue {
	return &MessageQueue{
		logger: logger,
	}
}

// Queue appends pm, folding it into the last queued message when the two can
// travel as one. Callers of both are completed together.
func (q *MessageQueue) Queue(pm *message.ProtocolMessage, callback Callback, maxSize int) {
	if n := len(q.messages); n > 0 {
		last := q.messages[n-1]
		if !last.SendAttempted && bundleWith(last.Message, pm, maxSize) {
			q.logger.Tracef("bundled %s into queued message", pm)
			last.AddCallback(callback)
			return
		}
	}

	q.Push(NewPendingMessage(pm, callback))
}

func (q *MessageQueue) Push(p *PendingMessage) {
	q.messages = append(q.messages, p)
}

// Prepend puts messages that were in flight back in front of everything that
// was waiting, keeping their order
func (q *MessageQueue) Prepend(pending []*PendingMessage) {
	if len(pending) == 0 {
		return
	}
	q.messages = append(append([]*PendingMessage(nil), pending...), q.messages...)
}

// Drain removes and returns everything queued
func (q *MessageQueue) Drain() []*PendingMessage {
	messages := q.messages
	q.messages = nil
	return messages
}

func (q *MessageQueue) Messages() []*PendingMessage {
	return append([]*PendingMessage(nil), q.messages...)
}

func (q *MessageQueue) Count() int {
	return len(q.messages)
}

// CompleteAll empties the queue, failing every message with err
func (q *MessageQueue) CompleteAll(err *errorinfo.ErrorInfo) {
	for _, p := range q.Drain() {
		p.Complete(err)
	}
}

// ResetSendAttempted makes every queued message take a fresh serial, for when
// the connection they were numbered on is gone
func (q *MessageQueue) ResetSendAttempted() {
	for _, p := range q.messages {
		p.SendAttempted = false
	}
}

// bundleWith merges src's payload into dest when they go to the same channel
// with the same action, all payload items share a client id, none carries an
// id and the merged payload fits in maxSize
func bundleWith(dest *message.ProtocolMessage, src *message.ProtocolMessage, maxSize int) bool {
	if dest.Channel != src.Channel || dest.Action != src.Action {
		return false
	}

	switch dest.Action {
	case message.ActionMessage:
		proposed := append(append([]*message.Message(nil), dest.Messages...), src.Messages...)
		size := 0
		clientIDs := map[string]struct{}{}
		for _, m := range proposed {
			if m.ID != "" {
				return false
			}
			size += m.Size()
			clientIDs[m.ClientID] = struct{}{}
		}
		if size > maxSize || len(clientIDs) > 1 {
			return false
		}
		dest.Messages = proposed
		return true

	case message.ActionPresence:
		proposed := append(append([]*message.PresenceMessage(nil), dest.Presence...), src.Presence...)
		size := 0
		clientIDs := map[string]struct{}{}
		for _, p := range proposed {
			if p.ID != "" {
				return false
			}
			size += p.Size()
			clientIDs[p.ClientID] = struct{}{}
		}
		if size > maxSize || len(clientIDs) > 1 {
			return false
		}
		dest.Presence = proposed
		return true
	}

	return false
}

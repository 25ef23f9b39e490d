package protocol

import (
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/errorinfo"
)

// Callback is told how a send ended: nil once acknowledged, otherwise why not
type Callback func(err *errorinfo.ErrorInfo)

type PendingMessage struct {
	Message *message.ProtocolMessage

	// only acked messages get a msgSerial and wait in the pipeline
	AckRequired bool
	// set on the first attempt to transmit; a message keeps the serial it was
	// given then for every later attempt on the same connection
	SendAttempted bool

	callbacks []Callback
}

func NewPendingMessage(pm *message.ProtocolMessage, callback Callback) *PendingMessage {
	p := &PendingMessage{
		Message:     pm,
		AckRequired: pm.Action.AckRequired(),
	}
	p.AddCallback(callback)
	return p
}

// AddCallback registers another caller waiting on this message, used when a
// later publish is bundled into it
func (p *PendingMessage) AddCallback(callback Callback) {
	if callback != nil {
		p.callbacks = append(p.callbacks, callback)
	}
}

// Complete calls every callback once; later calls do nothing
func (p *PendingMessage) Complete(err *errorinfo.ErrorInfo) {
	callbacks := p.callbacks
	p.callbacks = nil

	for _, callback := range callbacks {
		callback(err)
	}
}

// SerialCounter hands out msgSerials for one connection incarnation
type SerialCounter struct {
	next int64
}

// Assign gives p the next serial unless it was already given one
func (s *SerialCounter) Assign(p *PendingMessage) {
	if p.AckRequired && !p.SendAttempted {
		p.Message.MsgSerial = s.next
		s.next++
	}
	p.SendAttempted = true
}

func (s *SerialCounter) Next() int64 {
	return s.next
}

// Set continues the sequence of a recovered connection
func (s *SerialCounter) Set(next int64) {
	s.next = next
}

func (s *SerialCounter) Reset() {
	s.next = 0
}

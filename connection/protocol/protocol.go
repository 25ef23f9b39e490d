/*
package protocol sequences the messages sent on a connection. A Protocol wraps the active transport and
keeps every message that needs an acknowledgement in a pipeline ordered by msgSerial; ACK and NACK
ranges from the service always complete a prefix of that pipeline. Messages that cannot be sent yet
wait in a MessageQueue, and a Protocol that is replaced hands its unacknowledged messages back so they
can be put in front of that queue unchanged.
*/
package protocol

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map"

	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/connection/transporter"
	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/logger"
)

type Protocol struct {
	logger    *logger.Logger
	transport transporter.Transport

	// msgSerial -> *PendingMessage, oldest first
	pipelineMap *orderedmap.OrderedMap
}

func New(transport transporter.Transport, logger *logger.Logger) *Protocol {
	return &Protocol{
		logger:      logger,
		transport:   transport,
		pipelineMap: orderedmap.New(),
	}
}

func (p *Protocol) Transport() transporter.Transport {
	return p.transport
}

// Send transmits a message that has already been given its serial. Messages
// needing an ack wait in the pipeline even if the transport refused them;
// they are sent again from there when the connection resumes.
func (p *Protocol) Send(pending *PendingMessage) error {
	if pending.AckRequired {
		p.pipelineMap.Set(pending.Message.MsgSerial, pending)
	}

	if err := p.transport.Send(pending.Message); err != nil {
		p.logger.Errorf("failed to send %s: %s", pending.Message, err)
		return err
	}
	return nil
}

// SendControl transmits a message nobody waits on
func (p *Protocol) SendControl(pm *message.ProtocolMessage) error {
	return p.transport.Send(pm)
}

func (p *Protocol) OnAck(serial int64, count int) {
	p.logger.Tracef("ACK serial=%d count=%d", serial, count)
	p.complete(serial, count, nil)
}

func (p *Protocol) OnNack(serial int64, count int, err *errorinfo.ErrorInfo) {
	if err == nil {
		err = errorinfo.New(errorinfo.CodeInternal, 500, "Unable to send message; channel not responding")
	}
	p.logger.Infof("NACK serial=%d count=%d: %s", serial, count, err)
	p.complete(serial, count, err)
}

// complete finishes every pipelined message below serial+count. Serials are
// assigned in send order, so this is always a prefix of the pipeline; an
// acknowledgement for serials we never sent does nothing.
func (p *Protocol) complete(serial int64, count int, err *errorinfo.ErrorInfo) {
	endSerial := serial + int64(count)

	var done []*PendingMessage
	for pair := p.pipelineMap.Oldest(); pair != nil; pair = p.pipelineMap.Oldest() {
		if pair.Key.(int64) >= endSerial {
			break
		}
		done = append(done, pair.Value.(*PendingMessage))
		p.pipelineMap.Delete(pair.Key)
	}

	for _, pending := range done {
		pending.Complete(err)
	}
}

// Pending lists unacknowledged messages in serial order
func (p *Protocol) Pending() []*PendingMessage {
	pending := make([]*PendingMessage, 0, p.pipelineMap.Len())
	for pair := p.pipelineMap.Oldest(); pair != nil; pair = pair.Next() {
		pending = append(pending, pair.Value.(*PendingMessage))
	}
	return pending
}

func (p *Protocol) PendingCount() int {
	return p.pipelineMap.Len()
}

// Finish hands back the unacknowledged messages and forgets them
func (p *Protocol) Finish() []*PendingMessage {
	pending := p.Pending()
	p.pipelineMap = orderedmap.New()
	return pending
}

// CompleteAll fails every unacknowledged message
func (p *Protocol) CompleteAll(err *errorinfo.ErrorInfo) {
	for _, pending := range p.Finish() {
		pending.Complete(err)
	}
}

func (p *Protocol) String() string {
	return fmt.Sprintf("[Protocol; transport=%s@%s; pending=%d]", p.transport.Kind(), p.transport.Host(), p.pipelineMap.Len())
}

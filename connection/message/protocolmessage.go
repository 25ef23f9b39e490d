/*
package message defines the frames exchanged with the realtime service. A ProtocolMessage is the
unit a transport reads and writes; it carries at most one kind of payload (messages, presence or
annotations) for a single channel, or connection-level metadata such as connection details and
acknowledgements.
*/
package message

import (
	"fmt"

	"relaywire.io/realtime/errorinfo"
)

type ConnectionDetails struct {
	ClientID           string `json:"clientId,omitempty"`
	ConnectionKey      string `json:"connectionKey,omitempty"`
	MaxMessageSize     int    `json:"maxMessageSize,omitempty"`
	MaxFrameSize       int    `json:"maxFrameSize,omitempty"`
	MaxInboundRate     int    `json:"maxInboundRate,omitempty"`
	MaxIdleInterval    int64  `json:"maxIdleInterval,omitempty"`
	ConnectionStateTTL int64  `json:"connectionStateTtl,omitempty"`
	ServerID           string `json:"serverId,omitempty"`
}

type AuthDetails struct {
	AccessToken string `json:"accessToken,omitempty"`
}

type ProtocolMessage struct {
	Action            Action               `json:"action"`
	Flags             Flag                 `json:"flags,omitempty"`
	Count             int                  `json:"count,omitempty"`
	Error             *errorinfo.ErrorInfo `json:"error,omitempty"`
	ID                string               `json:"id,omitempty"`
	Channel           string               `json:"channel,omitempty"`
	ChannelSerial     string               `json:"channelSerial,omitempty"`
	ConnectionID      string               `json:"connectionId,omitempty"`
	MsgSerial         int64                `json:"msgSerial"`
	Timestamp         int64                `json:"timestamp,omitempty"`
	Messages          []*Message           `json:"messages,omitempty"`
	Presence          []*PresenceMessage   `json:"presence,omitempty"`
	Annotations       []*Annotation        `json:"annotations,omitempty"`
	ConnectionDetails *ConnectionDetails   `json:"connectionDetails,omitempty"`
	Auth              *AuthDetails         `json:"auth,omitempty"`
	Params            map[string]string    `json:"params,omitempty"`
}

func (p *ProtocolMessage) HasFlag(flag Flag) bool {
	return p.Flags&flag != 0
}

func (p *ProtocolMessage) SetFlag(flag Flag) {
	p.Flags |= flag
}

func (p *ProtocolMessage) Modes() []ChannelMode {
	return FlagsToModes(p.Flags)
}

// Validate checks that exactly the payload kind matching the action is set
func (p *ProtocolMessage) Validate() error {
	kinds := 0
	if len(p.Messages) > 0 {
		kinds++
	}
	if len(p.Presence) > 0 {
		kinds++
	}
	if len(p.Annotations) > 0 {
		kinds++
	}

	if kinds > 1 {
		return fmt.Errorf("%s carries more than one payload kind", p.Action)
	}

	switch p.Action {
	case ActionMessage:
		if len(p.Presence) > 0 || len(p.Annotations) > 0 {
			return fmt.Errorf("MESSAGE must only carry messages")
		}
	case ActionPresence, ActionSync:
		if len(p.Messages) > 0 || len(p.Annotations) > 0 {
			return fmt.Errorf("%s must only carry presence", p.Action)
		}
	case ActionAnnotation:
		if len(p.Messages) > 0 || len(p.Presence) > 0 {
			return fmt.Errorf("ANNOTATION must only carry annotations")
		}
	default:
		if kinds > 0 && p.Action != ActionAttached {
			return fmt.Errorf("%s must not carry a payload", p.Action)
		}
	}
	return nil
}

// Size is the payload size used for max message size checks and bundling
func (p *ProtocolMessage) Size() int {
	size := 0
	for _, m := range p.Messages {
		size += m.Size()
	}
	for _, m := range p.Presence {
		size += m.Size()
	}
	return size
}

func (p *ProtocolMessage) String() string {
	s := fmt.Sprintf("[ProtocolMessage; action=%s", p.Action)
	if p.Channel != "" {
		s += "; channel=" + p.Channel
	}
	if p.ChannelSerial != "" {
		s += "; channelSerial=" + p.ChannelSerial
	}
	if p.Action.AckRequired() || p.Action == ActionAck || p.Action == ActionNack {
		s += fmt.Sprintf("; msgSerial=%d", p.MsgSerial)
	}
	if p.Count != 0 {
		s += fmt.Sprintf("; count=%d", p.Count)
	}
	if p.Flags != 0 {
		s += fmt.Sprintf("; flags=%#x", int64(p.Flags))
	}
	if len(p.Messages) > 0 {
		s += fmt.Sprintf("; messages=%d", len(p.Messages))
	}
	if len(p.Presence) > 0 {
		s += fmt.Sprintf("; presence=%d", len(p.Presence))
	}
	if p.Error != nil {
		s += "; error=" + p.Error.Error()
	}
	return s + "]"
}

package message

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

type Message struct {
	ID            string                 `json:"id,omitempty"`
	Serial        string                 `json:"serial,omitempty"`
	ClientID      string                 `json:"clientId,omitempty"`
	ConnectionID  string                 `json:"connectionId,omitempty"`
	ConnectionKey string                 `json:"connectionKey,omitempty"`
	Name          string                 `json:"name,omitempty"`
	Data          interface{}            `json:"data,omitempty"`
	Encoding      string                 `json:"encoding,omitempty"`
	Timestamp     int64                  `json:"timestamp,omitempty"`
	Extras        map[string]interface{} `json:"extras,omitempty"`
}

// DeltaFrom returns the id of the message this message is a delta against
func (m *Message) DeltaFrom() string {
	delta, ok := m.Extras["delta"].(map[string]interface{})
	if !ok {
		return ""
	}
	from, _ := delta["from"].(string)
	return from
}

func (m *Message) Size() int {
	size := len(m.Name) + len(m.ClientID) + dataSize(m.Data)
	if m.Extras != nil {
		if b, err := json.Marshal(m.Extras); err == nil {
			size += len(b)
		}
	}
	return size
}

type PresenceAction int

const (
	PresenceAbsent  PresenceAction = 0
	PresencePresent PresenceAction = 1
	PresenceEnter   PresenceAction = 2
	PresenceLeave   PresenceAction = 3
	PresenceUpdate  PresenceAction = 4
)

func (a PresenceAction) String() string {
	switch a {
	case PresenceAbsent:
		return "absent"
	case PresencePresent:
		return "present"
	case PresenceEnter:
		return "enter"
	case PresenceLeave:
		return "leave"
	case PresenceUpdate:
		return "update"
	}
	return fmt.Sprintf("unknown(%d)", int(a))
}

type PresenceMessage struct {
	Action       PresenceAction         `json:"action"`
	ID           string                 `json:"id,omitempty"`
	ClientID     string                 `json:"clientId,omitempty"`
	ConnectionID string                 `json:"connectionId,omitempty"`
	Data         interface{}            `json:"data,omitempty"`
	Encoding     string                 `json:"encoding,omitempty"`
	Timestamp    int64                  `json:"timestamp,omitempty"`
	Extras       map[string]interface{} `json:"extras,omitempty"`
}

// MemberKey identifies a member across presence updates
func (p *PresenceMessage) MemberKey() string {
	return p.ClientID + ":" + p.ConnectionID
}

// IsSynthesized reports whether the message was generated by the service on
// behalf of a connection, e.g. a leave sent after the connection dropped. Such
// messages have an id that does not start with their connection id.
func (p *PresenceMessage) IsSynthesized() bool {
	if p.ID == "" || p.ConnectionID == "" {
		return false
	}
	return !strings.HasPrefix(p.ID, p.ConnectionID)
}

// ParseID splits an id of the form connectionId:msgSerial:index
func (p *PresenceMessage) ParseID() (msgSerial int64, index int64, err error) {
	parts := strings.Split(p.ID, ":")
	if len(parts) < 3 {
		return 0, 0, fmt.Errorf("malformed presence message id %q", p.ID)
	}

	if msgSerial, err = strconv.ParseInt(parts[len(parts)-2], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed msgSerial in presence message id %q: %w", p.ID, err)
	}
	if index, err = strconv.ParseInt(parts[len(parts)-1], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed index in presence message id %q: %w", p.ID, err)
	}
	return msgSerial, index, nil
}

func (p *PresenceMessage) Clone() *PresenceMessage {
	clone := *p
	return &clone
}

// SynthesizedLeave returns a leave for this member stamped with the current time
func (p *PresenceMessage) SynthesizedLeave() *PresenceMessage {
	leave := p.Clone()
	leave.Action = PresenceLeave
	leave.Timestamp = time.Now().UnixMilli()
	return leave
}

func (p *PresenceMessage) Size() int {
	return len(p.ClientID) + dataSize(p.Data)
}

type AnnotationAction int

const (
	AnnotationCreate AnnotationAction = 0
	AnnotationDelete AnnotationAction = 1
)

type Annotation struct {
	ID            string           `json:"id,omitempty"`
	Action        AnnotationAction `json:"action"`
	ClientID      string           `json:"clientId,omitempty"`
	Type          string           `json:"type,omitempty"`
	Name          string           `json:"name,omitempty"`
	MessageSerial string           `json:"messageSerial,omitempty"`
	Data          interface{}      `json:"data,omitempty"`
	Encoding      string           `json:"encoding,omitempty"`
	Timestamp     int64            `json:"timestamp,omitempty"`
}

func dataSize(data interface{}) int {
	switch d := data.(type) {
	case nil:
		return 0
	case string:
		return len(d)
	case []byte:
		return len(d)
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return 0
		}
		return len(b)
	}
}

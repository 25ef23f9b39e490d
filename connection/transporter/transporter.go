/*
package transporter defines what the connection manager needs from a transport. A transport owns one
physical link to one host, turns frames into ProtocolMessages and reports everything that happens to
it through a Sink: lifecycle changes (preconnect, connected, disconnected, failed, closed) and inbound
traffic. Once a transport has reported one of the terminal events it never reports anything again.
*/
package transporter

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"relaywire.io/realtime/config"
	"relaywire.io/realtime/connection/codec"
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/logger"
)

type EventType int

const (
	// the link is open but the service has not yet sent CONNECTED
	EventPreconnect EventType = iota
	EventConnected
	EventDisconnected
	EventFailed
	EventClosed
	EventHeartbeat
	EventAck
	EventNack
	// any other inbound protocol message
	EventMessage
)

func (e EventType) String() string {
	switch e {
	case EventPreconnect:
		return "preconnect"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFailed:
		return "failed"
	case EventClosed:
		return "closed"
	case EventHeartbeat:
		return "heartbeat"
	case EventAck:
		return "ack"
	case EventNack:
		return "nack"
	case EventMessage:
		return "message"
	}
	return "unknown"
}

// Terminal events end a transport's life
func (e EventType) Terminal() bool {
	return e == EventDisconnected || e == EventFailed || e == EventClosed
}

type Event struct {
	Type    EventType
	Message *message.ProtocolMessage
	Err     *errorinfo.ErrorInfo
}

func (e Event) String() string {
	s := e.Type.String()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Sink receives every event of a transport. It is called from the transport's
// own goroutines, one event at a time.
type Sink func(t Transport, event Event)

type Params struct {
	Kind     config.TransportKind
	Host     string
	Port     int
	TLS      bool
	Query    url.Values
	Headers  http.Header
	Codec    codec.Codec
	Timeouts config.Timeouts
}

// URL builds the address of path on the transport's host
func (p *Params) URL(secureScheme string, plainScheme string, path string) *url.URL {
	scheme := plainScheme
	if p.TLS {
		scheme = secureScheme
	}

	host := p.Host
	if p.Port != 0 {
		host = p.Host + ":" + strconv.Itoa(p.Port)
	}

	return &url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     path,
		RawQuery: p.Query.Encode(),
	}
}

type Transport interface {
	Kind() config.TransportKind
	Host() string

	// Connect starts connecting in the background. The outcome is reported
	// through the sink.
	Connect()
	Send(pm *message.ProtocolMessage) error

	// Close asks the service to end the connection for good
	Close()
	// Disconnect drops the link, leaving the connection resumable
	Disconnect(err *errorinfo.ErrorInfo)
	// Dispose tears the transport down without reporting anything further
	Dispose()

	IsConnected() bool
}

type Factory func(params Params, sink Sink, logger *logger.Logger) Transport

func (p Params) String() string {
	format := "none"
	if p.Codec != nil {
		format = string(p.Codec.Format())
	}
	return fmt.Sprintf("[%s; host=%s:%d; tls=%t; format=%s]", p.Kind, p.Host, p.Port, p.TLS, format)
}

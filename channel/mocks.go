package channel

import (
	"sync"

	"relaywire.io/realtime/connection"
	"relaywire.io/realtime/connection/codec"
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/connection/protocol"
	"relaywire.io/realtime/errorinfo"
)

// MockConnection stands in for the connection manager. Like the manager it
// must only be called on the loop; Sent can be read from anywhere.
type MockConnection struct {
	mu             sync.Mutex
	state          connection.State
	connectionID   string
	clientID       string
	maxMessageSize int
	codec          codec.Codec
	awaitingAck    []protocol.Callback

	Sent chan *message.ProtocolMessage
}

func NewMockConnection() *MockConnection {
	return &MockConnection{
		state:          connection.StateConnected,
		connectionID:   "conn1",
		maxMessageSize: 65536,
		codec:          codec.JSON{},
		Sent:           make(chan *message.ProtocolMessage, 64),
	}
}

// Send records what the channel would have transmitted. Messages that need
// an ack wait for Ack or Nack.
func (m *MockConnection) Send(pm *message.ProtocolMessage, queueable bool, callback protocol.Callback) {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	if state != connection.StateConnected && !(queueable && connectionActive(state)) {
		if callback != nil {
			callback(m.StateError())
		}
		return
	}

	if pm.Action.AckRequired() {
		m.mu.Lock()
		m.awaitingAck = append(m.awaitingAck, callback)
		m.mu.Unlock()
	} else if callback != nil {
		callback(nil)
	}

	select {
	case m.Sent <- pm:
	default:
	}
}

// Ack completes the oldest message waiting for an ack
func (m *MockConnection) Ack() {
	m.complete(nil)
}

func (m *MockConnection) Nack(err *errorinfo.ErrorInfo) {
	m.complete(err)
}

func (m *MockConnection) complete(err *errorinfo.ErrorInfo) {
	m.mu.Lock()
	if len(m.awaitingAck) == 0 {
		m.mu.Unlock()
		return
	}
	callback := m.awaitingAck[0]
	m.awaitingAck = m.awaitingAck[1:]
	m.mu.Unlock()

	if callback != nil {
		callback(err)
	}
}

func (m *MockConnection) SetState(state connection.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

func (m *MockConnection) SetClientID(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientID = clientID
}

func (m *MockConnection) SetConnectionID(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectionID = connectionID
}

func (m *MockConnection) SetMaxMessageSize(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxMessageSize = size
}

func (m *MockConnection) CurrentState() connection.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MockConnection) StateError() *errorinfo.ErrorInfo {
	switch m.CurrentState() {
	case connection.StateSuspended:
		return errorinfo.Suspended()
	case connection.StateFailed:
		return errorinfo.ConnectionFailed()
	case connection.StateClosing:
		return errorinfo.Closing()
	case connection.StateClosed:
		return errorinfo.Closed()
	case connection.StateDisconnected:
		return errorinfo.Disconnected()
	}
	return errorinfo.New(errorinfo.CodeConnectionFailed, 400, "connection is %s", m.CurrentState())
}

func (m *MockConnection) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionID
}

func (m *MockConnection) ClientID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientID
}

func (m *MockConnection) MaxMessageSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxMessageSize
}

func (m *MockConnection) Codec() codec.Codec {
	return m.codec
}

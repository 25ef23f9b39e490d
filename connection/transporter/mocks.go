package transporter

import (
	"sync"

	"github.com/stretchr/testify/mock"

	"relaywire.io/realtime/config"
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/logger"
)

// mocked version of a Transport. Tests drive it by calling Emit as if the
// service had sent something.
type MockTransport struct {
	mock.Mock

	Params Params

	mu   sync.Mutex
	sink Sink
	sent []*message.ProtocolMessage
}

func NewMockTransport(params Params, sink Sink) *MockTransport {
	return &MockTransport{
		Params: params,
		sink:   sink,
	}
}

// MockFactory returns a Factory that records every transport it creates. The
// configure hook sets expectations on each new transport.
func MockFactory(created chan<- *MockTransport, configure func(*MockTransport)) Factory {
	return func(params Params, sink Sink, logger *logger.Logger) Transport {
		t := NewMockTransport(params, sink)
		if configure != nil {
			configure(t)
		}
		if created != nil {
			created <- t
		}
		return t
	}
}

// Emit delivers an event to the sink as the transport's reader would
func (m *MockTransport) Emit(event Event) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()

	if sink != nil {
		sink(m, event)
	}
}

func (m *MockTransport) Sent() []*message.ProtocolMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*message.ProtocolMessage(nil), m.sent...)
}

func (m *MockTransport) Kind() config.TransportKind {
	return m.Params.Kind
}

func (m *MockTransport) Host() string {
	return m.Params.Host
}

func (m *MockTransport) Connect() {
	m.Called()
}

func (m *MockTransport) Send(pm *message.ProtocolMessage) error {
	m.mu.Lock()
	m.sent = append(m.sent, pm)
	m.mu.Unlock()

	args := m.Called(pm)
	return args.Error(0)
}

func (m *MockTransport) Close() {
	m.Called()
}

func (m *MockTransport) Disconnect(err *errorinfo.ErrorInfo) {
	m.Called(err)
}

func (m *MockTransport) Dispose() {
	m.mu.Lock()
	m.sink = nil
	m.mu.Unlock()
	m.Called()
}

func (m *MockTransport) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

package connection

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/errorinfo"
)

// mocked version of the ConnectivityChecker
type MockConnectivityChecker struct {
	mock.Mock
}

func (m *MockConnectivityChecker) CheckNetwork(ctx context.Context) bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockConnectivityChecker) CheckWebSocket(ctx context.Context) bool {
	args := m.Called()
	return args.Bool(0)
}

// MockChannelRouter records what the manager tells the channel layer
type MockChannelRouter struct {
	mu            sync.Mutex
	Messages      []*message.ProtocolMessage
	Activations   int
	Interruptions []State
	Serials       map[string]string
	Restored      map[string]string
}

func (m *MockChannelRouter) OnChannelMessage(pm *message.ProtocolMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, pm)
}

func (m *MockChannelRouter) OnTransportActive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Activations++
}

func (m *MockChannelRouter) PropagateConnectionInterruption(state State, reason *errorinfo.ErrorInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Interruptions = append(m.Interruptions, state)
}

func (m *MockChannelRouter) ChannelSerials() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	serials := make(map[string]string, len(m.Serials))
	for k, v := range m.Serials {
		serials[k] = v
	}
	return serials
}

func (m *MockChannelRouter) SetChannelSerials(serials map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Restored = serials
}

func (m *MockChannelRouter) ActivationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Activations
}

func (m *MockChannelRouter) RestoredSerials() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Restored
}

func (m *MockChannelRouter) InterruptionStates() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.Interruptions...)
}

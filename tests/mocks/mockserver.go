package mocks

import (
	"net/http"
	"net/http/httptest"
	"sync"
)

type MockServer struct {
	server *httptest.Server

	Addr string

	mu    sync.Mutex
	calls map[string]int
}

type MockHandler struct {
	Endpoint    string
	HandlerFunc http.HandlerFunc
}

func NewMockServer(handlers ...MockHandler) *MockServer {
	mux := http.NewServeMux()
	m := &MockServer{
		calls: make(map[string]int),
	}

	for _, handler := range handlers {
		handler := handler
		mux.HandleFunc(handler.Endpoint, func(w http.ResponseWriter, r *http.Request) {
			m.mu.Lock()
			m.calls[handler.Endpoint]++
			m.mu.Unlock()

			handler.HandlerFunc(w, r)
		})
	}

	m.server = httptest.NewServer(mux)
	m.Addr = m.server.URL
	return m
}

// Calls returns how many requests the handler for endpoint has served
func (m *MockServer) Calls(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[endpoint]
}

func (m *MockServer) Close() {
	m.server.Close()
}

package auth

import (
	"context"
	"net/http"
	"net/url"

	"github.com/stretchr/testify/mock"
)

// mocked version of the Auth
type MockAuth struct {
	mock.Mock
}

func (m *MockAuth) AuthParams(ctx context.Context) (url.Values, error) {
	args := m.Called()
	return args.Get(0).(url.Values), args.Error(1)
}

func (m *MockAuth) AuthHeaders(ctx context.Context) (http.Header, error) {
	args := m.Called()
	return args.Get(0).(http.Header), args.Error(1)
}

func (m *MockAuth) RequestToken(ctx context.Context, params *TokenParams) (*TokenDetails, error) {
	args := m.Called(params)
	return args.Get(0).(*TokenDetails), args.Error(1)
}

func (m *MockAuth) Authorize(ctx context.Context) (*TokenDetails, error) {
	args := m.Called()
	return args.Get(0).(*TokenDetails), args.Error(1)
}

func (m *MockAuth) ClientID() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockAuth) SetClientID(clientID string) {
	m.Called(clientID)
}

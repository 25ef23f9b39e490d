package errorinfo

import (
	"errors"
	"fmt"
)

// Error codes shared with the service. Codes in the 4xxxx range map to client
// errors, 5xxxx to server errors, 8xxxx to connection errors and 9xxxx to
// channel and presence errors.
const (
	CodeBadRequest              = 40000
	CodeMaxMessageSizeExceeded  = 40009
	CodeInvalidClientID         = 40012
	CodeDeltaDecodeFailed       = 40018
	CodeNotConfigured           = 40019
	CodeDeltaNotSupported       = 40021
	CodeIncompatibleCredentials = 40102
	CodeTokenErrorUnspecified   = 40140
	CodeTokenExpired            = 40142
	CodeOperationNotPermitted   = 40160
	CodeNoMeansToRenewToken     = 40171
	CodeInternal                = 50000
	CodeInternalChannel         = 50001
	CodeInternalConnection      = 50002
	CodeTimeout                 = 50003
	CodeConnectionFailed        = 80000
	CodeConnectionSuspended     = 80002
	CodeDisconnected            = 80003
	CodeUnableToRecover         = 80008
	CodeSupersededTransport     = 80016
	CodeConnectionClosed        = 80017
	CodeAuthProviderFailed      = 80019
	CodeChannelOperationFailed  = 90000
	CodeChannelInvalidState     = 90001
	CodeChannelOperationTimeout = 90007
	CodePresenceInvalidState    = 91001
	CodePresenceReenterFailed   = 91004
	CodePresenceOutOfSync       = 91005
)

// ErrorInfo is the error shape used on the wire and returned by every
// operation. Errors raised by the service carry a StatusCode; errors raised
// locally by the client leave it zero.
type ErrorInfo struct {
	Code       int    `json:"code,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Message    string `json:"message,omitempty"`
	Href       string `json:"href,omitempty"`

	Cause error `json:"-"`
}

func New(code int, statusCode int, format string, a ...interface{}) *ErrorInfo {
	return &ErrorInfo{
		Code:       code,
		StatusCode: statusCode,
		Message:    fmt.Sprintf(format, a...),
	}
}

// Wrap converts an arbitrary error into an ErrorInfo. If err already is one
// (anywhere in its chain) that value is returned untouched.
func Wrap(err error, code int, statusCode int) *ErrorInfo {
	if err == nil {
		return nil
	}

	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}

	return &ErrorInfo{
		Code:       code,
		StatusCode: statusCode,
		Message:    err.Error(),
		Cause:      err,
	}
}

func (e *ErrorInfo) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%d/%d] %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *ErrorInfo) Unwrap() error { return e.Cause }

// Is matches on code so that errors.Is(err, &ErrorInfo{Code: X}) works
func (e *ErrorInfo) Is(target error) bool {
	t, ok := target.(*ErrorInfo)
	if !ok {
		return false
	}
	return t.Code != 0 && t.Code == e.Code
}

// FromServer reports whether the error was produced by the service
func (e *ErrorInfo) FromServer() bool {
	return e != nil && e.StatusCode != 0
}

func Code(err error) int {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info.Code
	}
	return 0
}

func StatusCode(err error) int {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info.StatusCode
	}
	return 0
}

func IsTokenError(err error) bool {
	var info *ErrorInfo
	if !errors.As(err, &info) {
		return false
	}
	return info.StatusCode == 401 && info.Code >= 40140 && info.Code < 40150
}

// IsRetryable reports whether a transport failure should be retried against
// another host: network errors without a status, 5xx, timeouts and
// server-classified disconnections.
func IsRetryable(err error) bool {
	var info *ErrorInfo
	if !errors.As(err, &info) {
		return true
	}

	if info.StatusCode == 0 || info.Code == 0 || info.StatusCode >= 500 {
		return true
	}

	switch info.Code {
	case CodeDisconnected, CodeTimeout, CodeConnectionSuspended:
		return true
	}
	return false
}

// IsFatal reports whether a channel-less error ends the connection for good
// rather than leaving it to reconnect
func IsFatal(err error) bool {
	var info *ErrorInfo
	if !errors.As(err, &info) {
		return false
	}

	if IsTokenError(info) || IsRetryable(info) {
		return false
	}
	return info.StatusCode >= 400 && info.StatusCode < 500
}

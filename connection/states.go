package connection

import (
	"time"

	"relaywire.io/realtime/config"
	"relaywire.io/realtime/errorinfo"
)

type State string

const (
	StateInitialized  State = "initialized"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateSuspended    State = "suspended"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
	StateFailed       State = "failed"

	// not a state: emitted when the connection details change while connected
	EventUpdate State = "update"
)

// descriptor is what the manager knows about a state without looking at
// anything else
type descriptor struct {
	state State
	// closed and failed are never left on their own
	terminal bool
	// outbound messages may wait in the queue
	queueEvents bool
	// outbound messages go straight to the transport
	sendEvents bool
	// how long until the next attempt, or how long the state may last
	retryDelay time.Duration
	// where a timeout or irrecoverable error in this state lands
	failState State
}

func descriptors(timeouts config.Timeouts) map[State]*descriptor {
	return map[State]*descriptor{
		StateInitialized: {
			state:       StateInitialized,
			queueEvents: true,
			failState:   StateDisconnected,
		},
		StateConnecting: {
			state:       StateConnecting,
			queueEvents: true,
			retryDelay:  timeouts.RealtimeRequest,
			failState:   StateDisconnected,
		},
		StateConnected: {
			state:      StateConnected,
			sendEvents: true,
			failState:  StateDisconnected,
		},
		StateDisconnected: {
			state:       StateDisconnected,
			queueEvents: true,
			retryDelay:  timeouts.DisconnectedRetry,
		},
		StateSuspended: {
			state:      StateSuspended,
			retryDelay: timeouts.SuspendedRetry,
		},
		StateClosing: {
			state:      StateClosing,
			retryDelay: timeouts.RealtimeRequest,
			failState:  StateClosed,
		},
		StateClosed: {
			state:    StateClosed,
			terminal: true,
		},
		StateFailed: {
			state:    StateFailed,
			terminal: true,
		},
	}
}

// defaultReason is the error a state change carries when nothing more
// specific is known
func defaultReason(state State) *errorinfo.ErrorInfo {
	switch state {
	case StateDisconnected:
		return errorinfo.Disconnected()
	case StateSuspended:
		return errorinfo.Suspended()
	case StateFailed:
		return errorinfo.ConnectionFailed()
	case StateClosing:
		return errorinfo.Closing()
	case StateClosed:
		return errorinfo.Closed()
	}
	return nil
}

// StateChange is what connection listeners receive
type StateChange struct {
	Previous State
	Current  State
	Reason   *errorinfo.ErrorInfo
	// set when entering disconnected or suspended
	RetryIn time.Duration
}

package channel

import (
	"relaywire.io/realtime/connection"
	"relaywire.io/realtime/errorinfo"
)

type State string

const (
	StateInitialized State = "initialized"
	StateAttaching   State = "attaching"
	StateAttached    State = "attached"
	StateDetaching   State = "detaching"
	StateDetached    State = "detached"
	StateSuspended   State = "suspended"
	StateFailed      State = "failed"

	// not a state: emitted while attached when continuity is lost or the
	// service reports an error without detaching the channel
	EventUpdate State = "update"
)

// StateChange is what channel listeners receive. For EventUpdate, Previous
// and Current are both the state the channel stayed in.
type StateChange struct {
	Previous State
	Current  State
	Reason   *errorinfo.ErrorInfo
	// set on attach when the service continued where the channel left off
	Resumed bool
	// set on attach when the service will replay messages the channel missed
	HasBacklog bool
}

// connectionActive reports whether the connection may still carry channel
// operations, either now or once it reconnects
func connectionActive(state connection.State) bool {
	switch state {
	case connection.StateInitialized, connection.StateConnecting,
		connection.StateConnected, connection.StateDisconnected:
		return true
	}
	return false
}

// interruptedState is where channels end up when the connection enters
// state. ok is false when channels are left alone.
func interruptedState(state connection.State) (State, bool) {
	switch state {
	case connection.StateClosing, connection.StateClosed:
		return StateDetached, true
	case connection.StateFailed:
		return StateFailed, true
	case connection.StateSuspended:
		return StateSuspended, true
	}
	return "", false
}

func invalidStateError(state State, reason *errorinfo.ErrorInfo) *errorinfo.ErrorInfo {
	err := errorinfo.New(errorinfo.CodeChannelInvalidState, 400, "channel operation failed as channel state is %s", state)
	if reason != nil {
		err.Cause = reason
	}
	return err
}

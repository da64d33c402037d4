package session

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport wraps socket failures on the video or control connection.
	ErrTransport = errors.New("transport failure")
	// ErrAgentExited is the stop cause when the agent process ends.
	ErrAgentExited = errors.New("agent exited")
	// ErrNotRunning is returned for control writes outside the Running state.
	ErrNotRunning = errors.New("session not running")
	// ErrNoDeviceInfo is returned for touches before the stream header arrived.
	ErrNoDeviceInfo = errors.New("device info not received yet")
	// ErrStopped is returned by Start when the session was stopped meanwhile.
	ErrStopped = errors.New("session stopped")
)

// StartError reports which startup step failed.
type StartError struct {
	Step string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("session start failed at %s: %v", e.Step, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

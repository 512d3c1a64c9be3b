package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrConnection     = errors.New("protocol: connection error")
	ErrProtocol       = errors.New("protocol: malformed exchange")
	ErrRemoteCommand  = errors.New("protocol: remote command failed")
	ErrHeaderParse    = errors.New("protocol: framebuffer header parse failure")
	ErrSyncIncomplete = errors.New("protocol: stream ended before completion")
)

// CommandError reports the queued command the adb server did not accept.
type CommandError struct {
	Command string
	Status  string
	Message string
}

func (e *CommandError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("protocol: command %q failed status=%s message=%q", e.Command, e.Status, e.Message)
	}
	return fmt.Sprintf("protocol: command %q failed status=%s", e.Command, e.Status)
}

// Unwrap classifies FAIL as ErrRemoteCommand and anything else as ErrProtocol.
func (e *CommandError) Unwrap() error {
	if e.Status == "FAIL" {
		return ErrRemoteCommand
	}
	return ErrProtocol
}

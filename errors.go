// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"errors"
	"fmt"

	"github.com/luxfi/bridge/wire"
)

var (
	// ErrInvalidReference matches every *InvalidReferenceError.
	ErrInvalidReference = errors.New("bridge: invalid reference")
	// ErrRemoteExecution matches every *RemoteExecutionError.
	ErrRemoteExecution = errors.New("bridge: remote execution failed")
	// ErrPlatformUnsupported matches every *PlatformUnsupportedError.
	ErrPlatformUnsupported = errors.New("bridge: unsupported on this lane")
	// ErrProtocol matches every *ProtocolError.
	ErrProtocol = errors.New("bridge: protocol error")
	// ErrClosed is returned by operations on a closed session or connection,
	// and by waiters still pending when it closes.
	ErrClosed = errors.New("bridge: closed")
)

// InvalidReferenceError reports an operation on a handle that is released
// locally or not registered remotely.
type InvalidReferenceError struct {
	Handle wire.Handle
	Op     wire.Op
	Text   string
}

func (e *InvalidReferenceError) Error() string {
	msg := fmt.Sprintf("bridge: invalid reference %s", e.Handle)
	if e.Op != "" {
		msg += " (" + string(e.Op) + ")"
	}
	if e.Text != "" {
		msg += ": " + e.Text
	}
	return msg
}

func (e *InvalidReferenceError) Is(target error) bool { return target == ErrInvalidReference }

// RemoteExecutionError reports that the remote side threw or rejected.
// Text is the remote error text, unmodified.
type RemoteExecutionError struct {
	Op   wire.Op
	Name string
	Text string
}

func (e *RemoteExecutionError) Error() string {
	if e.Name == "" {
		return "bridge: remote: " + e.Text
	}
	return fmt.Sprintf("bridge: remote %s: %s", e.Name, e.Text)
}

func (e *RemoteExecutionError) Is(target error) bool { return target == ErrRemoteExecution }

// PlatformUnsupportedError reports a fast-lane-only operation requested on a
// connection that cannot enter the remote side synchronously.
type PlatformUnsupportedError struct {
	Op   wire.Op
	Lane Lane
}

func (e *PlatformUnsupportedError) Error() string {
	return fmt.Sprintf("bridge: %s requires the fast lane, connection is %s", e.Op, e.Lane)
}

func (e *PlatformUnsupportedError) Is(target error) bool { return target == ErrPlatformUnsupported }

// ProtocolError reports a malformed message, a duplicate or unknown
// correlation id, or an argument count mismatch.
type ProtocolError struct {
	Op   wire.Op
	Text string
}

func (e *ProtocolError) Error() string {
	if e.Op == "" {
		return "bridge: protocol: " + e.Text
	}
	return fmt.Sprintf("bridge: protocol (%s): %s", e.Op, e.Text)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func protocolErrorf(op wire.Op, format string, args ...any) *ProtocolError {
	return &ProtocolError{Op: op, Text: fmt.Sprintf(format, args...)}
}

// replyError maps a failed reply to the error taxonomy. It returns nil for
// successful replies.
func replyError(msg *wire.Message, r *wire.Reply) error {
	switch r.Code {
	case wire.CodeOK:
		return nil
	case wire.CodeInvalidReference:
		h := msg.Handle
		if r.Handle != wire.GlobalHandle {
			h = r.Handle
		}
		return &InvalidReferenceError{Handle: h, Op: msg.Op, Text: r.Error}
	case wire.CodeRemote:
		return &RemoteExecutionError{Op: msg.Op, Name: msg.Name, Text: r.Error}
	case wire.CodeUnsupported:
		return &PlatformUnsupportedError{Op: msg.Op, Lane: LaneGeneric}
	case wire.CodeProtocol:
		return &ProtocolError{Op: msg.Op, Text: r.Error}
	default:
		return protocolErrorf(msg.Op, "unknown reply code %q: %s", r.Code, r.Error)
	}
}

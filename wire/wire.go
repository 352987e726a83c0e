// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire defines the messages exchanged between a host session and a
// remote object space. It carries no behaviour; both sides import it.
package wire

import "fmt"

// Handle identifies one live reference in the remote registry.
// Handles are minted by the host; the remote binds them on the first
// operation that assigns a value.
type Handle uint64

// GlobalHandle is bound to the remote global scope for the lifetime of the
// space and is never deleted.
const GlobalHandle Handle = 0

func (h Handle) String() string {
	return fmt.Sprintf("h%d", uint64(h))
}

// Op names a remote operation.
type Op string

// Host to remote operations.
const (
	OpGetProp        Op = "getProp"
	OpPropRef        Op = "propRef"
	OpSetProp        Op = "setProp"
	OpSetPropRef     Op = "setPropRef"
	OpIsProp         Op = "isProp"
	OpIsFunc         Op = "isFunc"
	OpCall           Op = "call"
	OpCallRef        Op = "callRef"
	OpCallVoid       Op = "callVoid"
	OpCallAwait      Op = "callAwait"
	OpCallRefAwait   Op = "callRefAwait"
	OpCallVoidAwait  Op = "callVoidAwait"
	OpConstruct      Op = "construct"
	OpDeleteHandle   Op = "deleteHandle"
	OpSetCallback    Op = "setCallback"
	OpAddListener    Op = "addListener"
	OpRemoveListener Op = "removeListener"
	OpRemoveCallback Op = "removeCallback"
	OpAdoptArgs      Op = "adoptArgs"
	OpIsEqualRef     Op = "isEqualRef"
	OpToText         Op = "toText"
	OpConvert        Op = "convert"
	OpImport         Op = "import"
	OpSetBytes       Op = "setBytes"
	OpGetBytes       Op = "getBytes"
)

// Awaited reports whether the operation completes through a Completion event
// rather than through its immediate reply.
func (o Op) Awaited() bool {
	switch o {
	case OpCallAwait, OpCallRefAwait, OpCallVoidAwait, OpImport:
		return true
	}
	return false
}

// FastLaneOnly reports whether the operation requires a synchronous,
// same-thread boundary.
func (o Op) FastLaneOnly() bool {
	return o == OpSetBytes || o == OpGetBytes
}

// ParamKind tags a ParamEntry.
type ParamKind uint8

const (
	ParamValue ParamKind = iota
	ParamHandle
	ParamCallback
)

func (k ParamKind) String() string {
	switch k {
	case ParamValue:
		return "value"
	case ParamHandle:
		return "handle"
	case ParamCallback:
		return "callback"
	default:
		return fmt.Sprintf("ParamKind(%d)", uint8(k))
	}
}

// ParamEntry is one positional argument of a call. Exactly one of Value,
// Handle or Callback is meaningful, selected by Kind.
type ParamEntry struct {
	Kind     ParamKind `json:"kind" cbor:"1,keyasint"`
	Value    any       `json:"value,omitempty" cbor:"2,keyasint,omitempty"`
	Handle   Handle    `json:"handle,omitempty" cbor:"3,keyasint,omitempty"`
	Callback uint64    `json:"callback,omitempty" cbor:"4,keyasint,omitempty"`
}

// Value wraps a serializable argument.
func Value(v any) ParamEntry { return ParamEntry{Kind: ParamValue, Value: v} }

// HandleRef references a registered remote object.
func HandleRef(h Handle) ParamEntry { return ParamEntry{Kind: ParamHandle, Handle: h} }

// CallbackRef references a host callback registration.
func CallbackRef(id uint64) ParamEntry { return ParamEntry{Kind: ParamCallback, Callback: id} }

// Message is a host to remote operation.
//
// Field use per Op:
//
//	getProp, propRef, isProp, isFunc    Name, Handle (+Target for propRef)
//	setProp, setPropRef                 Name, Value | Target, Handle
//	call*, construct                    Name, Params, Handle (+Target, Correlation)
//	setCallback, add/removeListener     Name, Callback, Handle
//	removeCallback                      Callback
//	adoptArgs                           Key, Target
//	isEqualRef                          Handle, Target
//	import                              Name, Correlation
//	setBytes / getBytes                 Bytes, Target / Handle
type Message struct {
	Op          Op           `json:"op" cbor:"1,keyasint"`
	Name        string       `json:"name,omitempty" cbor:"2,keyasint,omitempty"`
	Handle      Handle       `json:"handle" cbor:"3,keyasint"`
	Target      Handle       `json:"target,omitempty" cbor:"4,keyasint,omitempty"`
	Value       any          `json:"value,omitempty" cbor:"5,keyasint,omitempty"`
	Params      []ParamEntry `json:"params,omitempty" cbor:"6,keyasint,omitempty"`
	Correlation uint64       `json:"correlation,omitempty" cbor:"7,keyasint,omitempty"`
	Callback    uint64       `json:"callback,omitempty" cbor:"8,keyasint,omitempty"`
	Key         uint64       `json:"key,omitempty" cbor:"9,keyasint,omitempty"`
	Bytes       []byte       `json:"bytes,omitempty" cbor:"10,keyasint,omitempty"`
}

// ErrorCode classifies a failed Reply.
type ErrorCode string

const (
	CodeOK               ErrorCode = ""
	CodeInvalidReference ErrorCode = "invalid_reference"
	CodeRemote           ErrorCode = "remote"
	CodeProtocol         ErrorCode = "protocol"
	CodeUnsupported      ErrorCode = "unsupported"
)

// Reply is the immediate answer to a Message. For CodeInvalidReference,
// Handle names the handle that was not registered.
type Reply struct {
	Value  any       `json:"value,omitempty" cbor:"1,keyasint,omitempty"`
	Bytes  []byte    `json:"bytes,omitempty" cbor:"2,keyasint,omitempty"`
	Code   ErrorCode `json:"code,omitempty" cbor:"3,keyasint,omitempty"`
	Error  string    `json:"error,omitempty" cbor:"4,keyasint,omitempty"`
	Handle Handle    `json:"handle,omitempty" cbor:"5,keyasint,omitempty"`
}

// Failed reports whether the reply carries an error.
func (r *Reply) Failed() bool {
	return r.Code != CodeOK
}

// Fail builds an error reply.
func Fail(code ErrorCode, format string, args ...any) *Reply {
	return &Reply{Code: code, Error: fmt.Sprintf(format, args...)}
}

// EventKind tags an Event.
type EventKind string

const (
	EventCompletion EventKind = "completion"
	EventInvoke     EventKind = "invoke"
)

// Event is a remote to host message.
//
// A completion settles the pending call registered under Correlation; a
// non-empty Error means the remote operation failed.
//
// An invoke fires callback registration Callback. Arguments arrive either
// inline (Inline set, Args holds ArgCount primitives) or in a temporary
// container identified by ArgsKey holding ArgCount entries.
type Event struct {
	Kind        EventKind `json:"kind" cbor:"1,keyasint"`
	Correlation uint64    `json:"correlation,omitempty" cbor:"2,keyasint,omitempty"`
	Error       string    `json:"error,omitempty" cbor:"3,keyasint,omitempty"`
	Value       any       `json:"value,omitempty" cbor:"4,keyasint,omitempty"`
	Callback    uint64    `json:"callback,omitempty" cbor:"5,keyasint,omitempty"`
	Inline      bool      `json:"inline,omitempty" cbor:"6,keyasint,omitempty"`
	Args        []any     `json:"args,omitempty" cbor:"7,keyasint,omitempty"`
	ArgsKey     uint64    `json:"argsKey,omitempty" cbor:"8,keyasint,omitempty"`
	ArgCount    int       `json:"argCount,omitempty" cbor:"9,keyasint,omitempty"`
}

// Completion builds a completion event.
func Completion(correlation uint64, errText string, value any) *Event {
	return &Event{Kind: EventCompletion, Correlation: correlation, Error: errText, Value: value}
}

// Sink receives remote to host events, one at a time and in order.
type Sink func(ev *Event)

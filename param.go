// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"fmt"

	"github.com/luxfi/bridge/wire"
)

// marshal converts call arguments into tagged parameter entries:
//
//	*Proxy                        handle reference
//	*Registration                 callback reference
//	Callback, func(ctx, []Arg)    new registration, then callback reference
//	anything else                 value, normalized through the session codec
func (s *Session) marshal(op wire.Op, params []any) ([]wire.ParamEntry, error) {
	if len(params) == 0 {
		return nil, nil
	}
	out := make([]wire.ParamEntry, len(params))
	for i, v := range params {
		e, err := s.marshalParam(op, v)
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i, err)
		}
		out[i] = e
	}
	return out, nil
}

func (s *Session) marshalParam(op wire.Op, v any) (wire.ParamEntry, error) {
	switch x := v.(type) {
	case nil:
		return wire.Value(nil), nil
	case *Proxy:
		if x == nil {
			return wire.Value(nil), nil
		}
		if err := s.owns(op, x); err != nil {
			return wire.ParamEntry{}, err
		}
		return wire.HandleRef(x.handle), nil
	case *Registration:
		if x == nil {
			return wire.Value(nil), nil
		}
		if x.sess != s {
			return wire.ParamEntry{}, protocolErrorf(op, "callback %d belongs to another session", x.id)
		}
		if !x.Active() {
			return wire.ParamEntry{}, protocolErrorf(op, "callback %d is unregistered", x.id)
		}
		return wire.CallbackRef(x.id), nil
	case Callback:
		return wire.CallbackRef(s.NewCallback(x).id), nil
	case func(context.Context, []Arg):
		return wire.CallbackRef(s.NewCallback(x).id), nil
	}

	nv, err := normalize(s.codec, v)
	if err != nil {
		return wire.ParamEntry{}, fmt.Errorf("bridge: cannot serialize %T: %w", v, err)
	}
	return wire.Value(nv), nil
}

// owns checks that p can be referenced in an operation of this session.
func (s *Session) owns(op wire.Op, p *Proxy) error {
	if p.sess != s {
		return protocolErrorf(op, "proxy %s belongs to another session", p.handle)
	}
	if p.Released() {
		return &InvalidReferenceError{Handle: p.handle, Op: op, Text: "proxy released"}
	}
	return nil
}

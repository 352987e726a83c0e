// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/luxfi/bridge/wire"
)

// Callback is a host function the remote side can invoke. It runs on the
// session's callback worker, one invocation at a time, and may issue
// further operations on the session.
type Callback func(ctx context.Context, args []Arg)

// Arg is one argument of a callback invocation. Primitive arguments arrive
// as values; anything else arrives as a proxy owned by the callback.
type Arg struct {
	proxy *Proxy
	value any
	codec Codec
}

// Proxy returns the argument's proxy, or nil for a value argument.
func (a Arg) Proxy() *Proxy { return a.proxy }

// Value returns the plain value, or nil for a proxy argument.
func (a Arg) Value() any { return a.value }

// IsRef reports whether the argument is a proxy.
func (a Arg) IsRef() bool { return a.proxy != nil }

// Decode stores the argument in out. Proxy arguments are converted
// remotely.
func (a Arg) Decode(ctx context.Context, out any) error {
	if a.proxy != nil {
		return a.proxy.Convert(ctx, out)
	}
	return decodeInto(a.codec, a.value, out)
}

// Registration keeps a Callback reachable from the remote side until it is
// unregistered or the session closes.
type Registration struct {
	id     uint64
	fn     Callback
	sess   *Session
	active atomic.Bool
}

// ID returns the registration id the remote side uses.
func (r *Registration) ID() uint64 { return r.id }

// Active reports whether the registration can still be invoked.
func (r *Registration) Active() bool { return r.active.Load() }

type callbackTable struct {
	next  atomic.Uint64
	regs  sync.Map // id -> *Registration
	count atomic.Int64
}

func (t *callbackTable) add(sess *Session, fn Callback) *Registration {
	r := &Registration{id: t.next.Add(1), fn: fn, sess: sess}
	r.active.Store(true)
	t.regs.Store(r.id, r)
	t.count.Add(1)
	return r
}

func (t *callbackTable) get(id uint64) (*Registration, bool) {
	v, ok := t.regs.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Registration), true
}

func (t *callbackTable) remove(r *Registration) bool {
	if !r.active.Swap(false) {
		return false
	}
	if _, ok := t.regs.LoadAndDelete(r.id); ok {
		t.count.Add(-1)
	}
	return true
}

func (t *callbackTable) clear() {
	t.regs.Range(func(_, v any) bool {
		t.remove(v.(*Registration))
		return true
	})
}

func (t *callbackTable) len() int {
	return int(t.count.Load())
}

// runCallbacks is the callback worker. It stops when the session closes.
func (s *Session) runCallbacks() {
	for {
		ev, err := s.invocations.Pop(s.ctx)
		if err != nil {
			return
		}
		s.invoke(ev)
	}
}

func (s *Session) invoke(ev *wire.Event) {
	log := s.log.With(zap.Uint64("callback", ev.Callback))

	reg, ok := s.callbacks.get(ev.Callback)
	if !ok {
		log.Warn("invocation for unknown registration")
		if !ev.Inline && ev.ArgsKey != 0 {
			s.discardArgs(ev.ArgsKey)
		}
		return
	}

	args, err := s.callbackArgs(ev)
	if err != nil {
		log.Error("cannot unpack callback arguments", zap.Error(err))
		return
	}
	s.runCallback(reg, args, log)
}

func (s *Session) runCallback(reg *Registration, args []Arg, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("callback panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	reg.fn(s.ctx, args)
}

// callbackArgs turns an invoke event into arguments. Container arguments
// are adopted under a fresh handle, split into one proxy per index, and the
// container handle is released again.
func (s *Session) callbackArgs(ev *wire.Event) ([]Arg, error) {
	if ev.ArgCount < 0 {
		return nil, protocolErrorf("", "negative argument count %d", ev.ArgCount)
	}
	if ev.Inline {
		if len(ev.Args) != ev.ArgCount {
			return nil, protocolErrorf("", "argument count mismatch: got %d, declared %d", len(ev.Args), ev.ArgCount)
		}
		args := make([]Arg, len(ev.Args))
		for i, v := range ev.Args {
			args[i] = Arg{value: v, codec: s.codec}
		}
		return args, nil
	}
	if ev.ArgsKey == 0 {
		return nil, protocolErrorf(wire.OpAdoptArgs, "missing argument container key")
	}

	ctx := s.ctx
	container := s.newHandle()
	if _, err := s.call(ctx, &wire.Message{Op: wire.OpAdoptArgs, Key: ev.ArgsKey, Target: container}); err != nil {
		return nil, err
	}
	defer s.release(container)

	args := make([]Arg, ev.ArgCount)
	for i := range args {
		child := s.newHandle()
		_, err := s.call(ctx, &wire.Message{
			Op:     wire.OpPropRef,
			Handle: container,
			Name:   strconv.Itoa(i),
			Target: child,
		})
		if err != nil {
			for _, a := range args[:i] {
				a.proxy.Close()
			}
			return nil, err
		}
		args[i] = Arg{proxy: s.newProxy(child), codec: s.codec}
	}
	return args, nil
}

// discardArgs frees an argument container nobody will read.
func (s *Session) discardArgs(key uint64) {
	container := s.newHandle()
	if _, err := s.call(s.ctx, &wire.Message{Op: wire.OpAdoptArgs, Key: key, Target: container}); err != nil {
		s.log.Debug("discard arguments failed", zap.Uint64("key", key), zap.Error(err))
		return
	}
	s.release(container)
}

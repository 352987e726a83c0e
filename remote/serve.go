// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/luxfi/bridge/wire"
)

// refError reports an operation on a handle the registry does not know.
type refError struct {
	handle wire.Handle
}

func (e *refError) Error() string {
	return fmt.Sprintf("handle %s is not registered", e.handle)
}

// protoError reports a malformed or out-of-sequence message.
type protoError struct {
	detail string
}

func (e *protoError) Error() string { return e.detail }

func protocolf(format string, args ...any) error {
	return &protoError{detail: fmt.Sprintf(format, args...)}
}

// scriptError carries error text produced by the object space itself.
type scriptError struct {
	text string
}

func (e *scriptError) Error() string { return e.text }

func typeErrorf(format string, args ...any) error {
	return &scriptError{text: "TypeError: " + fmt.Sprintf(format, args...)}
}

// Serve executes one operation against the space.
func (s *Space) Serve(ctx context.Context, msg *wire.Message) *wire.Reply {
	if msg == nil {
		return wire.Fail(wire.CodeProtocol, "empty message")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wire.Fail(wire.CodeProtocol, "space closed")
	}

	var reply *wire.Reply
	err := s.guard(func() error {
		var err error
		reply, err = s.dispatch(msg)
		return err
	})
	if err != nil {
		s.log.Debug("operation failed",
			zap.String("op", string(msg.Op)),
			zap.String("name", msg.Name),
			zap.Stringer("handle", msg.Handle),
			zap.Error(err),
		)
		return replyFor(err)
	}
	if reply == nil {
		reply = &wire.Reply{}
	}
	return reply
}

func replyFor(err error) *wire.Reply {
	var (
		re *refError
		pe *protoError
	)
	switch {
	case errors.As(err, &re):
		return &wire.Reply{Code: wire.CodeInvalidReference, Error: re.Error(), Handle: re.handle}
	case errors.As(err, &pe):
		return &wire.Reply{Code: wire.CodeProtocol, Error: pe.Error()}
	default:
		return &wire.Reply{Code: wire.CodeRemote, Error: errorText(err)}
	}
}

func (s *Space) dispatch(msg *wire.Message) (*wire.Reply, error) {
	switch msg.Op {
	case wire.OpGetProp:
		obj, err := s.object(msg.Handle)
		if err != nil {
			return nil, err
		}
		v, err := s.export(obj.Get(msg.Name))
		if err != nil {
			return nil, err
		}
		return &wire.Reply{Value: v}, nil

	case wire.OpPropRef:
		obj, err := s.object(msg.Handle)
		if err != nil {
			return nil, err
		}
		return nil, s.bind(msg.Target, obj.Get(msg.Name))

	case wire.OpSetProp:
		obj, err := s.object(msg.Handle)
		if err != nil {
			return nil, err
		}
		return nil, obj.Set(msg.Name, s.vm.ToValue(msg.Value))

	case wire.OpSetPropRef:
		obj, err := s.object(msg.Handle)
		if err != nil {
			return nil, err
		}
		ref, err := s.lookup(msg.Target)
		if err != nil {
			return nil, err
		}
		return nil, obj.Set(msg.Name, ref)

	case wire.OpIsProp:
		obj, err := s.object(msg.Handle)
		if err != nil {
			return nil, err
		}
		v := obj.Get(msg.Name)
		_, isFunc := goja.AssertFunction(v)
		return &wire.Reply{Value: defined(v) && !isFunc}, nil

	case wire.OpIsFunc:
		obj, err := s.object(msg.Handle)
		if err != nil {
			return nil, err
		}
		_, isFunc := goja.AssertFunction(obj.Get(msg.Name))
		return &wire.Reply{Value: isFunc}, nil

	case wire.OpCall, wire.OpCallRef, wire.OpCallVoid:
		if msg.Op == wire.OpCallRef {
			if err := s.checkUnbound(msg.Target); err != nil {
				return nil, err
			}
		}
		res, err := s.invoke(msg)
		if err != nil {
			return nil, err
		}
		switch msg.Op {
		case wire.OpCall:
			v, err := s.export(res)
			if err != nil {
				return nil, err
			}
			return &wire.Reply{Value: v}, nil
		case wire.OpCallRef:
			return nil, s.bind(msg.Target, res)
		}
		return nil, nil

	case wire.OpCallAwait, wire.OpCallRefAwait, wire.OpCallVoidAwait:
		return nil, s.callAwait(msg)

	case wire.OpConstruct:
		if err := s.checkUnbound(msg.Target); err != nil {
			return nil, err
		}
		obj, err := s.object(msg.Handle)
		if err != nil {
			return nil, err
		}
		ctor := obj.Get(msg.Name)
		if !defined(ctor) {
			return nil, typeErrorf("%s is not a constructor", msg.Name)
		}
		args, err := s.params(msg.Params)
		if err != nil {
			return nil, err
		}
		inst, err := s.vm.New(ctor, args...)
		if err != nil {
			return nil, err
		}
		return nil, s.bind(msg.Target, inst)

	case wire.OpDeleteHandle:
		s.reg.Delete(msg.Handle)
		return nil, nil

	case wire.OpSetCallback:
		return nil, s.setCallback(msg)

	case wire.OpAddListener:
		return nil, s.addListener(msg)

	case wire.OpRemoveListener:
		return nil, s.removeListener(msg)

	case wire.OpRemoveCallback:
		s.removeCallback(msg.Callback)
		return nil, nil

	case wire.OpAdoptArgs:
		args, ok := s.args[msg.Key]
		if !ok {
			return nil, protocolf("unknown argument container %d", msg.Key)
		}
		items := make([]any, len(args))
		for i, a := range args {
			items[i] = a
		}
		if err := s.bind(msg.Target, s.vm.NewArray(items...)); err != nil {
			return nil, err
		}
		delete(s.args, msg.Key)
		return nil, nil

	case wire.OpIsEqualRef:
		a, err := s.lookup(msg.Handle)
		if err != nil {
			return nil, err
		}
		b, err := s.lookup(msg.Target)
		if err != nil {
			return nil, err
		}
		return &wire.Reply{Value: a.StrictEquals(b)}, nil

	case wire.OpToText:
		v, err := s.lookup(msg.Handle)
		if err != nil {
			return nil, err
		}
		text, err := s.text(v)
		if err != nil {
			return nil, err
		}
		return &wire.Reply{Value: text}, nil

	case wire.OpConvert:
		v, err := s.lookup(msg.Handle)
		if err != nil {
			return nil, err
		}
		out, err := s.export(v)
		if err != nil {
			return nil, err
		}
		return &wire.Reply{Value: out}, nil

	case wire.OpImport:
		return nil, s.importModule(msg)

	case wire.OpSetBytes:
		if err := s.checkUnbound(msg.Target); err != nil {
			return nil, err
		}
		buf := make([]byte, len(msg.Bytes))
		copy(buf, msg.Bytes)
		arr, err := s.vm.New(s.vm.Get("Uint8Array"), s.vm.ToValue(s.vm.NewArrayBuffer(buf)))
		if err != nil {
			return nil, err
		}
		return nil, s.bind(msg.Target, arr)

	case wire.OpGetBytes:
		obj, err := s.object(msg.Handle)
		if err != nil {
			return nil, err
		}
		data, err := s.bytes(obj)
		if err != nil {
			return nil, err
		}
		return &wire.Reply{Bytes: data}, nil
	}

	return nil, protocolf("unknown operation %q", msg.Op)
}

// invoke calls msg.Name on the target with decoded params.
func (s *Space) invoke(msg *wire.Message) (goja.Value, error) {
	obj, err := s.object(msg.Handle)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(obj.Get(msg.Name))
	if !ok {
		return nil, typeErrorf("%s is not a function", msg.Name)
	}
	args, err := s.params(msg.Params)
	if err != nil {
		return nil, err
	}
	return fn(obj, args...)
}

// callAwait starts the call and arranges for its settlement to be posted as
// a completion. Only reference and protocol failures are returned directly;
// anything the call itself does wrong completes with error text.
func (s *Space) callAwait(msg *wire.Message) error {
	if msg.Correlation == 0 {
		return protocolf("%s without correlation id", msg.Op)
	}
	if msg.Op == wire.OpCallRefAwait {
		if err := s.checkUnbound(msg.Target); err != nil {
			return err
		}
	}
	if _, err := s.object(msg.Handle); err != nil {
		var re *refError
		if errors.As(err, &re) {
			return err
		}
	}
	for _, p := range msg.Params {
		if p.Kind == wire.ParamHandle {
			if _, err := s.lookup(p.Handle); err != nil {
				return err
			}
		}
	}

	res, err := s.invoke(msg)
	if err != nil {
		s.emit(wire.Completion(msg.Correlation, errorText(err), nil))
		return nil
	}

	s.settle(res, msg.Correlation, func(v goja.Value) (any, error) {
		switch msg.Op {
		case wire.OpCallRefAwait:
			return nil, s.bind(msg.Target, v)
		case wire.OpCallVoidAwait:
			return nil, nil
		}
		return s.export(v)
	})
	return nil
}

// settle posts a completion for res once it is no longer pending. Values
// that are not thenables complete immediately.
func (s *Space) settle(res goja.Value, correlation uint64, onValue func(goja.Value) (any, error)) {
	complete := func(v goja.Value) {
		out, err := onValue(v)
		if err != nil {
			s.emit(wire.Completion(correlation, errorText(err), nil))
			return
		}
		s.emit(wire.Completion(correlation, "", out))
	}

	obj, ok := res.(*goja.Object)
	if !ok {
		complete(res)
		return
	}
	then, ok := goja.AssertFunction(obj.Get("then"))
	if !ok {
		complete(res)
		return
	}

	onFulfilled := s.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		complete(call.Argument(0))
		return goja.Undefined()
	})
	onRejected := s.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		s.emit(wire.Completion(correlation, reasonText(call.Argument(0)), nil))
		return goja.Undefined()
	})
	if _, err := then(obj, onFulfilled, onRejected); err != nil {
		s.emit(wire.Completion(correlation, errorText(err), nil))
	}
}

func (s *Space) importModule(msg *wire.Message) error {
	if msg.Correlation == 0 {
		return protocolf("import without correlation id")
	}
	src, err := s.load(msg.Name)
	if err != nil {
		s.emit(wire.Completion(msg.Correlation, err.Error(), nil))
		return nil
	}
	res, err := s.vm.RunScript(msg.Name, src)
	if err != nil {
		s.emit(wire.Completion(msg.Correlation, errorText(err), nil))
		return nil
	}
	s.settle(res, msg.Correlation, func(goja.Value) (any, error) { return nil, nil })
	return nil
}

func (s *Space) load(name string) (string, error) {
	if src, ok := s.modules[name]; ok {
		return src, nil
	}
	if s.fsys != nil {
		data, err := fs.ReadFile(s.fsys, name)
		if err == nil {
			return string(data), nil
		}
		return "", fmt.Errorf("cannot load module %s: %v", name, err)
	}
	return "", fmt.Errorf("cannot load module %s", name)
}

func (s *Space) bytes(obj *goja.Object) ([]byte, error) {
	buf := obj.Get("buffer")
	if buf == nil {
		return nil, typeErrorf("value is not a typed array")
	}
	ab, ok := buf.Export().(goja.ArrayBuffer)
	if !ok {
		return nil, typeErrorf("value is not a typed array")
	}
	data := ab.Bytes()
	off := obj.Get("byteOffset").ToInteger()
	n := obj.Get("byteLength").ToInteger()
	if off < 0 || n < 0 || off+n > int64(len(data)) {
		return nil, typeErrorf("typed array view out of range")
	}
	out := make([]byte, n)
	copy(out, data[off:off+n])
	return out, nil
}

func (s *Space) lookup(h wire.Handle) (goja.Value, error) {
	v, ok := s.reg.Lookup(h)
	if !ok {
		return nil, &refError{handle: h}
	}
	return v, nil
}

// object resolves h to something that has properties.
func (s *Space) object(h wire.Handle) (*goja.Object, error) {
	v, err := s.lookup(h)
	if err != nil {
		return nil, err
	}
	if !defined(v) || goja.IsNull(v) {
		return nil, typeErrorf("cannot access properties of %s", v.String())
	}
	return v.ToObject(s.vm), nil
}

func (s *Space) bind(h wire.Handle, v goja.Value) error {
	if err := s.reg.Bind(h, v); err != nil {
		return protocolf("bind %s: %v", h, err)
	}
	return nil
}

func (s *Space) checkUnbound(h wire.Handle) error {
	if _, ok := s.reg.Lookup(h); ok {
		return protocolf("bind %s: %v", h, errBound)
	}
	return nil
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/luxfi/bridge/wire"
)

type bindingKind uint8

const (
	bindProperty bindingKind = iota
	bindListener
)

type binding struct {
	kind   bindingKind
	target *goja.Object
	name   string
}

// stub is the script-side stand-in for a host callback registration.
type stub struct {
	id       uint64
	fn       goja.Value
	inert    bool
	bindings []binding
}

// stub returns the function for registration id, creating it on first use.
func (s *Space) stub(id uint64) *stub {
	if st, ok := s.stubs[id]; ok {
		return st
	}
	st := &stub{id: id}
	st.fn = s.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		s.fire(st, call.Arguments)
		return goja.Undefined()
	})
	s.stubs[id] = st
	return st
}

// fire posts an invoke event for st. It runs inside script execution, so
// s.mu is already held.
func (s *Space) fire(st *stub, args []goja.Value) {
	if st.inert {
		s.log.Debug("inert callback fired", zap.Uint64("callback", st.id))
		return
	}

	inline := true
	for _, a := range args {
		if !primitive(a) {
			inline = false
			break
		}
	}

	ev := &wire.Event{
		Kind:     wire.EventInvoke,
		Callback: st.id,
		ArgCount: len(args),
	}
	if inline {
		ev.Inline = true
		ev.Args = make([]any, len(args))
		for i, a := range args {
			v, err := s.export(a)
			if err != nil {
				v = a.String()
			}
			ev.Args[i] = v
		}
	} else {
		s.nextArgs++
		key := s.nextArgs
		held := make([]goja.Value, len(args))
		copy(held, args)
		s.args[key] = held
		ev.ArgsKey = key
	}
	s.emit(ev)
}

func (s *Space) setCallback(msg *wire.Message) error {
	obj, err := s.object(msg.Handle)
	if err != nil {
		return err
	}
	st := s.stub(msg.Callback)
	if err := obj.Set(msg.Name, st.fn); err != nil {
		return err
	}
	st.bindings = append(st.bindings, binding{kind: bindProperty, target: obj, name: msg.Name})
	return nil
}

func (s *Space) addListener(msg *wire.Message) error {
	obj, err := s.object(msg.Handle)
	if err != nil {
		return err
	}
	add, ok := goja.AssertFunction(obj.Get("addEventListener"))
	if !ok {
		return typeErrorf("addEventListener is not a function")
	}
	st := s.stub(msg.Callback)
	if _, err := add(obj, s.vm.ToValue(msg.Name), st.fn); err != nil {
		return err
	}
	st.bindings = append(st.bindings, binding{kind: bindListener, target: obj, name: msg.Name})
	return nil
}

func (s *Space) removeListener(msg *wire.Message) error {
	obj, err := s.object(msg.Handle)
	if err != nil {
		return err
	}
	st, ok := s.stubs[msg.Callback]
	if !ok {
		return nil
	}
	remove, ok := goja.AssertFunction(obj.Get("removeEventListener"))
	if !ok {
		return typeErrorf("removeEventListener is not a function")
	}
	if _, err := remove(obj, s.vm.ToValue(msg.Name), st.fn); err != nil {
		return err
	}
	kept := st.bindings[:0]
	for _, b := range st.bindings {
		if b.kind == bindListener && b.name == msg.Name && b.target.SameAs(obj) {
			continue
		}
		kept = append(kept, b)
	}
	st.bindings = kept
	return nil
}

// removeCallback makes the stub inert and detaches it from everything it
// was assigned to.
func (s *Space) removeCallback(id uint64) {
	st, ok := s.stubs[id]
	if !ok {
		return
	}
	st.inert = true
	delete(s.stubs, id)

	for _, b := range st.bindings {
		switch b.kind {
		case bindProperty:
			if v := b.target.Get(b.name); v != nil && v.StrictEquals(st.fn) {
				if err := b.target.Set(b.name, goja.Null()); err != nil {
					s.log.Debug("detach property failed", zap.String("name", b.name), zap.Error(err))
				}
			}
		case bindListener:
			remove, ok := goja.AssertFunction(b.target.Get("removeEventListener"))
			if !ok {
				continue
			}
			if _, err := remove(b.target, s.vm.ToValue(b.name), st.fn); err != nil {
				s.log.Debug("detach listener failed", zap.String("name", b.name), zap.Error(err))
			}
		}
	}
	st.bindings = nil
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/luxfi/bridge/wire"
)

// Proxy is a host side reference to one remote object. Every method is a
// round trip. Methods that return a new *Proxy allocate a fresh handle, so
// two proxies may refer to the same object; use Equals to compare them.
type Proxy struct {
	sess     *Session
	handle   wire.Handle
	released atomic.Bool
	cleanup  runtime.Cleanup
}

// Handle returns the handle id. It is only meaningful within its session.
func (p *Proxy) Handle() wire.Handle { return p.handle }

// Session returns the owning session.
func (p *Proxy) Session() *Session { return p.sess }

func (p *Proxy) String() string {
	state := ""
	if p.Released() {
		state = ", released"
	}
	return fmt.Sprintf("Proxy(%s%s)", p.handle, state)
}

func (p *Proxy) do(ctx context.Context, msg *wire.Message) (*wire.Reply, error) {
	defer runtime.KeepAlive(p)
	if err := p.sess.owns(msg.Op, p); err != nil {
		return nil, err
	}
	msg.Handle = p.handle
	return p.sess.call(ctx, msg)
}

func (p *Proxy) await(ctx context.Context, msg *wire.Message) (any, error) {
	defer runtime.KeepAlive(p)
	if err := p.sess.owns(msg.Op, p); err != nil {
		return nil, err
	}
	msg.Handle = p.handle
	return p.sess.await(ctx, msg)
}

func (p *Proxy) decode(op wire.Op, name string, v any, out any) error {
	if err := decodeInto(p.sess.codec, v, out); err != nil {
		return protocolErrorf(op, "decode %s: %v", name, err)
	}
	return nil
}

// Get reads property name into out.
func (p *Proxy) Get(ctx context.Context, name string, out any) error {
	r, err := p.do(ctx, &wire.Message{Op: wire.OpGetProp, Name: name})
	if err != nil {
		return err
	}
	return p.decode(wire.OpGetProp, name, r.Value, out)
}

// PropRef returns a proxy for property name.
func (p *Proxy) PropRef(ctx context.Context, name string) (*Proxy, error) {
	h := p.sess.newHandle()
	_, err := p.do(ctx, &wire.Message{Op: wire.OpPropRef, Name: name, Target: h})
	return p.sess.adopt(ctx, h, err)
}

// Set assigns value to property name. A *Proxy value is assigned by
// reference.
func (p *Proxy) Set(ctx context.Context, name string, value any) error {
	if ref, ok := value.(*Proxy); ok && ref != nil {
		return p.SetRef(ctx, name, ref)
	}
	v, err := normalize(p.sess.codec, value)
	if err != nil {
		return fmt.Errorf("bridge: cannot serialize %T: %w", value, err)
	}
	_, err = p.do(ctx, &wire.Message{Op: wire.OpSetProp, Name: name, Value: v})
	return err
}

// SetRef assigns the object behind ref to property name.
func (p *Proxy) SetRef(ctx context.Context, name string, ref *Proxy) error {
	defer runtime.KeepAlive(ref)
	if err := p.sess.owns(wire.OpSetPropRef, ref); err != nil {
		return err
	}
	_, err := p.do(ctx, &wire.Message{Op: wire.OpSetPropRef, Name: name, Target: ref.handle})
	return err
}

// IsProperty reports whether name exists and is not a function.
func (p *Proxy) IsProperty(ctx context.Context, name string) (bool, error) {
	return p.predicate(ctx, wire.OpIsProp, name)
}

// IsFunction reports whether name is callable.
func (p *Proxy) IsFunction(ctx context.Context, name string) (bool, error) {
	return p.predicate(ctx, wire.OpIsFunc, name)
}

func (p *Proxy) predicate(ctx context.Context, op wire.Op, name string) (bool, error) {
	r, err := p.do(ctx, &wire.Message{Op: op, Name: name})
	if err != nil {
		return false, err
	}
	var ok bool
	if err := p.decode(op, name, r.Value, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (p *Proxy) invoke(ctx context.Context, op wire.Op, name string, target wire.Handle, params []any) (*wire.Reply, error) {
	defer runtime.KeepAlive(params)
	entries, err := p.sess.marshal(op, params)
	if err != nil {
		return nil, err
	}
	return p.do(ctx, &wire.Message{Op: op, Name: name, Params: entries, Target: target})
}

func (p *Proxy) invokeAwait(ctx context.Context, op wire.Op, name string, target wire.Handle, params []any) (any, error) {
	defer runtime.KeepAlive(params)
	entries, err := p.sess.marshal(op, params)
	if err != nil {
		return nil, err
	}
	return p.await(ctx, &wire.Message{Op: op, Name: name, Params: entries, Target: target})
}

// Call invokes method name and decodes its result into reply, which may be
// nil.
func (p *Proxy) Call(ctx context.Context, name string, reply any, params ...any) error {
	r, err := p.invoke(ctx, wire.OpCall, name, 0, params)
	if err != nil {
		return err
	}
	return p.decode(wire.OpCall, name, r.Value, reply)
}

// CallVoid invokes method name and discards the result.
func (p *Proxy) CallVoid(ctx context.Context, name string, params ...any) error {
	_, err := p.invoke(ctx, wire.OpCallVoid, name, 0, params)
	return err
}

// CallRef invokes method name and returns a proxy for the result.
func (p *Proxy) CallRef(ctx context.Context, name string, params ...any) (*Proxy, error) {
	h := p.sess.newHandle()
	_, err := p.invoke(ctx, wire.OpCallRef, name, h, params)
	return p.sess.adopt(ctx, h, err)
}

// Construct calls the constructor found at property name with new.
func (p *Proxy) Construct(ctx context.Context, name string, params ...any) (*Proxy, error) {
	h := p.sess.newHandle()
	_, err := p.invoke(ctx, wire.OpConstruct, name, h, params)
	return p.sess.adopt(ctx, h, err)
}

// CallAwaited invokes method name, waits for the promise it returns to
// settle and decodes the fulfilled value into reply. A rejection fails with
// *RemoteExecutionError carrying the rejection text.
func (p *Proxy) CallAwaited(ctx context.Context, name string, reply any, params ...any) error {
	v, err := p.invokeAwait(ctx, wire.OpCallAwait, name, 0, params)
	if err != nil {
		return err
	}
	return p.decode(wire.OpCallAwait, name, v, reply)
}

// CallRefAwaited is CallAwaited returning a proxy for the fulfilled value.
func (p *Proxy) CallRefAwaited(ctx context.Context, name string, params ...any) (*Proxy, error) {
	h := p.sess.newHandle()
	_, err := p.invokeAwait(ctx, wire.OpCallRefAwait, name, h, params)
	return p.sess.adopt(ctx, h, err)
}

// CallVoidAwaited waits for the promise returned by method name to settle.
func (p *Proxy) CallVoidAwaited(ctx context.Context, name string, params ...any) error {
	_, err := p.invokeAwait(ctx, wire.OpCallVoidAwait, name, 0, params)
	return err
}

// RegisterCallback assigns fn to property prop, e.g. an "onload" slot.
func (p *Proxy) RegisterCallback(ctx context.Context, prop string, fn Callback) (*Registration, error) {
	reg := p.sess.NewCallback(fn)
	if _, err := p.do(ctx, &wire.Message{Op: wire.OpSetCallback, Name: prop, Callback: reg.id}); err != nil {
		p.sess.callbacks.remove(reg)
		return nil, err
	}
	return reg, nil
}

// AddEventListener subscribes fn to event through addEventListener.
func (p *Proxy) AddEventListener(ctx context.Context, event string, fn Callback) (*Registration, error) {
	reg := p.sess.NewCallback(fn)
	if _, err := p.do(ctx, &wire.Message{Op: wire.OpAddListener, Name: event, Callback: reg.id}); err != nil {
		p.sess.callbacks.remove(reg)
		return nil, err
	}
	return reg, nil
}

// RemoveEventListener unsubscribes reg from event. The registration stays
// active until Session.Unregister.
func (p *Proxy) RemoveEventListener(ctx context.Context, event string, reg *Registration) error {
	if reg == nil || reg.sess != p.sess {
		return protocolErrorf(wire.OpRemoveListener, "registration does not belong to this session")
	}
	_, err := p.do(ctx, &wire.Message{Op: wire.OpRemoveListener, Name: event, Callback: reg.id})
	return err
}

// Equals reports whether p and other refer to the same remote object. The
// check is made remotely; handle ids are not compared.
func (p *Proxy) Equals(ctx context.Context, other *Proxy) (bool, error) {
	defer runtime.KeepAlive(other)
	if other == nil {
		return false, nil
	}
	if err := p.sess.owns(wire.OpIsEqualRef, other); err != nil {
		return false, err
	}
	r, err := p.do(ctx, &wire.Message{Op: wire.OpIsEqualRef, Target: other.handle})
	if err != nil {
		return false, err
	}
	var eq bool
	if err := p.decode(wire.OpIsEqualRef, "", r.Value, &eq); err != nil {
		return false, err
	}
	return eq, nil
}

// AsText returns the JSON text of the remote value.
func (p *Proxy) AsText(ctx context.Context) (string, error) {
	r, err := p.do(ctx, &wire.Message{Op: wire.OpToText})
	if err != nil {
		return "", err
	}
	var text string
	if err := p.decode(wire.OpToText, "", r.Value, &text); err != nil {
		return "", err
	}
	return text, nil
}

// Convert copies the remote value into out.
func (p *Proxy) Convert(ctx context.Context, out any) error {
	r, err := p.do(ctx, &wire.Message{Op: wire.OpConvert})
	if err != nil {
		return err
	}
	return p.decode(wire.OpConvert, "", r.Value, out)
}

// Bytes copies the contents of a remote typed array. Only the fast lane
// supports it.
func (p *Proxy) Bytes(ctx context.Context) ([]byte, error) {
	if err := p.sess.fastLane(wire.OpGetBytes); err != nil {
		return nil, err
	}
	r, err := p.do(ctx, &wire.Message{Op: wire.OpGetBytes})
	if err != nil {
		return nil, err
	}
	return r.Bytes, nil
}

// Get reads property name of p as a T.
func Get[T any](ctx context.Context, p *Proxy, name string) (T, error) {
	var out T
	err := p.Get(ctx, name, &out)
	return out, err
}

// Call invokes method name on p and returns its result as a T.
func Call[T any](ctx context.Context, p *Proxy, name string, params ...any) (T, error) {
	var out T
	err := p.Call(ctx, name, &out, params...)
	return out, err
}

// CallAwaited invokes method name on p and returns its settled result as a T.
func CallAwaited[T any](ctx context.Context, p *Proxy, name string, params ...any) (T, error) {
	var out T
	err := p.CallAwaited(ctx, name, &out, params...)
	return out, err
}

// Convert returns the remote value behind p as a T.
func Convert[T any](ctx context.Context, p *Proxy) (T, error) {
	var out T
	err := p.Convert(ctx, &out)
	return out, err
}

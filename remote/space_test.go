// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/luxfi/bridge/wire"
)

const emitterScript = `
function Emitter() { this.listeners = {}; }
Emitter.prototype.addEventListener = function (name, fn) {
	(this.listeners[name] = this.listeners[name] || []).push(fn);
};
Emitter.prototype.removeEventListener = function (name, fn) {
	var l = this.listeners[name] || [];
	var i = l.indexOf(fn);
	if (i >= 0) l.splice(i, 1);
};
Emitter.prototype.emit = function (name) {
	var args = Array.prototype.slice.call(arguments, 1);
	(this.listeners[name] || []).slice().forEach(function (fn) { fn.apply(null, args); });
};
var target = new Emitter();
var obj = { a: { b: "deep" }, n: 3, f: function () {} };
var pending = [];
function later(v) { return new Promise(function (resolve) { pending.push(function () { resolve(v); }); }); }
function refuse(text) { return Promise.reject(text); }
function boom() { throw new Error("boom"); }
function add(a, b) { return a + b; }
`

func newSpace(t *testing.T, opts ...Option) (*Space, <-chan *wire.Event) {
	t.Helper()
	s, err := New(append([]Option{WithScript(emitterScript)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	events := make(chan *wire.Event, 64)
	_, err = s.Attach(func(ev *wire.Event) { events <- ev })
	require.NoError(t, err)
	return s, events
}

func serve(t *testing.T, s *Space, msg *wire.Message) *wire.Reply {
	t.Helper()
	return s.Serve(context.Background(), msg)
}

func ok(t *testing.T, r *wire.Reply) *wire.Reply {
	t.Helper()
	require.False(t, r.Failed(), "%s: %s", r.Code, r.Error)
	return r
}

func next(t *testing.T, events <-chan *wire.Event) *wire.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestSpaceProperties(t *testing.T) {
	s, _ := newSpace(t)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpPropRef, Name: "obj", Target: 1}))
	r := ok(t, serve(t, s, &wire.Message{Op: wire.OpGetProp, Handle: 1, Name: "n"}))
	assert.Equal(t, int64(3), r.Value)

	r = ok(t, serve(t, s, &wire.Message{Op: wire.OpGetProp, Handle: 1, Name: "a"}))
	assert.Equal(t, map[string]any{"b": "deep"}, r.Value)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpSetProp, Handle: 1, Name: "m", Value: "set"}))
	got, err := s.Eval("obj.m")
	require.NoError(t, err)
	assert.Equal(t, "set", got)

	r = ok(t, serve(t, s, &wire.Message{Op: wire.OpIsProp, Handle: 1, Name: "n"}))
	assert.Equal(t, true, r.Value)
	r = ok(t, serve(t, s, &wire.Message{Op: wire.OpIsProp, Handle: 1, Name: "f"}))
	assert.Equal(t, false, r.Value)
	r = ok(t, serve(t, s, &wire.Message{Op: wire.OpIsProp, Handle: 1, Name: "missing"}))
	assert.Equal(t, false, r.Value)
	r = ok(t, serve(t, s, &wire.Message{Op: wire.OpIsFunc, Handle: 1, Name: "f"}))
	assert.Equal(t, true, r.Value)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpPropRef, Handle: 1, Name: "a", Target: 2}))
	ok(t, serve(t, s, &wire.Message{Op: wire.OpSetPropRef, Handle: 0, Name: "alias", Target: 2}))
	got, err = s.Eval("alias === obj.a")
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestSpaceCalls(t *testing.T) {
	s, _ := newSpace(t)

	r := ok(t, serve(t, s, &wire.Message{
		Op:     wire.OpCall,
		Name:   "add",
		Params: []wire.ParamEntry{wire.Value(2), wire.Value(3)},
	}))
	assert.Equal(t, int64(5), r.Value)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpCallRef, Name: "later", Target: 4, Params: []wire.ParamEntry{wire.Value("x")}}))
	assert.True(t, s.Bound(4))

	ok(t, serve(t, s, &wire.Message{Op: wire.OpConstruct, Name: "Emitter", Target: 5}))
	ok(t, serve(t, s, &wire.Message{Op: wire.OpCallVoid, Handle: 5, Name: "emit", Params: []wire.ParamEntry{wire.Value("nothing")}}))

	r = serve(t, s, &wire.Message{Op: wire.OpCall, Name: "boom"})
	assert.Equal(t, wire.CodeRemote, r.Code)
	assert.Equal(t, "Error: boom", r.Error)

	r = serve(t, s, &wire.Message{Op: wire.OpCall, Name: "nope"})
	assert.Equal(t, wire.CodeRemote, r.Code)
	assert.Contains(t, r.Error, "TypeError")
}

func TestSpaceInvalidReference(t *testing.T) {
	s, _ := newSpace(t)

	r := serve(t, s, &wire.Message{Op: wire.OpGetProp, Handle: 42, Name: "x"})
	assert.Equal(t, wire.CodeInvalidReference, r.Code)
	assert.Equal(t, wire.Handle(42), r.Handle)

	r = serve(t, s, &wire.Message{Op: wire.OpCall, Name: "add", Params: []wire.ParamEntry{wire.HandleRef(42)}})
	assert.Equal(t, wire.CodeInvalidReference, r.Code)
	assert.Equal(t, wire.Handle(42), r.Handle)

	r = serve(t, s, &wire.Message{Op: wire.OpIsEqualRef, Handle: wire.GlobalHandle, Target: 43})
	assert.Equal(t, wire.CodeInvalidReference, r.Code)
	assert.Equal(t, wire.Handle(43), r.Handle)

	r = serve(t, s, &wire.Message{Op: wire.OpSetPropRef, Handle: wire.GlobalHandle, Name: "x", Target: 44})
	assert.Equal(t, wire.CodeInvalidReference, r.Code)
	assert.Equal(t, wire.Handle(44), r.Handle)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpPropRef, Name: "obj", Target: 1}))
	ok(t, serve(t, s, &wire.Message{Op: wire.OpDeleteHandle, Handle: 1}))
	ok(t, serve(t, s, &wire.Message{Op: wire.OpDeleteHandle, Handle: 1}))
	r = serve(t, s, &wire.Message{Op: wire.OpGetProp, Handle: 1, Name: "n"})
	assert.Equal(t, wire.CodeInvalidReference, r.Code)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpDeleteHandle, Handle: wire.GlobalHandle}))
	assert.True(t, s.Bound(wire.GlobalHandle))
}

func TestSpaceProtocolErrors(t *testing.T) {
	s, _ := newSpace(t)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpPropRef, Name: "obj", Target: 1}))
	r := serve(t, s, &wire.Message{Op: wire.OpPropRef, Name: "obj", Target: 1})
	assert.Equal(t, wire.CodeProtocol, r.Code)

	r = serve(t, s, &wire.Message{Op: "bogus"})
	assert.Equal(t, wire.CodeProtocol, r.Code)

	r = serve(t, s, &wire.Message{Op: wire.OpCallAwait, Name: "later"})
	assert.Equal(t, wire.CodeProtocol, r.Code)

	r = serve(t, s, &wire.Message{Op: wire.OpAdoptArgs, Key: 9, Target: 3})
	assert.Equal(t, wire.CodeProtocol, r.Code)
}

func TestSpaceAwaitReverseOrder(t *testing.T) {
	s, events := newSpace(t)

	const n = 5
	for i := 1; i <= n; i++ {
		ok(t, serve(t, s, &wire.Message{
			Op:          wire.OpCallAwait,
			Name:        "later",
			Correlation: uint64(i),
			Params:      []wire.ParamEntry{wire.Value(i * 10)},
		}))
	}
	got, err := s.Eval("pending.length")
	require.NoError(t, err)
	require.Equal(t, int64(n), got)

	for i := n; i >= 1; i-- {
		_, err := s.Eval("pending.pop()()")
		require.NoError(t, err)
		ev := next(t, events)
		assert.Equal(t, wire.EventCompletion, ev.Kind)
		assert.Equal(t, uint64(i), ev.Correlation)
		assert.Empty(t, ev.Error)
		assert.Equal(t, int64(i*10), ev.Value)
	}
}

func TestSpaceAwaitFailures(t *testing.T) {
	s, events := newSpace(t)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpCallVoidAwait, Name: "refuse", Correlation: 1, Params: []wire.ParamEntry{wire.Value("NotAllowedError")}}))
	ev := next(t, events)
	assert.Equal(t, uint64(1), ev.Correlation)
	assert.Equal(t, "NotAllowedError", ev.Error)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpCallAwait, Name: "boom", Correlation: 2}))
	ev = next(t, events)
	assert.Equal(t, uint64(2), ev.Correlation)
	assert.Equal(t, "Error: boom", ev.Error)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpCallAwait, Name: "add", Correlation: 3, Params: []wire.ParamEntry{wire.Value(1), wire.Value(1)}}))
	ev = next(t, events)
	assert.Equal(t, uint64(3), ev.Correlation)
	assert.Equal(t, int64(2), ev.Value)

	r := serve(t, s, &wire.Message{Op: wire.OpCallAwait, Handle: 77, Name: "x", Correlation: 4})
	assert.Equal(t, wire.CodeInvalidReference, r.Code)
}

func TestSpaceCallRefAwait(t *testing.T) {
	s, events := newSpace(t)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpCallRefAwait, Name: "later", Correlation: 1, Target: 8, Params: []wire.ParamEntry{wire.Value("v")}}))
	assert.False(t, s.Bound(8))

	_, err := s.Eval("pending.pop()()")
	require.NoError(t, err)
	ev := next(t, events)
	assert.Empty(t, ev.Error)
	assert.True(t, s.Bound(8))

	r := ok(t, serve(t, s, &wire.Message{Op: wire.OpToText, Handle: 8}))
	assert.Equal(t, `"v"`, r.Value)
}

func TestSpaceCallbackInline(t *testing.T) {
	s, events := newSpace(t)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpPropRef, Name: "obj", Target: 1}))
	ok(t, serve(t, s, &wire.Message{Op: wire.OpSetCallback, Handle: 1, Name: "onready", Callback: 11}))

	_, err := s.Eval(`obj.onready(1, "two", null)`)
	require.NoError(t, err)
	ev := next(t, events)
	assert.Equal(t, wire.EventInvoke, ev.Kind)
	assert.Equal(t, uint64(11), ev.Callback)
	assert.True(t, ev.Inline)
	assert.Equal(t, 3, ev.ArgCount)
	assert.Equal(t, []any{int64(1), "two", nil}, ev.Args)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpRemoveCallback, Callback: 11}))
	got, err := s.Eval("obj.onready")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSpaceCallbackContainer(t *testing.T) {
	s, events := newSpace(t)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpPropRef, Name: "target", Target: 1}))
	ok(t, serve(t, s, &wire.Message{Op: wire.OpAddListener, Handle: 1, Name: "ping", Callback: 3}))

	_, err := s.Eval(`target.emit("ping", obj, 5)`)
	require.NoError(t, err)
	ev := next(t, events)
	require.False(t, ev.Inline)
	require.Equal(t, 2, ev.ArgCount)
	require.NotZero(t, ev.ArgsKey)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpAdoptArgs, Key: ev.ArgsKey, Target: 20}))
	ok(t, serve(t, s, &wire.Message{Op: wire.OpPropRef, Handle: 20, Name: "0", Target: 21}))
	ok(t, serve(t, s, &wire.Message{Op: wire.OpPropRef, Handle: 20, Name: "1", Target: 22}))
	ok(t, serve(t, s, &wire.Message{Op: wire.OpDeleteHandle, Handle: 20}))

	r := ok(t, serve(t, s, &wire.Message{Op: wire.OpGetProp, Handle: 21, Name: "n"}))
	assert.Equal(t, int64(3), r.Value)
	r = ok(t, serve(t, s, &wire.Message{Op: wire.OpConvert, Handle: 22}))
	assert.Equal(t, int64(5), r.Value)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpRemoveListener, Handle: 1, Name: "ping", Callback: 3}))
	got, err := s.Eval(`target.listeners.ping.length`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestSpaceRemovedListenerIsInert(t *testing.T) {
	s, events := newSpace(t)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpPropRef, Name: "target", Target: 1}))
	ok(t, serve(t, s, &wire.Message{Op: wire.OpAddListener, Handle: 1, Name: "tick", Callback: 4}))
	_, err := s.Eval(`var held = target.listeners.tick[0]`)
	require.NoError(t, err)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpRemoveCallback, Callback: 4}))
	got, err := s.Eval(`target.listeners.tick.length`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)

	_, err = s.Eval(`held()`)
	require.NoError(t, err)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSpaceIdentity(t *testing.T) {
	s, _ := newSpace(t)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpPropRef, Name: "obj", Target: 1}))
	ok(t, serve(t, s, &wire.Message{Op: wire.OpPropRef, Name: "obj", Target: 2}))
	ok(t, serve(t, s, &wire.Message{Op: wire.OpPropRef, Name: "target", Target: 3}))

	r := ok(t, serve(t, s, &wire.Message{Op: wire.OpIsEqualRef, Handle: 1, Target: 2}))
	assert.Equal(t, true, r.Value)
	r = ok(t, serve(t, s, &wire.Message{Op: wire.OpIsEqualRef, Handle: 1, Target: 3}))
	assert.Equal(t, false, r.Value)
}

func TestSpaceBytes(t *testing.T) {
	s, _ := newSpace(t)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpSetBytes, Bytes: []byte{1, 2, 3, 4}, Target: 1}))
	r := ok(t, serve(t, s, &wire.Message{Op: wire.OpGetProp, Handle: 1, Name: "length"}))
	assert.Equal(t, int64(4), r.Value)

	r = ok(t, serve(t, s, &wire.Message{Op: wire.OpGetBytes, Handle: 1}))
	assert.Equal(t, []byte{1, 2, 3, 4}, r.Bytes)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpCallRef, Handle: 1, Name: "subarray", Target: 2, Params: []wire.ParamEntry{wire.Value(1), wire.Value(3)}}))
	r = ok(t, serve(t, s, &wire.Message{Op: wire.OpGetBytes, Handle: 2}))
	assert.Equal(t, []byte{2, 3}, r.Bytes)

	r = serve(t, s, &wire.Message{Op: wire.OpGetBytes, Handle: wire.GlobalHandle})
	assert.Equal(t, wire.CodeRemote, r.Code)
}

func TestSpaceImport(t *testing.T) {
	s, events := newSpace(t,
		WithModule("lib.js", `var libLoaded = true;`),
		WithModuleFS(fstest.MapFS{"fs.js": {Data: []byte(`var fsLoaded = 1;`)}}),
	)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpImport, Name: "lib.js", Correlation: 1}))
	ev := next(t, events)
	assert.Empty(t, ev.Error)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpImport, Name: "fs.js", Correlation: 2}))
	ev = next(t, events)
	assert.Empty(t, ev.Error)

	got, err := s.Eval("libLoaded && fsLoaded === 1")
	require.NoError(t, err)
	assert.Equal(t, true, got)

	ok(t, serve(t, s, &wire.Message{Op: wire.OpImport, Name: "missing.js", Correlation: 3}))
	ev = next(t, events)
	assert.Contains(t, ev.Error, "missing.js")
}

func TestSpaceAttachOnce(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	defer s.Close()

	detach, err := s.Attach(func(*wire.Event) {})
	require.NoError(t, err)
	_, err = s.Attach(func(*wire.Event) {})
	assert.ErrorIs(t, err, ErrAttached)

	detach()
	_, err = s.Attach(func(*wire.Event) {})
	assert.NoError(t, err)
}

func TestSpaceClose(t *testing.T) {
	s, _ := newSpace(t)
	ok(t, serve(t, s, &wire.Message{Op: wire.OpPropRef, Name: "obj", Target: 1}))
	require.Equal(t, 2, s.Len())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	r := serve(t, s, &wire.Message{Op: wire.OpGetProp, Name: "obj"})
	assert.Equal(t, wire.CodeProtocol, r.Code)
	_, err := s.Eval("1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSpaceCloseReportsLiveHandles(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s, _ := newSpace(t, WithLogger(zap.New(core)))
	ok(t, serve(t, s, &wire.Message{Op: wire.OpPropRef, Name: "target", Target: 7}))
	ok(t, serve(t, s, &wire.Message{Op: wire.OpPropRef, Name: "obj", Target: 3}))
	assert.Equal(t, []uint64{3, 7}, s.liveHandles())

	require.NoError(t, s.Close())
	entries := logs.FilterMessage("closing with live handles").All()
	require.Len(t, entries, 1)
	assert.Equal(t, []interface{}{uint64(3), uint64(7)}, entries[0].ContextMap()["handles"])
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luxfi/bridge/internal/queue"
	"github.com/luxfi/bridge/wire"
)

// Session owns the state shared by every proxy of one boundary: the handle
// allocator, the pending-call table and the callback registry. Create one
// per connection and close it when done.
type Session struct {
	id    string
	conn  Conn
	cfg   *Config
	codec Codec
	log   *zap.Logger

	handles     atomic.Uint64
	pending     pendingTable
	callbacks   callbackTable
	invocations *queue.Queue[*wire.Event]

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	global *Proxy
}

// NewSession starts a session over conn.
func NewSession(conn Conn, opts ...Option) (*Session, error) {
	c, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	return newSession(conn, c)
}

func newSession(conn Conn, c *Config) (*Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	s := &Session{
		id:          id,
		conn:        conn,
		cfg:         c,
		codec:       c.codec(),
		log:         c.Logger.With(zap.String("session", id)),
		invocations: queue.New[*wire.Event](),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.global = &Proxy{sess: s, handle: wire.GlobalHandle}

	if err := conn.SetEventHandler(s.handleEvent); err != nil {
		cancel()
		return nil, err
	}
	go s.runCallbacks()
	go s.watch()

	s.log.Debug("session started", zap.Stringer("lane", conn.Lane()))
	return s, nil
}

// ID returns the session id used in logs.
func (s *Session) ID() string { return s.id }

// Lane reports the lane of the underlying connection.
func (s *Session) Lane() Lane { return s.conn.Lane() }

// Global returns the proxy for the remote global scope. It is never
// released.
func (s *Session) Global() *Proxy { return s.global }

// Pending returns the number of awaited calls still waiting.
func (s *Session) Pending() int { return s.pending.len() }

// Callbacks returns the number of active callback registrations.
func (s *Session) Callbacks() int { return s.callbacks.len() }

// NewCallback registers fn so it can be passed to the remote side. The
// registration stays alive until Unregister or Close.
func (s *Session) NewCallback(fn Callback) *Registration {
	return s.callbacks.add(s, fn)
}

// Unregister removes reg locally and makes its remote stub inert.
func (s *Session) Unregister(ctx context.Context, reg *Registration) error {
	if reg == nil || reg.sess != s {
		return protocolErrorf(wire.OpRemoveCallback, "registration does not belong to this session")
	}
	if !s.callbacks.remove(reg) {
		return nil
	}
	_, err := s.call(ctx, &wire.Message{Op: wire.OpRemoveCallback, Callback: reg.id})
	return err
}

// Import loads a module on the remote side and waits for it to finish.
func (s *Session) Import(ctx context.Context, url string) error {
	_, err := s.await(ctx, &wire.Message{Op: wire.OpImport, Name: url})
	return err
}

// NewByteArray copies data into a new remote byte array. Only the fast
// lane supports it.
func (s *Session) NewByteArray(ctx context.Context, data []byte) (*Proxy, error) {
	if err := s.fastLane(wire.OpSetBytes); err != nil {
		return nil, err
	}
	h := s.newHandle()
	_, err := s.call(ctx, &wire.Message{Op: wire.OpSetBytes, Bytes: data, Target: h})
	return s.adopt(ctx, h, err)
}

// adopt wraps the freshly bound handle h in a proxy. When the call failed
// because ctx ended, the remote side may still have bound h, so a release
// is sent for it.
func (s *Session) adopt(ctx context.Context, h wire.Handle, err error) (*Proxy, error) {
	if err != nil {
		if ctx.Err() != nil {
			s.releaseAsync(h)
		}
		return nil, err
	}
	return s.newProxy(h), nil
}

// watch closes the session when the connection ends underneath it.
func (s *Session) watch() {
	select {
	case <-s.ctx.Done():
	case <-s.conn.Done():
		if s.closed.Load() {
			return
		}
		s.log.Warn("connection lost", zap.Int("pending", s.pending.len()))
		s.Close()
	}
}

// Close fails every pending call with ErrClosed, stops callback delivery
// and closes the connection. It is safe to call more than once, also from
// a callback. A callback that is already running is not waited for.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.pending.failAll(ErrClosed)
	s.callbacks.clear()
	s.cancel()
	s.invocations.Close()

	err := s.conn.Close()
	s.log.Debug("session closed")
	return err
}

func (s *Session) fastLane(op wire.Op) error {
	if lane := s.conn.Lane(); lane != LaneFast {
		return &PlatformUnsupportedError{Op: op, Lane: lane}
	}
	return nil
}

func (s *Session) newHandle() wire.Handle {
	return wire.Handle(s.handles.Add(1))
}

// handleEvent is the connection's event handler. It never blocks.
func (s *Session) handleEvent(ev *wire.Event) {
	switch ev.Kind {
	case wire.EventCompletion:
		if err := s.pending.complete(ev.Correlation, ev.Error, ev.Value); err != nil {
			s.log.Warn("dropping completion", zap.Uint64("correlation", ev.Correlation), zap.Error(err))
		}
	case wire.EventInvoke:
		if !s.invocations.Push(ev) {
			s.log.Debug("dropping invocation, session closed", zap.Uint64("callback", ev.Callback))
		}
	default:
		s.log.Warn("unknown event kind", zap.String("kind", string(ev.Kind)))
	}
}

// call performs one synchronous round trip and maps failures.
func (s *Session) call(ctx context.Context, msg *wire.Message) (*wire.Reply, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	reply, err := s.conn.Call(ctx, msg)
	if err != nil {
		return nil, err
	}
	if err := replyError(msg, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// await registers a correlation id, issues msg and waits for its
// completion.
func (s *Session) await(ctx context.Context, msg *wire.Message) (any, error) {
	id := s.pending.nextID()
	call, err := s.pending.register(id, msg.Op, msg.Name)
	if err != nil {
		return nil, err
	}
	if s.closed.Load() {
		s.pending.remove(id)
		return nil, ErrClosed
	}
	msg.Correlation = id

	if _, err := s.call(ctx, msg); err != nil {
		s.pending.remove(id)
		return nil, err
	}
	return s.pending.wait(ctx, call)
}

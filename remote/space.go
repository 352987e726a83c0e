// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sync"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luxfi/bridge/internal/queue"
	"github.com/luxfi/bridge/wire"
)

var (
	// ErrAttached is returned by Attach when a sink is already installed.
	ErrAttached = errors.New("remote: event sink already attached")
	// ErrClosed is returned once the space is closed.
	ErrClosed = errors.New("remote: space closed")
)

// Option configures a Space.
type Option func(*options)

type options struct {
	log     *zap.Logger
	modules map[string]string
	fsys    fs.FS
	scripts []string
}

// WithLogger sets the space logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithModule makes src importable under name.
func WithModule(name, src string) Option {
	return func(o *options) { o.modules[name] = src }
}

// WithModuleFS resolves imports not registered with WithModule from fsys.
func WithModuleFS(fsys fs.FS) Option {
	return func(o *options) { o.fsys = fsys }
}

// WithScript evaluates src when the space is created.
func WithScript(src string) Option {
	return func(o *options) { o.scripts = append(o.scripts, src) }
}

// Space is a dynamically-typed object space reachable through handles.
// It is safe for concurrent use: every operation runs under one lock, the
// way a single-threaded script runtime would run it.
type Space struct {
	id  string
	log *zap.Logger

	mu        sync.Mutex
	vm        *goja.Runtime
	reg       *Registry
	stringify goja.Callable
	stubs     map[uint64]*stub
	args      map[uint64][]goja.Value
	nextArgs  uint64
	modules   map[string]string
	fsys      fs.FS
	closed    bool

	events    *queue.Queue[*wire.Event]
	delivered chan struct{}

	sinkMu  sync.RWMutex
	sink    wire.Sink
	sinkGen uint64
}

// New creates a space and runs any bootstrap scripts.
func New(opts ...Option) (*Space, error) {
	o := &options{modules: make(map[string]string)}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}

	vm := goja.New()
	s := &Space{
		id:        uuid.NewString(),
		vm:        vm,
		reg:       NewRegistry(vm.GlobalObject()),
		stubs:     make(map[uint64]*stub),
		args:      make(map[uint64][]goja.Value),
		modules:   o.modules,
		fsys:      o.fsys,
		events:    queue.New[*wire.Event](),
		delivered: make(chan struct{}),
	}
	s.log = o.log.With(zap.String("space", s.id))

	stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return nil, errors.New("remote: JSON.stringify unavailable")
	}
	s.stringify = stringify

	for i, src := range o.scripts {
		if _, err := vm.RunScript(fmt.Sprintf("bootstrap%d.js", i), src); err != nil {
			return nil, fmt.Errorf("remote: bootstrap script %d: %s", i, errorText(err))
		}
	}

	go s.deliver()
	return s, nil
}

// ID returns the space identifier used in logs.
func (s *Space) ID() string {
	return s.id
}

// Attach installs the event sink. Only one sink may be attached at a time;
// detach removes it.
func (s *Space) Attach(sink wire.Sink) (detach func(), err error) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	if s.sink != nil {
		return nil, ErrAttached
	}
	s.sink = sink
	s.sinkGen++
	gen := s.sinkGen
	return func() {
		s.sinkMu.Lock()
		defer s.sinkMu.Unlock()
		if s.sinkGen == gen {
			s.sink = nil
		}
	}, nil
}

// Eval runs src in the global scope and returns its exported result.
func (s *Space) Eval(src string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	var out any
	err := s.guard(func() error {
		v, err := s.vm.RunString(src)
		if err != nil {
			return err
		}
		out, err = s.export(v)
		return err
	})
	if err != nil {
		return nil, errors.New(errorText(err))
	}
	return out, nil
}

// Run calls fn with exclusive access to the runtime.
func (s *Space) Run(fn func(vm *goja.Runtime) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.guard(func() error { return fn(s.vm) })
}

// Len returns the number of bound handles, the global handle included.
func (s *Space) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.Len()
}

// Bound reports whether h is registered.
func (s *Space) Bound(h wire.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reg.Lookup(h)
	return ok
}

// Close releases every handle and stops event delivery. Queued events are
// still delivered before Close returns.
func (s *Space) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if live := s.liveHandles(); len(live) > 0 {
		s.log.Debug("closing with live handles", zap.Uint64s("handles", live))
	}
	s.reg.reset()
	s.stubs = make(map[uint64]*stub)
	s.args = make(map[uint64][]goja.Value)
	s.mu.Unlock()

	s.events.Close()
	<-s.delivered
	return nil
}

// liveHandles lists the bound handles other than the global scope, in
// ascending order. Callers hold s.mu.
func (s *Space) liveHandles() []uint64 {
	var live []uint64
	s.reg.Each(func(h wire.Handle, _ goja.Value) bool {
		if h != wire.GlobalHandle {
			live = append(live, uint64(h))
		}
		return true
	})
	slices.Sort(live)
	return live
}

// emit queues ev for delivery. Callers hold s.mu.
func (s *Space) emit(ev *wire.Event) {
	if !s.events.Push(ev) {
		s.log.Debug("event dropped, space closed", zap.String("kind", string(ev.Kind)))
	}
}

func (s *Space) deliver() {
	defer close(s.delivered)
	for {
		ev, err := s.events.Pop(context.Background())
		if err != nil {
			return
		}

		s.sinkMu.RLock()
		sink := s.sink
		s.sinkMu.RUnlock()

		if sink == nil {
			s.log.Warn("event dropped, no sink attached",
				zap.String("kind", string(ev.Kind)),
				zap.Uint64("correlation", ev.Correlation),
				zap.Uint64("callback", ev.Callback),
			)
			continue
		}
		sink(ev)
	}
}

// guard turns script exceptions escaping outside a wrapped call into errors.
func (s *Space) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch x := r.(type) {
			case *goja.Exception:
				err = x
			case error:
				err = x
			default:
				err = fmt.Errorf("panic: %v", r)
			}
		}
	}()
	return fn()
}

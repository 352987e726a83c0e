// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"sync"

	"github.com/luxfi/bridge/wire"
)

// pipeConn enters an in-process Endpoint directly. Every Call runs the
// remote operation on the calling goroutine, so it must not be issued from
// code the endpoint itself is running.
type pipeConn struct {
	ep Endpoint

	mu     sync.Mutex
	detach func()
	closed bool
	done   chan struct{}
}

// Pipe returns a fast lane Conn to an in-process endpoint.
func Pipe(ep Endpoint) Conn {
	return &pipeConn{ep: ep, done: make(chan struct{})}
}

func (p *pipeConn) Lane() Lane { return LaneFast }

func (p *pipeConn) Call(ctx context.Context, msg *wire.Message) (*wire.Reply, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	return p.ep.Serve(ctx, msg), nil
}

func (p *pipeConn) Notify(ctx context.Context, msg *wire.Message) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.ep.Serve(ctx, msg)
	return nil
}

func (p *pipeConn) check(ctx context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (p *pipeConn) SetEventHandler(h EventHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.detach != nil {
		p.detach()
		p.detach = nil
	}
	detach, err := p.ep.Attach(wire.Sink(h))
	if err != nil {
		return err
	}
	p.detach = detach
	return nil
}

func (p *pipeConn) Done() <-chan struct{} { return p.done }

func (p *pipeConn) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	if p.detach != nil {
		p.detach()
		p.detach = nil
	}
	return nil
}

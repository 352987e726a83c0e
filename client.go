// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"

	"github.com/luxfi/bridge/wire"
)

//go:generate mockgen -source=client.go -destination=mock_conn_test.go -package=bridge

// Lane tells whether a connection enters the remote side synchronously.
type Lane uint8

const (
	// LaneGeneric crosses a scheduling boundary. Results of awaited calls
	// arrive as completion events.
	LaneGeneric Lane = iota
	// LaneFast runs the remote operation on the calling goroutine.
	LaneFast
)

func (l Lane) String() string {
	if l == LaneFast {
		return "fast lane"
	}
	return "generic lane"
}

// EventHandler receives remote to host events. It is called from the
// connection's receive path and must not block.
type EventHandler func(ev *wire.Event)

// Conn is the host end of a boundary. All session traffic goes through it.
type Conn interface {
	// Lane reports how the connection reaches the remote side
	Lane() Lane

	// Call sends msg and waits for its immediate reply
	Call(ctx context.Context, msg *wire.Message) (*wire.Reply, error)

	// Notify sends msg without waiting for a reply
	Notify(ctx context.Context, msg *wire.Message) error

	// SetEventHandler starts delivery of remote events to h
	SetEventHandler(h EventHandler) error

	// Done is closed once the connection can carry no more traffic,
	// whether it was closed locally or lost
	Done() <-chan struct{}

	// Close closes the connection
	Close() error
}

// Endpoint is the remote end of a boundary. *remote.Space implements it.
type Endpoint interface {
	// Serve executes one operation
	Serve(ctx context.Context, msg *wire.Message) *wire.Reply

	// Attach installs the single event sink
	Attach(sink wire.Sink) (detach func(), err error)
}

// Server exposes an Endpoint over a network transport.
type Server interface {
	// Serve starts serving requests (blocks until context cancelled)
	Serve(ctx context.Context) error

	// Close stops the server
	Close() error

	// Addr returns the server's listen address
	Addr() string
}

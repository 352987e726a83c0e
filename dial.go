// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"fmt"
)

// Dial connects to a remote endpoint served by Listen and starts a session
// over it. The transport defaults to ZAP.
func Dial(ctx context.Context, addr string, opts ...Option) (*Session, error) {
	c, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	t, ok := lookupTransport(c.Transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", c.Transport)
	}

	conn, err := t.dial(ctx, addr, c)
	if err != nil {
		return nil, err
	}
	s, err := newSession(conn, c)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Listen exposes ep on addr using the configured transport (ZAP by default).
// Call Serve on the result to start accepting connections.
func Listen(addr string, ep Endpoint, opts ...Option) (Server, error) {
	c, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	t, ok := lookupTransport(c.Transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", c.Transport)
	}
	return t.listen(addr, ep, c)
}

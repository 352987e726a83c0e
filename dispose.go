// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"runtime"

	"go.uber.org/zap"

	"github.com/luxfi/bridge/wire"
)

// newProxy wraps a freshly bound handle. If the proxy becomes unreachable
// without Close, a cleanup releases the handle remotely.
func (s *Session) newProxy(h wire.Handle) *Proxy {
	p := &Proxy{sess: s, handle: h}
	p.cleanup = runtime.AddCleanup(p, s.releaseAsync, h)
	return p
}

// Close releases the remote handle. Further operations on p fail with
// InvalidReferenceError. Release failures are logged, not returned. Closing
// the global proxy is a no-op.
func (p *Proxy) Close() error {
	if p.handle == wire.GlobalHandle {
		return nil
	}
	if p.released.Swap(true) {
		return nil
	}
	p.cleanup.Stop()
	p.sess.release(p.handle)
	return nil
}

// Released reports whether Close was called.
func (p *Proxy) Released() bool {
	return p.released.Load()
}

// release sends DeleteHandle without waiting for a reply.
func (s *Session) release(h wire.Handle) {
	if h == wire.GlobalHandle || s.closed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReleaseTimeout)
	defer cancel()
	if err := s.conn.Notify(ctx, &wire.Message{Op: wire.OpDeleteHandle, Handle: h}); err != nil {
		s.log.Debug("release failed", zap.Stringer("handle", h), zap.Error(err))
	}
}

// releaseAsync runs from a cleanup, which must not block.
func (s *Session) releaseAsync(h wire.Handle) {
	if s.closed.Load() {
		return
	}
	go s.release(h)
}

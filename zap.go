// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// netStream carries frames over a net.Conn.
type netStream struct {
	conn         net.Conn
	writeMu      sync.Mutex
	maxFrame     int
	writeTimeout time.Duration
}

func newNetStream(conn net.Conn, c *Config) *netStream {
	return &netStream{
		conn:         conn,
		maxFrame:     c.MaxFrameSize,
		writeTimeout: c.WriteTimeout,
	}
}

func (s *netStream) Send(f *frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := writeFrame(s.conn, f, s.maxFrame); err != nil {
		return fmt.Errorf("zap write: %w", err)
	}
	return nil
}

func (s *netStream) Recv() (*frame, error) {
	return readFrame(s.conn, s.maxFrame)
}

func (s *netStream) Close() error {
	return s.conn.Close()
}

// dialZAP connects over TCP
func dialZAP(ctx context.Context, addr string, c *Config) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("zap dial: %w", err)
	}
	log := c.Logger.With(zap.String("transport", TransportZAP), zap.String("addr", addr))
	return newStreamConn(newNetStream(conn, c), c.codec(), log), nil
}

// listenZAP creates a ZAP server
func listenZAP(addr string, ep Endpoint, c *Config) (Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return newZAPServer(listener, ep, c), nil
}

// ZAPServer serves an Endpoint to hosts connecting over TCP. The endpoint
// accepts one event sink at a time, so a second concurrent host is
// disconnected.
type ZAPServer struct {
	listener net.Listener
	ep       Endpoint
	cfg      *Config
	log      *zap.Logger
	conns    sync.Map
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// NewZAPServer serves ep on an existing listener.
func NewZAPServer(listener net.Listener, ep Endpoint, opts ...Option) (*ZAPServer, error) {
	c, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	return newZAPServer(listener, ep, c), nil
}

func newZAPServer(listener net.Listener, ep Endpoint, c *Config) *ZAPServer {
	return &ZAPServer{
		listener: listener,
		ep:       ep,
		cfg:      c,
		log:      c.Logger.With(zap.String("transport", TransportZAP), zap.Stringer("listen", listener.Addr())),
	}
}

// Serve accepts connections until ctx is done or Close is called.
func (s *ZAPServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Debug("accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *ZAPServer) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	s.conns.Store(conn, struct{}{})
	defer s.conns.Delete(conn)

	log := s.log.With(zap.Stringer("peer", conn.RemoteAddr()))
	log.Debug("host connected")
	if err := serveStream(ctx, newNetStream(conn, s.cfg), s.ep, s.cfg.codec(), log); err != nil {
		log.Warn("session ended", zap.Error(err))
		return
	}
	log.Debug("host disconnected")
}

// Close closes the server
func (s *ZAPServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.conns.Range(func(key, _ any) bool {
		key.(net.Conn).Close()
		return true
	})
	return s.listener.Close()
}

// Addr returns the listener address
func (s *ZAPServer) Addr() string {
	return s.listener.Addr().String()
}

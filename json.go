// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	rpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"

	"github.com/luxfi/bridge/internal/queue"
	"github.com/luxfi/bridge/wire"
)

// JSONPath is where Listen mounts the JSON-RPC handler.
const JSONPath = "/rpc"

var errNoSession = errors.New("no open session")

func init() {
	registerTransport(TransportJSON, dialJSON, listenJSON)
}

// OpenArgs are the arguments of Bridge.Open.
type OpenArgs struct{}

// OpenReply carries the id of the session Bridge.Open created.
type OpenReply struct {
	Session string `json:"session"`
}

// SessionArgs identify the session a request belongs to.
type SessionArgs struct {
	Session string `json:"session"`
}

// CloseReply is the empty result of Bridge.Close.
type CloseReply struct{}

// DispatchArgs carry one operation for Bridge.Dispatch.
type DispatchArgs struct {
	Session string        `json:"session"`
	Message *wire.Message `json:"message"`
}

// EventsReply is the result of the Bridge.Events long poll. Closed is set
// once the endpoint will produce no more events.
type EventsReply struct {
	Events []*wire.Event `json:"events,omitempty"`
	Closed bool          `json:"closed,omitempty"`
}

// jsonService is registered with gorilla/rpc as "Bridge".
type jsonService struct {
	ep  Endpoint
	cfg *Config
	log *zap.Logger

	mu      sync.Mutex
	session string
	events  *queue.Queue[*wire.Event]
	detach  func()
}

func (s *jsonService) Open(r *http.Request, args *OpenArgs, reply *OpenReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != "" {
		return errors.New("session already open")
	}
	events := queue.New[*wire.Event]()
	detach, err := s.ep.Attach(func(ev *wire.Event) {
		if !events.Push(ev) {
			s.log.Debug("event dropped, session closed", zap.String("kind", string(ev.Kind)))
		}
	})
	if err != nil {
		return err
	}
	s.session = uuid.NewString()
	s.events = events
	s.detach = detach
	reply.Session = s.session
	s.log.Debug("session opened", zap.String("session", s.session), zap.String("peer", r.RemoteAddr))
	return nil
}

func (s *jsonService) Close(r *http.Request, args *SessionArgs, reply *CloseReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == "" || s.session != args.Session {
		return errNoSession
	}
	s.closeLocked()
	return nil
}

func (s *jsonService) closeLocked() {
	if s.session == "" {
		return
	}
	s.detach()
	s.events.Close()
	s.log.Debug("session closed", zap.String("session", s.session))
	s.session = ""
	s.detach = nil
}

func (s *jsonService) current(session string) (*queue.Queue[*wire.Event], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == "" || s.session != session {
		return nil, errNoSession
	}
	return s.events, nil
}

func (s *jsonService) Dispatch(r *http.Request, args *DispatchArgs, reply *wire.Reply) error {
	if _, err := s.current(args.Session); err != nil {
		return err
	}
	switch {
	case args.Message == nil:
		*reply = *wire.Fail(wire.CodeProtocol, "missing message")
	case args.Message.Op.FastLaneOnly():
		*reply = *wire.Fail(wire.CodeUnsupported, "%s is not available over a network transport", args.Message.Op)
	default:
		*reply = *s.ep.Serve(r.Context(), args.Message)
	}
	return nil
}

// Events blocks until at least one event is queued or EventWait passes.
func (s *jsonService) Events(r *http.Request, args *SessionArgs, reply *EventsReply) error {
	events, err := s.current(args.Session)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.EventWait)
	defer cancel()

	ev, err := events.Pop(ctx)
	switch {
	case err == nil:
		reply.Events = append(reply.Events, ev)
		if s.cfg.EventBatch > 1 {
			reply.Events = append(reply.Events, events.Drain(s.cfg.EventBatch-1)...)
		}
	case errors.Is(err, queue.ErrClosed):
		reply.Closed = true
	case errors.Is(err, context.DeadlineExceeded):
	default:
		return err
	}
	return nil
}

// JSONHandler serves an Endpoint as JSON-RPC 2.0 over HTTP.
type JSONHandler struct {
	server  *rpc.Server
	service *jsonService
}

// NewJSONHandler returns an http.Handler exposing ep under the service
// name "Bridge".
func NewJSONHandler(ep Endpoint, opts ...Option) (*JSONHandler, error) {
	c, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	return newJSONHandler(ep, c)
}

func newJSONHandler(ep Endpoint, c *Config) (*JSONHandler, error) {
	svc := &jsonService{
		ep:  ep,
		cfg: c,
		log: c.Logger.With(zap.String("transport", TransportJSON)),
	}
	server := rpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	if err := server.RegisterService(svc, "Bridge"); err != nil {
		return nil, err
	}
	return &JSONHandler{server: server, service: svc}, nil
}

func (h *JSONHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.server.ServeHTTP(w, r)
}

// Close ends the open session, if any. Pending Events requests return
// with Closed set.
func (h *JSONHandler) Close() error {
	h.service.mu.Lock()
	defer h.service.mu.Unlock()
	h.service.closeLocked()
	return nil
}

func listenJSON(addr string, ep Endpoint, c *Config) (Server, error) {
	handler, err := newJSONHandler(ep, c)
	if err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle(JSONPath, handler)
	return &jsonServer{
		listener: listener,
		handler:  handler,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// jsonServer implements Server over net/http
type jsonServer struct {
	listener net.Listener
	handler  *JSONHandler
	server   *http.Server
}

func (s *jsonServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *jsonServer) Close() error {
	s.handler.Close()
	return s.server.Close()
}

func (s *jsonServer) Addr() string {
	return s.listener.Addr().String()
}

// cleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func cleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// jsonURL turns "host:port" into the default endpoint URL and leaves full
// URLs untouched.
func jsonURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr + JSONPath
}

// jsonConn is the host side of the JSON-RPC transport. Remote events are
// fetched by one outstanding Bridge.Events request at a time.
type jsonConn struct {
	url     string
	client  *http.Client
	session string
	cfg     *Config
	log     *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
	pollDone chan struct{}

	handlerMu sync.RWMutex
	handler   EventHandler
}

func dialJSON(ctx context.Context, addr string, c *Config) (Conn, error) {
	pollCtx, cancel := context.WithCancel(context.Background())
	conn := &jsonConn{
		url:      jsonURL(addr),
		client:   &http.Client{},
		cfg:      c,
		ctx:      pollCtx,
		cancel:   cancel,
		pollDone: make(chan struct{}),
	}

	var open OpenReply
	if err := conn.send(ctx, "Bridge.Open", &OpenArgs{}, &open); err != nil {
		cancel()
		return nil, fmt.Errorf("json dial: %w", err)
	}
	conn.session = open.Session
	conn.log = c.Logger.With(
		zap.String("transport", TransportJSON),
		zap.String("url", conn.url),
		zap.String("session", open.Session),
	)
	go conn.poll()
	return conn, nil
}

func (c *jsonConn) send(ctx context.Context, method string, args, reply any) error {
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("failed to issue request: %w", err)
	}
	defer cleanlyCloseBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("received status code: %d", resp.StatusCode)
	}
	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		var rpcErr *json2.Error
		if errors.As(err, &rpcErr) {
			return &ProtocolError{Text: rpcErr.Message}
		}
		return fmt.Errorf("failed to decode client response: %w", err)
	}
	return nil
}

func (c *jsonConn) Lane() Lane { return LaneGeneric }

func (c *jsonConn) Call(ctx context.Context, msg *wire.Message) (*wire.Reply, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	reply := new(wire.Reply)
	if err := c.send(ctx, "Bridge.Dispatch", &DispatchArgs{Session: c.session, Message: msg}, reply); err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			pe.Op = msg.Op
		}
		return nil, err
	}
	return reply, nil
}

func (c *jsonConn) Notify(ctx context.Context, msg *wire.Message) error {
	reply, err := c.Call(ctx, msg)
	if err != nil {
		return err
	}
	if reply.Failed() {
		c.log.Debug("notification failed",
			zap.String("op", string(msg.Op)),
			zap.String("error", reply.Error),
		)
	}
	return nil
}

func (c *jsonConn) SetEventHandler(h EventHandler) error {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = h
	return nil
}

func (c *jsonConn) Done() <-chan struct{} { return c.pollDone }

func (c *jsonConn) poll() {
	defer close(c.pollDone)

	for {
		var reply EventsReply
		if err := c.send(c.ctx, "Bridge.Events", &SessionArgs{Session: c.session}, &reply); err != nil {
			if c.ctx.Err() == nil {
				c.log.Warn("event stream stopped", zap.Error(err))
			}
			return
		}

		c.handlerMu.RLock()
		h := c.handler
		c.handlerMu.RUnlock()
		for _, ev := range reply.Events {
			if h == nil {
				c.log.Warn("dropping event, no handler", zap.String("kind", string(ev.Kind)))
				continue
			}
			h(ev)
		}
		if reply.Closed {
			return
		}
	}
}

func (c *jsonConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReleaseTimeout)
	defer cancel()
	err := c.send(ctx, "Bridge.Close", &SessionArgs{Session: c.session}, &CloseReply{})

	c.cancel()
	<-c.pollDone
	return err
}

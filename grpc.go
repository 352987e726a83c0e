// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

const (
	grpcServiceName   = "luxfi.bridge.Bridge"
	grpcSessionMethod = "/" + grpcServiceName + "/Session"

	// frameCodecName is the gRPC content subtype carrying raw ZAP frames.
	frameCodecName = "zapframe"
)

func init() {
	encoding.RegisterCodec(frameCodec{})
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}

// frameCodec lets a gRPC stream carry *frame messages without protobuf.
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("zapframe: cannot marshal %T", v)
	}
	return f.marshalBody()
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("zapframe: cannot unmarshal into %T", v)
	}
	return f.unmarshalBody(bytes.Clone(data))
}

func (frameCodec) Name() string { return frameCodecName }

type grpcSessionServer interface {
	session(stream grpc.ServerStream) error
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(grpcSessionServer).session(stream)
}

var bridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*grpcSessionServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "bridge.proto",
}

type grpcService struct {
	ep  Endpoint
	cfg *Config
	log *zap.Logger
}

func (s *grpcService) session(stream grpc.ServerStream) error {
	s.log.Debug("host connected")
	return serveStream(stream.Context(), &grpcServerStream{stream: stream}, s.ep, s.cfg.codec(), s.log)
}

// RegisterGRPC registers ep on an existing gRPC server.
func RegisterGRPC(gs *grpc.Server, ep Endpoint, opts ...Option) error {
	c, err := NewConfig(opts...)
	if err != nil {
		return err
	}
	registerGRPC(gs, ep, c)
	return nil
}

func registerGRPC(gs *grpc.Server, ep Endpoint, c *Config) {
	gs.RegisterService(&bridgeServiceDesc, &grpcService{
		ep:  ep,
		cfg: c,
		log: c.Logger.With(zap.String("transport", TransportGRPC)),
	})
}

type grpcServerStream struct {
	stream grpc.ServerStream
	mu     sync.Mutex
}

func (s *grpcServerStream) Send(f *frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.SendMsg(f)
}

func (s *grpcServerStream) Recv() (*frame, error) {
	f := new(frame)
	if err := s.stream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Close is a no-op; the stream ends when the handler returns.
func (s *grpcServerStream) Close() error { return nil }

type grpcClientStream struct {
	stream grpc.ClientStream
	mu     sync.Mutex
	cancel context.CancelFunc
	cc     *grpc.ClientConn
}

func (s *grpcClientStream) Send(f *frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.SendMsg(f)
}

func (s *grpcClientStream) Recv() (*frame, error) {
	f := new(frame)
	if err := s.stream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *grpcClientStream) Close() error {
	s.mu.Lock()
	err := s.stream.CloseSend()
	s.mu.Unlock()
	s.cancel()
	if s.cc != nil {
		if cerr := s.cc.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func dialGRPC(ctx context.Context, addr string, c *Config) (Conn, error) {
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.MaxFrameSize),
			grpc.MaxCallSendMsgSize(c.MaxFrameSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	conn, err := newGRPCConn(ctx, cc, c, true)
	if err != nil {
		cc.Close()
		return nil, err
	}
	return conn, nil
}

// NewGRPCConn opens a session stream on an existing client connection.
// Closing the returned Conn ends the stream but leaves cc open.
func NewGRPCConn(ctx context.Context, cc *grpc.ClientConn, opts ...Option) (Conn, error) {
	c, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	return newGRPCConn(ctx, cc, c, false)
}

func newGRPCConn(ctx context.Context, cc *grpc.ClientConn, c *Config, owned bool) (Conn, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := cc.NewStream(streamCtx, &bridgeServiceDesc.Streams[0], grpcSessionMethod,
		grpc.CallContentSubtype(frameCodecName),
	)
	if !stop() {
		cancel()
		return nil, fmt.Errorf("grpc session stream: %w", ctx.Err())
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("grpc session stream: %w", err)
	}

	cs := &grpcClientStream{stream: stream, cancel: cancel}
	if owned {
		cs.cc = cc
	}
	log := c.Logger.With(zap.String("transport", TransportGRPC), zap.String("target", cc.Target()))
	return newStreamConn(cs, c.codec(), log), nil
}

func listenGRPC(addr string, ep Endpoint, c *Config) (Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(c.MaxFrameSize),
		grpc.MaxSendMsgSize(c.MaxFrameSize),
	)
	registerGRPC(gs, ep, c)
	return &grpcServer{listener: listener, server: gs}, nil
}

// grpcServer implements Server using a dedicated grpc.Server
type grpcServer struct {
	listener net.Listener
	server   *grpc.Server
}

func (s *grpcServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.server.Stop)
	defer stop()
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *grpcServer) Close() error {
	s.server.Stop()
	return nil
}

func (s *grpcServer) Addr() string {
	return s.listener.Addr().String()
}

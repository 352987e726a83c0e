// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/bridge/internal/queue"
	"github.com/luxfi/bridge/wire"
)

var errStreamDone = errors.New("stream done")

// frameStream carries ZAP frames in both directions. Send is safe for
// concurrent use; Recv is called from one goroutine.
type frameStream interface {
	Send(f *frame) error
	Recv() (*frame, error)
	Close() error
}

// streamConn is the host side Conn for any frameStream. Responses are
// matched to callers by request id; events go to the handler.
type streamConn struct {
	stream frameStream
	codec  Codec
	log    *zap.Logger

	pending  sync.Map // requestID -> chan *frame
	nextID   atomic.Uint32
	closed   atomic.Bool
	readDone chan struct{}

	handlerMu sync.RWMutex
	handler   EventHandler
}

func newStreamConn(stream frameStream, codec Codec, log *zap.Logger) *streamConn {
	c := &streamConn{
		stream:   stream,
		codec:    codec,
		log:      log,
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *streamConn) Lane() Lane { return LaneGeneric }

func (c *streamConn) Call(ctx context.Context, msg *wire.Message) (*wire.Reply, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	payload, err := c.codec.Encode(msg)
	if err != nil {
		return nil, protocolErrorf(msg.Op, "encode message: %v", err)
	}

	requestID := c.nextID.Add(1)
	respCh := make(chan *frame, 1)
	c.pending.Store(requestID, respCh)
	defer c.pending.Delete(requestID)

	if err := c.stream.Send(&frame{Type: MsgRequest, ID: requestID, Method: string(msg.Op), Payload: payload}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		if resp.Type == MsgError {
			return nil, &ProtocolError{Op: msg.Op, Text: string(resp.Payload)}
		}
		reply := new(wire.Reply)
		if err := c.codec.Decode(resp.Payload, reply); err != nil {
			return nil, protocolErrorf(msg.Op, "decode reply: %v", err)
		}
		return reply, nil
	case <-c.readDone:
		return nil, ErrClosed
	}
}

func (c *streamConn) Notify(_ context.Context, msg *wire.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	payload, err := c.codec.Encode(msg)
	if err != nil {
		return protocolErrorf(msg.Op, "encode message: %v", err)
	}
	return c.stream.Send(&frame{Type: MsgNotify, Method: string(msg.Op), Payload: payload})
}

func (c *streamConn) SetEventHandler(h EventHandler) error {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = h
	return nil
}

func (c *streamConn) readLoop() {
	defer close(c.readDone)

	for {
		f, err := c.stream.Recv()
		if err != nil {
			if !c.closed.Load() && !errors.Is(err, io.EOF) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}

		switch f.Type {
		case MsgResponse, MsgError:
			ch, ok := c.pending.Load(f.ID)
			if !ok {
				c.log.Debug("response for unknown request", zap.Uint32("id", f.ID))
				continue
			}
			select {
			case ch.(chan *frame) <- f:
			default:
			}
		case MsgEvent:
			ev := new(wire.Event)
			if err := c.codec.Decode(f.Payload, ev); err != nil {
				c.log.Warn("dropping undecodable event", zap.Error(err))
				continue
			}
			c.handlerMu.RLock()
			h := c.handler
			c.handlerMu.RUnlock()
			if h == nil {
				c.log.Warn("dropping event, no handler", zap.String("kind", string(ev.Kind)))
				continue
			}
			h(ev)
		default:
			c.log.Debug("unexpected frame", zap.Stringer("type", f.Type))
		}
	}
}

func (c *streamConn) Done() <-chan struct{} { return c.readDone }

func (c *streamConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.stream.Close()
}

// serveStream runs ep for one connected host until the stream ends or ctx
// is done. Requests are served one at a time in arrival order; events are
// written as the endpoint produces them.
func serveStream(ctx context.Context, stream frameStream, ep Endpoint, codec Codec, log *zap.Logger) error {
	detach, err := ep.Attach(func(ev *wire.Event) {
		payload, err := codec.Encode(ev)
		if err != nil {
			log.Warn("encode event failed", zap.Error(err))
			return
		}
		if err := stream.Send(&frame{Type: MsgEvent, Payload: payload}); err != nil {
			log.Debug("send event failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	defer detach()

	requests := queue.New[*frame]()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer requests.Close()
		for {
			f, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					return errStreamDone
				}
				return err
			}
			switch f.Type {
			case MsgRequest, MsgNotify:
				requests.Push(f)
			default:
				log.Debug("unexpected frame", zap.Stringer("type", f.Type))
			}
		}
	})

	g.Go(func() error {
		for {
			f, err := requests.Pop(ctx)
			if err != nil {
				return nil
			}
			serveFrame(ctx, stream, ep, codec, log, f)
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		if err := stream.Close(); err != nil {
			log.Debug("close stream", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, errStreamDone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveFrame(ctx context.Context, stream frameStream, ep Endpoint, codec Codec, log *zap.Logger, f *frame) {
	respond := func(t MessageType, payload []byte) {
		if f.Type != MsgRequest {
			return
		}
		if err := stream.Send(&frame{Type: t, ID: f.ID, Payload: payload}); err != nil {
			log.Debug("send response failed", zap.Uint32("id", f.ID), zap.Error(err))
		}
	}

	msg := new(wire.Message)
	if err := codec.Decode(f.Payload, msg); err != nil {
		log.Warn("undecodable request", zap.String("method", f.Method), zap.Error(err))
		respond(MsgError, []byte("decode message: "+err.Error()))
		return
	}

	var reply *wire.Reply
	if msg.Op.FastLaneOnly() {
		reply = wire.Fail(wire.CodeUnsupported, "%s is not available over a network transport", msg.Op)
	} else {
		reply = ep.Serve(ctx, msg)
	}
	if f.Type == MsgNotify {
		if reply.Failed() {
			log.Debug("notification failed",
				zap.String("op", string(msg.Op)),
				zap.Stringer("handle", msg.Handle),
				zap.String("error", reply.Error),
			)
		}
		return
	}

	payload, err := codec.Encode(reply)
	if err != nil {
		respond(MsgError, []byte("encode reply: "+err.Error()))
		return
	}
	respond(MsgResponse, payload)
}

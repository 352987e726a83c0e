// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	ErrFrameTooLarge = errors.New("zap: frame too large")
	errShortFrame    = errors.New("zap: short frame")
)

// MessageType identifies ZAP message types
type MessageType uint8

const (
	MsgRequest  MessageType = 0x01
	MsgResponse MessageType = 0x02
	MsgError    MessageType = 0x03
	MsgNotify   MessageType = 0x04
	MsgEvent    MessageType = 0x05
)

func (t MessageType) String() string {
	switch t {
	case MsgRequest:
		return "request"
	case MsgResponse:
		return "response"
	case MsgError:
		return "error"
	case MsgNotify:
		return "notify"
	case MsgEvent:
		return "event"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// frame is one ZAP message. Body layout by type, after the 4 byte length:
//
//	request          [1 type][4 reqID][2 methodLen][method][payload]
//	response, error  [1 type][4 reqID][payload]
//	notify           [1 type][2 methodLen][method][payload]
//	event            [1 type][payload]
type frame struct {
	Type    MessageType
	ID      uint32
	Method  string
	Payload []byte
}

func (f *frame) size() int {
	switch f.Type {
	case MsgRequest:
		return 1 + 4 + 2 + len(f.Method) + len(f.Payload)
	case MsgResponse, MsgError:
		return 1 + 4 + len(f.Payload)
	case MsgNotify:
		return 1 + 2 + len(f.Method) + len(f.Payload)
	default:
		return 1 + len(f.Payload)
	}
}

// marshalBody encodes f without the length prefix.
func (f *frame) marshalBody() ([]byte, error) {
	if len(f.Method) > math.MaxUint16 {
		return nil, fmt.Errorf("zap: method name too long (%d bytes)", len(f.Method))
	}
	buf := make([]byte, f.size())
	buf[0] = byte(f.Type)
	off := 1
	switch f.Type {
	case MsgRequest, MsgResponse, MsgError:
		binary.BigEndian.PutUint32(buf[off:off+4], f.ID)
		off += 4
	}
	switch f.Type {
	case MsgRequest, MsgNotify:
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(f.Method)))
		off += 2
		off += copy(buf[off:], f.Method)
	}
	copy(buf[off:], f.Payload)
	return buf, nil
}

// unmarshalBody parses a body produced by marshalBody.
func (f *frame) unmarshalBody(msg []byte) error {
	if len(msg) < 1 {
		return errShortFrame
	}
	*f = frame{Type: MessageType(msg[0])}
	rest := msg[1:]

	switch f.Type {
	case MsgRequest, MsgResponse, MsgError:
		if len(rest) < 4 {
			return errShortFrame
		}
		f.ID = binary.BigEndian.Uint32(rest[0:4])
		rest = rest[4:]
	case MsgNotify, MsgEvent:
	default:
		return fmt.Errorf("zap: unknown message type %d", msg[0])
	}

	switch f.Type {
	case MsgRequest, MsgNotify:
		if len(rest) < 2 {
			return errShortFrame
		}
		methodLen := int(binary.BigEndian.Uint16(rest[0:2]))
		rest = rest[2:]
		if len(rest) < methodLen {
			return errShortFrame
		}
		f.Method = string(rest[:methodLen])
		rest = rest[methodLen:]
	}
	f.Payload = rest
	return nil
}

// writeFrame writes the length prefixed frame in a single Write.
func writeFrame(w io.Writer, f *frame, max int) error {
	n := f.size()
	if n > max {
		return ErrFrameTooLarge
	}
	body, err := f.marshalBody()
	if err != nil {
		return err
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

// readFrame reads one length prefixed frame.
func readFrame(r io.Reader, max int) (*frame, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	msgLen := binary.BigEndian.Uint32(header)
	if msgLen == 0 {
		return nil, errShortFrame
	}
	if int64(msgLen) > int64(max) {
		return nil, ErrFrameTooLarge
	}

	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	f := new(frame)
	if err := f.unmarshalBody(msg); err != nil {
		return nil, err
	}
	return f, nil
}

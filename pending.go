// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/luxfi/bridge/wire"
)

const (
	callWaiting int32 = iota
	callSettled
)

// pendingCall is one outstanding awaited operation. done is closed exactly
// once, after value/errText/err are set.
type pendingCall struct {
	id      uint64
	op      wire.Op
	name    string
	state   atomic.Int32
	done    chan struct{}
	value   any
	errText string
	err     error
}

func (c *pendingCall) settle(value any, errText string, err error) bool {
	if !c.state.CompareAndSwap(callWaiting, callSettled) {
		return false
	}
	c.value, c.errText, c.err = value, errText, err
	close(c.done)
	return true
}

// pendingTable is the correlation bridge: it parks awaited callers by
// correlation id and releases them when the matching completion arrives.
// Nothing polls; each caller blocks on its own channel.
type pendingTable struct {
	next  atomic.Uint64
	calls sync.Map // correlation id -> *pendingCall
	count atomic.Int64
}

// nextID returns a fresh, never zero correlation id.
func (t *pendingTable) nextID() uint64 {
	return t.next.Add(1)
}

// register parks a new waiter under id.
func (t *pendingTable) register(id uint64, op wire.Op, name string) (*pendingCall, error) {
	if id == 0 {
		return nil, protocolErrorf(op, "correlation id 0 is reserved")
	}
	call := &pendingCall{id: id, op: op, name: name, done: make(chan struct{})}
	if _, loaded := t.calls.LoadOrStore(id, call); loaded {
		return nil, protocolErrorf(op, "duplicate correlation id %d", id)
	}
	t.count.Add(1)
	return call, nil
}

// complete stores the outcome for id and releases its waiter.
func (t *pendingTable) complete(id uint64, errText string, value any) error {
	v, ok := t.calls.Load(id)
	if !ok {
		return protocolErrorf("", "completion for unknown correlation id %d", id)
	}
	if !v.(*pendingCall).settle(value, errText, nil) {
		return protocolErrorf("", "duplicate completion for correlation id %d", id)
	}
	return nil
}

// wait blocks until call settles or ctx is done. Either way the entry is
// removed; a completion arriving after ctx ends is reported as unknown.
func (t *pendingTable) wait(ctx context.Context, call *pendingCall) (any, error) {
	defer t.remove(call.id)

	select {
	case <-call.done:
	case <-ctx.Done():
		if call.settle(nil, "", ctx.Err()) {
			return nil, ctx.Err()
		}
		<-call.done
	}

	switch {
	case call.err != nil:
		return nil, call.err
	case call.errText != "":
		return nil, &RemoteExecutionError{Op: call.op, Name: call.name, Text: call.errText}
	default:
		return call.value, nil
	}
}

func (t *pendingTable) remove(id uint64) {
	if _, ok := t.calls.LoadAndDelete(id); ok {
		t.count.Add(-1)
	}
}

// failAll settles every waiter with err.
func (t *pendingTable) failAll(err error) {
	t.calls.Range(func(_, v any) bool {
		v.(*pendingCall).settle(nil, "", err)
		return true
	})
}

func (t *pendingTable) len() int {
	return int(t.count.Load())
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"errors"

	"github.com/dop251/goja"

	"github.com/luxfi/bridge/wire"
)

var errBound = errors.New("handle already bound")

// Registry maps host-minted handles to live values. It is not safe for
// concurrent use on its own; Space serializes access.
type Registry struct {
	entries map[wire.Handle]goja.Value
}

// NewRegistry returns a registry with GlobalHandle bound to global.
func NewRegistry(global goja.Value) *Registry {
	return &Registry{
		entries: map[wire.Handle]goja.Value{wire.GlobalHandle: global},
	}
}

// Bind associates h with v. A handle is bound at most once.
func (r *Registry) Bind(h wire.Handle, v goja.Value) error {
	if _, ok := r.entries[h]; ok {
		return errBound
	}
	if v == nil {
		v = goja.Undefined()
	}
	r.entries[h] = v
	return nil
}

// Lookup returns the value bound to h.
func (r *Registry) Lookup(h wire.Handle) (goja.Value, bool) {
	v, ok := r.entries[h]
	return v, ok
}

// Delete unbinds h and reports whether it was bound. Deleting an unknown
// handle or the global handle is a no-op.
func (r *Registry) Delete(h wire.Handle) bool {
	if h == wire.GlobalHandle {
		return false
	}
	if _, ok := r.entries[h]; !ok {
		return false
	}
	delete(r.entries, h)
	return true
}

// Len returns the number of bound handles, the global handle included.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Each iterates over bound handles until fn returns false.
func (r *Registry) Each(fn func(wire.Handle, goja.Value) bool) {
	for h, v := range r.entries {
		if !fn(h, v) {
			return
		}
	}
}

// reset drops everything but the global handle.
func (r *Registry) reset() {
	global := r.entries[wire.GlobalHandle]
	r.entries = map[wire.Handle]goja.Value{wire.GlobalHandle: global}
}

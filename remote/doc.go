// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package remote implements the far side of a bridge session: a registry of
// handle-addressed values living in an embedded ECMAScript runtime.
//
// A Space answers wire.Message operations through Serve and pushes
// completions and callback invocations to the single attached sink. It can
// be served in-process or behind any of the bridge network transports:
//
//	space, _ := remote.New(remote.WithScript(`var answer = 42`))
//	defer space.Close()
//
//	sess, _ := bridge.NewSession(bridge.Pipe(space))
//	n, _ := bridge.Get[int](ctx, sess.Global(), "answer")
package remote

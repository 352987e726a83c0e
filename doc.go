// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bridge lets a Go host drive live objects that belong to a
// separate, dynamically-typed object space through opaque handles.
//
// # Sessions and proxies
//
// A Session owns the three tables shared by every reference of one boundary:
// the handle allocator, the pending-call table and the callback registry.
// A Proxy is one handle. Every Proxy method is a round trip:
//
//	sess, err := bridge.Dial(ctx, "localhost:9000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Close()
//
//	doc, err := sess.Global().PropRef(ctx, "document")
//	title, err := bridge.Get[string](ctx, doc, "title")
//
//	audio, err := sess.Global().Construct(ctx, "Audio", "track.mp3")
//	err = audio.CallVoidAwaited(ctx, "play")
//
// Handles are released by Proxy.Close, or by a runtime cleanup once the
// proxy becomes unreachable. Release is fire-and-forget.
//
// # Lanes
//
// Pipe connects to an in-process Endpoint on the fast lane: operations run
// on the calling goroutine. Byte transfer (Session.NewByteArray,
// Proxy.Bytes) is available only there. Network transports form the
// generic lane; every operation crosses a scheduling boundary and awaited
// results come back as completion events:
//
//	go build   # ZAP (framed TCP), gRPC and JSON-RPC are all compiled in
//
//	server, err := bridge.Listen(":9000", space)                       // ZAP
//	server, err := bridge.Listen(":9001", space, bridge.WithTransport("grpc"))
//	server, err := bridge.Listen(":9002", space, bridge.WithTransport("json"))
//
// # Awaited calls
//
// CallAwaited and its variants register a correlation id, issue the call
// and park on a per-call channel. The completion event for that id releases
// exactly that caller, so completions may arrive in any order. Nothing
// polls. Cancelling ctx abandons the wait; the remote operation still runs.
//
// # Callbacks
//
// A Registration keeps a Callback reachable from the remote side. Remote
// invocations are queued and run one at a time on the session's callback
// worker, never on a transport read loop, so a callback may call back into
// the session.
//
// # Errors
//
// Failures map to *InvalidReferenceError, *RemoteExecutionError,
// *PlatformUnsupportedError and *ProtocolError, each matching its sentinel
// with errors.Is. Nothing is retried.
package bridge

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package quark is a client for quark remote services. It fetches a catalog
// of remote methods from the server, generates callable stubs for them and
// carries calls over HTTP or a persistent websocket, optionally encrypted
// with a session key negotiated from server-signed key material.
//
// # Channels
//
// The URL scheme of the service selects the channel:
//
//	http, https   one GET for the catalog, one POST per call
//	ws, wss       one websocket for all calls; the catalog arrives over the
//	              socket when the api and service URLs are the same
//
// # Usage
//
//	engine, err := quark.Dial(ctx, quark.Config{
//	    API:     "https://example.com/api",
//	    Service: "wss://example.com/socket",
//	}, quark.WithLogger(log))
//	if err != nil {
//	    log.Fatal("dial", zap.Error(err))
//	}
//	defer engine.Stop()
//
//	res, err := engine.Call(ctx, "app.users.svc.get", 42)
//	if err != nil {
//	    return err
//	}
//	var user struct{ Value string }
//	err = res.Decode(&user)
//
// Stubs can also be looked up once and invoked without waiting:
//
//	get, _ := engine.API().Lookup("app.users.svc.get")
//	pending, err := get.Invoke(42)
//	...
//	res, err := pending.Wait(ctx)
//
// # Security
//
// A catalog carrying keyEnc, keyVer and signature starts the handshake: the
// signature (ECDSA P-384 over challenge, keyEnc and keyVer) is verified and
// a fresh AES-128 session key is generated. Calls to methods that ask for
// encryption then travel as {k, d} envelopes: k is iv and session key under
// the server RSA-OAEP key, d the AES-CTR ciphertext of the arguments. If the
// signature is rejected those calls fail with ErrSecurityUnavailable.
//
// # Architecture
//
//   - engine.go: Engine, endpoint configuration and lifecycle
//   - generator.go, namespace.go: stubs built from the catalog
//   - queue.go: pending calls correlated by transaction id
//   - security.go: handshake and envelope encryption
//   - frame.go, streams.go: binary socket frames and compression
//   - channel_http.go, channel_socket.go: transports, registered by URL
//     scheme in transport.go
//   - events.go: lifecycle events (online, offline, error, message, raw, api)
package quark

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the network scaffolding for hashserv: a
// persistent CBOR request stream server, its client, an HTTP server for
// the metrics endpoint, and the standard logger.
//
// # Protocol
//
// A connection carries a sequence of CBOR maps in each direction. CBOR
// values are self-delimiting, so there is no additional framing. The
// first client message is a handshake:
//
//	{action: "hello", version: 1, capabilities: [...]}
//
// The server answers with its own version and capabilities, or with an
// unsupported-version error and closes. After the handshake every
// request carries an "action" field and receives exactly one response:
//
//	{ok: true, data: {...}}
//	{ok: false, error: "...", code: "...", retryable: bool}
//
// The "quit" action gets no response; the server closes the connection.
// Requests on one connection are handled strictly in order.
//
// Handlers are registered by action name with [StreamServer.Handle].
// A handler that returns an [*Error] controls the code and retry flag
// of the failure response; any other error is reported as "internal".
package service

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides listen-address parsing and connection error
// classification shared by the server and client.
//
// Addresses are accepted in three forms: "tcp://host:port",
// "unix:///path/to/socket", and a bare "host:port" which means TCP.
package netutil

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/hashserv/lib/codec"
)

// ProtocolVersion is the handshake version this package speaks.
const ProtocolVersion = 1

// Reserved action names handled by the server itself.
const (
	ActionHello = "hello"
	ActionQuit  = "quit"
)

// Error codes carried in failure responses.
const (
	CodeProtocol           = "protocol"
	CodeUnknownAction      = "unknown-action"
	CodeUnsupportedVersion = "unsupported-version"
	CodeStore              = "store"
	CodeConflict           = "conflict"
	CodeTimeout            = "timeout"
	CodeInternal           = "internal"
)

// Hello is the client handshake.
type Hello struct {
	Action       string   `cbor:"action"`
	Version      int      `cbor:"version"`
	Capabilities []string `cbor:"capabilities,omitempty"`
}

// HelloReply is the data of a successful handshake response.
type HelloReply struct {
	Version      int      `cbor:"version"`
	Server       string   `cbor:"server"`
	Capabilities []string `cbor:"capabilities,omitempty"`
}

// Response is the wire envelope for every response.
type Response struct {
	OK        bool             `cbor:"ok"`
	Error     string           `cbor:"error,omitempty"`
	Code      string           `cbor:"code,omitempty"`
	Retryable bool             `cbor:"retryable,omitempty"`
	Data      codec.RawMessage `cbor:"data,omitempty"`
}

// Error is a handler failure with an explicit wire code.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

// NewError wraps err with a wire code.
func NewError(code string, retryable bool, err error) *Error {
	return &Error{Code: code, Retryable: retryable, Err: err}
}

// Errorf is NewError with a formatted, non-retryable message.
func Errorf(code string, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// errorResponse builds the failure envelope for err.
func errorResponse(err error) Response {
	var coded *Error
	if errors.As(err, &coded) {
		return Response{Error: coded.Error(), Code: coded.Code, Retryable: coded.Retryable}
	}
	return Response{Error: err.Error(), Code: CodeInternal}
}

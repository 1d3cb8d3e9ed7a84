// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/hashserv/lib/codec"
	"github.com/bureau-foundation/hashserv/lib/netutil"
)

// dialTimeout covers only the connect phase.
const dialTimeout = 5 * time.Second

// defaultCallTimeout bounds a call whose context has no deadline.
const defaultCallTimeout = 45 * time.Second

// maxResponseSize bounds a single CBOR response.
const maxResponseSize = 1024 * 1024

// ErrClientClosed is returned by calls on a closed client.
var ErrClientClosed = errors.New("service client is closed")

// ServiceError is returned by Call when the server responds with
// ok=false.
type ServiceError struct {
	Action    string
	Code      string
	Message   string
	Retryable bool
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error on %q (%s): %s", e.Action, e.Code, e.Message)
}

// StreamClient is one persistent connection to a [StreamServer]. Calls
// are serialized: the protocol allows one outstanding request per
// connection. Safe for concurrent use.
type StreamClient struct {
	address string

	mu      sync.Mutex
	conn    net.Conn
	limiter *messageLimiter
	encoder *codec.Encoder
	decoder *codec.Decoder
	server  HelloReply
	closed  bool
}

// Dial connects to address and performs the handshake. capabilities
// are advertised to the server.
func Dial(ctx context.Context, address string, capabilities []string) (*StreamClient, error) {
	network, target, err := netutil.ParseAddress(address)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, network, target)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}

	limiter := &messageLimiter{reader: conn}
	client := &StreamClient{
		address: address,
		conn:    conn,
		limiter: limiter,
		encoder: codec.NewEncoder(conn),
		decoder: codec.NewDecoder(limiter),
	}

	response, err := client.roundTrip(ctx, Hello{
		Action:       ActionHello,
		Version:      ProtocolVersion,
		Capabilities: capabilities,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", address, err)
	}
	if !response.OK {
		conn.Close()
		return nil, &ServiceError{
			Action:    ActionHello,
			Code:      response.Code,
			Message:   response.Error,
			Retryable: response.Retryable,
		}
	}
	if err := codec.Unmarshal(response.Data, &client.server); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decoding handshake reply from %s: %w", address, err)
	}
	return client, nil
}

// Server returns the server's handshake reply.
func (c *StreamClient) Server() HelloReply {
	return c.server
}

// Call sends one request and decodes the response.
//
// fields holds the action-specific request fields; the client adds
// "action". On success, if result is non-nil and the response carries
// data, the data is decoded into result. A response with ok=false
// becomes a *ServiceError. Transport failures close the client, since
// the stream position is unknown afterwards.
func (c *StreamClient) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}

	response, err := c.roundTrip(ctx, request)
	if err != nil {
		c.closeLocked()
		return fmt.Errorf("calling %q on %s: %w", action, c.address, err)
	}

	if !response.OK {
		return &ServiceError{
			Action:    action,
			Code:      response.Code,
			Message:   response.Error,
			Retryable: response.Retryable,
		}
	}

	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

func (c *StreamClient) roundTrip(ctx context.Context, request any) (*Response, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultCallTimeout)
	}
	c.conn.SetDeadline(deadline)

	if err := c.encoder.Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	c.limiter.remaining = maxResponseSize
	var response Response
	if err := c.decoder.Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}

// Close sends quit and closes the connection. Safe to call more than
// once.
func (c *StreamClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	// Best effort: the server closes its side either way.
	c.encoder.Encode(map[string]any{"action": ActionQuit})
	return c.closeLocked()
}

func (c *StreamClient) closeLocked() error {
	c.closed = true
	return c.conn.Close()
}

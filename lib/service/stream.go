// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/hashserv/lib/codec"
	"github.com/bureau-foundation/hashserv/lib/netutil"
)

// ActionFunc processes one request. raw is the full CBOR request map,
// including the "action" field; the handler decodes its own fields.
//
// A non-nil result is marshaled into the response's "data" field. The
// context is not cancelled when the server shuts down: a request that
// has been read is always answered.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Observer is called after every dispatched request with the action,
// the response code ("ok" on success), and the handler's run time.
type Observer func(action, code string, elapsed time.Duration)

// StreamServerConfig configures a StreamServer.
type StreamServerConfig struct {
	// Address is "tcp://host:port", "host:port", or "unix:///path".
	// Required.
	Address string

	// Name is reported to clients in the handshake reply.
	Name string

	// Capabilities are advertised in the handshake reply.
	Capabilities []string

	// IdleTimeout closes a connection that sends nothing for this long.
	// Defaults to 5 minutes.
	IdleTimeout time.Duration

	// WriteTimeout bounds each response write. Defaults to 10 seconds.
	WriteTimeout time.Duration

	// Observe is optional.
	Observe Observer

	// Logger is required.
	Logger *slog.Logger
}

const (
	defaultIdleTimeout  = 5 * time.Minute
	defaultWriteTimeout = 10 * time.Second

	// maxRequestSize bounds a single CBOR request. Requests are a
	// handful of short strings.
	maxRequestSize = 64 * 1024
)

// aLongTimeAgo is a read deadline that has always passed. Setting it
// unblocks a pending Read.
var aLongTimeAgo = time.Unix(1, 0)

var errMessageTooLarge = errors.New("message exceeds size limit")

// StreamServer serves the persistent CBOR request protocol. Each
// connection performs the handshake and then any number of requests,
// answered in order, until the client sends quit or disconnects.
//
// Actions are registered with Handle before calling Serve.
type StreamServer struct {
	address      string
	name         string
	capabilities []string
	idleTimeout  time.Duration
	writeTimeout time.Duration
	observe      Observer
	handlers     map[string]ActionFunc
	logger       *slog.Logger

	ready chan struct{}
	addr  net.Addr

	mu          sync.Mutex
	connections map[*streamConnection]struct{}
	closing     bool

	// activeConnections lets Serve wait for every connection to
	// finish its current request before returning.
	activeConnections sync.WaitGroup

	openConnections     atomic.Int64
	acceptedConnections atomic.Uint64
}

// NewStreamServer creates a server. Register actions with Handle, then
// call Serve.
func NewStreamServer(config StreamServerConfig) *StreamServer {
	if config.Address == "" {
		panic("service.StreamServer: Address is required")
	}
	if config.Logger == nil {
		panic("service.StreamServer: Logger is required")
	}
	idleTimeout := config.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	writeTimeout := config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &StreamServer{
		address:      config.Address,
		name:         config.Name,
		capabilities: config.Capabilities,
		idleTimeout:  idleTimeout,
		writeTimeout: writeTimeout,
		observe:      config.Observe,
		handlers:     make(map[string]ActionFunc),
		logger:       config.Logger,
		ready:        make(chan struct{}),
		connections:  make(map[*streamConnection]struct{}),
	}
}

// Handle registers a handler for action. Panics if the action is
// already registered or reserved by the protocol.
func (s *StreamServer) Handle(action string, handler ActionFunc) {
	if action == ActionHello || action == ActionQuit {
		panic(fmt.Sprintf("service.StreamServer: action %q is reserved", action))
	}
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.StreamServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Ready returns a channel that is closed once the listener is bound.
func (s *StreamServer) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready()
// is closed.
func (s *StreamServer) Addr() net.Addr {
	return s.addr
}

// OpenConnections returns the number of connections currently served.
func (s *StreamServer) OpenConnections() int64 {
	return s.openConnections.Load()
}

// AcceptedConnections returns the number of connections accepted since
// Serve started.
func (s *StreamServer) AcceptedConnections() uint64 {
	return s.acceptedConnections.Load()
}

// Serve accepts connections until ctx is cancelled. On cancellation it
// stops accepting, lets every connection finish the request it is
// handling, closes them all, and returns.
//
// For unix addresses any stale socket file is removed before listening
// and the socket file is removed on return.
func (s *StreamServer) Serve(ctx context.Context) error {
	network, target, err := netutil.ParseAddress(s.address)
	if err != nil {
		return fmt.Errorf("stream server: %w", err)
	}

	if network == "unix" {
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale socket %s: %w", target, err)
		}
	}

	listener, err := net.Listen(network, target)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	defer func() {
		listener.Close()
		if network == "unix" {
			os.Remove(target)
		}
	}()
	s.addr = listener.Addr()
	close(s.ready)

	go func() {
		<-ctx.Done()
		listener.Close()
		s.interruptAll()
	}()

	s.logger.Info("stream server listening",
		"address", netutil.FormatAddress(network, s.addr.String()),
		"idle_timeout", s.idleTimeout,
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		connection := &streamConnection{Conn: conn}
		if !s.track(connection) {
			conn.Close()
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			defer s.untrack(connection)
			s.serveConnection(ctx, connection)
		}()
	}

	s.interruptAll()
	s.activeConnections.Wait()
	s.logger.Info("stream server stopped")
	return nil
}

func (s *StreamServer) track(connection *streamConnection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.connections[connection] = struct{}{}
	return true
}

func (s *StreamServer) untrack(connection *streamConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, connection)
}

func (s *StreamServer) interruptAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	for connection := range s.connections {
		connection.interrupt()
	}
}

// streamConnection is a net.Conn whose pending read can be interrupted
// for shutdown without racing the per-request deadline reset.
type streamConnection struct {
	net.Conn

	mu          sync.Mutex
	interrupted bool
}

// armRead sets the idle deadline for the next request. Returns false
// once the connection has been interrupted.
func (c *streamConnection) armRead(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interrupted {
		return false
	}
	c.SetReadDeadline(time.Now().Add(timeout))
	return true
}

func (c *streamConnection) interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupted = true
	c.SetReadDeadline(aLongTimeAgo)
}

func (c *streamConnection) isInterrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupted
}

// messageLimiter caps the bytes read from a connection per message.
// The owner resets remaining before each Decode.
type messageLimiter struct {
	reader    io.Reader
	remaining int64
}

func (l *messageLimiter) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, errMessageTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.reader.Read(p)
	l.remaining -= int64(n)
	return n, err
}

// session is the per-connection state. Nothing in it is shared with
// other connections.
type session struct {
	server     *StreamServer
	connection *streamConnection
	limiter    *messageLimiter
	decoder    *codec.Decoder
	encoder    *codec.Encoder
	logger     *slog.Logger
}

func (s *StreamServer) serveConnection(ctx context.Context, connection *streamConnection) {
	defer connection.Close()

	s.openConnections.Add(1)
	defer s.openConnections.Add(-1)
	s.acceptedConnections.Add(1)

	limiter := &messageLimiter{reader: connection}
	current := &session{
		server:     s,
		connection: connection,
		limiter:    limiter,
		decoder:    codec.NewDecoder(limiter),
		encoder:    codec.NewEncoder(connection),
		logger: s.logger.With(
			"connection", uuid.NewString(),
			"remote", connection.RemoteAddr().String(),
		),
	}

	current.logger.Debug("connection opened")
	if !current.handshake() {
		return
	}
	current.loop(context.WithoutCancel(ctx))
}

// read decodes the next request. An interrupted connection returns
// net.ErrClosed without touching the socket.
func (c *session) read() (codec.RawMessage, error) {
	if !c.connection.armRead(c.server.idleTimeout) {
		return nil, net.ErrClosed
	}
	c.limiter.remaining = maxRequestSize

	var raw codec.RawMessage
	if err := c.decoder.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// readFailed logs a failed read and, for malformed input, tells the
// client why the connection is closing.
func (c *session) readFailed(err error) {
	switch {
	case c.connection.isInterrupted():
		c.logger.Debug("connection closed for shutdown")
	case netutil.IsTimeout(err):
		c.logger.Debug("connection idle timeout", "idle_timeout", c.server.idleTimeout)
	case netutil.IsExpectedCloseError(err):
		c.logger.Debug("client disconnected")
	default:
		c.logger.Warn("malformed request, closing connection", "error", err)
		c.write(errorResponse(Errorf(CodeProtocol, "invalid request: %v", err)))
	}
}

// handshake reads and answers the hello message. Returns false if the
// connection must close.
func (c *session) handshake() bool {
	raw, err := c.read()
	if err != nil {
		c.readFailed(err)
		return false
	}

	var hello Hello
	if err := codec.Unmarshal(raw, &hello); err != nil || hello.Action != ActionHello {
		c.logger.Warn("connection did not start with hello")
		c.write(errorResponse(Errorf(CodeProtocol, "expected %q handshake as the first message", ActionHello)))
		return false
	}
	if hello.Version != ProtocolVersion {
		c.logger.Info("rejected client protocol version", "version", hello.Version)
		c.write(errorResponse(Errorf(CodeUnsupportedVersion,
			"unsupported protocol version %d (server speaks %d)", hello.Version, ProtocolVersion)))
		return false
	}

	c.logger.Debug("handshake complete", "client_capabilities", hello.Capabilities)
	return c.writeResult(HelloReply{
		Version:      ProtocolVersion,
		Server:       c.server.name,
		Capabilities: c.server.capabilities,
	}) == nil
}

// loop serves requests until quit, disconnect, idle timeout, or
// shutdown.
func (c *session) loop(ctx context.Context) {
	for {
		raw, err := c.read()
		if err != nil {
			c.readFailed(err)
			return
		}

		// Anything but a map leaves no way to answer meaningfully.
		if !isMap(raw) {
			c.logger.Warn("request is not a map, closing connection")
			c.write(errorResponse(Errorf(CodeProtocol, "request must be a CBOR map")))
			return
		}

		var header struct {
			Action string `cbor:"action"`
		}
		if err := codec.Unmarshal(raw, &header); err != nil {
			if c.write(errorResponse(Errorf(CodeProtocol, "invalid request: %v", err))) != nil {
				return
			}
			continue
		}

		switch header.Action {
		case ActionQuit:
			c.logger.Debug("client quit")
			return
		case "":
			if c.write(errorResponse(Errorf(CodeProtocol, "missing required field: action"))) != nil {
				return
			}
			continue
		case ActionHello:
			if c.write(errorResponse(Errorf(CodeProtocol, "handshake already completed"))) != nil {
				return
			}
			continue
		}

		handler, exists := c.server.handlers[header.Action]
		if !exists {
			if c.write(errorResponse(Errorf(CodeUnknownAction, "unknown action %q", header.Action))) != nil {
				return
			}
			continue
		}

		if c.dispatch(ctx, header.Action, handler, raw) != nil {
			return
		}
	}
}

func (c *session) dispatch(ctx context.Context, action string, handler ActionFunc, raw []byte) error {
	start := time.Now()
	result, err := handler(ctx, raw)
	elapsed := time.Since(start)

	if err != nil {
		response := errorResponse(err)
		if response.Code == CodeInternal {
			c.logger.Error("action failed", "action", action, "error", err)
		} else {
			c.logger.Debug("action failed", "action", action, "code", response.Code, "error", err)
		}
		c.observed(action, response.Code, elapsed)
		return c.write(response)
	}

	c.observed(action, "ok", elapsed)
	return c.writeResult(result)
}

func (c *session) observed(action, code string, elapsed time.Duration) {
	if c.server.observe != nil {
		c.server.observe(action, code, elapsed)
	}
}

// writeResult sends {ok: true, data: result}. A nil result omits data.
func (c *session) writeResult(result any) error {
	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			return c.write(errorResponse(Errorf(CodeInternal, "marshaling response: %v", err)))
		}
		response.Data = data
	}
	return c.write(response)
}

// write sends one response. Write failures are logged at debug level:
// the connection closes regardless.
func (c *session) write(response Response) error {
	c.connection.SetWriteDeadline(time.Now().Add(c.server.writeTimeout))
	if err := c.encoder.Encode(response); err != nil {
		c.logger.Debug("failed to write response", "error", err)
		return err
	}
	return nil
}

// isMap reports whether raw encodes a CBOR map (major type 5).
func isMap(raw []byte) bool {
	return len(raw) > 0 && raw[0]>>5 == 5
}

// ABOUTME: Gateway client: connects, performs the handshake, keeps a heartbeat,
// ABOUTME: exposes event subscriptions and an async call API, and reconnects.

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quetel/bridge/internal/protocol"
)

// Connection state machine.
type State int

const (
	StateConnecting State = iota
	StateAwaitHello
	StateIdentifying
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitHello:
		return "await_hello"
	case StateIdentifying:
		return "identifying"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client errors.
var (
	ErrClosed       = errors.New("client closed")
	ErrNotConnected = errors.New("not connected")
)

const (
	defaultHeartbeat      = 25 * time.Second
	defaultCallTimeout    = 30 * time.Second
	defaultReconnectDelay = 2 * time.Second
	handshakeTimeout      = 15 * time.Second
)

// Options configures a gateway client.
type Options struct {
	// Endpoint is the gateway WebSocket URL (e.g. "ws://host:8080/gateway").
	Endpoint string

	// Token is the bearer credential sent at identify time.
	Token string

	// Name and AdapterVersion identify this adapter to the server.
	Name           string
	AdapterVersion string

	// Instances is the requested instance scope.
	Instances []int64

	// Capabilities advertised at identify time.
	Capabilities []string

	// HeartbeatInterval is used until the server suggests one in hello.
	// Zero means 25s.
	HeartbeatInterval time.Duration

	// CallTimeout bounds how long a call waits for its result. Zero
	// means 30s.
	CallTimeout time.Duration

	// Reconnect enables automatic reconnection after an unexpected
	// disconnect, after ReconnectDelay (default 2s).
	Reconnect      bool
	ReconnectDelay time.Duration

	Logger *slog.Logger
}

// connectAttempt lets concurrent Connect callers share one in-flight
// outcome instead of racing duplicate sockets.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Client is a gateway protocol client. All exported methods are safe for
// concurrent use.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	sessionID  string
	ready      *protocol.ReadyData
	heartbeat  time.Duration
	connecting *connectAttempt
	closed     bool
	reconnect  *time.Timer
	connDone   chan struct{} // closed when the current connection's loops must stop

	writeMu sync.Mutex

	calls *callTable

	subs *subscribers
}

// New creates a client. It does not connect; call Connect.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	return &Client{
		opts:      opts,
		logger:    opts.Logger.With("component", "gateway-client"),
		state:     StateClosed,
		heartbeat: opts.HeartbeatInterval,
		calls:     newCallTable(),
		subs:      newSubscribers(opts.Logger),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the session id assigned by the server's hello frame.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Ready returns the ready payload of the current session, nil before the
// handshake completes.
func (c *Client) Ready() *protocol.ReadyData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Connect dials the gateway and completes the handshake, returning once
// the session is ready. Exactly one connection attempt is in flight at a
// time: a concurrent Connect joins the pending attempt and returns its
// outcome.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	if at := c.connecting; at != nil {
		c.mu.Unlock()
		select {
		case <-at.done:
			return at.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	at := &connectAttempt{done: make(chan struct{})}
	c.connecting = at
	c.state = StateConnecting
	c.mu.Unlock()

	err := c.dialAndHandshake(ctx)

	c.mu.Lock()
	c.connecting = nil
	if err != nil {
		c.state = StateClosed
	}
	c.mu.Unlock()

	at.err = err
	close(at.done)
	return err
}

// dialAndHandshake performs hello → identify → ready synchronously, then
// starts the read and heartbeat loops.
func (c *Client) dialAndHandshake(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.opts.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}

	c.setState(StateAwaitHello)

	// The handshake may not stall forever.
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	var lastDiag *protocol.ErrorData
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if lastDiag != nil {
				return fmt.Errorf("handshake failed: %s", lastDiag.Message)
			}
			return fmt.Errorf("handshake read: %w", err)
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			// Unknown ops and bad JSON are discarded at any state.
			continue
		}

		switch frame.Op {
		case protocol.OpHello:
			var hello protocol.HelloData
			if err := frame.DecodeData(&hello); err != nil {
				continue
			}
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				conn.Close()
				return ErrClosed
			}
			c.sessionID = hello.SessionID
			if hello.HeartbeatMs > 0 {
				c.heartbeat = time.Duration(hello.HeartbeatMs) * time.Millisecond
			}
			c.state = StateIdentifying
			c.mu.Unlock()

			identify := protocol.IdentifyData{
				Token:          c.opts.Token,
				Name:           c.opts.Name,
				AdapterVersion: c.opts.AdapterVersion,
				Scope:          protocol.Scope{Instances: c.opts.Instances},
				Capabilities:   c.opts.Capabilities,
			}
			if err := c.writeFrameTo(conn, protocol.OpIdentify, identify); err != nil {
				conn.Close()
				return fmt.Errorf("sending identify: %w", err)
			}

		case protocol.OpReady:
			var ready protocol.ReadyData
			if err := frame.DecodeData(&ready); err != nil {
				continue
			}
			_ = conn.SetReadDeadline(time.Time{})

			done := make(chan struct{})
			c.mu.Lock()
			if c.closed {
				// Close raced the handshake; the socket must not be
				// installed and no loops may start.
				c.mu.Unlock()
				conn.Close()
				return ErrClosed
			}
			c.conn = conn
			c.ready = &ready
			c.state = StateReady
			c.connDone = done
			c.mu.Unlock()

			go c.readLoop(conn, done)
			go c.heartbeatLoop(conn, done)

			c.logger.Info("gateway session ready",
				"session_id", c.sessionID,
				"instances", c.opts.Instances,
			)
			return nil

		case protocol.OpError:
			var diag protocol.ErrorData
			if err := frame.DecodeData(&diag); err == nil {
				lastDiag = &diag
				c.subs.notifyError(fmt.Errorf("gateway: %s", diag.Message))
			}

		default:
			// event/result before ready would be a server bug; drop.
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// writeFrameTo serializes writes; gorilla connections allow only one
// concurrent writer.
func (c *Client) writeFrameTo(conn *websocket.Conn, op protocol.Op, payload any) error {
	data, err := protocol.Encode(op, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// writeFrame writes to the current connection.
func (c *Client) writeFrame(op protocol.Op, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.writeFrameTo(conn, op, payload)
}

// readLoop handles all post-handshake inbound frames for one connection.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, done, err)
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			c.logger.Debug("discarding undecodable frame", "error", err)
			continue
		}

		switch frame.Op {
		case protocol.OpEvent:
			var ev protocol.GatewayEvent
			if err := frame.DecodeData(&ev); err != nil {
				c.logger.Debug("discarding malformed event", "error", err)
				continue
			}
			c.subs.dispatch(&ev)

		case protocol.OpResult:
			var res protocol.ResultData
			if err := frame.DecodeData(&res); err != nil {
				c.logger.Debug("discarding malformed result", "error", err)
				continue
			}
			c.calls.settle(&res)

		case protocol.OpPing:
			_ = c.writeFrameTo(conn, protocol.OpPong, nil)

		case protocol.OpPong:
			// Liveness is inferred from the socket, not from pongs.

		case protocol.OpError:
			var diag protocol.ErrorData
			if err := frame.DecodeData(&diag); err == nil {
				c.subs.notifyError(fmt.Errorf("gateway: %s", diag.Message))
			}

		default:
			c.logger.Debug("ignoring unexpected op", "op", frame.Op)
		}
	}
}

// heartbeatLoop sends ping frames to keep intermediaries from idling the
// socket. It never inspects pongs: failure detection rides on the
// socket's own close/error path.
func (c *Client) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	c.mu.Lock()
	interval := c.heartbeat
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.writeFrameTo(conn, protocol.OpPing, nil); err != nil {
				c.logger.Debug("heartbeat write failed", "error", err)
				return
			}
		case <-done:
			return
		}
	}
}

// handleDisconnect runs once per connection teardown: rejects all
// pending calls, surfaces the error, and schedules a reconnect unless
// the client was explicitly closed.
func (c *Client) handleDisconnect(conn *websocket.Conn, done chan struct{}, cause error) {
	c.mu.Lock()
	if c.connDone != done {
		// A newer connection already took over.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connDone = nil
	c.ready = nil
	c.state = StateClosed
	closed := c.closed
	c.mu.Unlock()

	close(done)
	conn.Close()

	c.calls.rejectAll(fmt.Errorf("disconnected: %w", cause))

	if closed {
		return
	}

	c.subs.notifyError(fmt.Errorf("connection lost: %w", cause))
	c.logger.Warn("gateway connection lost", "error", cause)

	if c.opts.Reconnect {
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms the supervised reconnect timer. Close stops a
// scheduled-but-not-started attempt deterministically.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reconnect != nil {
		return
	}
	c.logger.Info("scheduling reconnect", "delay", c.opts.ReconnectDelay)
	c.reconnect = time.AfterFunc(c.opts.ReconnectDelay, func() {
		c.mu.Lock()
		c.reconnect = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		defer cancel()
		if err := c.Connect(ctx); err != nil {
			c.logger.Warn("reconnect failed", "error", err)
			c.mu.Lock()
			stillOpen := !c.closed && c.opts.Reconnect
			c.mu.Unlock()
			if stillOpen {
				c.scheduleReconnect()
			}
		}
	})
}

// Close shuts the client down: cancels the heartbeat and any scheduled
// reconnect, rejects pending calls, and closes the socket. The client
// cannot be reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosed
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	done := c.connDone
	c.conn = nil
	c.connDone = nil
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		_ = conn.Close()
	}

	c.calls.rejectAll(ErrClosed)
	return nil
}

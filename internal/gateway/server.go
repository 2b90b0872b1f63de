// ABOUTME: Gateway server: accepts adapter connections, performs the server side
// ABOUTME: of the handshake, fans out events by instance scope, dispatches calls.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/quetel/bridge/internal/auth"
	"github.com/quetel/bridge/internal/protocol"
)

// ErrUnknownAction is returned by executors for action names they do not
// implement. It travels back to the caller as an error result, not a
// protocol error.
var ErrUnknownAction = errors.New("unknown action")

// Executor resolves a call into a concrete action against the forwarding
// engine and returns a result or failure.
type Executor interface {
	Execute(ctx context.Context, action string, params *CallParams) (any, error)
}

// ExecutorResolver creates the executor for an instance on first use.
type ExecutorResolver func(instanceID int64) (Executor, error)

// SnapshotFunc produces the instance/pair snapshot carried in ready frames.
type SnapshotFunc func(ctx context.Context) ([]protocol.InstanceSnapshot, error)

// Config configures a gateway server.
type Config struct {
	// Verifier validates identify tokens. Required.
	Verifier auth.TokenVerifier

	// Resolver creates per-instance executors lazily. Required.
	Resolver ExecutorResolver

	// Snapshot feeds the ready frame. Nil means an empty snapshot.
	Snapshot SnapshotFunc

	// Identity is the bot identity reported in ready frames.
	Identity protocol.Identity

	// ServerName and ServerVersion identify this gateway in hello frames.
	ServerName    string
	ServerVersion string

	// HeartbeatMs is the heartbeat interval suggested to clients in
	// hello. Zero means the 25s default.
	HeartbeatMs int

	// Capabilities advertised in hello.
	Capabilities []string

	Logger *slog.Logger
}

const defaultHeartbeatMs = 25_000

// Server owns the session registry and the per-instance executor table.
// Its lifetime is explicit: construct with New, expose Handler on a mux,
// tear down with Close. Multiple servers can coexist in one process.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// seq numbers every published event, before scope filtering.
	seq atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool

	execMu    sync.Mutex
	executors map[int64]Executor
}

// New creates a gateway server. It binds no ports; mount Handler wherever
// the owning process serves HTTP.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatMs <= 0 {
		cfg.HeartbeatMs = defaultHeartbeatMs
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			// Adapters authenticate with a bearer token at identify
			// time; origin checks do not apply to them.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions:  make(map[string]*session),
		executors: make(map[int64]Executor),
	}
}

// Handler returns the WebSocket upgrade endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "gateway shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sess := newSession(s, conn)
	go sess.writeLoop()

	// Server speaks first: hello opens the handshake.
	if err := sess.sendHello(); err != nil {
		s.logger.Warn("sending hello failed", "error", err, "session_id", sess.id)
		sess.close()
		return
	}

	go sess.readLoop()
}

// PublishEvent stamps the event with the next sequence number and
// delivers it to every session whose identified scope includes
// instanceID. The sequence increases for every published event
// regardless of how many sessions receive it, so scoped consumers can
// detect gaps.
func (s *Server) PublishEvent(instanceID int64, ev *protocol.GatewayEvent) {
	ev.InstanceID = instanceID
	ev.Seq = s.seq.Add(1)

	data, err := protocol.Encode(protocol.OpEvent, ev)
	if err != nil {
		s.logger.Error("encoding event frame", "error", err)
		return
	}

	s.mu.RLock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.inScope(instanceID) {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		sess.trySend(data)
	}

	s.logger.Debug("event published",
		"seq", ev.Seq,
		"instance_id", instanceID,
		"type", ev.Type,
		"sessions", len(targets),
	)
}

// SessionCount returns the number of identified sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// executorFor returns the executor for an instance, creating it on first
// reference. Executors persist for the server lifetime.
func (s *Server) executorFor(instanceID int64) (Executor, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	if exec, ok := s.executors[instanceID]; ok {
		return exec, nil
	}
	exec, err := s.cfg.Resolver(instanceID)
	if err != nil {
		return nil, err
	}
	s.executors[instanceID] = exec
	return exec, nil
}

func (s *Server) register(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
	s.logger.Info("session identified",
		"session_id", sess.id,
		"name", sess.clientName,
		"instances", sess.scopeList(),
		"total_sessions", len(s.sessions),
	)
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.id]; ok {
		delete(s.sessions, sess.id)
		s.logger.Info("session closed",
			"session_id", sess.id,
			"total_sessions", len(s.sessions),
		)
	}
}

func (s *Server) snapshot(ctx context.Context) ([]protocol.InstanceSnapshot, error) {
	if s.cfg.Snapshot == nil {
		return nil, nil
	}
	return s.cfg.Snapshot(ctx)
}

// Close tears down every session. New upgrades are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

// resultError wraps an executor failure for the wire, naming the action.
func resultError(action string, err error) *protocol.ErrorData {
	code := "executor_error"
	if errors.Is(err, ErrUnknownAction) {
		code = "unknown_action"
	}
	return &protocol.ErrorData{
		Code:    code,
		Message: fmt.Sprintf("%s failed: %v", action, err),
	}
}

func marshalResult(result any) (json.RawMessage, error) {
	if result == nil {
		return nil, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return data, nil
}

// ABOUTME: One connected gateway session: handshake state, scope, serialized
// ABOUTME: frame handling, and the buffered fire-and-forget write path.

package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"log/slog"

	"github.com/quetel/bridge/internal/protocol"
)

const (
	// sendBufferSize bounds the per-session outbound queue. Writes are
	// fire-and-forget: a slow consumer drops frames rather than stalling
	// the publisher.
	sendBufferSize = 64

	writeTimeout = 10 * time.Second

	// identifyTimeout bounds how long a socket may sit unidentified.
	identifyTimeout = 30 * time.Second
)

// session is one accepted connection. All inbound frame handling runs on
// the single readLoop goroutine, so handshake state and scope need no
// locking within the session; only the send queue crosses goroutines.
type session struct {
	id         string
	srv        *Server
	conn       *websocket.Conn
	logger     *slog.Logger
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	identified bool
	clientName string
	scope      map[int64]bool
}

func newSession(srv *Server, conn *websocket.Conn) *session {
	id := uuid.New().String()
	return &session{
		id:     id,
		srv:    srv,
		conn:   conn,
		logger: srv.logger.With("session_id", id),
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		scope:  make(map[int64]bool),
	}
}

func (s *session) sendHello() error {
	return s.sendFrame(protocol.OpHello, protocol.HelloData{
		SessionID:   s.id,
		HeartbeatMs: s.srv.cfg.HeartbeatMs,
		Server: protocol.ServerInfo{
			Name:    s.srv.cfg.ServerName,
			Version: s.srv.cfg.ServerVersion,
		},
		Capabilities: s.srv.cfg.Capabilities,
		Resume:       false,
	})
}

// sendFrame encodes and queues a frame. Errors only on encode failure;
// queue overflow drops the frame (backpressure is the transport's
// concern, not the protocol's).
func (s *session) sendFrame(op protocol.Op, payload any) error {
	data, err := protocol.Encode(op, payload)
	if err != nil {
		return err
	}
	s.trySend(data)
	return nil
}

// trySend queues raw bytes without blocking.
func (s *session) trySend(data []byte) {
	select {
	case s.send <- data:
	case <-s.done:
	default:
		s.logger.Debug("send queue full, dropping frame")
	}
}

// writeLoop is the only goroutine writing to the socket.
func (s *session) writeLoop() {
	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("write failed, closing session", "error", err)
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop serializes all inbound frame handling for this session.
func (s *session) readLoop() {
	defer s.close()

	// An unidentified socket may not idle forever.
	_ = s.conn.SetReadDeadline(time.Now().Add(identifyTimeout))

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Debug("read failed, closing session", "error", err)
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			// Forward compatibility: malformed JSON and unknown ops
			// are silently discarded.
			s.logger.Debug("discarding undecodable frame", "error", err)
			continue
		}

		s.handleFrame(frame)
	}
}

func (s *session) handleFrame(frame protocol.Frame) {
	switch frame.Op {
	case protocol.OpIdentify:
		s.handleIdentify(frame)
	case protocol.OpCall:
		s.handleCall(frame)
	case protocol.OpPing:
		_ = s.sendFrame(protocol.OpPong, nil)
	case protocol.OpPong:
		// Liveness is inferred from the socket, not from pongs.
	case protocol.OpError:
		var diag protocol.ErrorData
		if err := frame.DecodeData(&diag); err == nil {
			s.logger.Warn("peer diagnostic", "code", diag.Code, "message", diag.Message)
		}
	default:
		// hello/ready/event/result are server-to-client ops; a client
		// echoing them is ignored.
		s.logger.Debug("ignoring unexpected op from client", "op", frame.Op)
	}
}

func (s *session) handleIdentify(frame protocol.Frame) {
	if s.identified {
		s.logger.Debug("duplicate identify ignored")
		return
	}

	var ident protocol.IdentifyData
	if err := frame.DecodeData(&ident); err != nil {
		s.logger.Debug("discarding malformed identify", "error", err)
		return
	}

	if err := s.srv.cfg.Verifier.Verify(ident.Token); err != nil {
		// Documented choice: report the rejection, then close. An
		// unauthenticated socket has nothing further to say.
		s.logger.Warn("identify rejected", "name", ident.Name)
		_ = s.sendFrame(protocol.OpError, protocol.ErrorData{
			Code:    "invalid_token",
			Message: "identify rejected: invalid token",
		})
		// Give the writer a moment to flush the diagnostic.
		time.AfterFunc(100*time.Millisecond, s.close)
		return
	}

	s.identified = true
	s.clientName = ident.Name
	for _, id := range ident.Scope.Instances {
		s.scope[id] = true
	}

	// Identified sockets keep the connection open indefinitely; the
	// client heartbeat exists for intermediaries, not for us.
	_ = s.conn.SetReadDeadline(time.Time{})

	s.srv.register(s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	instances, err := s.srv.snapshot(ctx)
	if err != nil {
		s.logger.Error("building ready snapshot", "error", err)
		instances = nil
	}

	_ = s.sendFrame(protocol.OpReady, protocol.ReadyData{
		Self:      s.srv.cfg.Identity,
		Instances: instances,
	})
}

func (s *session) handleCall(frame protocol.Frame) {
	if !s.identified {
		s.logger.Debug("call before identify ignored")
		return
	}

	var call protocol.CallData
	if err := frame.DecodeData(&call); err != nil {
		s.logger.Debug("discarding malformed call", "error", err)
		return
	}

	result := s.executeCall(&call)
	_ = s.sendFrame(protocol.OpResult, result)
}

func (s *session) executeCall(call *protocol.CallData) protocol.ResultData {
	var instanceID int64
	if call.InstanceID != nil {
		instanceID = *call.InstanceID
	}

	params, err := decodeCallParams(call.Params)
	if err != nil {
		return protocol.ResultData{ID: call.ID, Success: false, Error: resultError(call.Action, err)}
	}

	exec, err := s.srv.executorFor(instanceID)
	if err != nil {
		return protocol.ResultData{ID: call.ID, Success: false, Error: resultError(call.Action, err)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	out, err := exec.Execute(ctx, call.Action, params)
	if err != nil {
		return protocol.ResultData{ID: call.ID, Success: false, Error: resultError(call.Action, err)}
	}

	raw, err := marshalResult(out)
	if err != nil {
		return protocol.ResultData{ID: call.ID, Success: false, Error: resultError(call.Action, err)}
	}
	return protocol.ResultData{ID: call.ID, Success: true, Result: raw}
}

func (s *session) inScope(instanceID int64) bool {
	return s.scope[instanceID]
}

func (s *session) scopeList() []int64 {
	ids := make([]int64, 0, len(s.scope))
	for id := range s.scope {
		ids = append(ids, id)
	}
	return ids
}

// close tears the session down exactly once: unregisters it, wakes the
// writer, and closes the socket.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.srv.unregister(s)
		close(s.done)
		_ = s.conn.Close()
	})
}

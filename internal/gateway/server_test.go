// ABOUTME: Tests for the gateway server: handshake, token rejection, scope
// ABOUTME: filtered event fanout, sequence numbering, and call dispatch.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quetel/bridge/internal/auth"
	"github.com/quetel/bridge/internal/protocol"
)

type capturedCall struct {
	Action string
	Params *CallParams
}

// fakeExecutor records calls and answers a small fixed action set.
type fakeExecutor struct {
	mu    sync.Mutex
	calls []capturedCall
}

func (f *fakeExecutor) Execute(ctx context.Context, action string, params *CallParams) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, capturedCall{Action: action, Params: params})
	f.mu.Unlock()

	switch action {
	case "sendMessage":
		return map[string]string{"messageId": "tg:m:-1001:2", "platform": "tg"}, nil
	case "boom":
		return nil, fmt.Errorf("backend unavailable")
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
}

func (f *fakeExecutor) captured() []capturedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capturedCall(nil), f.calls...)
}

type testGateway struct {
	srv  *Server
	exec *fakeExecutor
	url  string
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	exec := &fakeExecutor{}
	srv := New(Config{
		Verifier: auth.NewStaticVerifier([]string{"t1"}),
		Resolver: func(instanceID int64) (Executor, error) { return exec, nil },
		Snapshot: func(ctx context.Context) ([]protocol.InstanceSnapshot, error) {
			return []protocol.InstanceSnapshot{
				{ID: 0, Pairs: []protocol.PairSnapshot{{QQRoomID: 123, TGChatID: -1001, TGThreadID: 123}}},
			}, nil
		},
		Identity:      protocol.Identity{UserID: "bot-1", Name: "Bridge Bot"},
		ServerName:    "quetel-gateway",
		ServerVersion: "test",
		HeartbeatMs:   25_000,
	})
	t.Cleanup(srv.Close)

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	return &testGateway{
		srv:  srv,
		exec: exec,
		url:  "ws" + strings.TrimPrefix(httpSrv.URL, "http"),
	}
}

func dialGateway(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := protocol.Decode(data)
	require.NoError(t, err)
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, op protocol.Op, payload any) {
	t.Helper()
	data, err := protocol.Encode(op, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// identify completes the handshake for a raw connection and returns the
// ready payload.
func identify(t *testing.T, conn *websocket.Conn, instances ...int64) protocol.ReadyData {
	t.Helper()
	hello := readFrame(t, conn)
	require.Equal(t, protocol.OpHello, hello.Op)

	sendFrame(t, conn, protocol.OpIdentify, protocol.IdentifyData{
		Token: "t1",
		Name:  "test-adapter",
		Scope: protocol.Scope{Instances: instances},
	})

	ready := readFrame(t, conn)
	require.Equal(t, protocol.OpReady, ready.Op)
	var data protocol.ReadyData
	require.NoError(t, ready.DecodeData(&data))
	return data
}

func TestHelloOpensHandshake(t *testing.T) {
	gw := newTestGateway(t)
	conn := dialGateway(t, gw.url)

	frame := readFrame(t, conn)
	require.Equal(t, protocol.OpHello, frame.Op)
	assert.Equal(t, protocol.Version, frame.V)

	var hello protocol.HelloData
	require.NoError(t, frame.DecodeData(&hello))
	assert.NotEmpty(t, hello.SessionID)
	assert.Equal(t, 25_000, hello.HeartbeatMs)
	assert.Equal(t, "quetel-gateway", hello.Server.Name)
}

func TestIdentifyInvalidTokenClosesSocket(t *testing.T) {
	gw := newTestGateway(t)
	conn := dialGateway(t, gw.url)

	readFrame(t, conn) // hello
	sendFrame(t, conn, protocol.OpIdentify, protocol.IdentifyData{Token: "wrong"})

	frame := readFrame(t, conn)
	require.Equal(t, protocol.OpError, frame.Op)
	var diag protocol.ErrorData
	require.NoError(t, frame.DecodeData(&diag))
	assert.Equal(t, "invalid_token", diag.Code)
	assert.Contains(t, diag.Message, "invalid token")

	// The server closes an unauthenticated socket after the diagnostic.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, 0, gw.srv.SessionCount())
}

func TestReadyCarriesSnapshot(t *testing.T) {
	gw := newTestGateway(t)
	conn := dialGateway(t, gw.url)

	ready := identify(t, conn, 0)
	assert.Equal(t, "bot-1", ready.Self.UserID)
	require.Len(t, ready.Instances, 1)
	require.Len(t, ready.Instances[0].Pairs, 1)
	assert.Equal(t, int64(-1001), ready.Instances[0].Pairs[0].TGChatID)
	assert.Equal(t, 1, gw.srv.SessionCount())
}

func TestEventScopeFilteringAndSequence(t *testing.T) {
	gw := newTestGateway(t)

	connA := dialGateway(t, gw.url)
	identify(t, connA, 1)
	connB := dialGateway(t, gw.url)
	identify(t, connB, 2)

	gw.srv.PublishEvent(1, &protocol.GatewayEvent{Type: protocol.EventMessageCreated, ChannelID: "qq:g:111"})
	gw.srv.PublishEvent(2, &protocol.GatewayEvent{Type: protocol.EventMessageCreated, ChannelID: "qq:g:222"})
	gw.srv.PublishEvent(1, &protocol.GatewayEvent{Type: protocol.EventMessageCreated, ChannelID: "qq:g:333"})

	// Session A sees only instance 1 events; the sequence still counts
	// the instance-2 event it never received.
	frame := readFrame(t, connA)
	require.Equal(t, protocol.OpEvent, frame.Op)
	var ev protocol.GatewayEvent
	require.NoError(t, frame.DecodeData(&ev))
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, int64(1), ev.InstanceID)
	assert.Equal(t, "qq:g:111", ev.ChannelID)

	frame = readFrame(t, connA)
	require.NoError(t, frame.DecodeData(&ev))
	assert.Equal(t, uint64(3), ev.Seq)
	assert.Equal(t, "qq:g:333", ev.ChannelID)

	frame = readFrame(t, connB)
	require.NoError(t, frame.DecodeData(&ev))
	assert.Equal(t, uint64(2), ev.Seq)
	assert.Equal(t, int64(2), ev.InstanceID)
	assert.Equal(t, "qq:g:222", ev.ChannelID)
}

func TestCallDispatchDecodesAddresses(t *testing.T) {
	gw := newTestGateway(t)
	conn := dialGateway(t, gw.url)
	identify(t, conn, 0)

	instance := int64(0)
	sendFrame(t, conn, protocol.OpCall, protocol.CallData{
		ID:         "call-1",
		InstanceID: &instance,
		Action:     "sendMessage",
		Params:     json.RawMessage(`{"channelId":"tg:c:-1001:t:123","replyTo":"tg:m:-1001:9"}`),
	})

	frame := readFrame(t, conn)
	require.Equal(t, protocol.OpResult, frame.Op)
	var res protocol.ResultData
	require.NoError(t, frame.DecodeData(&res))
	assert.Equal(t, "call-1", res.ID)
	require.True(t, res.Success)

	var out map[string]string
	require.NoError(t, json.Unmarshal(res.Result, &out))
	assert.Equal(t, "tg:m:-1001:2", out["messageId"])

	calls := gw.exec.captured()
	require.Len(t, calls, 1)
	params := calls[0].Params
	require.True(t, params.HasChannel)
	assert.Equal(t, int64(-1001), params.Channel.ID)
	assert.Equal(t, int64(123), params.Channel.ThreadID)
	// replyTo arrives normalized to the bare platform token.
	assert.Equal(t, "9", params.ReplyTo)
}

func TestCallUnknownActionErrorResult(t *testing.T) {
	gw := newTestGateway(t)
	conn := dialGateway(t, gw.url)
	identify(t, conn, 0)

	sendFrame(t, conn, protocol.OpCall, protocol.CallData{ID: "call-2", Action: "frobnicate"})

	frame := readFrame(t, conn)
	require.Equal(t, protocol.OpResult, frame.Op)
	var res protocol.ResultData
	require.NoError(t, frame.DecodeData(&res))
	assert.Equal(t, "call-2", res.ID)
	require.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, "unknown_action", res.Error.Code)
	assert.Contains(t, res.Error.Message, "frobnicate failed")
}

func TestCallMalformedChannelFails(t *testing.T) {
	gw := newTestGateway(t)
	conn := dialGateway(t, gw.url)
	identify(t, conn, 0)

	sendFrame(t, conn, protocol.OpCall, protocol.CallData{
		ID:     "call-3",
		Action: "sendMessage",
		Params: json.RawMessage(`{"channelId":"qq:g:abc"}`),
	})

	frame := readFrame(t, conn)
	var res protocol.ResultData
	require.NoError(t, frame.DecodeData(&res))
	require.False(t, res.Success)
	assert.Equal(t, "executor_error", res.Error.Code)

	// The executor never saw the call.
	assert.Empty(t, gw.exec.captured())
}

func TestUnknownOpAndGarbageDiscarded(t *testing.T) {
	gw := newTestGateway(t)
	conn := dialGateway(t, gw.url)
	identify(t, conn, 0)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json at all")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"teleport","v":1,"t":0,"data":{}}`)))

	// The session survives: ping still gets its pong.
	sendFrame(t, conn, protocol.OpPing, nil)
	frame := readFrame(t, conn)
	assert.Equal(t, protocol.OpPong, frame.Op)
	assert.Equal(t, "null", string(frame.Data))
	assert.Equal(t, 1, gw.srv.SessionCount())
}

func TestCallBeforeIdentifyIgnored(t *testing.T) {
	gw := newTestGateway(t)
	conn := dialGateway(t, gw.url)

	readFrame(t, conn) // hello
	sendFrame(t, conn, protocol.OpCall, protocol.CallData{ID: "early", Action: "sendMessage"})

	// An unidentified call produces no result; identify still succeeds.
	sendFrame(t, conn, protocol.OpIdentify, protocol.IdentifyData{
		Token: "t1",
		Scope: protocol.Scope{Instances: []int64{0}},
	})
	frame := readFrame(t, conn)
	assert.Equal(t, protocol.OpReady, frame.Op)
	assert.Empty(t, gw.exec.captured())
}

func TestCloseTearsDownSessions(t *testing.T) {
	gw := newTestGateway(t)
	conn := dialGateway(t, gw.url)
	identify(t, conn, 0)

	gw.srv.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 0, gw.srv.SessionCount())
}

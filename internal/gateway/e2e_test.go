// ABOUTME: End-to-end exercise of the gateway: a real client completes the
// ABOUTME: handshake, receives a scoped event, and round-trips a call.

package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quetel/bridge/internal/client"
	"github.com/quetel/bridge/internal/message"
	"github.com/quetel/bridge/internal/protocol"
)

func TestGatewaySessionEndToEnd(t *testing.T) {
	gw := newTestGateway(t)

	c := client.New(client.Options{
		Endpoint:       gw.url,
		Token:          "t1",
		Name:           "qq-adapter",
		AdapterVersion: "1.0.0",
		Instances:      []int64{0},
	})
	defer c.Close()

	events := make(chan *protocol.GatewayEvent, 1)
	c.On(protocol.EventMessageCreated, func(ev *protocol.GatewayEvent) {
		events <- ev
	})

	require.NoError(t, c.Connect(t.Context()))

	// The ready snapshot carries the configured instance and pair.
	ready := c.Ready()
	require.NotNil(t, ready)
	assert.Equal(t, "bot-1", ready.Self.UserID)
	require.Len(t, ready.Instances, 1)
	assert.Equal(t, int64(-1001), ready.Instances[0].Pairs[0].TGChatID)

	// A published event reaches the scoped session with its sequence
	// number stamped.
	thread := int64(123)
	gw.srv.PublishEvent(0, &protocol.GatewayEvent{
		Type:      protocol.EventMessageCreated,
		ChannelID: "tg:c:-1001",
		ThreadID:  &thread,
		Actor:     protocol.Actor{UserID: "42", Name: "alice"},
		Message: protocol.EventMessage{
			MessageID: "tg:m:-1001:1",
			Platform:  "tg",
			Segments:  []message.Segment{message.Text("hello from telegram")},
			Timestamp: time.Now().UnixMilli(),
		},
	})

	select {
	case ev := <-events:
		assert.Equal(t, uint64(1), ev.Seq)
		assert.Equal(t, "tg:c:-1001", ev.ChannelID)
		require.NotNil(t, ev.ThreadID)
		assert.Equal(t, int64(123), *ev.ThreadID)
		assert.Equal(t, "alice", ev.Actor.Name)
		assert.Equal(t, "hello from telegram", message.PlainText(ev.Message.Segments))
	case <-time.After(5 * time.Second):
		t.Fatal("event never reached the client")
	}

	// The call round-trips through the decoded-params executor path.
	instance := int64(0)
	raw, err := c.Call(t.Context(), &instance, "sendMessage", map[string]any{
		"channelId": "tg:c:-1001:t:123",
		"segments":  []message.Segment{message.Text("hello from qq")},
	})
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "tg:m:-1001:2", out["messageId"])
	assert.Equal(t, "tg", out["platform"])

	calls := gw.exec.captured()
	require.Len(t, calls, 1)
	assert.Equal(t, "sendMessage", calls[0].Action)
	require.True(t, calls[0].Params.HasChannel)
	assert.Equal(t, int64(123), calls[0].Params.Channel.ThreadID)
}

// ABOUTME: Tests for the forwarding engine and executor: relay both ways,
// ABOUTME: dedup, reply mapping resolution, and gateway action dispatch.

package forward

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quetel/bridge/internal/address"
	"github.com/quetel/bridge/internal/dedupe"
	"github.com/quetel/bridge/internal/gateway"
	"github.com/quetel/bridge/internal/message"
	"github.com/quetel/bridge/internal/protocol"
	"github.com/quetel/bridge/internal/store"
)

type sentQQ struct {
	RoomID   int64
	ReplyTo  string
	Segments []message.Segment
}

type fakeQQ struct {
	mu   sync.Mutex
	sent []sentQQ
	next int
	fail bool
}

func (f *fakeQQ) SendMessage(ctx context.Context, roomID int64, replyTo string, segments []message.Segment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", fmt.Errorf("qq unavailable")
	}
	f.sent = append(f.sent, sentQQ{RoomID: roomID, ReplyTo: replyTo, Segments: segments})
	f.next++
	return fmt.Sprintf("q%d", f.next), nil
}

type sentTG struct {
	ChatID   int64
	ThreadID int64
	ReplyTo  string
	Segments []message.Segment
}

type fakeTG struct {
	mu   sync.Mutex
	sent []sentTG
	next int
}

func (f *fakeTG) SendMessage(ctx context.Context, chatID, threadID int64, replyTo string, segments []message.Segment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentTG{ChatID: chatID, ThreadID: threadID, ReplyTo: replyTo, Segments: segments})
	f.next++
	return fmt.Sprintf("%d", 100+f.next), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*protocol.GatewayEvent
}

func (p *recordingPublisher) PublishEvent(instanceID int64, ev *protocol.GatewayEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev.InstanceID = instanceID
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) all() []*protocol.GatewayEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*protocol.GatewayEvent(nil), p.events...)
}

type engineFixture struct {
	engine *Engine
	store  store.Store
	qq     *fakeQQ
	tg     *fakeTG
	pub    *recordingPublisher
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.CreateInstance(t.Context(), &store.Instance{ID: 1, BotUserID: "bot", BotName: "Bot"}))
	require.NoError(t, st.CreatePair(t.Context(), &store.Pair{
		InstanceID: 1, QQRoomID: 123, TGChatID: -1001, TGThreadID: 7,
	}))

	cache := dedupe.New(time.Minute, 1000)
	t.Cleanup(cache.Close)

	qq := &fakeQQ{}
	tg := &fakeTG{}
	pub := &recordingPublisher{}

	engine := NewEngine(Config{
		InstanceID: 1,
		Store:      st,
		QQ:         qq,
		Telegram:   tg,
		Publisher:  pub,
		Dedupe:     cache,
	})
	return &engineFixture{engine: engine, store: st, qq: qq, tg: tg, pub: pub}
}

func TestEngineWithoutCacheGetsPrivateDedupe(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.CreateInstance(t.Context(), &store.Instance{ID: 1, BotUserID: "bot", BotName: "Bot"}))

	pub := &recordingPublisher{}
	engine := NewEngine(Config{
		InstanceID: 1,
		Store:      st,
		QQ:         &fakeQQ{},
		Telegram:   &fakeTG{},
		Publisher:  pub,
	})

	actor := protocol.Actor{UserID: "42"}
	segs := []message.Segment{message.Text("hi")}
	require.NoError(t, engine.InboundQQ(t.Context(), 123, actor, "m1", segs))
	require.NoError(t, engine.InboundQQ(t.Context(), 123, actor, "m1", segs))

	// The private cache still drops the duplicate.
	assert.Len(t, pub.all(), 1)
}

func TestInboundQQRelaysToTelegram(t *testing.T) {
	fx := newEngineFixture(t)
	actor := protocol.Actor{UserID: "42", Name: "alice"}
	segs := []message.Segment{message.Text("hi")}

	require.NoError(t, fx.engine.InboundQQ(t.Context(), 123, actor, "m1", segs))

	// Published once, with the encoded channel and message ids.
	events := fx.pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventMessageCreated, events[0].Type)
	assert.Equal(t, "qq:g:123", events[0].ChannelID)
	assert.Equal(t, "qq:m:m1", events[0].Message.MessageID)
	assert.Equal(t, "alice", events[0].Actor.Name)

	// Relayed to the paired Telegram chat, into its thread.
	require.Len(t, fx.tg.sent, 1)
	assert.Equal(t, int64(-1001), fx.tg.sent[0].ChatID)
	assert.Equal(t, int64(7), fx.tg.sent[0].ThreadID)
	assert.Empty(t, fx.tg.sent[0].ReplyTo)

	// The relay was recorded so replies resolve later.
	mapping, err := fx.store.LookupByQQ(t.Context(), 1, "m1")
	require.NoError(t, err)
	assert.Equal(t, "101", mapping.TGMsgID)
	assert.Equal(t, int64(-1001), mapping.TGChatID)
}

func TestInboundQQDuplicateDropped(t *testing.T) {
	fx := newEngineFixture(t)
	actor := protocol.Actor{UserID: "42"}
	segs := []message.Segment{message.Text("hi")}

	require.NoError(t, fx.engine.InboundQQ(t.Context(), 123, actor, "m1", segs))
	require.NoError(t, fx.engine.InboundQQ(t.Context(), 123, actor, "m1", segs))

	assert.Len(t, fx.pub.all(), 1)
	assert.Len(t, fx.tg.sent, 1)
}

func TestRelayEchoNotRelayedBack(t *testing.T) {
	fx := newEngineFixture(t)
	actor := protocol.Actor{UserID: "42"}

	require.NoError(t, fx.engine.InboundQQ(t.Context(), 123, actor, "m1", []message.Segment{message.Text("hi")}))
	require.Len(t, fx.tg.sent, 1)

	// Telegram echoes the relayed copy (id 101) back as an inbound
	// message; the dedup mark from recordRelay suppresses it.
	require.NoError(t, fx.engine.InboundTelegram(t.Context(), -1001, 7, actor, "101", []message.Segment{message.Text("hi")}))

	assert.Len(t, fx.qq.sent, 0)
	assert.Len(t, fx.pub.all(), 1)
}

func TestInboundTelegramThreadMatching(t *testing.T) {
	fx := newEngineFixture(t)
	actor := protocol.Actor{UserID: "9", Name: "bob"}
	segs := []message.Segment{message.Text("from tg")}

	// Wrong thread: observed and published, but not relayed.
	require.NoError(t, fx.engine.InboundTelegram(t.Context(), -1001, 0, actor, "500", segs))
	assert.Len(t, fx.qq.sent, 0)

	// Matching thread relays to the paired QQ room.
	require.NoError(t, fx.engine.InboundTelegram(t.Context(), -1001, 7, actor, "501", segs))
	require.Len(t, fx.qq.sent, 1)
	assert.Equal(t, int64(123), fx.qq.sent[0].RoomID)

	events := fx.pub.all()
	require.Len(t, events, 2)
	assert.Equal(t, "tg:c:-1001", events[0].ChannelID)
	assert.Nil(t, events[0].ThreadID)
	assert.Equal(t, "tg:c:-1001:t:7", events[1].ChannelID)
	require.NotNil(t, events[1].ThreadID)
	assert.Equal(t, int64(7), *events[1].ThreadID)
	assert.Equal(t, "tg:m:-1001:501", events[1].Message.MessageID)
}

func TestRelayFailureStillPublishes(t *testing.T) {
	fx := newEngineFixture(t)
	fx.qq.fail = true

	err := fx.engine.InboundTelegram(t.Context(), -1001, 7, protocol.Actor{UserID: "9"}, "600", []message.Segment{message.Text("hi")})
	require.NoError(t, err)

	// The event reached subscribers even though delivery failed, and no
	// mapping was recorded for the failed relay.
	assert.Len(t, fx.pub.all(), 1)
	_, lookupErr := fx.store.LookupByTG(t.Context(), 1, -1001, "600")
	require.ErrorIs(t, lookupErr, store.ErrNotFound)
}

func TestReplyResolutionAcrossPlatforms(t *testing.T) {
	fx := newEngineFixture(t)
	actor := protocol.Actor{UserID: "42"}

	// m1 relays to Telegram as 101.
	require.NoError(t, fx.engine.InboundQQ(t.Context(), 123, actor, "m1", []message.Segment{message.Text("original")}))

	// A Telegram reply to 101 resolves back to QQ message m1.
	reply := []message.Segment{
		message.Reply("tg:m:-1001:101"),
		message.Text("replying"),
	}
	require.NoError(t, fx.engine.InboundTelegram(t.Context(), -1001, 7, actor, "502", reply))

	require.Len(t, fx.qq.sent, 1)
	assert.Equal(t, "m1", fx.qq.sent[0].ReplyTo)

	// A QQ reply to m1 resolves forward to Telegram message 101.
	reply = []message.Segment{
		message.Reply("qq:m:m1"),
		message.Text("and back"),
	}
	require.NoError(t, fx.engine.InboundQQ(t.Context(), 123, actor, "m2", reply))

	require.Len(t, fx.tg.sent, 2)
	assert.Equal(t, "101", fx.tg.sent[1].ReplyTo)
}

func TestReplyWithoutMappingDroppedSilently(t *testing.T) {
	fx := newEngineFixture(t)
	actor := protocol.Actor{UserID: "42"}

	reply := []message.Segment{message.Reply("qq:m:never-relayed"), message.Text("hi")}
	require.NoError(t, fx.engine.InboundQQ(t.Context(), 123, actor, "m9", reply))

	require.Len(t, fx.tg.sent, 1)
	assert.Empty(t, fx.tg.sent[0].ReplyTo)
}

func TestExecutorSendMessage(t *testing.T) {
	fx := newEngineFixture(t)
	x := NewExecutor(fx.engine)

	out, err := x.Execute(t.Context(), ActionSendMessage, &gateway.CallParams{
		HasChannel: true,
		Channel:    mustChannel(t, "tg:c:-1001:t:7"),
		Segments:   []message.Segment{message.Text("from adapter")},
	})
	require.NoError(t, err)

	res, ok := out.(SendResult)
	require.True(t, ok)
	assert.Equal(t, "tg:m:-1001:101", res.MessageID)
	assert.Equal(t, "tg", res.Platform)
	assert.NotZero(t, res.Timestamp)

	require.Len(t, fx.tg.sent, 1)
	assert.Equal(t, int64(7), fx.tg.sent[0].ThreadID)

	// The sent copy is marked: its echo is not republished.
	require.NoError(t, fx.engine.InboundTelegram(t.Context(), -1001, 7, protocol.Actor{}, "101", []message.Segment{message.Text("from adapter")}))
	assert.Empty(t, fx.pub.all())
}

func TestExecutorSendMessageValidation(t *testing.T) {
	fx := newEngineFixture(t)
	x := NewExecutor(fx.engine)

	_, err := x.Execute(t.Context(), ActionSendMessage, &gateway.CallParams{
		Segments: []message.Segment{message.Text("no channel")},
	})
	require.ErrorContains(t, err, "channelId")

	_, err = x.Execute(t.Context(), ActionSendMessage, &gateway.CallParams{
		HasChannel: true,
		Channel:    mustChannel(t, "qq:g:123"),
	})
	require.ErrorContains(t, err, "segments")
}

func TestExecutorListPairs(t *testing.T) {
	fx := newEngineFixture(t)
	x := NewExecutor(fx.engine)

	out, err := x.Execute(t.Context(), ActionListPairs, &gateway.CallParams{})
	require.NoError(t, err)

	pairs, ok := out.([]PairResult)
	require.True(t, ok)
	require.Len(t, pairs, 1)
	assert.Equal(t, int64(123), pairs[0].QQRoomID)
	assert.Equal(t, int64(-1001), pairs[0].TGChatID)
	assert.Equal(t, int64(7), pairs[0].TGThreadID)
}

func TestExecutorGetMessage(t *testing.T) {
	fx := newEngineFixture(t)
	x := NewExecutor(fx.engine)

	require.NoError(t, fx.engine.InboundQQ(t.Context(), 123, protocol.Actor{}, "m1", []message.Segment{message.Text("hi")}))

	for _, id := range []string{"qq:m:m1", "tg:m:-1001:101"} {
		out, err := x.Execute(t.Context(), ActionGetMessage, &gateway.CallParams{MessageID: id})
		require.NoError(t, err, "lookup by %s", id)
		mapping, ok := out.(MappingResult)
		require.True(t, ok)
		assert.Equal(t, "qq:m:m1", mapping.QQMessageID)
		assert.Equal(t, "tg:m:-1001:101", mapping.TGMessageID)
	}

	_, err := x.Execute(t.Context(), ActionGetMessage, &gateway.CallParams{MessageID: "qq:m:missing"})
	require.ErrorContains(t, err, "no mapping")

	_, err = x.Execute(t.Context(), ActionGetMessage, &gateway.CallParams{})
	require.ErrorContains(t, err, "messageId")
}

func TestExecutorUnknownAction(t *testing.T) {
	fx := newEngineFixture(t)
	x := NewExecutor(fx.engine)

	_, err := x.Execute(t.Context(), "teleport", &gateway.CallParams{})
	require.ErrorIs(t, err, gateway.ErrUnknownAction)
}

func TestSnapshot(t *testing.T) {
	fx := newEngineFixture(t)

	snaps, err := Snapshot(t.Context(), fx.store)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(1), snaps[0].ID)
	require.Len(t, snaps[0].Pairs, 1)
	assert.Equal(t, int64(-1001), snaps[0].Pairs[0].TGChatID)
}

func mustChannel(t *testing.T, s string) address.Channel {
	t.Helper()
	ch, err := address.DecodeChannel(s)
	require.NoError(t, err)
	return ch
}

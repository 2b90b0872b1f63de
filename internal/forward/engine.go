// ABOUTME: Forwarding engine for one bridge instance: relays messages between
// ABOUTME: the paired QQ room and Telegram chat, with dedup and reply mapping.

package forward

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quetel/bridge/internal/address"
	"github.com/quetel/bridge/internal/dedupe"
	"github.com/quetel/bridge/internal/message"
	"github.com/quetel/bridge/internal/protocol"
	"github.com/quetel/bridge/internal/store"
)

// QQSender delivers one unified message to a QQ room. Real platform glue
// implements this; tests use fakes. replyTo is the bare QQ message id,
// "" for no reply.
type QQSender interface {
	SendMessage(ctx context.Context, roomID int64, replyTo string, segments []message.Segment) (msgID string, err error)
}

// TelegramSender delivers one unified message to a Telegram chat,
// optionally into a forum-topic thread. replyTo is the bare Telegram
// message id within that chat.
type TelegramSender interface {
	SendMessage(ctx context.Context, chatID, threadID int64, replyTo string, segments []message.Segment) (msgID string, err error)
}

// EventPublisher receives the message.created events the engine emits.
// The gateway server implements this.
type EventPublisher interface {
	PublishEvent(instanceID int64, ev *protocol.GatewayEvent)
}

// Config assembles an Engine.
type Config struct {
	InstanceID int64
	Store      store.Store
	QQ         QQSender
	Telegram   TelegramSender
	Publisher  EventPublisher

	// Dedupe is shared across engines when the process runs several
	// instances; keys are globally unique encoded message ids. Nil gets
	// a private cache with default bounds.
	Dedupe *dedupe.Cache

	Logger *slog.Logger
}

// Engine relays inbound platform messages for one instance. Each inbound
// message is published to gateway subscribers exactly once and forwarded
// to the counterpart platform of every matching pair, recording the
// resulting message-id mapping so replies resolve across platforms.
type Engine struct {
	instanceID int64
	store      store.Store
	qq         QQSender
	tg         TelegramSender
	pub        EventPublisher
	dedupe     *dedupe.Cache
	logger     *slog.Logger
}

// Bounds for the private cache used when Config.Dedupe is nil.
const (
	defaultDedupeTTL  = 5 * time.Minute
	defaultDedupeSize = 100_000
)

// NewEngine creates an engine for one instance.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cache := cfg.Dedupe
	if cache == nil {
		cache = dedupe.New(defaultDedupeTTL, defaultDedupeSize)
	}
	return &Engine{
		instanceID: cfg.InstanceID,
		store:      cfg.Store,
		qq:         cfg.QQ,
		tg:         cfg.Telegram,
		pub:        cfg.Publisher,
		dedupe:     cache,
		logger:     logger.With("component", "forward", "instance_id", cfg.InstanceID),
	}
}

// InboundQQ handles one message observed in a QQ room: publishes the
// gateway event, then relays it to the Telegram side of every pair
// bound to the room. A message id seen within the dedup TTL is dropped
// entirely.
func (e *Engine) InboundQQ(ctx context.Context, roomID int64, actor protocol.Actor, msgID string, segments []message.Segment) error {
	ref := address.MessageRef{Platform: address.PlatformQQ, ID: msgID}
	if e.dedupe.CheckAndMark(ref.Encode()) {
		e.logger.Debug("duplicate qq message dropped", "message_id", msgID)
		return nil
	}

	channel := address.Channel{Platform: address.PlatformQQ, Kind: address.KindGroup, ID: roomID}
	e.publish(channel, nil, actor, ref, segments)

	pairs, err := e.store.ListPairs(ctx, e.instanceID)
	if err != nil {
		return fmt.Errorf("listing pairs: %w", err)
	}

	replyTo := e.resolveReplyForTelegram(ctx, segments)
	for _, pair := range pairs {
		if pair.QQRoomID != roomID {
			continue
		}
		tgID, err := e.tg.SendMessage(ctx, pair.TGChatID, pair.TGThreadID, replyTo, segments)
		if err != nil {
			e.logger.Error("relay to telegram failed",
				"qq_room_id", roomID,
				"tg_chat_id", pair.TGChatID,
				"error", err,
			)
			continue
		}
		e.recordRelay(ctx, msgID, pair.TGChatID, tgID)
	}
	return nil
}

// InboundTelegram handles one message observed in a Telegram chat,
// relaying to the QQ side of every matching pair. A pair with a thread
// id only matches messages in that thread.
func (e *Engine) InboundTelegram(ctx context.Context, chatID, threadID int64, actor protocol.Actor, msgID string, segments []message.Segment) error {
	ref := address.MessageRef{Platform: address.PlatformTelegram, ChatID: fmt.Sprintf("%d", chatID), ID: msgID}
	if e.dedupe.CheckAndMark(ref.Encode()) {
		e.logger.Debug("duplicate telegram message dropped", "chat_id", chatID, "message_id", msgID)
		return nil
	}

	channel := address.Channel{Platform: address.PlatformTelegram, Kind: address.KindChat, ID: chatID, ThreadID: threadID}
	var threadPtr *int64
	if threadID != 0 {
		threadPtr = &threadID
	}
	e.publish(channel, threadPtr, actor, ref, segments)

	pairs, err := e.store.ListPairs(ctx, e.instanceID)
	if err != nil {
		return fmt.Errorf("listing pairs: %w", err)
	}

	replyTo := e.resolveReplyForQQ(ctx, chatID, segments)
	for _, pair := range pairs {
		if pair.TGChatID != chatID || pair.TGThreadID != threadID {
			continue
		}
		qqID, err := e.qq.SendMessage(ctx, pair.QQRoomID, replyTo, segments)
		if err != nil {
			e.logger.Error("relay to qq failed",
				"tg_chat_id", chatID,
				"qq_room_id", pair.QQRoomID,
				"error", err,
			)
			continue
		}
		e.recordRelay(ctx, qqID, chatID, msgID)
	}
	return nil
}

func (e *Engine) publish(channel address.Channel, threadID *int64, actor protocol.Actor, ref address.MessageRef, segments []message.Segment) {
	if e.pub == nil {
		return
	}
	e.pub.PublishEvent(e.instanceID, &protocol.GatewayEvent{
		Type:      protocol.EventMessageCreated,
		ChannelID: channel.Encode(),
		ThreadID:  threadID,
		Actor:     actor,
		Message: protocol.EventMessage{
			MessageID: ref.Encode(),
			Platform:  string(ref.Platform),
			ThreadID:  threadID,
			Segments:  segments,
			Timestamp: time.Now().UnixMilli(),
		},
	})
}

// recordRelay persists the QQ↔Telegram id mapping and marks the relayed
// copy as seen so the counterpart's echo of it is not relayed back.
func (e *Engine) recordRelay(ctx context.Context, qqMsgID string, tgChatID int64, tgMsgID string) {
	echo := address.MessageRef{
		Platform: address.PlatformTelegram,
		ChatID:   fmt.Sprintf("%d", tgChatID),
		ID:       tgMsgID,
	}
	e.dedupe.CheckAndMark(echo.Encode())
	e.dedupe.CheckAndMark(address.MessageRef{Platform: address.PlatformQQ, ID: qqMsgID}.Encode())

	err := e.store.SaveMapping(ctx, &store.MessageMapping{
		InstanceID: e.instanceID,
		QQMsgID:    qqMsgID,
		TGChatID:   tgChatID,
		TGMsgID:    tgMsgID,
	})
	if err != nil {
		e.logger.Error("saving message mapping", "error", err)
	}
}

// resolveReplyForTelegram maps a QQ-side reply segment onto the Telegram
// message id it was previously relayed as. No mapping means no reply.
func (e *Engine) resolveReplyForTelegram(ctx context.Context, segments []message.Segment) string {
	target := message.ReplyTarget(segments)
	if target == "" {
		return ""
	}
	ref := address.DecodeMessage(target)
	if ref.IsFallback() {
		return ""
	}
	if ref.Platform != address.PlatformQQ {
		// Already a Telegram id; reply to it directly.
		return ref.ID
	}
	mapping, err := e.store.LookupByQQ(ctx, e.instanceID, ref.ID)
	if err != nil {
		return ""
	}
	return mapping.TGMsgID
}

// resolveReplyForQQ is the mirror image for Telegram-side replies.
func (e *Engine) resolveReplyForQQ(ctx context.Context, chatID int64, segments []message.Segment) string {
	target := message.ReplyTarget(segments)
	if target == "" {
		return ""
	}
	ref := address.DecodeMessage(target)
	if ref.IsFallback() {
		return ""
	}
	if ref.Platform == address.PlatformQQ {
		return ref.ID
	}
	mapping, err := e.store.LookupByTG(ctx, e.instanceID, chatID, ref.ID)
	if err != nil {
		return ""
	}
	return mapping.QQMsgID
}

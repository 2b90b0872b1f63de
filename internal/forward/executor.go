// ABOUTME: Gateway action executor backed by the forwarding engine: adapters
// ABOUTME: send messages, list pairs, and resolve message mappings through it.

package forward

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/quetel/bridge/internal/address"
	"github.com/quetel/bridge/internal/gateway"
	"github.com/quetel/bridge/internal/store"
)

// Gateway actions implemented by the executor.
const (
	ActionSendMessage = "sendMessage"
	ActionListPairs   = "listPairs"
	ActionGetMessage  = "getMessage"
)

// SendResult is the result payload of a sendMessage call.
type SendResult struct {
	MessageID string `json:"messageId"`
	Platform  string `json:"platform"`
	Timestamp int64  `json:"timestamp"`
}

// PairResult is one entry in a listPairs result.
type PairResult struct {
	QQRoomID   int64 `json:"qqRoomId"`
	TGChatID   int64 `json:"tgChatId"`
	TGThreadID int64 `json:"tgThreadId,omitempty"`
}

// MappingResult is the result payload of a getMessage call: both sides
// of one relayed message.
type MappingResult struct {
	QQMessageID string `json:"qqMessageId"`
	TGMessageID string `json:"tgMessageId"`
}

// Executor implements gateway.Executor on top of one instance's engine.
type Executor struct {
	engine *Engine
}

// NewExecutor wraps an engine for gateway call dispatch.
func NewExecutor(engine *Engine) *Executor {
	return &Executor{engine: engine}
}

// Execute dispatches one named action. Unknown names report
// gateway.ErrUnknownAction so the gateway answers with an
// unknown_action error result.
func (x *Executor) Execute(ctx context.Context, action string, params *gateway.CallParams) (any, error) {
	switch action {
	case ActionSendMessage:
		return x.sendMessage(ctx, params)
	case ActionListPairs:
		return x.listPairs(ctx)
	case ActionGetMessage:
		return x.getMessage(ctx, params)
	default:
		return nil, fmt.Errorf("%w: %s", gateway.ErrUnknownAction, action)
	}
}

// sendMessage delivers segments to the call's channel. The sent message
// is marked in the dedup cache so the platform's echo of it is not
// relayed back as a new inbound message.
func (x *Executor) sendMessage(ctx context.Context, params *gateway.CallParams) (any, error) {
	if !params.HasChannel {
		return nil, errors.New("sendMessage requires channelId")
	}
	if len(params.Segments) == 0 {
		return nil, errors.New("sendMessage requires segments")
	}

	e := x.engine
	switch params.Channel.Platform {
	case address.PlatformQQ:
		msgID, err := e.qq.SendMessage(ctx, params.Channel.ID, params.ReplyTo, params.Segments)
		if err != nil {
			return nil, fmt.Errorf("sending to qq: %w", err)
		}
		ref := address.MessageRef{Platform: address.PlatformQQ, ID: msgID}
		e.dedupe.CheckAndMark(ref.Encode())
		return SendResult{
			MessageID: ref.Encode(),
			Platform:  string(address.PlatformQQ),
			Timestamp: time.Now().UnixMilli(),
		}, nil

	case address.PlatformTelegram:
		msgID, err := e.tg.SendMessage(ctx, params.Channel.ID, params.Channel.ThreadID, params.ReplyTo, params.Segments)
		if err != nil {
			return nil, fmt.Errorf("sending to telegram: %w", err)
		}
		ref := address.MessageRef{
			Platform: address.PlatformTelegram,
			ChatID:   strconv.FormatInt(params.Channel.ID, 10),
			ID:       msgID,
		}
		e.dedupe.CheckAndMark(ref.Encode())
		return SendResult{
			MessageID: ref.Encode(),
			Platform:  string(address.PlatformTelegram),
			Timestamp: time.Now().UnixMilli(),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported platform %q", params.Channel.Platform)
	}
}

func (x *Executor) listPairs(ctx context.Context) (any, error) {
	pairs, err := x.engine.store.ListPairs(ctx, x.engine.instanceID)
	if err != nil {
		return nil, fmt.Errorf("listing pairs: %w", err)
	}
	out := make([]PairResult, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, PairResult{
			QQRoomID:   p.QQRoomID,
			TGChatID:   p.TGChatID,
			TGThreadID: p.TGThreadID,
		})
	}
	return out, nil
}

// getMessage resolves an encoded message id to both sides of its relay
// mapping.
func (x *Executor) getMessage(ctx context.Context, params *gateway.CallParams) (any, error) {
	if params.MessageID == "" {
		return nil, errors.New("getMessage requires messageId")
	}

	e := x.engine
	ref := address.DecodeMessage(params.MessageID)
	if ref.IsFallback() {
		return nil, fmt.Errorf("unrecognized message id %q", params.MessageID)
	}

	var (
		mapping *store.MessageMapping
		err     error
	)
	if ref.Platform == address.PlatformQQ {
		mapping, err = e.store.LookupByQQ(ctx, e.instanceID, ref.ID)
	} else {
		chatID, perr := strconv.ParseInt(ref.ChatID, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("unrecognized message id %q", params.MessageID)
		}
		mapping, err = e.store.LookupByTG(ctx, e.instanceID, chatID, ref.ID)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("no mapping for %s", params.MessageID)
		}
		return nil, fmt.Errorf("looking up mapping: %w", err)
	}

	return MappingResult{
		QQMessageID: address.MessageRef{Platform: address.PlatformQQ, ID: mapping.QQMsgID}.Encode(),
		TGMessageID: address.MessageRef{
			Platform: address.PlatformTelegram,
			ChatID:   strconv.FormatInt(mapping.TGChatID, 10),
			ID:       mapping.TGMsgID,
		}.Encode(),
	}, nil
}

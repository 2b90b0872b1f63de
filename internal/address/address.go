// ABOUTME: Encodes and decodes channel, message, and reply identifiers between
// ABOUTME: their wire string form and the platform-specific internal form.

package address

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Platform identifies which chat network an address belongs to.
type Platform string

const (
	PlatformQQ       Platform = "qq"
	PlatformTelegram Platform = "tg"
)

// ChannelKind distinguishes QQ group vs. private chats. Telegram chats
// always use KindChat.
type ChannelKind string

const (
	KindGroup   ChannelKind = "g"
	KindPrivate ChannelKind = "p"
	KindChat    ChannelKind = "c"
)

// ErrInvalidChannel is returned when a channel id string does not match
// the grammar. Unknown ops on the wire are dropped, but a malformed
// address inside an otherwise valid frame is a caller error.
var ErrInvalidChannel = errors.New("invalid channel id")

// Channel is the decoded form of a channel id. ThreadID is the Telegram
// forum-topic thread; zero means no thread.
type Channel struct {
	Platform Platform
	Kind     ChannelKind
	ID       int64
	ThreadID int64
}

// Encode renders the canonical string form:
// qq:g:<id>, qq:p:<id>, tg:c:<id>, tg:c:<id>:t:<threadId>.
func (c Channel) Encode() string {
	switch c.Platform {
	case PlatformQQ:
		return fmt.Sprintf("qq:%s:%d", c.Kind, c.ID)
	case PlatformTelegram:
		if c.ThreadID != 0 {
			return fmt.Sprintf("tg:c:%d:t:%d", c.ID, c.ThreadID)
		}
		return fmt.Sprintf("tg:c:%d", c.ID)
	default:
		return fmt.Sprintf("%s:%s:%d", c.Platform, c.Kind, c.ID)
	}
}

// DecodeChannel parses a channel id string. It is the left inverse of
// Channel.Encode for every representable Channel.
func DecodeChannel(s string) (Channel, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 {
		return Channel{}, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}

	switch Platform(parts[0]) {
	case PlatformQQ:
		return decodeQQChannel(s, parts)
	case PlatformTelegram:
		return decodeTelegramChannel(s, parts)
	default:
		return Channel{}, fmt.Errorf("%w: unknown platform in %q", ErrInvalidChannel, s)
	}
}

func decodeQQChannel(s string, parts []string) (Channel, error) {
	if len(parts) != 3 {
		return Channel{}, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
	kind := ChannelKind(parts[1])
	if kind != KindGroup && kind != KindPrivate {
		return Channel{}, fmt.Errorf("%w: unknown qq kind %q", ErrInvalidChannel, parts[1])
	}
	id, err := parseID(parts[2])
	if err != nil {
		return Channel{}, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
	return Channel{Platform: PlatformQQ, Kind: kind, ID: id}, nil
}

func decodeTelegramChannel(s string, parts []string) (Channel, error) {
	if parts[1] != string(KindChat) {
		return Channel{}, fmt.Errorf("%w: unknown tg kind %q", ErrInvalidChannel, parts[1])
	}
	id, err := parseID(parts[2])
	if err != nil {
		return Channel{}, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
	ch := Channel{Platform: PlatformTelegram, Kind: KindChat, ID: id}

	switch len(parts) {
	case 3:
		return ch, nil
	case 5:
		if parts[3] != "t" {
			return Channel{}, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
		}
		thread, err := parseID(parts[4])
		if err != nil {
			return Channel{}, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
		}
		ch.ThreadID = thread
		return ch, nil
	default:
		return Channel{}, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
}

// parseID rejects empty ids explicitly; strconv would too, but the empty
// case is the one the grammar calls out.
func parseID(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty id")
	}
	return strconv.ParseInt(s, 10, 64)
}

// MessageRef is the decoded form of a message id. ChatID is only
// meaningful on Telegram, where a bare message id is not globally
// unique; it is kept as a string so malformed inputs survive the
// fallback path losslessly.
type MessageRef struct {
	Platform Platform
	ChatID   string
	ID       string
}

// Encode renders qq:m:<id> or tg:m:<chatId>:<id>. Encoding is
// deterministic: the same ref always yields the same string.
func (m MessageRef) Encode() string {
	if m.Platform == PlatformQQ {
		return "qq:m:" + m.ID
	}
	return "tg:m:" + m.ChatID + ":" + m.ID
}

// fallbackMessageID marks a message ref recovered from a string without
// a recognized platform prefix.
const fallbackMessageID = "unknown"

// DecodeMessage parses a message id string. It never fails: inputs
// lacking a recognized prefix decode to a deterministic Telegram
// fallback that treats the whole input as the chat context
// (tg:m:<raw>:unknown). Decode is the left inverse of Encode only for
// well-formed inputs.
func DecodeMessage(s string) MessageRef {
	if rest, ok := strings.CutPrefix(s, "qq:m:"); ok {
		return MessageRef{Platform: PlatformQQ, ID: rest}
	}
	if rest, ok := strings.CutPrefix(s, "tg:m:"); ok {
		chat, id, found := strings.Cut(rest, ":")
		if !found {
			return MessageRef{Platform: PlatformTelegram, ChatID: chat, ID: fallbackMessageID}
		}
		return MessageRef{Platform: PlatformTelegram, ChatID: chat, ID: id}
	}
	return MessageRef{Platform: PlatformTelegram, ChatID: s, ID: fallbackMessageID}
}

// IsFallback reports whether the ref came out of DecodeMessage's
// unrecognized-input path.
func (m MessageRef) IsFallback() bool {
	return m.Platform == PlatformTelegram && m.ID == fallbackMessageID
}

// NormalizeReply maps a qualified message id (qq:m:..., tg:m:...) onto
// the bare platform reply token an executor expects. Inputs without a
// recognized prefix pass through unchanged.
func NormalizeReply(s string) string {
	if rest, ok := strings.CutPrefix(s, "qq:m:"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(s, "tg:m:"); ok {
		if _, id, found := strings.Cut(rest, ":"); found {
			return id
		}
		return rest
	}
	return s
}

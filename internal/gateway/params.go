// ABOUTME: Decoding of call parameters: encoded addresses are resolved to their
// ABOUTME: internal form before an executor ever sees them.

package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/quetel/bridge/internal/address"
	"github.com/quetel/bridge/internal/message"
)

// CallParams is the decoded parameter set handed to executors. Channel
// and ReplyTo are pre-decoded from their wire string forms; Raw keeps
// the original JSON for actions with parameters the gateway does not
// interpret.
type CallParams struct {
	// HasChannel reports whether the call carried a channelId.
	HasChannel bool
	Channel    address.Channel

	// ReplyTo is the normalized (bare) platform reply token, "" if absent.
	ReplyTo string

	// MessageID is the raw message id parameter, if present.
	MessageID string

	Segments []message.Segment

	Raw json.RawMessage
}

// wireParams is the subset of call parameters the gateway interprets.
type wireParams struct {
	ChannelID string            `json:"channelId"`
	ReplyTo   string            `json:"replyTo"`
	MessageID string            `json:"messageId"`
	Segments  []message.Segment `json:"segments"`
}

// decodeCallParams resolves the addresses embedded in raw call
// parameters. A malformed channel id fails the whole call; reply ids
// never fail (unrecognized ones pass through unchanged).
func decodeCallParams(raw json.RawMessage) (*CallParams, error) {
	params := &CallParams{Raw: raw}
	if len(raw) == 0 {
		return params, nil
	}

	var wire wireParams
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decoding call params: %w", err)
	}

	if wire.ChannelID != "" {
		ch, err := address.DecodeChannel(wire.ChannelID)
		if err != nil {
			return nil, err
		}
		params.HasChannel = true
		params.Channel = ch
	}

	if wire.ReplyTo != "" {
		params.ReplyTo = address.NormalizeReply(wire.ReplyTo)
	}

	params.MessageID = wire.MessageID
	params.Segments = wire.Segments
	return params, nil
}

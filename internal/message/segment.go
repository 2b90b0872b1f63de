// ABOUTME: Canonical cross-platform message content model (segments).
// ABOUTME: Pure data types shared by the forwarding engine and the gateway wire format.

package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SegmentType discriminates the segment union.
type SegmentType string

// Known segment types. Unknown types are preserved opaquely so newer
// peers can send segments older ones simply pass through.
const (
	SegmentText     SegmentType = "text"
	SegmentImage    SegmentType = "image"
	SegmentVideo    SegmentType = "video"
	SegmentAudio    SegmentType = "audio"
	SegmentFile     SegmentType = "file"
	SegmentLocation SegmentType = "location"
	SegmentDice     SegmentType = "dice"
	SegmentAt       SegmentType = "at"
	SegmentReply    SegmentType = "reply"
	SegmentSticker  SegmentType = "sticker"
	SegmentForward  SegmentType = "forward"
)

// Segment is one typed unit of message content. Segments are ordered;
// concatenation order is the content order.
type Segment struct {
	Type SegmentType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TextData is the payload of a "text" segment.
type TextData struct {
	Text string `json:"text"`
}

// MediaData is the payload of image/video/audio/file/sticker segments.
type MediaData struct {
	URL      string `json:"url,omitempty"`
	FileID   string `json:"fileId,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Spoiler  bool   `json:"spoiler,omitempty"`
}

// LocationData is the payload of a "location" segment.
type LocationData struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Title     string  `json:"title,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// DiceData is the payload of a "dice" segment.
type DiceData struct {
	Emoji string `json:"emoji,omitempty"`
	Value int    `json:"value"`
}

// AtData is the payload of an "at" (mention) segment.
type AtData struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

// ReplyData is the payload of a "reply" segment. ID is an encoded
// message id (see the address package); the gateway normalizes it to
// the bare platform token before it reaches an executor.
type ReplyData struct {
	ID string `json:"id"`
}

// Text builds a text segment.
func Text(text string) Segment {
	return mustSegment(SegmentText, TextData{Text: text})
}

// At builds a mention segment.
func At(userID, name string) Segment {
	return mustSegment(SegmentAt, AtData{UserID: userID, Name: name})
}

// Reply builds a reply segment referencing an encoded message id.
func Reply(id string) Segment {
	return mustSegment(SegmentReply, ReplyData{ID: id})
}

// Image builds an image segment.
func Image(data MediaData) Segment {
	return mustSegment(SegmentImage, data)
}

func mustSegment(typ SegmentType, data any) Segment {
	raw, err := json.Marshal(data)
	if err != nil {
		// All builder payloads are plain structs; this cannot fail.
		panic(fmt.Sprintf("marshaling %s segment: %v", typ, err))
	}
	return Segment{Type: typ, Data: raw}
}

// AsText decodes the segment payload as TextData.
func (s Segment) AsText() (TextData, error) {
	var d TextData
	return d, s.decode(SegmentText, &d)
}

// AsReply decodes the segment payload as ReplyData.
func (s Segment) AsReply() (ReplyData, error) {
	var d ReplyData
	return d, s.decode(SegmentReply, &d)
}

// AsAt decodes the segment payload as AtData.
func (s Segment) AsAt() (AtData, error) {
	var d AtData
	return d, s.decode(SegmentAt, &d)
}

// AsMedia decodes image/video/audio/file/sticker payloads.
func (s Segment) AsMedia() (MediaData, error) {
	var d MediaData
	switch s.Type {
	case SegmentImage, SegmentVideo, SegmentAudio, SegmentFile, SegmentSticker:
		if err := json.Unmarshal(s.Data, &d); err != nil {
			return d, fmt.Errorf("decoding %s segment: %w", s.Type, err)
		}
		return d, nil
	default:
		return d, fmt.Errorf("segment is %s, not a media type", s.Type)
	}
}

func (s Segment) decode(want SegmentType, into any) error {
	if s.Type != want {
		return fmt.Errorf("segment is %s, not %s", s.Type, want)
	}
	if err := json.Unmarshal(s.Data, into); err != nil {
		return fmt.Errorf("decoding %s segment: %w", want, err)
	}
	return nil
}

// PlainText concatenates the textual parts of a segment slice, in order.
// Mentions render as @name, everything else contributes nothing.
func PlainText(segments []Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		switch seg.Type {
		case SegmentText:
			if d, err := seg.AsText(); err == nil {
				b.WriteString(d.Text)
			}
		case SegmentAt:
			if d, err := seg.AsAt(); err == nil {
				b.WriteString("@")
				if d.Name != "" {
					b.WriteString(d.Name)
				} else {
					b.WriteString(d.UserID)
				}
			}
		}
	}
	return b.String()
}

// ReplyTarget returns the encoded message id of the first reply segment,
// or "" when the message replies to nothing.
func ReplyTarget(segments []Segment) string {
	for _, seg := range segments {
		if seg.Type != SegmentReply {
			continue
		}
		if d, err := seg.AsReply(); err == nil {
			return d.ID
		}
	}
	return ""
}

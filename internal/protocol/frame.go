// ABOUTME: Wire frame definitions for the gateway protocol.
// ABOUTME: One JSON object per WebSocket text message; tagged union keyed by op.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the protocol version carried in every frame.
const Version = 1

// Op discriminates the frame union.
type Op string

const (
	OpHello    Op = "hello"
	OpIdentify Op = "identify"
	OpReady    Op = "ready"
	OpEvent    Op = "event"
	OpCall     Op = "call"
	OpResult   Op = "result"
	OpError    Op = "error"
	OpPing     Op = "ping"
	OpPong     Op = "pong"
)

// ErrUnknownOp is returned by Decode for ops this build does not know.
// Receivers discard such frames silently; the protocol stays forward
// compatible by ignoring unknown operations.
var ErrUnknownOp = errors.New("unknown op")

var knownOps = map[Op]bool{
	OpHello:    true,
	OpIdentify: true,
	OpReady:    true,
	OpEvent:    true,
	OpCall:     true,
	OpResult:   true,
	OpError:    true,
	OpPing:     true,
	OpPong:     true,
}

// Frame is one discrete message on the gateway socket. T is the send
// timestamp in epoch milliseconds, advisory only. Data holds the
// op-specific payload; ping and pong carry null.
type Frame struct {
	Op   Op              `json:"op"`
	V    int             `json:"v"`
	T    int64           `json:"t"`
	Data json.RawMessage `json:"data"`
}

// New builds a frame for op with the given payload, stamping the
// version and send time. A nil payload produces data: null.
func New(op Op, payload any) (Frame, error) {
	f := Frame{Op: op, V: Version, T: time.Now().UnixMilli()}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s payload: %w", op, err)
	}
	f.Data = data
	return f, nil
}

// Encode serializes a frame for op with the given payload.
func Encode(op Op, payload any) ([]byte, error) {
	f, err := New(op, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Decode parses one wire message into a Frame. Malformed JSON yields a
// json error; a syntactically valid frame with an unrecognized op
// yields ErrUnknownOp. Both cases are discarded by receivers.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("parsing frame: %w", err)
	}
	if !knownOps[f.Op] {
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownOp, f.Op)
	}
	return f, nil
}

// DecodeData unmarshals the op-specific payload into the given struct.
func (f Frame) DecodeData(into any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Op)
	}
	if err := json.Unmarshal(f.Data, into); err != nil {
		return fmt.Errorf("decoding %s payload: %w", f.Op, err)
	}
	return nil
}

// Package protocol defines the gateway wire format.
//
// # Frames
//
// Every message on the gateway socket is exactly one JSON object, a Frame,
// carrying:
//
//   - op: the operation (hello, identify, ready, event, call, result,
//     error, ping, pong)
//   - v:  protocol version, currently 1
//   - t:  send timestamp in epoch milliseconds, advisory only
//   - data: the op-specific payload (null for ping/pong)
//
// # Handshake ordering
//
// The server sends hello immediately on accept. The client answers with
// identify (token + requested instance scope). The server validates the
// token and replies ready, after which it delivers event frames for the
// identified scope and answers call frames with correlated result frames.
//
// # Forward compatibility
//
// Frames that fail to parse, and frames whose op is unrecognized, are
// silently discarded by both sides. error frames are informational at any
// state and never cause a transition.
package protocol

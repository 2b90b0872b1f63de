// Package gateway implements the server side of the bridge gateway protocol.
//
// # Sessions
//
// Each accepted WebSocket connection becomes a session. The server sends
// hello immediately; the session stays unidentified until a valid identify
// arrives, at which point it joins the registry with its negotiated
// instance scope and receives a ready frame carrying the instance/pair
// snapshot.
//
// All inbound frame handling for one session runs on its single read
// goroutine, so per-session handshake state needs no locking. State shared
// across sessions — the registry and the per-instance executor table — is
// mutex guarded.
//
// # Event publication
//
// PublishEvent stamps each event with a process-wide monotonic sequence
// number before scope filtering, then queues the frame on every session
// scoped to the instance. Session writes are fire-and-forget: a full send
// queue drops the frame rather than blocking the publisher.
//
// # Calls
//
// Inbound call frames are answered with result frames correlated by id.
// The gateway decodes the channelId/replyTo addresses in the parameters,
// resolves the instance's executor (created lazily via the configured
// resolver, persisting for the server lifetime), and reports executor
// failures — including unknown action names — through the error-result
// path, never as protocol errors.
package gateway

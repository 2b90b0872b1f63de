// Package client implements the adapter side of the bridge gateway
// protocol.
//
// A Client dials the gateway WebSocket endpoint, waits for hello,
// identifies with its token and instance scope, and reports ready once
// the server accepts it. From then on it dispatches inbound events to
// registered handlers and correlates call results back to their
// callers.
//
// Calls are asynchronous under the hood: each gets a unique id, a
// buffered completion channel, and a timeout. A disconnect rejects all
// in-flight calls immediately because a new connection is a new session
// and their results can never arrive.
//
// With Reconnect enabled the client schedules a fresh connection
// attempt after a fixed delay whenever the socket drops. Close cancels
// any scheduled attempt and makes the client permanently unusable.
package client

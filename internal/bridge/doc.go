// Package bridge assembles the daemon: it opens the store, builds the
// per-instance forwarding engines, mounts the gateway WebSocket endpoint
// and health routes on one HTTP listener, and owns startup and graceful
// shutdown.
package bridge

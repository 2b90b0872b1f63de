// Package dedupe provides message deduplication using a time-based cache
// so the forwarding engine processes each relayed message only once.
package dedupe

// Package message defines the canonical, platform-agnostic representation
// of chat message content.
//
// A message body is an ordered slice of Segments. Each segment is a tagged
// union: a type discriminator plus a type-specific data payload kept as raw
// JSON so unknown segment types survive a round trip through peers that do
// not understand them.
//
// The package is pure data; converting platform-native rich content to and
// from segments is the job of the platform adapters.
package message

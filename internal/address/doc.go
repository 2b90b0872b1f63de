// Package address converts channel and message identifiers between
// their wire string form and the platform-specific internal form.
//
// # Channel ids
//
//	qq:g:<roomId>              QQ group
//	qq:p:<userId>              QQ private chat
//	tg:c:<chatId>              Telegram chat
//	tg:c:<chatId>:t:<threadId> Telegram forum topic
//
// Channel decoding is strict: empty or non-numeric ids are rejected.
//
// # Message ids
//
//	qq:m:<msgId>
//	tg:m:<chatId>:<msgId>
//
// Message decoding never fails. Strings without a recognized prefix map
// to a deterministic Telegram fallback so a malformed reference still
// round-trips instead of crashing a relay path.
package address

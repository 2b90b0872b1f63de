// Package store provides persistent storage for the bridge using SQLite.
//
// # Data models
//
//   - Instance: one bridged QQ account and its bot identity
//   - Pair: a QQ room bound to a Telegram chat (optionally a forum thread)
//   - MessageMapping: both platform ids of one relayed message, used to
//     resolve replies across platforms
//
// # SQLite configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use NewSQLiteStore(":memory:") for tests. The schema is created
// automatically on initialization.
//
// All methods accept context.Context; missing rows report ErrNotFound.
package store

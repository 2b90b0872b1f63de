// ABOUTME: Store interface and entity types for bridge persistence.
// ABOUTME: Instances, forwarding pairs, and cross-platform message id mappings.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// Instance is one independently configured forwarding endpoint:
// one QQ account bridged to one or more Telegram chats.
type Instance struct {
	ID        int64
	BotUserID string
	BotName   string
	CreatedAt time.Time
}

// Pair links a QQ room to a Telegram chat (optionally a forum topic
// thread) within an instance.
type Pair struct {
	InstanceID int64
	QQRoomID   int64
	TGChatID   int64
	TGThreadID int64 // 0 = no thread
	CreatedAt  time.Time
}

// MessageMapping records that a QQ message and a Telegram message are
// the same logical message, so replies can be resolved across platforms.
type MessageMapping struct {
	InstanceID int64
	QQMsgID    string
	TGChatID   int64
	TGMsgID    string
	CreatedAt  time.Time
}

// Store is the persistence boundary for the bridge.
type Store interface {
	// Instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id int64) (*Instance, error)
	ListInstances(ctx context.Context) ([]*Instance, error)

	// Forwarding pairs
	CreatePair(ctx context.Context, pair *Pair) error
	DeletePair(ctx context.Context, instanceID, qqRoomID, tgChatID int64) error
	ListPairs(ctx context.Context, instanceID int64) ([]*Pair, error)

	// Message mappings
	SaveMapping(ctx context.Context, m *MessageMapping) error
	LookupByQQ(ctx context.Context, instanceID int64, qqMsgID string) (*MessageMapping, error)
	LookupByTG(ctx context.Context, instanceID, tgChatID int64, tgMsgID string) (*MessageMapping, error)

	Close() error
}

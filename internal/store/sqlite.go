// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides instance/pair/mapping persistence with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS instances (
			id          INTEGER PRIMARY KEY,
			bot_user_id TEXT NOT NULL DEFAULT '',
			bot_name    TEXT NOT NULL DEFAULT '',
			created_at  DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS forward_pairs (
			instance_id  INTEGER NOT NULL,
			qq_room_id   INTEGER NOT NULL,
			tg_chat_id   INTEGER NOT NULL,
			tg_thread_id INTEGER NOT NULL DEFAULT 0,
			created_at   DATETIME NOT NULL,
			PRIMARY KEY (instance_id, qq_room_id, tg_chat_id),
			FOREIGN KEY (instance_id) REFERENCES instances(id)
		);

		CREATE INDEX IF NOT EXISTS idx_pairs_instance
			ON forward_pairs(instance_id);

		CREATE TABLE IF NOT EXISTS message_mappings (
			instance_id INTEGER NOT NULL,
			qq_msg_id   TEXT NOT NULL,
			tg_chat_id  INTEGER NOT NULL,
			tg_msg_id   TEXT NOT NULL,
			created_at  DATETIME NOT NULL,
			PRIMARY KEY (instance_id, qq_msg_id)
		);

		CREATE INDEX IF NOT EXISTS idx_mappings_tg
			ON message_mappings(instance_id, tg_chat_id, tg_msg_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateInstance inserts a new instance record.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *Instance) error {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (id, bot_user_id, bot_name, created_at) VALUES (?, ?, ?, ?)`,
		inst.ID, inst.BotUserID, inst.BotName, inst.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting instance: %w", err)
	}
	return nil
}

// GetInstance returns the instance with the given id.
func (s *SQLiteStore) GetInstance(ctx context.Context, id int64) (*Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, bot_user_id, bot_name, created_at FROM instances WHERE id = ?`, id)

	var inst Instance
	err := row.Scan(&inst.ID, &inst.BotUserID, &inst.BotName, &inst.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning instance: %w", err)
	}
	return &inst, nil
}

// ListInstances returns all instances ordered by id.
func (s *SQLiteStore) ListInstances(ctx context.Context) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_user_id, bot_name, created_at FROM instances ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying instances: %w", err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		var inst Instance
		if err := rows.Scan(&inst.ID, &inst.BotUserID, &inst.BotName, &inst.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning instance: %w", err)
		}
		instances = append(instances, &inst)
	}
	return instances, rows.Err()
}

// CreatePair inserts a forwarding pair.
func (s *SQLiteStore) CreatePair(ctx context.Context, pair *Pair) error {
	if pair.CreatedAt.IsZero() {
		pair.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO forward_pairs (instance_id, qq_room_id, tg_chat_id, tg_thread_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		pair.InstanceID, pair.QQRoomID, pair.TGChatID, pair.TGThreadID, pair.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting pair: %w", err)
	}
	return nil
}

// DeletePair removes a forwarding pair. Deleting a missing pair returns
// ErrNotFound.
func (s *SQLiteStore) DeletePair(ctx context.Context, instanceID, qqRoomID, tgChatID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM forward_pairs WHERE instance_id = ? AND qq_room_id = ? AND tg_chat_id = ?`,
		instanceID, qqRoomID, tgChatID,
	)
	if err != nil {
		return fmt.Errorf("deleting pair: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPairs returns all forwarding pairs for an instance.
func (s *SQLiteStore) ListPairs(ctx context.Context, instanceID int64) ([]*Pair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, qq_room_id, tg_chat_id, tg_thread_id, created_at
		 FROM forward_pairs WHERE instance_id = ? ORDER BY qq_room_id, tg_chat_id`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pairs: %w", err)
	}
	defer rows.Close()

	var pairs []*Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.InstanceID, &p.QQRoomID, &p.TGChatID, &p.TGThreadID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning pair: %w", err)
		}
		pairs = append(pairs, &p)
	}
	return pairs, rows.Err()
}

// SaveMapping records a QQ<->Telegram message id mapping. Saving the
// same QQ message id again replaces the previous mapping.
func (s *SQLiteStore) SaveMapping(ctx context.Context, m *MessageMapping) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO message_mappings (instance_id, qq_msg_id, tg_chat_id, tg_msg_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.InstanceID, m.QQMsgID, m.TGChatID, m.TGMsgID, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting mapping: %w", err)
	}
	return nil
}

// LookupByQQ finds the mapping for a QQ message id.
func (s *SQLiteStore) LookupByQQ(ctx context.Context, instanceID int64, qqMsgID string) (*MessageMapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT instance_id, qq_msg_id, tg_chat_id, tg_msg_id, created_at
		 FROM message_mappings WHERE instance_id = ? AND qq_msg_id = ?`,
		instanceID, qqMsgID,
	)
	return scanMapping(row)
}

// LookupByTG finds the mapping for a Telegram message.
func (s *SQLiteStore) LookupByTG(ctx context.Context, instanceID, tgChatID int64, tgMsgID string) (*MessageMapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT instance_id, qq_msg_id, tg_chat_id, tg_msg_id, created_at
		 FROM message_mappings WHERE instance_id = ? AND tg_chat_id = ? AND tg_msg_id = ?`,
		instanceID, tgChatID, tgMsgID,
	)
	return scanMapping(row)
}

func scanMapping(row *sql.Row) (*MessageMapping, error) {
	var m MessageMapping
	err := row.Scan(&m.InstanceID, &m.QQMsgID, &m.TGChatID, &m.TGMsgID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning mapping: %w", err)
	}
	return &m, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Package queue is the durable holding area for messages authored while
// disconnected. Entries survive process restarts and are replayed through the
// send pipeline in enqueue order once connectivity returns.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chatsync/internal/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteQueue stores queued sends in a local SQLite database.
type SQLiteQueue struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteQueue(dbPath string, logger *slog.Logger) (*SQLiteQueue, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create queue directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	q := &SQLiteQueue{db: db, logger: logger}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue migration failed: %w", err)
	}
	return q, nil
}

func (q *SQLiteQueue) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS outbox (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		local_id        TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		content         TEXT NOT NULL,
		created_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_conv ON outbox(conversation_id, seq);
	`
	_, err := q.db.Exec(schema)
	return err
}

// Enqueue stores a send authored offline and returns its local id. The id is
// provisional-namespaced so the row can be shown as queued immediately.
func (q *SQLiteQueue) Enqueue(ctx context.Context, conversationID, content string) (domain.QueuedSend, error) {
	entry := domain.QueuedSend{
		LocalID:        domain.ProvisionalPrefix + uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO outbox (local_id, conversation_id, content, created_at) VALUES (?, ?, ?, ?)`,
		entry.LocalID, entry.ConversationID, entry.Content, entry.CreatedAt,
	)
	if err != nil {
		return domain.QueuedSend{}, fmt.Errorf("enqueue: %w", err)
	}
	q.logger.Debug("send queued offline", "conversation", conversationID, "local_id", entry.LocalID)
	return entry, nil
}

// Pending returns all queued sends in enqueue order: FIFO per conversation,
// interleaved across conversations by enqueue time.
func (q *SQLiteQueue) Pending(ctx context.Context) ([]domain.QueuedSend, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT local_id, conversation_id, content, created_at FROM outbox ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.QueuedSend
	for rows.Next() {
		var e domain.QueuedSend
		if err := rows.Scan(&e.LocalID, &e.ConversationID, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Remove deletes an entry once ownership has transferred to the send
// pipeline. Removing an already-removed entry is a no-op, so a repeated
// flush trigger cannot double-send.
func (q *SQLiteQueue) Remove(ctx context.Context, localID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM outbox WHERE local_id = ?`, localID)
	return err
}

// Len reports how many sends are waiting.
func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

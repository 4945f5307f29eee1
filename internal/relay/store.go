package relay

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"shiplive/native/internal/domain"

	_ "modernc.org/sqlite"
)

// Store keeps the chat history of every order in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates messages.db in dir.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "messages.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			order_id   TEXT NOT NULL,
			sender     TEXT NOT NULL,
			type       TEXT NOT NULL,
			content    TEXT NOT NULL DEFAULT '',
			file_url   TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS messages_order ON messages (order_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &Store{db: db}, nil
}

// Append stores msg. A message whose id is already stored is left as is and
// reported as not inserted.
func (s *Store) Append(ctx context.Context, msg domain.ChatMessage) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, order_id, sender, type, content, file_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.OrderID, string(msg.Sender), string(msg.Type), msg.Content, msg.FileURL,
		msg.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// History returns the messages of orderID ordered by creation time, then by
// insertion order. An order without messages yields an empty slice.
func (s *Store) History(ctx context.Context, orderID string) ([]domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, sender, type, content, file_url, created_at
		FROM messages WHERE order_id = ?
		ORDER BY created_at, rowid`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := []domain.ChatMessage{}
	for rows.Next() {
		var (
			m      domain.ChatMessage
			sender string
			typ    string
			nanos  int64
		)
		if err := rows.Scan(&m.ID, &m.OrderID, &sender, &typ, &m.Content, &m.FileURL, &nanos); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Sender = domain.Sender(sender)
		m.Type = domain.MessageType(typ)
		m.CreatedAt = time.Unix(0, nanos).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

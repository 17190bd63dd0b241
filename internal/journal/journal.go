// Package journal stores delivered messages in SQLite so they can be listed later.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultLimit is used by Recent when no positive limit is given.
const DefaultLimit = 50

// Entry is one journaled message.
type Entry struct {
	ID         int64
	Pipe       string
	ReceivedAt time.Time
	Size       int
	Payload    []byte
}

// Journal is a SQLite-backed message log.
type Journal struct {
	conn *sql.DB
	path string
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL lets `history` read while `listen` is writing.
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_loc=auto")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	j := &Journal{
		conn: conn,
		path: path,
	}

	if err := j.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pipe TEXT NOT NULL,
		received_at DATETIME NOT NULL,
		size INTEGER NOT NULL,
		payload BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages(received_at DESC);
	`

	_, err := j.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.conn != nil {
		return j.conn.Close()
	}
	return nil
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// Append records one message and returns its id.
func (j *Journal) Append(ctx context.Context, pipe string, receivedAt time.Time, payload []byte) (int64, error) {
	result, err := j.conn.ExecContext(ctx, `
		INSERT INTO messages (pipe, received_at, size, payload)
		VALUES (?, ?, ?, ?)
	`, pipe, receivedAt.UTC(), len(payload), payload)
	if err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}
	return result.LastInsertId()
}

// Recent returns the newest entries first. An empty pipe matches every pipe.
func (j *Journal) Recent(ctx context.Context, pipe string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := j.conn.QueryContext(ctx, `
		SELECT id, pipe, received_at, size, payload
		FROM messages
		WHERE ? = '' OR pipe = ?
		ORDER BY received_at DESC, id DESC
		LIMIT ?
	`, pipe, pipe, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Pipe, &e.ReceivedAt, &e.Size, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Count returns the number of entries for pipe, or for all pipes when pipe is empty.
func (j *Journal) Count(ctx context.Context, pipe string) (int64, error) {
	var count int64
	err := j.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE ? = '' OR pipe = ?
	`, pipe, pipe).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// Prune deletes entries received before cutoff and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := j.conn.ExecContext(ctx, `
		DELETE FROM messages WHERE received_at < ?
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	return result.RowsAffected()
}

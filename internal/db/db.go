package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Event type constants: process lifecycle
const (
	EventProcessStarted = "process.started"
	EventProcessStopped = "process.stopped"
	EventSweepCompleted = "sweep.completed"
	EventPollFailed     = "poll.failed"
	EventCircuitOpened  = "circuit.opened"
	EventCircuitClosed  = "circuit.closed"
)

// Event type constants: message handling
const (
	EventMessageReceived     = "message.received"
	EventCommandHandled      = "command.handled"
	EventAckPrompted         = "ack.prompted"
	EventAckAccepted         = "ack.accepted"
	EventCompletionStarted   = "completion.started"
	EventCompletionCompleted = "completion.completed"
	EventCompletionFailed    = "completion.failed"
	EventReplySent           = "reply.sent"
	EventHandlerFailed       = "handler.failed"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// InitSchema creates the events and inbox tables.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);

		CREATE TABLE IF NOT EXISTS inbox (
			update_id INTEGER PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			received_at INTEGER NOT NULL DEFAULT (unixepoch())
		);
	`)
	return err
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.Exec(
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}

// ClaimUpdate records an inbound update. It returns false when the update was
// already seen, which happens when the platform redelivers.
func ClaimUpdate(db *sql.DB, updateID, chatID int64) (bool, error) {
	res, err := db.Exec(
		`INSERT OR IGNORE INTO inbox (update_id, chat_id) VALUES (?, ?)`,
		updateID, chatID,
	)
	if err != nil {
		return false, fmt.Errorf("claim update %d: %w", updateID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim update %d: %w", updateID, err)
	}
	return n == 1, nil
}

// DeriveOffset returns the next Telegram polling offset derived from the inbox table.
// Returns 0 if inbox is empty.
func DeriveOffset(database *sql.DB) (int64, error) {
	var offset int64
	err := database.QueryRow(`SELECT COALESCE(MAX(update_id) + 1, 0) FROM inbox`).Scan(&offset)
	return offset, err
}

// PruneInbox deletes inbox rows older than cutoffUnix, keeping the newest row
// so DeriveOffset keeps working.
func PruneInbox(database *sql.DB, cutoffUnix int64) (int64, error) {
	res, err := database.Exec(
		`DELETE FROM inbox WHERE received_at < ? AND update_id < (SELECT MAX(update_id) FROM inbox)`,
		cutoffUnix,
	)
	if err != nil {
		return 0, fmt.Errorf("prune inbox: %w", err)
	}
	return res.RowsAffected()
}

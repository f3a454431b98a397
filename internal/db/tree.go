package db

import (
	"database/sql"
	"fmt"
)

// Event represents a row from the events table.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp int64          `json:"timestamp"`
	ParentID  sql.NullInt64  `json:"-"`
	EventType string         `json:"event_type"`
	Payload   sql.NullString `json:"-"`
	Children  []*Event       `json:"children,omitempty"`
}

// OpenReadOnly opens an existing event database without write access.
func OpenReadOnly(path string) (*sql.DB, error) {
	database, err := sql.Open("sqlite3", path+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return database, nil
}

// LatestProcessRoot returns the id of the most recent process.started event.
func LatestProcessRoot(database *sql.DB) (int64, error) {
	var id int64
	err := database.QueryRow(
		`SELECT id FROM events WHERE event_type = ? ORDER BY id DESC LIMIT 1`,
		EventProcessStarted,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("no %s event found", EventProcessStarted)
	}
	return id, err
}

// QuerySubtree returns all events in the subtree rooted at rootID using a recursive CTE.
func QuerySubtree(database *sql.DB, rootID int64) ([]*Event, error) {
	rows, err := database.Query(`
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ParentID, &e.EventType, &e.Payload); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// BuildTree links events to their parents and returns the root, or nil when
// rootID is not among events.
func BuildTree(events []*Event, rootID int64) *Event {
	byID := make(map[int64]*Event, len(events))
	for _, e := range events {
		e.Children = nil
		byID[e.ID] = e
	}
	for _, e := range events {
		if e.ID == rootID || !e.ParentID.Valid {
			continue
		}
		if parent, ok := byID[e.ParentID.Int64]; ok {
			parent.Children = append(parent.Children, e)
		}
	}
	return byID[rootID]
}

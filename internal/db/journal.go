package db

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"
)

// Journal writes the event log for one running process. Events without an
// explicit parent hang off the process.started event.
type Journal struct {
	db   *sql.DB
	root *int64
}

// NewJournal logs process.started with payload and returns a journal rooted at it.
func NewJournal(database *sql.DB, payload map[string]any) (*Journal, error) {
	id, err := LogEvent(database, nil, EventProcessStarted, payload)
	if err != nil {
		return nil, err
	}
	return &Journal{db: database, root: &id}, nil
}

// RootID returns the id of the process.started event.
func (j *Journal) RootID() int64 {
	return *j.root
}

// Claim records an inbound update; false means it was already handled.
func (j *Journal) Claim(updateID, chatID int64) (bool, error) {
	return ClaimUpdate(j.db, updateID, chatID)
}

// Record logs an event and returns its id, or 0 when the write failed. Event
// log failures never interrupt message handling.
func (j *Journal) Record(parentID *int64, eventType string, payload map[string]any) int64 {
	if parentID == nil || *parentID == 0 {
		parentID = j.root
	}
	id, err := LogEvent(j.db, parentID, eventType, payload)
	if err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to record event")
		return 0
	}
	return id
}

// Offset returns the next long-poll offset.
func (j *Journal) Offset() (int64, error) {
	return DeriveOffset(j.db)
}

// PruneBefore drops inbox rows received before cutoff.
func (j *Journal) PruneBefore(cutoff time.Time) (int64, error) {
	return PruneInbox(j.db, cutoff.Unix())
}

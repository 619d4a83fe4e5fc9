// Package ledger provides an append-only event history for shaded.
// It records applied commands, schedule fires, calibration results and
// solar refreshes for auditing.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventType represents the type of event in the ledger
type EventType string

const (
	EventCommandApplied   EventType = "command_applied"
	EventCommandRejected  EventType = "command_rejected"
	EventScheduleFired    EventType = "schedule_fired"
	EventCalibrationDone  EventType = "calibration_completed"
	EventCalibrationAbort EventType = "calibration_aborted"
	EventTargetReached    EventType = "target_reached"
	EventSolarRefreshed   EventType = "solar_refreshed"
	EventSolarFailed      EventType = "solar_failed"
)

// Entry represents a single event in the ledger
type Entry struct {
	ID        int64          `json:"id"`
	EventType EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	Source    string         `json:"source,omitempty"`
}

// Ledger provides append-only event logging
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Append adds a new event to the ledger
func (l *Ledger) Append(eventType EventType, source string, payload map[string]any) error {
	var payloadJSON []byte
	var err error

	if payload != nil {
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	_, err = l.db.Exec(
		`INSERT INTO event_ledger (event_type, timestamp, payload, source) VALUES (?, ?, ?, ?)`,
		string(eventType), l.now().UTC().Unix(), string(payloadJSON), source,
	)
	return err
}

// GetByType returns entries filtered by event type, newest first
func (l *Ledger) GetByType(eventType EventType, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, payload, source
		FROM event_ledger
		WHERE event_type = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, string(eventType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// Recent returns the newest entries of any type
func (l *Ledger) Recent(limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, payload, source
		FROM event_ledger
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention).Unix()
	result, err := l.db.Exec(`
		DELETE FROM event_ledger WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payloadStr, source sql.NullString
		var timestamp int64

		if err := rows.Scan(&entry.ID, &entry.EventType, &timestamp, &payloadStr, &source); err != nil {
			return nil, err
		}

		entry.Timestamp = time.Unix(timestamp, 0).UTC()
		if source.Valid {
			entry.Source = source.String
		}

		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

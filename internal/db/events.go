package db

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/wrangler/internal/events"
)

// RecordEvent persists a loop event
func (s *Store) RecordEvent(e *events.Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	data, err := e.MarshalData()
	if err != nil {
		return fmt.Errorf("encoding event data: %w", err)
	}
	_, err = s.DB.Exec(`
		INSERT INTO events (id, run_id, type, timestamp, task_id, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.RunID, string(e.Type), e.Timestamp, e.TaskID, string(data))
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}

// ListEvents returns stored events matching filter, oldest first
func (s *Store) ListEvents(filter events.EventFilter) ([]*events.Event, error) {
	var where []string
	var args []any
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if len(filter.Types) > 0 {
		marks := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Since > 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since)
	}

	query := `SELECT id, COALESCE(run_id, ''), type, timestamp, COALESCE(task_id, ''), COALESCE(data, '') FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, rowid ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		var e events.Event
		var kind, data string
		if err := rows.Scan(&e.ID, &e.RunID, &kind, &e.Timestamp, &e.TaskID, &data); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Type = events.EventType(kind)
		if err := e.UnmarshalData([]byte(data)); err != nil {
			return nil, fmt.Errorf("decoding event %s: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

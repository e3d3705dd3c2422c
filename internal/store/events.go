package store

import (
	"fmt"

	"github.com/calldwell/overseer/internal/event"
)

// AppendDomainEvent assigns the event's version and writes it to the
// durable log. Versions are strictly increasing per aggregate with no gaps:
// the counter bump and the row insert happen in one transaction, and the
// UNIQUE(aggregate_id, version) constraint rejects any race that slips
// through.
func (s *Store) AppendDomainEvent(ev *event.DomainEvent) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRow(`
		INSERT INTO aggregate_versions (aggregate_id, version) VALUES (?, 1)
		ON CONFLICT(aggregate_id) DO UPDATE SET version = version + 1
		RETURNING version`,
		ev.AggregateID).Scan(&next)
	if err != nil {
		return fmt.Errorf("next event version: %w", err)
	}
	ev.Version = next

	_, err = tx.Exec(`
		INSERT INTO domain_events (id, workspace, aggregate_id, version, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Workspace, ev.AggregateID, ev.Version, string(ev.Type), string(ev.Payload), ev.Timestamp)
	if err != nil {
		return fmt.Errorf("append domain event: %w", err)
	}

	return tx.Commit()
}

// ListDomainEvents returns events for a workspace in append order. A limit
// of 0 means no limit.
func (s *Store) ListDomainEvents(workspace string, limit int) ([]*event.DomainEvent, error) {
	query := `
		SELECT id, workspace, aggregate_id, version, event_type, payload, created_at
		FROM domain_events WHERE workspace = ? ORDER BY created_at ASC, id ASC`
	args := []any{workspace}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list domain events: %w", err)
	}
	defer rows.Close()

	var out []*event.DomainEvent
	for rows.Next() {
		ev := &event.DomainEvent{}
		var eventType, payload string
		if err := rows.Scan(&ev.ID, &ev.Workspace, &ev.AggregateID, &ev.Version,
			&eventType, &payload, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Type = event.Type(eventType)
		if payload != "" {
			ev.Payload = []byte(payload)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastVersion returns the highest version assigned to an aggregate, or 0
// if it has no events.
func (s *Store) LastVersion(aggregateID string) (int64, error) {
	var v int64
	err := s.db.QueryRow(`
		SELECT COALESCE(MAX(version), 0) FROM aggregate_versions WHERE aggregate_id = ?`,
		aggregateID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("last version: %w", err)
	}
	return v, nil
}

// ClearDomainEvents deletes the durable event log for a workspace and
// returns the number of rows removed. Version counters are untouched;
// aggregates continue from their last assigned version.
func (s *Store) ClearDomainEvents(workspace string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM domain_events WHERE workspace = ?`, workspace)
	if err != nil {
		return 0, fmt.Errorf("clear domain events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

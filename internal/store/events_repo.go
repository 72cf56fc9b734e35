package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"browserfarm/internal/core"
)

// AppendEvent records an orchestrator event row.
func (s *Store) AppendEvent(ctx context.Context, event *core.Event) error {
	event.CreatedAt = time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO events (id, profile_id, level, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, event.ID, nullableString(event.ProfileID), event.Level, event.Message,
		event.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, limit, offset int) ([]*core.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, profile_id, level, message, created_at
		FROM events
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var events []*core.Event
	for rows.Next() {
		var (
			id        string
			profileID sql.NullString
			level     string
			message   string
			createdAt string
		)
		if err := rows.Scan(&id, &profileID, &level, &message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event := &core.Event{
			ID:        id,
			Level:     core.EventLevel(level),
			Message:   message,
			CreatedAt: mustParseTime(createdAt),
		}
		if profileID.Valid {
			event.ProfileID = &profileID.String
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// PruneEvents removes event rows older than the store's retention window.
func (s *Store) PruneEvents(ctx context.Context) (int64, error) {
	if s.EventRetention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.EventRetention)
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM events WHERE created_at < ?
	`, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

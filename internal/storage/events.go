package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// InsertEvents stores a batch, skipping rows whose (project_id, event_id)
// already exists, and returns how many rows were actually inserted.
func (s *SQLStore) InsertEvents(ctx context.Context, events []EventRow) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO events (project_id, session_id, event_id, type, payload, timestamp, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id, event_id) DO NOTHING
	`))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	createdAt := s.nowMillis()
	saved := 0
	for _, e := range events {
		payload := string(e.Payload)
		if payload == "" {
			payload = "{}"
		}
		res, err := stmt.ExecContext(ctx,
			e.ProjectID, e.SessionID, e.EventID, e.Type, payload, e.Timestamp, createdAt,
		)
		if err != nil {
			return 0, fmt.Errorf("insert event %s: %w", e.EventID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		saved += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return saved, nil
}

// ListEvents returns matching events ordered by client timestamp ascending.
func (s *SQLStore) ListEvents(ctx context.Context, f EventFilter) ([]EventRow, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ProjectID != 0 {
		conds = append(conds, "project_id = "+arg(f.ProjectID))
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = "+arg(f.SessionID))
	}
	if f.Type != "" {
		conds = append(conds, "type = "+arg(f.Type))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, project_id, session_id, event_id, type, payload, timestamp, created_at
		FROM events
		`+where+`
		ORDER BY timestamp ASC, id ASC
	`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e         EventRow
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.SessionID, &e.EventID, &e.Type, &payload, &e.Timestamp, &createdAt); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		e.CreatedAt = fromMillis(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteEventsBefore removes events stored before cutoff and reports how
// many were deleted. Sessions and issues are kept.
func (s *SQLStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM events WHERE created_at < $1`), cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

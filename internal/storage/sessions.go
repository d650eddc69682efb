package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// UpsertSession creates the session on its first batch or folds the batch
// into the existing summary. Counters are relative updates so concurrent
// batches for one session never lose increments. Identity fields are only
// overwritten when supplied; device fields are only filled when empty.
// A session id already owned by another project is left untouched and
// yields ErrSessionOwnedByOtherProject.
func (s *SQLStore) UpsertSession(ctx context.Context, d SessionDelta) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sessions (
			session_id, project_id, started_at, first_event_at, last_event_at,
			click_count, page_view_count, issue_count, user_id, user_email,
			browser, os, device_type, country, city, created_at
		) VALUES ($1, $2, $3, $3, $4, $5, $6, 0, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (session_id) DO UPDATE SET
			last_event_at = excluded.last_event_at,
			click_count = sessions.click_count + excluded.click_count,
			page_view_count = sessions.page_view_count + excluded.page_view_count,
			user_id = COALESCE(excluded.user_id, sessions.user_id),
			user_email = COALESCE(excluded.user_email, sessions.user_email),
			browser = COALESCE(sessions.browser, excluded.browser),
			os = COALESCE(sessions.os, excluded.os),
			device_type = COALESCE(sessions.device_type, excluded.device_type),
			country = COALESCE(sessions.country, excluded.country),
			city = COALESCE(sessions.city, excluded.city)
		WHERE sessions.project_id = excluded.project_id
	`),
		d.SessionID, d.ProjectID, d.FirstEventAt, d.LastEventAt,
		d.ClickDelta, d.PageViewDelta, d.UserID, d.UserEmail,
		nullIfEmpty(d.Device.Browser), nullIfEmpty(d.Device.OS), nullIfEmpty(d.Device.DeviceType),
		nullIfEmpty(d.Device.Country), nullIfEmpty(d.Device.City),
		s.nowMillis(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionOwnedByOtherProject
	}
	return nil
}

const sessionColumns = `
	s.session_id, s.project_id, COALESCE(p.name, ''),
	s.started_at, s.first_event_at, s.last_event_at,
	s.click_count, s.page_view_count, s.issue_count,
	s.user_id, s.user_email,
	s.browser, s.os, s.device_type, s.country, s.city`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRow, error) {
	var (
		r                           SessionRow
		started, first, last        int64
		userID, userEmail           sql.NullString
		browser, osName, deviceType sql.NullString
		country, city               sql.NullString
	)
	err := row.Scan(
		&r.SessionID, &r.ProjectID, &r.ProjectName,
		&started, &first, &last,
		&r.ClickCount, &r.PageViewCount, &r.IssueCount,
		&userID, &userEmail,
		&browser, &osName, &deviceType, &country, &city,
	)
	if err != nil {
		return SessionRow{}, err
	}
	r.StartedAt = fromMillis(started)
	r.FirstEventAt = fromMillis(first)
	r.LastEventAt = fromMillis(last)
	if userID.Valid {
		r.UserID = &userID.String
	}
	if userEmail.Valid {
		r.UserEmail = &userEmail.String
	}
	r.Device = DeviceInfo{
		Browser:    browser.String,
		OS:         osName.String,
		DeviceType: deviceType.String,
		Country:    country.String,
		City:       city.String,
	}
	return r, nil
}

// GetSession returns one session summary, or ErrNotFound.
func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (SessionRow, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+sessionColumns+`
		FROM sessions s
		LEFT JOIN projects p ON s.project_id = p.id
		WHERE s.session_id = $1
	`), sessionID)
	r, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRow{}, ErrNotFound
	}
	return r, err
}

// ListSessions returns sessions with the most recent activity first.
func (s *SQLStore) ListSessions(ctx context.Context, f SessionFilter) ([]SessionRow, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.ProjectID != 0 {
		conds = append(conds, "s.project_id = "+arg(f.ProjectID))
	}
	if f.UserID != "" {
		conds = append(conds, "s.user_id = "+arg(f.UserID))
	}
	if f.MinDuration > 0 {
		conds = append(conds, "(s.last_event_at - s.started_at) >= "+arg(f.MinDuration.Milliseconds()))
	}
	if f.URLContains != "" {
		conds = append(conds, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM events e
			WHERE e.session_id = s.session_id
			AND %s %s %s
		)`, s.jsonText("e.payload", "meta", "url"), s.ilike(), arg("%"+f.URLContains+"%")))
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxSessionLimit {
		limit = maxSessionLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT ` + sessionColumns + `
		FROM sessions s
		LEFT JOIN projects p ON s.project_id = p.id
		` + where + `
		ORDER BY s.last_event_at DESC, s.session_id
		LIMIT ` + arg(limit) + ` OFFSET ` + arg(offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionRow
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, r)
	}
	return sessions, rows.Err()
}

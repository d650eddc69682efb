package storage

import (
	"context"
	"fmt"
	"strings"
)

// UpsertIssue records a detection. The first detection for the
// (project, session, type, element) key inserts a row with an occurrence
// count of 1; later ones increment the count and move last_seen_at.
// Concurrent callers are serialized by the unique key, not by locking.
func (s *SQLStore) UpsertIssue(ctx context.Context, u IssueUpsert) error {
	seenAt := u.SeenAt
	if seenAt.IsZero() {
		seenAt = s.now()
	}

	severityUpdate := ""
	if u.ReplaceSeverity {
		severityUpdate = ", severity = excluded.severity"
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO issues (
			project_id, session_id, issue_type, element, severity,
			occurrence_count, first_seen_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, 1, $6, $6)
		ON CONFLICT (project_id, session_id, issue_type, element) DO UPDATE SET
			occurrence_count = issues.occurrence_count + 1,
			last_seen_at = excluded.last_seen_at`+severityUpdate),
		u.ProjectID, u.SessionID, u.IssueType, u.Element, u.Severity, seenAt.UnixMilli(),
	)
	return err
}

// RecountSessionIssues sets sessions.issue_count to the live number of
// the project's issue rows for the session and returns it.
func (s *SQLStore) RecountSessionIssues(ctx context.Context, projectID int64, sessionID string) (int, error) {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sessions SET issue_count = (
			SELECT COUNT(*) FROM issues WHERE project_id = $1 AND session_id = $2
		) WHERE project_id = $1 AND session_id = $2
	`), projectID, sessionID)
	if err != nil {
		return 0, err
	}

	var count int
	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM issues WHERE project_id = $1 AND session_id = $2
	`), projectID, sessionID).Scan(&count)
	return count, err
}

// ListIssues returns issues newest first.
func (s *SQLStore) ListIssues(ctx context.Context, f IssueFilter) ([]IssueRow, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ProjectID != 0 {
		conds = append(conds, "i.project_id = "+arg(f.ProjectID))
	}
	if f.SessionID != "" {
		conds = append(conds, "i.session_id = "+arg(f.SessionID))
	}
	if f.IssueType != "" {
		conds = append(conds, "i.issue_type = "+arg(f.IssueType))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT i.id, i.project_id, COALESCE(p.name, ''), i.session_id, i.issue_type, i.element,
			i.severity, i.occurrence_count, i.first_seen_at, i.last_seen_at
		FROM issues i
		LEFT JOIN projects p ON i.project_id = p.id
		`+where+`
		ORDER BY i.first_seen_at DESC, i.id DESC
		LIMIT `+arg(limit)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var issues []IssueRow
	for rows.Next() {
		var (
			r                   IssueRow
			firstSeen, lastSeen int64
		)
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.ProjectName, &r.SessionID, &r.IssueType, &r.Element,
			&r.Severity, &r.OccurrenceCount, &firstSeen, &lastSeen); err != nil {
			return nil, err
		}
		r.FirstSeenAt = fromMillis(firstSeen)
		r.LastSeenAt = fromMillis(lastSeen)
		issues = append(issues, r)
	}
	return issues, rows.Err()
}

// IssueSummary counts issues grouped by type and project. A zero
// projectID covers all projects.
func (s *SQLStore) IssueSummary(ctx context.Context, projectID int64) ([]IssueCount, error) {
	query := `
		SELECT i.issue_type, i.project_id, COALESCE(p.name, ''), COUNT(*)
		FROM issues i
		LEFT JOIN projects p ON i.project_id = p.id`
	var args []any
	if projectID != 0 {
		query += ` WHERE i.project_id = $1`
		args = append(args, projectID)
	}
	query += ` GROUP BY i.issue_type, i.project_id, p.name ORDER BY i.project_id, i.issue_type`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []IssueCount
	for rows.Next() {
		var c IssueCount
		if err := rows.Scan(&c.IssueType, &c.ProjectID, &c.ProjectName, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// DeleteIssue removes one issue row. The owning session's issue_count is
// corrected on its next ingest.
func (s *SQLStore) DeleteIssue(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM issues WHERE id = $1`), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

package storage

import "strings"

// All timestamp columns hold epoch milliseconds so both dialects compare
// and subtract them the same way.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS projects (
	id {{serial}},
	name TEXT NOT NULL,
	api_key TEXT NOT NULL UNIQUE,
	created_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	project_id BIGINT NOT NULL REFERENCES projects(id),
	started_at BIGINT NOT NULL,
	first_event_at BIGINT NOT NULL,
	last_event_at BIGINT NOT NULL,
	click_count BIGINT NOT NULL DEFAULT 0,
	page_view_count BIGINT NOT NULL DEFAULT 0,
	issue_count BIGINT NOT NULL DEFAULT 0,
	user_id TEXT,
	user_email TEXT,
	browser TEXT,
	os TEXT,
	device_type TEXT,
	country TEXT,
	city TEXT,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions (project_id, last_event_at);
CREATE TABLE IF NOT EXISTS events (
	id {{serial}},
	project_id BIGINT NOT NULL,
	session_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	timestamp BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	UNIQUE (project_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events (session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events (created_at);
CREATE TABLE IF NOT EXISTS issues (
	id {{serial}},
	project_id BIGINT NOT NULL,
	session_id TEXT NOT NULL,
	issue_type TEXT NOT NULL,
	element TEXT NOT NULL,
	severity TEXT NOT NULL DEFAULT 'low',
	occurrence_count BIGINT NOT NULL DEFAULT 1,
	first_seen_at BIGINT NOT NULL,
	last_seen_at BIGINT NOT NULL,
	UNIQUE (project_id, session_id, issue_type, element)
);
CREATE INDEX IF NOT EXISTS idx_issues_session ON issues (session_id);
CREATE INDEX IF NOT EXISTS idx_issues_type ON issues (project_id, issue_type);
`

func schema(d dialect) []string {
	serial := "BIGSERIAL PRIMARY KEY"
	if d == dialectSQLite {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	ddl := strings.ReplaceAll(schemaTemplate, "{{serial}}", serial)

	var stmts []string
	for _, stmt := range strings.Split(ddl, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

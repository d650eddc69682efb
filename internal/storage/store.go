// Package storage persists projects, sessions, events and detected issues
// in a relational database. PostgreSQL (via pgx) is the production backend;
// SQLite runs the same statements for local development and tests.
package storage

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// ErrNotFound is returned when a keyed lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrSessionOwnedByOtherProject is returned when a session id is already
// registered under a different project.
var ErrSessionOwnedByOtherProject = errors.New("session belongs to another project")

// Project is a tenant that owns sessions.
type Project struct {
	ID        int64
	Name      string
	APIKey    string
	CreatedAt time.Time
}

// DeviceInfo describes the client a session was first seen from.
type DeviceInfo struct {
	Browser    string
	OS         string
	DeviceType string
	Country    string
	City       string
}

// SessionDelta is the change one ingest batch applies to a session summary.
// Timestamps are epoch milliseconds as sent by the client.
type SessionDelta struct {
	ProjectID     int64
	SessionID     string
	FirstEventAt  int64
	LastEventAt   int64
	ClickDelta    int
	PageViewDelta int
	UserID        *string
	UserEmail     *string
	Device        DeviceInfo
}

// SessionRow represents a row in the sessions table
type SessionRow struct {
	SessionID     string
	ProjectID     int64
	ProjectName   string
	StartedAt     time.Time
	FirstEventAt  time.Time
	LastEventAt   time.Time
	ClickCount    int
	PageViewCount int
	IssueCount    int
	UserID        *string
	UserEmail     *string
	Device        DeviceInfo
}

// Duration is the time between the first and the latest event of the session.
func (s SessionRow) Duration() time.Duration {
	return s.LastEventAt.Sub(s.StartedAt)
}

// EventRow represents a row in the events table
type EventRow struct {
	ID        int64
	ProjectID int64
	SessionID string
	EventID   string
	Type      string
	Payload   json.RawMessage
	Timestamp int64
	CreatedAt time.Time
}

// IssueUpsert describes one detection to be recorded.
type IssueUpsert struct {
	ProjectID int64
	SessionID string
	IssueType string
	Element   string
	Severity  string
	// ReplaceSeverity overwrites the stored severity on repeat detections.
	ReplaceSeverity bool
	SeenAt          time.Time
}

// IssueRow represents a row in the issues table
type IssueRow struct {
	ID              int64
	ProjectID       int64
	ProjectName     string
	SessionID       string
	IssueType       string
	Element         string
	Severity        string
	OccurrenceCount int
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
}

// IssueCount is one bucket of the issue summary.
type IssueCount struct {
	IssueType   string
	ProjectID   int64
	ProjectName string
	Count       int
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	ProjectID   int64
	UserID      string
	MinDuration time.Duration
	URLContains string
	Limit       int
	Offset      int
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	ProjectID int64
	SessionID string
	Type      string
}

// IssueFilter narrows ListIssues.
type IssueFilter struct {
	ProjectID int64
	SessionID string
	IssueType string
	Limit     int
}

const (
	defaultListLimit = 100
	maxSessionLimit  = 500
)

// EventID derives the dedup key of an event from its session, client
// timestamp, type and position in the submitted batch. Resending an
// identical batch yields identical ids; the same event at a different
// position yields a different id.
func EventID(sessionID string, timestamp int64, eventType string, index int) string {
	h := sha1.New()
	h.Write([]byte(sessionID))
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte(eventType))
	h.Write([]byte(strconv.Itoa(index)))
	return hex.EncodeToString(h.Sum(nil))
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

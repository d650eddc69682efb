package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/gosight/bugscout/internal/ingest"
	"github.com/gosight/bugscout/internal/storage"
)

// DashboardStore is the read side used by the dashboard API.
type DashboardStore interface {
	ListSessions(ctx context.Context, f storage.SessionFilter) ([]storage.SessionRow, error)
	GetSession(ctx context.Context, sessionID string) (storage.SessionRow, error)
	ListEvents(ctx context.Context, f storage.EventFilter) ([]storage.EventRow, error)
	ListIssues(ctx context.Context, f storage.IssueFilter) ([]storage.IssueRow, error)
	IssueSummary(ctx context.Context, projectID int64) ([]storage.IssueCount, error)
	DeleteIssue(ctx context.Context, id int64) error
}

// Dashboard serves the authenticated read API over sessions, events and issues.
type Dashboard struct {
	store     DashboardStore
	authToken string
}

func NewDashboard(store DashboardStore, authToken string) *Dashboard {
	return &Dashboard{store: store, authToken: authToken}
}

// Routes mounts every dashboard endpoint behind the auth token check.
func (d *Dashboard) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(d.requireToken)

	r.Get("/", d.handleIndex)
	r.Get("/sessions", d.handleSessions)
	r.Get("/sessions/{id}/events", d.handleSessionEvents)
	r.Get("/sessions/{id}/export", d.handleSessionExport)
	r.Get("/sessions/{id}/console-logs", d.handleConsoleLogs)
	r.Get("/issues", d.handleIssues)
	r.Get("/issues/summary", d.handleIssueSummary)
	r.Delete("/issues/{id}", d.handleDeleteIssue)
	return r
}

// requireToken rejects every request when no token is configured.
func (d *Dashboard) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Auth-Token")
		if d.authToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(d.authToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, messageResponse{Message: "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type sessionJSON struct {
	SessionID       string    `json:"session_id"`
	ProjectID       int64     `json:"project_id"`
	ProjectName     string    `json:"project_name"`
	StartedAt       time.Time `json:"started_at"`
	LastEventAt     time.Time `json:"last_event_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	ClickCount      int       `json:"click_count"`
	PageViewCount   int       `json:"page_view_count"`
	IssueCount      int       `json:"issue_count"`
	UserID          *string   `json:"user_id,omitempty"`
	UserEmail       *string   `json:"user_email,omitempty"`
	Browser         string    `json:"browser,omitempty"`
	OS              string    `json:"os,omitempty"`
	DeviceType      string    `json:"device_type,omitempty"`
	Country         string    `json:"country,omitempty"`
	City            string    `json:"city,omitempty"`
}

func toSessionJSON(s storage.SessionRow) sessionJSON {
	return sessionJSON{
		SessionID:       s.SessionID,
		ProjectID:       s.ProjectID,
		ProjectName:     s.ProjectName,
		StartedAt:       s.StartedAt,
		LastEventAt:     s.LastEventAt,
		DurationSeconds: s.Duration().Seconds(),
		ClickCount:      s.ClickCount,
		PageViewCount:   s.PageViewCount,
		IssueCount:      s.IssueCount,
		UserID:          s.UserID,
		UserEmail:       s.UserEmail,
		Browser:         s.Device.Browser,
		OS:              s.Device.OS,
		DeviceType:      s.Device.DeviceType,
		Country:         s.Device.Country,
		City:            s.Device.City,
	}
}

type eventJSON struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	CreatedAt time.Time      `json:"created_at"`
	Level     any            `json:"level,omitempty"`
	Message   any            `json:"message,omitempty"`
	Meta      map[string]any `json:"meta"`
}

func toEventJSON(e storage.EventRow) eventJSON {
	return eventJSON{
		ID:        e.ID,
		Type:      e.Type,
		Timestamp: e.Timestamp,
		CreatedAt: e.CreatedAt,
		Meta:      ingest.DecodeMeta(e.Payload),
	}
}

type issueJSON struct {
	ID              int64     `json:"id"`
	ProjectID       int64     `json:"project_id"`
	ProjectName     string    `json:"project_name"`
	SessionID       string    `json:"session_id"`
	IssueType       string    `json:"issue_type"`
	Element         string    `json:"element"`
	Severity        string    `json:"severity"`
	OccurrenceCount int       `json:"occurrence_count"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

func (d *Dashboard) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Dashboard API",
		"endpoints": map[string]string{
			"sessions":           "GET /dashboard/sessions",
			"sessionEvents":      "GET /dashboard/sessions/{id}/events",
			"sessionExport":      "GET /dashboard/sessions/{id}/export",
			"sessionConsoleLogs": "GET /dashboard/sessions/{id}/console-logs",
			"issues":             "GET /dashboard/issues",
			"issuesSummary":      "GET /dashboard/issues/summary",
			"deleteIssue":        "DELETE /dashboard/issues/{id}",
		},
		"queryParams": map[string][]string{
			"sessions": {"project_id", "limit", "offset", "user_id", "min_duration_seconds", "url_contains"},
			"issues":   {"project_id", "session_id", "issue_type", "limit"},
		},
	})
}

func (d *Dashboard) handleSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID, ok := queryInt64(w, q.Get("project_id"), "project_id")
	if !ok {
		return
	}

	f := storage.SessionFilter{
		ProjectID:   projectID,
		UserID:      q.Get("user_id"),
		URLContains: q.Get("url_contains"),
		Limit:       atoiOrZero(q.Get("limit")),
		Offset:      atoiOrZero(q.Get("offset")),
	}
	if v := q.Get("min_duration_seconds"); v != "" {
		if sec, err := strconv.ParseFloat(v, 64); err == nil && sec > 0 {
			f.MinDuration = time.Duration(sec * float64(time.Second))
		}
	}

	rows, err := d.store.ListSessions(r.Context(), f)
	if err != nil {
		d.internalError(w, r, err)
		return
	}

	sessions := make([]sessionJSON, 0, len(rows))
	for _, s := range rows {
		sessions = append(sessions, toSessionJSON(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": sessions})
}

func (d *Dashboard) sessionEvents(ctx context.Context, sessionID, eventType string) ([]eventJSON, error) {
	rows, err := d.store.ListEvents(ctx, storage.EventFilter{SessionID: sessionID, Type: eventType})
	if err != nil {
		return nil, err
	}
	events := make([]eventJSON, 0, len(rows))
	for _, e := range rows {
		events = append(events, toEventJSON(e))
	}
	return events, nil
}

func (d *Dashboard) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	events, err := d.sessionEvents(r.Context(), sessionID, "")
	if err != nil {
		d.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": sessionID,
		"events":     events,
	})
}

func (d *Dashboard) handleSessionExport(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	session, err := d.store.GetSession(r.Context(), sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, messageResponse{Message: "Session not found"})
		return
	}
	if err != nil {
		d.internalError(w, r, err)
		return
	}

	events, err := d.sessionEvents(r.Context(), sessionID, "")
	if err != nil {
		d.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"session": toSessionJSON(session),
		"events":  events,
	})
}

func (d *Dashboard) handleConsoleLogs(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	logs, err := d.sessionEvents(r.Context(), sessionID, "console")
	if err != nil {
		d.internalError(w, r, err)
		return
	}
	for i := range logs {
		logs[i].Level = logs[i].Meta["level"]
		logs[i].Message = logs[i].Meta["message"]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"session_id":   sessionID,
		"console_logs": logs,
	})
}

func (d *Dashboard) handleIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID, ok := queryInt64(w, q.Get("project_id"), "project_id")
	if !ok {
		return
	}

	rows, err := d.store.ListIssues(r.Context(), storage.IssueFilter{
		ProjectID: projectID,
		SessionID: q.Get("session_id"),
		IssueType: q.Get("issue_type"),
		Limit:     atoiOrZero(q.Get("limit")),
	})
	if err != nil {
		d.internalError(w, r, err)
		return
	}

	issues := make([]issueJSON, 0, len(rows))
	for _, i := range rows {
		issues = append(issues, issueJSON{
			ID:              i.ID,
			ProjectID:       i.ProjectID,
			ProjectName:     i.ProjectName,
			SessionID:       i.SessionID,
			IssueType:       i.IssueType,
			Element:         i.Element,
			Severity:        i.Severity,
			OccurrenceCount: i.OccurrenceCount,
			FirstSeenAt:     i.FirstSeenAt,
			LastSeenAt:      i.LastSeenAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "issues": issues})
}

type projectCount struct {
	ProjectID   int64  `json:"project_id"`
	ProjectName string `json:"project_name"`
	Count       int    `json:"count"`
}

func (d *Dashboard) handleIssueSummary(w http.ResponseWriter, r *http.Request) {
	projectID, ok := queryInt64(w, r.URL.Query().Get("project_id"), "project_id")
	if !ok {
		return
	}

	counts, err := d.store.IssueSummary(r.Context(), projectID)
	if err != nil {
		d.internalError(w, r, err)
		return
	}

	byType := make(map[string]int)
	byProject := make([]projectCount, 0)
	index := make(map[int64]int)
	for _, c := range counts {
		byType[c.IssueType] += c.Count
		i, seen := index[c.ProjectID]
		if !seen {
			i = len(byProject)
			index[c.ProjectID] = i
			byProject = append(byProject, projectCount{ProjectID: c.ProjectID, ProjectName: c.ProjectName})
		}
		byProject[i].Count += c.Count
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"by_issue_type": byType,
		"by_project":    byProject,
	})
}

func (d *Dashboard) handleDeleteIssue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Invalid issue id"})
		return
	}

	err = d.store.DeleteIssue(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, messageResponse{Message: "Issue not found"})
		return
	}
	if err != nil {
		d.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Issue deleted"})
}

func (d *Dashboard) internalError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().
		Err(err).
		Str("request_id", RequestIDFromContext(r.Context())).
		Str("path", r.URL.Path).
		Msg("Dashboard query failed")
	writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "Internal server error"})
}

// queryInt64 parses an optional numeric query parameter, answering 400
// when it is present but malformed.
func queryInt64(w http.ResponseWriter, v, name string) (int64, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Invalid " + name})
		return 0, false
	}
	return n, true
}

func atoiOrZero(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

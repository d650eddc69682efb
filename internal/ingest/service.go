// Package ingest runs the ingestion pipeline for one batch of SDK events:
// authenticate, validate, persist and summarize, detect issues over the
// session's full history, then recount the session's issues.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/gosight/bugscout/internal/enricher"
	"github.com/gosight/bugscout/internal/insights"
	"github.com/gosight/bugscout/internal/metrics"
	"github.com/gosight/bugscout/internal/session"
	"github.com/gosight/bugscout/internal/storage"
	"github.com/gosight/bugscout/internal/validation"
)

var (
	// ErrInvalidCredential means no project owns the supplied API key.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrInvalidPayload means the batch lacks a session id or an events
	// array, or names a session owned by another project.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrRateLimited means the project exceeded its request budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrStoreFailure wraps any persistence error. Events stored before
	// the failure are not rolled back.
	ErrStoreFailure = errors.New("store failure")
)

// Payload is one batch as posted by the SDK.
type Payload struct {
	SessionID string           `json:"session_id" validate:"required"`
	UserID    *string          `json:"user_id,omitempty"`
	UserEmail *string          `json:"user_email,omitempty"`
	Events    []insights.Event `json:"events" validate:"required"`
	// APIKey carries the credential for transports that cannot set headers.
	APIKey string `json:"api_key,omitempty"`
}

// Result is returned to the caller of an ingest.
type Result struct {
	Success     bool   `json:"success"`
	EventsSaved int    `json:"eventsSaved"`
	Message     string `json:"message,omitempty"`
}

// ClientInfo describes the sender of a batch, used to enrich new sessions.
type ClientInfo struct {
	UserAgent string
	IP        string
}

// Authenticator resolves an API key to a project id.
type Authenticator interface {
	ValidateAPIKey(ctx context.Context, apiKey string) (int64, error)
}

// Store is the persistence the pipeline needs.
type Store interface {
	session.Store
	insights.IssueStore
	InsertEvents(ctx context.Context, events []storage.EventRow) (int, error)
	ListEvents(ctx context.Context, f storage.EventFilter) ([]storage.EventRow, error)
	RecountSessionIssues(ctx context.Context, projectID int64, sessionID string) (int, error)
}

// RateLimiter caps ingest calls per project.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, projectID int64) bool
}

// Archiver receives every accepted event for long-term analytics.
type Archiver interface {
	Add(rows ...storage.ArchiveRow)
}

// Service is the ingestion orchestrator.
type Service struct {
	auth       Authenticator
	store      Store
	aggregator *session.Aggregator
	detector   *insights.Processor
	enricher   *enricher.Enricher
	archiver   Archiver
	limiter    RateLimiter
}

// Option configures optional collaborators of a Service.
type Option func(*Service)

// WithEnricher attaches device enrichment for new sessions.
func WithEnricher(e *enricher.Enricher) Option {
	return func(s *Service) { s.enricher = e }
}

// WithArchiver forwards accepted events to an archive.
func WithArchiver(a Archiver) Option {
	return func(s *Service) { s.archiver = a }
}

// WithRateLimiter rejects calls once a project exceeds its budget.
func WithRateLimiter(l RateLimiter) Option {
	return func(s *Service) { s.limiter = l }
}

// NewService wires the pipeline.
func NewService(auth Authenticator, store Store, detector *insights.Processor, opts ...Option) *Service {
	s := &Service{
		auth:       auth,
		store:      store,
		aggregator: session.NewAggregator(store),
		detector:   detector,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Ingest processes one batch. Rejections return a Result with Success
// false together with ErrInvalidCredential, ErrRateLimited or
// ErrInvalidPayload and have no side effects. Any persistence error is wrapped in ErrStoreFailure.
func (s *Service) Ingest(ctx context.Context, apiKey string, p *Payload, client ClientInfo) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.IngestDuration.Observe(float64(time.Since(start).Milliseconds()))
	}()

	projectID, err := s.auth.ValidateAPIKey(ctx, apiKey)
	if errors.Is(err, validation.ErrInvalidAPIKey) {
		metrics.IngestRequests.WithLabelValues(metrics.OutcomeInvalidCredential).Inc()
		return Result{Message: "Invalid API key"}, ErrInvalidCredential
	}
	if err != nil {
		return s.storeFailure("validate api key", err)
	}

	if s.limiter != nil && !s.limiter.CheckRateLimit(ctx, projectID) {
		metrics.IngestRequests.WithLabelValues(metrics.OutcomeRateLimited).Inc()
		return Result{Message: "Rate limit exceeded"}, ErrRateLimited
	}

	if p == nil || getValidator().Struct(p) != nil {
		metrics.IngestRequests.WithLabelValues(metrics.OutcomeInvalidPayload).Inc()
		return Result{Message: "Invalid payload: session_id and events array required"}, ErrInvalidPayload
	}

	saved, err := s.persist(ctx, projectID, p, client)
	if errors.Is(err, storage.ErrSessionOwnedByOtherProject) {
		metrics.IngestRequests.WithLabelValues(metrics.OutcomeInvalidPayload).Inc()
		log.Warn().Int64("project_id", projectID).Str("session_id", p.SessionID).Msg("Rejected batch for foreign session")
		return Result{Message: "Invalid payload: session belongs to another project"}, ErrInvalidPayload
	}
	if err != nil {
		return s.storeFailure("persist events", err)
	}

	history, err := s.history(ctx, projectID, p.SessionID)
	if err != nil {
		return s.storeFailure("read session history", err)
	}

	detections, err := s.detector.Run(ctx, projectID, p.SessionID, history)
	if err != nil {
		return s.storeFailure("detect issues", err)
	}

	issueCount, err := s.store.RecountSessionIssues(ctx, projectID, p.SessionID)
	if err != nil {
		return s.storeFailure("recount issues", err)
	}

	metrics.IngestRequests.WithLabelValues(metrics.OutcomeSuccess).Inc()
	metrics.EventsReceived.Add(float64(len(p.Events)))
	metrics.EventsSaved.Add(float64(saved))

	log.Info().
		Int64("project_id", projectID).
		Str("session_id", p.SessionID).
		Int("events", len(p.Events)).
		Int("saved", saved).
		Int("detections", len(detections)).
		Int("issue_count", issueCount).
		Dur("duration", time.Since(start)).
		Msg("Batch ingested")

	return Result{
		Success:     true,
		EventsSaved: saved,
		Message:     fmt.Sprintf("Saved %d events", saved),
	}, nil
}

func (s *Service) storeFailure(op string, err error) (Result, error) {
	metrics.IngestRequests.WithLabelValues(metrics.OutcomeStoreFailure).Inc()
	log.Error().Err(err).Str("op", op).Msg("Ingest failed")
	return Result{Message: "Internal server error"}, fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
}

// persist updates the session summary and stores the batch, returning the
// number of newly stored events.
func (s *Service) persist(ctx context.Context, projectID int64, p *Payload, client ClientInfo) (int, error) {
	if len(p.Events) == 0 {
		return 0, nil
	}

	var device storage.DeviceInfo
	if s.enricher != nil {
		device = s.enricher.Enrich(client.UserAgent, client.IP)
	}

	identity := session.Identity{UserID: p.UserID, UserEmail: p.UserEmail}
	if err := s.aggregator.UpdateSession(ctx, projectID, p.SessionID, p.Events, identity, device); err != nil {
		return 0, err
	}

	rows := make([]storage.EventRow, 0, len(p.Events))
	for i, e := range p.Events {
		meta := e.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		payload, err := json.Marshal(map[string]any{"meta": meta})
		if err != nil {
			return 0, fmt.Errorf("encode event %d: %w", i, err)
		}
		rows = append(rows, storage.EventRow{
			ProjectID: projectID,
			SessionID: p.SessionID,
			EventID:   storage.EventID(p.SessionID, e.Timestamp, e.Type, i),
			Type:      e.Type,
			Payload:   payload,
			Timestamp: e.Timestamp,
		})
	}

	saved, err := s.store.InsertEvents(ctx, rows)
	if err != nil {
		return 0, err
	}

	if s.archiver != nil {
		s.archiver.Add(archiveRows(rows, p, device)...)
	}
	return saved, nil
}

// history re-reads every stored event of the session in timestamp order.
func (s *Service) history(ctx context.Context, projectID int64, sessionID string) ([]insights.Event, error) {
	rows, err := s.store.ListEvents(ctx, storage.EventFilter{ProjectID: projectID, SessionID: sessionID})
	if err != nil {
		return nil, err
	}

	events := make([]insights.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, insights.Event{
			Type:      r.Type,
			Timestamp: r.Timestamp,
			Meta:      DecodeMeta(r.Payload),
		})
	}
	return events, nil
}

// DecodeMeta extracts the meta object from a stored event payload. A
// malformed payload yields an empty meta.
func DecodeMeta(payload []byte) map[string]any {
	var body struct {
		Meta map[string]any `json:"meta"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.Meta == nil {
		return map[string]any{}
	}
	return body.Meta
}

func archiveRows(rows []storage.EventRow, p *Payload, device storage.DeviceInfo) []storage.ArchiveRow {
	receivedAt := time.Now().UTC()
	userID := ""
	if p.UserID != nil {
		userID = *p.UserID
	}

	out := make([]storage.ArchiveRow, 0, len(rows))
	for i, r := range rows {
		e := p.Events[i]
		out = append(out, storage.ArchiveRow{
			EventID:    r.EventID,
			ProjectID:  r.ProjectID,
			SessionID:  r.SessionID,
			UserID:     userID,
			EventType:  r.Type,
			Selector:   e.MetaString("selector"),
			URL:        e.MetaString("url"),
			Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
			ReceivedAt: receivedAt,
			Browser:    device.Browser,
			OS:         device.OS,
			DeviceType: device.DeviceType,
			Country:    device.Country,
			Payload:    string(r.Payload),
		})
	}
	return out
}

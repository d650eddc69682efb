package session

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/gosight/bugscout/internal/insights"
	"github.com/gosight/bugscout/internal/storage"
)

// Store persists session summaries.
type Store interface {
	UpsertSession(ctx context.Context, d storage.SessionDelta) error
}

// Identity is the optional user identity attached to a batch. Nil fields
// were not supplied and leave the stored values untouched.
type Identity struct {
	UserID    *string
	UserEmail *string
}

// Aggregator maintains per-session summaries from ingest batches
type Aggregator struct {
	store Store
}

// NewAggregator creates a new session aggregator
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// Summarize computes the delta a batch applies to its session: time
// bounds across the batch only, and click/page-view counts.
func Summarize(projectID int64, sessionID string, events []insights.Event) storage.SessionDelta {
	d := storage.SessionDelta{ProjectID: projectID, SessionID: sessionID}
	for i, e := range events {
		if i == 0 || e.Timestamp < d.FirstEventAt {
			d.FirstEventAt = e.Timestamp
		}
		if i == 0 || e.Timestamp > d.LastEventAt {
			d.LastEventAt = e.Timestamp
		}
		switch {
		case insights.IsClick(e.Type):
			d.ClickDelta++
		case insights.IsPageView(e.Type):
			d.PageViewDelta++
		}
	}
	return d
}

// UpdateSession folds a non-empty batch into its session summary,
// creating the session on first sight. An empty batch is a no-op.
func (a *Aggregator) UpdateSession(ctx context.Context, projectID int64, sessionID string, events []insights.Event, id Identity, device storage.DeviceInfo) error {
	if len(events) == 0 {
		return nil
	}

	d := Summarize(projectID, sessionID, events)
	d.UserID = id.UserID
	d.UserEmail = id.UserEmail
	d.Device = device

	err := a.store.UpsertSession(ctx, d)
	if err != nil && !errors.Is(err, storage.ErrSessionOwnedByOtherProject) {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to update session")
	}
	return err
}

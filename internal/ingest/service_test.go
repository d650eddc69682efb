package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosight/bugscout/internal/config"
	"github.com/gosight/bugscout/internal/insights"
	"github.com/gosight/bugscout/internal/storage"
	"github.com/gosight/bugscout/internal/validation"
)

const testAPIKey = "test-key"

type testEnv struct {
	store   *storage.SQLStore
	service *Service
	project storage.Project
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, "sqlite::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(ctx))

	project, err := store.CreateProject(ctx, "demo", testAPIKey)
	require.NoError(t, err)

	cfg := config.Config{}
	cfg.SetDefaults()

	auth := validation.NewValidator(store, nil, time.Minute, 0)
	svc := NewService(auth, store, insights.NewProcessor(store, cfg.Insights))
	return &testEnv{store: store, service: svc, project: project}
}

func (env *testEnv) ingest(t *testing.T, p *Payload) Result {
	t.Helper()
	res, err := env.service.Ingest(context.Background(), testAPIKey, p, ClientInfo{})
	require.NoError(t, err)
	require.True(t, res.Success)
	return res
}

func (env *testEnv) issues(t *testing.T, sessionID string) []storage.IssueRow {
	t.Helper()
	rows, err := env.store.ListIssues(context.Background(), storage.IssueFilter{SessionID: sessionID})
	require.NoError(t, err)
	return rows
}

func (env *testEnv) issuesOfType(t *testing.T, sessionID, issueType string) []storage.IssueRow {
	t.Helper()
	rows, err := env.store.ListIssues(context.Background(), storage.IssueFilter{SessionID: sessionID, IssueType: issueType})
	require.NoError(t, err)
	return rows
}

func clicks(selector string, timestamps ...int64) []insights.Event {
	events := make([]insights.Event, 0, len(timestamps))
	for _, ts := range timestamps {
		e := insights.Event{Type: "click", Timestamp: ts}
		if selector != "" {
			e.Meta = map[string]any{"selector": selector}
		}
		events = append(events, e)
	}
	return events
}

func strPtr(s string) *string { return &s }

func TestIngest_StoresEventsAndSession(t *testing.T) {
	env := newTestEnv(t)

	res := env.ingest(t, &Payload{
		SessionID: "s1",
		UserID:    strPtr("u-1"),
		Events: []insights.Event{
			{Type: "page_view", Timestamp: 1000, Meta: map[string]any{"url": "https://shop.test/cart"}},
			{Type: "click", Timestamp: 1200, Meta: map[string]any{"selector": "#buy"}},
			{Type: "tap", Timestamp: 1500},
			{Type: "console", Timestamp: 1600},
		},
	})
	assert.Equal(t, 4, res.EventsSaved)
	assert.Equal(t, "Saved 4 events", res.Message)

	sess, err := env.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, env.project.ID, sess.ProjectID)
	assert.Equal(t, 2, sess.ClickCount)
	assert.Equal(t, 1, sess.PageViewCount)
	assert.Equal(t, int64(1000), sess.StartedAt.UnixMilli())
	assert.Equal(t, int64(1600), sess.LastEventAt.UnixMilli())
	require.NotNil(t, sess.UserID)
	assert.Equal(t, "u-1", *sess.UserID)

	events, err := env.store.ListEvents(context.Background(), storage.EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "https://shop.test/cart", DecodeMeta(events[0].Payload)["url"])
	assert.Empty(t, DecodeMeta(events[2].Payload))
}

func TestIngest_IdempotentBatch(t *testing.T) {
	env := newTestEnv(t)
	batch := &Payload{SessionID: "s1", Events: []insights.Event{
		{Type: "page_view", Timestamp: 10},
		{Type: "click", Timestamp: 20},
		{Type: "click", Timestamp: 20},
	}}

	assert.Equal(t, 3, env.ingest(t, batch).EventsSaved)
	res := env.ingest(t, batch)
	assert.Equal(t, 0, res.EventsSaved)
	assert.Equal(t, "Saved 0 events", res.Message)
}

func TestIngest_CountersAreAdditive(t *testing.T) {
	env := newTestEnv(t)

	env.ingest(t, &Payload{SessionID: "s1", Events: []insights.Event{
		{Type: "click", Timestamp: 100},
		{Type: "pageview", Timestamp: 150},
	}})
	env.ingest(t, &Payload{SessionID: "s1", Events: []insights.Event{
		{Type: "tap", Timestamp: 300},
		{Type: "click", Timestamp: 400},
		{Type: "page_view", Timestamp: 500},
	}})

	sess, err := env.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, sess.ClickCount)
	assert.Equal(t, 2, sess.PageViewCount)
	assert.Equal(t, int64(100), sess.StartedAt.UnixMilli())
	assert.Equal(t, int64(500), sess.LastEventAt.UnixMilli())
}

func TestIngest_IdentityOnlyOverwrittenWhenSupplied(t *testing.T) {
	env := newTestEnv(t)

	env.ingest(t, &Payload{SessionID: "s1", UserEmail: strPtr("a@example.com"), Events: clicks("#a", 1)})
	env.ingest(t, &Payload{SessionID: "s1", Events: clicks("#a", 2)})

	sess, err := env.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, sess.UserEmail)
	assert.Equal(t, "a@example.com", *sess.UserEmail)
	assert.Nil(t, sess.UserID)

	env.ingest(t, &Payload{SessionID: "s1", UserEmail: strPtr("b@example.com"), Events: clicks("#a", 3)})
	sess, err = env.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", *sess.UserEmail)
}

func TestIngest_RageClickAcrossCalls(t *testing.T) {
	env := newTestEnv(t)
	batch := &Payload{SessionID: "s1", Events: clicks("#btn", 0, 500, 1000, 1800)}

	env.ingest(t, batch)
	issues := env.issuesOfType(t, "s1", insights.IssueRageClick)
	require.Len(t, issues, 1)
	assert.Equal(t, "#btn", issues[0].Element)
	assert.Equal(t, 1, issues[0].OccurrenceCount)
	assert.Equal(t, insights.SeverityMedium, issues[0].Severity)

	env.ingest(t, batch)
	issues = env.issuesOfType(t, "s1", insights.IssueRageClick)
	require.Len(t, issues, 1)
	assert.Equal(t, 2, issues[0].OccurrenceCount)
}

func TestIngest_RageClickSpanTooWide(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, &Payload{SessionID: "s1", Events: clicks("#btn", 0, 500, 1000, 2500)})
	assert.Empty(t, env.issuesOfType(t, "s1", insights.IssueRageClick))
}

func TestIngest_RageClickSeverity(t *testing.T) {
	tests := []struct {
		clicks   int
		severity string
	}{
		{4, insights.SeverityMedium},
		{7, insights.SeverityMedium},
		{8, insights.SeverityHigh},
		{9, insights.SeverityHigh},
	}

	for _, tt := range tests {
		env := newTestEnv(t)
		ts := make([]int64, tt.clicks)
		for i := range ts {
			ts[i] = int64(i * 100)
		}
		env.ingest(t, &Payload{SessionID: "s1", Events: clicks("#btn", ts...)})

		issues := env.issuesOfType(t, "s1", insights.IssueRageClick)
		require.Len(t, issues, 1, "%d clicks", tt.clicks)
		assert.Equal(t, tt.severity, issues[0].Severity, "%d clicks", tt.clicks)
	}
}

func TestIngest_RageClickSeverityEscalatesAcrossBatches(t *testing.T) {
	env := newTestEnv(t)

	env.ingest(t, &Payload{SessionID: "s1", Events: clicks("#btn", 0, 100, 200, 300)})
	env.ingest(t, &Payload{SessionID: "s1", Events: clicks("#btn", 400, 500, 600, 700)})

	issues := env.issuesOfType(t, "s1", insights.IssueRageClick)
	require.Len(t, issues, 1)
	assert.Equal(t, insights.SeverityHigh, issues[0].Severity)
	assert.Equal(t, 2, issues[0].OccurrenceCount)
}

func TestIngest_DeadClick(t *testing.T) {
	t.Run("slow navigation", func(t *testing.T) {
		env := newTestEnv(t)
		env.ingest(t, &Payload{SessionID: "s1", Events: []insights.Event{
			{Type: "click", Timestamp: 1000, Meta: map[string]any{"selector": "#link"}},
			{Type: "navigation", Timestamp: 2500},
		}})

		issues := env.issues(t, "s1")
		require.Len(t, issues, 1)
		assert.Equal(t, insights.IssueDeadClick, issues[0].IssueType)
		assert.Equal(t, "#link", issues[0].Element)
		assert.Equal(t, insights.SeverityLow, issues[0].Severity)
	})

	t.Run("mutation in time", func(t *testing.T) {
		env := newTestEnv(t)
		env.ingest(t, &Payload{SessionID: "s1", Events: []insights.Event{
			{Type: "click", Timestamp: 1000, Meta: map[string]any{"selector": "#link"}},
			{Type: "mutation", Timestamp: 1800},
		}})
		assert.Empty(t, env.issues(t, "s1"))
	})

	t.Run("response arrives in later batch", func(t *testing.T) {
		env := newTestEnv(t)
		env.ingest(t, &Payload{SessionID: "s1", Events: []insights.Event{
			{Type: "click", Timestamp: 1000, Meta: map[string]any{"selector": "#link"}},
		}})
		require.Len(t, env.issues(t, "s1"), 1)

		env.ingest(t, &Payload{SessionID: "s1", Events: []insights.Event{
			{Type: "dom_change", Timestamp: 1500},
		}})
		issues := env.issues(t, "s1")
		require.Len(t, issues, 1)
		assert.Equal(t, 1, issues[0].OccurrenceCount)
	})
}

func TestIngest_UnknownSelector(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, &Payload{SessionID: "s1", Events: clicks("", 0, 100, 200, 300)})

	issues := env.issues(t, "s1")
	require.NotEmpty(t, issues)
	for _, issue := range issues {
		assert.Equal(t, insights.UnknownElement, issue.Element)
	}
	assert.Len(t, env.issuesOfType(t, "s1", insights.IssueRageClick), 1)
}

func TestIngest_InvalidCredentialWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, key := range []string{"", "wrong-key"} {
		res, err := env.service.Ingest(ctx, key, &Payload{SessionID: "s1", Events: clicks("#btn", 0, 100, 200, 300)}, ClientInfo{})
		assert.ErrorIs(t, err, ErrInvalidCredential)
		assert.False(t, res.Success)
		assert.Equal(t, "Invalid API key", res.Message)
	}

	_, err := env.store.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	events, err := env.store.ListEvents(ctx, storage.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, env.issues(t, ""))
}

func TestIngest_InvalidPayload(t *testing.T) {
	env := newTestEnv(t)

	payloads := map[string]*Payload{
		"nil":             nil,
		"missing session": {Events: clicks("#a", 1)},
		"missing events":  {SessionID: "s1"},
	}
	for name, p := range payloads {
		t.Run(name, func(t *testing.T) {
			res, err := env.service.Ingest(context.Background(), testAPIKey, p, ClientInfo{})
			assert.ErrorIs(t, err, ErrInvalidPayload)
			assert.False(t, res.Success)
			assert.Equal(t, "Invalid payload: session_id and events array required", res.Message)
		})
	}
}

func TestIngest_EmptyEventsSucceeds(t *testing.T) {
	env := newTestEnv(t)

	res := env.ingest(t, &Payload{SessionID: "s1", Events: []insights.Event{}})
	assert.Equal(t, 0, res.EventsSaved)

	_, err := env.store.GetSession(context.Background(), "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIngest_IssueCountIsRecounted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.ingest(t, &Payload{SessionID: "s1", Events: append(
		clicks("#rage", 0, 100, 200, 300),
		clicks("#other", 5000)...,
	)})
	sess, err := env.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	issues := env.issues(t, "s1")
	assert.Equal(t, len(issues), sess.IssueCount)
	require.Greater(t, len(issues), 1)

	require.NoError(t, env.store.DeleteIssue(ctx, issues[0].ID))

	// No new events and no pattern change, only the projection is rebuilt.
	env.ingest(t, &Payload{SessionID: "s1", Events: []insights.Event{}})
	sess, err = env.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, len(env.issues(t, "s1")), sess.IssueCount)
}

func TestIngest_SessionOfAnotherProjectIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.ingest(t, &Payload{SessionID: "s1", UserEmail: strPtr("owner@a.test"), Events: clicks("#buy", 1000)})

	other, err := env.store.CreateProject(ctx, "other", "other-key")
	require.NoError(t, err)

	res, err := env.service.Ingest(ctx, "other-key", &Payload{
		SessionID: "s1",
		UserEmail: strPtr("intruder@b.test"),
		Events:    clicks("#buy", 2000, 2100, 2200, 2300),
	}, ClientInfo{})
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.False(t, res.Success)
	assert.Equal(t, "Invalid payload: session belongs to another project", res.Message)

	sess, err := env.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, env.project.ID, sess.ProjectID)
	assert.Equal(t, 1, sess.ClickCount)
	assert.Equal(t, int64(1000), sess.LastEventAt.UnixMilli())
	require.NotNil(t, sess.UserEmail)
	assert.Equal(t, "owner@a.test", *sess.UserEmail)

	foreign, err := env.store.ListEvents(ctx, storage.EventFilter{ProjectID: other.ID})
	require.NoError(t, err)
	assert.Empty(t, foreign)

	otherIssues, err := env.store.ListIssues(ctx, storage.IssueFilter{ProjectID: other.ID})
	require.NoError(t, err)
	assert.Empty(t, otherIssues)
	assert.Equal(t, len(env.issues(t, "s1")), sess.IssueCount)
}

func TestIngest_ConcurrentBatchesForOneSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const workers = 8
	var (
		wg   sync.WaitGroup
		errs = make(chan error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			base := int64(i * 10_000)
			_, err := env.service.Ingest(ctx, testAPIKey, &Payload{
				SessionID: "s1",
				Events:    clicks("#buy", base, base+100, base+200, base+300),
			}, ClientInfo{})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sess, err := env.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 4*workers, sess.ClickCount)

	rage := env.issuesOfType(t, "s1", insights.IssueRageClick)
	require.Len(t, rage, 1)
	assert.Equal(t, workers, rage[0].OccurrenceCount)
	assert.Len(t, env.issuesOfType(t, "s1", insights.IssueDeadClick), 1)

	events, err := env.store.ListEvents(ctx, storage.EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, events, 4*workers)
}

type recountFailingStore struct {
	*storage.SQLStore
}

func (s recountFailingStore) RecountSessionIssues(ctx context.Context, projectID int64, sessionID string) (int, error) {
	return 0, errors.New("disk full")
}

func TestIngest_StoreFailureKeepsStoredEvents(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Config{}
	cfg.SetDefaults()

	store := recountFailingStore{env.store}
	svc := NewService(validation.NewValidator(env.store, nil, time.Minute, 0), store, insights.NewProcessor(store, cfg.Insights))

	res, err := svc.Ingest(context.Background(), testAPIKey, &Payload{SessionID: "s1", Events: clicks("#a", 1, 2)}, ClientInfo{})
	assert.ErrorIs(t, err, ErrStoreFailure)
	assert.ErrorContains(t, err, "disk full")
	assert.False(t, res.Success)

	events, err := env.store.ListEvents(context.Background(), storage.EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

type captureArchiver struct {
	rows []storage.ArchiveRow
}

func (a *captureArchiver) Add(rows ...storage.ArchiveRow) {
	a.rows = append(a.rows, rows...)
}

func TestIngest_ForwardsToArchiver(t *testing.T) {
	env := newTestEnv(t)
	archiver := &captureArchiver{}
	WithArchiver(archiver)(env.service)

	env.ingest(t, &Payload{SessionID: "s1", UserID: strPtr("u-9"), Events: []insights.Event{
		{Type: "click", Timestamp: 42, Meta: map[string]any{"selector": "#go", "url": "/home"}},
	}})

	require.Len(t, archiver.rows, 1)
	row := archiver.rows[0]
	assert.Equal(t, "s1", row.SessionID)
	assert.Equal(t, "u-9", row.UserID)
	assert.Equal(t, "#go", row.Selector)
	assert.Equal(t, "/home", row.URL)
	assert.Equal(t, int64(42), row.Timestamp.UnixMilli())
	assert.Equal(t, storage.EventID("s1", 42, "click", 0), row.EventID)
}

type denyAll struct{ calls int }

func (d *denyAll) CheckRateLimit(ctx context.Context, projectID int64) bool {
	d.calls++
	return false
}

func TestIngest_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	limiter := &denyAll{}
	WithRateLimiter(limiter)(env.service)

	res, err := env.service.Ingest(context.Background(), testAPIKey, &Payload{SessionID: "s1", Events: clicks("#a", 1)}, ClientInfo{})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, "Rate limit exceeded", res.Message)
	assert.Equal(t, 1, limiter.calls)

	_, err = env.store.GetSession(context.Background(), "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

package history

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func startTestSession(t *testing.T, store *Store) *Session {
	t.Helper()
	session, err := store.StartSession(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	return session
}

func recordTestVisit(t *testing.T, store *Store, sessionID, tabID, url string, ts time.Time) int64 {
	t.Helper()
	id, err := store.RecordPageVisit(context.Background(), &PageVisit{
		SessionID: sessionID,
		TabID:     tabID,
		URL:       url,
		Timestamp: ts,
	})
	require.NoError(t, err)
	return id
}

func TestSessionLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	session := startTestSession(t, store)
	assert.NotEmpty(t, session.ID)
	assert.Nil(t, session.EndTime)

	current, err := store.CurrentSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, session.ID, current.ID)

	end := time.Now().UTC()
	require.NoError(t, store.EndSession(ctx, session.ID, end))

	current, err = store.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)

	sessions, err := store.GetSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.NotNil(t, sessions[0].EndTime)
	assert.WithinDuration(t, end, *sessions[0].EndTime, time.Second)
}

func TestStartSessionClosesDanglingSessions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := startTestSession(t, store)
	second := startTestSession(t, store)

	sessions, err := store.GetSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	for _, s := range sessions {
		if s.ID == first.ID {
			assert.NotNil(t, s.EndTime, "dangling session should be closed")
		}
		if s.ID == second.ID {
			assert.Nil(t, s.EndTime)
		}
	}
}

func TestEndSessionUnknownIDIsNoop(t *testing.T) {
	store := openTestStore(t)
	assert.NoError(t, store.EndSession(context.Background(), "does-not-exist", time.Now()))
}

func TestVisitRecordAndUpdate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	session := startTestSession(t, store)

	ts := time.Now().UTC()
	id := recordTestVisit(t, store, session.ID, "tab-1", "https://example.com/docs", ts)
	require.Positive(t, id)

	visit, err := store.GetVisit(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, visit)
	assert.Equal(t, "https://example.com/docs", visit.URL)
	assert.Empty(t, visit.Title)
	assert.Nil(t, visit.DurationMS)

	require.NoError(t, store.UpdateVisitTitle(ctx, id, "Example Docs"))
	require.NoError(t, store.UpdateVisitFavicon(ctx, id, "https://example.com/favicon.ico"))
	require.NoError(t, store.UpdateVisitDuration(ctx, id, 3*time.Second))

	visit, err = store.GetVisit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Example Docs", visit.Title)
	assert.Equal(t, "https://example.com/favicon.ico", visit.FaviconURL)
	require.NotNil(t, visit.DurationMS)
	assert.Equal(t, int64(3000), *visit.DurationMS)
}

func TestGetVisitMissingReturnsNil(t *testing.T) {
	store := openTestStore(t)
	visit, err := store.GetVisit(context.Background(), 9999)
	require.NoError(t, err)
	assert.Nil(t, visit)
}

func TestUpdateUnknownVisitIsNoop(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	assert.NoError(t, store.UpdateVisitTitle(ctx, 42, "ghost"))
	assert.NoError(t, store.UpdateVisitDuration(ctx, 42, time.Second))
}

func TestSearchHistoryMatchesTitleAndURL(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	session := startTestSession(t, store)

	now := time.Now().UTC()
	golang := recordTestVisit(t, store, session.ID, "t1", "https://go.dev/blog/error-handling", now.Add(-2*time.Minute))
	require.NoError(t, store.UpdateVisitTitle(ctx, golang, "Error Handling in Go"))
	recordTestVisit(t, store, session.ID, "t1", "https://news.example.com", now.Add(-time.Minute))

	results, err := store.SearchHistory(ctx, "error", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, golang, results[0].ID)

	// case-insensitive, and URL substrings match too
	results, err = store.SearchHistory(ctx, "NEWS.EXAMPLE", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestGetRecentVisitsNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	session := startTestSession(t, store)

	base := time.Now().UTC().Add(-time.Hour)
	recordTestVisit(t, store, session.ID, "t1", "https://first.test", base)
	recordTestVisit(t, store, session.ID, "t1", "https://second.test", base.Add(time.Minute))
	recordTestVisit(t, store, session.ID, "t1", "https://third.test", base.Add(2*time.Minute))

	visits, err := store.GetRecentVisits(ctx, 2)
	require.NoError(t, err)
	require.Len(t, visits, 2)
	assert.Equal(t, "https://third.test", visits[0].URL)
	assert.Equal(t, "https://second.test", visits[1].URL)
}

func TestGetVisitsByDateRange(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	session := startTestSession(t, store)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recordTestVisit(t, store, session.ID, "t1", "https://old.test", base.Add(-24*time.Hour))
	inRange := recordTestVisit(t, store, session.ID, "t1", "https://in.test", base)
	recordTestVisit(t, store, session.ID, "t1", "https://new.test", base.Add(24*time.Hour))

	visits, err := store.GetVisitsByDateRange(ctx, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, visits, 1)
	assert.Equal(t, inRange, visits[0].ID)
}

func TestInteractionsBatchPreservesOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	session := startTestSession(t, store)
	visitID := recordTestVisit(t, store, session.ID, "t1", "https://form.test", time.Now().UTC())

	base := time.Now().UTC()
	batch := []Interaction{
		{VisitID: visitID, Type: InteractionClick, Selector: "#login", Timestamp: base},
		{VisitID: visitID, Type: InteractionInput, Selector: "#email", Value: "a@b.c", Timestamp: base.Add(time.Second)},
		{VisitID: visitID, Type: InteractionClick, Selector: "#submit", Timestamp: base.Add(2 * time.Second)},
	}
	require.NoError(t, store.RecordInteractionsBatch(ctx, batch))

	got, err := store.GetVisitInteractions(ctx, visitID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "#login", got[0].Selector)
	assert.Equal(t, "#email", got[1].Selector)
	assert.Equal(t, "#submit", got[2].Selector)
}

func TestInteractionsBatchSkipsBadRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	session := startTestSession(t, store)
	visitID := recordTestVisit(t, store, session.ID, "t1", "https://form.test", time.Now().UTC())

	now := time.Now().UTC()
	batch := []Interaction{
		{VisitID: visitID, Type: InteractionClick, Selector: "#ok", Timestamp: now},
		// foreign key violation, the row is dropped but the batch survives
		{VisitID: 99999, Type: InteractionClick, Selector: "#bad", Timestamp: now},
		{VisitID: visitID, Type: InteractionInput, Selector: "#also-ok", Timestamp: now},
	}
	require.NoError(t, store.RecordInteractionsBatch(ctx, batch))

	got, err := store.GetVisitInteractions(ctx, visitID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRecordSnapshotTruncates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	session := startTestSession(t, store)
	visitID := recordTestVisit(t, store, session.ID, "t1", "https://big.test", time.Now().UTC())

	huge := strings.Repeat("x", snapshotMaxBytes+1000)
	require.NoError(t, store.RecordSnapshot(ctx, visitID, huge, time.Now().UTC()))

	snaps, err := store.GetVisitSnapshots(ctx, visitID)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Len(t, snaps[0].HTML, snapshotMaxBytes)
}

func TestScreenshotsAndScrollEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	session := startTestSession(t, store)
	visitID := recordTestVisit(t, store, session.ID, "t1", "https://page.test", time.Now().UTC())

	now := time.Now().UTC()
	require.NoError(t, store.RecordScreenshot(ctx, visitID, []byte{0x89, 0x50, 0x4e, 0x47}, now))
	require.NoError(t, store.RecordScrollEvent(ctx, visitID, 0, 100, now))
	require.NoError(t, store.RecordScrollEvent(ctx, visitID, 0, 400, now.Add(time.Second)))

	shots, err := store.GetVisitScreenshots(ctx, visitID)
	require.NoError(t, err)
	require.Len(t, shots, 1)
	assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, shots[0].ImageData)

	scrolls, err := store.GetVisitScrollEvents(ctx, visitID)
	require.NoError(t, err)
	require.Len(t, scrolls, 2)
	assert.Equal(t, 100, scrolls[0].Y)
	assert.Equal(t, 400, scrolls[1].Y)
}

func TestTabEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	session := startTestSession(t, store)

	now := time.Now().UTC()
	require.NoError(t, store.RecordTabEvent(ctx, &TabEvent{SessionID: session.ID, TabID: "t1", Action: TabCreated, Timestamp: now}))
	require.NoError(t, store.RecordTabEvent(ctx, &TabEvent{SessionID: session.ID, TabID: "t1", Action: TabClosed, Timestamp: now.Add(time.Minute)}))

	events, err := store.GetSessionTabEvents(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, TabCreated, events[0].Action)
	assert.Equal(t, TabClosed, events[1].Action)
}

func TestEmbeddingBookkeeping(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	session := startTestSession(t, store)
	visitID := recordTestVisit(t, store, session.ID, "t1", "https://embed.test", time.Now().UTC())

	record, err := store.GetEmbedding(ctx, visitID)
	require.NoError(t, err)
	assert.Nil(t, record)

	require.NoError(t, store.RecordEmbedding(ctx, visitID, "text-embedding-3-small", "hash-v1"))
	record, err = store.GetEmbedding(ctx, visitID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, visitID, record.VisitID)
	assert.Equal(t, "text-embedding-3-small", record.ModelName)
	assert.Equal(t, "hash-v1", record.ContentHash)
	assert.False(t, record.CreatedAt.IsZero())

	// re-embedding the same visit upserts
	require.NoError(t, store.RecordEmbedding(ctx, visitID, "text-embedding-3-small", "hash-v2"))
	record, err = store.GetEmbedding(ctx, visitID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "hash-v2", record.ContentHash)

	ids, err := store.ListEmbeddedVisitIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{visitID}, ids)

	require.NoError(t, store.DeleteEmbedding(ctx, visitID))
	record, err = store.GetEmbedding(ctx, visitID)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestWorkflowCacheLatestWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	session := startTestSession(t, store)

	cached, err := store.GetLatestWorkflowCache(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, cached)

	require.NoError(t, store.SaveWorkflowCache(ctx, session.ID, `{"name":"first"}`))
	require.NoError(t, store.SaveWorkflowCache(ctx, session.ID, `{"name":"second"}`))

	cached, err = store.GetLatestWorkflowCache(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, `{"name":"second"}`, cached.WorkflowData)
}

func TestSettingsRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	settings, err := store.GetSettings(ctx)
	require.NoError(t, err)
	assert.Empty(t, settings)

	require.NoError(t, store.UpdateSettings(ctx, map[string]string{
		"capture.screenshots": "off",
		"retention.days":      "30",
	}))
	require.NoError(t, store.UpdateSettings(ctx, map[string]string{
		"capture.screenshots": "on",
	}))

	settings, err = store.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "on", settings["capture.screenshots"])
	assert.Equal(t, "30", settings["retention.days"])
}

func TestDeleteOldHistoryCascades(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	session := startTestSession(t, store)

	old := time.Now().UTC().Add(-100 * 24 * time.Hour)
	oldVisit := recordTestVisit(t, store, session.ID, "t1", "https://old.test", old)
	require.NoError(t, store.RecordInteractionsBatch(ctx, []Interaction{
		{VisitID: oldVisit, Type: InteractionClick, Timestamp: old},
	}))
	require.NoError(t, store.RecordScreenshot(ctx, oldVisit, []byte{1}, old))
	require.NoError(t, store.RecordEmbedding(ctx, oldVisit, "m", "h"))

	fresh := recordTestVisit(t, store, session.ID, "t1", "https://fresh.test", time.Now().UTC())

	deleted, err := store.DeleteOldHistory(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	gone, err := store.GetVisit(ctx, oldVisit)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := store.GetVisit(ctx, fresh)
	require.NoError(t, err)
	assert.NotNil(t, kept)

	ids, err := store.ListEmbeddedVisitIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGetStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	session := startTestSession(t, store)

	now := time.Now().UTC()
	recordTestVisit(t, store, session.ID, "t1", "https://go.dev/doc", now.Add(-2*time.Minute))
	recordTestVisit(t, store, session.ID, "t1", "https://go.dev/blog", now.Add(-time.Minute))
	v3 := recordTestVisit(t, store, session.ID, "t2", "https://example.com", now)
	require.NoError(t, store.RecordInteractionsBatch(ctx, []Interaction{
		{VisitID: v3, Type: InteractionClick, Timestamp: now},
	}))

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalSessions)
	assert.Equal(t, int64(3), stats.TotalVisits)
	assert.Equal(t, int64(1), stats.TotalInteractions)
	require.NotNil(t, stats.LastVisit)
	assert.WithinDuration(t, now, *stats.LastVisit, time.Second)

	require.NotEmpty(t, stats.TopDomains)
	assert.Equal(t, "go.dev", stats.TopDomains[0].Domain)
	assert.Equal(t, int64(2), stats.TopDomains[0].Count)
}

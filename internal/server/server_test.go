package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amlcodes/blurberry/internal/capture"
	"github.com/amlcodes/blurberry/internal/config"
	"github.com/amlcodes/blurberry/internal/history"
	"github.com/amlcodes/blurberry/internal/llm"
	"github.com/amlcodes/blurberry/internal/vector"
	"github.com/amlcodes/blurberry/internal/workflow"
)

const testDim = 8

type testServer struct {
	http     *httptest.Server
	store    *history.Store
	index    *vector.Index
	mock     *llm.MockClient
	pipeline *capture.Pipeline
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := history.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fs, err := mem.NewFS()
	require.NoError(t, err)
	index, err := vector.New(fs, "vectors.idx", testDim, 0)
	require.NoError(t, err)

	mock := llm.NewMockClient(testDim)
	cfg := config.Default().Capture
	cfg.FlushIntervalMS = 60_000

	pipeline := capture.New(store, index, mock, nil, cfg)
	require.NoError(t, pipeline.Start(context.Background()))
	t.Cleanup(func() { pipeline.Stop(context.Background()) })

	analyzer := workflow.NewAnalyzer(store, mock)
	srv := New("127.0.0.1:0", store, index, mock, pipeline, analyzer)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{http: ts, store: store, index: index, mock: mock, pipeline: pipeline}
}

func (ts *testServer) getJSON(t *testing.T, path string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (ts *testServer) seedVisit(t *testing.T, url, title string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := ts.store.RecordPageVisit(ctx, &history.PageVisit{
		SessionID: ts.pipeline.SessionID(),
		TabID:     "t1",
		URL:       url,
		Title:     title,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	return id
}

type visitsResponse struct {
	Visits []history.PageVisit `json:"visits"`
}

func TestRecentEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.seedVisit(t, "https://a.test", "A")
	ts.seedVisit(t, "https://b.test", "B")

	var got visitsResponse
	resp := ts.getJSON(t, "/api/history/recent?limit=1", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, got.Visits, 1)
	assert.Equal(t, "https://b.test", got.Visits[0].URL)
}

func TestSearchEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.seedVisit(t, "https://docs.test/guide", "Install Guide")
	ts.seedVisit(t, "https://other.test", "Other")

	var got visitsResponse
	resp := ts.getJSON(t, "/api/history/search?q=guide", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, got.Visits, 1)
	assert.Equal(t, "Install Guide", got.Visits[0].Title)

	resp = ts.getJSON(t, "/api/history/search", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSemanticSearchEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	visitID := ts.seedVisit(t, "https://recipes.test/pasta", "Pasta Recipe")
	embedding, err := ts.mock.EmbedText(ctx, "pasta recipe")
	require.NoError(t, err)
	require.NoError(t, ts.index.Add(visitID, embedding))

	var got visitsResponse
	resp := ts.getJSON(t, "/api/history/semantic?q=pasta+recipe", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, got.Visits, 1)
	assert.Equal(t, visitID, got.Visits[0].ID)
}

func TestRangeEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.seedVisit(t, "https://a.test", "A")

	from := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	to := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)

	var got visitsResponse
	resp := ts.getJSON(t, fmt.Sprintf("/api/history/range?from=%s&to=%s", from, to), &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, got.Visits, 1)

	resp = ts.getJSON(t, "/api/history/range?from=bogus&to="+to, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVisitDetailsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	visitID := ts.seedVisit(t, "https://a.test", "A")
	require.NoError(t, ts.store.RecordInteractionsBatch(ctx, []history.Interaction{
		{VisitID: visitID, Type: history.InteractionClick, Selector: "#x", Timestamp: time.Now().UTC()},
	}))

	var got struct {
		Visit        history.PageVisit     `json:"visit"`
		Interactions []history.Interaction `json:"interactions"`
	}
	resp := ts.getJSON(t, fmt.Sprintf("/api/visits/%d", visitID), &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, visitID, got.Visit.ID)
	assert.Len(t, got.Interactions, 1)

	resp = ts.getJSON(t, "/api/visits/99999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionEndpoints(t *testing.T) {
	ts := newTestServer(t)

	var session history.Session
	resp := ts.getJSON(t, "/api/sessions/current", &session)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ts.pipeline.SessionID(), session.ID)

	var got struct {
		Sessions []history.Session `json:"sessions"`
	}
	resp = ts.getJSON(t, "/api/sessions", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, got.Sessions, 1)
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.seedVisit(t, "https://a.test", "A")

	var stats history.Stats
	resp := ts.getJSON(t, "/api/stats", &stats)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), stats.TotalVisits)
}

func TestSettingsEndpoints(t *testing.T) {
	ts := newTestServer(t)

	body := bytes.NewBufferString(`{"capture.screenshots":"off"}`)
	req, err := http.NewRequest(http.MethodPut, ts.http.URL+"/api/settings", body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var settings map[string]string
	resp2 := ts.getJSON(t, "/api/settings", &settings)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, "off", settings["capture.screenshots"])
}

func TestPruneEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := ts.store.RecordPageVisit(ctx, &history.PageVisit{
		SessionID: ts.pipeline.SessionID(),
		TabID:     "t1",
		URL:       "https://ancient.test",
		Timestamp: time.Now().UTC().Add(-100 * 24 * time.Hour),
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.http.URL+"/api/history/prune", "application/json", strings.NewReader(`{"days":90}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, int64(1), got["deleted_visits"])

	resp2, err := http.Post(ts.http.URL+"/api/history/prune", "application/json", strings.NewReader(`{"days":0}`))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestAnalyzeSessionEndpoint(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.pipeline.SessionID()

	// an empty session has nothing to analyze
	resp, err := http.Post(ts.http.URL+"/api/analyze/session/"+sessionID, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ts.seedVisit(t, "https://a.test", "A")

	resp, err = http.Post(ts.http.URL+"/api/analyze/session/"+sessionID, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result llm.Workflow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.NotEmpty(t, result.Name)

	// the analysis is now cached
	var cached llm.Workflow
	resp2 := ts.getJSON(t, "/api/workflow/"+sessionID, &cached)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, result.Name, cached.Name)

	// text export formats
	resp3, err := http.Get(ts.http.URL + "/api/workflow/" + sessionID + "?format=prompt")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, "text/plain; charset=utf-8", resp3.Header.Get("Content-Type"))
}

func TestCachedWorkflowMissing(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.getJSON(t, "/api/workflow/no-such-session", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsWebsocketIngest(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	ts.pipeline.OnNavigation("t1", "https://form.test", time.Now())
	visits, err := ts.store.GetSessionVisits(ctx, ts.pipeline.SessionID())
	require.NoError(t, err)
	require.Len(t, visits, 1)

	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(pageEvent{
		Type: "interaction", TabID: "t1", Subtype: "click", Selector: "#send",
	}))
	require.NoError(t, conn.WriteJSON(pageEvent{Type: "bogus", TabID: "t1"}))
	require.NoError(t, conn.WriteJSON(pageEvent{
		Type: "favicon", TabID: "t1", Value: "https://form.test/favicon.ico",
	}))

	// ingest is asynchronous to the write; poll until the queue fills
	require.Eventually(t, func() bool {
		return ts.pipeline.QueuedInteractions() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		visit, err := ts.store.GetVisit(ctx, visits[0].ID)
		return err == nil && visit != nil && visit.FaviconURL == "https://form.test/favicon.ico"
	}, 2*time.Second, 10*time.Millisecond)

	ts.pipeline.Flush(ctx)
	interactions, err := ts.store.GetVisitInteractions(ctx, visits[0].ID)
	require.NoError(t, err)
	require.Len(t, interactions, 1)
	assert.Equal(t, "#send", interactions[0].Selector)
}

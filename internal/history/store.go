package history

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/amlcodes/blurberry/internal/logging"
)

// Store is the durable history store backed by a single SQLite file. It is
// the only component that owns persisted rows; the capture pipeline is its
// sole writer. Reads on an uninitialized store return empty results, but
// StartSession fails loudly because callers cannot proceed without a
// session id.
type Store struct {
	db *sql.DB
}

// snapshotMaxBytes caps stored DOM snapshot HTML.
const snapshotMaxBytes = 500 * 1024

// Open opens (creating if needed) the history database at dbPath and
// applies pending migrations.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ready() bool {
	return s != nil && s.db != nil
}

// formatTS stores timestamps as RFC3339 in UTC.
func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTS tries the common SQLite timestamp formats.
func parseTS(str string) time.Time {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, str); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ── Sessions ────────────────────────────────────────────────

// StartSession opens a new session. Any session still marked open is
// closed first so at most one session is ever current.
func (s *Store) StartSession(ctx context.Context, start time.Time) (*Session, error) {
	if !s.ready() {
		return nil, fmt.Errorf("history store is not initialized")
	}

	// Close dangling sessions from a previous abnormal shutdown.
	if _, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET end_time = ? WHERE end_time IS NULL", formatTS(start),
	); err != nil {
		return nil, fmt.Errorf("close dangling sessions: %w", err)
	}

	session := &Session{
		ID:        uuid.NewString(),
		StartTime: start,
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, start_time) VALUES (?, ?)",
		session.ID, formatTS(start),
	); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// EndSession stamps end_time on the session. Unknown ids are a no-op.
func (s *Store) EndSession(ctx context.Context, id string, end time.Time) error {
	if !s.ready() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET end_time = ? WHERE id = ? AND end_time IS NULL",
		formatTS(end), id,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// CurrentSession returns the open session, or nil if none.
func (s *Store) CurrentSession(ctx context.Context) (*Session, error) {
	if !s.ready() {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT id, start_time, end_time FROM sessions WHERE end_time IS NULL ORDER BY start_time DESC LIMIT 1",
	)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return session, err
}

// GetSessions returns the most recent sessions, newest first.
func (s *Store) GetSessions(ctx context.Context, limit int) ([]Session, error) {
	if !s.ready() {
		return []Session{}, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, start_time, end_time FROM sessions ORDER BY start_time DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var startStr string
	var endStr sql.NullString
	if err := row.Scan(&session.ID, &startStr, &endStr); err != nil {
		return nil, err
	}
	session.StartTime = parseTS(startStr)
	if endStr.Valid {
		end := parseTS(endStr.String)
		session.EndTime = &end
	}
	return &session, nil
}

// ── Page visits ─────────────────────────────────────────────

// RecordPageVisit inserts a new visit row and returns its id. Visit ids
// are monotonically increasing.
func (s *Store) RecordPageVisit(ctx context.Context, visit *PageVisit) (int64, error) {
	if !s.ready() {
		return 0, fmt.Errorf("history store is not initialized")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO page_visits (session_id, tab_id, url, title, ts, favicon_url)
		VALUES (?, ?, ?, ?, ?, ?)`,
		visit.SessionID, visit.TabID, visit.URL, visit.Title, formatTS(visit.Timestamp), visit.FaviconURL,
	)
	if err != nil {
		return 0, fmt.Errorf("insert page visit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	visit.ID = id
	return id, nil
}

// UpdateVisitDuration stamps the visit's duration. Missing visits no-op.
func (s *Store) UpdateVisitDuration(ctx context.Context, visitID int64, duration time.Duration) error {
	if !s.ready() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE page_visits SET duration_ms = ? WHERE id = ?",
		duration.Milliseconds(), visitID,
	)
	if err != nil {
		return fmt.Errorf("update visit duration: %w", err)
	}
	return nil
}

// UpdateVisitTitle updates the visit title. Missing visits no-op.
func (s *Store) UpdateVisitTitle(ctx context.Context, visitID int64, title string) error {
	if !s.ready() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "UPDATE page_visits SET title = ? WHERE id = ?", title, visitID)
	if err != nil {
		return fmt.Errorf("update visit title: %w", err)
	}
	return nil
}

// UpdateVisitFavicon updates the visit favicon URL. Missing visits no-op.
func (s *Store) UpdateVisitFavicon(ctx context.Context, visitID int64, faviconURL string) error {
	if !s.ready() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "UPDATE page_visits SET favicon_url = ? WHERE id = ?", faviconURL, visitID)
	if err != nil {
		return fmt.Errorf("update visit favicon: %w", err)
	}
	return nil
}

// GetVisit returns a visit by id, or nil if it doesn't exist.
func (s *Store) GetVisit(ctx context.Context, visitID int64) (*PageVisit, error) {
	if !s.ready() {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, tab_id, url, title, ts, duration_ms, favicon_url
		FROM page_visits WHERE id = ?`, visitID,
	)
	visit, err := scanVisit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get visit: %w", err)
	}
	return visit, nil
}

func scanVisit(row rowScanner) (*PageVisit, error) {
	var visit PageVisit
	var tsStr string
	var duration sql.NullInt64
	if err := row.Scan(&visit.ID, &visit.SessionID, &visit.TabID, &visit.URL,
		&visit.Title, &tsStr, &duration, &visit.FaviconURL); err != nil {
		return nil, err
	}
	visit.Timestamp = parseTS(tsStr)
	if duration.Valid {
		visit.DurationMS = &duration.Int64
	}
	return &visit, nil
}

func (s *Store) queryVisits(ctx context.Context, query string, args ...interface{}) ([]PageVisit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	defer rows.Close()

	visits := []PageVisit{}
	for rows.Next() {
		visit, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		visits = append(visits, *visit)
	}
	return visits, rows.Err()
}

const visitColumns = "id, session_id, tab_id, url, title, ts, duration_ms, favicon_url"

// GetRecentVisits returns the most recent visits, newest first.
func (s *Store) GetRecentVisits(ctx context.Context, limit int) ([]PageVisit, error) {
	if !s.ready() {
		return []PageVisit{}, nil
	}
	if limit <= 0 {
		limit = 50
	}
	return s.queryVisits(ctx,
		"SELECT "+visitColumns+" FROM page_visits ORDER BY ts DESC LIMIT ?", limit)
}

// GetSessionVisits returns all visits of a session in chronological order.
func (s *Store) GetSessionVisits(ctx context.Context, sessionID string) ([]PageVisit, error) {
	if !s.ready() {
		return []PageVisit{}, nil
	}
	return s.queryVisits(ctx,
		"SELECT "+visitColumns+" FROM page_visits WHERE session_id = ? ORDER BY ts ASC", sessionID)
}

// GetVisitsByDateRange returns visits whose timestamp falls in [from, to],
// newest first.
func (s *Store) GetVisitsByDateRange(ctx context.Context, from, to time.Time) ([]PageVisit, error) {
	if !s.ready() {
		return []PageVisit{}, nil
	}
	return s.queryVisits(ctx,
		"SELECT "+visitColumns+" FROM page_visits WHERE ts >= ? AND ts <= ? ORDER BY ts DESC",
		formatTS(from), formatTS(to))
}

// SearchHistory does a case-insensitive substring match over title and
// URL, most recent first.
func (s *Store) SearchHistory(ctx context.Context, query string, limit int) ([]PageVisit, error) {
	if !s.ready() {
		return []PageVisit{}, nil
	}
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + query + "%"
	return s.queryVisits(ctx, `
		SELECT `+visitColumns+` FROM page_visits
		WHERE title LIKE ? COLLATE NOCASE OR url LIKE ? COLLATE NOCASE
		ORDER BY ts DESC LIMIT ?`, pattern, pattern, limit)
}

// ── Tab events ──────────────────────────────────────────────

// RecordTabEvent appends a tab lifecycle marker.
func (s *Store) RecordTabEvent(ctx context.Context, event *TabEvent) error {
	if !s.ready() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tab_events (session_id, tab_id, action, ts) VALUES (?, ?, ?, ?)",
		event.SessionID, event.TabID, event.Action, formatTS(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert tab event: %w", err)
	}
	return nil
}

// GetSessionTabEvents returns a session's tab events ordered by timestamp.
func (s *Store) GetSessionTabEvents(ctx context.Context, sessionID string) ([]TabEvent, error) {
	if !s.ready() {
		return []TabEvent{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, session_id, tab_id, action, ts FROM tab_events WHERE session_id = ? ORDER BY ts ASC",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query tab events: %w", err)
	}
	defer rows.Close()

	events := []TabEvent{}
	for rows.Next() {
		var event TabEvent
		var tsStr string
		if err := rows.Scan(&event.ID, &event.SessionID, &event.TabID, &event.Action, &tsStr); err != nil {
			return nil, fmt.Errorf("scan tab event: %w", err)
		}
		event.Timestamp = parseTS(tsStr)
		events = append(events, event)
	}
	return events, rows.Err()
}

// ── Interactions ────────────────────────────────────────────

// RecordInteractionsBatch bulk-inserts interactions preserving input
// order. A failing row is logged and skipped; the rest of the batch still
// commits (best-effort).
func (s *Store) RecordInteractionsBatch(ctx context.Context, batch []Interaction) error {
	if !s.ready() || len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT INTO interactions (visit_id, type, selector, value, x, y, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, in := range batch {
		var x, y interface{}
		if in.X != nil {
			x = *in.X
		}
		if in.Y != nil {
			y = *in.Y
		}
		if _, err := stmt.Exec(in.VisitID, in.Type, in.Selector, in.Value, x, y, formatTS(in.Timestamp)); err != nil {
			logging.Warn("skipping interaction for visit %d: %v", in.VisitID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetVisitInteractions returns a visit's interactions in chronological
// (insertion) order.
func (s *Store) GetVisitInteractions(ctx context.Context, visitID int64) ([]Interaction, error) {
	if !s.ready() {
		return []Interaction{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, visit_id, type, selector, value, x, y, ts
		FROM interactions WHERE visit_id = ? ORDER BY ts ASC, id ASC`, visitID,
	)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	interactions := []Interaction{}
	for rows.Next() {
		var in Interaction
		var x, y sql.NullInt64
		var tsStr string
		if err := rows.Scan(&in.ID, &in.VisitID, &in.Type, &in.Selector, &in.Value, &x, &y, &tsStr); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		if x.Valid {
			xi := int(x.Int64)
			in.X = &xi
		}
		if y.Valid {
			yi := int(y.Int64)
			in.Y = &yi
		}
		in.Timestamp = parseTS(tsStr)
		interactions = append(interactions, in)
	}
	return interactions, rows.Err()
}

// ── Snapshots / screenshots / scroll samples ────────────────

// RecordSnapshot stores truncated page HTML for a visit.
func (s *Store) RecordSnapshot(ctx context.Context, visitID int64, html string, ts time.Time) error {
	if !s.ready() {
		return nil
	}
	if len(html) > snapshotMaxBytes {
		html = html[:snapshotMaxBytes]
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO dom_snapshots (visit_id, html, ts) VALUES (?, ?, ?)",
		visitID, html, formatTS(ts),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// RecordScreenshot stores a rendered page capture for a visit.
func (s *Store) RecordScreenshot(ctx context.Context, visitID int64, image []byte, ts time.Time) error {
	if !s.ready() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO screenshots (visit_id, image_data, ts) VALUES (?, ?, ?)",
		visitID, image, formatTS(ts),
	)
	if err != nil {
		return fmt.Errorf("insert screenshot: %w", err)
	}
	return nil
}

// RecordScrollEvent stores a viewport position sample.
func (s *Store) RecordScrollEvent(ctx context.Context, visitID int64, x, y int, ts time.Time) error {
	if !s.ready() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO scroll_events (visit_id, x, y, ts) VALUES (?, ?, ?, ?)",
		visitID, x, y, formatTS(ts),
	)
	if err != nil {
		return fmt.Errorf("insert scroll event: %w", err)
	}
	return nil
}

// GetVisitSnapshots returns a visit's DOM snapshots, oldest first.
func (s *Store) GetVisitSnapshots(ctx context.Context, visitID int64) ([]DOMSnapshot, error) {
	if !s.ready() {
		return []DOMSnapshot{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, visit_id, html, ts FROM dom_snapshots WHERE visit_id = ? ORDER BY ts ASC", visitID,
	)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := []DOMSnapshot{}
	for rows.Next() {
		var snap DOMSnapshot
		var tsStr string
		if err := rows.Scan(&snap.ID, &snap.VisitID, &snap.HTML, &tsStr); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.Timestamp = parseTS(tsStr)
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// GetVisitScreenshots returns a visit's screenshots, oldest first.
func (s *Store) GetVisitScreenshots(ctx context.Context, visitID int64) ([]Screenshot, error) {
	if !s.ready() {
		return []Screenshot{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, visit_id, image_data, ts FROM screenshots WHERE visit_id = ? ORDER BY ts ASC", visitID,
	)
	if err != nil {
		return nil, fmt.Errorf("query screenshots: %w", err)
	}
	defer rows.Close()

	screenshots := []Screenshot{}
	for rows.Next() {
		var shot Screenshot
		var tsStr string
		if err := rows.Scan(&shot.ID, &shot.VisitID, &shot.ImageData, &tsStr); err != nil {
			return nil, fmt.Errorf("scan screenshot: %w", err)
		}
		shot.Timestamp = parseTS(tsStr)
		screenshots = append(screenshots, shot)
	}
	return screenshots, rows.Err()
}

// GetVisitScrollEvents returns a visit's scroll samples, oldest first.
func (s *Store) GetVisitScrollEvents(ctx context.Context, visitID int64) ([]ScrollEvent, error) {
	if !s.ready() {
		return []ScrollEvent{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, visit_id, x, y, ts FROM scroll_events WHERE visit_id = ? ORDER BY ts ASC", visitID,
	)
	if err != nil {
		return nil, fmt.Errorf("query scroll events: %w", err)
	}
	defer rows.Close()

	events := []ScrollEvent{}
	for rows.Next() {
		var ev ScrollEvent
		var tsStr string
		if err := rows.Scan(&ev.ID, &ev.VisitID, &ev.X, &ev.Y, &tsStr); err != nil {
			return nil, fmt.Errorf("scan scroll event: %w", err)
		}
		ev.Timestamp = parseTS(tsStr)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ── Embedding metadata ──────────────────────────────────────

// GetEmbedding returns the embedding record for a visit, or nil when the
// visit has not been indexed.
func (s *Store) GetEmbedding(ctx context.Context, visitID int64) (*EmbeddingRecord, error) {
	if !s.ready() {
		return nil, nil
	}
	record := &EmbeddingRecord{}
	var createdStr string
	err := s.db.QueryRowContext(ctx,
		"SELECT visit_id, model_name, content_hash, created_at FROM embeddings WHERE visit_id = ?",
		visitID,
	).Scan(&record.VisitID, &record.ModelName, &record.ContentHash, &createdStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}
	record.CreatedAt = parseTS(createdStr)
	return record, nil
}

// RecordEmbedding upserts the embedding record for a visit, keeping at
// most one live record per visit.
func (s *Store) RecordEmbedding(ctx context.Context, visitID int64, modelName, contentHash string) error {
	if !s.ready() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (visit_id, model_name, content_hash, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(visit_id) DO UPDATE SET
			model_name = excluded.model_name,
			content_hash = excluded.content_hash,
			created_at = excluded.created_at`,
		visitID, modelName, contentHash, formatTS(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("record embedding: %w", err)
	}
	return nil
}

// ListEmbeddedVisitIDs returns the ids of all visits with a live
// embedding record.
func (s *Store) ListEmbeddedVisitIDs(ctx context.Context) ([]int64, error) {
	if !s.ready() {
		return []int64{}, nil
	}
	rows, err := s.db.QueryContext(ctx, "SELECT visit_id FROM embeddings ORDER BY visit_id")
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan embedding id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteEmbedding removes the embedding record for a visit so a future
// capture re-embeds it.
func (s *Store) DeleteEmbedding(ctx context.Context, visitID int64) error {
	if !s.ready() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM embeddings WHERE visit_id = ?", visitID)
	if err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}
	return nil
}

// ── Workflow cache ──────────────────────────────────────────

// SaveWorkflowCache appends a cached analysis for a session.
func (s *Store) SaveWorkflowCache(ctx context.Context, sessionID, workflowData string) error {
	if !s.ready() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO workflow_cache (session_id, workflow_data, created_at) VALUES (?, ?, ?)",
		sessionID, workflowData, formatTS(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save workflow cache: %w", err)
	}
	return nil
}

// GetLatestWorkflowCache returns the most recent cache entry for a
// session, or nil if none exists.
func (s *Store) GetLatestWorkflowCache(ctx context.Context, sessionID string) (*WorkflowCache, error) {
	if !s.ready() {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, workflow_data, created_at
		FROM workflow_cache WHERE session_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, sessionID,
	)
	var entry WorkflowCache
	var tsStr string
	err := row.Scan(&entry.ID, &entry.SessionID, &entry.WorkflowData, &tsStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow cache: %w", err)
	}
	entry.CreatedAt = parseTS(tsStr)
	return &entry, nil
}

// ── Settings ────────────────────────────────────────────────

// GetSettings returns all stored settings as a key/value map.
func (s *Store) GetSettings(ctx context.Context) (map[string]string, error) {
	if !s.ready() {
		return map[string]string{}, nil
	}
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	settings := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// UpdateSettings upserts the given settings keys.
func (s *Store) UpdateSettings(ctx context.Context, updates map[string]string) error {
	if !s.ready() || len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for key, value := range updates {
		if _, err := tx.Exec(`
			INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, formatTS(time.Now()),
		); err != nil {
			return fmt.Errorf("update setting %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// ── Retention ───────────────────────────────────────────────

// DeleteOldHistory removes everything older than the given number of
// days, children before parents to respect foreign keys. It returns the
// number of visits removed.
func (s *Store) DeleteOldHistory(ctx context.Context, days int) (int64, error) {
	if !s.ready() {
		return 0, nil
	}
	cutoff := formatTS(time.Now().AddDate(0, 0, -days))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	childTables := []string{"scroll_events", "screenshots", "dom_snapshots", "interactions", "embeddings"}
	for _, table := range childTables {
		if _, err := tx.Exec(
			"DELETE FROM "+table+" WHERE visit_id IN (SELECT id FROM page_visits WHERE ts < ?)", cutoff,
		); err != nil {
			return 0, fmt.Errorf("delete old %s: %w", table, err)
		}
	}

	res, err := tx.Exec("DELETE FROM page_visits WHERE ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old visits: %w", err)
	}
	removed, _ := res.RowsAffected()

	if _, err := tx.Exec("DELETE FROM tab_events WHERE ts < ?", cutoff); err != nil {
		return 0, fmt.Errorf("delete old tab events: %w", err)
	}
	if _, err := tx.Exec(`
		DELETE FROM workflow_cache WHERE session_id IN (
			SELECT id FROM sessions WHERE end_time IS NOT NULL AND end_time < ?
			AND id NOT IN (SELECT DISTINCT session_id FROM page_visits)
		)`, cutoff); err != nil {
		return 0, fmt.Errorf("delete old workflow cache: %w", err)
	}
	if _, err := tx.Exec(`
		DELETE FROM sessions WHERE end_time IS NOT NULL AND end_time < ?
		AND id NOT IN (SELECT DISTINCT session_id FROM page_visits)
		AND id NOT IN (SELECT DISTINCT session_id FROM tab_events)`, cutoff); err != nil {
		return 0, fmt.Errorf("delete old sessions: %w", err)
	}

	return removed, tx.Commit()
}

// ── Stats ───────────────────────────────────────────────────

// GetStats returns aggregate statistics about the store.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	if !s.ready() {
		return &Stats{}, nil
	}
	stats := &Stats{}

	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM sessions", &stats.TotalSessions},
		{"SELECT COUNT(*) FROM page_visits", &stats.TotalVisits},
		{"SELECT COUNT(*) FROM interactions", &stats.TotalInteractions},
		{"SELECT COUNT(*) FROM screenshots", &stats.TotalScreenshots},
		{"SELECT COUNT(*) FROM dom_snapshots", &stats.TotalSnapshots},
		{"SELECT COUNT(*) FROM embeddings", &stats.EmbeddedVisits},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("count query: %w", err)
		}
	}

	var lastStr sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(ts) FROM page_visits").Scan(&lastStr); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("last visit: %w", err)
	}
	if lastStr.Valid {
		last := parseTS(lastStr.String)
		stats.LastVisit = &last
	}

	rows, err := s.db.QueryContext(ctx, "SELECT url, COUNT(*) AS cnt FROM page_visits GROUP BY url")
	if err != nil {
		return nil, fmt.Errorf("top urls: %w", err)
	}
	defer rows.Close()

	byDomain := map[string]int64{}
	for rows.Next() {
		var rawURL string
		var count int64
		if err := rows.Scan(&rawURL, &count); err != nil {
			return nil, fmt.Errorf("scan top url: %w", err)
		}
		if host := extractDomain(rawURL); host != "" {
			byDomain[host] += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for domain, count := range byDomain {
		stats.TopDomains = append(stats.TopDomains, DomainCount{Domain: domain, Count: count})
	}
	sort.Slice(stats.TopDomains, func(i, j int) bool {
		if stats.TopDomains[i].Count != stats.TopDomains[j].Count {
			return stats.TopDomains[i].Count > stats.TopDomains[j].Count
		}
		return stats.TopDomains[i].Domain < stats.TopDomains[j].Domain
	})
	if len(stats.TopDomains) > 10 {
		stats.TopDomains = stats.TopDomains[:10]
	}
	return stats, nil
}

// extractDomain pulls the hostname from a URL string.
func extractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

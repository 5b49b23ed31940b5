package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/amlcodes/blurberry/internal/browser"
	"github.com/amlcodes/blurberry/internal/config"
	"github.com/amlcodes/blurberry/internal/history"
	"github.com/amlcodes/blurberry/internal/llm"
	"github.com/amlcodes/blurberry/internal/logging"
	"github.com/amlcodes/blurberry/internal/vector"
)

// PageSource provides page content for a tab. The browser monitor
// implements it; tests substitute a fake.
type PageSource interface {
	CaptureScreenshot(ctx context.Context, tabID string) ([]byte, error)
	PageHTML(ctx context.Context, tabID string) (string, error)
	PageText(ctx context.Context, tabID string, maxChars int) (string, error)
}

// tabState tracks the currently open visit in one tab.
type tabState struct {
	visitID    int64
	url        string
	visitStart time.Time

	lastScreenshotAt time.Time
	lastSnapshotAt   time.Time
	lastScrollAt     time.Time

	timers []*time.Timer
}

// Pipeline turns raw browser events into durable history rows. Events
// arrive from the monitor and the websocket ingest; heavyweight captures
// (screenshots, snapshots, embeddings) run on staggered timers so a
// navigation burst does not stall recording.
type Pipeline struct {
	store    *history.Store
	index    *vector.Index
	embedder llm.Client
	source   PageSource

	mu      sync.Mutex
	cfg     config.CaptureConfig
	session *history.Session
	tabs    map[string]*tabState
	queue   []history.Interaction

	stopFlush chan struct{}
	flushDone chan struct{}

	// injectable for tests
	now      func() time.Time
	schedule func(d time.Duration, f func()) *time.Timer
}

// New assembles a pipeline. embedder and source may be nil; the
// corresponding captures are skipped.
func New(store *history.Store, index *vector.Index, embedder llm.Client, source PageSource, cfg config.CaptureConfig) *Pipeline {
	return &Pipeline{
		store:    store,
		index:    index,
		embedder: embedder,
		source:   source,
		cfg:      cfg,
		tabs:     make(map[string]*tabState),
		now:      time.Now,
		schedule: time.AfterFunc,
	}
}

// SetSource attaches the page content source. The monitor is built
// after the pipeline because it needs the pipeline as its event sink.
func (p *Pipeline) SetSource(source PageSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = source
}

// Start opens a recording session, reconciles the vector index against
// the store, and begins the periodic interaction flush.
func (p *Pipeline) Start(ctx context.Context) error {
	session, err := p.store.StartSession(ctx, p.now())
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	p.mu.Lock()
	p.session = session
	stop := make(chan struct{})
	done := make(chan struct{})
	p.stopFlush = stop
	p.flushDone = done
	interval := p.cfg.FlushInterval()
	p.mu.Unlock()

	if err := p.reconcile(ctx); err != nil {
		logging.Warn("Embedding reconciliation failed: %v", err)
	}

	go p.flushLoop(interval, stop, done)
	logging.Info("Capture session %s started", session.ID)
	return nil
}

// Stop flushes pending interactions, stamps open visit durations, and
// ends the session.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopFlush != nil {
		close(p.stopFlush)
		p.stopFlush = nil
	}
	done := p.flushDone
	p.flushDone = nil
	p.mu.Unlock()
	if done != nil {
		<-done
	}

	p.Flush(ctx)

	p.mu.Lock()
	now := p.now()
	session := p.session
	for tabID, tab := range p.tabs {
		p.closeVisitLocked(ctx, tab, now)
		delete(p.tabs, tabID)
	}
	p.session = nil
	p.mu.Unlock()

	if session == nil {
		return nil
	}
	if err := p.store.EndSession(ctx, session.ID, now); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	logging.Info("Capture session %s ended", session.ID)
	return nil
}

// SessionID returns the active session's ID, or empty when stopped.
func (p *Pipeline) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return ""
	}
	return p.session.ID
}

// UpdateConfig swaps the capture tuning in place. Used by the config
// watcher and the settings endpoint.
func (p *Pipeline) UpdateConfig(cfg config.CaptureConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// skippedScheme reports whether a URL points at browser-internal pages
// that never become visits.
func skippedScheme(rawURL string) bool {
	return rawURL == "" ||
		rawURL == "about:blank" ||
		strings.HasPrefix(rawURL, "chrome://") ||
		strings.HasPrefix(rawURL, "chrome-extension://") ||
		strings.HasPrefix(rawURL, "devtools://")
}

// excluded reports whether the URL's host matches an excluded domain,
// exactly or as a subdomain.
func (p *Pipeline) excluded(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return false
	}
	for _, domain := range p.cfg.ExcludedDomains {
		d := strings.ToLower(strings.TrimSpace(domain))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// OnTabCreated records a tab lifecycle marker.
func (p *Pipeline) OnTabCreated(tabID string, ts time.Time) {
	p.recordTabEvent(tabID, history.TabCreated, ts)
}

// OnTabSwitched records a focus change marker.
func (p *Pipeline) OnTabSwitched(tabID string, ts time.Time) {
	p.recordTabEvent(tabID, history.TabSwitched, ts)
}

// OnTabClosed stamps the open visit's duration, cancels pending captures
// for the tab, and records the lifecycle marker.
func (p *Pipeline) OnTabClosed(tabID string, ts time.Time) {
	ctx := context.Background()

	p.mu.Lock()
	if tab, ok := p.tabs[tabID]; ok {
		p.closeVisitLocked(ctx, tab, ts)
		delete(p.tabs, tabID)
	}
	p.mu.Unlock()

	p.recordTabEvent(tabID, history.TabClosed, ts)
}

func (p *Pipeline) recordTabEvent(tabID, action string, ts time.Time) {
	p.mu.Lock()
	session := p.session
	p.mu.Unlock()
	if session == nil {
		return
	}

	err := p.store.RecordTabEvent(context.Background(), &history.TabEvent{
		SessionID: session.ID,
		TabID:     tabID,
		Action:    action,
		Timestamp: ts,
	})
	if err != nil {
		logging.Warn("Failed to record tab %s event for %s: %v", action, tabID, err)
	}
}

// closeVisitLocked stamps the visit's duration and cancels its timers.
// Caller holds p.mu.
func (p *Pipeline) closeVisitLocked(ctx context.Context, tab *tabState, ts time.Time) {
	for _, t := range tab.timers {
		if t != nil {
			t.Stop()
		}
	}
	tab.timers = nil

	if tab.visitID == 0 {
		return
	}
	if err := p.store.UpdateVisitDuration(ctx, tab.visitID, ts.Sub(tab.visitStart)); err != nil {
		logging.Warn("Failed to stamp duration for visit %d: %v", tab.visitID, err)
	}
	tab.visitID = 0
}

// OnNavigation handles a URL change in a tab: it ends the previous visit,
// records the new one, and schedules its staggered captures. Repeated
// navigations to the same URL in the same tab are ignored.
func (p *Pipeline) OnNavigation(tabID, rawURL string, ts time.Time) {
	if skippedScheme(rawURL) {
		return
	}
	ctx := context.Background()

	p.mu.Lock()
	defer p.mu.Unlock()

	session := p.session
	if session == nil {
		return
	}

	tab, ok := p.tabs[tabID]
	if !ok {
		tab = &tabState{}
		p.tabs[tabID] = tab
	}
	if tab.url == rawURL {
		return
	}

	p.closeVisitLocked(ctx, tab, ts)
	tab.url = rawURL

	if p.excluded(rawURL) {
		logging.Debug("Skipping excluded URL in tab %s", tabID)
		return
	}

	visitID, err := p.store.RecordPageVisit(ctx, &history.PageVisit{
		SessionID: session.ID,
		TabID:     tabID,
		URL:       rawURL,
		Timestamp: ts,
	})
	if err != nil {
		logging.Error("Failed to record visit to %s: %v", rawURL, err)
		return
	}
	tab.visitID = visitID
	tab.visitStart = ts

	p.scheduleCapturesLocked(tabID, tab, ts)
}

// scheduleCapturesLocked arms the staggered capture timers for a fresh
// visit, honoring per-tab throttles. Caller holds p.mu.
func (p *Pipeline) scheduleCapturesLocked(tabID string, tab *tabState, ts time.Time) {
	visitID := tab.visitID

	if p.source != nil && ts.Sub(tab.lastScreenshotAt) >= p.cfg.ScreenshotThrottle() {
		tab.lastScreenshotAt = ts
		tab.timers = append(tab.timers, p.schedule(p.cfg.ScreenshotDelay(), func() {
			p.captureScreenshot(tabID, visitID)
		}))
	}
	if p.source != nil && ts.Sub(tab.lastSnapshotAt) >= p.cfg.SnapshotThrottle() {
		tab.lastSnapshotAt = ts
		tab.timers = append(tab.timers, p.schedule(p.cfg.SnapshotDelay(), func() {
			p.captureSnapshot(tabID, visitID)
		}))
	}
	if p.embedder != nil {
		tab.timers = append(tab.timers, p.schedule(p.cfg.EmbeddingDelay(), func() {
			p.generateEmbedding(tabID, visitID)
		}))
	}
}

// current reports whether visitID is still the open visit in tabID.
// Captures fired by stale timers bail out here.
func (p *Pipeline) current(tabID string, visitID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	tab, ok := p.tabs[tabID]
	return ok && tab.visitID == visitID
}

func (p *Pipeline) captureScreenshot(tabID string, visitID int64) {
	if !p.current(tabID, visitID) {
		return
	}
	ctx := context.Background()

	image, err := p.source.CaptureScreenshot(ctx, tabID)
	if err != nil {
		logging.Warn("Screenshot capture failed for visit %d: %v", visitID, err)
		return
	}
	if err := p.store.RecordScreenshot(ctx, visitID, image, p.now()); err != nil {
		logging.Warn("Failed to store screenshot for visit %d: %v", visitID, err)
	}
}

func (p *Pipeline) captureSnapshot(tabID string, visitID int64) {
	if !p.current(tabID, visitID) {
		return
	}
	ctx := context.Background()

	html, err := p.source.PageHTML(ctx, tabID)
	if err != nil {
		logging.Warn("Snapshot capture failed for visit %d: %v", visitID, err)
		return
	}
	cleaned, err := browser.CleanHTML(html)
	if err != nil {
		logging.Warn("Snapshot cleaning failed for visit %d: %v", visitID, err)
		cleaned = html
	}
	if err := p.store.RecordSnapshot(ctx, visitID, cleaned, p.now()); err != nil {
		logging.Warn("Failed to store snapshot for visit %d: %v", visitID, err)
	}
}

// generateEmbedding indexes a visit's content for semantic search. A
// visit whose content hash is unchanged is not re-embedded, and a failed
// attempt is not retried.
func (p *Pipeline) generateEmbedding(tabID string, visitID int64) {
	if !p.current(tabID, visitID) {
		return
	}
	ctx := context.Background()

	visit, err := p.store.GetVisit(ctx, visitID)
	if err != nil || visit == nil {
		return
	}

	p.mu.Lock()
	maxChars := p.cfg.PageTextMaxChars
	p.mu.Unlock()

	var pageText string
	if p.source != nil {
		if text, err := p.source.PageText(ctx, tabID, maxChars); err == nil {
			pageText = text
		}
	}
	content := strings.TrimSpace(visit.Title + "\n" + visit.URL + "\n" + pageText)
	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])

	if prev, err := p.store.GetEmbedding(ctx, visitID); err == nil && prev != nil && prev.ContentHash == hash {
		logging.Debug("Visit %d already embedded, content unchanged", visitID)
		return
	}

	embedding, err := p.embedder.EmbedText(ctx, content)
	if err != nil {
		if errors.Is(err, llm.ErrNotConfigured) {
			logging.Debug("Embedding skipped for visit %d: provider not configured", visitID)
		} else {
			logging.Warn("Embedding failed for visit %d: %v", visitID, err)
		}
		return
	}

	if err := p.index.Add(visitID, embedding); err != nil {
		if errors.Is(err, vector.ErrCapacity) {
			logging.Warn("Vector index full, visit %d not indexed", visitID)
		} else {
			logging.Warn("Failed to index visit %d: %v", visitID, err)
		}
		return
	}
	if err := p.store.RecordEmbedding(ctx, visitID, p.embedder.EmbeddingModelName(), hash); err != nil {
		logging.Warn("Failed to record embedding for visit %d: %v", visitID, err)
	}
}

// OnTitleChanged updates the open visit's title.
func (p *Pipeline) OnTitleChanged(tabID, title string) {
	p.mu.Lock()
	tab, ok := p.tabs[tabID]
	var visitID int64
	if ok {
		visitID = tab.visitID
	}
	p.mu.Unlock()

	if visitID == 0 || title == "" {
		return
	}
	if err := p.store.UpdateVisitTitle(context.Background(), visitID, title); err != nil {
		logging.Warn("Failed to update title for visit %d: %v", visitID, err)
	}
}

// OnFaviconChanged updates the open visit's favicon URL.
func (p *Pipeline) OnFaviconChanged(tabID, faviconURL string) {
	p.mu.Lock()
	tab, ok := p.tabs[tabID]
	var visitID int64
	if ok {
		visitID = tab.visitID
	}
	p.mu.Unlock()

	if visitID == 0 || faviconURL == "" {
		return
	}
	if err := p.store.UpdateVisitFavicon(context.Background(), visitID, faviconURL); err != nil {
		logging.Warn("Failed to update favicon for visit %d: %v", visitID, err)
	}
}

// OnInteraction queues a user interaction against the tab's open visit.
// The batch is written when it reaches the threshold or on the next
// periodic flush. Interactions in tabs with no open visit (excluded or
// internal pages) are dropped.
func (p *Pipeline) OnInteraction(tabID, interactionType, selector, value string, x, y *int, ts time.Time) {
	p.mu.Lock()
	tab, ok := p.tabs[tabID]
	if !ok || tab.visitID == 0 {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, history.Interaction{
		VisitID:   tab.visitID,
		Type:      interactionType,
		Selector:  selector,
		Value:     value,
		X:         x,
		Y:         y,
		Timestamp: ts,
	})
	full := len(p.queue) >= p.cfg.BatchThreshold
	p.mu.Unlock()

	if full {
		p.Flush(context.Background())
	}
}

// OnScroll stores a viewport position sample, throttled per tab.
func (p *Pipeline) OnScroll(tabID string, x, y int, ts time.Time) {
	p.mu.Lock()
	tab, ok := p.tabs[tabID]
	if !ok || tab.visitID == 0 {
		p.mu.Unlock()
		return
	}
	if ts.Sub(tab.lastScrollAt) < p.cfg.ScrollThrottle() {
		p.mu.Unlock()
		return
	}
	tab.lastScrollAt = ts
	visitID := tab.visitID
	p.mu.Unlock()

	if err := p.store.RecordScrollEvent(context.Background(), visitID, x, y, ts); err != nil {
		logging.Warn("Failed to record scroll for visit %d: %v", visitID, err)
	}
}

// Flush writes all queued interactions now.
func (p *Pipeline) Flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.queue
	p.queue = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := p.store.RecordInteractionsBatch(ctx, batch); err != nil {
		logging.Error("Failed to flush %d interactions: %v", len(batch), err)
	}
}

// QueuedInteractions returns the number of interactions awaiting flush.
func (p *Pipeline) QueuedInteractions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pipeline) flushLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Flush(context.Background())
		case <-stop:
			return
		}
	}
}

// reconcile drops embedding records for visits the vector index lost.
// The index file can lag the database when a previous run died between
// an insert and a save; the affected visits simply get re-embedded on
// their next navigation.
func (p *Pipeline) reconcile(ctx context.Context) error {
	ids, err := p.store.ListEmbeddedVisitIDs(ctx)
	if err != nil {
		return err
	}
	dropped := 0
	for _, id := range ids {
		if p.index.Contains(id) {
			continue
		}
		if err := p.store.DeleteEmbedding(ctx, id); err != nil {
			logging.Warn("Failed to drop orphaned embedding for visit %d: %v", id, err)
			continue
		}
		dropped++
	}
	if dropped > 0 {
		logging.Info("Dropped %d embedding records missing from the vector index", dropped)
	}
	return nil
}

package history

import "time"

// Session is one application run's browsing period.
type Session struct {
	ID        string     `json:"id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// PageVisit is one navigation to a URL in one tab.
type PageVisit struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	TabID      string    `json:"tab_id"`
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMS *int64    `json:"duration_ms,omitempty"` // set when the visit ends
	FaviconURL string    `json:"favicon_url,omitempty"`
}

// Tab lifecycle actions.
const (
	TabCreated  = "created"
	TabSwitched = "switched"
	TabClosed   = "closed"
)

// TabEvent is an append-only tab lifecycle marker.
type TabEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	TabID     string    `json:"tab_id"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// Interaction types reported by the page.
const (
	InteractionClick     = "click"
	InteractionInput     = "input"
	InteractionScroll    = "scroll"
	InteractionSelect    = "select"
	InteractionClipboard = "clipboard"
	InteractionKeypress  = "keypress"
)

// Interaction is a user action inside a visited page.
type Interaction struct {
	ID        int64     `json:"id"`
	VisitID   int64     `json:"visit_id"`
	Type      string    `json:"type"`
	Selector  string    `json:"selector,omitempty"`
	Value     string    `json:"value,omitempty"`
	X         *int      `json:"x,omitempty"`
	Y         *int      `json:"y,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DOMSnapshot is truncated page HTML at a point in time.
type DOMSnapshot struct {
	ID        int64     `json:"id"`
	VisitID   int64     `json:"visit_id"`
	HTML      string    `json:"html"`
	Timestamp time.Time `json:"timestamp"`
}

// Screenshot is a rendered page capture.
type Screenshot struct {
	ID        int64     `json:"id"`
	VisitID   int64     `json:"visit_id"`
	ImageData []byte    `json:"image_data"`
	Timestamp time.Time `json:"timestamp"`
}

// ScrollEvent is a throttled viewport position sample.
type ScrollEvent struct {
	ID        int64     `json:"id"`
	VisitID   int64     `json:"visit_id"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Timestamp time.Time `json:"timestamp"`
}

// EmbeddingRecord marks a visit as semantically indexed.
type EmbeddingRecord struct {
	VisitID     int64     `json:"visit_id"`
	ModelName   string    `json:"model_name"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// WorkflowCache is a cached structured analysis of a session. Rows are
// append-only; the latest by created_at is authoritative.
type WorkflowCache struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	WorkflowData string    `json:"workflow_data"`
	CreatedAt    time.Time `json:"created_at"`
}

// DomainCount pairs a hostname with its visit count.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int64  `json:"count"`
}

// Stats holds aggregate statistics about the stored history.
type Stats struct {
	TotalSessions     int64         `json:"total_sessions"`
	TotalVisits       int64         `json:"total_visits"`
	TotalInteractions int64         `json:"total_interactions"`
	TotalScreenshots  int64         `json:"total_screenshots"`
	TotalSnapshots    int64         `json:"total_snapshots"`
	EmbeddedVisits    int64         `json:"embedded_visits"`
	LastVisit         *time.Time    `json:"last_visit,omitempty"`
	TopDomains        []DomainCount `json:"top_domains,omitempty"`
}

package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amlcodes/blurberry/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	// Loopback-only listener; the in-page reporter connects with a
	// page origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// pageEvent is one message from the in-page reporter script.
type pageEvent struct {
	Type     string `json:"type"` // interaction, scroll, tab_switched, favicon
	TabID    string `json:"tab_id"`
	Subtype  string `json:"subtype,omitempty"` // click, input, select, clipboard, keypress
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
	X        *int   `json:"x,omitempty"`
	Y        *int   `json:"y,omitempty"`
	TS       int64  `json:"ts,omitempty"` // unix milliseconds; zero means now
}

func (e *pageEvent) timestamp() time.Time {
	if e.TS == 0 {
		return time.Now()
	}
	return time.UnixMilli(e.TS)
}

// handleEvents ingests a stream of page events into the capture
// pipeline. One connection per tab; malformed messages are logged and
// skipped so one bad event cannot kill the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	logging.Debug("Event stream connected from %s", r.RemoteAddr)

	for {
		var event pageEvent
		if err := conn.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("Event stream closed: %v", err)
			}
			return
		}
		if event.TabID == "" {
			continue
		}

		switch event.Type {
		case "interaction":
			if event.Subtype == "" {
				continue
			}
			s.pipeline.OnInteraction(event.TabID, event.Subtype, event.Selector, event.Value, event.X, event.Y, event.timestamp())
		case "scroll":
			if event.X == nil || event.Y == nil {
				continue
			}
			s.pipeline.OnScroll(event.TabID, *event.X, *event.Y, event.timestamp())
		case "tab_switched":
			s.pipeline.OnTabSwitched(event.TabID, event.timestamp())
		case "favicon":
			if event.Value == "" {
				continue
			}
			s.pipeline.OnFaviconChanged(event.TabID, event.Value)
		default:
			logging.Debug("Ignoring unknown event type %q", event.Type)
		}
	}
}

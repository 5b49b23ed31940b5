package browser

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/amlcodes/blurberry/internal/logging"
)

// EventSink receives discrete, timestamped browser events. The capture
// pipeline implements it.
type EventSink interface {
	OnTabCreated(tabID string, ts time.Time)
	OnTabClosed(tabID string, ts time.Time)
	OnNavigation(tabID, url string, ts time.Time)
	OnTitleChanged(tabID, title string)
}

// Monitor drives a Chrome instance over the DevTools protocol, forwarding
// tab lifecycle and navigation events to its sink and exposing page
// capture primitives (screenshot, HTML, text) per tab.
type Monitor struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc

	sink EventSink

	mu      sync.Mutex
	tabCtxs map[string]context.Context
	tabURLs map[string]string
}

// findChrome attempts to find a Chrome executable in common locations.
func findChrome() (string, error) {
	var paths []string

	switch runtime.GOOS {
	case "darwin":
		paths = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Brave Browser.app/Contents/MacOS/Brave Browser",
		}
	case "linux":
		paths = []string{
			"google-chrome",
			"google-chrome-stable",
			"chromium",
			"chromium-browser",
		}
	case "windows":
		paths = []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		}
	}

	for _, path := range paths {
		if runtime.GOOS == "darwin" {
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		} else if _, err := exec.LookPath(path); err == nil {
			return path, nil
		}
	}

	if path, err := exec.LookPath("chrome"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("Chrome browser not found. Please install Chrome, Chromium, or Brave")
}

// NewMonitor launches Chrome and begins forwarding events to sink.
func NewMonitor(sink EventSink, headless bool) (*Monitor, error) {
	chromePath, err := findChrome()
	if err != nil {
		return nil, err
	}
	logging.Info("Using Chrome from: %s", chromePath)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(chromePath),
		chromedp.WindowSize(1920, 1080),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if !headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, v ...interface{}) {
		logging.Debug("[Chrome] "+format, v...)
	}))

	if err := chromedp.Run(ctx); err != nil {
		allocCancel()
		cancel()
		return nil, fmt.Errorf("failed to start Chrome: %w", err)
	}

	m := &Monitor{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		ctx:         ctx,
		cancel:      cancel,
		sink:        sink,
		tabCtxs:     make(map[string]context.Context),
		tabURLs:     make(map[string]string),
	}

	if err := m.listen(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// listen enables target discovery and forwards target events to the sink.
func (m *Monitor) listen() error {
	chromedp.ListenBrowser(m.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *target.EventTargetCreated:
			if e.TargetInfo.Type != "page" {
				return
			}
			m.sink.OnTabCreated(string(e.TargetInfo.TargetID), time.Now())
			if e.TargetInfo.URL != "" {
				m.sink.OnNavigation(string(e.TargetInfo.TargetID), e.TargetInfo.URL, time.Now())
			}

		case *target.EventTargetDestroyed:
			tabID := string(e.TargetID)
			m.mu.Lock()
			_, known := m.tabURLs[tabID]
			delete(m.tabCtxs, tabID)
			delete(m.tabURLs, tabID)
			m.mu.Unlock()
			if known {
				m.sink.OnTabClosed(tabID, time.Now())
			}

		case *target.EventTargetInfoChanged:
			if e.TargetInfo.Type != "page" {
				return
			}
			tabID := string(e.TargetInfo.TargetID)
			m.mu.Lock()
			prevURL := m.tabURLs[tabID]
			m.tabURLs[tabID] = e.TargetInfo.URL
			m.mu.Unlock()

			if e.TargetInfo.URL != prevURL {
				m.sink.OnNavigation(tabID, e.TargetInfo.URL, time.Now())
			}
			if e.TargetInfo.Title != "" {
				m.sink.OnTitleChanged(tabID, e.TargetInfo.Title)
			}
		}
	})

	if err := chromedp.Run(m.ctx, target.SetDiscoverTargets(true)); err != nil {
		return fmt.Errorf("failed to enable target discovery: %w", err)
	}
	return nil
}

// tabContext returns (creating if needed) a chromedp context attached to
// the given tab.
func (m *Monitor) tabContext(tabID string) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx, ok := m.tabCtxs[tabID]; ok {
		return ctx
	}
	ctx, _ := chromedp.NewContext(m.ctx, chromedp.WithTargetID(target.ID(tabID)))
	m.tabCtxs[tabID] = ctx
	return ctx
}

// CaptureScreenshot takes a full screenshot of the given tab.
func (m *Monitor) CaptureScreenshot(ctx context.Context, tabID string) ([]byte, error) {
	tabCtx, cancel := context.WithTimeout(m.tabContext(tabID), 10*time.Second)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(tabCtx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// PageHTML returns the tab's current document HTML.
func (m *Monitor) PageHTML(ctx context.Context, tabID string) (string, error) {
	tabCtx, cancel := context.WithTimeout(m.tabContext(tabID), 10*time.Second)
	defer cancel()

	var html string
	if err := chromedp.Run(tabCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to get page HTML: %w", err)
	}
	return html, nil
}

// PageText returns the readable text of the tab, capped at maxChars.
func (m *Monitor) PageText(ctx context.Context, tabID string, maxChars int) (string, error) {
	html, err := m.PageHTML(ctx, tabID)
	if err != nil {
		return "", err
	}
	return ExtractText(html, maxChars)
}

// Close shuts down Chrome.
func (m *Monitor) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/amlcodes/blurberry/internal/logging"
)

// Watcher monitors the config file and reloads it on change, so capture
// settings (exclusion list, throttles) can be updated without a restart.
type Watcher struct {
	loader     *Loader
	configPath string
	watcher    *fsnotify.Watcher
	debounce   time.Duration

	onReload func(*Config)
}

// NewWatcher creates a watcher for the given loader's config file.
func NewWatcher(loader *Loader, onReload func(*Config)) (*Watcher, error) {
	configPath, err := loader.FindConfigFile()
	if err != nil {
		return nil, fmt.Errorf("cannot watch config: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		loader:     loader,
		configPath: configPath,
		watcher:    fsw,
		debounce:   500 * time.Millisecond,
		onReload:   onReload,
	}, nil
}

// Start begins watching until ctx is cancelled. Editors replace files on
// save, so the parent directory is watched and events are filtered by name.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ConfigFileName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Debounce bursts of write events from a single save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		logging.Warn("config reload failed, keeping previous settings: %v", err)
		return
	}
	logging.Info("config reloaded from %s", w.configPath)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

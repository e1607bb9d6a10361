package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/muurk/headunit/internal/logging"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 100 * time.Millisecond

// WatchOption configures Watch.
type WatchOption func(*watcher)

// WithDebounce sets the quiet period before a reload.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *watcher) { w.delay = d }
}

type watcher struct {
	path     string
	delay    time.Duration
	onChange func(*Config)

	mu       sync.Mutex
	debounce *time.Timer

	// reloadMu keeps onChange calls from overlapping when a timer fires
	// while the previous reload is still running.
	reloadMu sync.Mutex
}

// Watch reloads path whenever it changes and passes each valid result to
// onChange. Invalid files are logged and ignored; the previous config stays
// in force. The watch is set up before Watch returns and stops when ctx is
// done.
func Watch(ctx context.Context, path string, onChange func(*Config), opts ...WatchOption) error {
	w := &watcher{path: path, delay: DefaultDebounce, onChange: onChange}
	for _, opt := range opts {
		opt(w)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	// Watch the directory: editors replace the file by rename.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	go w.run(ctx, fw)
	return nil
}

func (w *watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	defer fw.Close()
	defer w.stop()

	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.debounceReload(ctx)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			logging.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *watcher) debounceReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.delay, func() {
		if ctx.Err() != nil {
			return
		}
		w.reload()
	})
}

func (w *watcher) reload() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		logging.Warn("Ignoring config change", zap.String("path", w.path), zap.Error(err))
		return
	}
	logging.Info("Config reloaded",
		zap.String("path", w.path),
		zap.String("codec", cfg.Video.Codec),
		zap.Bool("force_software_decoding", cfg.Video.ForceSoftwareDecoding),
	)
	w.onChange(cfg)
}

func (w *watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
}

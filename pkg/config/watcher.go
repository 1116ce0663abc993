package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the config file when it changes on disk and hands the
// parsed result to a callback. The agent uses it to adjust the log level
// of a live ramdisk without restarting mid-deploy. A file that fails to
// parse is logged and skipped; the previous configuration stays active.
type Watcher struct {
	path     string
	logger   zerolog.Logger
	fs       *fsnotify.Watcher
	onReload func(*Config)
}

// NewWatcher watches path. onReload runs on every successful reload.
func NewWatcher(path string, logger zerolog.Logger, onReload func(*Config)) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory: editors and config management replace the
	// file rather than writing it in place.
	if err := fs.Add(filepath.Dir(path)); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &Watcher{
		path:     path,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		fs:       fs,
		onReload: onReload,
	}, nil
}

// Run processes file events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info().Str("path", w.path).Msg("Config watcher started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Config watcher stopped")
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Ignoring invalid config change")
		return
	}
	w.logger.Info().Str("path", w.path).Msg("Config reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Close releases the underlying file watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

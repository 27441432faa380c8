package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the YAML config file into a Live whenever it changes on disk.
type Watcher struct {
	path     string
	live     *Live
	watcher  *fsnotify.Watcher
	debounce time.Duration
}

func NewWatcher(path string, live *Live) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory so editors that replace the file by rename are seen.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	return &Watcher{
		path:     path,
		live:     live,
		watcher:  w,
		debounce: time.Second,
	}, nil
}

// Run blocks until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	zap.L().Info("Config watcher started", zap.String("path", w.path))

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			zap.L().Info("Config watcher stopping")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			zap.L().Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	next := w.live.Get().Clone()
	if err := LoadFile(w.path, &next); err != nil {
		zap.L().Error("Failed to reload config file, keeping current settings",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}
	if err := w.live.Replace(next); err != nil {
		zap.L().Error("Rejected reloaded settings", zap.Error(err))
		return
	}
	zap.L().Info("Config file reloaded", zap.String("path", w.path))
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 200 * time.Millisecond

// Watcher reloads a YAML configuration file when it changes on disk.
type Watcher struct {
	path     string
	onChange func(Config)
	logger   zerolog.Logger
	debounce time.Duration
}

// NewWatcher returns a Watcher for path. onChange receives every config
// that loads and validates; broken edits are logged and skipped.
func NewWatcher(path string, onChange func(Config), logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger.With().Str("component", "config").Str("path", path).Logger(),
		debounce: reloadDebounce,
	}
}

// Run watches until ctx is cancelled. The parent directory is watched so
// editors that replace the file by rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}
	target := filepath.Clean(w.path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.reload)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFile(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("config reload rejected")
		return
	}
	w.logger.Info().Str("log_level", cfg.LogLevel).Int("entity_types", len(cfg.EntityTypes)).Msg("config reloaded")
	w.onChange(cfg)
}

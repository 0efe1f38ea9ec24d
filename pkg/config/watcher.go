package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

// Watcher reloads the configuration when the file or its .env changes and
// hands valid results to onChange. Invalid edits are logged and skipped.
type Watcher struct {
	path     string
	logger   *logx.Logger
	onChange func(*Config)
	debounce time.Duration
}

// NewWatcher creates a watcher for path
func NewWatcher(path string, logger *logx.Logger, onChange func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		logger:   logger,
		onChange: onChange,
		debounce: 500 * time.Millisecond,
	}
}

// Run watches until ctx is cancelled. The directory is watched rather than
// the file so editors that replace the file on save are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.logger.Info("Watching configuration", "path", w.path)

	targets := map[string]bool{
		filepath.Clean(w.path):     true,
		filepath.Join(dir, ".env"): true,
	}

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !targets[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("Configuration file event", "path", event.Name, "op", event.Op.String())
			debounce.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Configuration watcher error", "error", err)

		case <-debounce.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Configuration change rejected", "path", w.path, "error", err)
		return
	}
	w.logger.Info("Configuration reloaded", "path", w.path)
	w.onChange(cfg)
}

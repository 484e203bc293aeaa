// Package watcher hot-reloads the config file and applies safe changes
// to the running server without a restart.
package watcher

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/relaymux/relaymux/internal/config"
	log "github.com/relaymux/relaymux/internal/logging"
)

const debounceDelay = 500 * time.Millisecond

// Watcher observes one config file. Apply is invoked with the old and
// freshly validated new config after every change; invalid files are
// logged and skipped, keeping the last good config active.
type Watcher struct {
	path    string
	current *config.Config
	apply   func(old, new *config.Config)
}

// New creates a watcher for the given config file.
func New(path string, current *config.Config, apply func(old, new *config.Config)) *Watcher {
	return &Watcher{path: path, current: current, apply: apply}
}

// Start watches until ctx is done. The parent directory is watched
// rather than the file itself so atomic rename-based saves are seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	go w.loop(ctx, fsw)
	log.Debugf("watching %s for config changes", w.path)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceDelay)
				timerC = timer.C
			} else {
				timer.Reset(debounceDelay)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			log.Warnf("config watcher: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	newCfg, err := config.LoadConfig(w.path)
	if err != nil {
		log.Warnf("config reload skipped: %v", err)
		return
	}

	changes := buildConfigChangeDetails(w.current, newCfg)
	if len(changes) == 0 {
		log.Debugf("config file touched, no effective changes")
		return
	}
	for _, change := range changes {
		log.Infof("config change: %s", change)
	}

	old := w.current
	w.current = newCfg
	w.apply(old, newCfg)
}

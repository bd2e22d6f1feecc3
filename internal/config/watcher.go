package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cawhq/caw/internal/log"
	"github.com/cawhq/caw/internal/pubsub"
)

// ReloadEvent is published whenever the watched config file changes and is
// re-parsed successfully.
type ReloadEvent struct {
	Config Config
	Err    error
}

// Watcher watches a Loader's config file and re-Loads on change, debounced
// the way perles/internal/watcher debounces beads.db writes.
type Watcher struct {
	loader   *Loader
	fsWatch  *fsnotify.Watcher
	broker   *pubsub.Broker[ReloadEvent]
	debounce time.Duration
	done     chan struct{}
}

// NewWatcher constructs a Watcher over loader's config file.
func NewWatcher(loader *Loader, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	return &Watcher{
		loader: loader, fsWatch: fsw, broker: pubsub.NewBroker[ReloadEvent](),
		debounce: debounce, done: make(chan struct{}),
	}, nil
}

// Broker returns the watcher's reload event feed.
func (w *Watcher) Broker() *pubsub.Broker[ReloadEvent] { return w.broker }

// Start begins watching the config file's parent directory (the file itself
// may not exist yet, or may be replaced wholesale by an editor's rename+write).
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.loader.Path())
	if err := w.fsWatch.Add(dir); err != nil {
		return fmt.Errorf("watching config dir %s: %w", dir, err)
	}
	go w.loop()
	log.Info(log.CatConfig, "watching config file", "path", w.loader.Path())
	return nil
}

// Stop terminates the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	w.broker.Close()
	return w.fsWatch.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	base := filepath.Base(w.loader.Path())

	for {
		var timerC <-chan time.Time
		if timer != nil {
			timerC = timer.C
		}

		select {
		case ev, ok := <-w.fsWatch.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			cfg, err := w.loader.Load()
			if err != nil {
				log.Error(log.CatConfig, "config reload failed", "path", w.loader.Path(), "err", err.Error())
			} else {
				log.Info(log.CatConfig, "config reloaded", "path", w.loader.Path())
			}
			w.broker.Publish(pubsub.UpdatedEvent, ReloadEvent{Config: cfg, Err: err})
			timer = nil

		case err, ok := <-w.fsWatch.Errors:
			if !ok {
				return
			}
			log.Error(log.CatConfig, "config watcher error", "err", err.Error())

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

package config

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"unitd/pkg/logging"
)

// debounceWindow coalesces the write bursts editors and package managers
// produce into one callback.
const debounceWindow = 500 * time.Millisecond

// Watcher observes the unit directories and invokes a callback when unit
// files or their drop-in overrides change, so the manager can schedule a
// daemon-reload without being asked.
type Watcher struct {
	fsw      *fsnotify.Watcher
	onChange func()
	done     chan struct{}
}

// NewWatcher starts watching dirs. Directories that do not exist yet are
// skipped with a log line; onChange runs on the watcher's own goroutine,
// debounced.
func NewWatcher(dirs []string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, d := range dirs {
		if err := fsw.Add(d); err != nil {
			logging.Info("Watcher", "not watching %s: %v", d, err)
		}
	}

	w := &Watcher{fsw: fsw, onChange: onChange, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var timer *time.Timer
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevant(ev) {
				continue
			}
			logging.Debug("Watcher", "unit file change: %s %s", ev.Op, ev.Name)
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, w.onChange)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("Watcher", "watch error: %v", err)
		}
	}
}

// relevant filters the event stream down to unit files and drop-in
// fragments.
func relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name := ev.Name
	for _, suffix := range []string{".service", ".socket", ".target", ".mount", ".timer", ".yaml"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

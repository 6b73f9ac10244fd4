package notify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// EventWatcher watches the events directory and dispatches callbacks. Each
// event file is consumed by exactly one watcher.
type EventWatcher struct {
	dir      string
	callback func(Event)
	log      *zap.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewEventWatcher creates a watcher for {dataPath}/events/. A nil logger
// discards watcher diagnostics.
func NewEventWatcher(dataPath string, logger *zap.Logger, callback func(Event)) *EventWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventWatcher{
		dir:      filepath.Join(dataPath, "events"),
		callback: callback,
		log:      logger.Named("notify"),
		done:     make(chan struct{}),
	}
}

// Start begins watching. It drains any existing event files first,
// then watches for new ones. Call Stop() to clean up.
func (ew *EventWatcher) Start() error {
	if err := os.MkdirAll(ew.dir, 0o700); err != nil {
		return errors.Wrapf(err, "notify: mkdir %s", ew.dir)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "notify: create watcher")
	}
	if err := w.Add(ew.dir); err != nil {
		_ = w.Close()
		return errors.Wrapf(err, "notify: watch %s", ew.dir)
	}
	ew.watcher = w

	// Drain after Add so files written in between are not missed; a file seen
	// twice is consumed once because processFile removes it first.
	ew.drainExisting()

	go ew.loop()
	ew.log.Info("watching for events", zap.String("dir", ew.dir))
	return nil
}

// Stop shuts down the watcher.
func (ew *EventWatcher) Stop() {
	if ew.watcher == nil {
		return
	}
	_ = ew.watcher.Close()
	<-ew.done
}

func (ew *EventWatcher) loop() {
	defer close(ew.done)
	for {
		select {
		case evt, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && isEventFile(evt.Name) {
				ew.processFile(evt.Name)
			}
		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			ew.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func isEventFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".event") && !strings.HasPrefix(base, ".")
}

func (ew *EventWatcher) drainExisting() {
	entries, err := os.ReadDir(ew.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && isEventFile(entry.Name()) {
			ew.processFile(filepath.Join(ew.dir, entry.Name()))
		}
	}
}

func (ew *EventWatcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // consumed by another process
	}
	if err := os.Remove(path); err != nil {
		return
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		ew.log.Warn("invalid event file", zap.String("file", filepath.Base(path)), zap.Error(err))
		return
	}
	if event.ID != "" && ew.callback != nil {
		ew.callback(event)
	}
}

// Package notify carries store events between conclave processes through
// small files in a shared events directory.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
)

// Event is the payload written to an event file. ID is a fact number, an
// entity ID, or a session ID depending on Type.
type Event struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Time int64  `json:"time"`
}

// EventWriter writes notification event files to a shared directory.
type EventWriter struct {
	dir   string
	clock func() time.Time
}

// NewEventWriter creates a writer that emits events to {dataPath}/events/.
func NewEventWriter(dataPath string) *EventWriter {
	return &EventWriter{dir: filepath.Join(dataPath, "events"), clock: time.Now}
}

// Dir returns the events directory.
func (w *EventWriter) Dir() string { return w.dir }

// Notify writes an event file with the given type.
// Safe to call concurrently. Errors are returned but not fatal.
func (w *EventWriter) Notify(eventType, id string) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return errors.Wrapf(err, "notify: mkdir %s", w.dir)
	}
	evt := Event{Type: eventType, ID: id, Time: w.clock().UnixNano()}
	data, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "notify: encode event")
	}

	// Write under a temporary name so watchers never read a partial file.
	name := fmt.Sprintf("%d-%s.event", evt.Time, sanitizeID(id))
	tmp := filepath.Join(w.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "notify: write event")
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, name)); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "notify: publish event")
	}
	return nil
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		switch id[i] {
		case '/', ':', '\\', '.':
			out[i] = '_'
		default:
			out[i] = id[i]
		}
	}
	return string(out)
}

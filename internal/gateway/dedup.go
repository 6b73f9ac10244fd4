package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/scrypster/conclave/internal/textutil"
	"github.com/scrypster/conclave/pkg/types"
)

// DefaultDedupWindow is how close two identical submissions must be to
// coalesce.
const DefaultDedupWindow = 5 * time.Minute

// ContentHash is the dedup key of a submission: sha256 over the source and
// the case- and whitespace-normalized body.
func ContentHash(source, body string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(source)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(textutil.CollapseSpace(body))))
	return hex.EncodeToString(h.Sum(nil))
}

// DedupIndex remembers recent submissions by content hash.
//
// Claim reserves key for a submission whose event time is at. If another
// claim on key lies within window of at, Claim returns that claim's fact ID
// (0 while it is still being written) and claimed=false. A successful claim
// must be followed by Confirm once the fact is stored, or Release if storing
// failed.
type DedupIndex interface {
	Claim(ctx context.Context, key string, at time.Time, window time.Duration) (existing types.FactID, claimed bool, err error)
	Confirm(ctx context.Context, key string, at time.Time, id types.FactID) error
	Release(ctx context.Context, key string, at time.Time) error
}

type dedupEntry struct {
	at   time.Time
	id   types.FactID
	seen time.Time
}

// MemoryDedup is an in-process DedupIndex.
type MemoryDedup struct {
	mu      sync.Mutex
	entries map[string][]dedupEntry
	now     func() time.Time
	retain  time.Duration
	claims  int
}

// NewMemoryDedup returns an empty index. Entries are forgotten after retain
// of wall-clock time (default: twice the dedup window).
func NewMemoryDedup(retain time.Duration) *MemoryDedup {
	if retain <= 0 {
		retain = 2 * DefaultDedupWindow
	}
	return &MemoryDedup{entries: make(map[string][]dedupEntry), now: time.Now, retain: retain}
}

// Seed records recently ingested facts so a restart answers their
// duplicates from memory. Older facts are found through the store.
func (m *MemoryDedup) Seed(facts []*types.Fact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.retain)
	for _, f := range facts {
		if f.ContentHash == "" || f.Timestamp.Before(cutoff) {
			continue
		}
		m.entries[f.ContentHash] = append(m.entries[f.ContentHash], dedupEntry{at: f.EventTime(), id: f.ID, seen: f.Timestamp})
	}
}

// Claim implements DedupIndex.
func (m *MemoryDedup) Claim(_ context.Context, key string, at time.Time, window time.Duration) (types.FactID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.claims++
	if m.claims%256 == 0 {
		m.pruneLocked(now)
	}
	for _, e := range m.entries[key] {
		if absDuration(e.at.Sub(at)) < window {
			return e.id, false, nil
		}
	}
	m.entries[key] = append(m.entries[key], dedupEntry{at: at, seen: now})
	return 0, true, nil
}

// Confirm implements DedupIndex.
func (m *MemoryDedup) Confirm(_ context.Context, key string, at time.Time, id types.FactID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	es := m.entries[key]
	for i := range es {
		if es[i].at.Equal(at) && es[i].id == 0 {
			es[i].id = id
			return nil
		}
	}
	return nil
}

// Release implements DedupIndex.
func (m *MemoryDedup) Release(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	es := m.entries[key]
	for i := range es {
		if es[i].at.Equal(at) && es[i].id == 0 {
			es = append(es[:i], es[i+1:]...)
			break
		}
	}
	if len(es) == 0 {
		delete(m.entries, key)
	} else {
		m.entries[key] = es
	}
	return nil
}

// Len reports the number of remembered submissions.
func (m *MemoryDedup) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, es := range m.entries {
		n += len(es)
	}
	return n
}

func (m *MemoryDedup) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.retain)
	for key, es := range m.entries {
		kept := es[:0]
		for _, e := range es {
			if e.seen.After(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(m.entries, key)
		} else {
			m.entries[key] = kept
		}
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

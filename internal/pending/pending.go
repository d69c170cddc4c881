// Package pending implements the in-memory pending-update map (C4): the
// hand-off point between the ingest goroutine and the index updater. The
// ingest goroutine records deltas as reports land; the updater periodically
// swaps the whole map out for an empty one and drains what it took.
//
// The map is guarded by a spin lock rather than a mutex. This is a direct
// carry-over of the behavior the report store has always had: ingest and
// swap are both expected to hold the lock for a handful of map operations,
// never block on I/O, so a busy-wait CAS loop is cheaper than parking a
// goroutine. A channel-based handoff was considered and rejected for the
// same reason; see the design notes for the tradeoff.
package pending

import (
	"sync/atomic"
)

// Update is the accumulated delta for one task since the last swap.
type Update struct {
	// Title is set only if at least one report carried a Title: line; the
	// first non-empty title observed wins and is never overwritten by a
	// later one within the same pending window.
	Title string
	// HasTitle records whether any merged report carried a title. The
	// report parser only reports a title when its value is non-empty, so an
	// empty Title: line counts as no title.
	HasTitle bool
	// Tags is the union of every Tag: value observed across all reports
	// merged into this update.
	Tags map[string]struct{}
	// NumReports is the number of reports merged into this update.
	NumReports int
}

func newUpdate() *Update {
	return &Update{}
}

func (u *Update) merge(title string, hasTitle bool, tags map[string]struct{}) {
	u.NumReports++
	if hasTitle && !u.HasTitle {
		u.Title = title
		u.HasTitle = true
	}
	if len(tags) > 0 {
		if u.Tags == nil {
			u.Tags = make(map[string]struct{}, len(tags))
		}
		for t := range tags {
			u.Tags[t] = struct{}{}
		}
	}
}

// Map is the spin-lock-guarded pending-update map. The zero value is ready
// to use.
type Map struct {
	locked atomic.Bool
	m      map[string]*Update
}

// New returns an empty Map.
func New() *Map {
	return &Map{m: make(map[string]*Update)}
}

func (m *Map) lock() {
	for !m.locked.CompareAndSwap(false, true) {
		// busy-wait: the critical sections guarded by this lock are a
		// handful of map operations, never I/O.
	}
}

func (m *Map) unlock() {
	m.locked.Store(false)
}

// Record merges one report's contribution into the task's pending update,
// creating it if this is the first report seen for the task since the last
// swap.
func (m *Map) Record(taskID string, title string, hasTitle bool, tags map[string]struct{}) {
	m.lock()
	defer m.unlock()

	if m.m == nil {
		m.m = make(map[string]*Update)
	}
	u, ok := m.m[taskID]
	if !ok {
		u = newUpdate()
		m.m[taskID] = u
	}
	u.merge(title, hasTitle, tags)
}

// Swap atomically exchanges the current map for an empty one and returns
// what was taken. The updater calls this once per drain cycle; it is the
// only way pending updates leave the map. A later Record for the same task
// merges into the existing entry rather than replacing it.
func (m *Map) Swap() map[string]*Update {
	m.lock()
	taken := m.m
	m.m = make(map[string]*Update)
	m.unlock()
	return taken
}

// Len reports the number of tasks with a pending update. Intended for
// metrics and tests; callers must not rely on it being race-free with a
// concurrent Record or Swap.
func (m *Map) Len() int {
	m.lock()
	defer m.unlock()
	return len(m.m)
}

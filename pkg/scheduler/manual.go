package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

type manualEntry struct {
	due time.Time
	seq uint64
	job Job
}

// Manual is a deterministic Scheduler and Clock. Jobs run synchronously in
// Advance, in due-time order, with the clock set to each job's due time.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	queue  []manualEntry
	errors []error
	ran    []string
}

// NewManual creates a manual scheduler whose clock starts at start
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the virtual time
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Schedule queues job to run delay after the current virtual time
func (m *Manual) Schedule(job Job, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.queue = append(m.queue, manualEntry{due: m.now.Add(delay), seq: m.seq, job: job})
}

// Advance moves the clock forward by d, running every job that comes due,
// including jobs scheduled by jobs run during this call. It returns the
// number of jobs run.
func (m *Manual) Advance(ctx context.Context, d time.Duration) int {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	n := 0
	for {
		entry, ok := m.next(target)
		if !ok {
			break
		}
		if err := entry.job.Run(ctx); err != nil {
			m.mu.Lock()
			m.errors = append(m.errors, err)
			m.mu.Unlock()
		}
		n++
	}

	m.mu.Lock()
	if target.After(m.now) {
		m.now = target
	}
	m.mu.Unlock()
	return n
}

// next pops the earliest job due at or before target and moves the clock to it
func (m *Manual) next(target time.Time) (manualEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return manualEntry{}, false
	}
	sort.SliceStable(m.queue, func(i, j int) bool {
		if m.queue[i].due.Equal(m.queue[j].due) {
			return m.queue[i].seq < m.queue[j].seq
		}
		return m.queue[i].due.Before(m.queue[j].due)
	})
	entry := m.queue[0]
	if entry.due.After(target) {
		return manualEntry{}, false
	}
	m.queue = m.queue[1:]
	if entry.due.After(m.now) {
		m.now = entry.due
	}
	m.ran = append(m.ran, entry.job.Name)
	return entry, true
}

// Pending returns the number of queued jobs
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// PendingNames returns the names of queued jobs in due order
func (m *Manual) PendingNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := append([]manualEntry(nil), m.queue...)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].due.Equal(entries[j].due) {
			return entries[i].seq < entries[j].seq
		}
		return entries[i].due.Before(entries[j].due)
	})
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.job.Name
	}
	return names
}

// Ran returns the names of all jobs run so far
func (m *Manual) Ran() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ran...)
}

// Errors returns errors returned by jobs run so far
func (m *Manual) Errors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.errors...)
}

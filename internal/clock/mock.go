package clock

import (
	"sort"
	"sync"
	"time"
)

// Epoch is the virtual start time of a Mock created with a zero start.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type task struct {
	id Handle
	at time.Time
	fn func()
}

// Mock is a virtual clock. Scheduled callbacks never fire on their own; Advance,
// FlushAll or Flush run them synchronously on the caller's goroutine, in fire
// time order (ties in scheduling order).
type Mock struct {
	mu    sync.Mutex
	now   time.Time
	seq   Handle
	tasks []task
}

// NewMock creates a Mock starting at start, or at Epoch when start is zero.
func NewMock(start time.Time) *Mock {
	if start.IsZero() {
		start = Epoch
	}
	return &Mock{now: start}
}

// Schedule registers fn to run once virtual time reaches now+delay.
func (m *Mock) Schedule(delay time.Duration, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := task{id: m.seq, at: m.now.Add(max(delay, 0)), fn: fn}
	i := sort.Search(len(m.tasks), func(i int) bool { return m.tasks[i].at.After(t.at) })
	m.tasks = append(m.tasks, task{})
	copy(m.tasks[i+1:], m.tasks[i:])
	m.tasks[i] = t
	return t.id
}

// Cancel removes a pending task.
func (m *Mock) Cancel(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.id == h {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return
		}
	}
}

// Now returns the virtual time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending returns the number of tasks not yet run.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// NextDue returns the fire time of the earliest pending task.
func (m *Mock) NextDue() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tasks) == 0 {
		return time.Time{}, false
	}
	return m.tasks[0].at, true
}

// Advance runs every task due within d of virtual now. Now ends at the fire
// time of the last task run; it does not move when nothing was due.
func (m *Mock) Advance(d time.Duration) {
	m.Flush(d, true)
}

// FlushAll runs every pending task, including ones scheduled while flushing.
// Virtual time ends at the fire time of the last task run.
func (m *Mock) FlushAll() {
	m.Flush(0, false)
}

// Flush runs due tasks one at a time, moving virtual now to each task's fire
// time. Callbacks run without the clock's lock held, so they may schedule or
// cancel; tasks they schedule inside the window run in the same flush.
func (m *Mock) Flush(upTo time.Duration, bounded bool) {
	m.mu.Lock()
	end := m.now.Add(max(upTo, 0))
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if len(m.tasks) == 0 || (bounded && m.tasks[0].at.After(end)) {
			m.mu.Unlock()
			return
		}
		t := m.tasks[0]
		m.tasks = m.tasks[1:]
		if t.at.After(m.now) {
			m.now = t.at
		}
		m.mu.Unlock()

		t.fn()
	}
}

var (
	_ Clock   = (*Mock)(nil)
	_ Flusher = (*Mock)(nil)
)

package consensus

import (
	"container/heap"
	"sync"
	"time"
)

// Scheduler runs deadline tasks. Tasks are keyed by proposal id; scheduling
// an existing key replaces the previous task.
type Scheduler interface {
	Schedule(key string, at time.Time, fn func())
	// Cancel removes a pending task and reports whether one was pending.
	Cancel(key string) bool
	// Stop cancels every pending task and rejects new ones.
	Stop()
}

// TimerScheduler runs tasks on wall-clock timers.
type TimerScheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewTimerScheduler creates a wall-clock scheduler.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[string]*time.Timer)}
}

// Schedule implements Scheduler.
func (s *TimerScheduler) Schedule(key string, at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(time.Until(at), func() {
		s.mu.Lock()
		if s.timers[key] == t {
			delete(s.timers, key)
		}
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = t
}

// Cancel implements Scheduler.
func (s *TimerScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[key]
	if !ok {
		return false
	}
	delete(s.timers, key)
	return t.Stop()
}

// Stop implements Scheduler.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

// Pending returns the number of armed timers.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// ManualScheduler is a deterministic scheduler driven by an explicit clock.
// Use its Now method as the engine clock and Advance to move time forward;
// due tasks run on the caller's goroutine in (time, scheduling order).
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Time
	tasks   taskHeap
	byKey   map[string]*task
	nextSeq uint64
	stopped bool
}

type task struct {
	key       string
	at        time.Time
	seq       uint64
	fn        func()
	cancelled bool
}

// taskHeap orders by due time, then sequence number.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*task))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// NewManualScheduler creates a scheduler whose clock starts at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{
		now:   start,
		byKey: make(map[string]*task),
	}
}

// Now returns the scheduler's current time.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Schedule implements Scheduler.
func (s *ManualScheduler) Schedule(key string, at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if old, ok := s.byKey[key]; ok {
		old.cancelled = true
	}
	s.nextSeq++
	t := &task{key: key, at: at, seq: s.nextSeq, fn: fn}
	s.byKey[key] = t
	heap.Push(&s.tasks, t)
}

// Cancel implements Scheduler.
func (s *ManualScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byKey[key]
	if !ok {
		return false
	}
	t.cancelled = true
	delete(s.byKey, key)
	return true
}

// Stop implements Scheduler.
func (s *ManualScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, t := range s.byKey {
		t.cancelled = true
		delete(s.byKey, key)
	}
}

// Pending returns the number of tasks that have not fired or been cancelled.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// Advance moves the clock forward by d and runs due tasks. It returns the
// number of tasks run.
func (s *ManualScheduler) Advance(d time.Duration) int {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()
	return s.AdvanceTo(target)
}

// AdvanceTo moves the clock to t (never backwards) and runs due tasks. Each
// task observes the clock at its own due time.
func (s *ManualScheduler) AdvanceTo(t time.Time) int {
	ran := 0
	for {
		s.mu.Lock()
		next := s.popDue(t)
		if next == nil {
			if t.After(s.now) {
				s.now = t
			}
			s.mu.Unlock()
			return ran
		}
		if next.at.After(s.now) {
			s.now = next.at
		}
		s.mu.Unlock()

		next.fn()
		ran++
	}
}

// popDue must be called with s.mu held.
func (s *ManualScheduler) popDue(limit time.Time) *task {
	for s.tasks.Len() > 0 {
		head := s.tasks[0]
		if head.at.After(limit) {
			return nil
		}
		heap.Pop(&s.tasks)
		if head.cancelled {
			continue
		}
		if s.byKey[head.key] == head {
			delete(s.byKey, head.key)
		}
		return head
	}
	return nil
}

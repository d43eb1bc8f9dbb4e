package deferred

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Scheduler for tests.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*fakeTask
}

type fakeTask struct {
	f       *Fake
	at      time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

// NewFake creates a fake scheduler whose clock starts at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake clock.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTask{f: f, at: f.now.Add(d), seq: f.seq, fn: fn}
	f.tasks = append(f.tasks, t)
	return t
}

func (t *fakeTask) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward and runs every task that became due, in order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		sort.SliceStable(f.tasks, func(i, j int) bool {
			if !f.tasks[i].at.Equal(f.tasks[j].at) {
				return f.tasks[i].at.Before(f.tasks[j].at)
			}
			return f.tasks[i].seq < f.tasks[j].seq
		})
		var next *fakeTask
		for _, t := range f.tasks {
			if !t.stopped && !t.fired && !t.at.After(target) {
				next = t
				break
			}
		}
		if next == nil {
			f.now = target
			f.compact()
			f.mu.Unlock()
			return
		}
		next.fired = true
		f.now = next.at
		f.mu.Unlock()
		next.fn()
	}
}

// Pending returns the number of scheduled tasks that have neither fired nor been stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tasks {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (f *Fake) compact() {
	live := f.tasks[:0]
	for _, t := range f.tasks {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	f.tasks = live
}

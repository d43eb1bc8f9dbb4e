// Package deferred provides scheduled, cancellable one-shot tasks.
//
// Expiration timers, retention cleanups and per-sender debounce all go through
// a Scheduler so tests can drive time explicitly.
package deferred

import (
	"sync"
	"time"
)

// Task is a handle to a scheduled function.
type Task interface {
	// Stop cancels the task. It reports whether the call prevented the task from running.
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Task
}

// Real schedules tasks with time.AfterFunc.
type Real struct{}

func (Real) AfterFunc(d time.Duration, f func()) Task {
	return time.AfterFunc(d, f)
}

// Keyed is a table of one-shot tasks indexed by key. Scheduling a key that
// already has a pending task cancels the old one first.
type Keyed[K comparable] struct {
	sched Scheduler

	mu      sync.Mutex
	tasks   map[K]*entry
	stopped bool
}

type entry struct {
	task Task
	f    func()
}

// NewKeyed creates an empty keyed table. A nil scheduler uses Real.
func NewKeyed[K comparable](sched Scheduler) *Keyed[K] {
	if sched == nil {
		sched = Real{}
	}
	return &Keyed[K]{sched: sched, tasks: make(map[K]*entry)}
}

// Reset cancels any pending task for key and schedules f after d.
// It returns false if the table has been stopped.
func (k *Keyed[K]) Reset(key K, d time.Duration, f func()) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return false
	}
	if old, ok := k.tasks[key]; ok {
		old.task.Stop()
	}
	e := &entry{f: f}
	e.task = k.sched.AfterFunc(d, func() {
		k.mu.Lock()
		cur, ok := k.tasks[key]
		if !ok || cur != e {
			// superseded after the timer already fired
			k.mu.Unlock()
			return
		}
		delete(k.tasks, key)
		k.mu.Unlock()
		f()
	})
	k.tasks[key] = e
	return true
}

// Cancel stops the pending task for key, if any.
func (k *Keyed[K]) Cancel(key K) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.tasks[key]
	if !ok {
		return false
	}
	delete(k.tasks, key)
	return e.task.Stop()
}

// CancelWhere stops every pending task whose key satisfies match and
// returns how many were removed.
func (k *Keyed[K]) CancelWhere(match func(K) bool) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for key, e := range k.tasks {
		if !match(key) {
			continue
		}
		e.task.Stop()
		delete(k.tasks, key)
		n++
	}
	return n
}

// Pending reports whether key has a scheduled task.
func (k *Keyed[K]) Pending(key K) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.tasks[key]
	return ok
}

// Len returns the number of pending tasks.
func (k *Keyed[K]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.tasks)
}

// Stop cancels every pending task and refuses new ones.
func (k *Keyed[K]) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopped = true
	for key, e := range k.tasks {
		e.task.Stop()
		delete(k.tasks, key)
	}
}

// Flush refuses new tasks, then runs every pending task immediately instead
// of waiting for its timer. It returns once all of them have finished.
func (k *Keyed[K]) Flush() int {
	k.mu.Lock()
	k.stopped = true
	pending := make([]func(), 0, len(k.tasks))
	for key, e := range k.tasks {
		e.task.Stop()
		delete(k.tasks, key)
		pending = append(pending, e.f)
	}
	k.mu.Unlock()

	var wg sync.WaitGroup
	for _, f := range pending {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}
	wg.Wait()
	return len(pending)
}

package lifecycle

import (
	"sync"
	"time"
)

// Timers holds at most one pending timer per key. Arming a key replaces
// whatever was pending for it.
type Timers struct {
	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewTimers() *Timers {
	return &Timers{pending: make(map[string]*time.Timer)}
}

// Arm schedules fn after d under key. fn runs only if the timer is still
// the current one for key when it fires.
func (t *Timers) Arm(key string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.pending[key]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.pending[key] != timer {
			t.mu.Unlock()
			return
		}
		delete(t.pending, key)
		t.mu.Unlock()
		fn()
	})
	t.pending[key] = timer
}

// Clear stops the pending timer for key and reports whether there was one.
func (t *Timers) Clear(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.pending[key]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.pending, key)
	return true
}

func (t *Timers) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[key]
	return ok
}

func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// StopAll cancels every pending timer. Used on shutdown.
func (t *Timers) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, timer := range t.pending {
		timer.Stop()
		delete(t.pending, k)
	}
}

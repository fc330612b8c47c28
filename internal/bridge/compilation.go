package bridge

import (
	"sync"
	"time"

	"github.com/unity-ai-forge/mcp-bridge/internal/protocol"
)

// compilationWaiter is one single-shot sink awaiting the next
// compilation:complete or bridge:restarted event.
type compilationWaiter struct {
	done  chan compilationOutcome
	timer *time.Timer
}

type compilationOutcome struct {
	result protocol.CompilationResult
	err    error
}

// compilationLatch is the broadcast one-shot latch (C4): a mutex-guarded
// list of waiters, each resolved together on a terminal event. The
// required property is "resolve-all-then-clear under one lock" — copy the
// waiter set out under the lock, clear it, then resolve each outside the
// lock so a slow listener callback never holds up the next registration.
type compilationLatch struct {
	mu      sync.Mutex
	waiters map[*compilationWaiter]struct{}
}

func newCompilationLatch() *compilationLatch {
	return &compilationLatch{waiters: make(map[*compilationWaiter]struct{})}
}

// register adds a waiter with its own deadline timer and returns the
// channel it will receive its outcome on, plus a function that removes it
// early and stops its timer. A fired timeout drops only that waiter.
func (l *compilationLatch) register(timeout time.Duration) (<-chan compilationOutcome, func()) {
	w := &compilationWaiter{done: make(chan compilationOutcome, 1)}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.waiters[w] = struct{}{}

	w.timer = time.AfterFunc(timeout, func() {
		l.mu.Lock()
		_, still := l.waiters[w]
		if still {
			delete(l.waiters, w)
		}
		l.mu.Unlock()
		if still {
			w.done <- compilationOutcome{err: ErrCompilationTimeout}
		}
	})

	remove := func() {
		l.mu.Lock()
		delete(l.waiters, w)
		l.mu.Unlock()
		w.timer.Stop()
	}

	return w.done, remove
}

// resolveAll implements the copy-then-clear-then-resolve pattern: every
// waiter present at the moment this is called receives the same outcome,
// including any waiter registered concurrently up until the lock is
// acquired here (§8: "still resolves every waiter present at the moment
// of dispatch").
func (l *compilationLatch) resolveAll(outcome compilationOutcome) {
	l.mu.Lock()
	set := l.waiters
	l.waiters = make(map[*compilationWaiter]struct{})
	l.mu.Unlock()

	for w := range set {
		w.timer.Stop()
		w.done <- outcome
	}
}

// count reports the number of waiters currently registered. Exposed for
// tests; the manager's compilation:progress handling does not consult it.
func (l *compilationLatch) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

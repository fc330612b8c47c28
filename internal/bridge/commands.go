package bridge

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// pendingCommand is a command awaiting a command:result reply.
type pendingCommand struct {
	toolName string
	done     chan commandOutcome
	timer    *time.Timer
}

// commandOutcome is the single-shot completion sink's value: either a
// decoded result payload, or an error.
type commandOutcome struct {
	result json.RawMessage
	err    error
}

// commandRegistry maps commandId -> pendingCommand with per-entry
// deadline timers (C3). Every public operation is atomic under mutex; the
// tie-break for a race between timer firing and reply arrival is
// "whichever goroutine removes the map entry owns the completion".
type commandRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingCommand
}

func newCommandRegistry() *commandRegistry {
	return &commandRegistry{pending: make(map[string]*pendingCommand)}
}

// register generates a fresh commandId, inserts a pendingCommand, arms a
// one-shot deadline timer, and returns the id plus a channel the caller
// receives the eventual outcome on.
func (r *commandRegistry) register(toolName string, timeout time.Duration) (string, <-chan commandOutcome) {
	commandID := uuid.New().String()
	done := make(chan commandOutcome, 1)

	pc := &pendingCommand{toolName: toolName, done: done}

	r.mu.Lock()
	r.pending[commandID] = pc
	pc.timer = time.AfterFunc(timeout, func() {
		r.timeout(commandID)
	})
	r.mu.Unlock()

	return commandID, done
}

// resolve removes commandID if present, cancels its timer, and fires the
// completion sink. A resolve for an unknown id (late reply after timeout)
// is a silent no-op.
func (r *commandRegistry) resolve(commandID string, ok bool, result json.RawMessage, errorMessage string) {
	r.mu.Lock()
	pc, found := r.pending[commandID]
	if found {
		delete(r.pending, commandID)
	}
	r.mu.Unlock()

	if !found {
		return
	}
	pc.timer.Stop()

	if ok {
		pc.done <- commandOutcome{result: result}
	} else {
		pc.done <- commandOutcome{err: &ToolFailedError{Message: errorMessage}}
	}
}

// timeout is invoked by the per-command timer. If another goroutine
// already resolved (or is resolving) this id, the map lookup fails and
// this call is a no-op — the race is settled by whoever removes the map
// entry first.
func (r *commandRegistry) timeout(commandID string) {
	r.mu.Lock()
	pc, found := r.pending[commandID]
	if found {
		delete(r.pending, commandID)
	}
	r.mu.Unlock()

	if !found {
		return
	}
	pc.done <- commandOutcome{err: ErrToolTimeout}
}

// failAll atomically removes every entry, cancels all timers, and fires
// each completion with err. Used on reattach (ErrBridgeReattached) and
// disconnect (ErrBridgeDisconnected).
func (r *commandRegistry) failAll(err error) {
	r.mu.Lock()
	all := r.pending
	r.pending = make(map[string]*pendingCommand)
	r.mu.Unlock()

	for _, pc := range all {
		pc.timer.Stop()
		pc.done <- commandOutcome{err: err}
	}
}

// len reports the number of commands currently awaiting reply. Exposed
// for tests verifying the registry drains completely after timeout or
// disconnect.
func (r *commandRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

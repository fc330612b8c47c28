// Package batch implements the sequential batch executor (C8): runs an
// ordered list of tool calls through the dispatcher, persisting a
// resumable queue to local storage and halting on the first error unless
// configured to continue.
package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Operation is one (tool_name, arguments) pair in a batch.
type Operation struct {
	ToolName  string                 `json:"toolName"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// caller invokes a single operation through the dispatcher. Abstracted
// as a function type so the executor does not import the dispatcher
// package directly, keeping the dependency direction the same way the
// rest of the tree wires components together (caller-injected, not
// import-cycle-prone).
type caller func(toolName string, arguments map[string]interface{}) (interface{}, error)

// queueState is the durable, on-disk record of an in-progress batch,
// matching the persisted layout in §6 exactly.
type queueState struct {
	Operations     []Operation `json:"operations"`
	CurrentIndex   int         `json:"current_index"`
	LastError      string      `json:"last_error,omitempty"`
	LastErrorIndex int         `json:"last_error_index"`
	StartedAt      string      `json:"started_at"`
	LastUpdated    string      `json:"last_updated"`
	RemainingCount int         `json:"remaining_count"`
	CompletedCount int         `json:"completed_count"`
	TotalCount     int         `json:"total_count"`
}

// OperationResult is one entry in a Report's completed results.
type OperationResult struct {
	Index    int         `json:"index"`
	ToolName string      `json:"toolName"`
	Result   interface{} `json:"result"`
}

// OperationError is one entry in a Report's errors.
type OperationError struct {
	Index    int    `json:"index"`
	ToolName string `json:"toolName"`
	Message  string `json:"message"`
}

// Report summarizes the outcome of an Execute call.
type Report struct {
	Completed           bool              `json:"completed"`
	CompletedResults     []OperationResult `json:"completedResults"`
	Errors               []OperationError  `json:"errors"`
	RemainingOperations  int               `json:"remainingOperations"`
}

// Executor runs batches behind a single process-wide lock so only one
// batch ever executes at a time and the persisted file is never observed
// torn.
type Executor struct {
	log       *logrus.Logger
	stateFile string
	call      caller

	mu sync.Mutex
}

// New builds an Executor persisting to stateFile and invoking operations
// via call (typically dispatcher.InvokeByName).
func New(log *logrus.Logger, stateFile string, call caller) *Executor {
	return &Executor{log: log, stateFile: stateFile, call: call}
}

// Execute runs ops sequentially per §4.8. If resume is true and a
// persisted queue exists, ops is ignored and execution continues from
// the persisted index.
func (e *Executor) Execute(ops []Operation, resume bool, stopOnError bool) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.loadOrInit(ops, resume)
	if err != nil {
		return nil, err
	}

	report := &Report{}

	for state.CurrentIndex < len(state.Operations) {
		op := state.Operations[state.CurrentIndex]
		result, callErr := e.call(op.ToolName, op.Arguments)

		if callErr != nil {
			state.LastError = callErr.Error()
			state.LastErrorIndex = state.CurrentIndex
			report.Errors = append(report.Errors, OperationError{
				Index: state.CurrentIndex, ToolName: op.ToolName, Message: callErr.Error(),
			})

			if stopOnError {
				state.touch()
				if err := e.persist(state); err != nil {
					return nil, err
				}
				report.RemainingOperations = len(state.Operations) - state.CurrentIndex
				return report, nil
			}

			// Continue-on-error: advance past the failed operation.
			state.CurrentIndex++
			state.touch()
			if err := e.persist(state); err != nil {
				return nil, err
			}
			continue
		}

		report.CompletedResults = append(report.CompletedResults, OperationResult{
			Index: state.CurrentIndex, ToolName: op.ToolName, Result: result,
		})
		state.CurrentIndex++
		state.touch()
		if err := e.persist(state); err != nil {
			return nil, err
		}
	}

	report.Completed = true
	if err := e.clear(); err != nil {
		return nil, err
	}
	return report, nil
}

// loadOrInit returns the state to run from: a fresh queue from ops, or
// the persisted queue when resuming.
func (e *Executor) loadOrInit(ops []Operation, resume bool) (*queueState, error) {
	if resume {
		if existing, ok := e.load(); ok {
			return existing, nil
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	state := &queueState{
		Operations:  ops,
		TotalCount:  len(ops),
		StartedAt:   now,
		LastUpdated: now,
	}
	if err := e.persist(state); err != nil {
		return nil, err
	}
	return state, nil
}

// load reads the persisted queue file. Any parse failure or absent file
// yields "no queue" rather than aborting (§9: atomicity note).
func (e *Executor) load() (*queueState, bool) {
	data, err := os.ReadFile(e.stateFile)
	if err != nil {
		return nil, false
	}

	var state queueState
	if err := json.Unmarshal(data, &state); err != nil {
		e.log.Warnf("batch: persisted queue file is unparseable, treating as empty: %v", err)
		return nil, false
	}
	return &state, true
}

// persist writes the queue state atomically (write-temp-then-rename) so
// the file is never observed half-written across a crash.
func (e *Executor) persist(state *queueState) error {
	state.RemainingCount = len(state.Operations) - state.CurrentIndex
	state.CompletedCount = state.CurrentIndex
	state.TotalCount = len(state.Operations)

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("batch: marshal queue state: %w", err)
	}

	tmpPath := e.stateFile + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("batch: write queue state: %w", err)
	}
	if err := os.Rename(tmpPath, e.stateFile); err != nil {
		return fmt.Errorf("batch: rename queue state into place: %w", err)
	}
	return nil
}

// clear removes the persisted file on successful completion. A repeated
// clear is a no-op, matching §8's idempotence requirement.
func (e *Executor) clear() error {
	if err := os.Remove(e.stateFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("batch: remove queue state: %w", err)
	}
	return nil
}

func (s *queueState) touch() {
	s.LastUpdated = time.Now().UTC().Format(time.RFC3339)
}

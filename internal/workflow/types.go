// Package workflow persists and advances a named step-based flow per conversation.
//
// A flow is a list of steps with one initial step. The persisted state points
// at the step that runs next; the sentinels StartStep and EndStep mark a flow
// that has not begun and one that has finished. Completing a step is
// idempotent: a step id already in CompletedSteps is never applied twice.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/convoflow/internal/store"
)

// Step sentinels stored in WorkflowState.CurrentStep.
const (
	StartStep = "__start__"
	EndStep   = "__end__"
)

var (
	// ErrPreconditionFailed is returned when a flow cannot start or a step's
	// required inputs are missing.
	ErrPreconditionFailed = errors.New("workflow precondition failed")
	// ErrNotInitialized is returned for conversations without workflow state.
	ErrNotInitialized = errors.New("workflow not initialized")
	// ErrFlowNotFound is returned when an intention names an unregistered flow.
	ErrFlowNotFound = errors.New("workflow flow not found")
	// ErrAwaitInput is returned by a step that needs a new inbound message.
	// It is not a failure: the step stays current and is not retried.
	ErrAwaitInput = errors.New("workflow step awaiting input")
)

// StepError is the hard failure of a step after retries and recovery.
type StepError struct {
	StepID      string
	Attempts    int
	Err         error
	RecoveryErr error
}

func (e *StepError) Error() string {
	if e.RecoveryErr != nil {
		return fmt.Sprintf("workflow step %q failed after %d attempt(s): %v (recovery: %v)", e.StepID, e.Attempts, e.Err, e.RecoveryErr)
	}
	return fmt.Sprintf("workflow step %q failed after %d attempt(s): %v", e.StepID, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// StepContext is what a step sees when it runs.
type StepContext struct {
	Conversation *store.ConversationData
	State        *store.WorkflowState // copy; steps return data instead of mutating it
	Message      *store.MessageData   // inbound message being consumed, may be nil
}

// Data returns the value collected under key.
func (sc *StepContext) Data(key string) (any, bool) {
	if sc.State == nil || sc.State.CollectedData == nil {
		return nil, false
	}
	v, ok := sc.State.CollectedData[key]
	return v, ok
}

// StepFunc runs a step and returns data to merge into CollectedData.
type StepFunc func(ctx context.Context, sc *StepContext) (map[string]any, error)

// RecoverFunc handles a step whose attempts are exhausted. A nil error means
// the step counts as completed with the returned data.
type RecoverFunc func(ctx context.Context, sc *StepContext, cause error) (map[string]any, error)

// Step is one executable unit of a flow.
type Step struct {
	ID       string
	Requires []string                   // keys that must be present in CollectedData
	Guard    func(sc *StepContext) bool // false skips the step without completing it
	Timeout  time.Duration              // per attempt, zero means none
	Retries  int                        // extra attempts after the first
	Run      StepFunc
	OnError  RecoverFunc
	Next     string // "" follows list order; EndStep finishes the flow

	// ConsumesInput marks steps that read the inbound message. At most one
	// such step runs per Advance call.
	ConsumesInput bool
}

// Flow is a named, ordered list of steps.
type Flow struct {
	Name    string
	Initial string
	steps   map[string]*Step
	order   []string
}

// NewFlow validates steps and builds a flow. initial defaults to the first step.
func NewFlow(name, initial string, steps ...*Step) (*Flow, error) {
	if name == "" {
		return nil, fmt.Errorf("flow name is required")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("flow %q has no steps", name)
	}
	f := &Flow{Name: name, Initial: initial, steps: make(map[string]*Step, len(steps))}
	for _, s := range steps {
		if s.ID == "" || s.ID == StartStep || s.ID == EndStep {
			return nil, fmt.Errorf("flow %q: invalid step id %q", name, s.ID)
		}
		if _, dup := f.steps[s.ID]; dup {
			return nil, fmt.Errorf("flow %q: duplicate step %q", name, s.ID)
		}
		if s.Run == nil {
			return nil, fmt.Errorf("flow %q: step %q has no action", name, s.ID)
		}
		f.steps[s.ID] = s
		f.order = append(f.order, s.ID)
	}
	if f.Initial == "" {
		f.Initial = f.order[0]
	}
	if _, ok := f.steps[f.Initial]; !ok {
		return nil, fmt.Errorf("flow %q: unknown initial step %q", name, f.Initial)
	}
	for _, s := range steps {
		if s.Next == "" || s.Next == EndStep {
			continue
		}
		if _, ok := f.steps[s.Next]; !ok {
			return nil, fmt.Errorf("flow %q: step %q points to unknown step %q", name, s.ID, s.Next)
		}
	}
	return f, nil
}

// Step returns the step with id.
func (f *Flow) Step(id string) (*Step, bool) {
	s, ok := f.steps[id]
	return s, ok
}

// StepIDs returns step ids in declaration order.
func (f *Flow) StepIDs() []string {
	return append([]string(nil), f.order...)
}

// NextOf returns the step that follows id.
func (f *Flow) NextOf(id string) string {
	if id == StartStep {
		return f.Initial
	}
	s, ok := f.steps[id]
	if !ok {
		return EndStep
	}
	if s.Next != "" {
		return s.Next
	}
	for i, sid := range f.order {
		if sid == id && i+1 < len(f.order) {
			return f.order[i+1]
		}
	}
	return EndStep
}

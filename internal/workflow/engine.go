package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/convoflow/internal/bus"
	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

// Deps are the engine's collaborators.
type Deps struct {
	Conversations store.ConversationStore
	Intentions    store.IntentionStore
	Registry      *Registry
	Executor      *Executor          // optional, NewExecutor(0) when nil
	Events        bus.EventPublisher // optional
}

// Engine persists and advances workflow state. State lives on the conversation
// row; the engine keeps no per-conversation memory of its own.
type Engine struct {
	deps   Deps
	now    func() time.Time
	tracer trace.Tracer
}

func NewEngine(deps Deps) *Engine {
	if deps.Executor == nil {
		deps.Executor = NewExecutor(0)
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Events == nil {
		deps.Events = bus.Discard{}
	}
	return &Engine{deps: deps, now: time.Now, tracer: otel.Tracer("convoflow/workflow")}
}

// SetClock overrides the time source (tests).
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Registry returns the flow registry.
func (e *Engine) Registry() *Registry { return e.deps.Registry }

// InitializeWorkflow creates the state for a conversation that has both an
// intention and an agent. An existing state for the same intention is returned unchanged.
func (e *Engine) InitializeWorkflow(ctx context.Context, conv *store.ConversationData) (*store.WorkflowState, error) {
	if conv.IntentionID == nil || conv.AssignedAgentID == nil {
		return nil, fmt.Errorf("%w: conversation %s needs an intention and an agent", ErrPreconditionFailed, conv.ID)
	}
	if ws := conv.WorkflowState; ws != nil && ws.IntentionID == *conv.IntentionID {
		return ws.Clone(), nil
	}

	intentions, err := e.deps.Intentions.GetByIDs(ctx, []uuid.UUID{*conv.IntentionID})
	if err != nil {
		return nil, fmt.Errorf("load intention: %w", err)
	}
	if len(intentions) == 0 {
		return nil, fmt.Errorf("%w: intention %s not found", ErrPreconditionFailed, *conv.IntentionID)
	}
	flowName := intentions[0].FlowName
	if flowName == "" {
		return nil, fmt.Errorf("%w: intention %s has no flow", ErrFlowNotFound, intentions[0].Code)
	}
	if _, ok := e.deps.Registry.Get(flowName); !ok {
		return nil, fmt.Errorf("%w: %q", ErrFlowNotFound, flowName)
	}

	state := &store.WorkflowState{
		FlowName:       flowName,
		CurrentStep:    StartStep,
		CompletedSteps: []string{},
		CollectedData:  map[string]any{},
		IntentionID:    *conv.IntentionID,
		AgentID:        *conv.AssignedAgentID,
		LastStepAt:     e.now().UTC(),
	}
	if err := e.persist(ctx, conv.ID, state); err != nil {
		return nil, err
	}
	conv.WorkflowState = state.Clone()
	slog.Info("workflow initialized", "conversation_id", conv.ID, "flow", flowName)
	return state, nil
}

// GetWorkflowState returns the persisted state or ErrNotInitialized.
func (e *Engine) GetWorkflowState(ctx context.Context, conversationID uuid.UUID) (*store.WorkflowState, error) {
	conv, err := e.deps.Conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.WorkflowState == nil {
		return nil, ErrNotInitialized
	}
	return conv.WorkflowState.Clone(), nil
}

// CompleteStep marks stepID completed, merges data and moves to the next step.
// Completing an already completed step returns the state unchanged.
func (e *Engine) CompleteStep(ctx context.Context, conversationID uuid.UUID, stepID string, data map[string]any) (*store.WorkflowState, error) {
	state, err := e.GetWorkflowState(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if state.HasCompleted(stepID) {
		return state, nil
	}
	flow, ok := e.deps.Registry.Get(state.FlowName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFlowNotFound, state.FlowName)
	}
	if _, ok := flow.Step(stepID); !ok {
		return nil, fmt.Errorf("%w: flow %q has no step %q", ErrPreconditionFailed, flow.Name, stepID)
	}

	e.apply(state, flow, stepID, data)
	if err := e.persist(ctx, conversationID, state); err != nil {
		return nil, err
	}
	return state, nil
}

// UpdateWorkflowState replaces the state and stamps LastStepAt.
func (e *Engine) UpdateWorkflowState(ctx context.Context, conversationID uuid.UUID, state *store.WorkflowState) (*store.WorkflowState, error) {
	if state == nil {
		return nil, fmt.Errorf("%w: nil state", ErrPreconditionFailed)
	}
	next := state.Clone()
	next.LastStepAt = e.now().UTC()
	if err := e.persist(ctx, conversationID, next); err != nil {
		return nil, err
	}
	return next, nil
}

// ResetWorkflow clears the persisted state, e.g. after the intention changed.
func (e *Engine) ResetWorkflow(ctx context.Context, conversationID uuid.UUID) error {
	if err := e.deps.Conversations.Update(ctx, conversationID, map[string]any{"workflow_state": (*store.WorkflowState)(nil)}); err != nil {
		return fmt.Errorf("reset workflow: %w", err)
	}
	slog.Info("workflow reset", "conversation_id", conversationID)
	return nil
}

// Advance runs steps from the current one until the flow ends, a step waits
// for input, or a step fails. Only the step pending when Advance is called
// may consume msg; a freshly started flow consumes nothing. State reached
// before a failure is persisted.
func (e *Engine) Advance(ctx context.Context, conv *store.ConversationData, msg *store.MessageData) (*store.WorkflowState, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.advance",
		trace.WithAttributes(attribute.String("conversation_id", conv.ID.String())))
	defer span.End()

	state := conv.WorkflowState.Clone()
	if state == nil || (conv.IntentionID != nil && state.IntentionID != *conv.IntentionID) {
		var err error
		if state, err = e.InitializeWorkflow(ctx, conv); err != nil {
			return nil, err
		}
	}
	flow, ok := e.deps.Registry.Get(state.FlowName)
	if !ok {
		return state, fmt.Errorf("%w: %q", ErrFlowNotFound, state.FlowName)
	}
	span.SetAttributes(attribute.String("flow", flow.Name))

	input := msg
	if state.CurrentStep == StartStep {
		input = nil
	}

	var (
		changed bool
		runErr  error
	)
	// each step runs at most once per call
	for i := 0; i <= len(flow.order); i++ {
		if state.CurrentStep == StartStep {
			state.CurrentStep = flow.Initial
			changed = true
		}
		if state.CurrentStep == EndStep {
			break
		}
		step, ok := flow.Step(state.CurrentStep)
		if !ok {
			runErr = fmt.Errorf("%w: flow %q has no step %q", ErrPreconditionFailed, flow.Name, state.CurrentStep)
			break
		}
		if state.HasCompleted(step.ID) {
			state.CurrentStep = flow.NextOf(step.ID)
			changed = true
			continue
		}
		if step.ConsumesInput && input == nil {
			break
		}

		sc := &StepContext{Conversation: conv, State: state.Clone(), Message: input}
		out, err := e.deps.Executor.Execute(ctx, step, sc)
		if errors.Is(err, ErrAwaitInput) {
			break
		}
		if err != nil {
			runErr = err
			break
		}
		input = nil
		changed = true
		if out.Skipped {
			state.CurrentStep = flow.NextOf(step.ID)
			continue
		}
		e.apply(state, flow, step.ID, out.Data)
		e.emitStep(conv, state, step.ID, out)
	}

	if changed {
		if err := e.persist(ctx, conv.ID, state); err != nil {
			return nil, err
		}
		conv.WorkflowState = state.Clone()
	}
	if runErr != nil {
		span.RecordError(runErr)
		slog.Warn("workflow advance halted", "conversation_id", conv.ID, "step", state.CurrentStep, "error", runErr)
	}
	return state, runErr
}

func (e *Engine) apply(state *store.WorkflowState, flow *Flow, stepID string, data map[string]any) {
	state.CompletedSteps = append(state.CompletedSteps, stepID)
	if state.CollectedData == nil {
		state.CollectedData = map[string]any{}
	}
	for k, v := range data {
		state.CollectedData[k] = v
	}
	state.CurrentStep = flow.NextOf(stepID)
	state.LastStepAt = e.now().UTC()
}

func (e *Engine) persist(ctx context.Context, conversationID uuid.UUID, state *store.WorkflowState) error {
	if err := e.deps.Conversations.Update(ctx, conversationID, map[string]any{"workflow_state": state}); err != nil {
		return fmt.Errorf("persist workflow state: %w", err)
	}
	return nil
}

func (e *Engine) emitStep(conv *store.ConversationData, state *store.WorkflowState, stepID string, out Outcome) {
	e.deps.Events.Broadcast(bus.NewEvent(protocol.EventWorkflowStep, conv.ChannelID, conv.CompanyID, map[string]any{
		"conversationId": conv.ID,
		"flow":           state.FlowName,
		"step":           stepID,
		"next":           state.CurrentStep,
		"attempts":       out.Attempts,
		"recovered":      out.Recovered,
	}))
}

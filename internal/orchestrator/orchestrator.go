// Package orchestrator runs the per-message conversation pipeline:
// classify the intention, assign an agent, then advance the workflow.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/convoflow/internal/bus"
	"github.com/nextlevelbuilder/convoflow/internal/classifier"
	"github.com/nextlevelbuilder/convoflow/internal/matcher"
	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/internal/workflow"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

// ErrNoAgentAvailable is returned when a classified conversation cannot be assigned.
var ErrNoAgentAvailable = errors.New("no agent available")

const typingOffTimeout = 5 * time.Second

// Typist toggles the channel typing indicator.
type Typist interface {
	SetTyping(ctx context.Context, channelID uuid.UUID, chatID string, on bool) error
}

// Classifier resolves a conversation's intention.
type Classifier interface {
	ClassifyConversation(ctx context.Context, conversationID uuid.UUID) (*classifier.Classification, error)
}

// Assigner picks and persists an agent.
type Assigner interface {
	AssignIfNeeded(ctx context.Context, conv *store.ConversationData, intentionID uuid.UUID, opts matcher.Options) (uuid.UUID, error)
}

// Workflows advances a conversation's flow.
type Workflows interface {
	Advance(ctx context.Context, conv *store.ConversationData, msg *store.MessageData) (*store.WorkflowState, error)
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Conversations store.ConversationStore
	Classifier    Classifier
	Matcher       Assigner
	Workflow      Workflows
	Typing        Typist             // optional
	Events        bus.EventPublisher // optional
}

// Input is one inbound message with its conversation and contact.
type Input struct {
	Conversation *store.ConversationData
	Message      *store.MessageData
	Contact      *store.ContactData
}

// Result reports what the pipeline did.
type Result struct {
	IntentionID uuid.UUID
	IntentCode  string
	AgentID     uuid.UUID
	Workflow    *store.WorkflowState
	Classified  bool // classified during this call
	Assigned    bool // assigned during this call
}

type Orchestrator struct {
	deps   Deps
	tracer trace.Tracer
}

func New(deps Deps) *Orchestrator {
	if deps.Events == nil {
		deps.Events = bus.Discard{}
	}
	return &Orchestrator{deps: deps, tracer: otel.Tracer("convoflow/orchestrator")}
}

// ProcessIncomingMessage classifies, assigns and advances the conversation.
// The typing indicator is switched on first and always switched off before
// returning. Errors are returned to the caller, who owns user-facing replies.
func (o *Orchestrator) ProcessIncomingMessage(ctx context.Context, in Input) (res *Result, err error) {
	conv := in.Conversation
	if conv == nil {
		return nil, fmt.Errorf("orchestrator: nil conversation")
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.process", trace.WithAttributes(
		attribute.String("conversation_id", conv.ID.String()),
		attribute.String("channel_id", conv.ChannelID.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	o.typing(ctx, conv, true)
	defer func() {
		offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), typingOffTimeout)
		defer cancel()
		o.typing(offCtx, conv, false)
	}()

	res = &Result{}

	if conv.IntentionID == nil {
		cls, err := o.deps.Classifier.ClassifyConversation(ctx, conv.ID)
		if err != nil {
			return res, fmt.Errorf("classify: %w", err)
		}
		if cls == nil {
			slog.Debug("conversation left unclassified, no intentions", "conversation_id", conv.ID)
			return res, nil
		}
		if err := o.deps.Conversations.Update(ctx, conv.ID, map[string]any{"intention_id": cls.IntentionID}); err != nil {
			return res, fmt.Errorf("persist intention: %w", err)
		}
		id := cls.IntentionID
		conv.IntentionID = &id
		res.Classified = true
		res.IntentCode = cls.Code
		o.emit(conv, protocol.EventIntentDetected, map[string]any{
			"conversationId": conv.ID,
			"intentionId":    cls.IntentionID,
			"code":           cls.Code,
			"confidence":     cls.Confidence,
			"source":         cls.Source,
		})
	}
	res.IntentionID = *conv.IntentionID

	if conv.AssignedAgentID == nil {
		agentID, err := o.deps.Matcher.AssignIfNeeded(ctx, conv, *conv.IntentionID, matcher.Options{})
		if err != nil {
			return res, fmt.Errorf("assign agent: %w", err)
		}
		if agentID == uuid.Nil {
			return res, ErrNoAgentAvailable
		}
		if conv.AssignedAgentID == nil {
			conv.AssignedAgentID = &agentID
		}
		res.Assigned = true
		o.emit(conv, protocol.EventAgentAssigned, map[string]any{
			"conversationId": conv.ID,
			"agentId":        agentID,
			"intentionId":    *conv.IntentionID,
		})
	}
	res.AgentID = *conv.AssignedAgentID
	span.SetAttributes(attribute.String("intention_id", res.IntentionID.String()), attribute.String("agent_id", res.AgentID.String()))

	state, err := o.deps.Workflow.Advance(ctx, conv, in.Message)
	if errors.Is(err, workflow.ErrFlowNotFound) {
		slog.Debug("no workflow bound to intention", "conversation_id", conv.ID, "intention_id", res.IntentionID)
		return res, nil
	}
	res.Workflow = state
	if err != nil {
		return res, fmt.Errorf("advance workflow: %w", err)
	}
	return res, nil
}

func (o *Orchestrator) typing(ctx context.Context, conv *store.ConversationData, on bool) {
	if o.deps.Typing == nil || conv.ChatID == "" {
		return
	}
	if err := o.deps.Typing.SetTyping(ctx, conv.ChannelID, conv.ChatID, on); err != nil {
		slog.Debug("typing indicator failed", "channel_id", conv.ChannelID, "on", on, "error", err)
	}
}

func (o *Orchestrator) emit(conv *store.ConversationData, name string, data map[string]any) {
	o.deps.Events.Broadcast(bus.NewEvent(name, conv.ChannelID, conv.CompanyID, data))
}

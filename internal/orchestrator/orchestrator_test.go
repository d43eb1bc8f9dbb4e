package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/convoflow/internal/bus"
	"github.com/nextlevelbuilder/convoflow/internal/cache"
	"github.com/nextlevelbuilder/convoflow/internal/classifier"
	"github.com/nextlevelbuilder/convoflow/internal/matcher"
	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/internal/store/storetest"
	"github.com/nextlevelbuilder/convoflow/internal/workflow"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

type typist struct {
	mu    sync.Mutex
	calls []bool
}

func (ty *typist) SetTyping(_ context.Context, _ uuid.UUID, _ string, on bool) error {
	ty.mu.Lock()
	defer ty.mu.Unlock()
	ty.calls = append(ty.calls, on)
	return nil
}

func (ty *typist) all() []bool {
	ty.mu.Lock()
	defer ty.mu.Unlock()
	return append([]bool(nil), ty.calls...)
}

type replier struct {
	mu   sync.Mutex
	sent []string
}

func (r *replier) Reply(_ context.Context, _ *store.ConversationData, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return nil
}

type eventLog struct {
	mu    sync.Mutex
	names []string
}

func (l *eventLog) record(e bus.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, e.Name)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

type harness struct {
	stores  *store.Stores
	typing  *typist
	replies *replier
	events  *eventLog
	orch    *Orchestrator
	company uuid.UUID
	intent  store.IntentionData
	conv    *store.ConversationData
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{stores: storetest.New(), typing: &typist{}, replies: &replier{}, events: &eventLog{}, company: uuid.New()}
	b := bus.New()
	b.Subscribe("log", h.events.record)
	kv := cache.NewMemory()

	reg := workflow.NewRegistry()
	require.NoError(t, reg.Load([]workflow.FlowDef{{
		Name: "booking",
		Steps: []workflow.StepDef{
			{ID: "greet", Action: workflow.ActionReply, Params: map[string]string{"text": "When would you like to come?"}},
			{ID: "date", Action: workflow.ActionCollect, Params: map[string]string{"key": "date"}},
		},
	}}, workflow.Actions{Replier: h.replies, Events: b}))

	h.orch = New(Deps{
		Conversations: h.stores.Conversations,
		Classifier: classifier.New(classifier.Deps{
			Conversations: h.stores.Conversations,
			Messages:      h.stores.Messages,
			Intentions:    h.stores.Intentions,
			Cache:         kv,
		}, classifier.Config{}),
		Matcher: matcher.New(matcher.Deps{
			Agents:        h.stores.Agents,
			Conversations: h.stores.Conversations,
			Channels:      h.stores.Channels,
			Cache:         kv,
		}, matcher.Config{}),
		Workflow: workflow.NewEngine(workflow.Deps{
			Conversations: h.stores.Conversations,
			Intentions:    h.stores.Intentions,
			Registry:      reg,
			Executor:      workflow.NewExecutor(time.Millisecond),
			Events:        b,
		}),
		Typing: h.typing,
		Events: b,
	})

	h.intent = store.IntentionData{CompanyID: h.company, Code: "BOOK", Name: "Booking",
		Description: "schedule appointment", FlowName: "booking"}
	require.NoError(t, h.stores.Intentions.Create(ctx, &h.intent))

	h.conv = &store.ConversationData{CompanyID: h.company, ChannelID: uuid.New(), ContactID: uuid.New(),
		ChatID: "chat-1", Status: protocol.ConversationOpen}
	require.NoError(t, h.stores.Conversations.Create(ctx, h.conv))
	return h
}

func (h *harness) agent(t *testing.T) uuid.UUID {
	t.Helper()
	a := &store.AgentData{CompanyID: h.company, Name: "ana", Status: protocol.AgentOnline, IntentionIDs: []uuid.UUID{h.intent.ID}}
	require.NoError(t, h.stores.Agents.Create(context.Background(), a))
	return a.ID
}

func (h *harness) message(t *testing.T, text string) *store.MessageData {
	t.Helper()
	m := &store.MessageData{ConversationID: h.conv.ID, CompanyID: h.company, Direction: protocol.DirectionInbound, Content: text}
	require.NoError(t, h.stores.Messages.Create(context.Background(), m))
	return m
}

func (h *harness) reload(t *testing.T) *store.ConversationData {
	t.Helper()
	c, err := h.stores.Conversations.Get(context.Background(), h.conv.ID)
	require.NoError(t, err)
	return c
}

func TestProcessIncomingMessageFullPipeline(t *testing.T) {
	h := newHarness(t)
	agentID := h.agent(t)
	ctx := context.Background()

	res, err := h.orch.ProcessIncomingMessage(ctx, Input{Conversation: h.reload(t), Message: h.message(t, "I want to schedule an appointment")})
	require.NoError(t, err)
	assert.True(t, res.Classified)
	assert.True(t, res.Assigned)
	assert.Equal(t, h.intent.ID, res.IntentionID)
	assert.Equal(t, agentID, res.AgentID)
	require.NotNil(t, res.Workflow)
	assert.Equal(t, "date", res.Workflow.CurrentStep)
	assert.Equal(t, []string{"When would you like to come?"}, h.replies.sent)

	conv := h.reload(t)
	require.NotNil(t, conv.IntentionID)
	require.NotNil(t, conv.AssignedAgentID)
	assert.Equal(t, agentID, *conv.AssignedAgentID)

	assert.Equal(t, []string{protocol.EventIntentDetected, protocol.EventAgentAssigned, protocol.EventWorkflowStep}, h.events.all())
	assert.Equal(t, []bool{true, false}, h.typing.all())

	res, err = h.orch.ProcessIncomingMessage(ctx, Input{Conversation: conv, Message: h.message(t, "tomorrow at 10")})
	require.NoError(t, err)
	assert.False(t, res.Classified)
	assert.False(t, res.Assigned)
	assert.Equal(t, workflow.EndStep, res.Workflow.CurrentStep)
	assert.Equal(t, "tomorrow at 10", res.Workflow.CollectedData["date"])
}

func TestProcessNoAgentClearsTyping(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.ProcessIncomingMessage(context.Background(), Input{Conversation: h.reload(t), Message: h.message(t, "hello")})
	assert.ErrorIs(t, err, ErrNoAgentAvailable)
	assert.True(t, res.Classified, "intention is kept even without an agent")
	assert.Equal(t, []bool{true, false}, h.typing.all())
	assert.NotNil(t, h.reload(t).IntentionID)
}

type failingClassifier struct{}

func (failingClassifier) ClassifyConversation(context.Context, uuid.UUID) (*classifier.Classification, error) {
	return nil, errors.New("store down")
}

func TestProcessErrorClearsTyping(t *testing.T) {
	h := newHarness(t)
	h.orch.deps.Classifier = failingClassifier{}

	_, err := h.orch.ProcessIncomingMessage(context.Background(), Input{Conversation: h.reload(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")
	assert.Equal(t, []bool{true, false}, h.typing.all())
	assert.Empty(t, h.events.all())
}

func TestProcessUnclassified(t *testing.T) {
	h := newHarness(t)
	h.conv.CompanyID = uuid.New() // a tenant without intentions
	require.NoError(t, h.stores.Conversations.Create(context.Background(), h.conv))

	res, err := h.orch.ProcessIncomingMessage(context.Background(), Input{Conversation: h.conv})
	require.NoError(t, err)
	assert.False(t, res.Classified)
	assert.Nil(t, h.conv.IntentionID)
}

func TestProcessIntentionWithoutFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chat := store.IntentionData{CompanyID: h.company, Code: "CHAT", Name: "Chat"}
	require.NoError(t, h.stores.Intentions.Create(ctx, &chat))
	agent := &store.AgentData{CompanyID: h.company, Status: protocol.AgentOnline, IntentionIDs: []uuid.UUID{chat.ID}}
	require.NoError(t, h.stores.Agents.Create(ctx, agent))

	conv := h.reload(t)
	conv.IntentionID = &chat.ID
	res, err := h.orch.ProcessIncomingMessage(ctx, Input{Conversation: conv})
	require.NoError(t, err)
	assert.Equal(t, agent.ID, res.AgentID)
	assert.Nil(t, res.Workflow)
}

package pipeline

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
	"github.com/nextlevelbuilder/convoflow/internal/firewall"
	"github.com/nextlevelbuilder/convoflow/internal/orchestrator"
	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/internal/store/storetest"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

type sent struct {
	channelID uuid.UUID
	chatID    string
	content   string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (s *fakeSender) EmitMessage(_ context.Context, channelID uuid.UUID, chatID, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.msgs = append(s.msgs, sent{channelID, chatID, content})
	return "ext-" + content, nil
}

func (s *fakeSender) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.msgs...)
}

type fakeProcessor struct {
	mu     sync.Mutex
	inputs []orchestrator.Input
	err    error
}

func (p *fakeProcessor) ProcessIncomingMessage(_ context.Context, in orchestrator.Input) (*orchestrator.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs = append(p.inputs, in)
	if p.err != nil {
		return nil, p.err
	}
	return &orchestrator.Result{Classified: true}, nil
}

type fakeLoads struct {
	released []uuid.UUID
}

func (l *fakeLoads) ReleaseLoad(_ context.Context, agentID uuid.UUID) {
	l.released = append(l.released, agentID)
}

type events struct {
	mu    sync.Mutex
	names []string
}

func (e *events) record(ev bus.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.names = append(e.names, ev.Name)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.names...)
}

type harness struct {
	p       *Pipeline
	stores  *store.Stores
	sender  *fakeSender
	proc    *fakeProcessor
	loads   *fakeLoads
	events  *events
	channel uuid.UUID
	company uuid.UUID
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	fwCfg := firewall.DefaultConfig()
	fwCfg.Rules = []firewall.RateLimitRule{
		{Window: time.Minute, MaxRequests: 3, BlockDuration: time.Minute, Severity: firewall.SeverityMedium},
	}
	fwCfg.Content.MaxDuplicates = 100

	eb := bus.New()
	ev := &events{}
	eb.Subscribe("test", ev.record)

	h := &harness{
		stores:  storetest.New(),
		sender:  &fakeSender{},
		proc:    &fakeProcessor{},
		loads:   &fakeLoads{},
		events:  ev,
		channel: uuid.New(),
		company: uuid.New(),
	}
	h.p = New(Deps{
		Stores:       h.stores,
		Firewall:     firewall.New(cache.NewMemory(), fwCfg),
		Orchestrator: h.proc,
		Sender:       h.sender,
		Loads:        h.loads,
		Events:       eb,
	}, cfg)
	return h
}

func (h *harness) inbound(sender, text string) bus.InboundMessage {
	return bus.InboundMessage{
		ChannelID:  h.channel,
		CompanyID:  h.company,
		Provider:   protocol.ProviderTelegram,
		SenderID:   sender,
		SenderName: "Ana",
		ChatID:     "chat-" + sender,
		Content:    text,
		ReceivedAt: time.Now(),
	}
}

func TestIngestStoresAndProcesses(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	first, err := h.p.Ingest(ctx, h.inbound("42", "hello"))
	require.NoError(t, err)
	require.NotNil(t, first.Conversation)
	assert.Equal(t, firewall.ActionAllow, first.Verdict.Action)
	assert.Equal(t, "chat-42", first.Conversation.ChatID)
	assert.Equal(t, protocol.DirectionInbound, first.Message.Direction)

	second, err := h.p.Ingest(ctx, h.inbound("42", "are you there"))
	require.NoError(t, err)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID, "open conversation is reused")

	msgs, err := h.stores.Messages.ListByConversation(ctx, first.Conversation.ID, store.MessageListOpts{})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	conv, err := h.stores.Conversations.Get(ctx, first.Conversation.ID)
	require.NoError(t, err)
	assert.NotNil(t, conv.LastMessageAt)

	require.Len(t, h.proc.inputs, 2)
	assert.Equal(t, "Ana", h.proc.inputs[0].Contact.Name)
	assert.Equal(t, "are you there", h.proc.inputs[1].Message.Content)
	assert.Equal(t, []string{protocol.EventMessageReceived, protocol.EventMessageReceived}, h.events.all())
}

func TestIngestBlockedSenderSkipsPipeline(t *testing.T) {
	h := newHarness(t, Config{BlockedReply: "slow down"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out, err := h.p.Ingest(ctx, h.inbound("7", "msg"))
		require.NoError(t, err)
		require.Equal(t, firewall.ActionAllow, out.Verdict.Action)
	}

	out, err := h.p.Ingest(ctx, h.inbound("7", "msg"))
	require.NoError(t, err)
	assert.Equal(t, firewall.ActionBlock, out.Verdict.Action)
	assert.Nil(t, out.Conversation)

	// Already blocked: dropped silently.
	out, err = h.p.Ingest(ctx, h.inbound("7", "msg"))
	require.NoError(t, err)
	assert.Equal(t, firewall.ActionBlock, out.Verdict.Action)

	assert.Len(t, h.proc.inputs, 3)
	replies := h.sender.all()
	require.Len(t, replies, 1)
	assert.Equal(t, "slow down", replies[0].content)
	assert.Equal(t, "chat-7", replies[0].chatID)
	assert.Contains(t, h.events.all(), protocol.EventMessageBlocked)

	// Other senders and the same id on another provider are unaffected.
	out, err = h.p.Ingest(ctx, h.inbound("8", "msg"))
	require.NoError(t, err)
	assert.Equal(t, firewall.ActionAllow, out.Verdict.Action)
	other := h.inbound("7", "msg")
	other.Provider = protocol.ProviderDiscord
	out, err = h.p.Ingest(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, firewall.ActionAllow, out.Verdict.Action)
}

func TestIngestNoAgentReply(t *testing.T) {
	h := newHarness(t, Config{NoAgentReply: "all agents are busy"})
	h.proc.err = orchestrator.ErrNoAgentAvailable

	out, err := h.p.Ingest(context.Background(), h.inbound("9", "help"))
	require.NoError(t, err)
	require.NotNil(t, out.Conversation)

	replies := h.sender.all()
	require.Len(t, replies, 1)
	assert.Equal(t, "all agents are busy", replies[0].content)

	msgs, err := h.stores.Messages.ListByConversation(context.Background(), out.Conversation.ID, store.MessageListOpts{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.DirectionOutbound, msgs[1].Direction)
	assert.Equal(t, "ext-all agents are busy", msgs[1].ExternalID)
}

func TestIngestPropagatesProcessorError(t *testing.T) {
	h := newHarness(t, Config{})
	boom := errors.New("boom")
	h.proc.err = boom

	out, err := h.p.Ingest(context.Background(), h.inbound("9", "help"))
	assert.ErrorIs(t, err, boom)
	assert.NotNil(t, out.Message, "message is stored before processing")
}

func TestReplyFailureStoresNothing(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	out, err := h.p.Ingest(ctx, h.inbound("5", "hi"))
	require.NoError(t, err)

	h.sender.err = errors.New("offline")
	assert.Error(t, h.p.Reply(ctx, out.Conversation, "hello"))

	msgs, err := h.stores.Messages.ListByConversation(ctx, out.Conversation.ID, store.MessageListOpts{})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

type failingMessages struct {
	store.MessageStore
}

func (failingMessages) Create(context.Context, *store.MessageData) error {
	return errors.New("disk full")
}

func TestReplyDeliveredButNotStoredIsNotAnError(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	out, err := h.p.Ingest(ctx, h.inbound("5", "hi"))
	require.NoError(t, err)

	h.stores.Messages = failingMessages{h.stores.Messages}
	require.NoError(t, h.p.Reply(ctx, out.Conversation, "hello"))

	m, err := h.p.SendToConversation(ctx, out.Conversation.ID, "still here", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "ext-still here", m.ExternalID)

	var contents []string
	for _, s := range h.sender.all() {
		contents = append(contents, s.content)
	}
	assert.Equal(t, []string{"hello", "still here"}, contents)
}

func TestSendToConversation(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	out, err := h.p.Ingest(ctx, h.inbound("5", "hi"))
	require.NoError(t, err)

	m, err := h.p.SendToConversation(ctx, out.Conversation.ID, "we are on it", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", m.SenderID)
	assert.Equal(t, protocol.DirectionOutbound, m.Direction)
	assert.Equal(t, "ext-we are on it", m.ExternalID)

	_, err = h.p.SendToConversation(ctx, uuid.New(), "x", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCloseConversationReleasesLoad(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	out, err := h.p.Ingest(ctx, h.inbound("5", "hi"))
	require.NoError(t, err)

	agent := uuid.New()
	require.NoError(t, h.stores.Conversations.Update(ctx, out.Conversation.ID, map[string]any{"assigned_agent_id": agent}))

	require.NoError(t, h.p.CloseConversation(ctx, out.Conversation.ID))
	require.NoError(t, h.p.CloseConversation(ctx, out.Conversation.ID))
	assert.Equal(t, []uuid.UUID{agent}, h.loads.released)

	conv, err := h.stores.Conversations.Get(ctx, out.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.ConversationClosed, conv.Status)

	// A closed conversation is not reused.
	next, err := h.p.Ingest(ctx, h.inbound("5", "again"))
	require.NoError(t, err)
	assert.NotEqual(t, out.Conversation.ID, next.Conversation.ID)
}

package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/convoflow/internal/cache"
	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/internal/store/storetest"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

var (
	agentA = uuid.MustParse("00000000-0000-7000-8000-00000000000a")
	agentB = uuid.MustParse("00000000-0000-7000-8000-00000000000b")
	agentC = uuid.MustParse("00000000-0000-7000-8000-00000000000c")
)

type fixture struct {
	stores    *store.Stores
	cache     *cache.Memory
	company   uuid.UUID
	intention uuid.UUID
	channel   *store.ChannelData
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{stores: storetest.New(), cache: cache.NewMemory(), company: uuid.New(), intention: uuid.New()}
	f.channel = &store.ChannelData{CompanyID: f.company, Name: "wa", Provider: protocol.ProviderWhatsApp, Active: true}
	require.NoError(t, f.stores.Channels.Create(context.Background(), f.channel))
	return f
}

func (f *fixture) agent(t *testing.T, id uuid.UUID, status string, skills ...string) {
	t.Helper()
	a := &store.AgentData{
		BaseModel:    store.BaseModel{ID: id},
		CompanyID:    f.company,
		Name:         id.String()[34:],
		Status:       status,
		Skills:       skills,
		IntentionIDs: []uuid.UUID{f.intention},
	}
	require.NoError(t, f.stores.Agents.Create(context.Background(), a))
}

func (f *fixture) conversation(t *testing.T, agent *uuid.UUID) *store.ConversationData {
	t.Helper()
	c := &store.ConversationData{CompanyID: f.company, ChannelID: f.channel.ID, ContactID: uuid.New(), Status: protocol.ConversationOpen, AssignedAgentID: agent}
	require.NoError(t, f.stores.Conversations.Create(context.Background(), c))
	return c
}

func (f *fixture) matcher(c cache.Store) *Matcher {
	return New(Deps{Agents: f.stores.Agents, Conversations: f.stores.Conversations, Channels: f.stores.Channels, Cache: c}, Config{})
}

func TestMatchLeastLoadedLowestIDTieBreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []uuid.UUID{agentC, agentA, agentB} {
		f.agent(t, id, protocol.AgentOnline)
	}
	require.NoError(t, f.cache.Set(ctx, LoadKey(agentA), "2", time.Minute))
	require.NoError(t, f.cache.Set(ctx, LoadKey(agentB), "1", time.Minute))
	require.NoError(t, f.cache.Set(ctx, LoadKey(agentC), "1", time.Minute))

	got, err := f.matcher(f.cache).MatchAgentForConversation(ctx, f.conversation(t, nil), f.intention, Options{})
	require.NoError(t, err)
	assert.Equal(t, agentB, got)
}

func TestMatchRecomputesLoadOnMiss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, agentA, protocol.AgentOnline)
	f.agent(t, agentB, protocol.AgentAvailable)
	f.conversation(t, &agentA)

	got, err := f.matcher(f.cache).MatchAgentForConversation(ctx, f.conversation(t, nil), f.intention, Options{})
	require.NoError(t, err)
	assert.Equal(t, agentB, got)

	raw, err := f.cache.Get(ctx, LoadKey(agentA))
	require.NoError(t, err)
	assert.Equal(t, "1", raw)
	ttl, _ := f.cache.TTL(ctx, LoadKey(agentA))
	assert.Greater(t, ttl, 50*time.Second)
}

func TestMatchFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, agentA, protocol.AgentOffline, "es")
	f.agent(t, agentB, protocol.AgentOnline)
	f.agent(t, agentC, protocol.AgentOnline, "es", "billing")
	m := f.matcher(f.cache)
	conv := f.conversation(t, nil)

	got, err := m.MatchAgentForConversation(ctx, conv, f.intention, Options{Skills: []string{"es"}})
	require.NoError(t, err)
	assert.Equal(t, agentC, got, "offline agents and agents without the skill are skipped")

	got, err = m.MatchAgentForConversation(ctx, conv, uuid.New(), Options{})
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, got, "no agent handles the intention and the channel has no default")
}

func TestMatchFallsBackToChannelDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := uuid.New()
	require.NoError(t, f.stores.Channels.Update(ctx, f.channel.ID, map[string]any{"default_agent_id": def}))

	got, err := f.matcher(f.cache).MatchAgentForConversation(ctx, f.conversation(t, nil), f.intention, Options{})
	require.NoError(t, err)
	assert.Equal(t, def, got)
}

func TestAssignIfNeeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, agentA, protocol.AgentOnline)
	m := f.matcher(f.cache)
	conv := f.conversation(t, nil)

	got, err := m.AssignIfNeeded(ctx, conv, f.intention, Options{})
	require.NoError(t, err)
	assert.Equal(t, agentA, got)
	require.NotNil(t, conv.AssignedAgentID)

	stored, err := f.stores.Conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.AssignedAgentID)
	assert.Equal(t, agentA, *stored.AssignedAgentID)

	// the counter was seeded at 0 during matching, then bumped
	raw, _ := f.cache.Get(ctx, LoadKey(agentA))
	assert.Equal(t, "1", raw)

	again, err := m.AssignIfNeeded(ctx, conv, f.intention, Options{})
	require.NoError(t, err)
	assert.Equal(t, agentA, again)
	raw, _ = f.cache.Get(ctx, LoadKey(agentA))
	assert.Equal(t, "1", raw, "already assigned, no second bump")

	m.ReleaseLoad(ctx, agentA)
	m.ReleaseLoad(ctx, agentA)
	raw, _ = f.cache.Get(ctx, LoadKey(agentA))
	assert.Equal(t, "0", raw, "counter never goes negative")
}

type brokenCache struct{ cache.Store }

func (brokenCache) Get(context.Context, string) (string, error) { return "", errors.New("down") }
func (brokenCache) Set(context.Context, string, string, time.Duration) error {
	return errors.New("down")
}

func TestAssignSurvivesCacheFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, agentA, protocol.AgentOnline)
	f.agent(t, agentB, protocol.AgentOnline)
	f.conversation(t, &agentA)

	got, err := f.matcher(brokenCache{}).AssignIfNeeded(ctx, f.conversation(t, nil), f.intention, Options{})
	require.NoError(t, err)
	assert.Equal(t, agentB, got)
}

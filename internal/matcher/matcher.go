// Package matcher picks the least-loaded eligible agent for a conversation.
//
// Agent load is read from a cached per-agent counter and recomputed from the
// live count of active conversations when the counter is missing. Counter
// updates are advisory: failures are logged and never fail the assignment.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convoflow/internal/cache"
	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

// Config tunes matching. Zero values take defaults.
type Config struct {
	MaxCandidates int           // default 50
	LoadTTL       time.Duration // cached load counter TTL (default 60s)
}

func (c Config) withDefaults() Config {
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 50
	}
	if c.LoadTTL <= 0 {
		c.LoadTTL = 60 * time.Second
	}
	return c
}

// Options narrow one match.
type Options struct {
	Skills []string // every listed skill is required
}

// Deps are the matcher's collaborators.
type Deps struct {
	Agents        store.AgentStore
	Conversations store.ConversationStore
	Channels      store.ChannelStore
	Cache         cache.Store
}

// Matcher is safe for concurrent use. Concurrent assignments may race on the
// cached counters; load balancing only needs to be approximately fair.
type Matcher struct {
	deps Deps
	cfg  Config
}

func New(deps Deps, cfg Config) *Matcher {
	return &Matcher{deps: deps, cfg: cfg.withDefaults()}
}

// LoadKey is the cache key of an agent's load counter.
func LoadKey(agentID uuid.UUID) string {
	return "agent:load:" + agentID.String()
}

// MatchAgentForConversation returns the selected agent id, or uuid.Nil when no
// candidate exists and the channel has no default agent.
func (m *Matcher) MatchAgentForConversation(ctx context.Context, conv *store.ConversationData, intentionID uuid.UUID, opts Options) (uuid.UUID, error) {
	filter := store.AgentFilter{
		CompanyID: conv.CompanyID,
		Statuses:  protocol.AliveAgentStatuses,
		Limit:     m.cfg.MaxCandidates,
	}
	if intentionID != uuid.Nil {
		filter.IntentionID = &intentionID
	}
	agents, err := m.deps.Agents.ListEligible(ctx, filter)
	if err != nil {
		return uuid.Nil, fmt.Errorf("list eligible agents: %w", err)
	}

	candidates := agents[:0]
	for _, a := range agents {
		if a.HasSkills(opts.Skills) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return m.defaultAgent(ctx, conv.ChannelID)
	}

	best := uuid.Nil
	bestLoad := int64(math.MaxInt64)
	for _, a := range candidates {
		load := m.load(ctx, a.ID)
		if best == uuid.Nil || load < bestLoad || (load == bestLoad && a.ID.String() < best.String()) {
			best, bestLoad = a.ID, load
		}
	}
	slog.Debug("agent matched", "conversation_id", conv.ID, "agent_id", best, "load", bestLoad, "candidates", len(candidates))
	return best, nil
}

// AssignIfNeeded matches and persists an agent when the conversation has none.
// It returns the assigned (or already present) agent id; uuid.Nil means none was available.
func (m *Matcher) AssignIfNeeded(ctx context.Context, conv *store.ConversationData, intentionID uuid.UUID, opts Options) (uuid.UUID, error) {
	if conv.AssignedAgentID != nil && *conv.AssignedAgentID != uuid.Nil {
		return *conv.AssignedAgentID, nil
	}
	agentID, err := m.MatchAgentForConversation(ctx, conv, intentionID, opts)
	if err != nil || agentID == uuid.Nil {
		return agentID, err
	}
	if err := m.deps.Conversations.Update(ctx, conv.ID, map[string]any{"assigned_agent_id": agentID}); err != nil {
		return uuid.Nil, fmt.Errorf("persist assignment: %w", err)
	}
	conv.AssignedAgentID = &agentID
	m.bump(ctx, agentID, 1)
	return agentID, nil
}

// ReleaseLoad decrements the agent's cached counter when a conversation closes.
func (m *Matcher) ReleaseLoad(ctx context.Context, agentID uuid.UUID) {
	m.bump(ctx, agentID, -1)
}

func (m *Matcher) defaultAgent(ctx context.Context, channelID uuid.UUID) (uuid.UUID, error) {
	if m.deps.Channels == nil || channelID == uuid.Nil {
		return uuid.Nil, nil
	}
	ch, err := m.deps.Channels.Get(ctx, channelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, nil
		}
		return uuid.Nil, fmt.Errorf("load channel: %w", err)
	}
	if ch.DefaultAgentID == nil {
		return uuid.Nil, nil
	}
	slog.Debug("no eligible agent, using channel default", "channel_id", channelID, "agent_id", *ch.DefaultAgentID)
	return *ch.DefaultAgentID, nil
}

// load reads the cached counter, recomputing it from live conversations on a miss.
// An agent whose load cannot be determined sorts last.
func (m *Matcher) load(ctx context.Context, agentID uuid.UUID) int64 {
	key := LoadKey(agentID)
	if m.deps.Cache != nil {
		if raw, err := m.deps.Cache.Get(ctx, key); err == nil {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return n
			}
		} else if !errors.Is(err, cache.ErrMiss) {
			slog.Warn("agent load cache read failed", "agent_id", agentID, "error", err)
		}
	}

	n, err := m.deps.Conversations.CountActiveByAgent(ctx, agentID)
	if err != nil {
		slog.Warn("agent load count failed", "agent_id", agentID, "error", err)
		return math.MaxInt64
	}
	if m.deps.Cache != nil {
		if err := m.deps.Cache.Set(ctx, key, strconv.Itoa(n), m.cfg.LoadTTL); err != nil {
			slog.Warn("agent load cache write failed", "agent_id", agentID, "error", err)
		}
	}
	return int64(n)
}

// bump adjusts a counter that is already cached. A missing counter is left
// alone; the next read recomputes it from the store.
func (m *Matcher) bump(ctx context.Context, agentID uuid.UUID, delta int) {
	if m.deps.Cache == nil {
		return
	}
	key := LoadKey(agentID)
	if _, err := m.deps.Cache.Get(ctx, key); err != nil {
		return
	}
	var err error
	if delta > 0 {
		_, err = m.deps.Cache.Incr(ctx, key)
	} else {
		var n int64
		n, err = m.deps.Cache.Decr(ctx, key)
		if err == nil && n < 0 {
			err = m.deps.Cache.Set(ctx, key, "0", m.cfg.LoadTTL)
		}
	}
	if err == nil {
		err = m.deps.Cache.Expire(ctx, key, m.cfg.LoadTTL)
	}
	if err != nil {
		slog.Warn("agent load counter update failed", "agent_id", agentID, "error", err)
	}
}

// Package storetest provides in-memory repositories for package tests.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

// New returns a Stores container backed by memory.
func New() *store.Stores {
	return &store.Stores{
		Channels:      &Channels{rows: map[uuid.UUID]*store.ChannelData{}},
		Conversations: &Conversations{rows: map[uuid.UUID]*store.ConversationData{}},
		Messages:      &Messages{},
		Contacts:      &Contacts{rows: map[uuid.UUID]*store.ContactData{}},
		Agents:        &Agents{rows: map[uuid.UUID]*store.AgentData{}},
		Intentions:    &Intentions{rows: map[uuid.UUID]*store.IntentionData{}},
	}
}

func stamp(b *store.BaseModel) {
	if b.ID == uuid.Nil {
		b.ID = store.GenNewID()
	}
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
}

// Channels is an in-memory store.ChannelStore.
type Channels struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*store.ChannelData
}

func (s *Channels) Create(_ context.Context, ch *store.ChannelData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(&ch.BaseModel)
	c := *ch
	s.rows[ch.ID] = &c
	return nil
}

func (s *Channels) Get(_ context.Context, id uuid.UUID) (*store.ChannelData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *ch
	return &c, nil
}

func (s *Channels) List(_ context.Context) ([]store.ChannelData, error) {
	return s.filter(func(*store.ChannelData) bool { return true }), nil
}

func (s *Channels) ListActive(_ context.Context) ([]store.ChannelData, error) {
	return s.filter(func(c *store.ChannelData) bool { return c.Active }), nil
}

func (s *Channels) filter(keep func(*store.ChannelData) bool) []store.ChannelData {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ChannelData
	for _, c := range s.rows {
		if keep(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (s *Channels) Update(_ context.Context, id uuid.UUID, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	for k, v := range updates {
		switch k {
		case "active":
			ch.Active, _ = v.(bool)
		case "name":
			ch.Name, _ = v.(string)
		case "default_agent_id":
			ch.DefaultAgentID = uuidPtr(v)
		default:
			return fmt.Errorf("channels: unknown column %q", k)
		}
	}
	ch.UpdatedAt = time.Now()
	return nil
}

// Conversations is an in-memory store.ConversationStore.
type Conversations struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*store.ConversationData
}

func (s *Conversations) Create(_ context.Context, c *store.ConversationData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(&c.BaseModel)
	if c.Status == "" {
		c.Status = protocol.ConversationOpen
	}
	cp := *c
	cp.WorkflowState = c.WorkflowState.Clone()
	s.rows[c.ID] = &cp
	return nil
}

func (s *Conversations) Get(_ context.Context, id uuid.UUID) (*store.ConversationData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	cp.WorkflowState = c.WorkflowState.Clone()
	return &cp, nil
}

func (s *Conversations) FindOpen(_ context.Context, channelID, contactID uuid.UUID) (*store.ConversationData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *store.ConversationData
	for _, c := range s.rows {
		if c.ChannelID == channelID && c.ContactID == contactID && c.Status == protocol.ConversationOpen {
			if best == nil || c.CreatedAt.After(best.CreatedAt) {
				best = c
			}
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	cp := *best
	cp.WorkflowState = best.WorkflowState.Clone()
	return &cp, nil
}

func (s *Conversations) Update(_ context.Context, id uuid.UUID, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	for k, v := range updates {
		switch k {
		case "status":
			c.Status, _ = v.(string)
		case "intention_id":
			c.IntentionID = uuidPtr(v)
		case "assigned_agent_id":
			c.AssignedAgentID = uuidPtr(v)
		case "workflow_state":
			ws, err := workflowState(v)
			if err != nil {
				return err
			}
			c.WorkflowState = ws
		case "last_message_at":
			if t, ok := v.(time.Time); ok {
				c.LastMessageAt = &t
			}
		default:
			return fmt.Errorf("conversations: unknown column %q", k)
		}
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (s *Conversations) CountActiveByAgent(_ context.Context, agentID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.rows {
		if c.Status == protocol.ConversationOpen && c.AssignedAgentID != nil && *c.AssignedAgentID == agentID {
			n++
		}
	}
	return n, nil
}

func workflowState(v any) (*store.WorkflowState, error) {
	switch ws := v.(type) {
	case nil:
		return nil, nil
	case *store.WorkflowState:
		return ws.Clone(), nil
	case store.WorkflowState:
		return ws.Clone(), nil
	case json.RawMessage:
		var out store.WorkflowState
		if err := json.Unmarshal(ws, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}
	return nil, fmt.Errorf("conversations: unsupported workflow_state %T", v)
}

func uuidPtr(v any) *uuid.UUID {
	switch id := v.(type) {
	case uuid.UUID:
		if id == uuid.Nil {
			return nil
		}
		return &id
	case *uuid.UUID:
		if id == nil {
			return nil
		}
		c := *id
		return &c
	}
	return nil
}

// Messages is an in-memory store.MessageStore.
type Messages struct {
	mu   sync.Mutex
	rows []store.MessageData
}

func (s *Messages) Create(_ context.Context, m *store.MessageData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(&m.BaseModel)
	s.rows = append(s.rows, *m)
	return nil
}

func (s *Messages) Latest(ctx context.Context, conversationID uuid.UUID) (*store.MessageData, error) {
	msgs, _ := s.ListByConversation(ctx, conversationID, store.MessageListOpts{Limit: 1, Desc: true})
	if len(msgs) == 0 {
		return nil, store.ErrNotFound
	}
	return &msgs[0], nil
}

func (s *Messages) ListByConversation(_ context.Context, conversationID uuid.UUID, opts store.MessageListOpts) ([]store.MessageData, error) {
	s.mu.Lock()
	var out []store.MessageData
	for _, m := range s.rows {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	s.mu.Unlock()
	// rows are appended in insertion order; UUIDv7 ids keep that order stable
	if opts.Desc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Contacts is an in-memory store.ContactStore.
type Contacts struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*store.ContactData
}

func (s *Contacts) Get(_ context.Context, id uuid.UUID) (*store.ContactData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Contacts) GetOrCreate(_ context.Context, companyID uuid.UUID, provider, externalID, name string) (*store.ContactData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.rows {
		if c.CompanyID == companyID && c.Provider == provider && c.ExternalID == externalID {
			cp := *c
			return &cp, nil
		}
	}
	c := &store.ContactData{CompanyID: companyID, Provider: provider, ExternalID: externalID, Name: name}
	stamp(&c.BaseModel)
	s.rows[c.ID] = c
	cp := *c
	return &cp, nil
}

// Agents is an in-memory store.AgentStore.
type Agents struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*store.AgentData
}

func (s *Agents) Create(_ context.Context, a *store.AgentData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(&a.BaseModel)
	cp := *a
	cp.IntentionIDs = append([]uuid.UUID(nil), a.IntentionIDs...)
	s.rows[a.ID] = &cp
	return nil
}

func (s *Agents) Get(_ context.Context, id uuid.UUID) (*store.AgentData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Agents) ListEligible(_ context.Context, f store.AgentFilter) ([]store.AgentData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.AgentData
	for _, a := range s.rows {
		if a.CompanyID != f.CompanyID {
			continue
		}
		if len(f.Statuses) > 0 && !contains(f.Statuses, a.Status) {
			continue
		}
		if f.IntentionID != nil && !containsID(a.IntentionIDs, *f.IntentionID) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Agents) AddIntention(_ context.Context, agentID, intentionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[agentID]
	if !ok {
		return store.ErrNotFound
	}
	if !containsID(a.IntentionIDs, intentionID) {
		a.IntentionIDs = append(a.IntentionIDs, intentionID)
	}
	return nil
}

func (s *Agents) Update(_ context.Context, id uuid.UUID, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	for k, v := range updates {
		switch k {
		case "status":
			a.Status, _ = v.(string)
		case "name":
			a.Name, _ = v.(string)
		case "skills":
			a.Skills, _ = v.([]string)
		default:
			return fmt.Errorf("agents: unknown column %q", k)
		}
	}
	return nil
}

// Intentions is an in-memory store.IntentionStore.
type Intentions struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*store.IntentionData
}

func (s *Intentions) Create(_ context.Context, in *store.IntentionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(&in.BaseModel)
	cp := *in
	s.rows[in.ID] = &cp
	return nil
}

func (s *Intentions) List(_ context.Context, companyID uuid.UUID, search string) ([]store.IntentionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	search = strings.ToLower(search)
	var out []store.IntentionData
	for _, in := range s.rows {
		if in.CompanyID != companyID {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(in.Name+" "+in.Code+" "+in.Description), search) {
			continue
		}
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Intentions) GetByIDs(_ context.Context, ids []uuid.UUID) ([]store.IntentionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.IntentionData
	for _, id := range ids {
		if in, ok := s.rows[id]; ok {
			out = append(out, *in)
		}
	}
	return out, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsID(list []uuid.UUID, v uuid.UUID) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

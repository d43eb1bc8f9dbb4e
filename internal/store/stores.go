package store

import (
	"context"

	"github.com/google/uuid"
)

// ChannelStore manages channel records.
type ChannelStore interface {
	Create(ctx context.Context, ch *ChannelData) error
	Get(ctx context.Context, id uuid.UUID) (*ChannelData, error)
	List(ctx context.Context) ([]ChannelData, error)
	ListActive(ctx context.Context) ([]ChannelData, error)
	Update(ctx context.Context, id uuid.UUID, updates map[string]any) error
}

// ConversationStore manages conversations. Update accepts the columns
// "status", "intention_id", "assigned_agent_id", "workflow_state" and "last_message_at".
type ConversationStore interface {
	Create(ctx context.Context, c *ConversationData) error
	Get(ctx context.Context, id uuid.UUID) (*ConversationData, error)
	FindOpen(ctx context.Context, channelID, contactID uuid.UUID) (*ConversationData, error)
	Update(ctx context.Context, id uuid.UUID, updates map[string]any) error
	CountActiveByAgent(ctx context.Context, agentID uuid.UUID) (int, error)
}

// MessageListOpts pages through a conversation.
type MessageListOpts struct {
	Limit  int
	Offset int
	Desc   bool // newest first
}

// MessageStore manages messages.
type MessageStore interface {
	Create(ctx context.Context, m *MessageData) error
	Latest(ctx context.Context, conversationID uuid.UUID) (*MessageData, error)
	ListByConversation(ctx context.Context, conversationID uuid.UUID, opts MessageListOpts) ([]MessageData, error)
}

// ContactStore manages contacts.
type ContactStore interface {
	Get(ctx context.Context, id uuid.UUID) (*ContactData, error)
	GetOrCreate(ctx context.Context, companyID uuid.UUID, provider, externalID, name string) (*ContactData, error)
}

// AgentFilter narrows ListEligible.
type AgentFilter struct {
	CompanyID   uuid.UUID
	Statuses    []string
	IntentionID *uuid.UUID
	Limit       int
}

// AgentStore manages agents and their intention bindings.
type AgentStore interface {
	Create(ctx context.Context, a *AgentData) error
	Get(ctx context.Context, id uuid.UUID) (*AgentData, error)
	ListEligible(ctx context.Context, f AgentFilter) ([]AgentData, error)
	AddIntention(ctx context.Context, agentID, intentionID uuid.UUID) error
	Update(ctx context.Context, id uuid.UUID, updates map[string]any) error
}

// IntentionStore is the intention catalog.
type IntentionStore interface {
	Create(ctx context.Context, in *IntentionData) error
	List(ctx context.Context, companyID uuid.UUID, search string) ([]IntentionData, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]IntentionData, error)
}

// Stores is the top-level container for all repositories.
type Stores struct {
	Channels      ChannelStore
	Conversations ConversationStore
	Messages      MessageStore
	Contacts      ContactStore
	Agents        AgentStore
	Intentions    IntentionStore
}

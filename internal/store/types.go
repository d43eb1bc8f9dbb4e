package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// BaseModel holds the columns every table shares.
type BaseModel struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GenNewID returns a time-ordered UUIDv7.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// StoreConfig selects and configures the SQL backend.
type StoreConfig struct {
	Driver string // "postgres" or "sqlite"
	DSN    string
}

// ChannelData is one configured messaging endpoint of a tenant.
type ChannelData struct {
	BaseModel
	CompanyID      uuid.UUID       `json:"company_id"`
	Name           string          `json:"name"`
	Provider       string          `json:"provider"` // "whatsapp", "telegram", "discord"
	Active         bool            `json:"active"`
	DefaultAgentID *uuid.UUID      `json:"default_agent_id,omitempty"`
	Credentials    json.RawMessage `json:"-"`
	Config         json.RawMessage `json:"config,omitempty"`
}

// WorkflowState is the per-conversation flow position.
type WorkflowState struct {
	FlowName       string         `json:"flowName"`
	CurrentStep    string         `json:"currentStep"`
	CompletedSteps []string       `json:"completedSteps"`
	CollectedData  map[string]any `json:"collectedData"`
	IntentionID    uuid.UUID      `json:"intentionId"`
	AgentID        uuid.UUID      `json:"agentId"`
	LastStepAt     time.Time      `json:"lastStepAt"`
}

// HasCompleted reports whether stepID is already in CompletedSteps.
func (w *WorkflowState) HasCompleted(stepID string) bool {
	for _, s := range w.CompletedSteps {
		if s == stepID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the slice and map fields.
func (w *WorkflowState) Clone() *WorkflowState {
	if w == nil {
		return nil
	}
	c := *w
	c.CompletedSteps = append([]string(nil), w.CompletedSteps...)
	c.CollectedData = make(map[string]any, len(w.CollectedData))
	for k, v := range w.CollectedData {
		c.CollectedData[k] = v
	}
	return &c
}

// ConversationData is a thread between a contact and a channel.
type ConversationData struct {
	BaseModel
	CompanyID       uuid.UUID      `json:"company_id"`
	ChannelID       uuid.UUID      `json:"channel_id"`
	ContactID       uuid.UUID      `json:"contact_id"`
	ChatID          string         `json:"chat_id"`
	Status          string         `json:"status"` // protocol.ConversationOpen / ConversationClosed
	IntentionID     *uuid.UUID     `json:"intention_id,omitempty"`
	AssignedAgentID *uuid.UUID     `json:"assigned_agent_id,omitempty"`
	WorkflowState   *WorkflowState `json:"workflow_state,omitempty"`
	LastMessageAt   *time.Time     `json:"last_message_at,omitempty"`
}

// MessageData is one inbound or outbound message.
type MessageData struct {
	BaseModel
	ConversationID uuid.UUID         `json:"conversation_id"`
	CompanyID      uuid.UUID         `json:"company_id"`
	Direction      string            `json:"direction"`
	SenderID       string            `json:"sender_id,omitempty"`
	Content        string            `json:"content"`
	ExternalID     string            `json:"external_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ContactData is an external person reached through a channel.
type ContactData struct {
	BaseModel
	CompanyID  uuid.UUID `json:"company_id"`
	Provider   string    `json:"provider"`
	ExternalID string    `json:"external_id"`
	Name       string    `json:"name,omitempty"`
}

// AgentData is a human or bot operator that can own conversations.
type AgentData struct {
	BaseModel
	CompanyID    uuid.UUID   `json:"company_id"`
	Name         string      `json:"name"`
	Status       string      `json:"status"`
	Skills       []string    `json:"skills,omitempty"`
	IntentionIDs []uuid.UUID `json:"intention_ids,omitempty"`
}

// HasSkills reports whether the agent has every skill in want.
func (a *AgentData) HasSkills(want []string) bool {
	for _, w := range want {
		found := false
		for _, s := range a.Skills {
			if s == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// IntentionData is a catalogued conversational goal.
type IntentionData struct {
	BaseModel
	CompanyID    uuid.UUID `json:"company_id"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
	FlowName     string    `json:"flow_name,omitempty"`
}

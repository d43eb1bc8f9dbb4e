package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

// ConversationStore implements store.ConversationStore.
type ConversationStore struct {
	db *DB
}

const conversationCols = `id, company_id, channel_id, contact_id, chat_id, status, intention_id, assigned_agent_id, workflow_state, last_message_at, created_at, updated_at`

func (s *ConversationStore) Create(ctx context.Context, c *store.ConversationData) error {
	now := stamp(&c.BaseModel)
	if c.Status == "" {
		c.Status = protocol.ConversationOpen
	}
	ws, err := jsonOrNil(c.WorkflowState)
	if err != nil {
		return err
	}
	_, err = s.db.exec(ctx,
		`INSERT INTO conversations (`+conversationCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.CompanyID, c.ChannelID, c.ContactID, c.ChatID, c.Status,
		nullableUUID(c.IntentionID), nullableUUID(c.AssignedAgentID), ws, c.LastMessageAt, now, now,
	)
	return err
}

func (s *ConversationStore) Get(ctx context.Context, id uuid.UUID) (*store.ConversationData, error) {
	row := s.db.queryRow(ctx, `SELECT `+conversationCols+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (s *ConversationStore) FindOpen(ctx context.Context, channelID, contactID uuid.UUID) (*store.ConversationData, error) {
	row := s.db.queryRow(ctx,
		`SELECT `+conversationCols+` FROM conversations
		 WHERE channel_id = $1 AND contact_id = $2 AND status = $3
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		channelID, contactID, protocol.ConversationOpen)
	c, err := scanConversation(row)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

var conversationUpdatable = map[string]bool{
	"status": true, "intention_id": true, "assigned_agent_id": true, "workflow_state": true, "last_message_at": true,
}

func (s *ConversationStore) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return execMapUpdate(ctx, s.db, "conversations", id, updates, conversationUpdatable, func(col string, v any) (any, error) {
		switch col {
		case "intention_id", "assigned_agent_id":
			return nullableUUID(v), nil
		case "workflow_state":
			return encodeWorkflowState(v)
		case "last_message_at":
			if t, ok := v.(time.Time); ok {
				return t.UTC(), nil
			}
		}
		return v, nil
	})
}

func (s *ConversationStore) CountActiveByAgent(ctx context.Context, agentID uuid.UUID) (int, error) {
	var n int
	err := s.db.queryRow(ctx,
		`SELECT COUNT(*) FROM conversations WHERE assigned_agent_id = $1 AND status = $2`,
		agentID, protocol.ConversationOpen).Scan(&n)
	return n, err
}

func encodeWorkflowState(v any) (any, error) {
	switch ws := v.(type) {
	case nil:
		return nil, nil
	case *store.WorkflowState:
		return jsonOrNil(ws)
	case store.WorkflowState:
		return jsonOrNil(&ws)
	case json.RawMessage:
		return jsonOrNil(ws)
	}
	return nil, fmt.Errorf("unsupported workflow_state %T", v)
}

func scanConversation(row scanner) (*store.ConversationData, error) {
	var (
		c                store.ConversationData
		intention, agent uuid.NullUUID
		ws               jsonText
		lastAt           sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.CompanyID, &c.ChannelID, &c.ContactID, &c.ChatID, &c.Status,
		&intention, &agent, &ws, &lastAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.IntentionID = uuidPtr(intention)
	c.AssignedAgentID = uuidPtr(agent)
	c.LastMessageAt = timePtr(lastAt)
	if len(ws) > 0 && string(ws) != "null" {
		var state store.WorkflowState
		if err := json.Unmarshal(ws, &state); err != nil {
			return nil, fmt.Errorf("decode workflow_state: %w", err)
		}
		c.WorkflowState = &state
	}
	return &c, nil
}

package sqlstore

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convoflow/internal/store"
)

// MessageStore implements store.MessageStore.
type MessageStore struct {
	db *DB
}

const messageCols = `id, conversation_id, company_id, direction, sender_id, content, external_id, metadata, created_at, updated_at`

func (s *MessageStore) Create(ctx context.Context, m *store.MessageData) error {
	now := stamp(&m.BaseModel)
	meta, err := jsonOrNil(m.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.exec(ctx,
		`INSERT INTO messages (`+messageCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.ConversationID, m.CompanyID, m.Direction, m.SenderID, m.Content, m.ExternalID, meta, now, now,
	)
	return err
}

func (s *MessageStore) Latest(ctx context.Context, conversationID uuid.UUID) (*store.MessageData, error) {
	msgs, err := s.ListByConversation(ctx, conversationID, store.MessageListOpts{Limit: 1, Desc: true})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, store.ErrNotFound
	}
	return &msgs[0], nil
}

func (s *MessageStore) ListByConversation(ctx context.Context, conversationID uuid.UUID, opts store.MessageListOpts) ([]store.MessageData, error) {
	order := "created_at, id"
	if opts.Desc {
		order = "created_at DESC, id DESC"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.db.query(ctx,
		`SELECT `+messageCols+` FROM messages WHERE conversation_id = $1
		 ORDER BY `+order+` LIMIT $2 OFFSET $3`,
		conversationID, limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.MessageData
	for rows.Next() {
		var (
			m    store.MessageData
			meta jsonText
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.CompanyID, &m.Direction, &m.SenderID,
			&m.Content, &m.ExternalID, &meta, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

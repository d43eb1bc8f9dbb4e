package sqlstore

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convoflow/internal/store"
)

// ChannelStore implements store.ChannelStore.
type ChannelStore struct {
	db *DB
}

const channelCols = `id, company_id, name, provider, active, default_agent_id, credentials, config, created_at, updated_at`

func (s *ChannelStore) Create(ctx context.Context, ch *store.ChannelData) error {
	now := stamp(&ch.BaseModel)
	creds, err := jsonOrNil(ch.Credentials)
	if err != nil {
		return err
	}
	cfg, err := jsonOrNil(ch.Config)
	if err != nil {
		return err
	}
	_, err = s.db.exec(ctx,
		`INSERT INTO channels (`+channelCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ch.ID, ch.CompanyID, ch.Name, ch.Provider, ch.Active,
		nullableUUID(ch.DefaultAgentID), creds, cfg, now, now,
	)
	return err
}

func (s *ChannelStore) Get(ctx context.Context, id uuid.UUID) (*store.ChannelData, error) {
	row := s.db.queryRow(ctx, `SELECT `+channelCols+` FROM channels WHERE id = $1`, id)
	ch, err := scanChannel(row)
	if err != nil {
		return nil, notFound(err)
	}
	return ch, nil
}

func (s *ChannelStore) List(ctx context.Context) ([]store.ChannelData, error) {
	return s.list(ctx, `SELECT `+channelCols+` FROM channels ORDER BY id`)
}

func (s *ChannelStore) ListActive(ctx context.Context) ([]store.ChannelData, error) {
	return s.list(ctx, `SELECT `+channelCols+` FROM channels WHERE active = $1 ORDER BY id`, true)
}

func (s *ChannelStore) list(ctx context.Context, q string, args ...any) ([]store.ChannelData, error) {
	rows, err := s.db.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.ChannelData
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ch)
	}
	return out, rows.Err()
}

var channelUpdatable = map[string]bool{"active": true, "name": true, "default_agent_id": true, "credentials": true, "config": true}

func (s *ChannelStore) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return execMapUpdate(ctx, s.db, "channels", id, updates, channelUpdatable, func(col string, v any) (any, error) {
		switch col {
		case "default_agent_id":
			return nullableUUID(v), nil
		case "credentials", "config":
			return jsonOrNil(v)
		}
		return v, nil
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChannel(row scanner) (*store.ChannelData, error) {
	var (
		ch          store.ChannelData
		defAgent    uuid.NullUUID
		creds, conf jsonText
	)
	if err := row.Scan(&ch.ID, &ch.CompanyID, &ch.Name, &ch.Provider, &ch.Active,
		&defAgent, &creds, &conf, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
		return nil, err
	}
	ch.DefaultAgentID = uuidPtr(defAgent)
	if len(creds) > 0 {
		ch.Credentials = json.RawMessage(creds)
	}
	if len(conf) > 0 {
		ch.Config = json.RawMessage(conf)
	}
	return &ch, nil
}

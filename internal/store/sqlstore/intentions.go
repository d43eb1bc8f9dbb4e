package sqlstore

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convoflow/internal/store"
)

// IntentionStore implements store.IntentionStore.
type IntentionStore struct {
	db *DB
}

const intentionCols = `id, company_id, code, name, description, instructions, flow_name, created_at, updated_at`

func (s *IntentionStore) Create(ctx context.Context, in *store.IntentionData) error {
	now := stamp(&in.BaseModel)
	_, err := s.db.exec(ctx,
		`INSERT INTO intentions (`+intentionCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		in.ID, in.CompanyID, in.Code, in.Name, in.Description, in.Instructions, in.FlowName, now, now,
	)
	return err
}

// List returns the company's catalog ordered by code. search matches
// name, code or description case-insensitively.
func (s *IntentionStore) List(ctx context.Context, companyID uuid.UUID, search string) ([]store.IntentionData, error) {
	q := `SELECT ` + intentionCols + ` FROM intentions WHERE company_id = $1`
	args := []any{companyID}
	if search != "" {
		q += ` AND LOWER(name || ' ' || code || ' ' || description) LIKE $2`
		args = append(args, "%"+strings.ToLower(search)+"%")
	}
	return s.list(ctx, q+` ORDER BY code`, args...)
}

// GetByIDs returns the intentions in the order of ids, skipping unknown ones.
func (s *IntentionStore) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]store.IntentionData, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	found, err := s.list(ctx, `SELECT `+intentionCols+` FROM intentions WHERE id IN (`+inList(1, len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]store.IntentionData, len(found))
	for _, in := range found {
		byID[in.ID] = in
	}
	out := make([]store.IntentionData, 0, len(found))
	for _, id := range ids {
		if in, ok := byID[id]; ok {
			out = append(out, in)
		}
	}
	return out, nil
}

func (s *IntentionStore) list(ctx context.Context, q string, args ...any) ([]store.IntentionData, error) {
	rows, err := s.db.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.IntentionData
	for rows.Next() {
		var in store.IntentionData
		if err := rows.Scan(&in.ID, &in.CompanyID, &in.Code, &in.Name, &in.Description,
			&in.Instructions, &in.FlowName, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convoflow/internal/store"
)

// AgentStore implements store.AgentStore. Skills are a JSON array;
// intention bindings live in agent_intentions.
type AgentStore struct {
	db *DB
}

const agentCols = `id, company_id, name, status, skills, created_at, updated_at`

func (s *AgentStore) Create(ctx context.Context, a *store.AgentData) error {
	now := stamp(&a.BaseModel)
	skills, err := encodeSkills(a.Skills)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.rebind(
		`INSERT INTO agents (`+agentCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`),
		a.ID, a.CompanyID, a.Name, a.Status, skills, now, now,
	); err != nil {
		return err
	}
	for _, intentionID := range a.IntentionIDs {
		if _, err := tx.ExecContext(ctx, s.db.rebind(
			`INSERT INTO agent_intentions (agent_id, intention_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`),
			a.ID, intentionID,
		); err != nil {
			return fmt.Errorf("bind intention %s: %w", intentionID, err)
		}
	}
	return tx.Commit()
}

func (s *AgentStore) Get(ctx context.Context, id uuid.UUID) (*store.AgentData, error) {
	rows, err := s.db.query(ctx, `SELECT `+agentCols+` FROM agents WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	agents, err := s.collect(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, store.ErrNotFound
	}
	return &agents[0], nil
}

func (s *AgentStore) ListEligible(ctx context.Context, f store.AgentFilter) ([]store.AgentData, error) {
	where := []string{"a.company_id = $1"}
	args := []any{f.CompanyID}
	if len(f.Statuses) > 0 {
		where = append(where, "a.status IN ("+inList(len(args)+1, len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.IntentionID != nil {
		args = append(args, *f.IntentionID)
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM agent_intentions ai WHERE ai.agent_id = a.id AND ai.intention_id = $%d)", len(args)))
	}
	q := `SELECT a.id, a.company_id, a.name, a.status, a.skills, a.created_at, a.updated_at
		 FROM agents a WHERE ` + strings.Join(where, " AND ") + ` ORDER BY a.id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, rows)
}

func (s *AgentStore) AddIntention(ctx context.Context, agentID, intentionID uuid.UUID) error {
	if _, err := s.Get(ctx, agentID); err != nil {
		return err
	}
	_, err := s.db.exec(ctx,
		`INSERT INTO agent_intentions (agent_id, intention_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		agentID, intentionID)
	return err
}

var agentUpdatable = map[string]bool{"status": true, "name": true, "skills": true}

func (s *AgentStore) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return execMapUpdate(ctx, s.db, "agents", id, updates, agentUpdatable, func(col string, v any) (any, error) {
		if col == "skills" {
			skills, _ := v.([]string)
			return encodeSkills(skills)
		}
		return v, nil
	})
}

// collect scans agent rows, closes them, then loads intention bindings.
func (s *AgentStore) collect(ctx context.Context, rows interface {
	Next() bool
	Scan(...any) error
	Err() error
	Close() error
}) ([]store.AgentData, error) {
	var out []store.AgentData
	for rows.Next() {
		var (
			a      store.AgentData
			skills jsonText
		)
		if err := rows.Scan(&a.ID, &a.CompanyID, &a.Name, &a.Status, &skills, &a.CreatedAt, &a.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if len(skills) > 0 {
			if err := json.Unmarshal(skills, &a.Skills); err != nil {
				rows.Close()
				return nil, fmt.Errorf("decode skills: %w", err)
			}
		}
		out = append(out, a)
	}
	err := rows.Err()
	rows.Close()
	if err != nil || len(out) == 0 {
		return out, err
	}
	return out, s.loadIntentions(ctx, out)
}

func (s *AgentStore) loadIntentions(ctx context.Context, agents []store.AgentData) error {
	args := make([]any, len(agents))
	index := make(map[uuid.UUID]int, len(agents))
	for i, a := range agents {
		args[i] = a.ID
		index[a.ID] = i
	}
	rows, err := s.db.query(ctx,
		`SELECT agent_id, intention_id FROM agent_intentions
		 WHERE agent_id IN (`+inList(1, len(args))+`) ORDER BY agent_id, intention_id`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var agentID, intentionID uuid.UUID
		if err := rows.Scan(&agentID, &intentionID); err != nil {
			return err
		}
		i := index[agentID]
		agents[i].IntentionIDs = append(agents[i].IntentionIDs, intentionID)
	}
	return rows.Err()
}

func encodeSkills(skills []string) (string, error) {
	if skills == nil {
		skills = []string{}
	}
	b, err := json.Marshal(skills)
	return string(b), err
}

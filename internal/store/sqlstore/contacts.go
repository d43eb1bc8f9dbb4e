package sqlstore

import (
	"context"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convoflow/internal/store"
)

// ContactStore implements store.ContactStore.
type ContactStore struct {
	db *DB
}

const contactCols = `id, company_id, provider, external_id, name, created_at, updated_at`

func (s *ContactStore) Get(ctx context.Context, id uuid.UUID) (*store.ContactData, error) {
	return s.scanOne(ctx, `SELECT `+contactCols+` FROM contacts WHERE id = $1`, id)
}

// GetOrCreate inserts the contact unless (company, provider, external id)
// already exists, then reads back whichever row won.
func (s *ContactStore) GetOrCreate(ctx context.Context, companyID uuid.UUID, provider, externalID, name string) (*store.ContactData, error) {
	c := store.ContactData{CompanyID: companyID, Provider: provider, ExternalID: externalID, Name: name}
	now := stamp(&c.BaseModel)
	if _, err := s.db.exec(ctx,
		`INSERT INTO contacts (`+contactCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (company_id, provider, external_id) DO NOTHING`,
		c.ID, companyID, provider, externalID, name, now, now,
	); err != nil {
		return nil, err
	}
	return s.scanOne(ctx,
		`SELECT `+contactCols+` FROM contacts WHERE company_id = $1 AND provider = $2 AND external_id = $3`,
		companyID, provider, externalID)
}

func (s *ContactStore) scanOne(ctx context.Context, q string, args ...any) (*store.ContactData, error) {
	var c store.ContactData
	err := s.db.queryRow(ctx, q, args...).Scan(&c.ID, &c.CompanyID, &c.Provider, &c.ExternalID, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

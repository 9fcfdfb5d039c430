package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/unclebandit/campaign-orchestrator/internal/model"
)

// ContactRepositoryInterface defines methods used by the messaging handlers
type ContactRepositoryInterface interface {
	Create(ctx context.Context, c *model.Contact) error
	ListByTenant(ctx context.Context, tenantID string) ([]model.Contact, error)
}

// ContactRepository is the concrete implementation
type ContactRepository struct {
	DB *sql.DB
}

func (r *ContactRepository) Create(ctx context.Context, c *model.Contact) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	query := `
        INSERT INTO contacts (id, tenant_id, phone, first_name, last_name, location, preferred_product)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `
	_, err := r.DB.ExecContext(ctx, query, c.ID, c.TenantID, c.Phone, c.FirstName, c.LastName, c.Location, c.PreferredProduct)
	return err
}

// ListByTenant fetches the tenant's whole audience
func (r *ContactRepository) ListByTenant(ctx context.Context, tenantID string) ([]model.Contact, error) {
	query := `
        SELECT id, tenant_id, phone, first_name, last_name, location, preferred_product
        FROM contacts
        WHERE tenant_id = $1
        ORDER BY id
    `
	rows, err := r.DB.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []model.Contact{}
	for rows.Next() {
		var c model.Contact
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Phone, &c.FirstName, &c.LastName, &c.Location, &c.PreferredProduct); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)

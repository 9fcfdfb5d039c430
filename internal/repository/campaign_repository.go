package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-orchestrator/internal/errors"
	"github.com/unclebandit/campaign-orchestrator/internal/model"
)

// ErrConcurrentUpdate is returned by TransitionStatus when the stored status
// no longer matches the expected one.
var ErrConcurrentUpdate = errors.New("campaign was modified concurrently")

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	// GetByID only returns campaigns owned by tenantID.
	GetByID(ctx context.Context, tenantID, id string) (*model.Campaign, error)
	Update(ctx context.Context, c *model.Campaign) error
	TransitionStatus(ctx context.Context, tenantID, id string, from, to model.Status) error
	ListCampaigns(ctx context.Context, tenantID string, offset, limit int, channel, status string) ([]*model.Campaign, int, error)
	AddContentVariant(ctx context.Context, v *model.ContentVariant) error
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, tenant_id, name, channels, status, content, targeting, daily_budget, start_at, end_at, created_at, updated_at`

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = time.Now().UTC()
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	query := `
        INSERT INTO campaigns (id, tenant_id, name, channels, status, content, targeting, daily_budget, start_at, end_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    `
	_, err := r.DB.ExecContext(ctx, query,
		c.ID, c.TenantID, c.Name, pq.Array(channelStrings(c.Channels)), string(c.Status),
		jsonParam(c.Content), jsonParam(c.Targeting), c.DailyBudget, c.StartAt, c.EndAt, c.CreatedAt,
	)
	return err
}

func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	query := `
        UPDATE campaigns
        SET name=$1, content=$2, targeting=$3, daily_budget=$4, start_at=$5, end_at=$6, updated_at=NOW()
        WHERE id=$7 AND tenant_id=$8
    `
	res, err := r.DB.ExecContext(ctx, query,
		c.Name, jsonParam(c.Content), jsonParam(c.Targeting), c.DailyBudget, c.StartAt, c.EndAt, c.ID, c.TenantID,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, appErrors.NewCampaignNotFound(c.ID))
}

func (r *CampaignRepository) TransitionStatus(ctx context.Context, tenantID, id string, from, to model.Status) error {
	query := `UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2 AND tenant_id=$3 AND status=$4`
	res, err := r.DB.ExecContext(ctx, query, string(to), id, tenantID, string(from))
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrConcurrentUpdate)
}

func (r *CampaignRepository) GetByID(ctx context.Context, tenantID, id string) (*model.Campaign, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1 AND tenant_id=$2`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id, tenantID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, tenantID string, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	where := ` WHERE tenant_id=$1`
	args := []interface{}{tenantID}
	argPos := 2

	if channel != "" {
		where += fmt.Sprintf(" AND $%d = ANY(channels)", argPos)
		args = append(args, channel)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

// ====================== Content variants ======================

func (r *CampaignRepository) AddContentVariant(ctx context.Context, v *model.ContentVariant) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.CreatedAt = time.Now().UTC()
	query := `
        INSERT INTO campaign_content_variants (id, tenant_id, campaign_id, text, image_refs, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `
	_, err := r.DB.ExecContext(ctx, query, v.ID, v.TenantID, v.CampaignID, v.Text, pq.Array(v.ImageRefs), v.CreatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var (
		c         model.Campaign
		channels  []string
		status    string
		content   []byte
		targeting []byte
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, pq.Array(&channels), &status, &content, &targeting,
		&c.DailyBudget, &c.StartAt, &c.EndAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = model.Status(status)
	c.Content = content
	c.Targeting = targeting
	for _, ch := range channels {
		c.Channels = append(c.Channels, model.Channel(ch))
	}
	return &c, nil
}

func channelStrings(in []model.Channel) []string {
	out := make([]string, len(in))
	for i, ch := range in {
		out[i] = string(ch)
	}
	return out
}

// jsonParam sends JSON as text; lib/pq would encode a []byte as bytea.
func jsonParam(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)

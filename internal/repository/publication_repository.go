package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/unclebandit/campaign-orchestrator/internal/model"
)

// PublicationRepositoryInterface records per-channel publish progress. Steps
// are append-only: a recorded remote id is never overwritten.
type PublicationRepositoryInterface interface {
	// Get returns nil, nil when nothing was recorded yet.
	Get(ctx context.Context, tenantID, campaignID string, channel model.Channel) (*model.Publication, error)
	// EnsurePending creates the publication, or reopens a failed one, and
	// reports whether it did. false means a job for it is already queued,
	// running or done.
	EnsurePending(ctx context.Context, tenantID, campaignID string, channel model.Channel) (bool, error)
	// ClaimAttempt marks the publication in_progress and bumps its attempt
	// counter. It reports false when the publication is published or another
	// attempt claimed it less than lease ago.
	ClaimAttempt(ctx context.Context, tenantID, campaignID string, channel model.Channel, lease time.Duration) (bool, error)
	RecordStep(ctx context.Context, tenantID, campaignID string, channel model.Channel, step, remoteID string) error
	// SetStatus never changes a published publication.
	SetStatus(ctx context.Context, tenantID, campaignID string, channel model.Channel, status model.PublicationStatus, lastError string) error
	ListByCampaign(ctx context.Context, tenantID, campaignID string) ([]*model.Publication, error)
}

type PublicationRepository struct {
	DB *sql.DB
}

func (r *PublicationRepository) EnsurePending(ctx context.Context, tenantID, campaignID string, channel model.Channel) (bool, error) {
	query := `
        INSERT INTO publications (tenant_id, campaign_id, channel, status, created_at, updated_at)
        VALUES ($1, $2, $3, 'pending', NOW(), NOW())
        ON CONFLICT (tenant_id, campaign_id, channel) DO UPDATE
        SET status='pending', last_error='', updated_at=NOW()
        WHERE publications.status = 'failed'
    `
	res, err := r.DB.ExecContext(ctx, query, tenantID, campaignID, string(channel))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PublicationRepository) ClaimAttempt(ctx context.Context, tenantID, campaignID string, channel model.Channel, lease time.Duration) (bool, error) {
	query := `
        INSERT INTO publications (tenant_id, campaign_id, channel, status, attempts, created_at, updated_at)
        VALUES ($1, $2, $3, 'in_progress', 1, NOW(), NOW())
        ON CONFLICT (tenant_id, campaign_id, channel) DO UPDATE
        SET status='in_progress', attempts=publications.attempts+1, updated_at=NOW()
        WHERE publications.status <> 'published'
          AND (publications.status <> 'in_progress' OR publications.updated_at < NOW() - $4 * INTERVAL '1 millisecond')
    `
	res, err := r.DB.ExecContext(ctx, query, tenantID, campaignID, string(channel), lease.Milliseconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PublicationRepository) RecordStep(ctx context.Context, tenantID, campaignID string, channel model.Channel, step, remoteID string) error {
	query := `
        INSERT INTO publication_steps (tenant_id, campaign_id, channel, step, remote_id, created_at)
        VALUES ($1, $2, $3, $4, $5, NOW())
        ON CONFLICT (tenant_id, campaign_id, channel, step) DO NOTHING
    `
	_, err := r.DB.ExecContext(ctx, query, tenantID, campaignID, string(channel), step, remoteID)
	return err
}

func (r *PublicationRepository) SetStatus(ctx context.Context, tenantID, campaignID string, channel model.Channel, status model.PublicationStatus, lastError string) error {
	query := `
        UPDATE publications
        SET status=$1, last_error=$2, updated_at=NOW()
        WHERE tenant_id=$3 AND campaign_id=$4 AND channel=$5 AND status <> 'published'
    `
	_, err := r.DB.ExecContext(ctx, query, string(status), lastError, tenantID, campaignID, string(channel))
	return err
}

func (r *PublicationRepository) Get(ctx context.Context, tenantID, campaignID string, channel model.Channel) (*model.Publication, error) {
	query := `
        SELECT tenant_id, campaign_id, channel, status, attempts, last_error, created_at, updated_at
        FROM publications
        WHERE tenant_id=$1 AND campaign_id=$2 AND channel=$3
    `
	p, err := scanPublication(r.DB.QueryRowContext(ctx, query, tenantID, campaignID, string(channel)))
	if err != nil {
		if err == sql.ErrNoRows {
			p = &model.Publication{TenantID: tenantID, CampaignID: campaignID, Channel: channel}
		} else {
			return nil, err
		}
	}

	steps, err := r.steps(ctx, tenantID, campaignID, channel)
	if err != nil {
		return nil, err
	}
	if p.Status == "" && len(steps) == 0 {
		return nil, nil
	}
	p.Steps = steps
	return p, nil
}

func (r *PublicationRepository) ListByCampaign(ctx context.Context, tenantID, campaignID string) ([]*model.Publication, error) {
	query := `
        SELECT tenant_id, campaign_id, channel, status, attempts, last_error, created_at, updated_at
        FROM publications
        WHERE tenant_id=$1 AND campaign_id=$2
        ORDER BY channel
    `
	rows, err := r.DB.QueryContext(ctx, query, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Publication
	for rows.Next() {
		p, err := scanPublication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, p := range out {
		if p.Steps, err = r.steps(ctx, tenantID, campaignID, p.Channel); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *PublicationRepository) steps(ctx context.Context, tenantID, campaignID string, channel model.Channel) (map[string]string, error) {
	query := `
        SELECT step, remote_id FROM publication_steps
        WHERE tenant_id=$1 AND campaign_id=$2 AND channel=$3
    `
	rows, err := r.DB.QueryContext(ctx, query, tenantID, campaignID, string(channel))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := map[string]string{}
	for rows.Next() {
		var step, remoteID string
		if err := rows.Scan(&step, &remoteID); err != nil {
			return nil, err
		}
		steps[step] = remoteID
	}
	return steps, rows.Err()
}

func scanPublication(row rowScanner) (*model.Publication, error) {
	var (
		p       model.Publication
		channel string
		status  string
	)
	if err := row.Scan(&p.TenantID, &p.CampaignID, &channel, &status, &p.Attempts, &p.LastError, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Channel = model.Channel(channel)
	p.Status = model.PublicationStatus(status)
	return &p, nil
}

var _ PublicationRepositoryInterface = (*PublicationRepository)(nil)

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/campaign-orchestrator/internal/errors"
	"github.com/unclebandit/campaign-orchestrator/internal/model"
)

type IntegrationRepositoryInterface interface {
	Get(ctx context.Context, tenantID string, channel model.Channel) (*model.Integration, error)
	// Upsert is the credential-issuing flow's full write.
	Upsert(ctx context.Context, i *model.Integration) error
	// MergeMetadata touches only the metadata column; credential fields are
	// never rewritten by workers.
	MergeMetadata(ctx context.Context, tenantID string, channel model.Channel, md map[string]string) error
}

type IntegrationRepository struct {
	DB *sql.DB
}

func (r *IntegrationRepository) Get(ctx context.Context, tenantID string, channel model.Channel) (*model.Integration, error) {
	query := `
        SELECT id, tenant_id, channel, connected, verified, cipher_text, iv, auth_tag, metadata, created_at, updated_at
        FROM integrations
        WHERE tenant_id=$1 AND channel=$2
    `
	var (
		i       model.Integration
		ch      string
		rawMeta []byte
	)
	err := r.DB.QueryRowContext(ctx, query, tenantID, string(channel)).Scan(
		&i.ID, &i.TenantID, &ch, &i.Connected, &i.Verified,
		&i.CipherText, &i.IV, &i.AuthTag, &rawMeta, &i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewNotFound("integration", tenantID+"/"+string(channel))
		}
		return nil, err
	}
	i.Channel = model.Channel(ch)
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &i.Metadata); err != nil {
			return nil, fmt.Errorf("decode integration metadata: %w", err)
		}
	}
	return &i, nil
}

func (r *IntegrationRepository) Upsert(ctx context.Context, i *model.Integration) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	meta, err := json.Marshal(nonNilMeta(i.Metadata))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	i.UpdatedAt = now
	query := `
        INSERT INTO integrations (id, tenant_id, channel, connected, verified, cipher_text, iv, auth_tag, metadata, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
        ON CONFLICT (tenant_id, channel) DO UPDATE
        SET connected=EXCLUDED.connected, verified=EXCLUDED.verified,
            cipher_text=EXCLUDED.cipher_text, iv=EXCLUDED.iv, auth_tag=EXCLUDED.auth_tag,
            metadata=EXCLUDED.metadata, updated_at=EXCLUDED.updated_at
    `
	_, err = r.DB.ExecContext(ctx, query, i.ID, i.TenantID, string(i.Channel), i.Connected, i.Verified,
		i.CipherText, i.IV, i.AuthTag, string(meta), now)
	return err
}

func (r *IntegrationRepository) MergeMetadata(ctx context.Context, tenantID string, channel model.Channel, md map[string]string) error {
	patch, err := json.Marshal(nonNilMeta(md))
	if err != nil {
		return err
	}
	query := `
        UPDATE integrations
        SET metadata = metadata || $1::jsonb, updated_at=NOW()
        WHERE tenant_id=$2 AND channel=$3
    `
	res, err := r.DB.ExecContext(ctx, query, string(patch), tenantID, string(channel))
	if err != nil {
		return err
	}
	return expectOneRow(res, appErrors.NewNotFound("integration", tenantID+"/"+string(channel)))
}

func nonNilMeta(md map[string]string) map[string]string {
	if md == nil {
		return map[string]string{}
	}
	return md
}

var _ IntegrationRepositoryInterface = (*IntegrationRepository)(nil)

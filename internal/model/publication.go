// internal/model/publication.go
package model

import "time"

type PublicationStatus string

const (
	PublicationPending    PublicationStatus = "pending"
	PublicationInProgress PublicationStatus = "in_progress"
	PublicationPublished  PublicationStatus = "published"
	PublicationFailed     PublicationStatus = "failed"
)

// Publication tracks one campaign on one channel. Steps holds the remote id
// of every completed adapter step and is what makes job replays safe.
type Publication struct {
	TenantID   string            `db:"tenant_id" json:"tenant_id"`
	CampaignID string            `db:"campaign_id" json:"campaign_id"`
	Channel    Channel           `db:"channel" json:"channel"`
	Status     PublicationStatus `db:"status" json:"status"`
	Steps      map[string]string `json:"steps,omitempty"`
	Attempts   int               `db:"attempts" json:"attempts"`
	LastError  string            `db:"last_error" json:"last_error,omitempty"`
	CreatedAt  time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time         `db:"updated_at" json:"updated_at"`
}

func (p *Publication) Done() bool {
	return p != nil && p.Status == PublicationPublished
}

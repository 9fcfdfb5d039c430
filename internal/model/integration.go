// internal/model/integration.go
package model

import "time"

// Integration is a tenant's connection to one channel. The credential is
// only ever held here in sealed form.
type Integration struct {
	ID         string            `db:"id" json:"id"`
	TenantID   string            `db:"tenant_id" json:"tenant_id"`
	Channel    Channel           `db:"channel" json:"channel"`
	Connected  bool              `db:"connected" json:"connected"`
	Verified   bool              `db:"verified" json:"verified"`
	CipherText []byte            `db:"cipher_text" json:"-"`
	IV         []byte            `db:"iv" json:"-"`
	AuthTag    []byte            `db:"auth_tag" json:"-"`
	Metadata   map[string]string `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time         `db:"updated_at" json:"updated_at"`
}

// Usable reports whether jobs may be enqueued against this integration.
func (i *Integration) Usable() bool {
	return i != nil && i.Connected && i.Verified && len(i.CipherText) > 0
}

// Well-known metadata keys.
const (
	MetaAdAccountID      = "ad_account_id"
	MetaPageID           = "page_id"
	MetaSenderID         = "sender_id"
	MetaLastRemoteCampID = "last_remote_campaign_id"
	MetaLastPublishedAt  = "last_published_at"
)

// internal/model/campaign.go
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type Channel string

const (
	ChannelAds       Channel = "ads"
	ChannelMessaging Channel = "messaging"
)

func (c Channel) Valid() bool {
	return c == ChannelAds || c == ChannelMessaging
}

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusEnded     Status = "ended"
)

func (s Status) Terminal() bool { return s == StatusEnded }

type Campaign struct {
	ID       string    `db:"id" json:"id"`
	TenantID string    `db:"tenant_id" json:"tenant_id"`
	Name     string    `db:"name" json:"name"`
	Channels []Channel `db:"channels" json:"channels"`
	Status   Status    `db:"status" json:"status"`
	// Content and Targeting are opaque to the core; adapters decode the parts
	// they understand.
	Content     json.RawMessage `db:"content" json:"content,omitempty"`
	Targeting   json.RawMessage `db:"targeting" json:"targeting,omitempty"`
	DailyBudget *int64          `db:"daily_budget" json:"daily_budget,omitempty"` // minor currency units
	StartAt     *time.Time      `db:"start_at" json:"start_at,omitempty"`
	EndAt       *time.Time      `db:"end_at" json:"end_at,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   *time.Time      `db:"updated_at" json:"updated_at,omitempty"`
}

func (c *Campaign) HasChannel(ch Channel) bool {
	for _, have := range c.Channels {
		if have == ch {
			return true
		}
	}
	return false
}

// NormalizeChannels validates a requested channel set: non-empty, known
// channels only, duplicates dropped, first-seen order kept.
func NormalizeChannels(in []Channel) ([]Channel, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}
	seen := make(map[Channel]bool, len(in))
	out := make([]Channel, 0, len(in))
	for _, ch := range in {
		if !ch.Valid() {
			return nil, fmt.Errorf("unknown channel %q", ch)
		}
		if seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out, nil
}

// ContentVariant is one generated text/image suggestion for a campaign.
// Repeated prepare runs append new variants.
type ContentVariant struct {
	ID         string    `db:"id" json:"id"`
	TenantID   string    `db:"tenant_id" json:"tenant_id"`
	CampaignID string    `db:"campaign_id" json:"campaign_id"`
	Text       string    `db:"text" json:"text"`
	ImageRefs  []string  `db:"image_refs" json:"image_refs,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

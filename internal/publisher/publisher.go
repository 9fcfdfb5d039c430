// Package publisher holds the channel adapters. An adapter only knows what to
// call on its remote network; retry, circuit breaking and progress recording
// are applied by the caller through the StepRunner it passes in.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/unclebandit/campaign-orchestrator/internal/model"
)

// Step names. Ad network steps run in this order; each id feeds the next.
const (
	StepCampaign = "campaign"
	StepAdSet    = "adset"
	StepCreative = "creative"
	StepAd       = "ad"
	StepSend     = "send"
)

// Request is the channel-agnostic publish request.
type Request struct {
	TenantID    string
	CampaignID  string
	Name        string
	Content     json.RawMessage
	Targeting   json.RawMessage
	DailyBudget *int64
	StartAt     *time.Time
	EndAt       *time.Time
	// Metadata is the integration's non-secret metadata (account ids etc).
	Metadata map[string]string
	// Audience is only read by the messaging adapter.
	Audience []Recipient
	// Reference identifies the send to the delivery system for
	// deduplication. Empty means tenant:campaign:channel.
	Reference string
}

type Recipient struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// Credential is a decrypted channel credential. It must never be logged.
type Credential struct {
	AccessToken string
}

func (Credential) String() string   { return "[redacted]" }
func (Credential) GoString() string { return "[redacted]" }

// Creative is the part of a campaign's content the adapters understand.
type Creative struct {
	Headline     string   `json:"headline"`
	Body         string   `json:"body"`
	LinkURL      string   `json:"link_url,omitempty"`
	CallToAction string   `json:"call_to_action,omitempty"`
	ImageURL     string   `json:"image_url,omitempty"`
	Buttons      []string `json:"buttons,omitempty"`
	Media        []string `json:"media,omitempty"`
}

func DecodeCreative(raw json.RawMessage) (Creative, error) {
	var c Creative
	if len(raw) == 0 {
		return c, fmt.Errorf("%w: campaign has no content", ErrInvalidRequest)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%w: decode content: %v", ErrInvalidRequest, err)
	}
	if c.Body == "" {
		return c, fmt.Errorf("%w: content body is empty", ErrInvalidRequest)
	}
	return c, nil
}

// StepRunner executes one remote step. The caller decorates it with retry and
// records the returned id once it succeeds.
type StepRunner func(ctx context.Context, step string, call func(ctx context.Context) (string, error)) (string, error)

func direct(ctx context.Context, _ string, call func(ctx context.Context) (string, error)) (string, error) {
	return call(ctx)
}

// Result carries every remote id created for the publication. RemoteID is
// the id of the final object.
type Result struct {
	RemoteID string
	Steps    map[string]string
}

// Adapter publishes one campaign to one channel. completed holds the ids of
// steps finished by earlier attempts; those steps are not repeated.
type Adapter interface {
	Channel() model.Channel
	Publish(ctx context.Context, req Request, cred Credential, completed map[string]string, run StepRunner) (Result, error)
}

func copySteps(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+4)
	for k, v := range in {
		out[k] = v
	}
	return out
}

package publisher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-orchestrator/internal/model"
)

type MessagingConfig struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

// Messaging hands an audience and a message to the downstream delivery
// system in a single call.
type Messaging struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewMessaging(cfg MessagingConfig, logger *zap.Logger) *Messaging {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Messaging{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

func (m *Messaging) Channel() model.Channel { return model.ChannelMessaging }

type sendRequest struct {
	SenderID   string      `json:"sender_id,omitempty"`
	Reference  string      `json:"reference"`
	Recipients []Recipient `json:"recipients"`
	Body       string      `json:"body"`
	Buttons    []string    `json:"buttons,omitempty"`
	Media      []string    `json:"media,omitempty"`
}

func (m *Messaging) Publish(ctx context.Context, req Request, cred Credential, completed map[string]string, run StepRunner) (Result, error) {
	if id, ok := completed[StepSend]; ok {
		return Result{RemoteID: id, Steps: copySteps(completed)}, nil
	}
	if run == nil {
		run = direct
	}
	creative, err := DecodeCreative(req.Content)
	if err != nil {
		return Result{}, err
	}
	if len(req.Audience) == 0 {
		return Result{}, fmt.Errorf("%w: empty audience", ErrInvalidRequest)
	}

	reference := req.Reference
	if reference == "" {
		reference = req.TenantID + ":" + req.CampaignID + ":" + string(model.ChannelMessaging)
	}
	body := sendRequest{
		SenderID:   req.Metadata[model.MetaSenderID],
		Reference:  reference,
		Recipients: req.Audience,
		Body:       creative.Body,
		Buttons:    creative.Buttons,
		Media:      creative.Media,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.AccessToken)
	// The delivery system deduplicates on this key, so a replayed send after
	// a lost response is not delivered twice.
	header.Set("Idempotency-Key", reference)

	id, err := run(ctx, StepSend, func(ctx context.Context) (string, error) {
		return postJSON(ctx, m.client, m.baseURL+"/messages", header, body, "send messages")
	})
	if err != nil {
		return Result{}, &StepError{
			Channel:   string(model.ChannelMessaging),
			Step:      StepSend,
			Completed: copySteps(completed),
			Err:       err,
		}
	}
	m.logger.Debug("messages handed to delivery",
		zap.String("tenant_id", req.TenantID),
		zap.String("campaign_id", req.CampaignID),
		zap.Int("recipients", len(req.Audience)),
	)
	return Result{RemoteID: id, Steps: map[string]string{StepSend: id}}, nil
}

var _ Adapter = (*Messaging)(nil)

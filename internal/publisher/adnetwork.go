package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/unclebandit/campaign-orchestrator/internal/model"
)

// Remote objects are always created paused; activation is a separate,
// explicit action outside this service.
const remoteStatusPaused = "PAUSED"

type AdNetworkConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	RateBurst  int
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// AdNetwork creates campaign, ad set, creative and ad objects on a Graph-style
// ads API. Outbound calls are paced by a token bucket shared by all tenants.
type AdNetwork struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewAdNetwork(cfg AdNetworkConfig, logger *zap.Logger) *AdNetwork {
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
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}
	return &AdNetwork{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

func (a *AdNetwork) Channel() model.Channel { return model.ChannelAds }

type newCampaign struct {
	Name        string `json:"name"`
	Objective   string `json:"objective"`
	Status      string `json:"status"`
	DailyBudget int64  `json:"daily_budget,omitempty"`
	Token       string `json:"access_token"`
}

type newAdSet struct {
	Name        string          `json:"name"`
	CampaignID  string          `json:"campaign_id"`
	Targeting   json.RawMessage `json:"targeting"`
	StartTime   string          `json:"start_time,omitempty"`
	EndTime     string          `json:"end_time,omitempty"`
	DailyBudget int64           `json:"daily_budget,omitempty"`
	Status      string          `json:"status"`
	Token       string          `json:"access_token"`
}

type newCreative struct {
	Name         string `json:"name"`
	PageID       string `json:"page_id,omitempty"`
	Headline     string `json:"headline"`
	Body         string `json:"body"`
	LinkURL      string `json:"link_url,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	CallToAction string `json:"call_to_action,omitempty"`
	Token        string `json:"access_token"`
}

type newAd struct {
	Name       string `json:"name"`
	AdSetID    string `json:"adset_id"`
	CreativeID string `json:"creative_id"`
	Status     string `json:"status"`
	Token      string `json:"access_token"`
}

func (a *AdNetwork) Publish(ctx context.Context, req Request, cred Credential, completed map[string]string, run StepRunner) (Result, error) {
	if run == nil {
		run = direct
	}
	account := req.Metadata[model.MetaAdAccountID]
	if account == "" {
		return Result{}, fmt.Errorf("%w: integration has no %s", ErrInvalidRequest, model.MetaAdAccountID)
	}
	creative, err := DecodeCreative(req.Content)
	if err != nil {
		return Result{}, err
	}
	targeting := req.Targeting
	if len(targeting) == 0 {
		targeting = json.RawMessage(`{}`)
	}
	var budget int64
	if req.DailyBudget != nil {
		budget = *req.DailyBudget
	}

	ids := copySteps(completed)
	steps := []struct {
		name string
		call func(ctx context.Context) (string, error)
	}{
		{StepCampaign, func(ctx context.Context) (string, error) {
			return a.post(ctx, account, "campaigns", newCampaign{
				Name:        req.Name,
				Objective:   "OUTCOME_TRAFFIC",
				Status:      remoteStatusPaused,
				DailyBudget: budget,
				Token:       cred.AccessToken,
			})
		}},
		{StepAdSet, func(ctx context.Context) (string, error) {
			return a.post(ctx, account, "adsets", newAdSet{
				Name:        req.Name + " ad set",
				CampaignID:  ids[StepCampaign],
				Targeting:   targeting,
				StartTime:   formatTime(req.StartAt),
				EndTime:     formatTime(req.EndAt),
				DailyBudget: budget,
				Status:      remoteStatusPaused,
				Token:       cred.AccessToken,
			})
		}},
		{StepCreative, func(ctx context.Context) (string, error) {
			return a.post(ctx, account, "adcreatives", newCreative{
				Name:         req.Name + " creative",
				PageID:       req.Metadata[model.MetaPageID],
				Headline:     creative.Headline,
				Body:         creative.Body,
				LinkURL:      creative.LinkURL,
				ImageURL:     creative.ImageURL,
				CallToAction: creative.CallToAction,
				Token:        cred.AccessToken,
			})
		}},
		{StepAd, func(ctx context.Context) (string, error) {
			return a.post(ctx, account, "ads", newAd{
				Name:       req.Name + " ad",
				AdSetID:    ids[StepAdSet],
				CreativeID: ids[StepCreative],
				Status:     remoteStatusPaused,
				Token:      cred.AccessToken,
			})
		}},
	}

	for _, s := range steps {
		if _, done := ids[s.name]; done {
			a.logger.Debug("skipping completed step",
				zap.String("tenant_id", req.TenantID),
				zap.String("campaign_id", req.CampaignID),
				zap.String("step", s.name),
			)
			continue
		}
		id, err := run(ctx, s.name, s.call)
		if err != nil {
			return Result{}, &StepError{
				Channel:   string(model.ChannelAds),
				Step:      s.name,
				Completed: copySteps(ids),
				Err:       err,
			}
		}
		ids[s.name] = id
	}

	return Result{RemoteID: ids[StepAd], Steps: ids}, nil
}

func (a *AdNetwork) post(ctx context.Context, account, edge string, body any) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	u := fmt.Sprintf("%s/%s/%s", a.baseURL, url.PathEscape(account), edge)
	return postJSON(ctx, a.client, u, nil, body, "create "+edge)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

var _ Adapter = (*AdNetwork)(nil)

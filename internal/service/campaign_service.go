// internal/service/campaign_service.go
package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-orchestrator/internal/errors"
	"github.com/unclebandit/campaign-orchestrator/internal/model"
	"github.com/unclebandit/campaign-orchestrator/internal/queue"
	"github.com/unclebandit/campaign-orchestrator/internal/repository"
)

// CampaignService runs the campaign state machine. It never calls a remote
// network itself; every side effect is a queued job.
type CampaignService struct {
	CampaignRepo    repository.CampaignRepositoryInterface
	IntegrationRepo repository.IntegrationRepositoryInterface
	PublicationRepo repository.PublicationRepositoryInterface
	Queue           queue.Enqueuer
	JobPolicy       queue.Policy
	Logger          *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type CreateCampaignInput struct {
	Name        string          `json:"name"`
	Channels    []model.Channel `json:"channels"`
	Content     json.RawMessage `json:"content,omitempty"`
	Targeting   json.RawMessage `json:"targeting,omitempty"`
	DailyBudget *int64          `json:"daily_budget,omitempty"`
	StartAt     *time.Time      `json:"start_at,omitempty"`
	EndAt       *time.Time      `json:"end_at,omitempty"`
}

// UpdateCampaignInput holds optional edits; nil fields are left as they are.
// Channels cannot be changed after creation.
type UpdateCampaignInput struct {
	Name        *string         `json:"name,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Targeting   json.RawMessage `json:"targeting,omitempty"`
	DailyBudget *int64          `json:"daily_budget,omitempty"`
	StartAt     *time.Time      `json:"start_at,omitempty"`
	EndAt       *time.Time      `json:"end_at,omitempty"`
}

type EnqueuedJob struct {
	Channel model.Channel `json:"channel,omitempty"`
	Queue   queue.Name    `json:"queue"`
	JobID   string        `json:"job_id"`
}

type PublishResult struct {
	Campaign *model.Campaign `json:"campaign"`
	Jobs     []EnqueuedJob   `json:"jobs"`
}

type CampaignDetails struct {
	*model.Campaign
	Publications []*model.Publication `json:"publications"`
	Stats        map[string]int       `json:"stats"`
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *CampaignService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *CampaignService) newJob(p queue.Payload) queue.Job {
	return queue.NewJob(p, s.JobPolicy)
}

func (s *CampaignService) CreateCampaign(ctx context.Context, tenantID string, in CreateCampaignInput) (*model.Campaign, error) {
	channels, err := model.NormalizeChannels(in.Channels)
	if err != nil {
		return nil, appErrors.NewPrecondition("%v", err)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, appErrors.NewPrecondition("campaign name is required")
	}
	c := &model.Campaign{
		TenantID:    tenantID,
		Name:        name,
		Channels:    channels,
		Status:      model.StatusDraft,
		Content:     in.Content,
		Targeting:   in.Targeting,
		DailyBudget: in.DailyBudget,
		StartAt:     in.StartAt,
		EndAt:       in.EndAt,
	}
	if err := validateSchedule(c); err != nil {
		return nil, err
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.logger().Info("campaign created",
		zap.String("tenant_id", tenantID),
		zap.String("campaign_id", c.ID),
	)
	return c, nil
}

func validateSchedule(c *model.Campaign) error {
	if c.DailyBudget != nil && *c.DailyBudget < 0 {
		return appErrors.NewPrecondition("daily budget cannot be negative")
	}
	if c.StartAt != nil && c.EndAt != nil && !c.EndAt.After(*c.StartAt) {
		return appErrors.NewPrecondition("end_at must be after start_at")
	}
	if len(c.Content) > 0 && !json.Valid(c.Content) {
		return appErrors.NewPrecondition("content must be valid JSON")
	}
	if len(c.Targeting) > 0 && !json.Valid(c.Targeting) {
		return appErrors.NewPrecondition("targeting must be valid JSON")
	}
	return nil
}

func (s *CampaignService) UpdateCampaign(ctx context.Context, tenantID, id string, in UpdateCampaignInput) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, appErrors.NewInvalidTransition("update", string(c.Status))
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, appErrors.NewPrecondition("campaign name is required")
		}
		c.Name = name
	}
	if in.Content != nil {
		c.Content = in.Content
	}
	if in.Targeting != nil {
		c.Targeting = in.Targeting
	}
	if in.DailyBudget != nil {
		c.DailyBudget = in.DailyBudget
	}
	if in.StartAt != nil {
		c.StartAt = in.StartAt
	}
	if in.EndAt != nil {
		c.EndAt = in.EndAt
	}
	if err := validateSchedule(c); err != nil {
		return nil, err
	}
	if err := s.CampaignRepo.Update(ctx, c); err != nil {
		return nil, err
	}
	return s.CampaignRepo.GetByID(ctx, tenantID, id)
}

// PrepareCampaign queues content generation. Status is unchanged and repeated
// calls simply produce more variants.
func (s *CampaignService) PrepareCampaign(ctx context.Context, tenantID, id string) (*EnqueuedJob, error) {
	c, err := s.CampaignRepo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, appErrors.NewInvalidTransition("prepare", string(c.Status))
	}
	job := s.newJob(queue.ContentGenerationPayload{TenantID: tenantID, CampaignID: c.ID})
	if err := s.Queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return &EnqueuedJob{Queue: job.Queue, JobID: job.ID}, nil
}

func publishPayload(ch model.Channel, tenantID, campaignID string) queue.Payload {
	switch ch {
	case model.ChannelAds:
		return queue.AdPublishPayload{TenantID: tenantID, CampaignID: campaignID}
	default:
		return queue.MessagingSendPayload{TenantID: tenantID, CampaignID: campaignID}
	}
}

// PublishCampaign verifies every channel's integration before anything is
// queued, moves the campaign to scheduled or active, then enqueues one
// publish job per channel. Channels whose publication is pending, in
// progress or published get no second job; failed ones are reopened.
func (s *CampaignService) PublishCampaign(ctx context.Context, tenantID, id string) (*PublishResult, error) {
	c, err := s.CampaignRepo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.StatusDraft && c.Status != model.StatusScheduled {
		return nil, appErrors.NewInvalidTransition("publish", string(c.Status))
	}

	for _, ch := range c.Channels {
		if !ch.Valid() {
			return nil, appErrors.NewPrecondition("channel %s cannot be published", ch)
		}
		integ, err := s.IntegrationRepo.Get(ctx, tenantID, ch)
		if err != nil && appErrors.Kind(err) != appErrors.KindNotFound {
			return nil, err
		}
		if !integ.Usable() {
			return nil, appErrors.NewPrecondition("channel %s has no connected, verified integration", ch)
		}
	}

	target := model.StatusActive
	if c.StartAt != nil && c.StartAt.After(s.now()) {
		target = model.StatusScheduled
	}
	from := c.Status
	if from != target {
		if err := s.transition(ctx, c, "publish", target); err != nil {
			return nil, err
		}
	}

	result := &PublishResult{Campaign: c, Jobs: []EnqueuedJob{}}
	for _, ch := range c.Channels {
		created, err := s.PublicationRepo.EnsurePending(ctx, tenantID, c.ID, ch)
		if err != nil {
			return nil, s.abortPublish(ctx, c, from, err)
		}
		if !created {
			// A job for this channel is queued, running or already done.
			s.logger().Info("publication already open, not enqueueing",
				zap.String("tenant_id", tenantID),
				zap.String("campaign_id", c.ID),
				zap.String("channel", string(ch)),
			)
			continue
		}
		job := s.newJob(publishPayload(ch, tenantID, c.ID))
		if err := s.Queue.Enqueue(ctx, job); err != nil {
			return nil, s.abortPublish(ctx, c, from, err)
		}
		result.Jobs = append(result.Jobs, EnqueuedJob{Channel: ch, Queue: job.Queue, JobID: job.ID})
	}

	s.logger().Info("campaign published",
		zap.String("tenant_id", tenantID),
		zap.String("campaign_id", c.ID),
		zap.String("status", string(c.Status)),
		zap.Int("jobs", len(result.Jobs)),
	)
	return result, nil
}

// abortPublish puts the status back when enqueueing failed part way. Jobs
// already queued stay queued; their handlers are replay-safe.
func (s *CampaignService) abortPublish(ctx context.Context, c *model.Campaign, from model.Status, cause error) error {
	if c.Status != from {
		if err := s.CampaignRepo.TransitionStatus(ctx, c.TenantID, c.ID, c.Status, from); err != nil {
			s.logger().Error("reverting status after failed publish",
				zap.String("tenant_id", c.TenantID),
				zap.String("campaign_id", c.ID),
				zap.Error(err),
			)
		} else {
			c.Status = from
		}
	}
	return cause
}

func (s *CampaignService) PauseCampaign(ctx context.Context, tenantID, id string) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.StatusActive {
		return nil, appErrors.NewInvalidTransition("pause", string(c.Status))
	}
	if err := s.transition(ctx, c, "pause", model.StatusPaused); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *CampaignService) ResumeCampaign(ctx context.Context, tenantID, id string) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.StatusPaused {
		return nil, appErrors.NewInvalidTransition("resume", string(c.Status))
	}
	if err := s.transition(ctx, c, "resume", model.StatusActive); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *CampaignService) EndCampaign(ctx context.Context, tenantID, id string) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, appErrors.NewInvalidTransition("end", string(c.Status))
	}
	if err := s.transition(ctx, c, "end", model.StatusEnded); err != nil {
		return nil, err
	}
	return c, nil
}

// ReEngageCampaign queues a follow-up message to the tenant's contacts. An
// empty message reuses the campaign body.
func (s *CampaignService) ReEngageCampaign(ctx context.Context, tenantID, id, message string) (*EnqueuedJob, error) {
	c, err := s.CampaignRepo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.StatusActive {
		return nil, appErrors.NewInvalidTransition("re-engage", string(c.Status))
	}
	if !c.HasChannel(model.ChannelMessaging) {
		return nil, appErrors.NewPrecondition("campaign does not use the messaging channel")
	}
	integ, err := s.IntegrationRepo.Get(ctx, tenantID, model.ChannelMessaging)
	if err != nil && appErrors.Kind(err) != appErrors.KindNotFound {
		return nil, err
	}
	if !integ.Usable() {
		return nil, appErrors.NewPrecondition("channel %s has no connected, verified integration", model.ChannelMessaging)
	}
	job := s.newJob(queue.ReEngagementPayload{TenantID: tenantID, CampaignID: c.ID, Message: strings.TrimSpace(message)})
	if err := s.Queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return &EnqueuedJob{Channel: model.ChannelMessaging, Queue: job.Queue, JobID: job.ID}, nil
}

// transition applies a conditional status change. Losing a race to another
// writer is reported against the status that writer left behind.
func (s *CampaignService) transition(ctx context.Context, c *model.Campaign, op string, to model.Status) error {
	err := s.CampaignRepo.TransitionStatus(ctx, c.TenantID, c.ID, c.Status, to)
	if errors.Is(err, repository.ErrConcurrentUpdate) {
		latest, gerr := s.CampaignRepo.GetByID(ctx, c.TenantID, c.ID)
		if gerr != nil {
			return gerr
		}
		return appErrors.NewInvalidTransition(op, string(latest.Status))
	}
	if err != nil {
		return err
	}
	s.logger().Info("campaign status changed",
		zap.String("tenant_id", c.TenantID),
		zap.String("campaign_id", c.ID),
		zap.String("from", string(c.Status)),
		zap.String("to", string(to)),
	)
	c.Status = to
	return nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, tenantID string, page, pageSize int, channel, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, tenantID, offset, pageSize, channel, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// GetCampaign returns the campaign with its per-channel publication records.
func (s *CampaignService) GetCampaign(ctx context.Context, tenantID, id string) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	pubs, err := s.PublicationRepo.ListByCampaign(ctx, tenantID, c.ID)
	if err != nil {
		return nil, err
	}

	stats := map[string]int{"total": 0}
	for _, st := range []model.PublicationStatus{
		model.PublicationPending,
		model.PublicationInProgress,
		model.PublicationPublished,
		model.PublicationFailed,
	} {
		stats[string(st)] = 0
	}
	for _, p := range pubs {
		stats[string(p.Status)]++
		stats["total"]++
	}
	if pubs == nil {
		pubs = []*model.Publication{}
	}
	return &CampaignDetails{Campaign: c, Publications: pubs, Stats: stats}, nil
}

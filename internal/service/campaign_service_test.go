package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-orchestrator/internal/errors"
	"github.com/unclebandit/campaign-orchestrator/internal/model"
	"github.com/unclebandit/campaign-orchestrator/internal/queue"
	"github.com/unclebandit/campaign-orchestrator/internal/service"
)

func TestCreateCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.create(tenantA, model.ChannelAds, model.ChannelMessaging, model.ChannelAds)
	assert.Equal(t, model.StatusDraft, c.Status)
	assert.Equal(t, []model.Channel{model.ChannelAds, model.ChannelMessaging}, c.Channels)

	_, err := f.svc.CreateCampaign(ctx, tenantA, service.CreateCampaignInput{Name: "No channels"})
	assert.Equal(t, appErrors.KindPrecondition, appErrors.Kind(err))

	start := f.now.Add(time.Hour)
	end := f.now
	_, err = f.svc.CreateCampaign(ctx, tenantA, service.CreateCampaignInput{
		Name: "Backwards", Channels: []model.Channel{model.ChannelAds}, StartAt: &start, EndAt: &end,
	})
	assert.Equal(t, appErrors.KindPrecondition, appErrors.Kind(err))
}

func TestPublishHappyPathEnqueuesOneJobPerChannel(t *testing.T) {
	f := newFixture(t)
	f.connect(tenantA, model.ChannelAds)
	f.connect(tenantA, model.ChannelMessaging)
	c := f.create(tenantA, model.ChannelAds, model.ChannelMessaging)

	res, err := f.svc.PublishCampaign(context.Background(), tenantA, c.ID)
	require.NoError(t, err)

	assert.Equal(t, model.StatusActive, res.Campaign.Status)
	require.Len(t, res.Jobs, 2)
	assert.Len(t, f.queue.Pending(queue.AdNetworkPublish), 1)
	assert.Len(t, f.queue.Pending(queue.MessagingSend), 1)

	details, err := f.svc.GetCampaign(context.Background(), tenantA, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, details.Stats["pending"])
}

func TestPublishWithoutIntegrationEnqueuesNothing(t *testing.T) {
	tests := []struct {
		name      string
		connected []model.Channel
		channels  []model.Channel
	}{
		{"no integration", nil, []model.Channel{model.ChannelAds}},
		{"one of two missing", []model.Channel{model.ChannelMessaging}, []model.Channel{model.ChannelMessaging, model.ChannelAds}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for _, ch := range tt.connected {
				f.connect(tenantA, ch)
			}
			c := f.create(tenantA, tt.channels...)

			_, err := f.svc.PublishCampaign(context.Background(), tenantA, c.ID)
			assert.Equal(t, appErrors.KindPrecondition, appErrors.Kind(err))
			assert.Empty(t, f.pending())

			got, err := f.campaigns.GetByID(context.Background(), tenantA, c.ID)
			require.NoError(t, err)
			assert.Equal(t, model.StatusDraft, got.Status)
		})
	}
}

func TestPublishUnverifiedIntegrationIsPrecondition(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.integrations.Upsert(context.Background(), &model.Integration{
		TenantID: tenantA, Channel: model.ChannelAds, Connected: true, CipherText: []byte{1},
	}))
	c := f.create(tenantA, model.ChannelAds)

	_, err := f.svc.PublishCampaign(context.Background(), tenantA, c.ID)
	assert.Equal(t, appErrors.KindPrecondition, appErrors.Kind(err))
	assert.Empty(t, f.pending())
}

func TestPublishFutureStartIsScheduled(t *testing.T) {
	f := newFixture(t)
	f.connect(tenantA, model.ChannelAds)
	c := f.create(tenantA, model.ChannelAds)

	start := f.now.Add(24 * time.Hour)
	_, err := f.svc.UpdateCampaign(context.Background(), tenantA, c.ID, service.UpdateCampaignInput{StartAt: &start})
	require.NoError(t, err)

	res, err := f.svc.PublishCampaign(context.Background(), tenantA, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusScheduled, res.Campaign.Status)
	assert.Len(t, res.Jobs, 1)

	// Publishing again once the start has passed activates it.
	f.now = start.Add(time.Minute)
	res, err = f.svc.PublishCampaign(context.Background(), tenantA, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, res.Campaign.Status)
	assert.Empty(t, res.Jobs, "the first job is still queued")
	assert.Len(t, f.queue.Pending(queue.AdNetworkPublish), 1)
}

func TestRepublishOnlyReopensFailedChannels(t *testing.T) {
	f := newFixture(t)
	f.connect(tenantA, model.ChannelAds)
	f.connect(tenantA, model.ChannelMessaging)
	c := f.create(tenantA, model.ChannelAds, model.ChannelMessaging)

	start := f.now.Add(time.Hour)
	_, err := f.svc.UpdateCampaign(context.Background(), tenantA, c.ID, service.UpdateCampaignInput{StartAt: &start})
	require.NoError(t, err)
	_, err = f.svc.PublishCampaign(context.Background(), tenantA, c.ID)
	require.NoError(t, err)

	// The ads publish gave up; messaging is still queued.
	require.NoError(t, f.publications.SetStatus(context.Background(), tenantA, c.ID, model.ChannelAds, model.PublicationFailed, "rejected"))

	res, err := f.svc.PublishCampaign(context.Background(), tenantA, c.ID)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, model.ChannelAds, res.Jobs[0].Channel)
	assert.Len(t, f.queue.Pending(queue.AdNetworkPublish), 2)
	assert.Len(t, f.queue.Pending(queue.MessagingSend), 1)
}

func TestStateMachine(t *testing.T) {
	nonTerminal := []model.Status{model.StatusDraft, model.StatusScheduled, model.StatusActive, model.StatusPaused}
	all := append(append([]model.Status{}, nonTerminal...), model.StatusEnded)

	t.Run("pause only from active", func(t *testing.T) {
		for _, st := range all {
			f := newFixture(t)
			c := f.create(tenantA, model.ChannelAds)
			if st != model.StatusDraft {
				f.setStatus(c, st)
			}
			got, err := f.svc.PauseCampaign(context.Background(), tenantA, c.ID)
			if st == model.StatusActive {
				require.NoError(t, err)
				assert.Equal(t, model.StatusPaused, got.Status)
				continue
			}
			assert.Equal(t, appErrors.KindTransition, appErrors.Kind(err), "pause from %s", st)
		}
	})

	t.Run("publish rejected from ended", func(t *testing.T) {
		f := newFixture(t)
		f.connect(tenantA, model.ChannelAds)
		c := f.create(tenantA, model.ChannelAds)
		f.setStatus(c, model.StatusEnded)

		_, err := f.svc.PublishCampaign(context.Background(), tenantA, c.ID)
		assert.Equal(t, appErrors.KindTransition, appErrors.Kind(err))
		assert.Empty(t, f.pending())
	})

	t.Run("end reachable from every non-terminal state", func(t *testing.T) {
		for _, st := range nonTerminal {
			f := newFixture(t)
			c := f.create(tenantA, model.ChannelAds)
			if st != model.StatusDraft {
				f.setStatus(c, st)
			}
			got, err := f.svc.EndCampaign(context.Background(), tenantA, c.ID)
			require.NoError(t, err, "end from %s", st)
			assert.Equal(t, model.StatusEnded, got.Status)

			_, err = f.svc.EndCampaign(context.Background(), tenantA, c.ID)
			assert.Equal(t, appErrors.KindTransition, appErrors.Kind(err))
		}
	})

	t.Run("resume only from paused", func(t *testing.T) {
		f := newFixture(t)
		c := f.create(tenantA, model.ChannelAds)
		_, err := f.svc.ResumeCampaign(context.Background(), tenantA, c.ID)
		assert.Equal(t, appErrors.KindTransition, appErrors.Kind(err))

		f.setStatus(c, model.StatusPaused)
		got, err := f.svc.ResumeCampaign(context.Background(), tenantA, c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, got.Status)
	})
}

func TestCrossTenantAccessIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.connect(tenantB, model.ChannelAds)
	c := f.create(tenantA, model.ChannelAds)
	ctx := context.Background()

	_, err := f.svc.PublishCampaign(ctx, tenantB, c.ID)
	assert.Equal(t, appErrors.KindNotFound, appErrors.Kind(err))
	_, err = f.svc.PauseCampaign(ctx, tenantB, c.ID)
	assert.Equal(t, appErrors.KindNotFound, appErrors.Kind(err))
	_, err = f.svc.EndCampaign(ctx, tenantB, c.ID)
	assert.Equal(t, appErrors.KindNotFound, appErrors.Kind(err))
	_, err = f.svc.GetCampaign(ctx, tenantB, c.ID)
	assert.Equal(t, appErrors.KindNotFound, appErrors.Kind(err))
	name := "hijack"
	_, err = f.svc.UpdateCampaign(ctx, tenantB, c.ID, service.UpdateCampaignInput{Name: &name})
	assert.Equal(t, appErrors.KindNotFound, appErrors.Kind(err))

	assert.Empty(t, f.pending())
}

func TestUpdateCampaign(t *testing.T) {
	f := newFixture(t)
	c := f.create(tenantA, model.ChannelAds)
	ctx := context.Background()

	name := "Summer sale"
	budget := int64(2500)
	got, err := f.svc.UpdateCampaign(ctx, tenantA, c.ID, service.UpdateCampaignInput{Name: &name, DailyBudget: &budget})
	require.NoError(t, err)
	assert.Equal(t, "Summer sale", got.Name)
	assert.Equal(t, int64(2500), *got.DailyBudget)
	assert.Equal(t, []model.Channel{model.ChannelAds}, got.Channels)

	f.setStatus(c, model.StatusEnded)
	_, err = f.svc.UpdateCampaign(ctx, tenantA, c.ID, service.UpdateCampaignInput{Name: &name})
	assert.Equal(t, appErrors.KindTransition, appErrors.Kind(err))
}

func TestPrepareQueuesContentGenerationWithoutStatusChange(t *testing.T) {
	f := newFixture(t)
	c := f.create(tenantA, model.ChannelAds)

	for i := 0; i < 2; i++ {
		job, err := f.svc.PrepareCampaign(context.Background(), tenantA, c.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.ContentGeneration, job.Queue)
	}
	assert.Len(t, f.queue.Pending(queue.ContentGeneration), 2)

	got, err := f.campaigns.GetByID(context.Background(), tenantA, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, got.Status)
}

func TestReEngageRequiresActiveMessagingCampaign(t *testing.T) {
	f := newFixture(t)
	f.connect(tenantA, model.ChannelMessaging)
	ctx := context.Background()

	adsOnly := f.create(tenantA, model.ChannelAds)
	f.setStatus(adsOnly, model.StatusActive)
	_, err := f.svc.ReEngageCampaign(ctx, tenantA, adsOnly.ID, "")
	assert.Equal(t, appErrors.KindPrecondition, appErrors.Kind(err))

	c := f.create(tenantA, model.ChannelMessaging)
	_, err = f.svc.ReEngageCampaign(ctx, tenantA, c.ID, "")
	assert.Equal(t, appErrors.KindTransition, appErrors.Kind(err))

	f.setStatus(c, model.StatusActive)
	job, err := f.svc.ReEngageCampaign(ctx, tenantA, c.ID, "We miss you {first_name}")
	require.NoError(t, err)
	assert.Equal(t, queue.ReEngagement, job.Queue)

	pending := f.queue.Pending(queue.ReEngagement)
	require.Len(t, pending, 1)
	assert.Equal(t, "We miss you {first_name}", pending[0].Payload.(queue.ReEngagementPayload).Message)
}

func TestListCampaignsPagination(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.create(tenantA, model.ChannelMessaging)
	}
	f.create(tenantB, model.ChannelMessaging)

	page1, pagination, err := f.svc.ListCampaigns(context.Background(), tenantA, 1, 2, "", "")
	require.NoError(t, err)
	page3, _, err := f.svc.ListCampaigns(context.Background(), tenantA, 3, 2, "", "")
	require.NoError(t, err)

	assert.Len(t, page1, 2)
	assert.Len(t, page3, 1)
	assert.Equal(t, 5, pagination["total_count"])
	assert.Equal(t, 3, pagination["total_pages"])

	_, pagination, err = f.svc.ListCampaigns(context.Background(), tenantA, 0, 500, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, pagination["page"])
	assert.Equal(t, 100, pagination["page_size"])
}

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-orchestrator/internal/errors"
	"github.com/unclebandit/campaign-orchestrator/internal/model"
)

func TestMemoryCampaignTenantIsolation(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCampaignRepository()
	c := &model.Campaign{TenantID: "t1", Name: "Spring", Channels: []model.Channel{model.ChannelAds}}
	require.NoError(t, repo.Create(ctx, c))

	got, err := repo.GetByID(ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, got.Status)

	_, err = repo.GetByID(ctx, "t2", c.ID)
	assert.Equal(t, appErrors.KindNotFound, appErrors.Kind(err))
}

func TestMemoryCampaignTransitionGuardsFromStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCampaignRepository()
	c := &model.Campaign{TenantID: "t1", Name: "Spring", Channels: []model.Channel{model.ChannelAds}}
	require.NoError(t, repo.Create(ctx, c))

	require.NoError(t, repo.TransitionStatus(ctx, "t1", c.ID, model.StatusDraft, model.StatusActive))
	assert.ErrorIs(t, repo.TransitionStatus(ctx, "t1", c.ID, model.StatusDraft, model.StatusActive), ErrConcurrentUpdate)
}

func TestMemoryCampaignListPagination(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCampaignRepository()
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Create(ctx, &model.Campaign{TenantID: "t1", Channels: []model.Channel{model.ChannelMessaging}}))
	}
	require.NoError(t, repo.Create(ctx, &model.Campaign{TenantID: "t2", Channels: []model.Channel{model.ChannelMessaging}}))

	page, total, err := repo.ListCampaigns(ctx, "t1", 4, 2, "", "")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 1)

	_, total, err = repo.ListCampaigns(ctx, "t1", 0, 10, string(model.ChannelAds), "")
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestMemoryIntegrationMergeMetadataKeepsCredential(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryIntegrationRepository()
	require.NoError(t, repo.Upsert(ctx, &model.Integration{
		TenantID: "t1", Channel: model.ChannelAds, Connected: true, Verified: true,
		CipherText: []byte{1, 2, 3}, IV: []byte{4}, AuthTag: []byte{5},
		Metadata: map[string]string{model.MetaAdAccountID: "act_1"},
	}))

	require.NoError(t, repo.MergeMetadata(ctx, "t1", model.ChannelAds, map[string]string{model.MetaLastRemoteCampID: "c-9"}))

	got, err := repo.Get(ctx, "t1", model.ChannelAds)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.CipherText)
	assert.Equal(t, "act_1", got.Metadata[model.MetaAdAccountID])
	assert.Equal(t, "c-9", got.Metadata[model.MetaLastRemoteCampID])

	assert.Error(t, repo.MergeMetadata(ctx, "t1", model.ChannelMessaging, nil))
}

func TestMemoryPublicationStepsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPublicationRepository()

	p, err := repo.Get(ctx, "t1", "c1", model.ChannelAds)
	require.NoError(t, err)
	assert.Nil(t, p)

	claimed, err := repo.ClaimAttempt(ctx, "t1", "c1", model.ChannelAds, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, repo.RecordStep(ctx, "t1", "c1", model.ChannelAds, "campaign", "rc-1"))
	require.NoError(t, repo.RecordStep(ctx, "t1", "c1", model.ChannelAds, "campaign", "rc-2"))
	require.NoError(t, repo.SetStatus(ctx, "t1", "c1", model.ChannelAds, model.PublicationPublished, ""))
	claimed, err = repo.ClaimAttempt(ctx, "t1", "c1", model.ChannelAds, time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	p, err = repo.Get(ctx, "t1", "c1", model.ChannelAds)
	require.NoError(t, err)
	assert.Equal(t, "rc-1", p.Steps["campaign"])
	assert.Equal(t, model.PublicationPublished, p.Status)
	assert.Equal(t, 1, p.Attempts)
}

func TestMemoryPublicationClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPublicationRepository()

	created, err := repo.EnsurePending(ctx, "t1", "c1", model.ChannelAds)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = repo.EnsurePending(ctx, "t1", "c1", model.ChannelAds)
	require.NoError(t, err)
	assert.False(t, created, "pending publication already has a job")

	claimed, err := repo.ClaimAttempt(ctx, "t1", "c1", model.ChannelAds, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = repo.ClaimAttempt(ctx, "t1", "c1", model.ChannelAds, time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed, "second claim inside the lease")

	// An expired lease can be taken over.
	claimed, err = repo.ClaimAttempt(ctx, "t1", "c1", model.ChannelAds, 0)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Releasing back to pending lets the next attempt in.
	require.NoError(t, repo.SetStatus(ctx, "t1", "c1", model.ChannelAds, model.PublicationPending, "timeout"))
	claimed, err = repo.ClaimAttempt(ctx, "t1", "c1", model.ChannelAds, time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestMemoryPublicationPublishedIsFinal(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPublicationRepository()

	require.NoError(t, repo.SetStatus(ctx, "t1", "c1", model.ChannelAds, model.PublicationPublished, ""))
	require.NoError(t, repo.SetStatus(ctx, "t1", "c1", model.ChannelAds, model.PublicationFailed, "late duplicate"))

	p, err := repo.Get(ctx, "t1", "c1", model.ChannelAds)
	require.NoError(t, err)
	assert.Equal(t, model.PublicationPublished, p.Status)
	assert.Empty(t, p.LastError)

	created, err := repo.EnsurePending(ctx, "t1", "c1", model.ChannelAds)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestMemoryPublicationFailedIsReopened(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPublicationRepository()

	require.NoError(t, repo.SetStatus(ctx, "t1", "c1", model.ChannelAds, model.PublicationFailed, "rejected"))
	created, err := repo.EnsurePending(ctx, "t1", "c1", model.ChannelAds)
	require.NoError(t, err)
	assert.True(t, created)

	p, err := repo.Get(ctx, "t1", "c1", model.ChannelAds)
	require.NoError(t, err)
	assert.Equal(t, model.PublicationPending, p.Status)
}

package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/campaign-orchestrator/internal/errors"
	"github.com/unclebandit/campaign-orchestrator/internal/model"
)

// In-memory implementations for tests and single-process development. They
// hand out copies so callers cannot mutate stored state.

type MemoryCampaignRepository struct {
	mu        sync.RWMutex
	campaigns map[string]*model.Campaign
	variants  map[string][]model.ContentVariant
}

func NewMemoryCampaignRepository() *MemoryCampaignRepository {
	return &MemoryCampaignRepository{
		campaigns: make(map[string]*model.Campaign),
		variants:  make(map[string][]model.ContentVariant),
	}
}

func (r *MemoryCampaignRepository) Create(_ context.Context, c *model.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	c.CreatedAt = time.Now().UTC()
	r.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (r *MemoryCampaignRepository) GetByID(_ context.Context, tenantID, id string) (*model.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.campaigns[id]
	if !ok || c.TenantID != tenantID {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return cloneCampaign(c), nil
}

func (r *MemoryCampaignRepository) Update(_ context.Context, c *model.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.campaigns[c.ID]
	if !ok || stored.TenantID != c.TenantID {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	now := time.Now().UTC()
	stored.Name = c.Name
	stored.Content = append([]byte(nil), c.Content...)
	stored.Targeting = append([]byte(nil), c.Targeting...)
	stored.DailyBudget = c.DailyBudget
	stored.StartAt = c.StartAt
	stored.EndAt = c.EndAt
	stored.UpdatedAt = &now
	return nil
}

func (r *MemoryCampaignRepository) TransitionStatus(_ context.Context, tenantID, id string, from, to model.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.campaigns[id]
	if !ok || stored.TenantID != tenantID || stored.Status != from {
		return ErrConcurrentUpdate
	}
	now := time.Now().UTC()
	stored.Status = to
	stored.UpdatedAt = &now
	return nil
}

func (r *MemoryCampaignRepository) ListCampaigns(_ context.Context, tenantID string, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var filtered []*model.Campaign
	for _, c := range r.campaigns {
		if c.TenantID != tenantID {
			continue
		}
		if channel != "" && !c.HasChannel(model.Channel(channel)) {
			continue
		}
		if status != "" && string(c.Status) != status {
			continue
		}
		filtered = append(filtered, c)
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].ID > filtered[j].ID
		}
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*model.Campaign, 0, end-offset)
	for _, c := range filtered[offset:end] {
		out = append(out, cloneCampaign(c))
	}
	return out, total, nil
}

func (r *MemoryCampaignRepository) AddContentVariant(_ context.Context, v *model.ContentVariant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.CreatedAt = time.Now().UTC()
	r.variants[v.CampaignID] = append(r.variants[v.CampaignID], *v)
	return nil
}

// Variants returns the content variants stored for a campaign.
func (r *MemoryCampaignRepository) Variants(campaignID string) []model.ContentVariant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.ContentVariant(nil), r.variants[campaignID]...)
}

func cloneCampaign(c *model.Campaign) *model.Campaign {
	cp := *c
	cp.Channels = append([]model.Channel(nil), c.Channels...)
	cp.Content = append([]byte(nil), c.Content...)
	cp.Targeting = append([]byte(nil), c.Targeting...)
	return &cp
}

type integrationKey struct {
	tenantID string
	channel  model.Channel
}

type MemoryIntegrationRepository struct {
	mu           sync.RWMutex
	integrations map[integrationKey]*model.Integration
}

func NewMemoryIntegrationRepository() *MemoryIntegrationRepository {
	return &MemoryIntegrationRepository{integrations: make(map[integrationKey]*model.Integration)}
}

func (r *MemoryIntegrationRepository) Get(_ context.Context, tenantID string, channel model.Channel) (*model.Integration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.integrations[integrationKey{tenantID, channel}]
	if !ok {
		return nil, appErrors.NewNotFound("integration", tenantID+"/"+string(channel))
	}
	return cloneIntegration(i), nil
}

func (r *MemoryIntegrationRepository) Upsert(_ context.Context, i *model.Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	i.UpdatedAt = now
	r.integrations[integrationKey{i.TenantID, i.Channel}] = cloneIntegration(i)
	return nil
}

func (r *MemoryIntegrationRepository) MergeMetadata(_ context.Context, tenantID string, channel model.Channel, md map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.integrations[integrationKey{tenantID, channel}]
	if !ok {
		return appErrors.NewNotFound("integration", tenantID+"/"+string(channel))
	}
	if i.Metadata == nil {
		i.Metadata = make(map[string]string, len(md))
	}
	for k, v := range md {
		i.Metadata[k] = v
	}
	i.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneIntegration(i *model.Integration) *model.Integration {
	cp := *i
	cp.CipherText = append([]byte(nil), i.CipherText...)
	cp.IV = append([]byte(nil), i.IV...)
	cp.AuthTag = append([]byte(nil), i.AuthTag...)
	if i.Metadata != nil {
		cp.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

type publicationKey struct {
	tenantID   string
	campaignID string
	channel    model.Channel
}

type MemoryPublicationRepository struct {
	mu           sync.RWMutex
	publications map[publicationKey]*model.Publication
}

func NewMemoryPublicationRepository() *MemoryPublicationRepository {
	return &MemoryPublicationRepository{publications: make(map[publicationKey]*model.Publication)}
}

func (r *MemoryPublicationRepository) row(tenantID, campaignID string, channel model.Channel) *model.Publication {
	k := publicationKey{tenantID, campaignID, channel}
	p, ok := r.publications[k]
	if !ok {
		now := time.Now().UTC()
		p = &model.Publication{
			TenantID:   tenantID,
			CampaignID: campaignID,
			Channel:    channel,
			Status:     model.PublicationPending,
			Steps:      map[string]string{},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		r.publications[k] = p
	}
	return p
}

func (r *MemoryPublicationRepository) Get(_ context.Context, tenantID, campaignID string, channel model.Channel) (*model.Publication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.publications[publicationKey{tenantID, campaignID, channel}]
	if !ok {
		return nil, nil
	}
	return clonePublication(p), nil
}

func (r *MemoryPublicationRepository) EnsurePending(_ context.Context, tenantID, campaignID string, channel model.Channel) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.publications[publicationKey{tenantID, campaignID, channel}]; ok {
		if p.Status != model.PublicationFailed {
			return false, nil
		}
		p.Status = model.PublicationPending
		p.LastError = ""
		p.UpdatedAt = time.Now().UTC()
		return true, nil
	}
	r.row(tenantID, campaignID, channel)
	return true, nil
}

func (r *MemoryPublicationRepository) ClaimAttempt(_ context.Context, tenantID, campaignID string, channel model.Channel, lease time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.row(tenantID, campaignID, channel)
	now := time.Now().UTC()
	switch {
	case p.Status == model.PublicationPublished:
		return false, nil
	case p.Status == model.PublicationInProgress && now.Sub(p.UpdatedAt) < lease:
		return false, nil
	}
	p.Status = model.PublicationInProgress
	p.Attempts++
	p.UpdatedAt = now
	return true, nil
}

func (r *MemoryPublicationRepository) RecordStep(_ context.Context, tenantID, campaignID string, channel model.Channel, step, remoteID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.row(tenantID, campaignID, channel)
	if _, exists := p.Steps[step]; !exists {
		p.Steps[step] = remoteID
	}
	return nil
}

func (r *MemoryPublicationRepository) SetStatus(_ context.Context, tenantID, campaignID string, channel model.Channel, status model.PublicationStatus, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.row(tenantID, campaignID, channel)
	if p.Status == model.PublicationPublished {
		return nil
	}
	p.Status = status
	p.LastError = lastError
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryPublicationRepository) ListByCampaign(_ context.Context, tenantID, campaignID string) ([]*model.Publication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Publication
	for k, p := range r.publications {
		if k.tenantID == tenantID && k.campaignID == campaignID {
			out = append(out, clonePublication(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func clonePublication(p *model.Publication) *model.Publication {
	cp := *p
	cp.Steps = make(map[string]string, len(p.Steps))
	for k, v := range p.Steps {
		cp.Steps[k] = v
	}
	return &cp
}

type MemoryContactRepository struct {
	mu       sync.RWMutex
	contacts []model.Contact
}

func NewMemoryContactRepository(contacts ...model.Contact) *MemoryContactRepository {
	return &MemoryContactRepository{contacts: contacts}
}

func (r *MemoryContactRepository) Create(_ context.Context, c *model.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	r.contacts = append(r.contacts, *c)
	return nil
}

func (r *MemoryContactRepository) ListByTenant(_ context.Context, tenantID string) ([]model.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []model.Contact{}
	for _, c := range r.contacts {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

var (
	_ CampaignRepositoryInterface    = (*MemoryCampaignRepository)(nil)
	_ IntegrationRepositoryInterface = (*MemoryIntegrationRepository)(nil)
	_ PublicationRepositoryInterface = (*MemoryPublicationRepository)(nil)
	_ ContactRepositoryInterface     = (*MemoryContactRepository)(nil)
)

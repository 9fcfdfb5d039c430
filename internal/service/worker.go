package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/campaign-orchestrator/internal/content"
	appErrors "github.com/unclebandit/campaign-orchestrator/internal/errors"
	"github.com/unclebandit/campaign-orchestrator/internal/model"
	"github.com/unclebandit/campaign-orchestrator/internal/publisher"
	"github.com/unclebandit/campaign-orchestrator/internal/queue"
	"github.com/unclebandit/campaign-orchestrator/internal/repository"
	"github.com/unclebandit/campaign-orchestrator/internal/resilience"
	"github.com/unclebandit/campaign-orchestrator/internal/vault"
)

// Decrypter opens sealed integration credentials.
type Decrypter interface {
	Decrypt(s vault.Sealed) ([]byte, error)
}

// ChannelPublisher bundles an adapter with the breaker and retrier shared by
// every call to its network.
type ChannelPublisher struct {
	Adapter publisher.Adapter
	Breaker *resilience.Breaker
	Retrier *resilience.Retrier
}

// Worker handles jobs from every queue. Its handlers are the only code that
// calls an adapter, and they are safe to run more than once per job.
type Worker struct {
	Campaigns    repository.CampaignRepositoryInterface
	Integrations repository.IntegrationRepositoryInterface
	Publications repository.PublicationRepositoryInterface
	Contacts     repository.ContactRepositoryInterface
	Vault        Decrypter
	Publishers   map[model.Channel]ChannelPublisher
	Content      content.Generator
	// ContentRetrier wraps content generation calls; nil calls once.
	ContentRetrier *resilience.Retrier
	// ClaimLease is how long an in-progress attempt keeps other deliveries
	// of the same publication out; zero uses DefaultClaimLease. It must
	// outlast a full adapter run including retries.
	ClaimLease time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

// DefaultClaimLease covers four ad-network steps with their retries.
const DefaultClaimLease = 10 * time.Minute

const busyRetryDelay = 30 * time.Second

// ErrPublicationBusy is returned when another attempt holds the publication.
var ErrPublicationBusy = errors.New("publication attempt already in progress")

func (w *Worker) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Handle dispatches on the payload type. Every payload of the union has a
// case; anything else is a programming error and is not redelivered.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	switch p := job.Payload.(type) {
	case queue.AdPublishPayload:
		return w.publish(ctx, job, model.ChannelAds, p.TenantID, p.CampaignID)
	case queue.MessagingSendPayload:
		return w.publish(ctx, job, model.ChannelMessaging, p.TenantID, p.CampaignID)
	case queue.ContentGenerationPayload:
		return w.generateContent(ctx, p)
	case queue.ReEngagementPayload:
		return w.reEngage(ctx, job, p)
	default:
		return queue.Permanent(fmt.Errorf("no handler for payload %T", job.Payload))
	}
}

func (w *Worker) publish(ctx context.Context, job queue.Job, channel model.Channel, tenantID, campaignID string) error {
	log := w.logger().With(
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.String("tenant_id", tenantID),
		zap.String("campaign_id", campaignID),
		zap.String("channel", string(channel)),
	)

	pub, err := w.Publications.Get(ctx, tenantID, campaignID, channel)
	if err != nil {
		return err
	}
	if pub.Done() {
		log.Info("already published, nothing to do")
		return nil
	}

	// Paused or ended campaigns still get their in-flight publish written:
	// the external effect belongs to a publish that was already accepted.
	c, err := w.Campaigns.GetByID(ctx, tenantID, campaignID)
	if err != nil {
		return w.permanentIfKnown(err)
	}
	cp, ok := w.Publishers[channel]
	if !ok {
		return queue.Permanent(fmt.Errorf("no publisher configured for channel %s", channel))
	}

	claimed, err := w.Publications.ClaimAttempt(ctx, tenantID, campaignID, channel, w.claimLease())
	if err != nil {
		return err
	}
	if !claimed {
		return w.notClaimed(ctx, log, tenantID, campaignID, channel)
	}
	// Steps are read under the claim so they include everything a previous
	// holder recorded.
	if pub, err = w.Publications.Get(ctx, tenantID, campaignID, channel); err != nil {
		return err
	}
	var completed map[string]string
	if pub != nil {
		completed = pub.Steps
	}

	cred, integ, err := w.credential(ctx, tenantID, channel)
	if err != nil {
		return w.failPublication(ctx, log, job, tenantID, campaignID, channel, err)
	}
	req := requestFor(c, integ)
	if channel == model.ChannelMessaging {
		if req.Audience, err = w.audience(ctx, tenantID, c.Content, ""); err != nil {
			return w.failPublication(ctx, log, job, tenantID, campaignID, channel, err)
		}
	}

	var res publisher.Result
	err = guard(ctx, cp.Breaker, func(ctx context.Context) error {
		var perr error
		res, perr = cp.Adapter.Publish(ctx, req, cred, completed, w.stepRunner(cp.Retrier, tenantID, campaignID, channel, log))
		return perr
	})
	if err != nil {
		return w.failPublication(ctx, log, job, tenantID, campaignID, channel, err)
	}

	if err := w.Publications.SetStatus(ctx, tenantID, campaignID, channel, model.PublicationPublished, ""); err != nil {
		return err
	}
	remoteCampaign := res.RemoteID
	if id, ok := res.Steps[publisher.StepCampaign]; ok {
		remoteCampaign = id
	}
	if err := w.Integrations.MergeMetadata(ctx, tenantID, channel, map[string]string{
		model.MetaLastRemoteCampID: remoteCampaign,
		model.MetaLastPublishedAt:  w.now().UTC().Format(time.RFC3339),
	}); err != nil {
		log.Warn("updating integration metadata failed", zap.Error(err))
	}
	log.Info("publication completed", zap.String("remote_id", res.RemoteID))
	return nil
}

// notClaimed handles a lost claim: a no-op when the other holder already
// published, otherwise the job is deferred, without spending an attempt,
// until the holder finishes or its lease runs out.
func (w *Worker) notClaimed(ctx context.Context, log *zap.Logger, tenantID, campaignID string, channel model.Channel) error {
	pub, err := w.Publications.Get(ctx, tenantID, campaignID, channel)
	if err != nil {
		return err
	}
	if pub.Done() {
		log.Info("published by a concurrent attempt, nothing to do")
		return nil
	}
	log.Info("publication claimed by another attempt, backing off")
	return queue.Defer(ErrPublicationBusy, busyRetryDelay)
}

func (w *Worker) claimLease() time.Duration {
	if w.ClaimLease > 0 {
		return w.ClaimLease
	}
	return DefaultClaimLease
}

// stepRunner retries each adapter step and records its remote id as soon as
// it exists, so a replay resumes after the last created object.
func (w *Worker) stepRunner(r *resilience.Retrier, tenantID, campaignID string, channel model.Channel, log *zap.Logger) publisher.StepRunner {
	return func(ctx context.Context, step string, call func(ctx context.Context) (string, error)) (string, error) {
		var id string
		op := func(ctx context.Context) error {
			var err error
			id, err = call(ctx)
			return err
		}
		if err := retry(ctx, r, op); err != nil {
			return "", err
		}
		if rerr := w.Publications.RecordStep(ctx, tenantID, campaignID, channel, step, id); rerr != nil {
			// The id still travels in the adapter's StepError or Result and
			// is recorded again by failPublication.
			log.Error("recording step failed", zap.String("step", step), zap.Error(rerr))
		}
		log.Info("step completed", zap.String("step", step), zap.String("remote_id", id))
		return id, nil
	}
}

func (w *Worker) failPublication(ctx context.Context, log *zap.Logger, job queue.Job, tenantID, campaignID string, channel model.Channel, err error) error {
	var stepErr *publisher.StepError
	if errors.As(err, &stepErr) {
		for step, id := range stepErr.Completed {
			if rerr := w.Publications.RecordStep(ctx, tenantID, campaignID, channel, step, id); rerr != nil {
				log.Error("recording partial step failed", zap.String("step", step), zap.Error(rerr))
			}
		}
		log = log.With(zap.String("failed_step", stepErr.Step), zap.Any("completed_steps", stepErr.Completed))
	}

	switch {
	case publisher.IsAuthFailure(err):
		err = appErrors.NewCredential(string(channel), err)
	case errors.Is(err, publisher.ErrInvalidRequest):
		err = appErrors.NewPrecondition("%v", err)
	}
	permanent := appErrors.IsPermanent(err)

	if permanent || job.FinalAttempt() {
		log.Error("publication failed", zap.Bool("permanent", permanent), zap.Error(err))
		if serr := w.Publications.SetStatus(ctx, tenantID, campaignID, channel, model.PublicationFailed, err.Error()); serr != nil {
			log.Error("marking publication failed", zap.Error(serr))
		}
		if permanent {
			return queue.Permanent(err)
		}
		return err
	}

	log.Warn("publication attempt failed, will retry", zap.Error(err))
	// Back to pending releases the claim for the redelivery.
	if serr := w.Publications.SetStatus(ctx, tenantID, campaignID, channel, model.PublicationPending, err.Error()); serr != nil {
		log.Error("recording attempt error", zap.Error(serr))
	}
	return err
}

// credential loads and decrypts the tenant's channel credential. The
// plaintext only lives in the returned value.
func (w *Worker) credential(ctx context.Context, tenantID string, channel model.Channel) (publisher.Credential, *model.Integration, error) {
	integ, err := w.Integrations.Get(ctx, tenantID, channel)
	if err != nil {
		if appErrors.Kind(err) == appErrors.KindNotFound {
			return publisher.Credential{}, nil, appErrors.NewCredential(string(channel), err)
		}
		return publisher.Credential{}, nil, err
	}
	if !integ.Usable() {
		return publisher.Credential{}, nil, appErrors.NewCredential(string(channel), errors.New("integration is not connected and verified"))
	}
	plain, err := w.Vault.Decrypt(vault.Sealed{CipherText: integ.CipherText, IV: integ.IV, AuthTag: integ.AuthTag})
	if err != nil {
		return publisher.Credential{}, nil, appErrors.NewCredential(string(channel), err)
	}
	return publisher.Credential{AccessToken: string(plain)}, integ, nil
}

func requestFor(c *model.Campaign, integ *model.Integration) publisher.Request {
	return publisher.Request{
		TenantID:    c.TenantID,
		CampaignID:  c.ID,
		Name:        c.Name,
		Content:     c.Content,
		Targeting:   c.Targeting,
		DailyBudget: c.DailyBudget,
		StartAt:     c.StartAt,
		EndAt:       c.EndAt,
		Metadata:    integ.Metadata,
	}
}

// audience personalizes the message body for each of the tenant's contacts.
func (w *Worker) audience(ctx context.Context, tenantID string, raw json.RawMessage, override string) ([]publisher.Recipient, error) {
	body := override
	if body == "" {
		creative, err := publisher.DecodeCreative(raw)
		if err != nil {
			return nil, appErrors.NewPrecondition("%v", err)
		}
		body = creative.Body
	}
	contacts, err := w.Contacts.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return PersonalizeAudience(body, contacts), nil
}

func (w *Worker) generateContent(ctx context.Context, p queue.ContentGenerationPayload) error {
	log := w.logger().With(zap.String("tenant_id", p.TenantID), zap.String("campaign_id", p.CampaignID))

	c, err := w.Campaigns.GetByID(ctx, p.TenantID, p.CampaignID)
	if err != nil {
		return w.permanentIfKnown(err)
	}
	if c.Status.Terminal() {
		log.Info("campaign ended, skipping content generation")
		return nil
	}

	brief := content.Brief{TenantID: c.TenantID, CampaignID: c.ID, Name: c.Name, Content: c.Content, Targeting: c.Targeting}
	var s content.Suggestion
	op := func(ctx context.Context) error {
		var err error
		s, err = w.Content.Generate(ctx, brief)
		return err
	}
	if err := retry(ctx, w.ContentRetrier, op); err != nil {
		log.Warn("content generation failed", zap.Error(err))
		return err
	}

	v := &model.ContentVariant{TenantID: c.TenantID, CampaignID: c.ID, Text: s.Text, ImageRefs: s.ImageRefs}
	if err := w.Campaigns.AddContentVariant(ctx, v); err != nil {
		return err
	}
	log.Info("content variant stored", zap.String("variant_id", v.ID))
	return nil
}

// reEngage sends a follow-up message. It only acts while the campaign is
// active so pause and end stop further sends.
func (w *Worker) reEngage(ctx context.Context, job queue.Job, p queue.ReEngagementPayload) error {
	log := w.logger().With(
		zap.String("job_id", job.ID),
		zap.String("tenant_id", p.TenantID),
		zap.String("campaign_id", p.CampaignID),
	)

	c, err := w.Campaigns.GetByID(ctx, p.TenantID, p.CampaignID)
	if err != nil {
		return w.permanentIfKnown(err)
	}
	if c.Status != model.StatusActive {
		log.Info("campaign not active, skipping re-engagement", zap.String("status", string(c.Status)))
		return nil
	}
	cp, ok := w.Publishers[model.ChannelMessaging]
	if !ok {
		return queue.Permanent(fmt.Errorf("no publisher configured for channel %s", model.ChannelMessaging))
	}
	cred, integ, err := w.credential(ctx, p.TenantID, model.ChannelMessaging)
	if err != nil {
		return w.permanentIfKnown(err)
	}

	req := requestFor(c, integ)
	if p.Message != "" {
		req.Content, err = withBody(c.Content, p.Message)
		if err != nil {
			return queue.Permanent(err)
		}
	}
	if req.Audience, err = w.audience(ctx, p.TenantID, c.Content, p.Message); err != nil {
		return w.permanentIfKnown(err)
	}
	// One delivery reference per job, stable across redeliveries.
	req.Reference = "reengage:" + job.ID

	run := func(ctx context.Context, step string, call func(ctx context.Context) (string, error)) (string, error) {
		var id string
		err := retry(ctx, cp.Retrier, func(ctx context.Context) error {
			var err error
			id, err = call(ctx)
			return err
		})
		return id, err
	}
	var res publisher.Result
	err = guard(ctx, cp.Breaker, func(ctx context.Context) error {
		var perr error
		res, perr = cp.Adapter.Publish(ctx, req, cred, nil, run)
		return perr
	})
	if err != nil {
		if publisher.IsAuthFailure(err) {
			return queue.Permanent(appErrors.NewCredential(string(model.ChannelMessaging), err))
		}
		if errors.Is(err, publisher.ErrInvalidRequest) {
			return queue.Permanent(err)
		}
		log.Warn("re-engagement send failed", zap.Error(err))
		return err
	}
	log.Info("re-engagement sent", zap.String("remote_id", res.RemoteID), zap.Int("recipients", len(req.Audience)))
	return nil
}

func withBody(raw json.RawMessage, body string) (json.RawMessage, error) {
	fields := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decode content: %w", err)
		}
	}
	fields["body"] = body
	return json.Marshal(fields)
}

func retry(ctx context.Context, r *resilience.Retrier, op func(ctx context.Context) error) error {
	if r == nil {
		return op(ctx)
	}
	return r.Do(ctx, op)
}

func guard(ctx context.Context, b *resilience.Breaker, op func(ctx context.Context) error) error {
	if b == nil {
		return op(ctx)
	}
	return b.Execute(ctx, op)
}

func (w *Worker) permanentIfKnown(err error) error {
	if appErrors.IsPermanent(err) {
		return queue.Permanent(err)
	}
	return err
}

// DependencyFailure decides which adapter errors count against a breaker.
// Rejected credentials and unusable requests are the tenant's problem, not
// the network's.
func DependencyFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, publisher.ErrInvalidRequest) {
		return false
	}
	return !publisher.IsAuthFailure(err)
}

// Pool runs one consumer per queue until ctx is cancelled.
type Pool struct {
	Queue       queue.Queue
	Handler     queue.Handler
	Queues      []queue.Name
	Concurrency int
	Logger      *zap.Logger
}

func (p *Pool) Run(ctx context.Context) error {
	names := p.Queues
	if len(names) == 0 {
		names = queue.Names()
	}
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			log.Info("consumer started", zap.String("queue", string(name)), zap.Int("concurrency", p.Concurrency))
			if err := p.Queue.Consume(ctx, name, p.Concurrency, p.Handler); err != nil {
				return fmt.Errorf("consume %s: %w", name, err)
			}
			log.Info("consumer stopped", zap.String("queue", string(name)))
			return nil
		})
	}
	return g.Wait()
}

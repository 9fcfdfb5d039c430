// Package app assembles the components shared by the server and worker
// binaries from configuration.
package app

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-orchestrator/internal/config"
	"github.com/unclebandit/campaign-orchestrator/internal/content"
	"github.com/unclebandit/campaign-orchestrator/internal/model"
	"github.com/unclebandit/campaign-orchestrator/internal/publisher"
	"github.com/unclebandit/campaign-orchestrator/internal/queue"
	"github.com/unclebandit/campaign-orchestrator/internal/repository"
	"github.com/unclebandit/campaign-orchestrator/internal/resilience"
	"github.com/unclebandit/campaign-orchestrator/internal/service"
	"github.com/unclebandit/campaign-orchestrator/internal/vault"
)

type Repositories struct {
	Campaigns    repository.CampaignRepositoryInterface
	Integrations repository.IntegrationRepositoryInterface
	Publications repository.PublicationRepositoryInterface
	Contacts     repository.ContactRepositoryInterface
}

func PostgresRepositories(db *sql.DB) Repositories {
	return Repositories{
		Campaigns:    &repository.CampaignRepository{DB: db},
		Integrations: &repository.IntegrationRepository{DB: db},
		Publications: &repository.PublicationRepository{DB: db},
		Contacts:     &repository.ContactRepository{DB: db},
	}
}

// OpenQueue connects to the configured queue backend.
func OpenQueue(cfg config.Config, logger *zap.Logger) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case "memory":
		return queue.NewMemoryQueue(cfg.Job.FailedRetained, logger), nil
	case "amqp":
		return queue.DialAMQP(cfg.AMQPURL, cfg.Job.FailedRetained, logger)
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.QueueBackend)
	}
}

func JobPolicy(cfg config.Config) queue.Policy {
	p := queue.DefaultPolicy()
	if cfg.Job.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Job.MaxAttempts
	}
	if cfg.Job.InitialBackoff > 0 {
		p.InitialBackoff = cfg.Job.InitialBackoff
	}
	return p
}

func NewCampaignService(cfg config.Config, repos Repositories, q queue.Enqueuer, logger *zap.Logger) *service.CampaignService {
	return &service.CampaignService{
		CampaignRepo:    repos.Campaigns,
		IntegrationRepo: repos.Integrations,
		PublicationRepo: repos.Publications,
		Queue:           q,
		JobPolicy:       JobPolicy(cfg),
		Logger:          logger,
	}
}

func retryPolicy(cfg config.Config, retryable func(error) bool) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxRetries:   cfg.Retry.MaxRetries,
		InitialDelay: cfg.Retry.InitialDelay,
		Multiplier:   cfg.Retry.Multiplier,
		MaxDelay:     cfg.Retry.MaxDelay,
		Jitter:       cfg.Retry.Jitter,
		Retryable:    retryable,
	}
}

// NewWorker builds the job handler with one breaker and one retrier per
// external network, shared by every tenant.
func NewWorker(cfg config.Config, repos Repositories, logger *zap.Logger) (*service.Worker, error) {
	key, err := cfg.VaultKeyBytes()
	if err != nil {
		return nil, err
	}
	v, err := vault.New(key)
	if err != nil {
		return nil, err
	}

	breaker := func(name string) *resilience.Breaker {
		return resilience.NewBreaker(name, resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
			IsFailure:        service.DependencyFailure,
		}, logger)
	}
	retrier := resilience.NewRetrier(retryPolicy(cfg, publisher.IsTransient), logger)

	return &service.Worker{
		Campaigns:    repos.Campaigns,
		Integrations: repos.Integrations,
		Publications: repos.Publications,
		Contacts:     repos.Contacts,
		Vault:        v,
		ClaimLease:   cfg.Job.ClaimLease,
		Publishers: map[model.Channel]service.ChannelPublisher{
			model.ChannelAds: {
				Adapter: publisher.NewAdNetwork(publisher.AdNetworkConfig{
					BaseURL:    cfg.AdNetwork.BaseURL,
					Timeout:    cfg.AdNetwork.Timeout,
					RatePerSec: cfg.AdNetwork.RatePerSec,
					RateBurst:  cfg.AdNetwork.RateBurst,
				}, logger),
				Breaker: breaker("adnetwork"),
				Retrier: retrier,
			},
			model.ChannelMessaging: {
				Adapter: publisher.NewMessaging(publisher.MessagingConfig{
					BaseURL: cfg.Messaging.BaseURL,
					Timeout: cfg.Messaging.Timeout,
				}, logger),
				Breaker: breaker("messaging"),
				Retrier: retrier,
			},
		},
		Content: content.NewClient(content.Config{
			BaseURL: cfg.Content.BaseURL,
			Timeout: cfg.Content.Timeout,
		}, logger),
		ContentRetrier: resilience.NewRetrier(retryPolicy(cfg, content.Retryable), logger),
		Logger:         logger,
	}, nil
}

func NewPool(cfg config.Config, q queue.Queue, w *service.Worker, logger *zap.Logger) *service.Pool {
	return &service.Pool{
		Queue:       q,
		Handler:     w.Handle,
		Concurrency: cfg.Worker.Concurrency,
		Logger:      logger,
	}
}

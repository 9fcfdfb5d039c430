//cmd/seeder/main.go
package main

import (
	"context"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-orchestrator/internal/config"
	"github.com/unclebandit/campaign-orchestrator/internal/db"
	"github.com/unclebandit/campaign-orchestrator/internal/logging"
	"github.com/unclebandit/campaign-orchestrator/internal/model"
	"github.com/unclebandit/campaign-orchestrator/internal/repository"
	"github.com/unclebandit/campaign-orchestrator/internal/vault"
)

const demoTenant = "demo"

var contacts = []model.Contact{
	{TenantID: demoTenant, Phone: "+254700000001", FirstName: "Alice", LastName: "Smith", Location: "Nairobi", PreferredProduct: "Shoes"},
	{TenantID: demoTenant, Phone: "+254700000002", FirstName: "Brian", LastName: "Otieno", Location: "Kisumu", PreferredProduct: "Bags"},
	{TenantID: demoTenant, Phone: "+254700000003", FirstName: "Carol", Location: "Mombasa"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := seed(context.Background(), cfg, logger); err != nil {
		logger.Error("seeding failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("database seeding completed successfully")
}

func seed(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	key, err := cfg.VaultKeyBytes()
	if err != nil {
		return err
	}
	v, err := vault.New(key)
	if err != nil {
		return err
	}

	conn, err := db.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		return err
	}

	contactRepo := &repository.ContactRepository{DB: conn}
	for i := range contacts {
		if err := contactRepo.Create(ctx, &contacts[i]); err != nil {
			return err
		}
	}
	logger.Info("seeded contacts", zap.Int("count", len(contacts)))

	// Tokens come from the environment so they never land in the repo.
	integrationRepo := &repository.IntegrationRepository{DB: conn}
	tokens := map[model.Channel]string{
		model.ChannelAds:       os.Getenv("SEED_ADS_TOKEN"),
		model.ChannelMessaging: os.Getenv("SEED_MESSAGING_TOKEN"),
	}
	for ch, token := range tokens {
		if token == "" {
			logger.Info("no token provided, skipping integration", zap.String("channel", string(ch)))
			continue
		}
		sealed, err := v.EncryptString(token)
		if err != nil {
			return err
		}
		if err := integrationRepo.Upsert(ctx, &model.Integration{
			TenantID:   demoTenant,
			Channel:    ch,
			Connected:  true,
			Verified:   true,
			CipherText: sealed.CipherText,
			IV:         sealed.IV,
			AuthTag:    sealed.AuthTag,
			Metadata: map[string]string{
				model.MetaAdAccountID: os.Getenv("SEED_AD_ACCOUNT_ID"),
				model.MetaPageID:      os.Getenv("SEED_PAGE_ID"),
				model.MetaSenderID:    "DEMO",
			},
		}); err != nil {
			return err
		}
		logger.Info("seeded integration", zap.String("channel", string(ch)))
	}
	return nil
}

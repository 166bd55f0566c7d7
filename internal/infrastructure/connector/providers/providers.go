// Package providers assembles the configured institution connectors.
package providers

import (
	"log"

	"finsync/internal/infrastructure/connector"
	"finsync/internal/infrastructure/connector/plaid"
	"finsync/internal/infrastructure/connector/teller"
	"finsync/internal/shared/config"
)

// New builds a retrying connector and a webhook verifier for every
// configured provider.
func New(cfg *config.Config) (connector.Registry, []connector.WebhookHandler, error) {
	policy := connector.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.Retry.MaxAttempts
	policy.BaseDelay = cfg.Retry.BaseDelay
	policy.MaxDelay = cfg.Retry.MaxDelay

	var (
		connectors []connector.Connector
		handlers   []connector.WebhookHandler
	)

	if cfg.Teller.Enabled {
		client, err := teller.NewClient(teller.Config{
			BaseURL:         cfg.Teller.BaseURL,
			Environment:     cfg.Teller.Environment,
			CertFile:        cfg.Teller.CertFile,
			KeyFile:         cfg.Teller.KeyFile,
			TokenSigningKey: cfg.Teller.TokenSigningKey,
		})
		if err != nil {
			return nil, nil, err
		}
		connectors = append(connectors, connector.WithRetry(client, policy))
		if len(cfg.Webhook.TellerSecrets) > 0 {
			handlers = append(handlers, teller.NewWebhookHandler(cfg.Webhook.TellerSecrets, cfg.Webhook.TellerTolerance))
		} else {
			log.Println("Warning: TELLER_WEBHOOK_SECRETS not set, Teller webhooks will be rejected")
		}
		log.Printf("Teller connector enabled (%s)", cfg.Teller.Environment)
	}

	if cfg.Plaid.Enabled() {
		api, err := plaid.NewAPIClient(plaid.Config{
			ClientID:     cfg.Plaid.ClientID,
			Secret:       cfg.Plaid.Secret,
			Environment:  cfg.Plaid.Environment,
			CountryCodes: cfg.Plaid.CountryCodes,
		})
		if err != nil {
			return nil, nil, err
		}
		keys, err := plaid.NewKeyCache()
		if err != nil {
			return nil, nil, err
		}
		connectors = append(connectors, connector.WithRetry(plaid.NewClient(api, cfg.Plaid.CountryCodes), policy))
		handlers = append(handlers, plaid.NewWebhookHandler(api, keys))
		log.Printf("Plaid connector enabled (%s)", cfg.Plaid.Environment)
	}

	return connector.NewRegistry(connectors...), handlers, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"finsync/internal/domain/account"
	"finsync/internal/domain/notification"
	"finsync/internal/domain/openfinance"
	"finsync/internal/infrastructure/connector/providers"
	"finsync/internal/infrastructure/crypto"
	"finsync/internal/infrastructure/firebase"
	"finsync/internal/infrastructure/postgres"
	"finsync/internal/infrastructure/postgres/listener"
	httphandlers "finsync/internal/interfaces/http"
	"finsync/internal/interfaces/scheduler"
	"finsync/internal/shared/config"
	"finsync/internal/shared/messages"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	DB *postgres.DB

	// Handlers
	AccountHandler     *httphandlers.AccountHandler
	EnrollmentHandler  *httphandlers.EnrollmentHandler
	TransactionHandler *httphandlers.TransactionHandler
	WebhookHandler     *httphandlers.WebhookHandler

	// Background work
	Engine    *openfinance.Engine
	Ingestor  *openfinance.WebhookIngestor
	Scheduler *scheduler.Scheduler
	Listener  *listener.SyncListener
}

// NewDependencies initializes all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}
	log.Println("Connected to database")

	deps := &Dependencies{DB: db}
	if err := deps.build(ctx, cfg); err != nil {
		deps.Close()
		return nil, err
	}
	return deps, nil
}

func (d *Dependencies) build(ctx context.Context, cfg *config.Config) error {
	if cfg.Database.AutoMigrate {
		if err := d.DB.Migrate(ctx); err != nil {
			return err
		}
		log.Println("Database schema applied")
	}

	vault, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		return err
	}

	connectors, webhookHandlers, err := providers.New(cfg)
	if err != nil {
		return err
	}

	notifier, err := newNotifier(ctx, cfg.Firebase)
	if err != nil {
		return err
	}

	repos := postgres.Repositories(d.DB)
	d.Engine = openfinance.NewEngine(repos, postgres.NewUnitOfWork(d.DB), connectors, vault, notifier, openfinance.Config{
		FreshnessWindow:       cfg.Sync.FreshnessWindow,
		StaleLockTimeout:      cfg.Sync.StaleLockTimeout,
		InitialLookback:       cfg.Sync.InitialLookback,
		IncrementalOverlap:    cfg.Sync.IncrementalOverlap,
		DisconnectMaxWait:     cfg.Sync.DisconnectMaxWait,
		MaxConcurrentAccounts: cfg.Sync.MaxConcurrentAccounts,
		WebhookLease:          cfg.Webhook.ProcessingLease,
	})
	manager := openfinance.NewEnrollmentManager(d.Engine)
	ledger := openfinance.NewLedgerService(d.Engine)
	accountService := account.NewService(repos.Accounts)

	// Webhook syncs go through the scheduler queue when it runs, inline
	// otherwise.
	var requester openfinance.SyncRequester
	queue := &deferredRequester{}
	if cfg.Scheduler.Enabled {
		requester = queue
	}
	d.Ingestor = openfinance.NewWebhookIngestor(d.Engine, manager, requester, cfg.Webhook.InlineMaxBytes, webhookHandlers...)

	if cfg.Scheduler.Enabled {
		d.Scheduler, err = scheduler.NewScheduler(scheduler.Config{
			ScheduleTimes:        cfg.Scheduler.ScheduleTimes,
			WorkerCount:          cfg.Scheduler.WorkerCount,
			JobDelay:             cfg.Scheduler.JobDelay,
			JobTimeout:           cfg.Scheduler.JobTimeout,
			QueueSize:            cfg.Scheduler.QueueSize,
			RunOnStartup:         cfg.Scheduler.RunOnStartup,
			WebhookRetryInterval: cfg.Webhook.RetryInterval,
			WebhookMaxRetries:    cfg.Webhook.MaxRetries,
		}, repos.Accounts, d.Engine, d.Ingestor)
		if err != nil {
			return err
		}
		queue.target = d.Scheduler

		if cfg.Scheduler.ListenerEnabled {
			d.Listener = listener.NewSyncListener(cfg.Database.ConnectionString(), d.Scheduler)
		}
	} else {
		log.Println("Scheduler is disabled")
	}

	d.AccountHandler = httphandlers.NewAccountHandler(accountService, d.Engine, manager)
	d.EnrollmentHandler = httphandlers.NewEnrollmentHandler(manager)
	d.TransactionHandler = httphandlers.NewTransactionHandler(ledger)
	d.WebhookHandler = httphandlers.NewWebhookHandler(d.Ingestor)
	return nil
}

func newNotifier(ctx context.Context, cfg config.FirebaseConfig) (*notification.Service, error) {
	texts := messages.Defaults()
	if cfg.MessagesFile != "" {
		loaded, err := messages.Load(cfg.MessagesFile)
		if err != nil {
			return nil, err
		}
		texts = loaded
	}

	var messenger notification.Messenger
	if cfg.CredentialsFile != "" {
		client, err := firebase.NewClient(ctx, cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		messenger = client
		log.Println("Firebase messaging enabled")
	} else {
		log.Println("FIREBASE_CREDENTIALS_FILE not set, push notifications disabled")
	}

	return notification.NewService(messenger, texts), nil
}

// deferredRequester lets the webhook ingestor be built before the scheduler
// that retries its failures.
type deferredRequester struct {
	target *scheduler.Scheduler
}

func (q *deferredRequester) RequestSync(accountID string) error {
	if q.target == nil {
		return errors.New("sync queue is not running")
	}
	if err := q.target.RequestSync(accountID); err != nil {
		return fmt.Errorf("failed to queue account %s: %w", accountID, err)
	}
	return nil
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.DB != nil {
		d.DB.Close()
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"finsync/internal/domain/notification"
	"finsync/internal/domain/openfinance"
	"finsync/internal/infrastructure/connector"
	"finsync/internal/infrastructure/connector/providers"
	"finsync/internal/infrastructure/crypto"
	"finsync/internal/infrastructure/firebase"
	"finsync/internal/infrastructure/postgres"
	"finsync/internal/infrastructure/postgres/listener"
	"finsync/internal/shared/config"
	"finsync/internal/shared/messages"
)

const usage = `finsync admin CLI - maintenance commands for the finsync service

Usage:
  admin <command> [options]

Commands:
  migrate          Apply the database schema
  sync             Reconcile accounts against their institutions now
  retry-webhooks   Reprocess failed webhook deliveries
  notify-sync      Ask the running API server to queue account syncs

Examples:
  # Sync one account
  admin sync --account-id=6f1c...

  # Sync every syncable account with 8 workers
  admin sync --all --workers=8 --timeout=1h

  # Reprocess up to 100 failed webhooks
  admin retry-webhooks --limit=100

  # Queue syncs on the API server through LISTEN/NOTIFY
  admin notify-sync --account-id=6f1c...,9a2b...
`

const defaultWorkerCount = 4

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage + "\n")
		os.Exit(1)
	}

	command := os.Args[1]

	var err error
	switch command {
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "sync":
		err = runSync(os.Args[2:])
	case "retry-webhooks":
		err = runRetryWebhooks(os.Args[2:])
	case "notify-sync":
		err = runNotifySync(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage + "\n")
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		fmt.Print(usage + "\n")
		os.Exit(1)
	}

	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	timeout := fs.Duration("timeout", time.Minute, "Timeout for the operation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, _, err := connect()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		return err
	}
	log.Println("Schema applied")
	return nil
}

func runSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	accountIDs := fs.String("account-id", "", "Account ID(s) to sync (comma-separated for multiple)")
	all := fs.Bool("all", false, "Sync every syncable account")
	workers := fs.Int("workers", defaultWorkerCount, "Number of concurrent workers")
	timeout := fs.Duration("timeout", 30*time.Minute, "Timeout for the operation (e.g., 5m, 1h)")

	fs.Usage = func() {
		fmt.Println("Usage: admin sync [options]")
		fmt.Println("\nOptions:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	ids := splitIDs(*accountIDs)
	if len(ids) == 0 && !*all {
		fmt.Println("Error: must specify --account-id or --all")
		fs.Usage()
		os.Exit(1)
	}

	db, cfg, err := connect()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	engine, _, err := newEngine(ctx, cfg, db)
	if err != nil {
		return err
	}

	if *all {
		accounts, err := postgres.NewAccountRepository(db).ListSyncable(ctx)
		if err != nil {
			return err
		}
		for _, acc := range accounts {
			ids = append(ids, acc.ID)
		}
		log.Printf("Found %d syncable accounts", len(accounts))
	}

	if len(ids) == 0 {
		log.Println("No accounts to sync")
		return nil
	}

	log.Printf("Starting sync of %d account(s) with %d workers", len(ids), *workers)
	start := time.Now()

	var (
		mu      sync.Mutex
		results = make(map[string]*openfinance.SyncResult, len(ids))
		failed  = make(map[string]error)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(*workers, 1))
	for _, id := range ids {
		g.Go(func() error {
			res, err := engine.SyncAccountByID(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[id] = err
				return nil
			}
			results[id] = res
			return nil
		})
	}
	_ = g.Wait()

	for _, id := range ids {
		printSyncResult(id, results[id], failed[id])
	}

	log.Printf("Sync completed in %v: %d succeeded, %d failed", time.Since(start), len(results), len(failed))
	if len(failed) > 0 {
		return fmt.Errorf("%d account(s) failed", len(failed))
	}
	return nil
}

func printSyncResult(accountID string, result *openfinance.SyncResult, err error) {
	fmt.Printf("\n=== Account %s ===\n", accountID)
	if err != nil {
		fmt.Printf("  Error: %v\n", err)
		return
	}
	if result == nil {
		return
	}
	fmt.Printf("  Transactions found: %d\n", result.TransactionsFound)
	fmt.Printf("  Created:            %d\n", result.Created)
	fmt.Printf("  Updated:            %d\n", result.Updated)
	fmt.Printf("  Skipped:            %d\n", result.Skipped)
	fmt.Printf("  Balance source:     %s\n", result.BalanceSource)
	for _, e := range result.Errors {
		fmt.Printf("    - %s\n", e)
	}
}

func runRetryWebhooks(args []string) error {
	fs := flag.NewFlagSet("retry-webhooks", flag.ExitOnError)
	maxRetries := fs.Int("max-retries", 0, "Skip events that already failed this many times (default from WEBHOOK_MAX_RETRIES)")
	limit := fs.Int("limit", 50, "Maximum events to reprocess")
	timeout := fs.Duration("timeout", 10*time.Minute, "Timeout for the operation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, cfg, err := connect()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	engine, handlers, err := newEngine(ctx, cfg, db)
	if err != nil {
		return err
	}
	if *maxRetries <= 0 {
		*maxRetries = cfg.Webhook.MaxRetries
	}

	ingestor := openfinance.NewWebhookIngestor(engine, openfinance.NewEnrollmentManager(engine), nil, cfg.Webhook.InlineMaxBytes, handlers...)
	n, err := ingestor.RetryFailed(ctx, *maxRetries, *limit)
	log.Printf("Reprocessed %d webhook event(s)", n)
	return err
}

func runNotifySync(args []string) error {
	fs := flag.NewFlagSet("notify-sync", flag.ExitOnError)
	accountIDs := fs.String("account-id", "", "Account ID(s) to queue (comma-separated for multiple)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ids := splitIDs(*accountIDs)
	if len(ids) == 0 {
		return errors.New("must specify --account-id")
	}

	db, _, err := connect()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := listener.Publish(ctx, db, ids...); err != nil {
		return err
	}
	log.Printf("Published sync request for %d account(s)", len(ids))
	return nil
}

func connect() (*postgres.DB, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		return nil, nil, err
	}
	log.Println("Connected to database")
	return db, cfg, nil
}

// newEngine builds a reconciliation engine equivalent to the API server's.
func newEngine(ctx context.Context, cfg *config.Config, db *postgres.DB) (*openfinance.Engine, []connector.WebhookHandler, error) {
	vault, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		return nil, nil, err
	}

	registry, handlers, err := providers.New(cfg)
	if err != nil {
		return nil, nil, err
	}

	texts := messages.Defaults()
	if cfg.Firebase.MessagesFile != "" {
		if texts, err = messages.Load(cfg.Firebase.MessagesFile); err != nil {
			return nil, nil, err
		}
	}
	var messenger notification.Messenger
	if cfg.Firebase.CredentialsFile != "" {
		client, err := firebase.NewClient(ctx, cfg.Firebase.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		messenger = client
	}

	engine := openfinance.NewEngine(
		postgres.Repositories(db),
		postgres.NewUnitOfWork(db),
		registry,
		vault,
		notification.NewService(messenger, texts),
		openfinance.Config{
			FreshnessWindow:       cfg.Sync.FreshnessWindow,
			StaleLockTimeout:      cfg.Sync.StaleLockTimeout,
			InitialLookback:       cfg.Sync.InitialLookback,
			IncrementalOverlap:    cfg.Sync.IncrementalOverlap,
			DisconnectMaxWait:     cfg.Sync.DisconnectMaxWait,
			MaxConcurrentAccounts: cfg.Sync.MaxConcurrentAccounts,
			WebhookLease:          cfg.Webhook.ProcessingLease,
		},
	)
	return engine, handlers, nil
}

func splitIDs(s string) []string {
	var ids []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

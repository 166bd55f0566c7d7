package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"finsync/internal/domain/account"
)

// ScheduleTime represents a specific time of day when the scheduler should run.
type ScheduleTime struct {
	Hour   int
	Minute int
}

// String returns the time in HH:MM format.
func (st ScheduleTime) String() string {
	return fmt.Sprintf("%02d:%02d", st.Hour, st.Minute)
}

// ParseScheduleTime parses a time string in HH:MM format.
func ParseScheduleTime(s string) (ScheduleTime, error) {
	var hour, minute int
	_, err := fmt.Sscanf(s, "%d:%d", &hour, &minute)
	if err != nil {
		return ScheduleTime{}, fmt.Errorf("invalid time format (expected HH:MM): %w", err)
	}

	if hour < 0 || hour > 23 {
		return ScheduleTime{}, fmt.Errorf("invalid hour: %d (must be 0-23)", hour)
	}
	if minute < 0 || minute > 59 {
		return ScheduleTime{}, fmt.Errorf("invalid minute: %d (must be 0-59)", minute)
	}

	return ScheduleTime{Hour: hour, Minute: minute}, nil
}

// AccountLister returns the accounts a timer run should reconcile.
type AccountLister interface {
	ListSyncable(ctx context.Context) ([]*account.Account, error)
}

// WebhookRetrier reprocesses failed webhook deliveries.
type WebhookRetrier interface {
	RetryFailed(ctx context.Context, maxRetries, limit int) (int, error)
}

// Config holds configuration for the scheduler.
type Config struct {
	ScheduleTimes []string
	WorkerCount   int
	JobDelay      time.Duration
	JobTimeout    time.Duration
	QueueSize     int
	RunOnStartup  bool

	// WebhookRetryInterval of zero disables the failed-webhook sweep.
	WebhookRetryInterval time.Duration
	WebhookMaxRetries    int
	WebhookRetryBatch    int
}

// Scheduler reconciles every syncable account at fixed times of day and
// accepts on-demand sync requests. Both paths share one worker pool.
type Scheduler struct {
	workerPool    *WorkerPool
	scheduleTimes []ScheduleTime
	runOnStartup  bool
	accounts      AccountLister
	syncer        AccountSyncer
	webhooks      WebhookRetrier
	cfg           Config

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lastRunDate string
	mu          sync.Mutex
	now         func() time.Time
}

// NewScheduler creates a new scheduler with the given configuration.
// webhooks may be nil.
func NewScheduler(cfg Config, accounts AccountLister, syncer AccountSyncer, webhooks WebhookRetrier) (*Scheduler, error) {
	scheduleTimes := make([]ScheduleTime, 0, len(cfg.ScheduleTimes))
	for _, timeStr := range cfg.ScheduleTimes {
		st, err := ParseScheduleTime(timeStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse schedule time %q: %w", timeStr, err)
		}
		scheduleTimes = append(scheduleTimes, st)
	}

	if len(scheduleTimes) == 0 {
		return nil, errors.New("at least one schedule time is required")
	}
	if accounts == nil || syncer == nil {
		return nil, errors.New("account lister and syncer are required")
	}
	if cfg.WebhookMaxRetries <= 0 {
		cfg.WebhookMaxRetries = 5
	}
	if cfg.WebhookRetryBatch <= 0 {
		cfg.WebhookRetryBatch = 50
	}

	workerPool := NewWorkerPool(cfg.WorkerCount, cfg.JobDelay, cfg.QueueSize)
	if cfg.JobTimeout > 0 {
		workerPool.jobTimeout = cfg.JobTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	log.Printf("Scheduler initialized with %d schedule times: %v", len(scheduleTimes), cfg.ScheduleTimes)
	log.Printf("Worker pool: %d workers, %v delay between jobs", workerPool.workerCount, cfg.JobDelay)

	return &Scheduler{
		workerPool:    workerPool,
		scheduleTimes: scheduleTimes,
		runOnStartup:  cfg.RunOnStartup,
		accounts:      accounts,
		syncer:        syncer,
		webhooks:      webhooks,
		cfg:           cfg,
		ctx:           ctx,
		cancel:        cancel,
		now:           time.Now,
	}, nil
}

// Start launches the scheduler and worker pool.
func (s *Scheduler) Start() {
	log.Println("Starting scheduler...")

	s.workerPool.Start()

	if s.runOnStartup {
		log.Println("Scheduler: Running initial sync on startup")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runTick()
		}()
	}

	s.wg.Add(1)
	go s.scheduleLoop()

	if s.webhooks != nil && s.cfg.WebhookRetryInterval > 0 {
		s.wg.Add(1)
		go s.webhookLoop()
	}

	log.Println("Scheduler started")
}

// scheduleLoop is the main scheduling loop.
func (s *Scheduler) scheduleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	log.Println("Scheduler loop started, checking every minute")

	for {
		select {
		case <-s.ctx.Done():
			log.Println("Scheduler loop: Context cancelled, shutting down")
			return

		case now := <-ticker.C:
			if s.shouldRun(now) {
				log.Printf("Scheduler: Triggered at %s", now.Format("15:04"))
				s.runTick()
			}
		}
	}
}

func (s *Scheduler) webhookLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.WebhookRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RetryWebhooks(s.ctx); err != nil {
				log.Printf("Scheduler: Webhook retry sweep failed: %v", err)
			}
		}
	}
}

// shouldRun checks if the current time matches any scheduled time.
func (s *Scheduler) shouldRun(now time.Time) bool {
	currentHour := now.Hour()
	currentMinute := now.Minute()
	currentKey := fmt.Sprintf("%s-%02d:%02d", now.Format("2006-01-02"), currentHour, currentMinute)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastRunDate == currentKey {
		return false
	}

	for _, st := range s.scheduleTimes {
		if currentHour == st.Hour && currentMinute == st.Minute {
			s.lastRunDate = currentKey
			return true
		}
	}

	return false
}

func (s *Scheduler) runTick() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	if _, err := s.Tick(ctx); err != nil {
		log.Printf("Scheduler: Tick failed: %v", err)
	}
}

// Tick queues one sync job per syncable account and returns how many were
// accepted.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	accounts, err := s.accounts.ListSyncable(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list syncable accounts: %w", err)
	}

	if len(accounts) == 0 {
		log.Println("Scheduler: No accounts to sync")
		return 0, nil
	}

	jobs := make([]Job, 0, len(accounts))
	for _, acc := range accounts {
		jobs = append(jobs, NewAccountSyncJob(acc.ID, s.syncer))
	}

	log.Printf("Scheduler: Submitting %d account syncs to worker pool", len(jobs))
	return s.workerPool.SubmitBatch(jobs), nil
}

// RequestSync queues an on-demand sync without blocking.
func (s *Scheduler) RequestSync(accountID string) error {
	if accountID == "" {
		return errors.New("account id is required")
	}
	return s.workerPool.Submit(NewAccountSyncJob(accountID, s.syncer))
}

// RetryWebhooks reprocesses one batch of failed webhook events.
func (s *Scheduler) RetryWebhooks(ctx context.Context) (int, error) {
	if s.webhooks == nil {
		return 0, nil
	}
	n, err := s.webhooks.RetryFailed(ctx, s.cfg.WebhookMaxRetries, s.cfg.WebhookRetryBatch)
	if n > 0 {
		log.Printf("Scheduler: Reprocessed %d failed webhook events", n)
	}
	return n, err
}

// Shutdown gracefully stops the scheduler and worker pool.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	log.Println("Scheduler: Initiating graceful shutdown...")

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Scheduler: Scheduler loop stopped gracefully")
	case <-time.After(timeout):
		log.Println("Scheduler: Timeout waiting for scheduler loop to stop")
	}

	s.workerPool.ShutdownWithTimeout(timeout)

	log.Println("Scheduler: Shutdown complete")
}

// TriggerNow runs a timer tick immediately.
func (s *Scheduler) TriggerNow() {
	log.Println("Scheduler: Manual trigger")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTick()
	}()
}

// NextScheduledTime returns the next scheduled run time after now.
func (s *Scheduler) NextScheduledTime() time.Time {
	now := s.now()

	var next time.Time
	for _, st := range s.scheduleTimes {
		t := time.Date(now.Year(), now.Month(), now.Day(), st.Hour, st.Minute, 0, 0, now.Location())
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	return next
}

// ScheduleTimes returns the configured schedule times.
func (s *Scheduler) ScheduleTimes() []ScheduleTime {
	return s.scheduleTimes
}

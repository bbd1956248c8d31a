package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lllllllleong/fieldnotesync/internal/localstore"
	"github.com/Lllllllleong/fieldnotesync/internal/metrics"
)

var (
	// ErrCycleInFlight is returned when a trigger hits a project whose cycle
	// is still running. The trigger is dropped, not queued.
	ErrCycleInFlight = errors.New("upload cycle already in flight")

	ErrAlreadyRunning = errors.New("scheduler already running")
)

// Trigger kinds, also used as metric labels.
const (
	TriggerRefresh = "refresh"
	TriggerExpiry  = "expiry"
	TriggerManual  = "manual"
)

// Clock abstracts time so tests can drive the scheduler.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) NewTicker(d time.Duration) Ticker {
	return systemTicker{time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s systemTicker) C() <-chan time.Time { return s.t.C }

func (s systemTicker) Stop() { s.t.Stop() }

// CycleRunner runs one upload cycle. *Orchestrator implements it.
type CycleRunner interface {
	Run(ctx context.Context, accountID, projectID string) (*CycleResult, error)
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	AccountID string

	// RefreshInterval is how often projects, profile and notes are pulled.
	RefreshInterval time.Duration

	// ExpiryInterval is how often expired projects are checked for upload.
	ExpiryInterval time.Duration
}

// DefaultSchedulerConfig returns the intervals the mobile app used.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		RefreshInterval: 10 * time.Second,
		ExpiryInterval:  10 * time.Second,
	}
}

// Scheduler fires refresh and expiry triggers on a clock and exposes a
// manual trigger. At most one cycle per project runs at a time.
type Scheduler struct {
	config    SchedulerConfig
	clock     Clock
	runner    CycleRunner
	refresher *Refresher
	store     *localstore.Store
	metrics   *metrics.SyncMetrics
	logger    *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewScheduler(config SchedulerConfig, clock Clock, runner CycleRunner, refresher *Refresher, store *localstore.Store, m *metrics.SyncMetrics) (*Scheduler, error) {
	if config.AccountID == "" {
		return nil, fmt.Errorf("account id must be set")
	}
	if runner == nil || refresher == nil || store == nil {
		return nil, fmt.Errorf("runner, refresher and store must be provided")
	}
	defaults := DefaultSchedulerConfig()
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = defaults.RefreshInterval
	}
	if config.ExpiryInterval <= 0 {
		config.ExpiryInterval = defaults.ExpiryInterval
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Scheduler{
		config:    config,
		clock:     clock,
		runner:    runner,
		refresher: refresher,
		store:     store,
		metrics:   m,
		logger:    slog.With("component", "scheduler", "accountId", config.AccountID),
		inFlight:  make(map[string]struct{}),
	}, nil
}

// Start launches the tick loops and returns. They stop on Stop or when ctx
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.loop(ctx, s.config.RefreshInterval, TriggerRefresh, func(ctx context.Context) error {
		return s.RefreshOnce(ctx)
	})
	go s.loop(ctx, s.config.ExpiryInterval, TriggerExpiry, func(ctx context.Context) error {
		_, err := s.CheckExpiry(ctx)
		return err
	})
	s.logger.Info("Scheduler started.", "refreshInterval", s.config.RefreshInterval, "expiryInterval", s.config.ExpiryInterval)
	return nil
}

// Stop cancels the loops and waits for them, including a tick in progress.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped.")
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, kind string, fn func(context.Context) error) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.metrics.RecordTrigger(kind)
			if err := fn(ctx); err != nil {
				s.logger.Warn("Scheduled trigger failed.", "trigger", kind, "error", err)
			}
		}
	}
}

// UploadNow runs a cycle for the project immediately.
func (s *Scheduler) UploadNow(ctx context.Context, projectID string) (*CycleResult, error) {
	s.metrics.RecordTrigger(TriggerManual)
	return s.runGuarded(ctx, projectID)
}

// CheckExpiry runs a cycle for every cached project whose window has closed
// and that is not yet uploaded. It returns the results of the cycles it ran.
func (s *Scheduler) CheckExpiry(ctx context.Context) ([]*CycleResult, error) {
	projects, err := s.store.LoadProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cached projects: %w", err)
	}
	now := s.clock.Now()

	var results []*CycleResult
	var errs error
	for _, p := range projects {
		if p.IsUploaded || !p.Expired(now) {
			continue
		}
		s.logger.Info("Project window closed, uploading.", "projectId", p.ID, "toDate", p.ToDate)
		res, err := s.runGuarded(ctx, p.ID)
		if errors.Is(err, ErrCycleInFlight) {
			continue
		}
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("project %s: %w", p.ID, err))
		}
	}
	return results, errs
}

// RefreshOnce pulls projects, profile and each project's committed notes.
// Projects with a cycle in flight are skipped this round.
func (s *Scheduler) RefreshOnce(ctx context.Context) error {
	accountID := s.config.AccountID
	projects, err := s.refresher.RefreshProjects(ctx, accountID)
	if err != nil {
		return err
	}
	errs := s.refresher.RefreshProfile(ctx, accountID)

	for _, p := range projects {
		if !s.acquire(p.ID) {
			continue
		}
		_, err := s.refresher.RefreshNotes(ctx, accountID, p.ID)
		s.release(p.ID)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("project %s: %w", p.ID, err))
		}
	}
	return errs
}

func (s *Scheduler) runGuarded(ctx context.Context, projectID string) (*CycleResult, error) {
	if !s.acquire(projectID) {
		s.metrics.RecordCycle(metrics.OutcomeDropped, 0, 0, 0)
		s.logger.Info("Trigger dropped, cycle in flight.", "projectId", projectID)
		return nil, ErrCycleInFlight
	}
	defer s.release(projectID)
	return s.runner.Run(ctx, s.config.AccountID, projectID)
}

func (s *Scheduler) acquire(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[projectID]; busy {
		return false
	}
	s.inFlight[projectID] = struct{}{}
	return true
}

func (s *Scheduler) release(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, projectID)
}

// Package scheduler drives the backup engine and retention sweeper on fixed
// cadences. Each cadence runs independently: a failure in one never blocks or
// skips the others, and a cadence never overlaps itself.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fernwick/moneta/internal/catalog"
	"github.com/fernwick/moneta/internal/model"
	"github.com/fernwick/moneta/internal/notify"
)

// BackupRunner is the slice of the engine the scheduler drives.
type BackupRunner interface {
	CreateFullBackup(ctx context.Context, triggeredBy model.TriggerSource) (*model.BackupRecord, error)
	CreateIncrementalBackup(ctx context.Context, triggeredBy model.TriggerSource) (*model.BackupRecord, error)
	VerifyBackup(ctx context.Context, backupID string) (*model.VerifyResult, error)
}

// Cleaner is the retention sweeper contract.
type Cleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// Config holds the four cadence specs (standard cron syntax) and the
// verification sampling bounds.
type Config struct {
	IncrementalSpec  string
	FullSpec         string
	SweepSpec        string
	VerifySpec       string
	VerifySampleSize int
	VerifyWindow     time.Duration
}

// DefaultConfig: incrementals every six hours, full backups weekly, sweeps
// and verification sampling daily.
func DefaultConfig() Config {
	return Config{
		IncrementalSpec:  "0 */6 * * *",
		FullSpec:         "0 3 * * 0",
		SweepSpec:        "30 2 * * *",
		VerifySpec:       "0 4 * * *",
		VerifySampleSize: 5,
		VerifyWindow:     7 * 24 * time.Hour,
	}
}

// CadenceStatus is one cadence's introspection row.
type CadenceStatus struct {
	Name    string     `json:"name"`
	NextRun time.Time  `json:"next_run"`
	PrevRun *time.Time `json:"prev_run,omitempty"`
}

type cadence struct {
	name    string
	entryID cron.EntryID
	mu      sync.Mutex
}

// Scheduler owns a set of named, independently guarded periodic tasks,
// constructed once at process start. No ambient registries.
type Scheduler struct {
	cron     *cron.Cron
	engine   BackupRunner
	sweeper  Cleaner
	catalog  *catalog.Catalog
	notifier notify.Notifier
	logger   *slog.Logger
	cfg      Config

	cadences []*cadence

	mu      sync.Mutex
	runCtx  context.Context
	started bool
}

func New(eng BackupRunner, sweeper Cleaner, cat *catalog.Catalog, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		engine:   eng,
		sweeper:  sweeper,
		catalog:  cat,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
	}
}

// Start registers the four cadences and starts the cron loop. ctx bounds
// every scheduled run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.runCtx = ctx

	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"incremental_backup", s.cfg.IncrementalSpec, s.runIncremental},
		{"full_backup", s.cfg.FullSpec, s.runFull},
		{"retention_sweep", s.cfg.SweepSpec, s.runSweep},
		{"verification_sample", s.cfg.VerifySpec, s.runVerifySample},
	}

	for _, job := range jobs {
		c := &cadence{name: job.name}
		id, err := s.cron.AddFunc(job.spec, s.guarded(c, job.run))
		if err != nil {
			return fmt.Errorf("register cadence %s (%q): %w", job.name, job.spec, err)
		}
		c.entryID = id
		s.cadences = append(s.cadences, c)
	}

	s.cron.Start()
	s.started = true
	s.logger.Info("scheduler started", "cadences", len(s.cadences))
	return nil
}

// Stop halts the cron loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	// Released before waiting: in-flight runs take the same lock to read
	// their run context.
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Status returns the next and previous run time per cadence.
func (s *Scheduler) Status() []CadenceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]CadenceStatus, 0, len(s.cadences))
	for _, c := range s.cadences {
		entry := s.cron.Entry(c.entryID)
		cs := CadenceStatus{Name: c.name, NextRun: entry.Next}
		if !entry.Prev.IsZero() {
			prev := entry.Prev
			cs.PrevRun = &prev
		}
		statuses = append(statuses, cs)
	}
	return statuses
}

// guarded wraps a cadence run with its overlap guard: a trigger that fires
// while the previous run is still in flight is skipped, not queued.
func (s *Scheduler) guarded(c *cadence, run func(context.Context)) func() {
	return func() {
		if !c.mu.TryLock() {
			s.logger.Warn("cadence still running, skipping trigger", "cadence", c.name)
			return
		}
		defer c.mu.Unlock()

		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()
		run(ctx)
	}
}

func (s *Scheduler) runFull(ctx context.Context) {
	rec, err := s.engine.CreateFullBackup(ctx, model.TriggerSchedule)
	s.notifyOutcome(ctx, model.BackupTypeFull, rec, err)
}

func (s *Scheduler) runIncremental(ctx context.Context) {
	rec, err := s.engine.CreateIncrementalBackup(ctx, model.TriggerSchedule)
	s.notifyOutcome(ctx, model.BackupTypeIncremental, rec, err)
}

// notifyOutcome reports a scheduled run to the operator channel. Delivery is
// fire-and-forget: a notification failure is logged and swallowed, never
// re-marking the backup.
func (s *Scheduler) notifyOutcome(ctx context.Context, typ model.BackupType, rec *model.BackupRecord, runErr error) {
	ev := notify.Event{Type: string(typ)}
	if runErr != nil {
		ev.Outcome = notify.OutcomeFailure
		ev.Details = runErr.Error()
		if rec != nil {
			ev.BackupID = rec.ID
		}
	} else {
		ev.Outcome = notify.OutcomeSuccess
		ev.BackupID = rec.ID
		ev.Details = fmt.Sprintf("%d collections, %d bytes", len(rec.Collections), rec.SizeBytes)
	}

	notifyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.notifier.Notify(notifyCtx, ev); err != nil {
		s.logger.Warn("backup notification failed", "backup_id", ev.BackupID, "error", err)
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	count, err := s.sweeper.CleanupExpired(ctx)
	if err != nil {
		s.logger.Warn("retention sweep finished with failures", "deleted", count, "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("retention sweep finished", "deleted", count)
	}
}

// runVerifySample verifies a bounded number of recent completed backups that
// lack a verification pass inside the trailing window.
func (s *Scheduler) runVerifySample(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.VerifyWindow)
	records, err := s.catalog.FindUnverified(ctx, cutoff, s.cfg.VerifySampleSize)
	if err != nil {
		s.logger.Error("verification sample: query failed", "error", err)
		return
	}

	for _, rec := range records {
		result, err := s.engine.VerifyBackup(ctx, rec.ID)
		if err != nil {
			s.logger.Error("verification sample: verify failed", "id", rec.ID, "error", err)
			continue
		}
		if !result.Verified {
			s.logger.Warn("verification sample: integrity check failed", "id", rec.ID)
		}
	}
}

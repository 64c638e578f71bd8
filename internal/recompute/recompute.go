// Package recompute migrates a full owner's reminder set to a new timezone
// in bounded, transactional batches with best-effort rollback.
package recompute

import (
	"context"
	"fmt"
	"time"

	"remindkit/internal/remote"
	"remindkit/internal/schedule"
	logx "remindkit/pkg/logx"
)

// Status classifies the outcome of one recompute run.
type Status string

const (
	// StatusApplied means every batch committed.
	StatusApplied Status = "applied"
	// StatusQueued means the set exceeded the client ceiling; nothing was
	// mutated and the work belongs to a server-side job.
	StatusQueued Status = "queued"
	// StatusRolledBack means a batch failed and all previously committed
	// batches were restored.
	StatusRolledBack Status = "rolled_back"
	// StatusRollbackFailed means a batch failed and at least one restore
	// batch also failed; the store needs inspection.
	StatusRollbackFailed Status = "rollback_failed"
)

// Config bounds client-side recompute work.
type Config struct {
	ClientCeiling int // reminder count above which the run is deferred (default 200)
	BatchSize     int // reminders per transactional batch (default 20)
}

func (c Config) withDefaults() Config {
	if c.ClientCeiling <= 0 {
		c.ClientCeiling = 200
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	return c
}

// RollbackEntry captures a reminder's pre-migration state so a failed run
// can restore it, including a null next-run.
type RollbackEntry struct {
	ReminderID string
	Timezone   string
	NextRunAt  *time.Time
}

// Progress is passed to the caller's callback after every committed batch.
type Progress struct {
	Processed int
	Total     int
}

// Report summarizes one recompute run. Rollback lists the entries of batches
// that were committed before a failure, in commit order; it is empty when
// Status is applied or queued.
type Report struct {
	Status    Status
	Processed int
	Total     int
	Rollback  []RollbackEntry
}

type Recomputer struct {
	cfg   Config
	store remote.Store
	retry remote.RetryPolicy
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Recomputer)

func WithRetryPolicy(p remote.RetryPolicy) Option {
	return func(r *Recomputer) { r.retry = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recomputer) {
		if now != nil {
			r.now = now
		}
	}
}

func New(cfg Config, store remote.Store, log logx.Logger, opts ...Option) *Recomputer {
	r := &Recomputer{
		cfg:   cfg.withDefaults(),
		store: store,
		log:   log,
		now:   time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Recompute re-expresses every reminder of ownerID in targetTZ, preserving
// each reminder's intended local wall-clock time.
//
// Batches commit sequentially and atomically. A reminder whose migration
// yields no valid instant gets a timezone-only write that leaves its stored
// next-run untouched. When a batch commit fails irrecoverably, previously
// committed batches are restored in reverse order from the rollback log;
// restore failures are surfaced in the report, never retried.
func (r *Recomputer) Recompute(ctx context.Context, ownerID, targetTZ string, onProgress func(Progress)) (Report, error) {
	var rep Report

	var reminders []remote.Reminder
	err := remote.Do(ctx, r.log, r.retry, "recompute.list", func(ctx context.Context) error {
		var lerr error
		reminders, lerr = r.store.ListReminders(ctx, ownerID)
		return lerr
	})
	if err != nil {
		return rep, fmt.Errorf("list reminders: %w", err)
	}

	rep.Total = len(reminders)
	if rep.Total > r.cfg.ClientCeiling {
		rep.Status = StatusQueued
		r.log.Info("recompute deferred to server",
			logx.String("owner", ownerID),
			logx.Int("total", rep.Total),
			logx.Int("ceiling", r.cfg.ClientCeiling))
		return rep, nil
	}

	now := r.now()
	var committed [][]RollbackEntry

	for start := 0; start < len(reminders); start += r.cfg.BatchSize {
		end := min(start+r.cfg.BatchSize, len(reminders))
		batch := reminders[start:end]

		writes := make([]remote.StagedWrite, 0, len(batch))
		entries := make([]RollbackEntry, 0, len(batch))
		for _, rem := range batch {
			newNext := schedule.Migrate(rem.Schedule, rem.NextRunAt, rem.Schedule.Timezone, targetTZ, now)
			writes = append(writes, remote.StagedWrite{
				ReminderID: rem.ID,
				Timezone:   targetTZ,
				NextRunAt:  newNext,
				SetNextRun: newNext != nil,
			})
			entries = append(entries, RollbackEntry{
				ReminderID: rem.ID,
				Timezone:   rem.Schedule.Timezone,
				NextRunAt:  rem.NextRunAt,
			})
		}

		err := remote.Do(ctx, r.log, r.retry, "recompute.commit", func(ctx context.Context) error {
			return r.store.CommitBatch(ctx, ownerID, writes)
		})
		if err != nil {
			for _, es := range committed {
				rep.Rollback = append(rep.Rollback, es...)
			}
			rep.Status = r.rollback(ctx, ownerID, committed)
			r.log.Error("recompute batch failed",
				logx.String("owner", ownerID),
				logx.String("tz", targetTZ),
				logx.Int("processed", rep.Processed),
				logx.String("outcome", string(rep.Status)),
				logx.Err(err))
			return rep, fmt.Errorf("commit batch at %d: %w", start, err)
		}

		committed = append(committed, entries)
		rep.Processed += len(batch)
		if onProgress != nil {
			onProgress(Progress{Processed: rep.Processed, Total: rep.Total})
		}
	}

	rep.Status = StatusApplied
	r.log.Info("recompute applied",
		logx.String("owner", ownerID),
		logx.String("tz", targetTZ),
		logx.Int("total", rep.Total))
	return rep, nil
}

// rollback restores committed batches newest-first. Each restore batch gets
// exactly one attempt.
func (r *Recomputer) rollback(ctx context.Context, ownerID string, committed [][]RollbackEntry) Status {
	status := StatusRolledBack
	for i := len(committed) - 1; i >= 0; i-- {
		writes := make([]remote.StagedWrite, 0, len(committed[i]))
		for _, e := range committed[i] {
			writes = append(writes, remote.StagedWrite{
				ReminderID: e.ReminderID,
				Timezone:   e.Timezone,
				NextRunAt:  e.NextRunAt,
				SetNextRun: true,
			})
		}
		if err := r.store.CommitBatch(ctx, ownerID, writes); err != nil {
			status = StatusRollbackFailed
			r.log.Error("rollback batch failed",
				logx.String("owner", ownerID),
				logx.Int("batch", i),
				logx.Err(err))
		}
	}
	return status
}

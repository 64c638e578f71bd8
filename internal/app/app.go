// Package app wires the engine together: config, logging, stores, services
// and periodic jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindkit/internal/config"
	"remindkit/internal/eventbus"
	"remindkit/internal/localstore"
	"remindkit/internal/recompute"
	"remindkit/internal/remote"
	"remindkit/internal/runtime/supervisor"
	"remindkit/internal/saver"
	"remindkit/internal/syncqueue"
	"remindkit/internal/writer"
	logx "remindkit/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	local localstore.Store
	store remote.Store

	writer *writer.Writer
	saver  *saver.Saver
	queue  *syncqueue.Service
	rec    *recompute.Recomputer
	apply  *timezoneApplier

	jobs *cron.Cron

	ownerMu sync.RWMutex
	ownerID string
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.Logx())
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Local persistence (optional; required when the queue is enabled).
	lcfg, err := cfg.LocalStore.Materialize()
	if err != nil {
		return nil, err
	}
	local, err := localstore.Open(lcfg, log.With(logx.String("comp", "localstore")))
	if err != nil {
		return nil, err
	}
	if local != nil {
		log.Info("local store enabled", logx.String("driver", lcfg.Driver))
	}

	store, err := openRemote(cfg.Remote, log.With(logx.String("comp", "remote")))
	if err != nil {
		return nil, err
	}

	wopts := []writer.Option{}
	if ttl, err := cfg.Writer.MappingTTLDuration(); err != nil {
		return nil, err
	} else if ttl > 0 {
		wopts = append(wopts, writer.WithMappingTTL(ttl))
	}
	if rp, err := cfg.Writer.RetryPolicy(); err != nil {
		return nil, err
	} else if rp.MaxAttempts > 0 || rp.Base > 0 {
		wopts = append(wopts, writer.WithRetryPolicy(rp))
	}
	w := writer.New(store, log.With(logx.String("comp", "writer")), wopts...)

	rec := recompute.New(cfg.Recompute.Materialize(), store,
		log.With(logx.String("comp", "recompute")))

	qcfg, err := cfg.Queue.Materialize()
	if err != nil {
		return nil, err
	}
	applier := &timezoneApplier{store: store, rec: rec}
	queue := syncqueue.New(qcfg, local, applier, bus,
		log.With(logx.String("comp", "syncqueue")))

	sv := saver.New(w, bus, log.With(logx.String("comp", "saver")))
	sv.Activate()

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		local:   local,
		store:   store,
		writer:  w,
		saver:   sv,
		queue:   queue,
		rec:     rec,
		apply:   applier,
	}
	queue.SetOwnerProvider(a.currentOwner)
	return a, nil
}

func openRemote(cfg config.RemoteConfig, log logx.Logger) (remote.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		log.Info("remote store: in-memory (dev mode)")
		return remote.NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationField("remote.busy_timeout", cfg.BusyTimeout)
		if err != nil {
			return nil, err
		}
		return remote.OpenSQLite(remote.SQLiteConfig{Path: cfg.Path, BusyTimeout: busy}, log)
	default:
		return nil, fmt.Errorf("unknown remote driver %q", cfg.Driver)
	}
}

// timezoneApplier is what one delivered queue item does remotely: record the
// owner's timezone, then migrate their reminders to it.
type timezoneApplier struct {
	store remote.Store
	rec   *recompute.Recomputer
}

func (t *timezoneApplier) ApplyTimezone(ctx context.Context, ownerID, tz string) error {
	if err := t.store.SetTimezone(ctx, ownerID, tz); err != nil {
		return err
	}
	rep, err := t.rec.Recompute(ctx, ownerID, tz, nil)
	if err != nil {
		return err
	}
	if rep.Status == recompute.StatusRollbackFailed {
		return remote.Permanent(fmt.Errorf("recompute rollback failed for %s", ownerID))
	}
	return nil
}

// SetOwner installs the authenticated owner. An empty id signs out, which
// pauses queue flushes.
func (a *App) SetOwner(ownerID string) {
	a.ownerMu.Lock()
	a.ownerID = ownerID
	a.ownerMu.Unlock()
}

func (a *App) currentOwner() string {
	a.ownerMu.RLock()
	defer a.ownerMu.RUnlock()
	return a.ownerID
}

// TimezoneChange reports how a timezone change was handled.
type TimezoneChange struct {
	Timezone string
	// QueuedForServer is true when the change was durably queued for
	// asynchronous delivery rather than applied in-line.
	QueuedForServer bool
}

// ChangeTimezone records a device timezone change for the current owner.
// With a local store configured the change is queued and delivered
// at-least-once; without one it is applied to the remote store in-line.
func (a *App) ChangeTimezone(ctx context.Context, tz string) (TimezoneChange, error) {
	owner := a.currentOwner()
	if owner == "" {
		return TimezoneChange{}, fmt.Errorf("no authenticated owner")
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return TimezoneChange{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	switch err := a.queue.Enqueue(ctx, owner, tz); {
	case err == nil:
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeOnline})
		return TimezoneChange{Timezone: tz, QueuedForServer: true}, nil
	case err == localstore.ErrDisabled:
		if aerr := a.apply.ApplyTimezone(ctx, owner, tz); aerr != nil {
			return TimezoneChange{Timezone: tz}, aerr
		}
		return TimezoneChange{Timezone: tz}, nil
	default:
		return TimezoneChange{}, err
	}
}

func (a *App) Saver() *saver.Saver               { return a.saver }
func (a *App) Queue() *syncqueue.Service         { return a.queue }
func (a *App) Recomputer() *recompute.Recomputer { return a.rec }
func (a *App) Writer() *writer.Writer            { return a.writer }
func (a *App) Store() remote.Store               { return a.store }
func (a *App) Bus() eventbus.Bus                 { return a.bus }

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(false))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Structural checks run in Parse; here reject what can't hot-apply.
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(cfg.Jobs.FlushSpecOrDefault()); err != nil {
			return fmt.Errorf("jobs.flush_spec: %w", err)
		}
		if _, err := parser.Parse(cfg.Jobs.SweepSpecOrDefault()); err != nil {
			return fmt.Errorf("jobs.sweep_spec: %w", err)
		}
		return nil
	})

	a.queue.Start(a.sup.Context())

	if err := a.startJobs(a.cfgm.Get()); err != nil {
		return err
	}

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.GoRestart("remote.watch", a.watchLoop)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go0("eventbus.log", a.eventLogLoop)

	// Nudge the queue once at startup so work queued while the process was
	// down gets delivered promptly.
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeOnline})

	a.log.Info("started")
	return nil
}

func (a *App) startJobs(cfg *config.Config) error {
	jobs := cron.New()
	if _, err := jobs.AddFunc(cfg.Jobs.FlushSpecOrDefault(), func() {
		ctx, cancel := context.WithTimeout(a.sup.Context(), time.Minute)
		defer cancel()
		if _, err := a.queue.Flush(ctx); err != nil &&
			err != syncqueue.ErrFlushInProgress && err != localstore.ErrDisabled {
			a.log.Warn("periodic flush failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("jobs.flush_spec: %w", err)
	}
	if _, err := jobs.AddFunc(cfg.Jobs.SweepSpecOrDefault(), func() {
		ctx, cancel := context.WithTimeout(a.sup.Context(), time.Minute)
		defer cancel()
		n, err := a.store.DeleteExpiredMappings(ctx, time.Now())
		if err != nil {
			a.log.Warn("mapping sweep failed", logx.Err(err))
			return
		}
		if n > 0 {
			a.log.Info("expired idempotency mappings swept", logx.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("jobs.sweep_spec: %w", err)
	}
	jobs.Start()
	a.jobs = jobs
	return nil
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			} else {
				a.log.Debug("config reload received, but no effective changes detected")
			}
			lastApplied = newCfg

			for _, s := range sections {
				if s == "local_store" || s == "remote" {
					a.log.Warn("store config changed; restart required for changes to take effect",
						logx.String("section", s))
				}
			}

			a.logs.Apply(newCfg.Logging.Logx())

			if qcfg, err := newCfg.Queue.Materialize(); err != nil {
				a.log.Warn("invalid queue config; keeping previous", logx.Any("err", err))
			} else {
				a.queue.Apply(qcfg)
			}

			for _, s := range sections {
				if s == "jobs" {
					a.restartJobs(newCfg)
					break
				}
			}
		}
	}
}

func (a *App) restartJobs(cfg *config.Config) {
	if a.jobs != nil {
		stopCtx := a.jobs.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(3 * time.Second):
			a.log.Warn("timed out waiting for running jobs during reload")
		}
	}
	if err := a.startJobs(cfg); err != nil {
		a.log.Warn("job reschedule failed; periodic jobs stopped", logx.Err(err))
		a.jobs = nil
	}
}

// watchLoop forwards remote document changes for the active owner onto the
// bus, resubscribing when the owner changes. Watch channels may drop events
// under backpressure; consumers re-list to recover.
func (a *App) watchLoop(c context.Context) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	var (
		owner string
		ch    <-chan remote.Change
		unsub func()
	)
	resub := func(next string) {
		if unsub != nil {
			unsub()
			ch, unsub = nil, nil
		}
		owner = next
		if owner != "" {
			ch, unsub = a.store.Watch(owner, 64)
		}
	}
	defer func() {
		if unsub != nil {
			unsub()
		}
	}()
	resub(a.currentOwner())

	for {
		select {
		case <-c.Done():
			return c.Err()
		case <-tick.C:
			if next := a.currentOwner(); next != owner {
				resub(next)
			}
		case chg, ok := <-ch:
			if !ok {
				return errors.New("watch subscription closed")
			}
			a.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderChanged, Data: chg})
		}
	}
}

func (a *App) eventLogLoop(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.jobs != nil {
		stopCtx := a.jobs.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}

	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && err != context.Canceled {
			a.log.Warn("supervisor stop", logx.Err(err))
		}
	}
	a.queue.Stop(ctx)
	a.saver.Deactivate()

	if a.local != nil {
		if err := a.local.Close(); err != nil {
			a.log.Warn("local store close", logx.Err(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("remote store close", logx.Err(err))
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

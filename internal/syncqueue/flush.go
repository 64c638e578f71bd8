package syncqueue

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"remindkit/internal/eventbus"
	"remindkit/internal/localstore"
	"remindkit/internal/remote"
	logx "remindkit/pkg/logx"
)

// Flush drains eligible items strictly sequentially.
//
// The whole pass is skipped when no owner is signed in. Items belonging to a
// different owner are left untouched (stale cross-account entries). A fixed
// inter-item delay rate-limits remote writes. Only one flush runs at a time;
// concurrent calls get ErrFlushInProgress.
func (s *Service) Flush(ctx context.Context) (FlushReport, error) {
	var rep FlushReport
	if s.store == nil {
		return rep, localstore.ErrDisabled
	}
	if !s.flushing.CompareAndSwap(false, true) {
		return rep, ErrFlushInProgress
	}
	defer s.flushing.Store(false)

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ownerFn := s.owner
	s.mu.Unlock()

	owner := ownerFn()
	if owner == "" {
		s.log.Debug("flush skipped: no authenticated owner")
		return rep, nil
	}

	doc, err := s.store.LoadQueue(ctx)
	if err != nil {
		return rep, err
	}
	keys := make([]string, 0, len(doc.Items))
	for k := range doc.Items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return doc.Items[keys[i]].EnqueuedAt.Before(doc.Items[keys[j]].EnqueuedAt)
	})

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	policy := cfg.retryPolicy()

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		it := doc.Items[k]
		now := s.now()

		switch {
		case it.PermanentFailure:
			continue
		case it.OwnerID != owner:
			rep.SkippedForeign++
			continue
		case it.Attempts >= cfg.MaxAttempts:
			s.markPermanent(ctx, k, it, "attempts exhausted")
			rep.MarkedPermanent++
			continue
		case it.NextAttemptAt.After(now):
			rep.Deferred++
			continue
		}

		// Fixed inter-item delay to bound the remote write rate.
		if err := lim.Wait(ctx); err != nil {
			return rep, err
		}

		rep.Attempted++
		err := s.apply.ApplyTimezone(ctx, owner, it.TargetTimezone)
		if err == nil {
			if merr := s.mutateQueue(ctx, func(doc *localstore.QueueDoc) {
				delete(doc.Items, k)
			}); merr != nil {
				return rep, merr
			}
			if cerr := s.store.ClearDeclined(ctx, k); cerr != nil {
				s.log.Debug("declined marker clear failed", logx.String("key", k), logx.Any("err", cerr))
			}
			s.bus.Publish(eventbus.Event{
				Type: eventbus.TypeSyncAccepted,
				Data: SyncSignal{OwnerID: it.OwnerID, Timezone: it.TargetTimezone},
			})
			rep.Delivered++
			s.log.Info("timezone change delivered",
				logx.String("owner", it.OwnerID),
				logx.String("tz", it.TargetTimezone),
				logx.Int("attempts", it.Attempts+1))
			continue
		}

		if remote.IsPermanent(err) {
			s.markPermanent(ctx, k, it, err.Error())
			rep.MarkedPermanent++
			continue
		}

		// Transient: keep the item, back off before it is eligible again.
		attempts := it.Attempts + 1
		delay := remote.Backoff(policy, attempts, rng)
		eligible := now.Add(delay)
		if merr := s.mutateQueue(ctx, func(doc *localstore.QueueDoc) {
			cur, ok := doc.Items[k]
			if !ok {
				return
			}
			cur.Attempts = attempts
			cur.NextAttemptAt = eligible
			doc.Items[k] = cur
		}); merr != nil {
			return rep, merr
		}
		rep.Deferred++
		s.log.Warn("timezone change deferred",
			logx.String("owner", it.OwnerID),
			logx.String("tz", it.TargetTimezone),
			logx.Int("attempts", attempts),
			logx.Duration("next_in", delay),
			logx.Any("err", err))
	}

	return rep, nil
}

func (s *Service) markPermanent(ctx context.Context, key string, it Item, reason string) {
	if merr := s.mutateQueue(ctx, func(doc *localstore.QueueDoc) {
		cur, ok := doc.Items[key]
		if !ok {
			return
		}
		cur.PermanentFailure = true
		doc.Items[key] = cur
	}); merr != nil {
		s.log.Warn("permanent mark failed", logx.String("key", key), logx.Any("err", merr))
		return
	}
	if perr := s.store.PutDeclined(ctx, key, s.now()); perr != nil {
		s.log.Debug("declined marker write failed", logx.String("key", key), logx.Any("err", perr))
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeSyncDeclined,
		Data: SyncSignal{OwnerID: it.OwnerID, Timezone: it.TargetTimezone},
	})
	s.log.Warn("timezone change permanently failed",
		logx.String("owner", it.OwnerID),
		logx.String("tz", it.TargetTimezone),
		logx.String("reason", reason))
}

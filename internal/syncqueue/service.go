package syncqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"remindkit/internal/eventbus"
	"remindkit/internal/localstore"
	logx "remindkit/pkg/logx"
)

// Applier performs the remote write for one queue item. The app layer wires
// it to the remote store (timezone profile write plus recompute kickoff).
type Applier interface {
	ApplyTimezone(ctx context.Context, ownerID, tz string) error
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	store localstore.Store
	apply Applier
	bus   eventbus.Bus
	log   logx.Logger

	// docMu serializes load-modify-save cycles so concurrent callers never
	// clobber each other's persisted snapshot.
	docMu sync.Mutex

	clientID string
	owner    func() string
	now      func() time.Time

	flushing atomic.Bool
	wg       sync.WaitGroup
}

func New(cfg Config, store localstore.Store, apply Applier, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(cfg.ItemDelay), 1),
		store:    store,
		apply:    apply,
		bus:      bus,
		log:      log,
		clientID: uuid.NewString(),
		owner:    func() string { return "" },
		now:      time.Now,
	}
}

// SetOwnerProvider installs the source of the currently authenticated owner.
// An empty return means "no one is signed in" and flushes are skipped.
func (s *Service) SetOwnerProvider(fn func() string) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.owner = fn
	s.mu.Unlock()
}

// Apply swaps queue settings at runtime.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Every(cfg.ItemDelay), 1)
	s.mu.Unlock()
}

// Start begins reacting to reconnect events; each one triggers a flush.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	bus := s.bus
	s.mu.Unlock()
	if !enabled || bus == nil {
		return
	}

	ch, unsub := bus.Subscribe(8)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Type != eventbus.TypeOnline {
					continue
				}
				rep, err := s.Flush(ctx)
				if err != nil && !errors.Is(err, ErrFlushInProgress) && !errors.Is(err, context.Canceled) {
					s.log.Warn("reconnect flush failed", logx.Any("err", err))
					continue
				}
				if rep.Attempted > 0 {
					s.log.Info("reconnect flush done",
						logx.Int("attempted", rep.Attempted),
						logx.Int("delivered", rep.Delivered),
						logx.Int("deferred", rep.Deferred))
				}
			}
		}
	}()
}

// Stop waits for the reconnect listener to exit (cancel its context first).
func (s *Service) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("syncqueue stop timed out", logx.Any("err", ctx.Err()))
	}
}

// Enqueue records a pending timezone change for (ownerID, tz). Re-enqueuing
// the same pair refreshes the entry (fresh attempt budget, new op id)
// instead of duplicating it. Beyond the cap the oldest entries are evicted.
func (s *Service) Enqueue(ctx context.Context, ownerID, tz string) error {
	if s.store == nil {
		return localstore.ErrDisabled
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	now := s.now()

	return s.mutateQueue(ctx, func(doc *localstore.QueueDoc) {
		k := itemKey(ownerID, tz)
		it := localstore.Item{
			OwnerID:        ownerID,
			TargetTimezone: tz,
			EnqueuedAt:     now,
			ClientID:       s.clientID,
			OpID:           uuid.NewString(),
		}
		doc.Items[k] = it

		for len(doc.Items) > cfg.MaxItems {
			oldest := ""
			var oldestAt time.Time
			for key, item := range doc.Items {
				if oldest == "" || item.EnqueuedAt.Before(oldestAt) {
					oldest = key
					oldestAt = item.EnqueuedAt
				}
			}
			delete(doc.Items, oldest)
		}
	})
}

// Declined reports whether a (ownerID, tz) pair was permanently refused.
func (s *Service) Declined(ctx context.Context, ownerID, tz string) (bool, error) {
	if s.store == nil {
		return false, localstore.ErrDisabled
	}
	_, ok, err := s.store.GetDeclined(ctx, itemKey(ownerID, tz))
	return ok, err
}

// Stats reads the persisted queue without mutating it.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if s.store == nil {
		return Stats{}, localstore.ErrDisabled
	}
	doc, err := s.store.LoadQueue(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Items: len(doc.Items)}
	for _, it := range doc.Items {
		if it.PermanentFailure {
			st.Permanent++
		}
	}
	return st, nil
}

// mutateQueue runs one load-modify-save cycle against the latest persisted
// snapshot. No in-memory copy of the document is treated as authoritative.
func (s *Service) mutateQueue(ctx context.Context, fn func(doc *localstore.QueueDoc)) error {
	s.docMu.Lock()
	defer s.docMu.Unlock()

	doc, err := s.store.LoadQueue(ctx)
	if err != nil {
		return err
	}
	fn(&doc)
	return s.store.SaveQueue(ctx, doc)
}

func itemKey(ownerID, tz string) string {
	return ownerID + "|" + tz
}

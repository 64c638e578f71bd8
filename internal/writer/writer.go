// Package writer applies client-submitted reminder creations to the remote
// store at most once per idempotency key.
package writer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"remindkit/internal/remote"
	logx "remindkit/pkg/logx"
)

// DefaultMappingTTL bounds how long an idempotency mapping is honored.
const DefaultMappingTTL = 24 * time.Hour

// Result reports the outcome of a Create call.
// Idempotent is true when an earlier creation was replayed.
type Result struct {
	ReminderID string
	Idempotent bool
}

type Writer struct {
	store remote.Store
	retry remote.RetryPolicy
	ttl   time.Duration
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Writer)

func WithRetryPolicy(p remote.RetryPolicy) Option {
	return func(w *Writer) { w.retry = p }
}

func WithMappingTTL(ttl time.Duration) Option {
	return func(w *Writer) {
		if ttl > 0 {
			w.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

func New(store remote.Store, log logx.Logger, opts ...Option) *Writer {
	w := &Writer{
		store: store,
		ttl:   DefaultMappingTTL,
		log:   log,
		now:   time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Create applies doc for (ownerID, idempotencyKey) at most once.
//
// The decision runs as one atomic transaction that reads only the mapping
// record: an existing, unexpired mapping replays the original ReminderID
// with no further writes; otherwise the reminder and its mapping are created
// together. Transient backend errors are retried with backoff and jitter;
// everything else propagates immediately.
func (w *Writer) Create(ctx context.Context, ownerID, idempotencyKey string, doc remote.Reminder) (Result, error) {
	if idempotencyKey == "" {
		// Degenerate callers without a key still get a safe single attempt.
		idempotencyKey = uuid.NewString()
	}

	var res Result
	err := remote.Do(ctx, w.log, w.retry, "writer.create", func(ctx context.Context) error {
		res = Result{}
		return w.store.RunTransaction(ctx, func(tx remote.Tx) error {
			now := w.now()

			m, ok, err := tx.GetMapping(ctx, ownerID, idempotencyKey)
			if err != nil {
				return err
			}
			if ok && m.ReminderID != "" && m.ExpiresAt.After(now) {
				res = Result{ReminderID: m.ReminderID, Idempotent: true}
				return nil
			}

			r := doc
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			r.OwnerID = ownerID
			r.Meta.IdempotencyKey = idempotencyKey
			if r.CreatedAt.IsZero() {
				r.CreatedAt = now.UTC()
			}
			if err := tx.CreateReminder(ctx, r); err != nil {
				return err
			}
			if err := tx.PutMapping(ctx, ownerID, idempotencyKey, remote.Mapping{
				ReminderID: r.ID,
				CreatedAt:  now.UTC(),
				ExpiresAt:  now.Add(w.ttl).UTC(),
			}); err != nil {
				return err
			}
			res = Result{ReminderID: r.ID, Idempotent: false}
			return nil
		})
	})
	if err != nil {
		return Result{}, err
	}

	w.log.Debug("reminder create applied",
		logx.String("owner", ownerID),
		logx.String("reminder", res.ReminderID),
		logx.Bool("idempotent", res.Idempotent))
	return res, nil
}

// Package syncqueue delivers timezone-change events to the remote store
// at-least-once under unreliable connectivity.
//
// The queue is persisted locally (localstore), bounded in size, and flushed
// strictly sequentially with a fixed inter-item delay. Failures are
// classified: transient ones back off and retry, permanent ones are marked
// and never retried again, surviving restarts.
package syncqueue

import (
	"errors"
	"time"

	"remindkit/internal/localstore"
	"remindkit/internal/remote"
)

var ErrFlushInProgress = errors.New("syncqueue: flush already in progress")

// Item re-exports the persisted queue item.
type Item = localstore.Item

// Config controls queue bounds and retry pacing.
type Config struct {
	Enabled       bool
	MaxItems      int           // queue cap, oldest evicted first (default 20)
	MaxAttempts   int           // per-item attempt cap (default 5)
	ItemDelay     time.Duration // fixed inter-item flush delay (default 400ms)
	RetryBase     time.Duration // transient backoff base (default 2s)
	RetryMaxDelay time.Duration // transient backoff ceiling (default 5m)
}

func (c Config) withDefaults() Config {
	if c.MaxItems <= 0 {
		c.MaxItems = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.ItemDelay <= 0 {
		c.ItemDelay = 400 * time.Millisecond
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	return c
}

func (c Config) retryPolicy() remote.RetryPolicy {
	return remote.RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		Base:        c.RetryBase,
		MaxDelay:    c.RetryMaxDelay,
	}
}

// SyncSignal is the payload of accepted/declined bus events.
type SyncSignal struct {
	OwnerID  string
	Timezone string
}

// FlushReport summarizes one flush pass.
type FlushReport struct {
	Attempted       int // items for which a remote write was tried
	Delivered       int // removed after a successful write
	Deferred        int // left queued (backoff not elapsed, or transient failure)
	SkippedForeign  int // items belonging to a different owner
	MarkedPermanent int // newly marked permanently failed
}

// Stats is a point-in-time view of the persisted queue.
type Stats struct {
	Items     int
	Permanent int
}

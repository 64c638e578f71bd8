// Package saver drives the reminder save flow as an explicit state machine.
//
// States are Idle, Active, Saving and Error. Activation is lazy: a saver
// does nothing until Activate. A new Save cancels the previous in-flight
// save before starting, so only the newest submission can win.
package saver

import (
	"context"
	"errors"
	"sync"
	"time"

	"remindkit/internal/eventbus"
	"remindkit/internal/remote"
	"remindkit/internal/schedule"
	"remindkit/internal/writer"
	logx "remindkit/pkg/logx"
)

var (
	ErrNotActive     = errors.New("saver: not active")
	ErrUnsatisfiable = errors.New("saver: schedule has no future occurrence")
)

// State is the saver's lifecycle position.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
	StateSaving State = "saving"
	StateError  State = "error"
)

type event string

const (
	evActivate   event = "activate"
	evDeactivate event = "deactivate"
	evSaveStart  event = "save_start"
	evSaveOK     event = "save_ok"
	evSaveFail   event = "save_fail"
)

// transition is the pure state table. The second return is false for moves
// the machine does not allow.
func transition(s State, ev event) (State, bool) {
	switch ev {
	case evActivate:
		if s == StateIdle || s == StateError {
			return StateActive, true
		}
		return s, s == StateActive
	case evDeactivate:
		return StateIdle, true
	case evSaveStart:
		// A save may start over a stale one (Saving) or after a failure.
		if s == StateActive || s == StateSaving || s == StateError {
			return StateSaving, true
		}
		return s, false
	case evSaveOK:
		if s == StateSaving {
			return StateActive, true
		}
		return s, false
	case evSaveFail:
		if s == StateSaving {
			return StateError, true
		}
		return s, false
	default:
		return s, false
	}
}

// Outcome is the structured result surfaced to the form layer.
type Outcome struct {
	ReminderID string
	NextRunAt  time.Time
	Idempotent bool
}

type Saver struct {
	mu      sync.Mutex
	state   State
	lastErr error
	gen     uint64
	cancel  context.CancelFunc

	w   *writer.Writer
	bus eventbus.Bus
	log logx.Logger
	now func() time.Time
}

type Option func(*Saver)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Saver) {
		if now != nil {
			s.now = now
		}
	}
}

func New(w *writer.Writer, bus eventbus.Bus, log logx.Logger, opts ...Option) *Saver {
	s := &Saver{
		state: StateIdle,
		w:     w,
		bus:   bus,
		log:   log,
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Saver) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure that put the saver into the Error state.
func (s *Saver) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Saver) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next, ok := transition(s.state, evActivate); ok {
		s.state = next
		s.lastErr = nil
	}
}

// Deactivate returns to Idle and aborts any in-flight save.
func (s *Saver) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.state, _ = transition(s.state, evDeactivate)
	s.lastErr = nil
}

// Save validates in, resolves its first occurrence and creates the reminder
// under idempotencyKey. Calling Save while a previous call is still in
// flight cancels the stale call; the stale call's result never drives the
// machine's state.
func (s *Saver) Save(ctx context.Context, ownerID, idempotencyKey string, in schedule.Input, content string) (Outcome, error) {
	s.mu.Lock()
	next, ok := transition(s.state, evSaveStart)
	if !ok {
		s.mu.Unlock()
		return Outcome{}, ErrNotActive
	}
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = next
	s.lastErr = nil
	s.gen++
	gen := s.gen
	now := s.now()
	s.mu.Unlock()

	defer cancel()

	spec, err := schedule.Validate(in, now)
	if err != nil {
		return s.finish(gen, Outcome{}, err)
	}
	nextRun, okRun := schedule.Resolve(spec, now)
	if !okRun {
		return s.finish(gen, Outcome{}, ErrUnsatisfiable)
	}

	res, err := s.w.Create(ctx, ownerID, idempotencyKey, remote.Reminder{
		Schedule:  spec,
		NextRunAt: &nextRun,
		Enabled:   true,
		Content:   content,
	})
	if err != nil {
		return s.finish(gen, Outcome{}, err)
	}

	out := Outcome{ReminderID: res.ReminderID, NextRunAt: nextRun, Idempotent: res.Idempotent}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderChanged, Data: out})
	}
	s.log.Info("reminder saved",
		logx.String("owner", ownerID),
		logx.String("reminder", out.ReminderID),
		logx.Bool("idempotent", out.Idempotent))
	return s.finish(gen, out, nil)
}

// finish applies the save result to the machine. Results from superseded
// saves and cancellations never move the state.
func (s *Saver) finish(gen uint64, out Outcome, err error) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return out, err
	}
	s.cancel = nil
	switch {
	case err == nil:
		s.state, _ = transition(s.state, evSaveOK)
	case errors.Is(err, context.Canceled):
		// Superseded or deactivated mid-flight; nothing to record.
	default:
		if next, ok := transition(s.state, evSaveFail); ok {
			s.state = next
			s.lastErr = err
		}
	}
	return out, err
}

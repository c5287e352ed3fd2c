// Package broadcast runs bulk copy/forward jobs over every known contact.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"joinflow/internal/dispatch"
	"joinflow/internal/kit"
	"joinflow/internal/store"
)

// ErrBusy is returned when a job is already running. Jobs never queue; the
// operator retries once the current one finishes.
var ErrBusy = errors.New("broadcast: job already running")

type Mode string

const (
	// ModeCopy re-sends the source message without a forward header.
	ModeCopy Mode = "copy"
	// ModeForward keeps the forward header and original attribution.
	ModeForward Mode = "forward"
)

// Tally buckets every processed contact into exactly one outcome.
type Tally struct {
	Total       int
	Success     int
	Blocked     int
	Deactivated int
	NotStarted  int
	Failed      int
	Elapsed     time.Duration
}

// Processed is the sum of all buckets and always equals Total at the end of
// a completed job.
func (t Tally) Processed() int {
	return t.Success + t.Blocked + t.Deactivated + t.NotStarted + t.Failed
}

func (t Tally) String() string {
	return fmt.Sprintf(
		"Broadcast finished in %s\n\nTotal: %d\nDelivered: %d\nBlocked: %d\nDeleted accounts: %d\nNever started: %d\nFailed: %d",
		t.Elapsed.Round(time.Second), t.Total, t.Success, t.Blocked, t.Deactivated, t.NotStarted, t.Failed)
}

type Config struct {
	// ProgressEvery is the number of contacts between progress edits.
	// Defaults to 25.
	ProgressEvery int
}

func (c Config) withDefaults() Config {
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 25
	}
	return c
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store   store.Store
	disp    *dispatch.Dispatcher
	adapter kit.Adapter
	log     *slog.Logger

	// jobMu enforces one job at a time.
	jobMu sync.Mutex

	now func() time.Time
}

func New(cfg Config, st store.Store, disp *dispatch.Dispatcher, adapter kit.Adapter, log *slog.Logger) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		store:   st,
		disp:    disp,
		adapter: adapter,
		log:     log,
		now:     time.Now,
	}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) progressEvery() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.ProgressEvery
}

// Run delivers src to every known contact and reports the tally. The status
// message in the admin chat is edited in place as the job progresses.
// Returns ErrBusy when another job holds the lock.
func (s *Service) Run(ctx context.Context, mode Mode, src kit.MessageRef, status kit.ChatTarget) (Tally, error) {
	if !s.jobMu.TryLock() {
		return Tally{}, ErrBusy
	}
	defer s.jobMu.Unlock()

	ids, err := s.store.ContactIDs(ctx)
	if err != nil {
		return Tally{}, fmt.Errorf("broadcast: list contacts: %w", err)
	}

	log := s.log.With(slog.String("mode", string(mode)), slog.Int("total", len(ids)))
	log.Info("broadcast started")

	// Status traffic shares the dispatcher with the deliveries so the job
	// never exceeds the global send rate.
	var statusRef kit.MessageRef
	statusRes := s.disp.Do(ctx, func(ctx context.Context) error {
		ref, err := s.adapter.SendText(ctx, status,
			fmt.Sprintf("Broadcasting to %d contacts...", len(ids)), nil)
		statusRef = ref
		return err
	})
	statusOK := statusRes.OK()
	if !statusOK {
		log.Warn("status message send failed", slog.Any("err", statusRes.Err))
	}

	start := s.now()
	tally := Tally{Total: len(ids)}
	every := s.progressEvery()

	for i, id := range ids {
		if ctx.Err() != nil {
			tally.Elapsed = s.now().Sub(start)
			return tally, ctx.Err()
		}
		s.deliver(ctx, mode, src, id, &tally, log)

		if statusOK && (i+1)%every == 0 {
			s.disp.Do(ctx, func(ctx context.Context) error {
				return s.adapter.EditText(ctx, statusRef,
					fmt.Sprintf("Broadcasting... %d/%d", i+1, len(ids)), nil)
			})
		}
	}

	tally.Elapsed = s.now().Sub(start)
	if statusOK {
		if res := s.disp.Do(ctx, func(ctx context.Context) error {
			return s.adapter.EditText(ctx, statusRef, tally.String(), nil)
		}); !res.OK() {
			log.Warn("final tally edit failed", slog.Any("err", res.Err))
		}
	}
	log.Info("broadcast finished",
		slog.Int("delivered", tally.Success),
		slog.Int("blocked", tally.Blocked),
		slog.Int("deactivated", tally.Deactivated),
		slog.Int("never_started", tally.NotStarted),
		slog.Int("failed", tally.Failed),
		slog.Duration("elapsed", tally.Elapsed))
	return tally, nil
}

func (s *Service) deliver(ctx context.Context, mode Mode, src kit.MessageRef, id int64, tally *Tally, log *slog.Logger) {
	to := kit.ChatTarget{ChatID: id}
	res := s.disp.Do(ctx, func(ctx context.Context) error {
		if mode == ModeForward {
			return s.adapter.ForwardMessage(ctx, src, to)
		}
		return s.adapter.CopyMessage(ctx, src, to)
	})

	switch res.Class {
	case dispatch.ClassOK:
		tally.Success++
	case dispatch.ClassBlocked:
		tally.Blocked++
		s.removeContact(ctx, id, "blocked", log)
	case dispatch.ClassDeactivated:
		tally.Deactivated++
		s.removeContact(ctx, id, "deactivated", log)
	case dispatch.ClassNotStarted, dispatch.ClassPeerInvalid:
		tally.NotStarted++
	default:
		tally.Failed++
		log.Warn("broadcast delivery failed", slog.Int64("contact_id", id), slog.Any("err", res.Err))
	}
}

// removeContact drops dead recipients so later jobs do not waste sends on
// them.
func (s *Service) removeContact(ctx context.Context, id int64, reason string, log *slog.Logger) {
	if err := s.store.RemoveContact(ctx, id); err != nil {
		log.Warn("remove contact failed", slog.Int64("contact_id", id), slog.Any("err", err))
		return
	}
	log.Info("contact removed", slog.Int64("contact_id", id), slog.String("reason", reason))
}

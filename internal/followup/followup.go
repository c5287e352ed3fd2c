// Package followup runs the timed nudge sweeps. Due-ness is derived from
// each record's created_at plus the persisted sent flags, so a restart never
// loses or duplicates a nudge.
package followup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"joinflow/internal/store"
)

type Config struct {
	// Interval between sweep ticks. Defaults to 5m.
	Interval time.Duration
	// EarlyAfter is the age threshold for the first nudge. Defaults to 1h.
	EarlyAfter time.Duration
	// LateAfter is the age threshold for the second nudge. Defaults to 3h.
	LateAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.EarlyAfter <= 0 {
		c.EarlyAfter = time.Hour
	}
	if c.LateAfter <= 0 {
		c.LateAfter = 3 * time.Hour
	}
	return c
}

// Nudger sends one follow-up to a contact and reports whether the flag was
// marked. The onboarding service implements it.
type Nudger interface {
	Nudge(ctx context.Context, rec store.OnboardingRecord, kind store.FollowUpKind) bool
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store  store.Store
	nudger Nudger
	log    *slog.Logger

	c      *cron.Cron
	cancel context.CancelFunc

	// sweepMu serializes sweeps; an overlapping tick is skipped, not queued.
	sweepMu sync.Mutex
}

func New(cfg Config, st store.Store, n Nudger, log *slog.Logger) *Service {
	return &Service{cfg: cfg.withDefaults(), store: st, nudger: n, log: log}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := "@every " + s.cfg.Interval.String()
	if _, err := c.AddFunc(spec, func() { s.Sweep(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("follow-up sweeps started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("early_after", s.cfg.EarlyAfter),
		slog.Duration("late_after", s.cfg.LateAfter))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.log.Info("follow-up sweeps stopped")
}

// Apply updates thresholds and restarts the cron entry when the interval
// changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	restart := s.c != nil && cfg.Interval != s.cfg.Interval
	s.cfg = cfg
	if !restart {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	if s.cancel != nil {
		s.cancel()
	}
	ctx, s.cancel = context.WithCancel(ctx)
	if err := s.startLocked(ctx); err != nil {
		s.log.Error("restart follow-up sweeps failed", slog.Any("err", err))
	}
}

func (s *Service) thresholds() (early, late time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.EarlyAfter, s.cfg.LateAfter
}

// Sweep runs one pass over both nudge kinds. Concurrent calls are skipped.
func (s *Service) Sweep(ctx context.Context) {
	if !s.sweepMu.TryLock() {
		s.log.Debug("sweep still running, skipping tick")
		return
	}
	defer s.sweepMu.Unlock()

	early, late := s.thresholds()
	s.sweepKind(ctx, store.FollowUp1h, early)
	s.sweepKind(ctx, store.FollowUp3h, late)
}

func (s *Service) sweepKind(ctx context.Context, kind store.FollowUpKind, threshold time.Duration) {
	recs, err := s.store.DueForFollowUp(ctx, kind, threshold)
	if err != nil {
		s.log.Warn("due query failed", slog.String("kind", string(kind)), slog.Any("err", err))
		return
	}
	if len(recs) == 0 {
		return
	}
	s.log.Info("nudging due contacts", slog.String("kind", string(kind)), slog.Int("count", len(recs)))

	var sent int
	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		if s.nudger.Nudge(ctx, rec, kind) {
			sent++
		}
	}
	s.log.Info("sweep pass done", slog.String("kind", string(kind)),
		slog.Int("due", len(recs)), slog.Int("sent", sent))
}

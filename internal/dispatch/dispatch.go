// Package dispatch is the single choke point for outbound sends: global
// pacing, transient retry with backoff, and per-recipient failure
// classification. Every component that talks to the chat platform goes
// through one shared Dispatcher so bulk jobs and real-time onboarding sends
// draw from the same rate budget.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"joinflow/internal/kit"
)

// ErrExhausted is returned (wrapped in a Result) when the transient retry
// budget runs out.
var ErrExhausted = errors.New("dispatch: retry budget exhausted")

// Class buckets a dispatch outcome. Callers react to the class, never to the
// underlying platform error.
type Class int

const (
	ClassOK Class = iota
	ClassBlocked
	ClassDeactivated
	ClassNotStarted
	ClassPeerInvalid
	ClassExhausted
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassBlocked:
		return "blocked"
	case ClassDeactivated:
		return "deactivated"
	case ClassNotStarted:
		return "not_started"
	case ClassPeerInvalid:
		return "peer_invalid"
	case ClassExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

type Result struct {
	Class    Class
	Err      error
	Attempts int
}

func (r Result) OK() bool { return r.Class == ClassOK }

// Permanent reports whether the outcome is a recipient failure that retrying
// can never fix.
func (r Result) Permanent() bool {
	switch r.Class {
	case ClassBlocked, ClassDeactivated, ClassNotStarted, ClassPeerInvalid:
		return true
	}
	return false
}

// Config holds dispatcher tuning. All durations are already parsed.
type Config struct {
	// MinInterval is the floor between any two platform calls, process-wide.
	MinInterval time.Duration
	// RetryMax is the transient attempt ceiling (first try included).
	RetryMax int
	// RetryBase seeds the exponential backoff.
	RetryBase time.Duration
	// RetryMaxDelay caps a single backoff sleep.
	RetryMaxDelay time.Duration
	// Pause is the scripted delay between sequential sends inside one
	// handler (see Pace). Zero disables it, which tests rely on.
	Pause time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	return c
}

// Dispatcher serializes access to the global send budget. Safe for
// concurrent use; the limiter is the only process-wide mutable send state.
type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	log     *slog.Logger

	// sleep is swappable so tests can observe waits instead of taking them.
	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand
}

func New(cfg Config, log *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		log:     log,
		sleep:   sleepCtx,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Apply updates tuning on config reload.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

// Do runs op under the global rate floor, retrying transient failures with
// exponential backoff and jitter. Platform-mandated waits are honored
// verbatim and do not consume the transient budget. Permanent recipient
// failures short-circuit without retrying.
func (d *Dispatcher) Do(ctx context.Context, op func(ctx context.Context) error) Result {
	cfg, lim := d.snapshot()

	attempts := 0
	var lastErr error
	for attempts < cfg.RetryMax {
		if err := lim.Wait(ctx); err != nil {
			return Result{Class: ClassExhausted, Err: err, Attempts: attempts}
		}

		err := op(ctx)
		attempts++
		if err == nil {
			return Result{Class: ClassOK, Attempts: attempts}
		}
		lastErr = err

		if res, ok := classifyPermanent(err, attempts); ok {
			return res
		}

		var ra *kit.RetryAfterError
		if errors.As(err, &ra) {
			// The platform told us how long to wait; the duration is
			// authoritative. Does not count as a backoff attempt.
			attempts--
			d.log.Warn("rate limited by platform", slog.Duration("retry_after", ra.After))
			if err := d.sleep(ctx, ra.After); err != nil {
				return Result{Class: ClassExhausted, Err: err, Attempts: attempts}
			}
			continue
		}

		if attempts >= cfg.RetryMax {
			break
		}
		delay := d.backoff(cfg, attempts)
		d.log.Debug("transient send failure, backing off",
			slog.Int("attempt", attempts), slog.Duration("delay", delay), slog.Any("err", err))
		if err := d.sleep(ctx, delay); err != nil {
			return Result{Class: ClassExhausted, Err: err, Attempts: attempts}
		}
	}

	return Result{
		Class:    ClassExhausted,
		Err:      errors.Join(ErrExhausted, lastErr),
		Attempts: attempts,
	}
}

// Pace sleeps the scripted pause between sequential sends in one handler.
// This is scheduling policy, not a retry: it spaces a message sequence so a
// single handler does not burst the per-chat limit.
func (d *Dispatcher) Pace(ctx context.Context) {
	cfg, _ := d.snapshot()
	if cfg.Pause <= 0 {
		return
	}
	_ = d.sleep(ctx, cfg.Pause)
}

func classifyPermanent(err error, attempts int) (Result, bool) {
	switch {
	case errors.Is(err, kit.ErrBlocked):
		return Result{Class: ClassBlocked, Err: err, Attempts: attempts}, true
	case errors.Is(err, kit.ErrDeactivated):
		return Result{Class: ClassDeactivated, Err: err, Attempts: attempts}, true
	case errors.Is(err, kit.ErrNotStarted):
		return Result{Class: ClassNotStarted, Err: err, Attempts: attempts}, true
	case errors.Is(err, kit.ErrPeerInvalid):
		return Result{Class: ClassPeerInvalid, Err: err, Attempts: attempts}, true
	}
	return Result{}, false
}

// backoff computes base * 2^(attempt-1) capped at RetryMaxDelay, with
// 0.7..1.3 jitter.
func (d *Dispatcher) backoff(cfg Config, attempt int) time.Duration {
	delay := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.RetryMaxDelay {
			delay = cfg.RetryMaxDelay
			break
		}
	}
	d.mu.Lock()
	j := 0.7 + d.rng.Float64()*0.6
	d.mu.Unlock()
	delay = time.Duration(float64(delay) * j)
	if delay > cfg.RetryMaxDelay {
		delay = cfg.RetryMaxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"joinflow/internal/adapters/telegram"
	"joinflow/internal/broadcast"
	"joinflow/internal/dispatch"
	"joinflow/internal/followup"
	"joinflow/internal/kit"
	"joinflow/internal/onboarding"
	"joinflow/internal/services/logging"
	"joinflow/internal/store"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  *slog.Logger
	logs *logging.Service

	adapter *telegram.Adapter
	store   store.Store
	disp    *dispatch.Dispatcher
	flow    *onboarding.Service
	sweeps  *followup.Service
	bcast   *broadcast.Service
	router  *Router

	updates chan kit.Update
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := slog.New(logging.NewPrettyHandler(logging.Stdout(), slog.LevelInfo)).With(slog.String("comp", "telegram"))

	pollTimeout, err := parseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		return nil, err
	}
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Second
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logging.New(loggingConfig(cfg), ad)
	log = log.With(slog.String("comp", "app"))
	logSvc.SetTelegramTarget(cfg.Telegram.AdminChatID)

	st, err := store.Open(ctx, storageConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	disp := dispatch.New(dispatchConfig(cfg), log.With(slog.String("comp", "dispatch")))
	flow := onboarding.New(funnelConfig(cfg), st, disp, ad, log.With(slog.String("comp", "funnel")))
	sweeps := followup.New(followupConfig(cfg), st, flow, log.With(slog.String("comp", "followup")))
	bc := broadcast.New(broadcastConfig(cfg), st, disp, ad, log.With(slog.String("comp", "broadcast")))
	router := NewRouter(log.With(slog.String("comp", "router")), ad, cfgm, st, flow, bc)

	buf := cfg.Telegram.UpdatesBuffer
	if buf <= 0 {
		buf = 256
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		adapter: ad,
		store:   st,
		disp:    disp,
		flow:    flow,
		sweeps:  sweeps,
		bcast:   bc,
		router:  router,
		updates: make(chan kit.Update, buf),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(slog.String("comp", "config")))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if err := a.sweeps.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	a.sup.Go0("config.reload", a.reloadLoop)

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if err := a.adapter.UpdateMenuCommands(a.sup.Context(), []kit.BotCommand{
		{Command: "start", Description: "begin or resume setup"},
		{Command: "help", Description: "show available commands"},
	}); err != nil {
		a.log.Warn("menu command update failed", slog.Any("err", err))
	}

	a.log.Info("app started")
	return nil
}

// reloadLoop applies committed config snapshots to the running services.
// Storage driver changes require a restart and are logged, not applied.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest snapshot.
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
			a.logs.Apply(loggingConfig(newCfg))
			a.logs.SetTelegramTarget(newCfg.Telegram.AdminChatID)

			a.disp.Apply(dispatchConfig(newCfg))
			a.flow.Apply(funnelConfig(newCfg))
			a.sweeps.Apply(ctx, followupConfig(newCfg))
			a.bcast.Apply(broadcastConfig(newCfg))

			if lastApplied != nil && newCfg.Storage != lastApplied.Storage {
				a.log.Warn("storage config changed, restart required to take effect")
			}
			lastApplied = newCfg
			a.log.Info("config reloaded")
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", slog.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component cannot
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", slog.String("name", name), slog.String("err", err.Error()))
			}
			a.log.Debug("stop step end", slog.String("name", name), slog.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				slog.String("name", name),
				slog.String("err", stepCtx.Err().Error()),
				slog.Duration("elapsed", time.Since(start)))
		}
	}

	step("followup", 2*time.Second, func(c context.Context) error { a.sweeps.Stop(); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 2*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return nil
}

// ---- config section mapping ----

func loggingConfig(cfg *Config) logging.Config {
	return logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
		File: logging.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logging.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func storageConfig(cfg *Config) store.Config {
	busy, _ := parseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
		URI:         cfg.Storage.URI,
		Database:    cfg.Storage.Database,
	}
}

func dispatchConfig(cfg *Config) dispatch.Config {
	minInterval, _ := parseDurationField("dispatch.min_interval", cfg.Dispatch.MinInterval)
	retryBase, _ := parseDurationField("dispatch.retry_base", cfg.Dispatch.RetryBase)
	retryMaxDelay, _ := parseDurationField("dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay)
	pause, _ := parseDurationField("dispatch.pause", cfg.Dispatch.Pause)
	return dispatch.Config{
		MinInterval:   minInterval,
		RetryMax:      cfg.Dispatch.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		Pause:         pause,
	}
}

func funnelConfig(cfg *Config) onboarding.Config {
	return onboarding.Config{
		GateChannelID: cfg.Funnel.GateChannelID,
		ChannelURL:    cfg.Funnel.ChannelURL,
		SupportURL:    cfg.Funnel.SupportURL,
		AutoApprove:   !cfg.Funnel.ManualApprove,
	}
}

func followupConfig(cfg *Config) followup.Config {
	interval, _ := parseDurationField("follow_up.interval", cfg.FollowUp.Interval)
	early, _ := parseDurationField("follow_up.early_after", cfg.FollowUp.EarlyAfter)
	late, _ := parseDurationField("follow_up.late_after", cfg.FollowUp.LateAfter)
	return followup.Config{
		Interval:   interval,
		EarlyAfter: early,
		LateAfter:  late,
	}
}

func broadcastConfig(cfg *Config) broadcast.Config {
	return broadcast.Config{ProgressEvery: cfg.Broadcast.ProgressEvery}
}

// Package app wires the notification core together: config, logging, the
// follower registry, the mail queue, the dispatcher and the scheduler.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/laurafang/swish/internal/config"
	"github.com/laurafang/swish/internal/dispatch"
	"github.com/laurafang/swish/internal/eventbus"
	"github.com/laurafang/swish/internal/follower"
	"github.com/laurafang/swish/internal/mailq"
	"github.com/laurafang/swish/internal/schedule"
	"github.com/laurafang/swish/internal/transport"
	"github.com/laurafang/swish/pkg/logx"
)

// Options injects the external collaborators. Absent ones fall back to the
// logging mocks, which makes a bare `notifyd` useful for development.
type Options struct {
	Presence transport.Presence
	Mail     transport.MailSender
	Profiles transport.Profiles
}

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	followers  *follower.Store
	queue      *mailq.Queue
	dispatcher *dispatch.Dispatcher
	sched      *schedule.Scheduler
	bus        eventbus.Bus

	mu     sync.Mutex
	cancel context.CancelFunc
	unsub  func()
	cfgCh  chan *config.Config
	wg     sync.WaitGroup
}

func New(cfgPath string, opts Options) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logConfig(cfg.Logging))
	mgr.SetLogger(log.With(logx.String("component", "config")))

	busyTimeout, err := config.DurationField("followers.busy_timeout", cfg.Followers.BusyTimeout)
	if err != nil {
		return nil, err
	}
	followers, err := follower.Open(follower.Config{Path: cfg.Followers.Path, BusyTimeout: busyTimeout},
		log.With(logx.String("component", "followers")))
	if err != nil {
		return nil, fmt.Errorf("open follower store: %w", err)
	}

	queue := mailq.New(cfg.Queue.Path, log.With(logx.String("component", "mailq")))

	if opts.Mail == nil {
		opts.Mail = transport.NewMockMailSender(log.With(logx.String("component", "mail")))
	}
	if opts.Presence == nil {
		opts.Presence = transport.NewLogPresence(log.With(logx.String("component", "presence")))
	}
	if opts.Profiles == nil {
		opts.Profiles = transport.NewStaticProfiles()
	}

	schedCfg, err := scheduleConfig(cfg.Mail)
	if err != nil {
		_ = followers.Close()
		return nil, err
	}
	sched := schedule.New(schedCfg, queue, opts.Mail, opts.Profiles,
		log.With(logx.String("component", "schedule")))

	dispatcher := dispatch.New(dispatchConfig(cfg), followers, queue,
		opts.Presence, opts.Mail, opts.Profiles, sched,
		log.With(logx.String("component", "dispatch")))

	return &App{
		cfgMgr:     mgr,
		logSvc:     logSvc,
		log:        log,
		followers:  followers,
		queue:      queue,
		dispatcher: dispatcher,
		sched:      sched,
		bus:        eventbus.New(),
	}, nil
}

// Bus is the surface document-store and chat collaborators publish events
// into.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Followers exposes the registry so the surrounding request layer can serve
// follow/unfollow operations.
func (a *App) Followers() *follower.Store { return a.followers }

// Scheduler exposes the drain trigger (mainly for operational tooling).
func (a *App) Scheduler() *schedule.Scheduler { return a.sched }

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return fmt.Errorf("app already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.sched.Start(runCtx); err != nil {
		cancel()
		a.cancel = nil
		return err
	}

	// Dispatcher consumes the event bus until shutdown.
	ch, unsub := a.bus.Subscribe(64)
	a.unsub = unsub
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for ev := range ch {
			if err := a.dispatcher.HandleEvent(runCtx, ev); err != nil {
				a.log.Error("event dispatch failed", logx.Err(err))
			}
		}
	}()

	// Config hot reload.
	a.cfgCh = a.cfgMgr.Subscribe(4)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-a.cfgCh:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	}()

	a.log.Info("notifyd started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	unsub := a.unsub
	cfgCh := a.cfgCh
	a.cancel = nil
	a.unsub = nil
	a.cfgCh = nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	if unsub != nil {
		unsub()
	}
	if cfgCh != nil {
		a.cfgMgr.Unsubscribe(cfgCh)
	}
	a.sched.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	err := a.followers.Close()
	_ = a.logSvc.Close()
	a.log.Info("notifyd stopped")
	return err
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logConfig(cfg.Logging))
	a.dispatcher.Apply(dispatchConfig(cfg))

	schedCfg, err := scheduleConfig(cfg.Mail)
	if err != nil {
		a.log.Warn("ignoring mail config update", logx.Err(err))
		return
	}
	if err := a.sched.Apply(schedCfg); err != nil {
		a.log.Warn("ignoring mail schedule update", logx.Err(err))
	}
}

func logConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.ConsoleEnabled(),
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func dispatchConfig(c *config.Config) dispatch.Config {
	timeout, _ := config.DurationFieldOr("mail.send_timeout", c.Mail.SendTimeout, 30*time.Second)
	return dispatch.Config{
		NotifySelf:  c.Dispatch.NotifySelf,
		SendTimeout: timeout,
	}
}

func scheduleConfig(c config.MailConfig) (schedule.Config, error) {
	timeout, err := config.DurationFieldOr("mail.send_timeout", c.SendTimeout, 30*time.Second)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{
		DailyAt:     c.DailyAt,
		Timezone:    c.Timezone,
		RetryBudget: c.RetryMax,
		SendTimeout: timeout,
		RatePerSec:  c.RatePerSec,
	}, nil
}

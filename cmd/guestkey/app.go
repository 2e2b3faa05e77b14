package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"guestkey/config"
	"guestkey/internal/accesscode"
	"guestkey/internal/calendar"
	"guestkey/internal/db"
	"guestkey/internal/health"
	"guestkey/internal/lock"
	"guestkey/internal/log"
	"guestkey/internal/notification"
	"guestkey/internal/provision"
	"guestkey/internal/scheduler"
	"guestkey/internal/service"
	"guestkey/internal/store"
)

// app owns every long-lived component. It is built once per command and
// closed when the command returns.
type app struct {
	cfg        *config.Config
	loc        *time.Location
	store      store.Store
	lock       lock.Controller
	notifier   *notification.Multi
	messenger  *notification.Messenger
	orch       *provision.Orchestrator
	fetcher    *calendar.HTTPFetcher
	reconciler *calendar.Reconciler
	scheduler  *scheduler.Scheduler
	pipeline   *service.Pipeline
	tracker    *health.Tracker
	webpush    *webpush.Options
	logger     zerolog.Logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
	}
	log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON})
	if cfg.Node.Name == "" {
		cfg.Node.Name = defaultNodeName()
	}
	return cfg, nil
}

func defaultNodeName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "node-" + uuid.NewString()[:8]
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := log.WithComponent("main")
	logger.Info().Str("config", configPath).Str("node", cfg.Node.Name).Str("role", cfg.Node.Role).Msg("configuration loaded")

	loc, err := time.LoadLocation(cfg.Calendar.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Calendar.Timezone, err)
	}

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	st, err := store.NewGormStore(ctx, gormDB)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		loc:     loc,
		store:   st,
		lock:    lock.NewCommandController(cfg.Lock, loc, lock.ExecRunner{}),
		tracker: health.NewTracker(time.Now),
		logger:  logger,
		webpush: &webpush.Options{
			VAPIDPublicKey:  cfg.Notification.Push.PublicKey,
			VAPIDPrivateKey: cfg.Notification.Push.PrivateKey,
			Subscriber:      cfg.Notification.Push.Subject,
			TTL:             cfg.Notification.Push.TTL,
		},
	}

	a.notifier = notification.NewMulti(a.channels()...)
	a.messenger = notification.NewMessenger(a.notifier, cfg.Notification.Recipient, loc)
	a.orch = provision.New(st, a.lock, a.messenger, accesscode.New(nil), cfg.Provision)

	a.fetcher = calendar.NewHTTPFetcher(cfg.Calendar)
	a.reconciler, err = calendar.NewReconciler(cfg.Calendar, st, a.fetcher, a.orch,
		calendar.WithObserver(a.tracker.Observe))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.scheduler, err = scheduler.New(cfg.Schedule, a.orch, loc, scheduler.WithObserver(a.tracker.Observe))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.pipeline = service.NewPipeline(a.reconciler, a.scheduler)

	a.tracker.Expect("reconcile", 3*cfg.Calendar.PollInterval)
	a.tracker.Expect("cleanup", 3*time.Hour)
	a.tracker.Expect("recover", 3*time.Hour)
	a.tracker.Expect("notify", 3*time.Hour)
	a.tracker.Expect("battery", 48*time.Hour)
	return a, nil
}

// channels returns the configured notification channels. The log channel is
// used only when nothing else is configured.
func (a *app) channels() []notification.Channel {
	var out []notification.Channel
	if a.cfg.Notification.Push.PublicKey != "" && a.cfg.Notification.Push.PrivateKey != "" {
		out = append(out, notification.NewWebPushChannel(a.store, a.webpush, nil))
	}
	if a.cfg.Notification.Email.Enabled {
		out = append(out, notification.NewEmailChannel(a.cfg.Notification.Email, nil))
	}
	if len(out) == 0 {
		a.logger.Warn().Msg("no notification channel configured, messages go to the log only")
		out = append(out, notification.NewLogChannel())
	}
	return out
}

// snapshot feeds the heartbeat sender.
func (a *app) snapshot(ctx context.Context) (int, bool) {
	active, err := a.store.ListActive(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to count active reservations for heartbeat")
	}
	return len(active), a.messenger.IsReady()
}

func (a *app) Close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close store")
	}
}

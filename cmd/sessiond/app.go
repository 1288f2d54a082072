package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/whatsapp-automation/sessiond/internal/cache"
	"github.com/whatsapp-automation/sessiond/internal/config"
	"github.com/whatsapp-automation/sessiond/internal/history"
	"github.com/whatsapp-automation/sessiond/internal/labels"
	"github.com/whatsapp-automation/sessiond/internal/notify"
	"github.com/whatsapp-automation/sessiond/internal/session"
	"github.com/whatsapp-automation/sessiond/internal/store"
	"github.com/whatsapp-automation/sessiond/internal/whatsapp"
)

// app holds every wired component of a running process.
type app struct {
	cfg       *config.Config
	log       *logrus.Entry
	db        *gorm.DB
	auth      *whatsapp.AuthStore
	throttler *history.Throttler
	manager   *session.Manager

	closers []func() error
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	return store.Open(cfg.Database.Dialect, cfg.Database.DSN)
}

func newApp(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	a.db = db
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}
	if err := store.Migrate(db); err != nil {
		return nil, err
	}
	accounts := store.NewAccounts(db)
	snapshots := store.NewSnapshots(db)

	a.auth, err = whatsapp.NewAuthStore(whatsapp.AuthOptions{
		Dialect: cfg.Auth.Dialect,
		Dir:     cfg.Auth.Dir,
		DSN:     cfg.Auth.DSN,
		Log:     log,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.auth.Close)

	replay := cache.NewMessageCache(cfg.Cache.MessageCapacity, cfg.Cache.MessageTTL)
	protocol, err := whatsapp.NewProtocol(whatsapp.Options{
		Auth:     a.auth,
		Replay:   replay,
		ProxyURL: cfg.Proxy.GetURL(),
		Log:      log,
	})
	if err != nil {
		return nil, err
	}

	job, err := a.importJob()
	if err != nil {
		return nil, err
	}
	a.throttler, err = history.NewThrottler(history.Options{
		Job:          job,
		Progress:     accounts,
		PollInterval: cfg.Import.PollInterval,
		Cooldown:     cfg.Import.Cooldown,
		TrustFinal:   cfg.Import.TrustFinalBatch,
		Log:          log,
	})
	if err != nil {
		return nil, err
	}

	bus, err := a.notificationBus(ctx)
	if err != nil {
		return nil, err
	}

	a.manager, err = session.NewManager(session.Options{
		Protocol:        protocol,
		Accounts:        accounts,
		Auth:            a.auth,
		Labels:          labels.NewSynchronizer(labels.NewCache(), snapshots, log),
		Importer:        a.throttler,
		Replay:          replay,
		Bus:             bus,
		ReconnectDelay:  cfg.Session.ReconnectDelay,
		ConnectTimeout:  cfg.Session.ConnectTimeout,
		LabelResyncWait: cfg.Session.LabelResyncWait,
		MaxQRRetries:    cfg.Session.MaxQRRetries,
		Log:             log,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// importJob selects Kafka when brokers are configured and the log job
// otherwise.
func (a *app) importJob() (history.Job, error) {
	k := a.cfg.Import.Kafka
	if len(k.Brokers) == 0 {
		a.log.Warn("No Kafka brokers configured, history imports are only logged")
		return history.LogJob{Log: a.log}, nil
	}
	job, err := history.NewKafkaJob(k.Brokers, k.Topic, a.log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, job.Close)
	a.log.Infof("History imports go to Kafka topic %s", k.Topic)
	return job, nil
}

func (a *app) notificationBus(ctx context.Context) (notify.Bus, error) {
	bus := notify.Multi{notify.LogBus{Log: a.log}}

	if r := a.cfg.Notify.Redis; r.Addr != "" {
		redisBus, err := notify.NewRedisBus(ctx, notify.RedisOptions{Addr: r.Addr, Password: r.Password, DB: r.DB})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, redisBus.Close)
		bus = append(bus, redisBus)
	}

	if tg := a.cfg.Notify.Telegram; tg.Token != "" {
		telegram, err := notify.NewTelegram(notify.TelegramOptions{Token: tg.Token, ChatID: tg.ChatID, Log: a.log})
		if err != nil {
			return nil, err
		}
		bus = append(bus, telegram)
	}
	return bus, nil
}

// Close releases everything newApp opened, last opened first.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warnf("Shutdown: %v", fmt.Errorf("close: %w", err))
	}
}

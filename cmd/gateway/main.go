package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execgw/internal/broker"
	"execgw/internal/broker/rest"
	"execgw/internal/broker/sim"
	"execgw/internal/broker/stream"
	"execgw/internal/config"
	"execgw/internal/lifecycle"
	"execgw/internal/logger"
	"execgw/internal/marketdata"
	"execgw/internal/reconcile"
	"execgw/internal/safety"
	"execgw/internal/server"
	"execgw/internal/slicer"
	"execgw/internal/store"
	"execgw/internal/store/memory"
	"execgw/internal/store/postgres"
	"execgw/internal/webhook"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})

	log.Info("execution gateway starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st store.Store
	if cfg.Runtime.DryRun {
		st = memory.New()
		log.Warn("dry-run mode, state is in-memory only")
	} else {
		pg, err := postgres.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("postgres connection failed")
		}
		defer pg.Close()
		st = pg
	}

	flags := safety.NewMemoryFlagStore()
	if err := safety.RebuildFlags(ctx, st, flags, cfg.Safety.QuietPeriod); err != nil {
		log.WithError(err).Fatal("safety flag rebuild failed")
	}
	limiter := safety.NewMutationLimiter(cfg.Safety.MutationInterval)
	breaker := safety.NewBreaker(flags, st, limiter, cfg.Safety.QuietPeriod, log)
	killSwitch := safety.NewKillSwitch(flags, st, limiter, log)

	quotes := marketdata.NewCache()
	lock := safety.NewReduceOnlyLock()
	gate := safety.NewGate(breaker, killSwitch, quotes, st, lock, cfg.Safety, log)

	var client broker.Client
	var events broker.EventSource
	if cfg.Runtime.DryRun {
		simBroker := sim.New()
		client = simBroker
		events = simBroker
	} else {
		client = rest.New(cfg.Broker.BaseUrl, cfg.Broker.ApiKey, cfg.Broker.Secret, cfg.Broker.Timeout, log)
		events = stream.New(cfg.Broker.WSUrl, cfg.Broker.ApiKey, cfg.Broker.Secret, log)
	}

	engine := reconcile.NewEngine(st, client, quotes, lock, cfg.Reconcile, log)
	manager := lifecycle.NewManager(st, gate, client, engine, time.UTC, log)
	sl := slicer.New(st, manager, gate, cfg.Slicer, time.UTC, log)
	wh := webhook.NewHandler(cfg.Broker.WebhookSecret, engine, log)

	go engine.Start(ctx)
	go sl.Start(ctx)
	go func() {
		ch, err := events.Subscribe(ctx)
		if err != nil {
			log.WithError(err).Error("broker stream unavailable, relying on polling")
			return
		}
		engine.ConsumeEvents(ctx, ch, quotes)
	}()

	srv := server.New(cfg.Gateway.ListenAddr, manager, sl, breaker, killSwitch, engine, st, wh, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-sigCh
	log.Info("shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}

	log.Info("execution gateway stopped")
}

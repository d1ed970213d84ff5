package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coreos/go-systemd/v22/daemon"

	"reminders/internal/auth"
	"reminders/internal/condition"
	"reminders/internal/config"
	httpx "reminders/internal/http"
	"reminders/internal/jobs"
	"reminders/internal/logging"
	"reminders/internal/notify"
	"reminders/internal/reminder"
)

func main() {
	// reminders hash-key <key> prints the value for ADMIN_API_KEY_HASH
	if len(os.Args) == 3 && os.Args[1] == "hash-key" {
		hash, err := auth.HashAPIKey(os.Args[2])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}()
	log.Info().Str("driver", cfg.StoreDriver).Str("worker_id", cfg.WorkerID).Msg("store ready")

	policy, err := reminder.NewTimePolicy(cfg.LocalTimezone)
	if err != nil {
		log.Fatal().Err(err).Msg("time policy")
	}
	clk := clock.New()
	svc := &reminder.Service{Repo: st, Policy: policy, Clock: clk}

	dispatcher := notify.NewDispatcher(notify.Options{
		Timeout:    cfg.DispatchTimeout,
		RetryMax:   cfg.Transports.RetryMax,
		RatePerSec: cfg.Transports.RatePerSec,
	}, log)
	dispatcher.Apply(notify.BuildSenders(cfg.Transports, log))
	log.Info().Strs("channels", dispatcher.Channels()).Bool("dry_run", cfg.Transports.DryRun).Msg("dispatcher ready")

	var wg sync.WaitGroup
	if cfg.TransportsFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := config.WatchTransports(ctx, cfg.TransportsFile, cfg.TransportsEnv, log, func(t config.Transports) {
				dispatcher.Apply(notify.BuildSenders(t, log))
			})
			if err != nil {
				log.Error().Err(err).Msg("transports watcher stopped")
			}
		}()
	}

	worker := &jobs.Worker{
		ID:         cfg.WorkerID,
		Store:      st,
		Checker:    condition.NewChecker(st),
		Dispatcher: dispatcher,
		Clock:      clk,
		Log:        log.With().Str("comp", "scheduler").Logger(),
		Interval:   cfg.TickInterval,
		Lease:      cfg.ClaimLease,
		BatchSize:  cfg.ClaimBatchSize,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	var jwtSvc *auth.JWT
	if cfg.JWTSecret != "" {
		jwtSvc = auth.NewJWT(cfg.JWTSecret)
	} else {
		log.Warn().Msg("JWT_SECRET not set, admin API is unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.NewRouter(cfg, svc, jwtSvc, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("sd_notify ready")
	} else if ok {
		log.Debug().Msg("notified systemd")
	}

	// graceful shutdown
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	log.Info().Str("signal", sig.String()).Msg("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	// in-flight jobs finish or release their claims before the store closes
	cancel()
	wg.Wait()
}

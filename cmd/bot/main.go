package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"heartbeat_bot/internal/config"
	"heartbeat_bot/internal/engine"
	"heartbeat_bot/internal/httpapi"
	"heartbeat_bot/internal/logbus"
	"heartbeat_bot/internal/notify"
	"heartbeat_bot/internal/provider/supabase"
	"heartbeat_bot/internal/session"
	"heartbeat_bot/internal/store/file"
	"heartbeat_bot/internal/store/sqlite"
)

func main() {
	configPath := pflag.StringP("config", "c", "./config.yaml", "path to config.yaml (empty: environment only)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	bus := logbus.New(cfg.Log.BufferSize)
	bus.SetOutput(os.Stdout, cfg.Log.Level)
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := engine.Options{
		Accounts:  file.Open(cfg.Accounts.Path),
		Bus:       bus,
		Interval:  cfg.Schedule.Interval(),
		Limits:    cfg.Limits,
		Retention: cfg.Storage.Retention(),
	}

	var history *sqlite.Store
	if cfg.Storage.HistoryEnabled() {
		history, err = sqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("open sqlite: %v", err)
		}
		defer history.Close()
		opts.Recorder = history
	}

	var mailer *notify.EmailNotifier
	if cfg.Notify.Email.Enabled {
		mailer = notify.NewEmailNotifier(cfg.Notify, bus)
		opts.Notifier = mailer
	}

	prov := supabase.New(cfg.API, bus)
	opts.Provider = prov
	opts.Sessions = session.New(session.Options{
		Provider:        prov,
		Bus:             bus,
		DefaultTokenTTL: cfg.Session.DefaultTokenTTL(),
	})
	eng := engine.New(opts)

	if err := eng.Load(ctx); err != nil {
		log.Fatalf("cannot start without accounts: %v", err)
	}

	var server *http.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Addr != "" {
		apiOpts := httpapi.Options{Cfg: cfg.Server, Bus: bus, Engine: eng}
		if history != nil {
			apiOpts.Reports = history
		}
		server = &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           httpapi.New(apiOpts).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			serverErr <- server.ListenAndServe()
		}()
		bus.Log("info", "status server listening", map[string]any{"addr": cfg.Server.Addr})
	}

	if err := eng.Bootstrap(ctx); err != nil && ctx.Err() == nil {
		bus.Log("warn", "startup login pass finished with errors", map[string]any{"error": err.Error()})
	}
	if ctx.Err() == nil {
		if err := eng.Start(ctx); err != nil {
			log.Fatalf("start scheduler: %v", err)
		}
	}

	select {
	case <-ctx.Done():
		bus.Log("info", "shutdown signal received", nil)
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			bus.Log("error", "status server error", map[string]any{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = eng.Stop(shutdownCtx)
	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}
	if mailer != nil {
		_ = mailer.Close(shutdownCtx)
	}
	bus.Log("info", "stopped", nil)
}

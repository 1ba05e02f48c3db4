package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/towerhq/towerd/internal/api"
	"github.com/towerhq/towerd/internal/creds"
	"github.com/towerhq/towerd/internal/obs"
	"github.com/towerhq/towerd/internal/register"
	"github.com/towerhq/towerd/internal/tunnel"
)

func main() {
	cfg := parseFlags()
	log := obs.NewLogger(cfg.Debug)
	defer log.Sync()

	credsPath := cfg.CredsPath
	if credsPath == "" {
		p, err := creds.DefaultPath()
		if err != nil {
			log.Fatal("cannot resolve credential path", zap.Error(err))
		}
		credsPath = p
	}
	store := creds.NewStore(credsPath)

	if cfg.RegisterURL != "" {
		runRegister(cfg, store, log)
		return
	}

	cr, err := store.Load()
	if err != nil {
		log.Fatal("cannot load credentials; run with -register <relay-url> first",
			zap.String("path", store.Path()), zap.Error(err))
	}

	var current atomic.Pointer[tunnel.Client]
	var currentCreds atomic.Pointer[creds.Credentials]
	build := func(c *creds.Credentials) *tunnel.Client {
		localPort := cfg.LocalPort
		if localPort == 0 {
			localPort = c.LocalPort
		}
		return tunnel.NewClient(tunnel.Config{
			ServerHost:   c.ServerHost,
			TunnelPort:   c.TunnelPort,
			APIKey:       c.APIKey,
			TowerID:      c.TowerID,
			LocalPort:    localPort,
			PlainText:    cfg.PlainText,
			PingInterval: cfg.PingInterval,
			PongTimeout:  cfg.PongTimeout,
			Logger:       log,
		})
	}
	current.Store(build(cr))
	currentCreds.Store(cr)

	// Credential rotation replaces the client outright; connection parameters
	// are immutable per instance.
	stopWatch, err := store.Watch(log, func(next *creds.Credentials) {
		log.Info("credentials rotated, replacing tunnel client")
		replacement := build(next)
		old := current.Swap(replacement)
		currentCreds.Store(next)
		old.Disconnect()
		replacement.Connect()
	})
	if err != nil {
		log.Warn("credential rotation watch unavailable", zap.Error(err))
	} else {
		defer stopWatch()
	}

	ctrl := api.NewServer(current.Load, currentCreds.Load, log)
	srv := &http.Server{Addr: cfg.Listen, Handler: ctrl.Handler()}
	go func() {
		log.Info("control API listening", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("control API failed", zap.Error(err))
		}
	}()

	current.Load().Connect()
	log.Info("towerd started",
		zap.String("tower", cr.TowerID),
		zap.String("public_url", cr.PublicURL()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	current.Load().Disconnect()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func runRegister(cfg config, store *creds.Store, log *zap.Logger) {
	rc := register.New(cfg.RegisterURL, log)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	grant, err := rc.Begin(ctx)
	if err != nil {
		log.Fatal("device registration failed", zap.Error(err))
	}
	fmt.Printf("Visit %s and enter code %s\n", grant.VerificationURL, grant.UserCode)

	cr, err := rc.Poll(ctx, grant)
	if err != nil {
		log.Fatal("device registration failed", zap.Error(err))
	}
	if err := store.Save(cr); err != nil {
		log.Fatal("cannot save credentials", zap.Error(err))
	}
	fmt.Printf("Registered tower %q; credentials saved to %s\n", cr.TowerName, store.Path())
}

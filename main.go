package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sticky-tools/sticky-kerneld/adapter"
	"github.com/sticky-tools/sticky-kerneld/adapter/assistant"
	"github.com/sticky-tools/sticky-kerneld/adapter/fileeditor"
	"github.com/sticky-tools/sticky-kerneld/adapter/pty"
	"github.com/sticky-tools/sticky-kerneld/auth"
	"github.com/sticky-tools/sticky-kerneld/config"
	"github.com/sticky-tools/sticky-kerneld/logging"
	"github.com/sticky-tools/sticky-kerneld/orchestrator"
	"github.com/sticky-tools/sticky-kerneld/recorder"
	"github.com/sticky-tools/sticky-kerneld/recovery"
	"github.com/sticky-tools/sticky-kerneld/router"
	"github.com/sticky-tools/sticky-kerneld/scheduler"
	"github.com/sticky-tools/sticky-kerneld/store"
	"github.com/sticky-tools/sticky-kerneld/store/postgres"
	"github.com/sticky-tools/sticky-kerneld/store/sqlite"
	"github.com/sticky-tools/sticky-kerneld/transport"
	"github.com/sticky-tools/sticky-kerneld/workspace"
)

var version = "dev"

func main() {
	confDir := env("CONF_DIR", "/data/conf")

	fmt.Printf("sticky-kerneld %s\n", version)

	cfg, err := config.Load(confDir)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	g := cfg.Get()

	log_ := logging.New(env("LOG_LEVEL", "info"))

	st, err := openStore(g, confDir)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	reg := adapter.NewRegistry()
	reg.Register("pty", pty.New(g.DefaultShell))
	reg.Register("assistant", assistant.New(g.AssistantCommand, time.Duration(g.SpawnTimeoutMS)*time.Millisecond))
	reg.Register("file-editor", fileeditor.New())
	reg.Register("ephemeral-job", pty.NewEphemeralJob(g.DefaultShell))
	reg.Freeze()

	rec := recorder.New(st, g.MaxSubscriberQueue)
	orch := orchestrator.New(cfg, st, reg, rec, log_)

	ws := workspace.New(st, g.WorkspacesRoot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch.Start(ctx)
	defer orch.Stop()

	if rep, err := recovery.Run(ctx, st, orch, log_); err != nil {
		log.Fatalf("recovery: %v", err)
	} else {
		log_.Info("startup recovery complete", "resumed", rep.Resumed, "stopped", rep.Stopped)
	}

	go scheduler.New(cfg, orch, log_, 0, nil).Run(ctx)

	var verifier *auth.Verifier
	if secret := os.Getenv("AUTH_SECRET"); secret != "" {
		verifier = auth.NewVerifier([]byte(secret))
	} else {
		log_.Warn("AUTH_SECRET not set — websocket hello auth disabled")
	}

	tr := transport.New(verifier, orch, rec, log_, transport.Config{
		Heartbeat:    time.Duration(g.HeartbeatMS) * time.Millisecond,
		PongDeadline: time.Duration(g.PongDeadlineMS) * time.Millisecond,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", g.Port),
		Handler: router.New(orch, st, ws, tr, log_),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log_.Info("listening", "port", g.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log_.Info("shutting down")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log_.Error("shutdown", "error", err)
	}
}

func openStore(g config.Data, confDir string) (store.Store, error) {
	switch g.StoreDriver {
	case "postgres":
		return postgres.Open(context.Background(), g.DatabaseURL)
	default:
		return sqlite.Open(filepath.Join(confDir, "sticky-kernel.db"))
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

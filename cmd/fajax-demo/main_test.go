package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fajax/backend/internal/client"
	"github.com/MarcoPoloResearchLab/fajax/backend/internal/config"
	"github.com/MarcoPoloResearchLab/fajax/backend/internal/network"
	"go.uber.org/zap"
)

func TestEndSessionLogsOutAfterSignal(t *testing.T) {
	appConfig := config.AppConfig{
		LogLevel:       "error",
		DatabasePath:   filepath.Join(t.TempDir(), "demo.db"),
		DatabaseName:   "database",
		NetworkMode:    network.ModeLocal,
		AllowedOrigins: []string{"*"},
	}
	signalCtx, stop := context.WithCancel(context.Background())
	defer stop()

	demo, err := buildStack(signalCtx, appConfig, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build stack: %v", err)
	}
	defer demo.close()

	api, err := client.New(client.Config{Network: demo.simulator})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.Register(ctx, "demo", "demo"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	apiKey := api.APIKey()

	stop()
	done := make(chan struct{})
	go func() {
		endSession(signalCtx, api, zap.NewNop())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(logoutTimeout + time.Second):
		t.Fatal("expected logout to return after the signal")
	}

	if api.APIKey() != "" {
		t.Fatalf("expected the session key to be cleared")
	}
	if _, err := demo.accounts.ResolveAPIKey(apiKey); err == nil {
		t.Fatalf("expected the server to forget the logged out key")
	}
}

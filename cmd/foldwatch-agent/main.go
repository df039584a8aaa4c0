package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/foldwatch/foldwatch/internal/account"
	internalhttp "github.com/foldwatch/foldwatch/internal/api/http"
	"github.com/foldwatch/foldwatch/internal/identity"
	"github.com/foldwatch/foldwatch/internal/relay"
	"github.com/foldwatch/foldwatch/internal/state"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Foldwatch Agent", "version", AppVersion)

	store := state.NewStore()

	// A key problem disables only the relay subsystem: the account poller
	// and the HTTP API keep running, and the status endpoint reports the
	// failure. The process never proceeds into connection attempts with
	// bad key material.
	var relayClient *relay.Client
	var aggregator *state.Aggregator
	var keyLoadErr error

	keys, err := identity.Load(config.Identity.AccountSecret, config.Identity.MachineSecret)
	if err != nil {
		slog.Error("Key load failed, relay subsystem disabled", "error", err)
		keyLoadErr = err
		aggregator = state.NewAggregator(store, "", config.State.StaleAfter)
	} else {
		slog.Info("Identity loaded",
			"account_id", keys.AccountID(),
			"machine_id", keys.MachineID(),
		)
		aggregator = state.NewAggregator(store, keys.MachineID(), config.State.StaleAfter)
		relayClient = relay.NewClient(config.Relay, keys, aggregator)
		if err := relayClient.Start(); err != nil {
			slog.Error("Failed to start relay client", "error", err)
			os.Exit(1)
		}
		go drainFailures(relayClient)
	}

	poller := account.NewPoller(config.Account, store, aggregator)
	if err := poller.Start(); err != nil {
		slog.Error("Failed to start account poller", "error", err)
		os.Exit(1)
	}

	services := &internalhttp.Services{
		Store:        store,
		RelayClient:  relayClient,
		KeyLoadError: keyLoadErr,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET"},
		AllowHeaders:  []string{"Origin", "Content-Length", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("Starting HTTP server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			quit <- syscall.SIGTERM
		}
	}()

	sig := <-quit
	slog.Info("Received shutdown signal", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := poller.Stop(); err != nil {
			slog.Error("Account poller stop error", "error", err)
		}
	}()

	if relayClient != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := relayClient.Stop(); err != nil {
				slog.Error("Relay client stop error", "error", err)
			}
		}()
	}

	wg.Wait()
	slog.Info("Shutdown complete")
}

func drainFailures(client *relay.Client) {
	for f := range client.Failures() {
		if f.Permanent {
			slog.Error("Relay connection permanently failed",
				"reason", f.Reason,
				"error", f.Err,
				"attempts", f.Attempts,
			)
		} else {
			slog.Warn("Relay connection failure",
				"reason", f.Reason,
				"error", f.Err,
				"attempt", f.Attempts,
			)
		}
	}
}

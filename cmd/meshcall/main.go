package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meshcall/meshcall/internal/adapters/agent"
	"github.com/meshcall/meshcall/internal/adapters/capture"
	"github.com/meshcall/meshcall/internal/adapters/control"
	router "github.com/meshcall/meshcall/internal/adapters/http"
	"github.com/meshcall/meshcall/internal/adapters/roster"
	"github.com/meshcall/meshcall/internal/adapters/rtc"
	"github.com/meshcall/meshcall/internal/config"
	"github.com/meshcall/meshcall/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	store, err := roster.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable")
	}

	var bridge core.AgentBridge
	if cfg.Agent.URL != "" {
		bridge = agent.NewBridge(cfg.Agent)
	}

	ctl := control.NewController(control.Deps{
		Store:   store,
		Devices: capture.NewManager(cfg.Devices),
		Factory: rtc.Factory(cfg.Mesh.STUNServers),
		Agent:   bridge,
		Cfg:     cfg,
	})

	r := router.SetupRouter(ctx, cfg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("meshcall client started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

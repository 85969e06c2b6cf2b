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

	"github.com/dkeye/Gather/internal/auth"
	"github.com/dkeye/Gather/internal/config"
	"github.com/dkeye/Gather/internal/core"
	"github.com/dkeye/Gather/internal/media"
	gathersignal "github.com/dkeye/Gather/internal/signal"
	"github.com/dkeye/Gather/internal/store"
	"github.com/dkeye/Gather/internal/web"
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
		log.Error().Err(err).Msg("failed to load config")
	}

	venueStore, userStore, err := store.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init store")
	}

	engine, err := media.NewEngine(cfg.StunURLs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init media engine")
	}

	venues := core.NewVenueManager(venueStore, engine)
	verifier := auth.NewCodec(cfg.Secret)
	ctrl := gathersignal.NewController(venues, userStore, verifier, cfg)

	r := web.SetupRouter(ctx, cfg, ctrl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Gather server started")
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
	venues.Drain()
	log.Info().Msg("Server exited gracefully")
}

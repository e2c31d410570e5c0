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

	router "github.com/lessonlink/realtime/internal/adapters/http"
	"github.com/lessonlink/realtime/internal/app"
	"github.com/lessonlink/realtime/internal/app/orch"
	"github.com/lessonlink/realtime/internal/config"
	"github.com/lessonlink/realtime/internal/core"
	"github.com/lessonlink/realtime/internal/store/attach"
	"github.com/lessonlink/realtime/internal/store/badgerstore"
	"github.com/lessonlink/realtime/internal/store/memory"
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

	var store core.Store
	switch cfg.Store {
	case "memory":
		store = memory.New()
	default:
		store, err = badgerstore.Open(cfg.DataDir, cfg.DedupeWindow)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open store")
		}
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("store close")
		}
	}()

	attachments, err := attach.NewDisk(cfg.AttachmentDir, "/attachments", cfg.AttachMaxSize)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open attachment store")
	}

	registry := core.NewRegistry()
	rooms := core.NewRooms(ctx, registry)
	defer rooms.Shutdown()

	o := &orch.Orchestrator{
		Registry: registry,
		Rooms:    rooms,
		Store:    store,
		Unread:   app.NewUnreadTracker(store),
		Locks:    app.NewKeyedLock(),
	}
	o.Bind()

	identity := router.NewDevIdentity()
	r := router.SetupRouter(ctx, cfg, o, identity, attachments)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("realtime server started")
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

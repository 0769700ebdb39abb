package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/callroom/internal/adapters/http"
	"github.com/dkeye/callroom/internal/app"
	"github.com/dkeye/callroom/internal/app/orch"
	"github.com/dkeye/callroom/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logger first so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := pflag.NewFlagSet("callroom-server", pflag.ExitOnError)
	fs.Int("port", 5000, "listen port")
	fs.String("mode", "release", "gin mode: debug, release or test")
	fs.String("log-level", "info", "log level")
	fs.StringSlice("allowed-origins", nil, "allowed websocket origins, empty allows all")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, keeping info")
	}

	rooms := app.NewRoomManager(app.RandomRoomIDs(cfg.Room.IDLength))
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(rooms),
		Rooms:    rooms,
		Policy:   app.SimplePolicy{},
		Chat:     app.NewRateLimiter(1, cfg.Room.ChatInterval),
		Limits: orch.Limits{
			ChatMaxLen:  cfg.Room.ChatMaxLen,
			EmojiMaxLen: cfg.Room.EmojiMaxLen,
		},
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, cfg, o),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("callroom server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

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

	"shiplive/native/internal/config"
	"shiplive/native/internal/relay"
)

const tokenTTL = 30 * 24 * time.Hour

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadRelay(os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		fmt.Print("Usage:\n  relay [options]\n\nOptions:\n" + config.RelayUsage())
		os.Exit(0)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	auth := relay.NewAuth(cfg.JWTSecret)
	if cfg.IssueToken != "" {
		if auth == nil {
			log.Fatal().Msg("--issue-token needs RELAY_JWT_SECRET")
		}
		token, err := auth.Issue(cfg.IssueToken, tokenTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("issue token")
		}
		fmt.Println(token)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := relay.OpenStore(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer store.Close()

	hub := relay.NewHub()
	s, err := relay.NewServer(store, hub, auth, relay.Options{
		UploadDir: cfg.UploadDir,
		PublicURL: cfg.PublicURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create server")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Bool("auth", auth != nil).Msg("relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("relay exited")
}

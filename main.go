package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"brandpool/internal/app"
	"brandpool/internal/auth"
	"brandpool/internal/config"
	httpapi "brandpool/internal/http"
	"brandpool/internal/logging"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	logging.Init(logging.Config{Level: "info", Component: "brandpool"})

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Warn().Err(err).Msg("load .env failed")
		}
	} else if !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("stat .env failed")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config failed")
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "brandpool"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := app.OpenStore(ctx, cfg, true)
	if err != nil {
		log.Fatal().Err(err).Msg("open store failed")
	}
	defer st.Close()

	svc, cleanup, err := app.NewService(ctx, cfg, st)
	if err != nil {
		log.Fatal().Err(err).Msg("build service failed")
	}
	defer cleanup()

	signer := auth.NewSigner(cfg.JWTSecretKey, cfg.JWTIssuer, cfg.JWTExpiry())
	if cfg.JWTSecretKey == "" {
		log.Warn().Msg("JWT_SECRET_KEY not set, authenticated routes will fail")
	}

	server := httpapi.NewServer(svc, signer)
	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ServerAddr).Str("store", cfg.StoreDriver).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
}

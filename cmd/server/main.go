package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/phosphorvtt/phosphor/internal/server"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if getEnv("LOG_LEVEL", "") == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	addr := getEnv("ADDR", ":8080")
	natsURL := getEnv("NATS_URL", "")
	roomsPath := getEnv("ROOMS_CONFIG", "")

	cfg := server.DefaultConfig()
	cfg.DefaultGMPassword = getEnv("GM_PASSWORD", "")
	cfg.Connection.ReadTimeout = getEnvAsDuration("READ_TIMEOUT", cfg.Connection.ReadTimeout)
	cfg.Connection.WriteTimeout = getEnvAsDuration("WRITE_TIMEOUT", cfg.Connection.WriteTimeout)

	if roomsPath != "" {
		rooms, err := loadRoomsFile(roomsPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", roomsPath).Msg("failed to load rooms config")
		}
		if rooms.DefaultGMPassword != "" {
			cfg.DefaultGMPassword = rooms.DefaultGMPassword
		}
		cfg.Presets = rooms.Rooms
		log.Info().Int("rooms", len(rooms.Rooms)).Str("path", roomsPath).Msg("loaded room presets")
	}

	var relay server.Relay
	if natsURL != "" {
		relayCfg := server.DefaultRelayConfig()
		relayCfg.URL = natsURL
		jsRelay, err := server.NewJetStreamRelay(relayCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create JetStream relay")
		}
		defer jsRelay.Close()
		relay = jsRelay
	}

	hub := server.NewHub(cfg, relay)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	mux.Handle("/metrics", server.MetricsHandler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}).Handler(mux)

	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		log.Info().
			Str("addr", addr).
			Bool("relay", relay != nil).
			Msg("session server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
}

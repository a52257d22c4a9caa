package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arvoki/camlink/internal/adapters/api"
	"github.com/arvoki/camlink/internal/adapters/ice"
	"github.com/arvoki/camlink/internal/adapters/media"
	"github.com/arvoki/camlink/internal/adapters/rtc"
	signaladapter "github.com/arvoki/camlink/internal/adapters/signal"
	"github.com/arvoki/camlink/internal/app/lifecycle"
	"github.com/arvoki/camlink/internal/app/peer"
	"github.com/arvoki/camlink/internal/config"
	"github.com/arvoki/camlink/internal/domain"
	"github.com/arvoki/camlink/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	role, err := domain.ParseRole(cfg.Role)
	if err != nil {
		log.Fatal().Err(err).Str("role", cfg.Role).Msg("invalid role")
	}

	deviceStr := cfg.DeviceID
	if deviceStr == "" {
		deviceStr = uuid.NewString()
		log.Info().Str("device", deviceStr).Msg("no device id configured, generated one")
	}
	deviceID, err := domain.NewDeviceID(deviceStr)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid device id")
	}

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("opening database")
	}
	pairings := store.NewPairingStore(db)
	commands := store.NewCommandStore(db)

	collab := api.NewClient(cfg.APIBaseURL, cfg.APIKey)

	ctrl := peer.NewController(peer.Options{
		Signals:      signaladapter.NewChannel(cfg.RelayURL, deviceID),
		Ice:          ice.NewProvider(cfg.IceEndpoint, cfg.APIKey),
		Media:        media.Detect(),
		NewTransport: rtc.NewTransport,
		Commands:     commands,
	})

	mgr := lifecycle.NewManager(lifecycle.Options{
		Controller: ctrl,
		Pairing:    pairings,
		PairingAPI: collab,
		Presence:   collab,
		Role:       role,
	})
	mgr.Start(ctx)

	unsubscribe := mgr.Subscribe(func(ev domain.ConnectionEvent) {
		log.Info().
			Str("event", string(ev.Type)).
			Int("attempt", ev.Attempt).
			Str("error", ev.Error).
			Msg("connection event")
	})
	defer unsubscribe()

	if err := mgr.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("initial connect failed, waiting for pairing")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	mgr.Stop()
	if err := ctrl.Destroy(context.Background()); err != nil {
		log.Error().Err(err).Msg("destroying controller")
	}
	log.Info().Msg("Agent exited gracefully")
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lightdeck/lightdeck/internal/blob"
	"github.com/lightdeck/lightdeck/internal/bus"
	"github.com/lightdeck/lightdeck/internal/catalog"
	"github.com/lightdeck/lightdeck/internal/discovery"
	"github.com/lightdeck/lightdeck/internal/effects"
	"github.com/lightdeck/lightdeck/internal/logging"
	"github.com/lightdeck/lightdeck/internal/registry"
	"github.com/lightdeck/lightdeck/internal/server"
	"github.com/lightdeck/lightdeck/internal/transport"
)

const (
	sweepInterval = 10 * time.Second
	effectDrain   = 2 * time.Second
)

// frameHandler dispatches inbound frames to the discovery service once it
// has been wired in.
func frameHandler(disc *atomic.Pointer[discovery.Service]) transport.Handler {
	return func(in transport.Inbound) {
		if d := disc.Load(); d != nil {
			d.HandleFrame(in)
		}
	}
}

func main() {
	listenAddr := flag.String("listen", ":8080", "HTTP listen address")
	audioDir := flag.String("audio-dir", "data/audio", "Directory for uploaded audio clips")
	grace := flag.Duration("grace", registry.DefaultGracePeriod, "Silence before a device is marked offline")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	logging.Configure(logging.Config{Level: *logLevel, Service: "lightdeck"})
	log := logging.WithComponent("main")

	cfg := server.DefaultConfig()
	cfg.ListenAddr = *listenAddr
	cfg.AudioDir = *audioDir

	events := bus.New(bus.DefaultBufferSize)
	reg := registry.New(events, *grace)

	// The transport dispatches inbound frames to the discovery service, which
	// is itself wired on top of the transport; the receive loop is already
	// running when the service is constructed, so the reference is handed
	// over atomically. Frames arriving before that are dropped.
	var discRef atomic.Pointer[discovery.Service]
	lan, err := transport.New(transport.DefaultConfig(), frameHandler(&discRef))
	if err != nil {
		log.Fatal().Err(err).Msg("could not open LAN socket")
	}
	defer lan.Close()

	player := effects.New(lan, reg, events)
	disc := discovery.New(discovery.DefaultConfig(), lan, reg, player)
	discRef.Store(disc)

	store := catalog.NewMemoryStore()
	if err := catalog.SeedDefaults(store); err != nil {
		log.Fatal().Err(err).Msg("could not seed catalog defaults")
	}

	blobs, err := blob.NewStore(cfg.AudioDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.AudioDir).Msg("could not open audio store")
	}

	srv := server.New(cfg, server.Deps{
		Registry:  reg,
		Catalog:   store,
		Blobs:     blobs,
		Effects:   player,
		Discovery: disc,
		LAN:       lan,
		Bus:       events,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reg.RunSweeper(ctx, sweepInterval)
		return nil
	})
	g.Go(func() error {
		disc.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return srv.Run(ctx)
	})

	log.Info().Str("listen", cfg.ListenAddr).Msg("lightdeck started")
	err = g.Wait()

	// Wind down playback so devices come back to their pre-effect state.
	drainCtx, cancel := context.WithTimeout(context.Background(), effectDrain)
	defer cancel()
	if derr := player.Shutdown(drainCtx); derr != nil {
		log.Warn().Err(derr).Msg("effect drain timed out")
	}

	if err != nil {
		log.Error().Err(err).Msg("exited with error")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}

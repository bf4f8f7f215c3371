package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/rdmarm/internal/config"
	"github.com/piwi3910/rdmarm/internal/hardware"
	"github.com/piwi3910/rdmarm/internal/health"
	"github.com/piwi3910/rdmarm/internal/metrics"
	"github.com/piwi3910/rdmarm/internal/rdma"
	"github.com/piwi3910/rdmarm/internal/server"
	"github.com/piwi3910/rdmarm/internal/shutdown"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	backendKind := flag.String("backend", "", "Verbs backend (simulated, hardware)")
	device := flag.String("device", "", "RDMA device name (empty selects the first capable device)")
	adminPort := flag.Int("admin-port", 0, "Admin/metrics API port")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rdmarm %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", buildDate)
		os.Exit(0)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Msg("Starting rdmarm")

	cfg, err := config.Load(*configPath, config.Options{
		Backend:   *backendKind,
		Device:    *device,
		AdminPort: *adminPort,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if !*debug {
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}

	if cfg.Backend == rdma.BackendHardware {
		logDetectedDevices()
	}

	backend, err := rdma.NewBackend(cfg.Backend)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Backend).Msg("Failed to create verbs backend")
	}

	if err := backend.Init(); err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Backend).Msg("Failed to initialize verbs backend")
	}

	manager, err := rdma.Open(cfg.ManagerConfig(), backend)
	if err != nil {
		_ = backend.Close()

		log.Fatal().
			Err(err).
			Str("kind", rdma.ErrorKind(err)).
			Bool("fatal", rdma.IsFatal(err)).
			Msg("Failed to bring up RDMA resources")
	}

	metrics.Version = version
	metrics.Init(manager.ID(), manager.Device().Name())

	coord := shutdown.NewCoordinator(shutdown.Config{
		TotalTimeout:    cfg.Shutdown.TotalTimeout,
		DrainTimeout:    cfg.Shutdown.DrainTimeout,
		HTTPTimeout:     cfg.Shutdown.HTTPTimeout,
		ResourceTimeout: cfg.Shutdown.ResourceTimeout,
		ForceTimeout:    5 * time.Second,
	})

	coord.RegisterHook(shutdown.PhaseResources, func(ctx context.Context) error {
		stats := manager.Pool().Stats()
		log.Info().
			Int("live_qps", stats.LiveQPs).
			Int("in_use_qps", stats.InUseQPs).
			Int("nodes", manager.Directory().Len()).
			Msg("Draining RDMA resources")

		return nil
	})

	srv := server.New(cfg.AdminPort, manager, health.NewChecker(manager, coord))

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return srv.Start(gctx)
	})

	g.Go(func() error {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		case <-gctx.Done():
		}

		err := coord.Shutdown(context.Background(), shutdown.ShutdownComponents{
			InFlightTracker: manager,
			HTTPServers:     []shutdown.HTTPServerShutdown{srv},
			Resources:       manager,
			Backend:         backend,
		})
		stop()

		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server error")
	}

	<-coord.Done()

	if errs := coord.Errors(); len(errs) > 0 {
		log.Error().Int("errors", len(errs)).Msg("rdmarm shutdown incomplete")
		os.Exit(1)
	}

	log.Info().Msg("rdmarm shutdown complete")
}

func logDetectedDevices() {
	detector := hardware.NewDetector("")

	for _, dev := range detector.Refresh() {
		log.Info().
			Str("device", dev.Name).
			Str("node_guid", dev.NodeGUID).
			Str("firmware", dev.FirmwareVer).
			Int("ports", len(dev.Ports)).
			Bool("active", dev.Active()).
			Msg("Detected RDMA device")
	}

	if best, ok := detector.BestDevice(); ok {
		log.Info().Str("device", best.Name).Msg("Fastest active RDMA device")
	}
}

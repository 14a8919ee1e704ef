package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/energizer-project/structprobe/internal/api"
	"github.com/energizer-project/structprobe/internal/cli"
	"github.com/energizer-project/structprobe/internal/events"
	"github.com/energizer-project/structprobe/internal/network"
	"github.com/energizer-project/structprobe/internal/telemetry"
	"github.com/energizer-project/structprobe/internal/util"
)

var noConsole bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep a peer session open and serve resolves from the console and API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&noConsole, "no-console", false, "do not read commands from stdin")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	util.InitConsoleLogger("info")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := util.InitLogger(logConfig(cfg)); err != nil {
		log.Warn().Err(err).Msg("failed to initialize file logging, using console only")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("version", util.Version).
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Int("cores", sysInfo.CPUCores).
		Msg("starting structprobe")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eventBus := events.NewEventBus()
	eventBus.Subscribe("main", func(context.Context, events.Event) error {
		cancel()
		return nil
	}, events.EventShutdown)

	manager, err := buildManager(cfg, eventBus)
	if err != nil {
		return err
	}

	history, err := openHistory(cfg, eventBus)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open history database, history disabled")
		history = nil
	}

	connector := network.NewConnector(network.ConnectorOptions{
		Addr:              cfg.Peer.Address,
		DialTimeout:       cfg.Peer.DialTimeout(),
		ReconnectDelay:    cfg.Peer.ReconnectDelay(),
		KeepAliveInterval: cfg.Peer.KeepAliveInterval(),
	}, eventBus)
	connector.OnSession = func(s *network.Session) {
		manager.SetSession(s)
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg.MQTT, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := connector.ManageConnection(ctx); err != nil {
			log.Error().Err(err).Msg("peer connection manager stopped")
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg, manager)
		apiServer.SetDependencies(history, connector)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	if !noConsole {
		console := cli.NewCLI(cfg, eventBus, manager, os.Stdin, os.Stdout)
		console.SetDependencies(history, connector)
		// Not tracked by wg: a blocked stdin read must not hold up shutdown.
		go console.Start(ctx)
	}

	<-ctx.Done()
	log.Info().Msg("initiating graceful shutdown...")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	// Flushes pending history writes.
	eventBus.Stop()
	if history != nil {
		history.Close()
	}

	log.Info().Msg("structprobe stopped")
	return nil
}

// startWithRetry retries startFn on bind errors with a fixed 3s interval.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}

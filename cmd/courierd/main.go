// Command courierd is a stateless relay that receives remote commands from a
// Redis stream and forwards them, one at a time, to the local daemon over a
// unix control socket. Verdicts are published back to the bus as command ack
// events; daemon timeouts fail open.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/courierd/core/logx"
	"github.com/gaspardpetit/courierd/core/secret"
	"github.com/gaspardpetit/courierd/internal/bus"
	ccfg "github.com/gaspardpetit/courierd/internal/config"
	"github.com/gaspardpetit/courierd/internal/courier"
	"github.com/gaspardpetit/courierd/internal/daemon"
	"github.com/gaspardpetit/courierd/internal/status"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg ccfg.Config
	cfg.BindFlags()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "courierd version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("courierd version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid config")
	}

	if err := run(cfg); err != nil {
		logx.Log.Fatal().Err(err).Msg("courierd failed")
	}
}

func run(cfg ccfg.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logx.Log.Info().Str("signal", sig.String()).Msg("shutdown requested")
		cancel()
	}()

	logx.Log.Info().
		Str("version", version).
		Str("redis", secret.MaskURL(cfg.RedisAddr)).
		Str("stream", cfg.Stream).
		Str("event", cfg.Event).
		Str("group", cfg.Group).
		Str("consumer", cfg.Consumer).
		Str("socket", cfg.SocketPath).
		Dur("daemon_timeout", cfg.DaemonTimeout).
		Msg("courierd starting")

	consumer, err := bus.New(bus.Options{
		RedisAddr: cfg.RedisAddr,
		Stream:    cfg.Stream,
		Event:     cfg.Event,
		Group:     cfg.Group,
		Consumer:  cfg.Consumer,
	})
	if err != nil {
		return fmt.Errorf("bus consumer: %w", err)
	}

	daemonClient := daemon.New(cfg.SocketPath, cfg.DaemonTimeout)
	c := courier.New(courier.Config{AckEvent: cfg.AckEvent}, consumer, daemonClient)

	courier.RegisterMetrics(prometheus.DefaultRegisterer)

	if cfg.StatusAddr != "" {
		addr, err := status.Start(ctx, cfg.StatusAddr, status.Options{
			Snapshot:       func() any { return c.Snapshot() },
			Version:        version,
			AllowedOrigins: cfg.AllowedOrigins,
		})
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		logx.Log.Info().Str("addr", addr).Msg("status endpoint listening")
	}

	if err := c.Run(ctx); err != nil && !errors.Is(err, courier.ErrShutdown) {
		return err
	}
	logx.Log.Info().Msg("courierd shutdown complete")
	return nil
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/bookagg/internal/aggregate"
	"github.com/sawpanic/bookagg/internal/config"
	"github.com/sawpanic/bookagg/internal/engine"
	httpiface "github.com/sawpanic/bookagg/internal/interfaces/http"
	"github.com/sawpanic/bookagg/internal/interfaces/http/handlers"
	"github.com/sawpanic/bookagg/internal/metrics"
	"github.com/sawpanic/bookagg/internal/mirror"
	"github.com/sawpanic/bookagg/internal/registry"
	"github.com/sawpanic/bookagg/internal/selector"
	"github.com/sawpanic/bookagg/internal/stream"
)

// streamConfig maps file configuration onto the client.
func streamConfig(c config.StreamConfig) stream.Config {
	sc := stream.DefaultConfig()
	sc.URL = c.URL
	sc.UserAgent = c.UserAgent
	sc.Exchanges = c.Exchanges
	sc.MaxDepth = c.MaxDepth
	sc.HandshakeTimeout = c.GetHandshakeTimeout()
	sc.ReadTimeout = time.Duration(c.ReadTimeoutSecs) * time.Second
	sc.PingInterval = time.Duration(c.PingIntervalSecs) * time.Second
	sc.RequestSnapshots = c.RequestSnapshots
	sc.SnapshotRPS = c.SnapshotRPS
	sc.SnapshotBurst = c.SnapshotBurst
	sc.BackoffMin = c.GetBaseBackoff()
	sc.BackoffMax = c.GetMaxBackoff()
	sc.BackoffFactor = c.BackoffMS.Factor
	sc.BackoffJitter = c.BackoffMS.Jitter
	sc.BreakerFailures = uint32(c.Circuit.FailureThreshold)
	sc.BreakerTimeout = time.Duration(c.Circuit.OpenMS) * time.Millisecond
	return sc
}

// runServe wires the stream client, engine, mirror and HTTP server and runs
// until SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.Stream.URL == "" {
		return errors.New("stream url is required (--url, stream.url or " + config.EnvStreamURL + ")")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	reg := registry.New(registry.WithLivenessWindow(cfg.Registry.LivenessWindow()))
	sel, err := selector.New(cfg.Markets)
	if err != nil {
		return err
	}
	tick, err := cfg.Aggregate.TickSize()
	if err != nil {
		return err
	}
	eng, err := engine.New(reg, sel, m, aggregate.Options{Tick: tick})
	if err != nil {
		return err
	}

	client := stream.NewClient(streamConfig(cfg.Stream), reg, m)

	server := httpiface.NewServer(httpiface.ServerConfig{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  60 * time.Second,
	}, handlers.Deps{
		Engine:      eng,
		StreamState: func() string { return client.State().String() },
		DropTotals:  m.DropTotals,
		Version:     version,
	}, promReg)

	go eng.WatchStaleness(ctx, 0)

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		mir := mirror.New(rdb, mirror.Options{
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Registry.LivenessWindow(),
			Timeout:   cfg.Redis.GetTimeout(),
		}, m)
		if err := mir.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, mirror will retry on each update")
		}
		go mir.Run(ctx, reg)
		log.Info().Str("addr", cfg.Redis.Addr).Str("prefix", cfg.Redis.KeyPrefix).Msg("Redis book mirror enabled")
	}

	if err := client.Start(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	log.Info().Str("url", cfg.Stream.URL).Str("http", cfg.HTTP.Addr).Msg("bookagg running")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err = <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	_ = client.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("HTTP server shutdown incomplete")
	}
	return err
}

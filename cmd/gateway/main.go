// Command gateway runs the Gateway process: the cross-service
// coordinator that owns the State Store's primary write path for
// staff-originated commands, serves the Gateway HTTP API (§4.8), and runs
// the Heartbeat & Recovery background loops. Its startup/shutdown
// sequence is grounded on the teacher's cmd/daemon/main.go: parse flags
// and environment, configure logging, load config, construct
// dependencies bottom-up, start background loops under an errgroup, and
// shut down in reverse order with a bounded deadline on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lockerfleet/locker-control/internal/bus"
	"github.com/lockerfleet/locker-control/internal/config"
	"github.com/lockerfleet/locker-control/internal/gatewayapi"
	"github.com/lockerfleet/locker-control/internal/heartbeat"
	"github.com/lockerfleet/locker-control/internal/locker"
	"github.com/lockerfleet/locker-control/internal/log"
	"github.com/lockerfleet/locker-control/internal/store"
)

// shutdownDeadline bounds how long in-flight requests and background
// loops are given to wind down once a termination signal arrives.
const shutdownDeadline = 15 * time.Second

func main() {
	var (
		configPath = flag.String("config", config.EnvConfigPath("config.json"), "path to the JSON configuration file")
		dbPath     = flag.String("db", firstNonEmpty(config.EnvDBPath(), "gateway.sqlite"), "path to the State Store database file")
		logLevel   = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log.Configure(log.Config{Level: *logLevel, Service: "gateway"})
	logger := log.WithComponent("gateway.main")

	if err := run(*configPath, *dbPath); err != nil {
		logger.Fatal().Err(err).Msg("gateway exited with error")
	}
}

func run(configPath, dbPath string) error {
	logger := log.WithComponent("gateway.main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	holder, err := config.NewHolder(config.NewLoader(configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info().Str("config_path", configPath).Msg("configuration loaded")

	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	memBus := bus.NewMemoryBus()
	lockerMgr := locker.NewManager(st, time.Duration(holder.Get().Lockers.ReservationSeconds)*time.Second)
	hbCfg := heartbeat.DefaultConfig()
	hbMonitor := heartbeat.NewMonitor(st, hbCfg)

	if err := heartbeat.GatewayStartup(ctx, hbMonitor, lockerMgr); err != nil {
		return fmt.Errorf("gateway startup recovery: %w", err)
	}
	logger.Info().Msg("startup recovery complete")

	srv := gatewayapi.NewServer(st, memBus, hbMonitor, holder)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", holder.Get().Services.Gateway.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", httpSrv.Addr).Msg("gateway http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway http server: %w", err)
		}
		return nil
	})

	g.Go(func() error { return hbMonitor.RunReclassifyLoop(gctx) })
	g.Go(func() error { return hbMonitor.RunRecoverySweepLoop(gctx, lockerMgr) })
	g.Go(func() error {
		return lockerMgr.RunReservationSweep(gctx, locker.DefaultSweepConfig())
	})
	g.Go(func() error {
		return lockerMgr.RunVipExpirySweep(gctx, locker.DefaultSweepConfig().Interval)
	})
	g.Go(func() error { return holder.Watch(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
		defer cancel()
		logger.Info().Msg("shutting down gateway http server")
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

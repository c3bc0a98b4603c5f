// Command panel runs the Panel process: a thin HTTP proxy in front of the
// Gateway API that serves the staff-facing routes the (out-of-scope)
// admin UI calls (§4.9). It holds no State Store handle of its own —
// every route forwards to the Gateway, matching §2's dataflow diagram.
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

	"github.com/lockerfleet/locker-control/internal/config"
	"github.com/lockerfleet/locker-control/internal/log"
	"github.com/lockerfleet/locker-control/internal/panelapi"
)

const shutdownDeadline = 15 * time.Second

func main() {
	var (
		configPath = flag.String("config", config.EnvConfigPath("config.json"), "path to the JSON configuration file")
		gatewayURL = flag.String("gateway-url", "http://localhost:3000", "base URL of the Gateway API")
		logLevel   = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log.Configure(log.Config{Level: *logLevel, Service: "panel"})
	logger := log.WithComponent("panel.main")

	if err := run(*configPath, *gatewayURL); err != nil {
		logger.Fatal().Err(err).Msg("panel exited with error")
	}
}

func run(configPath, gatewayURL string) error {
	logger := log.WithComponent("panel.main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	holder, err := config.NewHolder(config.NewLoader(configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	srv := panelapi.NewServer(gatewayURL, holder)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", holder.Get().Services.Panel.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", httpSrv.Addr).Str("gateway_url", gatewayURL).Msg("panel http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("panel http server: %w", err)
		}
		return nil
	})

	g.Go(func() error { return holder.Watch(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
		defer cancel()
		logger.Info().Msg("shutting down panel http server")
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

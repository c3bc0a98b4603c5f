// Command kiosk runs the Kiosk process: the one process with exclusive
// ownership of the serial Modbus bus for its room, draining the State
// Store's command_queue for its own kiosk_id (§4.5) and dispatching
// self-service RFID/QR scans directly against the same hardware (§4.7).
// It opens the same embedded database file as the Gateway so the
// Executor's claim/complete path never needs an HTTP round trip.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lockerfleet/locker-control/internal/config"
	"github.com/lockerfleet/locker-control/internal/executor"
	"github.com/lockerfleet/locker-control/internal/heartbeat"
	"github.com/lockerfleet/locker-control/internal/kiosk"
	"github.com/lockerfleet/locker-control/internal/kioskapi"
	"github.com/lockerfleet/locker-control/internal/locker"
	"github.com/lockerfleet/locker-control/internal/log"
	"github.com/lockerfleet/locker-control/internal/modbus"
	"github.com/lockerfleet/locker-control/internal/rfid"
	"github.com/lockerfleet/locker-control/internal/store"
)

const (
	shutdownDeadline  = 15 * time.Second
	heartbeatInterval = 10 * time.Second
	httpTimeout       = 5 * time.Second
)

func main() {
	var (
		configPath = flag.String("config", config.EnvConfigPath("config.json"), "path to the JSON configuration file")
		dbPath     = flag.String("db", firstNonEmpty(config.EnvDBPath(), "gateway.sqlite"), "path to the State Store database file (shared with the Gateway)")
		kioskID    = flag.String("kiosk-id", config.EnvKioskID(), "this kiosk's identifier")
		cachePath  = flag.String("cache", "", "path to the executor idempotency cache directory (defaults to <kiosk-id>.idemcache)")
		gatewayURL = flag.String("gateway-url", "http://localhost:3000", "base URL of the Gateway API, for heartbeat reporting")
		logLevel   = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log.Configure(log.Config{Level: *logLevel, Service: "kiosk"})
	logger := log.WithComponent("kiosk.main")

	if *kioskID == "" {
		logger.Fatal().Msg("kiosk-id is required (flag -kiosk-id or LOCKER_KIOSK_ID)")
	}
	if *cachePath == "" {
		*cachePath = *kioskID + ".idemcache"
	}

	if err := run(*configPath, *dbPath, *kioskID, *cachePath, *gatewayURL); err != nil {
		logger.Fatal().Err(err).Msg("kiosk exited with error")
	}
}

func run(configPath, dbPath, kioskID, cachePath, gatewayURL string) error {
	logger := log.WithComponent("kiosk.main").With().Str("kiosk_id", kioskID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	holder, err := config.NewHolder(config.NewLoader(configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := holder.Get()

	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	port, err := modbus.OpenSerialPort(cfg.Modbus.Port, cfg.Modbus.Baudrate, cfg.Modbus.Parity, time.Duration(cfg.Modbus.TimeoutMs)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("open modbus serial port %s: %w", cfg.Modbus.Port, err)
	}
	mb := modbus.NewMailbox(port, cfg.Modbus.Baudrate, time.Duration(cfg.Modbus.TimeoutMs)*time.Millisecond)

	pulseCfg := modbus.DefaultPulseConfig()
	if cfg.Modbus.PulseDurationMs > 0 {
		pulseCfg.PulseDuration = time.Duration(cfg.Modbus.PulseDurationMs) * time.Millisecond
	}
	pulseCfg.UseMultipleCoils = cfg.Modbus.UseMultipleCoils
	pulseCfg.VerifyWrites = cfg.Modbus.VerifyWrites
	if cfg.Modbus.MaxRetries > 0 {
		pulseCfg.MaxFrameRetries = cfg.Modbus.MaxRetries
	}
	actuator := modbus.NewActuator(mb, pulseCfg)

	hw := kiosk.NewHardwareTable(cfg.Hardware.RelayCards)
	pulser := kiosk.NewPulser(hw, actuator)

	cache, err := executor.OpenCache(cachePath)
	if err != nil {
		return fmt.Errorf("open executor idempotency cache: %w", err)
	}
	defer cache.Close()
	if err := cache.Clear(); err != nil {
		return fmt.Errorf("clear executor idempotency cache on startup: %w", err)
	}

	lockerMgr := locker.NewManager(st, time.Duration(cfg.Lockers.ReservationSeconds)*time.Second)
	hbMonitor := heartbeat.NewMonitor(st, heartbeat.DefaultConfig())
	if err := hbMonitor.KioskStartup(ctx, kioskID, lockerMgr); err != nil {
		return fmt.Errorf("kiosk startup recovery: %w", err)
	}
	logger.Info().Msg("startup recovery complete, idempotency cache cleared")

	execCfg := executor.ConfigFromQueue(kioskID, cfg.Queue, cfg.Features)
	exec := executor.NewExecutor(st, lockerMgr, pulser, cache, execCfg)

	channelCount := 0
	for _, card := range cfg.Hardware.RelayCards {
		if card.Enabled {
			channelCount += card.Channels
		}
	}

	intake := rfid.NewIntake(lockerMgr, pulser, rfid.DefaultDebounceWindow)
	scanSrv := kioskapi.NewServer(kioskID, intake)
	scanHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Services.Kiosk.Port),
		Handler:           scanSrv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	httpClient := &http.Client{Timeout: httpTimeout}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return exec.Run(gctx) })

	g.Go(func() error {
		return runHeartbeatLoop(gctx, httpClient, gatewayURL, kioskID, channelCount, heartbeatInterval)
	})

	g.Go(func() error { return holder.Watch(gctx) })

	g.Go(func() error {
		logger.Info().Str("addr", scanHTTP.Addr).Msg("kiosk scan-intake server listening")
		if err := scanHTTP.ListenAndServe(); err != nil && !isServerClosed(err) {
			return fmt.Errorf("kiosk scan server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
		defer cancel()
		return scanHTTP.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func isServerClosed(err error) bool {
	return err == http.ErrServerClosed
}

// heartbeatPayload mirrors gatewayapi's POST /kiosks/{kiosk_id}/heartbeat
// body (§6); the kiosk process can't import gatewayapi's unexported
// request type since the two only ever talk over the wire.
type heartbeatPayload struct {
	Version      string `json:"version"`
	Zone         string `json:"zone,omitempty"`
	ChannelCount int    `json:"channel_count"`
	HardwareOK   bool   `json:"hardware_ok"`
}

// runHeartbeatLoop POSTs a heartbeat to the Gateway every interval until
// ctx is cancelled, per §4.4's kiosk-side heartbeat contract. A single
// failed POST is logged and retried on the next tick rather than
// aborting the process: a Gateway outage shouldn't stop the kiosk from
// draining its own local queue.
func runHeartbeatLoop(ctx context.Context, client *http.Client, gatewayURL, kioskID string, channelCount int, interval time.Duration) error {
	logger := log.WithComponent("kiosk.heartbeat").With().Str("kiosk_id", kioskID).Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	send := func() {
		body, err := json.Marshal(heartbeatPayload{
			Version:      "1",
			ChannelCount: channelCount,
			HardwareOK:   true,
		})
		if err != nil {
			logger.Error().Err(err).Msg("marshal heartbeat payload")
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, httpTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, gatewayURL+"/kiosks/"+kioskID+"/heartbeat", bytes.NewReader(body))
		if err != nil {
			logger.Error().Err(err).Msg("build heartbeat request")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			logger.Warn().Err(err).Msg("heartbeat post failed")
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			logger.Warn().Int("status", resp.StatusCode).Msg("heartbeat post rejected")
		}
	}

	send()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			send()
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

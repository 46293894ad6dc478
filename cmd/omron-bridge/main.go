// Command omron-bridge connects to a paired OMRON blood-pressure monitor
// over BLE, reads new measurements, and forwards them to a cloud account
// and/or a local MQTT bus. It supports a one-shot sync, a continuous daemon
// loop, and a pairing mode that programs a new pairing key into a device in
// physical pairing mode.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jzubielik/omron-bridge/internal/audit"
	"github.com/jzubielik/omron-bridge/internal/bridge"
	"github.com/jzubielik/omron-bridge/internal/config"
	"github.com/jzubielik/omron-bridge/internal/device"
	"github.com/jzubielik/omron-bridge/internal/ledger"
	"github.com/jzubielik/omron-bridge/internal/protocol"
	"github.com/jzubielik/omron-bridge/internal/sink"
	"github.com/jzubielik/omron-bridge/internal/status"
)

// exitSignalled is the exit code for a run cancelled by SIGINT/SIGTERM,
// matching the original's argparse-driven main.py (except KeyboardInterrupt:
// sys.exit(130)).
const exitSignalled = 130

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 1
	}

	switch args[0] {
	case "sync":
		return runSync(args[1:])
	case "daemon":
		return runDaemon(args[1:])
	case "pair":
		return runPair(args[1:])
	case "-h", "--help", "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "omron-bridge: unknown command %q\n", args[0])
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: omron-bridge <command> [flags]

commands:
  sync     connect, read new measurements, upload, and exit
  daemon   run sync on a fixed interval until interrupted
  pair     program a new pairing key into a device in pairing mode`)
}

func newLogger(level string, debug bool) *slog.Logger {
	l := slog.LevelInfo
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	if debug {
		l = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// loadOrDefaultPairingKey reads the 16-byte pairing key from path, falling
// back to protocol.DefaultPairingKey (the factory default) if the file does
// not yet exist — matching a never-paired device's state.
func loadOrDefaultPairingKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return protocol.DefaultPairingKey, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pairing key %q: %w", path, err)
	}
	key, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("pairing key %q is not valid hex: %w", path, err)
	}
	if len(key) != protocol.KeyLength {
		return nil, fmt.Errorf("pairing key %q must decode to %d bytes, got %d", path, protocol.KeyLength, len(key))
	}
	return key, nil
}

// sinkSelection restricts which of the configured sinks participate in a
// cycle, per spec.md §6's --cloud-only/--bus-only flags. The zero value
// selects every enabled sink.
type sinkSelection struct {
	cloudOnly bool
	busOnly   bool
}

// buildSinks constructs the NamedSink list the configuration enables,
// filtered by sel.
func buildSinks(cfg *config.Config, userSlot int, logger *slog.Logger, sel sinkSelection) []bridge.NamedSink {
	var sinks []bridge.NamedSink

	if cfg.Cloud.Enabled && !sel.busOnly {
		email := cfg.EmailForSlot(userSlot)
		if email != "" {
			sinks = append(sinks, bridge.NamedSink{
				Name: "cloud",
				Sink: sink.NewCloudSink(sink.CloudConfig{
					Email:        email,
					TokensPath:   cfg.Cloud.TokensPath,
					BaseURL:      cfg.Cloud.BaseURL,
					ClientID:     cfg.Cloud.ClientID,
					ClientSecret: cfg.Cloud.ClientSecret,
					TokenURL:     cfg.Cloud.TokenURL,
				}),
			})
		} else {
			logger.Warn("cloud sink enabled but no email configured for user slot", "slot", userSlot)
		}
	}

	if cfg.Bus.Enabled && !sel.cloudOnly {
		sinks = append(sinks, bridge.NamedSink{
			Name: "bus",
			Sink: sink.NewBusSink(sink.BusConfig{
				Host:      cfg.Bus.Host,
				Port:      cfg.Bus.Port,
				Username:  cfg.Bus.Username,
				Password:  cfg.Bus.Password,
				BaseTopic: cfg.Bus.BaseTopic,
				Logger:    logger,
			}),
		})
	}

	return sinks
}

// buildBridge wires config, the device driver registry, the ledger, and
// every sel-selected sink into a bridge.Bridge. userSlot scopes the cloud
// sink's account email; pass 0 for a daemon that reads every configured user
// (cloud delivery is then skipped unless every user maps to the same
// account).
func buildBridge(cfg *config.Config, led *ledger.Ledger, auditLog *audit.Logger, logger *slog.Logger, sel sinkSelection) (*bridge.Bridge, error) {
	drv, err := device.Lookup(cfg.Device.Model)
	if err != nil {
		return nil, err
	}

	key, err := loadOrDefaultPairingKey(cfg.Device.PairingKeyPath)
	if err != nil {
		return nil, err
	}

	central, err := newTinygoCentral()
	if err != nil {
		return nil, err
	}

	sinks := buildSinks(cfg, 1, logger, sel)

	return bridge.New(bridge.Config{
		Central: central,
		Address: cfg.Device.MACAddress,
		Driver:  drv,
		Key:     key,
		Options: device.ReadOptions{
			NewOnly:  cfg.Device.ReadMode == "new",
			SyncTime: cfg.Device.SyncTime,
		},
		Ledger: led,
		Sinks:  sinks,
		Audit:  auditLog,
		Logger: logger,
	}), nil
}

func runSync(args []string) int {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath := fs.String("config", "/etc/omron-bridge/config.yaml", "path to the bridge YAML configuration file")
	debug := fs.Bool("debug", false, "enable debug logging")
	dryRun := fs.Bool("dry-run", false, "read but do not write to the ledger or deliver to sinks")
	retryCloud := fs.Bool("retry-cloud", false, "also retry pending deliveries; retries every configured sink, not only the cloud sink")
	retryBus := fs.Bool("retry-bus", false, "also retry pending deliveries; retries every configured sink, not only the bus sink")
	cloudOnly := fs.Bool("cloud-only", false, "only deliver to the cloud sink this cycle")
	busOnly := fs.Bool("bus-only", false, "only deliver to the bus sink this cycle")
	fs.Parse(args)

	if *cloudOnly && *busOnly {
		fmt.Fprintln(os.Stderr, "omron-bridge: --cloud-only and --bus-only are mutually exclusive")
		return 1
	}
	sel := sinkSelection{cloudOnly: *cloudOnly, busOnly: *busOnly}

	_, logger, _, b, closeAll, err := bootstrap(*configPath, *debug, sel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "omron-bridge: %v\n", err)
		return 1
	}
	defer closeAll()

	ctx, cancel, signalled := signalContext()
	defer cancel()

	result, err := b.Sync(ctx, *dryRun)
	if signalled() {
		logger.Warn("sync cancelled by signal")
		return exitSignalled
	}
	if err != nil {
		logger.Error("sync failed", "error", err)
		return 1
	}
	logger.Info("sync complete", "read", result.Read, "new", result.New, "delivered", result.Delivered, "failed", result.Failed)

	if !*dryRun && (*retryCloud || *retryBus) {
		if _, err := b.RetryPending(ctx); err != nil {
			logger.Warn("retry pending failed", "error", err)
		}
	}
	if signalled() {
		logger.Warn("sync cancelled by signal")
		return exitSignalled
	}

	return 0
}

func runDaemon(args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := fs.String("config", "/etc/omron-bridge/config.yaml", "path to the bridge YAML configuration file")
	debug := fs.Bool("debug", false, "enable debug logging")
	intervalMinutes := fs.Int("interval", 0, "override the configured poll interval, in minutes")
	fs.Parse(args)

	cfg, logger, led, b, closeAll, err := bootstrap(*configPath, *debug, sinkSelection{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "omron-bridge: %v\n", err)
		return 1
	}
	defer closeAll()

	interval := cfg.Device.PollInterval
	if *intervalMinutes > 0 {
		interval = time.Duration(*intervalMinutes) * time.Minute
	}

	var hmacSecret []byte
	if cfg.StatusAuthSecret != "" {
		hmacSecret = []byte(cfg.StatusAuthSecret)
	} else {
		logger.Warn("status_auth_secret not set, status API routes are unauthenticated")
	}

	statusSrv := status.NewServer(led, cfg.AuditLogPath)
	httpServer := &http.Server{
		Addr:         cfg.StatusAddr,
		Handler:      status.NewRouter(statusSrv, hmacSecret),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status server listening", "addr", cfg.StatusAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server error", "error", err)
		}
	}()

	ctx, cancel, signalled := signalContext()
	defer cancel()

	b.Run(ctx, interval)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown error", "error", err)
	}

	if signalled() {
		logger.Info("omron-bridge daemon stopped by signal")
		return exitSignalled
	}

	logger.Info("omron-bridge daemon exited cleanly")
	return 0
}

func runPair(args []string) int {
	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	configPath := fs.String("config", "/etc/omron-bridge/config.yaml", "path to the bridge YAML configuration file")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "omron-bridge: %v\n", err)
		return 1
	}
	logger := newLogger(cfg.LogLevel, *debug)

	newKey := make([]byte, protocol.KeyLength)
	if _, err := rand.Read(newKey); err != nil {
		logger.Error("generate pairing key failed", "error", err)
		return 1
	}

	central, err := newTinygoCentral()
	if err != nil {
		logger.Error("ble adapter init failed", "error", err)
		return 1
	}

	b := bridge.New(bridge.Config{
		Central: central,
		Address: cfg.Device.MACAddress,
		Logger:  logger,
	})

	ctx, cancel, signalled := signalContext()
	defer cancel()

	if err := b.Pair(ctx, newKey); err != nil {
		if signalled() {
			logger.Warn("pair cancelled by signal")
			return exitSignalled
		}
		logger.Error("pair failed", "error", err)
		return 1
	}

	if err := os.WriteFile(cfg.Device.PairingKeyPath, []byte(hex.EncodeToString(newKey)), 0o600); err != nil {
		logger.Error("failed to persist pairing key", "path", cfg.Device.PairingKeyPath, "error", err)
		return 1
	}

	logger.Info("pairing complete", "pairing_key_path", cfg.Device.PairingKeyPath)
	return 0
}

// bootstrap loads configuration, builds the shared logger, ledger, and
// bridge used by both sync and daemon. The returned func must be deferred
// to release the ledger and audit log.
func bootstrap(configPath string, debug bool, sel sinkSelection) (*config.Config, *slog.Logger, *ledger.Ledger, *bridge.Bridge, func(), error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	logger := newLogger(cfg.LogLevel, debug)
	slog.SetDefault(logger)

	led, err := ledger.New(cfg.Ledger.DatabasePath)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("open ledger: %w", err)
	}

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		led.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("open audit log: %w", err)
	}

	b, err := buildBridge(cfg, led, auditLog, logger, sel)
	if err != nil {
		led.Close()
		auditLog.Close()
		return nil, nil, nil, nil, nil, err
	}

	closeAll := func() {
		if err := led.Close(); err != nil {
			logger.Warn("ledger close error", "error", err)
		}
		if err := auditLog.Close(); err != nil {
			logger.Warn("audit log close error", "error", err)
		}
	}

	return cfg, logger, led, b, closeAll, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, plus an
// accessor reporting whether that cancellation actually came from a signal
// (as opposed to the caller's own deferred cancel after normal completion),
// so callers can map a signalled run to exit code 130 per spec.md §6.
func signalContext() (ctx context.Context, cancel context.CancelFunc, signalled func() bool) {
	ctx, cancel = context.WithCancel(context.Background())
	var got atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		got.Store(true)
		cancel()
	}()
	return ctx, cancel, got.Load
}

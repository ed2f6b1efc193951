// Package main — cmd/neighborguard-edged/main.go
//
// NeighborGuard Edge daemon entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/neighborguard/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open BoltDB storage, prune stale tracks/events.
//  4. Start Prometheus metrics server (127.0.0.1:9091).
//  5. Build the shared pipeline: normalizer, daemon core, cloud ledger
//     client (outbox sender).
//  6. Register entry points from the persisted topology map.
//  7. Start the camera bus server (if enabled).
//  8. Start the operator Unix socket and the local App HTTPS API.
//  9. Register SIGHUP handler for config hot-reload and fsnotify watch on
//     the config file.
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to every subsystem goroutine).
//  2. Close BoltDB.
//  3. Flush logger.
//  4. Exit 0.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/neighborguard/edge/internal/camerabus"
	"github.com/neighborguard/edge/internal/clock"
	"github.com/neighborguard/edge/internal/cloudledger"
	"github.com/neighborguard/edge/internal/config"
	"github.com/neighborguard/edge/internal/daemon"
	"github.com/neighborguard/edge/internal/devicekey"
	"github.com/neighborguard/edge/internal/localapi"
	"github.com/neighborguard/edge/internal/normalize"
	"github.com/neighborguard/edge/internal/observability"
	"github.com/neighborguard/edge/internal/operator"
	"github.com/neighborguard/edge/internal/outbox"
	"github.com/neighborguard/edge/internal/security"
	"github.com/neighborguard/edge/internal/storage"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "neighborguard-edged",
		Short: "NeighborGuard Edge daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/neighborguard/config.yaml", "path to config.yaml")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("neighborguard-edged %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "run the daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runServe(configPath)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("neighborguard-edged starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("edge_id", cfg.EdgeID),
		zap.String("circle_id", cfg.CircleID),
		zap.String("config", configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(cfg.Storage.DBPath, 0)
	if err != nil {
		log.Fatal("storage open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck

	if n, err := db.PruneOldEvents(); err != nil {
		log.Warn("event pruning failed", zap.Error(err))
	} else {
		log.Info("events pruned", zap.Int("deleted", n))
	}
	if n, err := db.PruneOldTracks(); err != nil {
		log.Warn("track pruning failed", zap.Error(err))
	} else {
		log.Info("tracks pruned", zap.Int("deleted", n))
	}

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	clk := clock.System{}
	norm := normalize.NewNormalizer(clk, log, cfg.Ingest.ClockSkewWarnThreshold, loadBindings(db, log))

	deviceKey := os.Getenv("NEIGHBORGUARD_DEVICE_KEY")
	var sender outbox.Sender
	if cfg.CloudLedger.BaseURL != "" {
		cloudClient := cloudledger.NewClient(cfg.CloudLedger, cfg.CircleID, deviceKey, log, metrics)
		sender = cloudClient.Send
	} else {
		log.Info("cloud ledger disabled (no base_url configured) — outbox entries accumulate locally")
	}

	d := daemon.New(cfg, log, db, metrics, clk, norm, sender)

	registerEntryPoints(d, db, log)

	dk := devicekey.NewManager(db, deviceKeyMasterKey(cfg.EdgeID, log), log)
	ensureAppDeviceKey(dk, log)

	if cfg.CameraBus.Enabled {
		go startCameraBus(ctx, cfg, d, log)
	} else {
		log.Info("camera bus disabled")
	}

	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, "/run/neighborguard", d.OperatorRegistry(), log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator socket error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	}

	localSrv := localapi.NewServer(db, norm, nil, cfg.LocalAPI, dk, log)
	d.AttachLocalAPI(localSrv)
	go func() {
		if err := localSrv.ListenAndServeTLS(ctx, cfg.LocalAPI.ListenAddr); err != nil {
			log.Error("local API error", zap.Error(err))
		}
	}()
	log.Info("local API started", zap.String("addr", cfg.LocalAPI.ListenAddr))

	go maintenanceLoop(ctx, d, cfg)

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go watchConfigReload(ctx, configPath, sighup, log, func(newCfg *config.Config) {
		log.Info("config hot-reload applied", zap.String("log_level", newCfg.Observability.LogLevel))
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	time.Sleep(200 * time.Millisecond) // let goroutines observe ctx.Done()
	log.Info("neighborguard-edged shutdown complete")
}

// registerEntryPoints loads the persisted topology map and registers one
// EntryPointCore per entry point found in it. An Edge with no topology yet
// (first run, before pairing) starts with zero registered entry points.
// This startup pass is the only registration path: PUT /local/topomap
// only persists the map, so entry points it adds are registered on the
// next start.
func registerEntryPoints(d *daemon.Daemon, db *storage.DB, log *zap.Logger) {
	var topo localapi.Topology
	found, err := db.GetMeta("topomap", &topo)
	if err != nil {
		log.Warn("daemon: load topology failed", zap.Error(err))
		return
	}
	if !found {
		log.Info("daemon: no topology persisted yet")
		return
	}
	for _, ep := range topo.EntryPoints {
		d.RegisterEntryPoint(daemon.EntryPointTopology{
			EntryPointID: ep.EntryPointID,
			CameraTier:   security.CameraTier2,
			Label:        ep.Label,
		})
		log.Info("daemon: entry point registered", zap.String("entry_point_id", ep.EntryPointID))
	}
}

func startCameraBus(ctx context.Context, cfg *config.Config, d *daemon.Daemon, log *zap.Logger) {
	trustedPeers := map[string]ed25519.PublicKey{} // TODO: load from the paired-camera registry once device pairing issues Ed25519 identities
	srv := camerabus.NewServer(cfg.EdgeID, trustedPeers, cfg.Tamper.ObservationTTL, d.CameraReporter(), log)
	if err := camerabus.ListenAndServe(ctx, cfg.CameraBus.ListenAddr, cfg.CameraBus, srv, log); err != nil {
		log.Error("camera bus error", zap.Error(err))
	}
}

func maintenanceLoop(ctx context.Context, d *daemon.Daemon, cfg *config.Config) {
	sweepTicker := time.NewTicker(cfg.Evidence.SweepInterval)
	pruneTicker := time.NewTicker(time.Duration(cfg.Tamper.CorroborationWindowSec) * time.Second)
	defer sweepTicker.Stop()
	defer pruneTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			d.SweepEvidence()
		case <-pruneTicker.C:
			d.PruneTamperObservations()
		}
	}
}

func watchConfigReload(ctx context.Context, configPath string, sighup <-chan os.Signal, log *zap.Logger, apply func(*config.Config)) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("config watch: fsnotify init failed, SIGHUP-only reload", zap.Error(err))
		watcher = nil
	} else {
		defer watcher.Close()
		if err := watcher.Add(configPath); err != nil {
			log.Warn("config watch: add failed", zap.Error(err))
		}
	}

	reload := func(trigger string) {
		newCfg, err := config.Load(configPath)
		if err != nil {
			log.Error("config hot-reload failed — retaining old config", zap.String("trigger", trigger), zap.Error(err))
			return
		}
		apply(newCfg)
	}

	var fsEvents <-chan fsnotify.Event
	if watcher != nil {
		fsEvents = watcher.Events
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sighup:
			log.Info("SIGHUP received — reloading config")
			reload("sighup")
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				log.Info("config file changed — reloading config", zap.String("op", ev.Op.String()))
				reload("fsnotify")
			}
		}
	}
}

// loadBindings reads the device->zone binding table persisted by the local
// API's PUT /local/bindings handler. A fresh Edge with no bindings yet
// starts the normalizer with an empty table: every signal is ignored and
// logged until the paired App completes zone assignment.
func loadBindings(db *storage.DB, log *zap.Logger) []normalize.ZoneBinding {
	var bindings []normalize.ZoneBinding
	found, err := db.GetMeta("bindings", &bindings)
	if err != nil {
		log.Warn("daemon: load bindings failed", zap.Error(err))
		return nil
	}
	if !found {
		log.Info("daemon: no zone bindings persisted yet")
	}
	return bindings
}

// deviceKeyMasterKey returns the 32-byte key internal/devicekey seals
// records under. Production deployments should set
// NEIGHBORGUARD_DEVICEKEY_MASTER (64 hex chars); absent that, a key is
// derived deterministically from edgeID so restarts keep reading their own
// sealed records, with a warning that this fallback is not suitable for a
// real deployment (the edge ID is not a secret).
func deviceKeyMasterKey(edgeID string, log *zap.Logger) [32]byte {
	var key [32]byte
	if raw := os.Getenv("NEIGHBORGUARD_DEVICEKEY_MASTER"); raw != "" {
		decoded, err := hex.DecodeString(raw)
		if err == nil && len(decoded) == 32 {
			copy(key[:], decoded)
			return key
		}
		log.Warn("NEIGHBORGUARD_DEVICEKEY_MASTER is set but not 64 hex chars — ignoring")
	}
	log.Warn("NEIGHBORGUARD_DEVICEKEY_MASTER not set — deriving a master key from edge_id, unsuitable for production")
	sum := sha256.Sum256([]byte("devicekey-master-fallback:" + edgeID))
	copy(key[:], sum[:])
	return key
}

// ensureAppDeviceKey issues the paired App's device key on first run so the
// local API's device-key auth has something to verify against; subsequent
// restarts leave the existing key alone.
func ensureAppDeviceKey(dk *devicekey.Manager, log *zap.Logger) {
	const appDeviceID = "app"
	if _, found, err := dk.Status(appDeviceID); err != nil {
		log.Warn("devicekey: status check for app device failed", zap.Error(err))
		return
	} else if found {
		return
	}

	result, err := dk.Issue(appDeviceID, time.Now().UTC())
	if err != nil {
		log.Error("devicekey: failed to issue the app device key", zap.Error(err))
		return
	}
	log.Warn("devicekey: issued a new app device key — pair the App with this value now, it will not be shown again",
		zap.String("device_id", appDeviceID), zap.String("raw_key", result.RawKey))
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}

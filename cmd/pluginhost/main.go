package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pluginhost/internal/api"
	"pluginhost/internal/capability"
	"pluginhost/internal/clock"
	"pluginhost/internal/config"
	"pluginhost/internal/engine"
	"pluginhost/internal/hal"
	"pluginhost/internal/metrics"
	"pluginhost/internal/orchestrator"
	"pluginhost/internal/state"
	"pluginhost/internal/watch"
	"pluginhost/pkg/plugin"
	pkgstate "pluginhost/pkg/state"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to host.toml or host.yaml")
	flag.Parse()

	// Load environment variables before anything reads them
	envErr := godotenv.Load()

	level := zap.NewAtomicLevel()
	if v := os.Getenv(config.EnvLogLevel); v != "" {
		if l, err := zap.ParseAtomicLevel(v); err == nil {
			level = l
		}
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = level
	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	if err := run(*configPath, level, logger); err != nil {
		logger.Fatal("Plugin host failed", zap.Error(err))
	}
}

func run(configPath string, level zap.AtomicLevel, logger *zap.Logger) error {
	cfg, err := config.NewLoader(configPath, logger).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if l, err := zap.ParseAtomicLevel(cfg.Logging.Level); err == nil {
		level.SetLevel(l.Level())
	}

	logger = logger.With(zap.String("node_id", cfg.Cluster.NodeID))
	logger.Info("Starting plugin host",
		zap.String("mode", cfg.Mode().String()),
		zap.Duration("interval", cfg.Interval()),
		zap.Int("api_port", cfg.API.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hardware and capabilities. Only the mock provider ships; the CPU
	// temperature comes from sysfs when the board exposes it.
	hw := hal.WithThermalZone(hal.NewMockProvider(logger), hal.DefaultThermalZone)
	pool := capability.NewPool(cfg.Sensors.HardwareWorkers, logger)
	defer pool.Close()

	indicator := capability.NewIndicator(hw, cfg.LEDs.Count, cfg.LEDs.Brightness)
	buzzer := capability.NewBuzzer(hw, cfg.Buzzer.GPIOPin, cfg.Buzzer.ActiveLow, logger)
	host := capability.NewHost(hw, hal.NewHostStats(), pool, indicator, buzzer, logger,
		capability.Config{
			HardwareTimeout:   cfg.HardwareTimeout(),
			DefaultSensorRef:  cfg.Sensors.DHT22.GPIOPin,
			DefaultBusAddress: cfg.BusAddress(),
		})

	m := metrics.New()
	host.SetObserver(m)

	// Plugins
	eng, err := engine.New(capability.NewBinder(host), engine.Config{
		MemoryLimitPages: cfg.Plugins.MemoryLimitPages,
		CacheDir:         cfg.Plugins.CacheDir,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer eng.Close(context.Background())

	paths := cfg.PluginPaths()
	registry, err := plugin.NewRegistry(ctx, eng, paths,
		plugin.WithLogger(logger),
		plugin.WithCallTimeout(cfg.CallTimeout()))
	if err != nil {
		return err
	}
	defer registry.Close(context.Background())
	m.TrackRegistry(registry)

	// State and orchestration
	clk := clock.NewRealClock()
	manager := state.NewManager(clk, logger)
	store := pkgstate.WrapManager(manager)
	store.Subscribe(func(changed []pkgstate.SensorReading, lastUpdate uint64) {
		m.SetReadings(store.Len())
		if cfg.Logging.ShowSensorData {
			for _, r := range changed {
				logger.Debug("Reading", zap.String("sensor_id", r.SensorID), zap.Any("data", r.Data))
			}
		}
	})

	orch, err := orchestrator.New(orchestrator.Config{
		NodeID:         cfg.Cluster.NodeID,
		Mode:           cfg.Mode(),
		Interval:       cfg.Interval(),
		HubURL:         cfg.Cluster.HubURL,
		ForwardTimeout: cfg.ForwardTimeout(),
		HeartbeatPixel: cfg.LEDs.HeartbeatPixel,
		HeartbeatColor: hal.RGB{G: 40},
	}, registry, manager, host, clk, logger)
	if err != nil {
		return err
	}
	orch.SetObserver(m)

	watcher, err := watch.New(paths, orch, watch.Config{PollInterval: cfg.WatchInterval()}, logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		logger.Warn("Plugin watcher not started; reloads happen on tick only", zap.Error(err))
	}
	defer watcher.Stop()

	server := api.NewServer(api.Options{
		Node:    orch,
		Store:   store,
		Plugins: registry,
		Buzzer:  buzzer,
		Metrics: m.Handler(),
		Port:    cfg.API.Port,
	}, logger)
	if err := server.Start(); err != nil {
		return err
	}

	orch.Start(ctx)

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Plugin host running. Press Ctrl+C to exit.",
		zap.Strings("roles", roleNames(registry.EnabledRoles())))
	<-sigChan

	logger.Info("Shutting down gracefully...")
	orch.Stop()
	if err := server.Stop(); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}
	indicator.Clear()
	if err := host.FlushIndicator(context.Background()); err != nil {
		logger.Debug("Failed to clear indicator", zap.Error(err))
	}
	_ = buzzer.Off()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	return registry.Close(shutdownCtx)
}

func roleNames(roles []plugin.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

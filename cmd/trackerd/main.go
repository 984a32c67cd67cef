// Package main implements the entry point for trackerd, the decision core
// of the balloon chase setup. It arbitrates the two telemetry feeds into a
// canonical stream, schedules the external prediction and routing
// computations, and serves versioned state snapshots to the phone UI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/SensorsIot/BalloonHunter-sub005/component"
	"github.com/SensorsIot/BalloonHunter-sub005/config"
	"github.com/SensorsIot/BalloonHunter-sub005/eventbus"
	"github.com/SensorsIot/BalloonHunter-sub005/external"
	"github.com/SensorsIot/BalloonHunter-sub005/input/httpfeed"
	"github.com/SensorsIot/BalloonHunter-sub005/input/mqttfeed"
	"github.com/SensorsIot/BalloonHunter-sub005/intent"
	"github.com/SensorsIot/BalloonHunter-sub005/metric"
	"github.com/SensorsIot/BalloonHunter-sub005/output/wsfeed"
	"github.com/SensorsIot/BalloonHunter-sub005/pkg/cache"
	"github.com/SensorsIot/BalloonHunter-sub005/pkg/retry"
	"github.com/SensorsIot/BalloonHunter-sub005/policy"
	"github.com/SensorsIot/BalloonHunter-sub005/snapshot"
	"github.com/SensorsIot/BalloonHunter-sub005/storage/trackstore"
	"github.com/SensorsIot/BalloonHunter-sub005/telemetry"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "trackerd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("trackerd failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("configuration is valid")
		return nil
	}

	logger.Info("starting tracker core",
		"version", Version,
		"config_path", cliCfg.ConfigPath)

	return runCore(logger, cfg, cliCfg)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// topics bundles every bus topic the components share.
type topics struct {
	records     *eventbus.Topic[telemetry.Record]
	signals     *eventbus.Topic[telemetry.SourceSignal]
	canonical   *eventbus.Topic[telemetry.Canonical]
	intents     *eventbus.Topic[intent.Intent]
	predictions *eventbus.Topic[policy.PredictionResult]
	routes      *eventbus.Topic[policy.RouteResult]
	statuses    *eventbus.Topic[policy.Status]
	snapshots   *eventbus.Topic[snapshot.Snapshot]
}

func newTopics(m *metric.Metrics) *topics {
	return &topics{
		records:     eventbus.NewTopic[telemetry.Record]("telemetry.records", eventbus.WithCoreMetrics[telemetry.Record](m)),
		signals:     eventbus.NewTopic[telemetry.SourceSignal]("telemetry.signals", eventbus.WithCoreMetrics[telemetry.SourceSignal](m)),
		canonical:   eventbus.NewTopic[telemetry.Canonical]("telemetry.canonical", eventbus.WithCoreMetrics[telemetry.Canonical](m)),
		intents:     eventbus.NewTopic[intent.Intent]("intents", eventbus.WithCoreMetrics[intent.Intent](m)),
		predictions: eventbus.NewTopic[policy.PredictionResult]("prediction.results", eventbus.WithCoreMetrics[policy.PredictionResult](m)),
		routes:      eventbus.NewTopic[policy.RouteResult]("route.results", eventbus.WithCoreMetrics[policy.RouteResult](m)),
		statuses:    eventbus.NewTopic[policy.Status]("policy.status", eventbus.WithCoreMetrics[policy.Status](m)),
		snapshots:   eventbus.NewTopic[snapshot.Snapshot]("snapshots", eventbus.WithCoreMetrics[snapshot.Snapshot](m)),
	}
}

func (t *topics) closeAll() {
	t.records.Close()
	t.signals.Close()
	t.canonical.Close()
	t.intents.Close()
	t.predictions.Close()
	t.routes.Close()
	t.statuses.Close()
	t.snapshots.Close()
}

func runCore(logger *slog.Logger, cfg *config.Config, cliCfg *CLIConfig) error {
	registry := metric.NewMetricsRegistry()
	coreMetrics := registry.CoreMetrics()

	bus := newTopics(coreMetrics)
	defer bus.closeAll()

	quantizer := cache.Quantizer{
		GridDegrees:  cfg.Quantize.GridDegrees,
		AltitudeStep: cfg.Quantize.AltitudeStep,
		TimeBucket:   cfg.Quantize.TimeBucket,
	}

	predictionCache, err := cache.New[policy.PredictionResult](cfg.Cache.Capacity, cfg.Cache.TTL,
		cache.WithMetrics[policy.PredictionResult](registry, "prediction_cache"))
	if err != nil {
		return fmt.Errorf("prediction cache: %w", err)
	}
	routeCache, err := cache.New[policy.RouteResult](cfg.Cache.Capacity, cfg.Cache.TTL,
		cache.WithMetrics[policy.RouteResult](registry, "route_cache"))
	if err != nil {
		return fmt.Errorf("route cache: %w", err)
	}

	manager := component.NewManager(logger, component.WithManagerMetrics(coreMetrics))

	// Persistence first: the aggregator restores the last snapshot from it.
	var persister snapshot.Persister
	if cfg.Store.Enabled {
		store := trackstore.NewStore(logger, cfg.Store.DSN, trackstore.WithStoreMetrics(registry))
		manager.Register(store)
		persister = store
	}

	aggOptions := []snapshot.AggregatorOption{snapshot.WithAggregatorMetrics(coreMetrics)}
	if persister != nil {
		aggOptions = append(aggOptions, snapshot.WithPersister(persister))
	}
	manager.Register(snapshot.NewAggregator(logger,
		bus.canonical, bus.predictions, bus.routes, bus.statuses, bus.snapshots,
		aggOptions...))

	manager.Register(policy.NewPredictionPolicy(logger,
		cfg.Prediction, cfg.Flight,
		external.NewPredictionClient(cfg.External), predictionCache,
		bus.canonical, bus.intents, bus.predictions, bus.statuses,
		policy.WithQuantizer(quantizer), policy.WithMetrics(coreMetrics)))

	manager.Register(policy.NewRoutingPolicy(logger,
		cfg.Routing,
		external.NewRouteClient(cfg.External), routeCache,
		bus.canonical, bus.intents, bus.predictions, bus.routes, bus.statuses,
		policy.WithQuantizer(quantizer), policy.WithMetrics(coreMetrics)))

	manager.Register(telemetry.NewArbiter(logger,
		cfg.Telemetry, bus.records, bus.signals, bus.canonical,
		telemetry.WithArbiterMetrics(coreMetrics)))

	// Feeds last: nothing produces until every consumer is running.
	if cfg.MQTT.Enabled {
		manager.Register(mqttfeed.NewFeed(logger, mqttfeed.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      cfg.MQTT.QoS,
		}, bus.records, bus.signals, mqttfeed.WithFeedMetrics(registry)))
	}

	if cfg.HTTP.Enabled {
		manager.Register(httpfeed.NewFeed(logger, httpfeed.Config{
			URL:          cfg.HTTP.URL,
			PollInterval: cfg.HTTP.PollInterval,
			Timeout:      cfg.HTTP.Timeout,
			Retry:        retry.DefaultConfig(),
		}, bus.records, bus.signals, httpfeed.WithFeedMetrics(registry)))
	}

	if cfg.WS.Enabled {
		manager.Register(wsfeed.NewServer(logger, wsfeed.Config{
			Addr: cfg.WS.Addr,
			Path: cfg.WS.Path,
		}, bus.snapshots, bus.intents, wsfeed.WithServerMetrics(registry)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.StartAll(ctx); err != nil {
		_ = manager.StopAll(cliCfg.ShutdownTimeout)
		return fmt.Errorf("start components: %w", err)
	}
	logger.Info("tracker core running")

	group, groupCtx := errgroup.WithContext(ctx)

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		group.Go(func() error {
			return metricsServer.Start()
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down", "timeout", cliCfg.ShutdownTimeout)
		if metricsServer != nil {
			_ = metricsServer.Stop()
		}
		return manager.StopAll(cliCfg.ShutdownTimeout)
	})

	return group.Wait()
}

package main

import (
	"flag"
	"log"
	"os"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"dynami/internal/asset"
	"dynami/internal/bus"
	"dynami/internal/engine"
	"dynami/internal/feed"
	"dynami/internal/journal"
	"dynami/internal/obs"
	"dynami/internal/ops"
	"dynami/internal/orders"
	"dynami/internal/portfolio"
	"dynami/internal/strategy"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	feedFile := flag.String("feed", "", "Override the market data file")
	speed := flag.Float64("speed", -1, "Override playback speed (0=no pacing)")
	forceSync := flag.Bool("force-sync", false, "Deliver bus messages on the publisher goroutine")
	strategyName := flag.String("strategy", "", "Override the configured strategy")
	pyroscopeAddr := flag.String("pyroscope", "", "Pyroscope server address (empty=disabled)")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if *feedFile != "" {
		loaded.Feed.File = *feedFile
	}
	if *speed >= 0 {
		loaded.Feed.Speed = *speed
	}
	if *forceSync {
		loaded.Bus.ForceSync = true
	}
	if *strategyName != "" {
		loaded.Strategy.Name = *strategyName
	}

	if *pyroscopeAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "dynami",
			ServerAddress:   *pyroscopeAddr,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	if err := run(loaded); err != nil {
		logs.Errorf("run failed: %+v", err)
		os.Exit(1)
	}
}

func run(loaded ops.Loaded) error {
	metrics := obs.NewMetrics()
	b, err := bus.New(loaded.Bus, metrics)
	if err != nil {
		return err
	}
	defer b.Dispose()

	assets := asset.New(b)
	ordersEngine := orders.New(b, assets, metrics)
	pf := portfolio.New(b)

	registry := strategy.NewRegistry()
	if err := registerStrategies(registry); err != nil {
		return err
	}
	executor := strategy.NewExecutor(b, registry, ordersEngine, assets, pf)

	services := engine.NewCoordinator(b)
	services.Register(assets, engine.PriorityAsset)
	services.Register(newFeedService(b, loaded), engine.PriorityFeed)
	services.Register(ordersEngine, engine.PriorityOrders)
	services.Register(pf, engine.PriorityPortfolio)
	if loaded.Journal.Enabled() {
		services.Register(journal.New(b, nil), engine.PriorityJournal)
	}

	controller := engine.NewController(b, services, executor)
	if err := controller.Select(engine.StrategyDescriptor{
		Name:   loaded.Strategy.Name,
		Params: loaded.Strategy.Params,
	}); err != nil {
		return err
	}
	if err := controller.Init(&loaded); err != nil {
		return err
	}
	if err := controller.Load(); err != nil {
		return err
	}
	if err := controller.Run(); err != nil {
		return err
	}

	wait(executor)

	if err := controller.Stop(); err != nil {
		logs.Errorf("stop: %+v", err)
	}
	if err := controller.Dispose(); err != nil {
		logs.Errorf("dispose: %+v", err)
	}

	report(metrics.Snapshot())
	return nil
}

func newFeedService(b bus.Bus, loaded ops.Loaded) engine.Service {
	if loaded.Feed.WsURL != "" {
		return feed.NewQuoteFeed(b)
	}
	return feed.NewFileFeed(b)
}

// wait blocks until the strategy ends or a shutdown signal arrives.
func wait(executor *strategy.Executor) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sys.Shutdown():
			logs.Info("shutdown signal")
			return
		case <-ticker.C:
			if executor.Finished() {
				return
			}
		}
	}
}

func report(snap obs.Snapshot) {
	logs.Infof("bus: published=%d delivered=%d dropped=%d panics=%d rejected=%d",
		snap.Published, snap.Delivered, snap.Dropped, snap.HandlerPanics, snap.RejectedPubs)
	logs.Infof("orders: sent=%d filled=%d cancelled=%d",
		snap.OrdersSent, snap.OrdersFilled, snap.OrdersCancelled)
	if snap.MatchLatency.Count > 0 {
		logs.Infof("match latency: n=%d min=%s avg=%s max=%s",
			snap.MatchLatency.Count, snap.MatchLatency.Min, snap.MatchLatency.Avg, snap.MatchLatency.Max)
	}
}

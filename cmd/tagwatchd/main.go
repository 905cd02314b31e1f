package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tagwatch/internal/alarms"
	"tagwatch/internal/config"
	"tagwatch/internal/dispatch"
	"tagwatch/internal/engine"
	"tagwatch/internal/health"
	"tagwatch/internal/logging"
	"tagwatch/internal/overflow"
	"tagwatch/internal/pipeline"
	"tagwatch/internal/publish"
	"tagwatch/internal/rules"
	"tagwatch/internal/storage"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	flag.Parse()

	var mgr *config.Manager
	var err error
	if *configPath != "" {
		mgr, err = config.NewManager(config.ResolvePath(*configPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	} else {
		mgr = config.NewStaticManager(config.DefaultConfig())
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("tagwatch starting", "version", version, "config", mgr.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exporter, err := overflow.NewExporter(cfg.Overflow, logger)
	if err != nil {
		logger.Error("overflow exporter init failed", "err", err)
		os.Exit(1)
	}
	exporter.Start(ctx)

	pipe := pipeline.New(cfg.Pipeline.Capacity, exporter, logger)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage init failed", "err", err)
		os.Exit(1)
	}
	if store != nil {
		initCtx, initCancel := context.WithTimeout(ctx, 10*time.Second)
		err = store.Init(initCtx)
		initCancel()
		if err != nil {
			logger.Error("storage schema init failed", "err", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	var provider rules.Provider
	if store != nil {
		provider = rules.NewSQLProvider(store)
	} else {
		provider = rules.NewMemoryProvider(cfg.Engine.MaxRocWindow)
		logger.Warn("storage disabled, using in-memory rule provider")
	}

	publisher := publish.NewKafkaPublisher(cfg.Broadcast, logger)
	if publisher != nil {
		defer publisher.Close()
	}

	alarmStore := alarms.NewStore(cfg.Alarms.StoreLimit)
	var sink alarms.Sink
	if store != nil {
		sink = store
	}
	var alarmPub alarms.Publisher
	if publisher != nil {
		alarmPub = publisher
	}
	emitter := alarms.NewEmitter(alarmStore, sink, alarmPub, logger)

	eng := engine.New(cfg.Engine, provider, emitter, logger)
	eng.Start(ctx)

	consumers := []dispatch.Consumer{
		&dispatch.PointHandler{ConsumerName: "rule_engine", Handle: eng.HandlePoint},
	}
	if store != nil {
		consumers = append(consumers, &dispatch.PersistenceConsumer{Saver: store})
	}
	if publisher != nil {
		consumers = append(consumers, &dispatch.BroadcastConsumer{Publisher: publisher})
	}

	dispatcher := dispatch.New(pipe, cfg.Dispatcher, logger, consumers...)
	dispatcher.Start(ctx)

	probe := health.NewProbe(pipe, exporter, dispatcher, eng)

	stopWatch := make(chan struct{})
	if mgr.Path() != "" {
		go mgr.Watch(3*time.Second,
			func(next *config.Config) {
				eng.UpdateConfig(next.Engine)
				logger.Info("config reloaded", "path", mgr.Path())
			},
			func(err error) {
				logger.Warn("config reload failed", "err", err)
			},
			stopWatch)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())

	close(stopWatch)
	pipe.Close()
	cancel()
	dispatcher.Stop()
	exporter.Wait()

	snap := probe.Snapshot(context.Background())
	logger.Info("tagwatch stopped",
		"enqueued", snap.Pipeline.TotalEnqueued,
		"dispatched", snap.Pipeline.TotalDispatched,
		"overflowed", snap.Overflow.TotalExported,
		"shutdown_loss", snap.Dispatcher.ShutdownLoss)
}

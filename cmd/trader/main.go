package main

import (
	"context"
	"flag"
	"os"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/bus"
	"tradecore/internal/core"
	"tradecore/internal/obs"
	"tradecore/internal/og"
	"tradecore/internal/ops"
	"tradecore/internal/risk"
	"tradecore/internal/state"
	"tradecore/internal/store"
	"tradecore/internal/wal"
	"tradecore/pkg/conn"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("trader: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to YAML/JSON config (env overrides use the TRADECORE_ prefix)")
	feedPath := flag.String("feed", "", "JSON lines of intents, order events, trade events and cancels to process")
	snapshotPath := flag.String("snapshot", "", "Write a portfolio snapshot here on exit")
	flag.Parse()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		return err
	}

	if cfg.Profiling.ServerAddress != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profiling.ApplicationName,
			ServerAddress:   cfg.Profiling.ServerAddress,
			Tags:            map[string]string{"account": cfg.Account.ID},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return errors.Wrap(err, "start pyroscope")
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Infof("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	domainStore, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	sink, err := wal.Open(cfg.WAL)
	if err != nil {
		return err
	}
	defer sink.Close()

	metrics := obs.NewMetrics()
	riskManager, err := risk.NewManager(cfg.Risk.Manager(), risk.NewDefaultExecutor())
	if err != nil {
		return err
	}
	riskManager.WithStore(domainStore).WithMetrics(metrics)
	if err := riskManager.Start(); err != nil {
		return err
	}
	defer riskManager.Close()

	orders := og.NewManager(og.ManagerConfig{
		ProcessedCacheSize: cfg.Order.ProcessedCacheSize,
		TradeEventSources:  cfg.Order.TradeEventSources,
	}, nil).
		WithStore(domainStore).
		WithSink(sink).
		WithMetrics(metrics)

	instruments := make(map[string]core.Instrument, len(cfg.Instruments))
	for id, inst := range cfg.Instruments {
		instruments[id] = core.Instrument{Multiplier: inst.Multiplier, MarginRate: inst.MarginRate}
	}
	engine, err := core.NewEngine(core.Config{
		AccountID:        cfg.Account.ID,
		TradingDay:       cfg.Account.TradingDay,
		InitialBalance:   cfg.Account.InitialBalance,
		Instruments:      instruments,
		CommissionPerLot: cfg.Account.CommissionPerLot,
	}, core.Deps{
		Orders:    orders,
		Risk:      riskManager,
		SelfTrade: risk.NewSelfTradeEngine(cfg.SelfTrade).WithMetrics(metrics),
		Store:     domainStore,
		Rollover:  sink,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}

	if _, err := engine.Recover(ctx, cfg.WAL.Path); err != nil {
		return errors.Wrap(err, "recover from wal")
	}

	queue := bus.NewQueue(cfg.Queue.Capacity)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		engine.Run(gctx, queue)
		return nil
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return obs.Serve(gctx, cfg.Metrics.Addr, obs.NewRegistry(metrics))
		})
	}
	if *feedPath != "" {
		g.Go(func() error {
			defer queue.Close()
			n, err := publishFeed(gctx, *feedPath, queue)
			logs.Infof("feed published, path: %s, messages: %d", *feedPath, n)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	snap := metrics.Snapshot()
	logs.Infof("trader stopped, orders applied: %d, duplicates: %d, rejected: %d, trades: %d, wal appends: %d",
		snap.OrderApplied, snap.OrderDuplicate, snap.OrderRejected, snap.TradeRecorded, snap.WalAppends)

	if *snapshotPath != "" {
		if err := state.WriteSnapshot(*snapshotPath, engine.Portfolio().SnapshotWithSeq(sink.NextSeq()-1)); err != nil {
			return err
		}
		logs.Infof("portfolio snapshot written, path: %s", *snapshotPath)
	}
	return nil
}

func openStore(ctx context.Context, cfg ops.StoreConfig) (store.DomainStore, func(), error) {
	switch cfg.Driver {
	case ops.StoreDriverPostgres:
		client, err := conn.New(ctx, cfg.Postgres.Option())
		if err != nil {
			return nil, nil, err
		}
		gs, err := store.NewGormStore(client.DB())
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := gs.Migrate(ctx); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return gs, func() { _ = client.Close() }, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

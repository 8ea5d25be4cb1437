package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trades-sentinel/internal/config"
	"trades-sentinel/internal/engine"
	"trades-sentinel/internal/exchange"
	"trades-sentinel/internal/feed"
	"trades-sentinel/internal/metrics"
	"trades-sentinel/internal/monitor"
	"trades-sentinel/internal/position"
	"trades-sentinel/internal/risk"
	"trades-sentinel/internal/store"
	"trades-sentinel/internal/trigger"
)

const sourceConfig = "config"

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装引擎、行情轮询与运维接口，阻塞到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("风控引擎初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Strings("symbols", a.cfg.Engine.Symbols),
	)

	stopProfiler, err := a.startProfiler()
	if err != nil {
		return err
	}
	defer stopProfiler()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.New(registry)

	client, err := exchange.NewClient(a.cfg.Exchange, a.logger.Named("exchange"))
	if err != nil {
		return err
	}
	client.SetObserver(rec.GatewayCall)

	journal, err := monitor.NewService(a.store, a.logger.Named("journal"))
	if err != nil {
		return err
	}

	eng := engine.New(a.cfg.Engine, client, rec, a.logger.Named("engine"))
	poller := feed.NewPoller(client, position.NewManager(client, a.logger.Named("position")), eng, a.cfg.Feed, a.logger.Named("feed"))

	eng.Subscribe(journal.RecordTransition)
	eng.Subscribe(func(tr trigger.Transition) {
		if tr.To == trigger.StatusFired && tr.Trigger.OrderID != "" {
			poller.Track(tr.Trigger.Symbol, tr.Trigger.OrderID, tr.Trigger.ID)
		}
	})

	a.applyInitialRisk(ctx, eng, journal)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return eng.Run(groupCtx)
	})
	group.Go(func() error {
		return poller.Run(groupCtx)
	})
	if a.cfg.Monitor.Enabled {
		handler := NewHandler(eng, journal, registry, a.logger.Named("api"))
		group.Go(func() error {
			return serveMonitor(groupCtx, handler, a.cfg.Monitor.Port, a.logger.Named("api"))
		})
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，已停止")
	return nil
}

// applyInitialRisk 下发配置文件中显式声明的风控参数；单个标的失败不影响其他标的。
func (a *App) applyInitialRisk(ctx context.Context, eng *engine.Engine, journal *monitor.Service) {
	for _, inst := range a.cfg.Risk.Instruments {
		cfg := risk.Config{
			Symbol:        inst.Symbol,
			StopLossPct:   inst.StopLossPct,
			TakeProfitPct: inst.TakeProfitPct,
			TrailingPct:   inst.TrailingPct,
			Leverage:      inst.Leverage,
		}
		if err := eng.SetRiskConfig(ctx, inst.Symbol, cfg); err != nil {
			a.logger.Error("下发初始风控参数失败", zap.String("symbol", inst.Symbol), zap.Error(err))
			journal.RecordError(ctx, inst.Symbol, "下发初始风控参数失败", err, nil)
			continue
		}
		journal.RecordRiskConfig(ctx, cfg, false, sourceConfig)
	}
}

func (a *App) startProfiler() (func(), error) {
	pc := a.cfg.Profiling
	if !pc.Enabled {
		return func() {}, nil
	}

	name := pc.ApplicationName
	if name == "" {
		name = "trades-sentinel"
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: name,
		ServerAddress:   pc.ServerAddress,
		Tags: map[string]string{
			"env": a.cfg.App.Environment,
		},
		Logger: a.logger.Named("profiler").Sugar(),
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("app: 启动 pyroscope 失败: %w", err)
	}
	a.logger.Info("持续剖析已启动", zap.String("server", pc.ServerAddress))

	return func() {
		if err := profiler.Stop(); err != nil {
			a.logger.Warn("停止 pyroscope 失败", zap.Error(err))
		}
	}, nil
}

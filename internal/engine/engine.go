package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"trades-sentinel/internal/config"
	"trades-sentinel/internal/execution"
	"trades-sentinel/internal/market"
	"trades-sentinel/internal/metrics"
	"trades-sentinel/internal/position"
	"trades-sentinel/internal/risk"
	"trades-sentinel/internal/trigger"
)

var (
	// ErrUnknownInstrument 表示标的不在关注列表中。
	ErrUnknownInstrument = errors.New("unknown instrument")
	// ErrNoQuote 表示标的尚无报价。
	ErrNoQuote = errors.New("no quote")
)

// Gateway 为引擎依赖的交易所能力。
type Gateway interface {
	execution.Gateway
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
}

// Engine 持有全部引擎状态，构造一次后以引用传递，不存在全局实例。
type Engine struct {
	cfg    config.EngineConfig
	logger *zap.Logger

	quotes     *market.Store
	ledger     *position.Ledger
	risk       *risk.Table
	registry   *trigger.Registry
	dispatcher *execution.Dispatcher
	gateway    Gateway
	router     *Router
	metrics    *metrics.Recorder

	watchMu sync.RWMutex
	watch   map[string]struct{}
}

// New 创建引擎；rec 可以为 nil。
func New(cfg config.EngineConfig, gateway Gateway, rec *metrics.Recorder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		quotes:  market.NewStore(),
		ledger:  position.NewLedger(),
		risk:    risk.NewTable(),
		gateway: gateway,
		metrics: rec,
		watch:   make(map[string]struct{}, len(cfg.Symbols)),
	}
	for _, s := range cfg.Symbols {
		e.watch[s] = struct{}{}
	}

	e.dispatcher = execution.NewDispatcher(gateway, execution.Options{SubmitTimeout: cfg.SubmitTimeout}, logger.Named("dispatcher"))
	e.registry = trigger.NewRegistry(e.ledger, e.risk, e.quotes, e.dispatcher, trigger.Options{
		AllowConditionalStacking: cfg.AllowConditionalStacking,
		HistoryLimit:             cfg.HistoryLimit,
		OrderType:                cfg.OrderType,
		LimitSlippage:            cfg.LimitSlippage,
	}, logger.Named("trigger"))
	e.registry.Subscribe(func(tr trigger.Transition) {
		e.metrics.Transition(tr.Trigger.Symbol, string(tr.Trigger.Kind), string(tr.To))
	})

	e.router = NewRouter(cfg.Shards, cfg.QueueSize, e.Watched, rec, logger.Named("router"))
	e.router.Handle(KindTick, e.handleTick)
	e.router.Handle(KindPosition, e.handlePosition)
	e.router.Handle(KindOrder, e.handleOrder)
	e.router.Handle(KindTrade, e.handleTrade)
	e.router.Handle(KindSubmitResult, e.handleResult)

	e.dispatcher.SetSink(e.publishResult)
	return e
}

// Run 启动事件处理，直到 ctx 结束；退出前等待在途提交完成。
func (e *Engine) Run(ctx context.Context) error {
	err := e.router.Run(ctx)
	// 消费者已退出：关闭队列使后续结果直接回写，再补处理已入队的提交结果
	e.router.Close()
	e.dispatcher.Wait()
	e.router.DrainKind(KindSubmitResult)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Publish 发布外部事件。
func (e *Engine) Publish(ctx context.Context, ev Event) error {
	return e.router.Publish(ctx, ev)
}

// Subscribe 注册触发单状态变化观察者。
func (e *Engine) Subscribe(obs trigger.Observer) {
	e.registry.Subscribe(obs)
}

func (e *Engine) publishResult(res execution.Result) {
	if err := e.router.Publish(context.Background(), ResultEvent(res)); err != nil {
		// 路由已停止时直接回写，避免提交结果丢失
		e.logger.Warn("提交结果入队失败，直接处理",
			zap.String("symbol", res.Symbol),
			zap.String("trigger_id", res.TriggerID),
			zap.Error(err),
		)
		e.registry.OnSubmitResult(res)
	}
}

func (e *Engine) handleTick(ev Event) {
	if ev.Tick == nil {
		return
	}
	tick := *ev.Tick
	if !tick.Valid() {
		e.logger.Debug("忽略无效报价", zap.String("symbol", ev.Symbol))
		return
	}
	e.quotes.Update(tick)
	e.registry.OnTick(tick)
}

func (e *Engine) handlePosition(ev Event) {
	if ev.Position == nil {
		return
	}
	pos, changed := e.ledger.Apply(*ev.Position)
	if !changed {
		return
	}
	e.logger.Info("仓位变化",
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("size", pos.Size),
		zap.Float64("entry_price", pos.EntryPrice),
	)
	e.registry.Resync(pos.Symbol)
}

func (e *Engine) handleOrder(ev Event) {
	if ev.Order != nil {
		e.registry.OnOrderUpdate(*ev.Order)
	}
}

func (e *Engine) handleTrade(ev Event) {
	if ev.Trade != nil {
		e.registry.OnTrade(*ev.Trade)
	}
}

func (e *Engine) handleResult(ev Event) {
	if ev.Result != nil {
		e.registry.OnSubmitResult(*ev.Result)
	}
}

// Watched 判断标的是否在关注列表中。
func (e *Engine) Watched(symbol string) bool {
	e.watchMu.RLock()
	defer e.watchMu.RUnlock()
	_, ok := e.watch[symbol]
	return ok
}

// Watch 将标的加入关注列表。
func (e *Engine) Watch(symbol string) error {
	if symbol == "" {
		return errors.New("engine: 标的不能为空")
	}
	e.watchMu.Lock()
	e.watch[symbol] = struct{}{}
	e.watchMu.Unlock()

	e.registry.Resync(symbol)
	return nil
}

// Symbols 返回关注列表，按字母序。
func (e *Engine) Symbols() []string {
	e.watchMu.RLock()
	defer e.watchMu.RUnlock()
	out := make([]string, 0, len(e.watch))
	for s := range e.watch {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) ensureWatched(symbol string) error {
	if !e.Watched(symbol) {
		return fmt.Errorf("engine: %w: %s", ErrUnknownInstrument, symbol)
	}
	return nil
}

// SetRiskConfig 更新标的风控参数；杠杆变化时先在交易所设置，失败则拒绝整份配置。
func (e *Engine) SetRiskConfig(ctx context.Context, symbol string, cfg risk.Config) error {
	if err := e.ensureWatched(symbol); err != nil {
		return err
	}
	cfg.Symbol = symbol
	if err := cfg.Validate(); err != nil {
		return err
	}

	prev, ok := e.risk.Lookup(symbol)
	if cfg.Leverage > 0 && (!ok || prev.Leverage != cfg.Leverage) {
		if err := e.gateway.SetLeverage(ctx, symbol, cfg.Leverage); err != nil {
			return fmt.Errorf("engine: 设置杠杆失败: %w", err)
		}
	}

	if err := e.risk.Set(symbol, cfg); err != nil {
		return err
	}
	e.logger.Info("风控参数已更新",
		zap.String("symbol", symbol),
		zap.Float64("stoploss_pct", cfg.StopLossPct),
		zap.Float64("takeprofit_pct", cfg.TakeProfitPct),
		zap.Float64("trailing_pct", cfg.TrailingPct),
		zap.Float64("leverage", cfg.Leverage),
	)
	e.registry.Resync(symbol)
	return nil
}

// GetRiskConfig 返回标的风控参数，未配置时全部关闭。
func (e *Engine) GetRiskConfig(symbol string) (risk.Config, error) {
	if err := e.ensureWatched(symbol); err != nil {
		return risk.Config{}, err
	}
	return e.risk.Get(symbol), nil
}

// RemoveRiskConfig 删除标的风控参数，返回是否存在。
func (e *Engine) RemoveRiskConfig(symbol string) (bool, error) {
	if err := e.ensureWatched(symbol); err != nil {
		return false, err
	}
	existed := e.risk.Delete(symbol)
	e.registry.Resync(symbol)
	return existed, nil
}

// SetAllStopLoss 覆盖全部已配置标的的止损比例。
func (e *Engine) SetAllStopLoss(pct float64) ([]string, error) {
	symbols, err := e.risk.SetAllStopLoss(pct)
	if err != nil {
		return nil, err
	}
	e.resyncAll(symbols)
	return symbols, nil
}

// SetAllTakeProfit 覆盖全部已配置标的的止盈比例。
func (e *Engine) SetAllTakeProfit(pct float64) ([]string, error) {
	symbols, err := e.risk.SetAllTakeProfit(pct)
	if err != nil {
		return nil, err
	}
	e.resyncAll(symbols)
	return symbols, nil
}

// AdjustTakeProfit 按止损比例的倍数重设止盈；symbol 为空时作用于全部标的。
func (e *Engine) AdjustTakeProfit(symbol string, mul float64) ([]string, error) {
	if symbol != "" {
		if err := e.ensureWatched(symbol); err != nil {
			return nil, err
		}
	}
	symbols, err := e.risk.AdjustTakeProfit(symbol, mul)
	if err != nil {
		return nil, err
	}
	e.resyncAll(symbols)
	return symbols, nil
}

func (e *Engine) resyncAll(symbols []string) {
	for _, s := range symbols {
		e.registry.Resync(s)
	}
}

// CancelAllTriggers 取消标的等待中的触发单，kinds 为空时不过滤。
func (e *Engine) CancelAllTriggers(symbol string, kinds ...trigger.Kind) ([]trigger.Trigger, error) {
	if err := e.ensureWatched(symbol); err != nil {
		return nil, err
	}
	return e.registry.CancelAll(symbol, kinds...), nil
}

// ListActiveTriggers 返回活跃触发单快照。
func (e *Engine) ListActiveTriggers(symbol string) ([]trigger.Trigger, error) {
	if err := e.ensureWatched(symbol); err != nil {
		return nil, err
	}
	return e.registry.Active(symbol), nil
}

// TriggerHistory 返回已结束的触发单。
func (e *Engine) TriggerHistory(symbol string) ([]trigger.Trigger, error) {
	if err := e.ensureWatched(symbol); err != nil {
		return nil, err
	}
	return e.registry.History(symbol), nil
}

// PlaceConditional 创建条件单。
func (e *Engine) PlaceConditional(req trigger.ConditionalRequest) (trigger.Trigger, error) {
	if err := e.ensureWatched(req.Symbol); err != nil {
		return trigger.Trigger{}, err
	}
	return e.registry.PlaceConditional(req)
}

// GetPosition 返回当前仓位。
func (e *Engine) GetPosition(symbol string) (position.Position, error) {
	if err := e.ensureWatched(symbol); err != nil {
		return position.Position{}, err
	}
	return e.ledger.Get(symbol), nil
}

// GetTick 返回最新报价。
func (e *Engine) GetTick(symbol string) (market.Tick, error) {
	if err := e.ensureWatched(symbol); err != nil {
		return market.Tick{}, err
	}
	tick, ok := e.quotes.Get(symbol)
	if !ok {
		return market.Tick{}, fmt.Errorf("engine: %w: %s", ErrNoQuote, symbol)
	}
	return tick, nil
}

// ActiveOrders 查询交易所挂单。
func (e *Engine) ActiveOrders(ctx context.Context, symbol string) ([]execution.ActiveOrder, error) {
	if err := e.ensureWatched(symbol); err != nil {
		return nil, err
	}
	return e.dispatcher.ActiveOrders(ctx, symbol)
}

// CancelOrder 撤销交易所订单，订单已结束时视为成功。
func (e *Engine) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := e.ensureWatched(symbol); err != nil {
		return err
	}
	return e.dispatcher.Cancel(ctx, symbol, orderID)
}

// Pause 暂停触发评估。
func (e *Engine) Pause() {
	e.registry.Pause()
	e.metrics.SetPaused(true)
	e.logger.Warn("触发评估已暂停")
}

// Resume 恢复触发评估。
func (e *Engine) Resume() {
	e.registry.Resume()
	e.metrics.SetPaused(false)
	e.logger.Info("触发评估已恢复")
}

// Paused 返回是否暂停。
func (e *Engine) Paused() bool {
	return e.registry.Paused()
}

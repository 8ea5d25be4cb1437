package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trades-sentinel/internal/config"
	"trades-sentinel/internal/engine"
	"trades-sentinel/internal/exchange"
	"trades-sentinel/internal/execution"
	"trades-sentinel/internal/market"
	"trades-sentinel/internal/position"
)

// MarketSource 提供报价与订单查询。
type MarketSource interface {
	FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error)
	FetchOrder(ctx context.Context, symbol, orderID string) (exchange.OrderStatus, error)
}

// PositionSource 提供持仓快照。
type PositionSource interface {
	FetchUpdates(ctx context.Context, symbols []string) ([]position.Update, error)
}

// Publisher 接收轮询产生的事件。
type Publisher interface {
	Publish(ctx context.Context, ev engine.Event) error
	Symbols() []string
}

type trackedOrder struct {
	symbol        string
	orderID       string
	clientOrderID string
	status        execution.OrderStatus
	filled        float64
	fills         int
}

// Poller 轮询交易所并把结果转换为引擎事件。
type Poller struct {
	market    MarketSource
	positions PositionSource
	publisher Publisher
	cfg       config.FeedConfig
	logger    *zap.Logger

	mu     sync.Mutex
	orders map[string]*trackedOrder
}

// NewPoller 创建轮询器。
func NewPoller(marketSrc MarketSource, positions PositionSource, publisher Publisher, cfg config.FeedConfig, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.PositionInterval <= 0 {
		cfg.PositionInterval = 3 * time.Second
	}
	if cfg.OrderInterval <= 0 {
		cfg.OrderInterval = 2 * time.Second
	}
	return &Poller{
		market:    marketSrc,
		positions: positions,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		orders:    make(map[string]*trackedOrder),
	}
}

// Track 登记需要跟踪状态的订单。
func (p *Poller) Track(symbol, orderID, clientOrderID string) {
	if orderID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[orderID]; ok {
		return
	}
	p.orders[orderID] = &trackedOrder{symbol: symbol, orderID: orderID, clientOrderID: clientOrderID}
}

// Tracked 返回跟踪中的订单数量。
func (p *Poller) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}

// Run 启动报价、仓位与订单三个轮询循环，直到 ctx 结束。
func (p *Poller) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return p.loop(groupCtx, "ticks", p.cfg.TickInterval, p.PollTicks) })
	group.Go(func() error { return p.loop(groupCtx, "positions", p.cfg.PositionInterval, p.PollPositions) })
	group.Go(func() error { return p.loop(groupCtx, "orders", p.cfg.OrderInterval, p.PollOrders) })

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Poller) loop(ctx context.Context, name string, interval time.Duration, poll func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("轮询失败", zap.String("loop", name), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollTicks 并发拉取所有关注标的的报价。
func (p *Poller) PollTicks(ctx context.Context) error {
	symbols := p.publisher.Symbols()
	group, groupCtx := errgroup.WithContext(ctx)

	for _, symbol := range symbols {
		group.Go(func() error {
			ticker, err := p.market.FetchTicker(groupCtx, symbol)
			if err != nil {
				// 单个标的失败不影响其他标的
				p.logger.Warn("获取报价失败", zap.String("symbol", symbol), zap.Error(err))
				return nil
			}
			return p.publisher.Publish(groupCtx, engine.TickEvent(market.Tick{
				Symbol:    symbol,
				Bid:       ticker.Bid,
				BidSize:   ticker.BidVolume,
				Ask:       ticker.Ask,
				AskSize:   ticker.AskVolume,
				Last:      ticker.Last,
				Timestamp: ticker.Timestamp,
			}))
		})
	}
	return group.Wait()
}

// PollPositions 拉取持仓快照。
func (p *Poller) PollPositions(ctx context.Context) error {
	symbols := p.publisher.Symbols()
	if len(symbols) == 0 {
		return nil
	}
	updates, err := p.positions.FetchUpdates(ctx, symbols)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if err := p.publisher.Publish(ctx, engine.PositionEvent(u)); err != nil {
			return err
		}
	}
	return nil
}

// PollOrders 查询跟踪中的订单，状态变化时发布订单回报，成交量增加时发布成交事件。
func (p *Poller) PollOrders(ctx context.Context) error {
	p.mu.Lock()
	pending := make([]trackedOrder, 0, len(p.orders))
	for _, o := range p.orders {
		pending = append(pending, *o)
	}
	p.mu.Unlock()

	for _, o := range pending {
		status, err := p.market.FetchOrder(ctx, o.symbol, o.orderID)
		if err != nil {
			if errors.Is(err, exchange.ErrOrderNotFound) {
				p.logger.Warn("跟踪的订单不存在，停止跟踪", zap.String("symbol", o.symbol), zap.String("order_id", o.orderID))
				p.untrack(o.orderID)
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("查询订单失败", zap.String("symbol", o.symbol), zap.String("order_id", o.orderID), zap.Error(err))
			continue
		}

		if err := p.publishOrder(ctx, o, status); err != nil {
			return err
		}
	}
	return nil
}

func (p *Poller) publishOrder(ctx context.Context, prev trackedOrder, status exchange.OrderStatus) error {
	next := mapStatus(status)

	if status.Filled > prev.filled {
		ts := status.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		trade := execution.Trade{
			Symbol:    prev.symbol,
			OrderID:   prev.orderID,
			TradeID:   fmt.Sprintf("%s-%d", prev.orderID, prev.fills+1),
			Side:      execution.Side(status.Side),
			Price:     status.Average,
			Size:      status.Filled - prev.filled,
			Timestamp: ts,
		}
		if err := p.publisher.Publish(ctx, engine.TradeEvent(trade)); err != nil {
			return err
		}
	}

	if next != prev.status {
		update := execution.OrderUpdate{
			Symbol:        prev.symbol,
			OrderID:       prev.orderID,
			ClientOrderID: prev.clientOrderID,
			Status:        next,
			Filled:        status.Filled,
			Timestamp:     status.Timestamp,
		}
		if err := p.publisher.Publish(ctx, engine.OrderEvent(update)); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if next == execution.OrderFilled || next.Final() {
		delete(p.orders, prev.orderID)
		return nil
	}
	if o, ok := p.orders[prev.orderID]; ok {
		if status.Filled > o.filled {
			o.fills++
			o.filled = status.Filled
		}
		o.status = next
	}
	return nil
}

func (p *Poller) untrack(orderID string) {
	p.mu.Lock()
	delete(p.orders, orderID)
	p.mu.Unlock()
}

func mapStatus(s exchange.OrderStatus) execution.OrderStatus {
	switch s.Status {
	case exchange.StatusClosed:
		return execution.OrderFilled
	case exchange.StatusCanceled:
		return execution.OrderCancelled
	case exchange.StatusExpired:
		return execution.OrderExpired
	case exchange.StatusRejected:
		return execution.OrderRejected
	}
	if s.Filled > 0 {
		return execution.OrderPartiallyFilled
	}
	return execution.OrderOpen
}

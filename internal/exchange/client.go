package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"trades-sentinel/internal/config"
)

// api 为 ccxt OKX 客户端中用到的方法集合。
type api interface {
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
	FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error)
	CreateOrder(symbol string, typeVar string, side string, amount float64, options ...ccxt.CreateOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	SetLeverage(leverage int64, options ...ccxt.SetLeverageOptions) (map[string]interface{}, error)
}

// Client 负责与交易所交互。只读查询带重试，下单、撤单与杠杆设置只调用一次。
type Client struct {
	cfg         config.ExchangeConfig
	logger      *zap.Logger
	exchange    api
	loadMarkets func() error
	observe     func(operation string, latency time.Duration, err error)

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造 OKX 永续合约客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if !strings.EqualFold(cfg.Name, "okx") {
		return nil, fmt.Errorf("exchange: 不支持的交易所 %q", cfg.Name)
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "swap",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewOkx(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	client := newClient(cfg, ex, logger)
	client.loadMarkets = func() error {
		_, err := ex.LoadMarkets()
		return err
	}
	return client, nil
}

func newClient(cfg config.ExchangeConfig, ex api, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:         cfg,
		logger:      logger,
		exchange:    ex,
		loadMarkets: func() error { return nil },
		observe:     func(string, time.Duration, error) {},
	}
}

// SetObserver 注册调用耗时回调，用于指标统计。
func (c *Client) SetObserver(fn func(operation string, latency time.Duration, err error)) {
	if fn != nil {
		c.observe = fn
	}
}

// FetchTicker 获取最新报价。
func (c *Client) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	var raw ccxt.Ticker
	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		ticker, err := c.exchange.FetchTicker(symbol)
		if err != nil {
			return err
		}
		raw = ticker
		return nil
	})
	if err != nil {
		return Ticker{}, err
	}
	return convertTicker(symbol, raw), nil
}

// FetchPositions 透传持仓查询，带重试。
func (c *Client) FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error) {
	ctx := context.Background()
	var raw []ccxt.Position
	err := c.callWithRetry(ctx, "fetch_positions", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		positions, err := c.exchange.FetchPositions(options...)
		if err != nil {
			return err
		}
		raw = positions
		return nil
	})
	return raw, err
}

// FetchOrder 查询单个订单状态。
func (c *Client) FetchOrder(ctx context.Context, symbol, orderID string) (OrderStatus, error) {
	var raw ccxt.Order
	err := c.callWithRetry(ctx, "fetch_order", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		order, err := c.exchange.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(symbol))
		if err != nil {
			return err
		}
		raw = order
		return nil
	})
	if err != nil {
		return OrderStatus{}, err
	}
	return convertOrder(raw), nil
}

// FetchOpenOrders 查询标的的挂单。
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]OrderStatus, error) {
	var raw []ccxt.Order
	err := c.callWithRetry(ctx, "fetch_open_orders", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		orders, err := c.exchange.FetchOpenOrders(ccxt.WithFetchOpenOrdersSymbol(symbol))
		if err != nil {
			return err
		}
		raw = orders
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]OrderStatus, 0, len(raw))
	for _, order := range raw {
		out = append(out, convertOrder(order))
	}
	return out, nil
}

// SubmitOrder 提交委托并返回交易所订单号。
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Classify(err)
	}
	if req.Amount <= 0 || math.IsNaN(req.Amount) {
		return "", fmt.Errorf("%w: 下单数量必须大于0", ErrGatewayRejected)
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return "", err
	}

	params := map[string]interface{}{
		"marginMode": c.marginMode(),
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}
	if req.ClientOrderID != "" {
		params["clientOrderId"] = req.ClientOrderID
	}
	if req.TriggerPrice > 0 {
		params["triggerPrice"] = req.TriggerPrice
	}

	options := []ccxt.CreateOrderOptions{ccxt.WithCreateOrderParams(params)}
	if req.Type == "limit" {
		options = append(options, ccxt.WithCreateOrderPrice(req.Price))
	}

	var order ccxt.Order
	err := c.callOnce("create_order", func() error {
		var callErr error
		order, callErr = c.exchange.CreateOrder(req.Symbol, req.Type, req.Side, req.Amount, options...)
		return callErr
	})
	if err != nil {
		return "", err
	}

	orderID := derefString(order.Id)
	c.logger.Info("委托已提交",
		zap.String("symbol", req.Symbol),
		zap.String("side", req.Side),
		zap.String("type", req.Type),
		zap.Float64("amount", req.Amount),
		zap.String("order_id", orderID),
		zap.String("client_order_id", req.ClientOrderID),
	)
	return orderID, nil
}

// CancelOrder 撤销订单，订单不存在时返回 ErrOrderNotFound。
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := ctx.Err(); err != nil {
		return Classify(err)
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return err
	}
	return c.callOnce("cancel_order", func() error {
		_, err := c.exchange.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(symbol))
		return err
	})
}

// SetLeverage 设置标的杠杆倍数。
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	if err := ctx.Err(); err != nil {
		return Classify(err)
	}
	if leverage < 1 {
		return fmt.Errorf("%w: 杠杆必须不小于1", ErrGatewayRejected)
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return err
	}
	return c.callOnce("set_leverage", func() error {
		_, err := c.exchange.SetLeverage(
			int64(math.Round(leverage)),
			ccxt.WithSetLeverageSymbol(symbol),
			ccxt.WithSetLeverageParams(map[string]interface{}{"marginMode": c.marginMode()}),
		)
		return err
	})
}

func (c *Client) marginMode() string {
	if c.cfg.MarginMode == "" {
		return "cross"
	}
	return c.cfg.MarginMode
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", c.loadMarkets)
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

// callOnce 执行不可重试的写操作。
func (c *Client) callOnce(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	latency := time.Since(start)
	c.observe(operation, latency, err)
	if err == nil {
		return nil
	}

	classified := Classify(err)
	c.logger.Error("交易所调用失败",
		zap.String("operation", operation),
		zap.Duration("latency", latency),
		zap.Error(classified),
	)
	return classified
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Classify(ctxErr)
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		c.observe(operation, duration, err)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		classified := Classify(err)

		var ccxtErr *ccxt.Error
		if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OnMaintenanceErrType {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(classified),
			)
			return classified
		}

		if !IsRetryable(err) || attempt >= maxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(classified),
			)
			return classified
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(classified),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Classify(ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func convertTicker(symbol string, raw ccxt.Ticker) Ticker {
	ts := time.Now().UTC()
	if raw.Timestamp != nil && *raw.Timestamp > 0 {
		ts = time.UnixMilli(*raw.Timestamp).UTC()
	}
	if s := derefString(raw.Symbol); s != "" {
		symbol = s
	}
	return Ticker{
		Symbol:    symbol,
		Bid:       derefFloat(raw.Bid),
		BidVolume: derefFloat(raw.BidVolume),
		Ask:       derefFloat(raw.Ask),
		AskVolume: derefFloat(raw.AskVolume),
		Last:      derefFloat(raw.Last),
		Timestamp: ts,
	}
}

func convertOrder(raw ccxt.Order) OrderStatus {
	var ts time.Time
	if raw.Timestamp != nil && *raw.Timestamp > 0 {
		ts = time.UnixMilli(*raw.Timestamp).UTC()
	}
	return OrderStatus{
		ID:            derefString(raw.Id),
		ClientOrderID: derefString(raw.ClientOrderId),
		Symbol:        derefString(raw.Symbol),
		Side:          derefString(raw.Side),
		Status:        strings.ToLower(derefString(raw.Status)),
		Amount:        derefFloat(raw.Amount),
		Filled:        derefFloat(raw.Filled),
		Average:       derefFloat(raw.Average),
		Timestamp:     ts,
	}
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

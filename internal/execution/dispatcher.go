package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trades-sentinel/internal/exchange"
)

// Gateway 为下单网关，由 exchange.Client 实现。
type Gateway interface {
	SubmitOrder(ctx context.Context, req exchange.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	FetchOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderStatus, error)
}

// Options 控制提交行为。
type Options struct {
	SubmitTimeout time.Duration
}

type submitState int

const (
	stateInflight submitState = iota + 1
	stateSucceeded
	stateFailed
)

// Dispatcher 对网关做幂等封装；同一触发单在提交中或已成功时拒绝再次提交。
type Dispatcher struct {
	gateway Gateway
	logger  *zap.Logger
	opts    Options

	mu     sync.Mutex
	states map[string]submitState
	sink   func(Result)

	wg sync.WaitGroup
}

// NewDispatcher 创建下单调度器。
func NewDispatcher(gateway Gateway, opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 10 * time.Second
	}
	return &Dispatcher{
		gateway: gateway,
		logger:  logger,
		opts:    opts,
		states:  make(map[string]submitState),
		sink:    func(Result) {},
	}
}

// SetSink 设置异步提交结果的接收方。
func (d *Dispatcher) SetSink(sink func(Result)) {
	if sink == nil {
		return
	}
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
}

// Dispatch 异步提交，立即返回；结果通过 sink 回传。
func (d *Dispatcher) Dispatch(req SubmitRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if err := d.reserve(req.TriggerID); err != nil {
		return err
	}

	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.SubmitTimeout)
		defer cancel()
		sink(d.submit(ctx, req))
	}()
	return nil
}

// Submit 同步提交，幂等规则与 Dispatch 相同。
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) Result {
	if err := req.Validate(); err != nil {
		return Result{TriggerID: req.TriggerID, Symbol: req.Symbol, Err: err}
	}
	if err := d.reserve(req.TriggerID); err != nil {
		return Result{TriggerID: req.TriggerID, Symbol: req.Symbol, Err: err}
	}
	return d.submit(ctx, req)
}

// Wait 等待所有异步提交结束。
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Cancel 撤销订单；订单不存在或已结束视为成功。
func (d *Dispatcher) Cancel(ctx context.Context, symbol, orderID string) error {
	if orderID == "" {
		return errors.New("execution: 缺少订单号")
	}
	err := d.gateway.CancelOrder(ctx, symbol, orderID)
	if err == nil {
		d.logger.Info("订单已撤销", zap.String("symbol", symbol), zap.String("order_id", orderID))
		return nil
	}
	if errors.Is(err, exchange.ErrOrderNotFound) {
		d.logger.Debug("订单不存在或已结束，忽略撤单", zap.String("symbol", symbol), zap.String("order_id", orderID))
		return nil
	}
	return fmt.Errorf("execution: 撤单失败: %w", exchange.Classify(err))
}

// ActiveOrders 查询标的挂单。
func (d *Dispatcher) ActiveOrders(ctx context.Context, symbol string) ([]ActiveOrder, error) {
	orders, err := d.gateway.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("execution: 查询挂单失败: %w", exchange.Classify(err))
	}
	out := make([]ActiveOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, ActiveOrder{
			OrderID:       o.ID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Status:        o.Status,
			Amount:        o.Amount,
			Filled:        o.Filled,
		})
	}
	return out, nil
}

func (d *Dispatcher) reserve(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.states[key] {
	case stateInflight:
		return fmt.Errorf("%w: %s 提交中", ErrDuplicateSubmission, key)
	case stateSucceeded:
		return fmt.Errorf("%w: %s 已提交", ErrDuplicateSubmission, key)
	}
	d.states[key] = stateInflight
	return nil
}

func (d *Dispatcher) settle(key string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.states[key] = stateFailed
		return
	}
	d.states[key] = stateSucceeded
}

func (d *Dispatcher) submit(ctx context.Context, req SubmitRequest) Result {
	start := time.Now()
	orderID, err := d.gateway.SubmitOrder(ctx, buildOrderRequest(req))
	if err != nil {
		err = exchange.Classify(err)
	}
	d.settle(req.TriggerID, err)

	result := Result{
		TriggerID: req.TriggerID,
		Symbol:    req.Symbol,
		OrderID:   orderID,
		Err:       err,
		Latency:   time.Since(start),
	}

	fields := []zap.Field{
		zap.String("symbol", req.Symbol),
		zap.String("trigger_id", req.TriggerID),
		zap.String("side", string(req.Side)),
		zap.String("template", req.Template.Name()),
		zap.Float64("size", req.Size),
		zap.Duration("latency", result.Latency),
	}
	if err != nil {
		d.logger.Warn("触发单提交失败", append(fields, zap.Error(err))...)
	} else {
		d.logger.Info("触发单提交成功", append(fields, zap.String("order_id", orderID))...)
	}
	return result
}

func buildOrderRequest(req SubmitRequest) exchange.OrderRequest {
	order := exchange.OrderRequest{
		Symbol:        req.Symbol,
		Type:          "market",
		Side:          string(req.Side),
		Amount:        req.Size,
		ReduceOnly:    req.ReduceOnly,
		ClientOrderID: req.TriggerID,
	}

	switch tpl := req.Template.(type) {
	case Limit:
		order.Type = "limit"
		order.Price = tpl.Price
	case Conditional:
		order.TriggerPrice = tpl.TriggerPrice
		if tpl.OrderPrice > 0 {
			order.Type = "limit"
			order.Price = tpl.OrderPrice
		}
	}
	return order
}

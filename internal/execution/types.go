package execution

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 返回反方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid 判断方向是否合法。
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Template 描述触发后提交的委托形态，只有本包定义的三种实现。
type Template interface {
	Validate() error
	Name() string
	isTemplate()
}

// Market 为市价委托。
type Market struct{}

// Limit 为限价委托。
type Limit struct {
	Price float64 `json:"price"`
}

// Conditional 为交易所侧条件委托；OrderPrice 小于等于0时触发后按市价成交。
type Conditional struct {
	TriggerPrice float64 `json:"trigger_price"`
	OrderPrice   float64 `json:"order_price"`
}

func (Market) isTemplate()      {}
func (Limit) isTemplate()       {}
func (Conditional) isTemplate() {}

func (Market) Name() string      { return "market" }
func (Limit) Name() string       { return "limit" }
func (Conditional) Name() string { return "conditional" }

func (Market) Validate() error { return nil }

func (l Limit) Validate() error {
	if !positiveFinite(l.Price) {
		return fmt.Errorf("execution: 限价单价格必须为正: %v", l.Price)
	}
	return nil
}

func (c Conditional) Validate() error {
	if !positiveFinite(c.TriggerPrice) {
		return fmt.Errorf("execution: 条件单触发价必须为正: %v", c.TriggerPrice)
	}
	if math.IsNaN(c.OrderPrice) || math.IsInf(c.OrderPrice, 0) {
		return fmt.Errorf("execution: 条件单委托价无效: %v", c.OrderPrice)
	}
	return nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// ErrDuplicateSubmission 表示同一触发单已在提交中或已提交成功。
var ErrDuplicateSubmission = errors.New("duplicate submission")

// SubmitRequest 为一次触发产生的下单请求，TriggerID 同时作为幂等键与客户端订单号。
type SubmitRequest struct {
	TriggerID  string
	Symbol     string
	Side       Side
	Size       float64
	Template   Template
	ReduceOnly bool
}

// Validate 校验请求字段。
func (r SubmitRequest) Validate() error {
	if r.TriggerID == "" {
		return errors.New("execution: 缺少触发单ID")
	}
	if r.Symbol == "" {
		return errors.New("execution: 缺少标的")
	}
	if !r.Side.Valid() {
		return fmt.Errorf("execution: 无效方向 %q", r.Side)
	}
	if !positiveFinite(r.Size) {
		return fmt.Errorf("execution: 下单数量必须为正: %v", r.Size)
	}
	if r.Template == nil {
		return errors.New("execution: 缺少委托模板")
	}
	return r.Template.Validate()
}

// Result 为一次提交的结果。
type Result struct {
	TriggerID string
	Symbol    string
	OrderID   string
	Err       error
	Latency   time.Duration
}

// OrderStatus 为订单生命周期状态。
type OrderStatus string

const (
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejected        OrderStatus = "rejected"
	OrderExpired         OrderStatus = "expired"
)

// Final 判断订单是否已结束且未成交完毕。
func (s OrderStatus) Final() bool {
	return s == OrderCancelled || s == OrderRejected || s == OrderExpired
}

// OrderUpdate 为订单状态推送。
type OrderUpdate struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
	Filled        float64
	Reason        string
	Timestamp     time.Time
}

// Trade 为成交推送。
type Trade struct {
	Symbol    string
	OrderID   string
	TradeID   string
	Side      Side
	Price     float64
	Size      float64
	Timestamp time.Time
}

// ActiveOrder 为挂单查询结果。
type ActiveOrder struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Status        string  `json:"status"`
	Amount        float64 `json:"amount"`
	Filled        float64 `json:"filled"`
}

package trigger

import (
	"errors"
	"time"

	"trades-sentinel/internal/execution"
)

var (
	// ErrStaleTrigger 表示触发时仓位已为空或方向已反转，触发单被取消而非提交。
	ErrStaleTrigger = errors.New("stale trigger")
	// ErrTriggerExists 表示同类触发单已存在且不允许叠加。
	ErrTriggerExists = errors.New("trigger already exists")
	// ErrAlreadyBreached 表示条件单按最新报价已满足触发条件。
	ErrAlreadyBreached = errors.New("trigger already breached")
	// ErrInvalidConditional 表示条件单参数不合法。
	ErrInvalidConditional = errors.New("invalid conditional")
)

// Kind 为触发单类型。
type Kind string

const (
	KindStopLoss     Kind = "stop_loss"
	KindTrailingStop Kind = "trailing_stop"
	KindTakeProfit   Kind = "take_profit"
	KindConditional  Kind = "conditional"
)

// ParseKind 解析类型字符串。
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindStopLoss, KindTrailingStop, KindTakeProfit, KindConditional:
		return k, true
	}
	return "", false
}

// priority 决定同一报价下的评估顺序，数值越小越先。
func (k Kind) priority() int {
	switch k {
	case KindStopLoss:
		return 0
	case KindTrailingStop:
		return 1
	case KindTakeProfit:
		return 2
	default:
		return 3
	}
}

// PositionLinked 判断是否随仓位自动维护。
func (k Kind) PositionLinked() bool {
	return k != KindConditional
}

// Direction 表示触发单减仓的方向。
type Direction string

const (
	ReduceLong  Direction = "reduce_long"
	ReduceShort Direction = "reduce_short"
)

// Cross 表示价格穿越方向。
type Cross string

const (
	CrossBelow Cross = "below"
	CrossAbove Cross = "above"
)

// Valid 判断穿越方向是否合法。
func (c Cross) Valid() bool {
	return c == CrossBelow || c == CrossAbove
}

// Status 为触发单状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusArmed     Status = "armed"
	StatusFired     Status = "fired"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Active 判断是否处于活跃状态。
func (s Status) Active() bool {
	return s == StatusPending || s == StatusArmed
}

// Trigger 为本地维护的触发单。
type Trigger struct {
	ID             string             `json:"id"`
	Symbol         string             `json:"symbol"`
	Kind           Kind               `json:"kind"`
	Direction      Direction          `json:"direction,omitempty"`
	Side           execution.Side     `json:"side"`
	Cross          Cross              `json:"cross"`
	TriggerPrice   float64            `json:"trigger_price"`
	ReferencePrice float64            `json:"reference_price,omitempty"`
	TrailingPct    float64            `json:"trailing_pct,omitempty"`
	Template       execution.Template `json:"template,omitempty"`
	Size           float64            `json:"size"`
	ReduceOnly     bool               `json:"reduce_only"`
	Status         Status             `json:"status"`
	OrderID        string             `json:"order_id,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	Episode        uint64             `json:"episode"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// breached 判断价格是否穿越触发价。
func (t *Trigger) breached(price float64) bool {
	if price <= 0 {
		return false
	}
	if t.Cross == CrossBelow {
		return price <= t.TriggerPrice
	}
	return price >= t.TriggerPrice
}

// Transition 描述一次状态变化，供日志、指标与审计使用。
type Transition struct {
	Trigger Trigger
	From    Status
	To      Status
	Reason  string
}

// Observer 接收状态变化通知。
type Observer func(Transition)

// ConditionalRequest 为运维下达的条件单。
type ConditionalRequest struct {
	Symbol       string             `json:"symbol"`
	Side         execution.Side     `json:"side"`
	Cross        Cross              `json:"cross"`
	TriggerPrice float64            `json:"trigger_price"`
	Size         float64            `json:"size"`
	Template     execution.Template `json:"-"`
	ReduceOnly   bool               `json:"reduce_only"`
	Replace      bool               `json:"replace"`
}

const (
	reasonPositionClosed = "position closed"
	reasonSideChanged    = "position side changed"
	reasonConfigRemoved  = "risk config removed"
	reasonOperator       = "cancelled by operator"
	reasonReplaced       = "replaced"
)

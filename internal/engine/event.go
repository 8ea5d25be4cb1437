package engine

import (
	"time"

	"trades-sentinel/internal/execution"
	"trades-sentinel/internal/market"
	"trades-sentinel/internal/position"
)

// Kind 为事件类型。
type Kind string

const (
	KindTick         Kind = "tick"
	KindPosition     Kind = "position"
	KindOrder        Kind = "order"
	KindTrade        Kind = "trade"
	KindSubmitResult Kind = "submit_result"
)

// Event 为路由器中流转的事件，按 Kind 只填充对应的负载。
type Event struct {
	Kind       Kind
	Symbol     string
	Tick       *market.Tick
	Position   *position.Update
	Order      *execution.OrderUpdate
	Trade      *execution.Trade
	Result     *execution.Result
	ReceivedAt time.Time
}

// TickEvent 构造报价事件。
func TickEvent(t market.Tick) Event {
	return Event{Kind: KindTick, Symbol: t.Symbol, Tick: &t, ReceivedAt: time.Now()}
}

// PositionEvent 构造仓位事件。
func PositionEvent(u position.Update) Event {
	return Event{Kind: KindPosition, Symbol: u.Symbol, Position: &u, ReceivedAt: time.Now()}
}

// OrderEvent 构造订单回报事件。
func OrderEvent(u execution.OrderUpdate) Event {
	return Event{Kind: KindOrder, Symbol: u.Symbol, Order: &u, ReceivedAt: time.Now()}
}

// TradeEvent 构造成交事件。
func TradeEvent(t execution.Trade) Event {
	return Event{Kind: KindTrade, Symbol: t.Symbol, Trade: &t, ReceivedAt: time.Now()}
}

// ResultEvent 构造提交结果事件。
func ResultEvent(r execution.Result) Event {
	return Event{Kind: KindSubmitResult, Symbol: r.Symbol, Result: &r, ReceivedAt: time.Now()}
}

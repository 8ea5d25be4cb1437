package exchange

import "time"

// Ticker 表示一次报价查询结果。
type Ticker struct {
	Symbol    string
	Bid       float64
	BidVolume float64
	Ask       float64
	AskVolume float64
	Last      float64
	Timestamp time.Time
}

// OrderRequest 为提交给交易所的委托。
type OrderRequest struct {
	Symbol        string
	Type          string // market | limit
	Side          string // buy | sell
	Amount        float64
	Price         float64
	TriggerPrice  float64
	ReduceOnly    bool
	ClientOrderID string
}

// 交易所订单状态，与 ccxt 统一字段保持一致。
const (
	StatusOpen     = "open"
	StatusClosed   = "closed"
	StatusCanceled = "canceled"
	StatusExpired  = "expired"
	StatusRejected = "rejected"
)

// OrderStatus 为订单查询结果。
type OrderStatus struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          string
	Status        string
	Amount        float64
	Filled        float64
	Average       float64
	Timestamp     time.Time
}

package market

import (
	"sync"
	"time"
)

// Tick 为单个标的最新的盘口报价。
type Tick struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	BidSize   float64   `json:"bid_size"`
	Ask       float64   `json:"ask"`
	AskSize   float64   `json:"ask_size"`
	Last      float64   `json:"last"`
	Timestamp time.Time `json:"timestamp"`
}

// Valid 判断报价是否可用于触发判断。
func (t Tick) Valid() bool {
	return t.Symbol != "" && t.Bid > 0 && t.Ask > 0
}

// Store 缓存每个标的最新的一笔报价，不保留历史。
type Store struct {
	mu    sync.RWMutex
	ticks map[string]Tick
}

// NewStore 创建报价缓存。
func NewStore() *Store {
	return &Store{ticks: make(map[string]Tick)}
}

// Update 用新报价覆盖旧值。
func (s *Store) Update(tick Tick) {
	s.mu.Lock()
	s.ticks[tick.Symbol] = tick
	s.mu.Unlock()
}

// Get 返回最新报价。
func (s *Store) Get(symbol string) (Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tick, ok := s.ticks[symbol]
	return tick, ok
}

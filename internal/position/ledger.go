package position

import (
	"math"
	"strings"
	"sync"
	"time"
)

// Side 表示持仓方向。
type Side string

const (
	SideFlat  Side = "flat"
	SideLong  Side = "long"
	SideShort Side = "short"
)

// sizeEpsilon 以下的持仓视为空仓。
const sizeEpsilon = 1e-12

// Update 为账户推送的原始仓位数据。
// Side 为空时由 Size 的符号推断方向。
type Update struct {
	Symbol           string
	Side             string
	Size             float64
	EntryPrice       float64
	UnrealizedPnlPct float64
	Leverage         float64
	Timestamp        time.Time
}

// Position 为账本中规范化后的持仓。
type Position struct {
	Symbol           string    `json:"symbol"`
	Side             Side      `json:"side"`
	Size             float64   `json:"size"`
	EntryPrice       float64   `json:"entry_price"`
	UnrealizedPnlPct float64   `json:"unrealized_pnl_pct"`
	Leverage         float64   `json:"leverage"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// IsFlat 判断是否为空仓。
func (p Position) IsFlat() bool {
	return p.Side == SideFlat || p.Size <= sizeEpsilon
}

// Flat 返回空仓哨兵。
func Flat(symbol string) Position {
	return Position{Symbol: symbol, Side: SideFlat}
}

// Normalize 根据原始数据计算方向、数量与收益。
func Normalize(u Update) Position {
	side := SideFlat
	switch strings.ToLower(strings.TrimSpace(u.Side)) {
	case "long", "buy":
		side = SideLong
	case "short", "sell":
		side = SideShort
	case "", "net":
		if u.Size > 0 {
			side = SideLong
		} else if u.Size < 0 {
			side = SideShort
		}
	}

	size := math.Abs(u.Size)
	if size <= sizeEpsilon || side == SideFlat {
		pos := Flat(u.Symbol)
		pos.UpdatedAt = u.Timestamp
		return pos
	}

	return Position{
		Symbol:           u.Symbol,
		Side:             side,
		Size:             size,
		EntryPrice:       u.EntryPrice,
		UnrealizedPnlPct: u.UnrealizedPnlPct,
		Leverage:         u.Leverage,
		UpdatedAt:        u.Timestamp,
	}
}

// Ledger 持有每个标的唯一的仓位记录。
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]Position
}

// NewLedger 创建仓位账本。
func NewLedger() *Ledger {
	return &Ledger{positions: make(map[string]Position)}
}

// Apply 覆盖标的仓位，返回新仓位以及方向、数量或开仓价是否发生变化。
// 仅收益变化不视为变化，避免无意义的触发单重算。
func (l *Ledger) Apply(u Update) (Position, bool) {
	next := Normalize(u)

	l.mu.Lock()
	defer l.mu.Unlock()

	prev, ok := l.positions[u.Symbol]
	if !ok {
		prev = Flat(u.Symbol)
	}

	if next.IsFlat() {
		delete(l.positions, u.Symbol)
	} else {
		l.positions[u.Symbol] = next
	}

	return next, materiallyChanged(prev, next)
}

// Get 返回当前仓位，不存在时返回空仓哨兵。
func (l *Ledger) Get(symbol string) Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if pos, ok := l.positions[symbol]; ok {
		return pos
	}
	return Flat(symbol)
}

func materiallyChanged(prev, next Position) bool {
	if prev.IsFlat() && next.IsFlat() {
		return false
	}
	return prev.Side != next.Side || prev.Size != next.Size || prev.EntryPrice != next.EntryPrice
}

package risk

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

// ErrConfigInvalid 表示风控参数越界，整份配置被拒绝。
var ErrConfigInvalid = errors.New("risk config invalid")

const (
	maxTakeProfitPct = 10
	maxLeverage      = 125
)

// Config 为单个标的的风控参数，零值表示对应触发单不启用。
type Config struct {
	Symbol        string  `json:"symbol"`
	StopLossPct   float64 `json:"stoploss_pct"`
	TakeProfitPct float64 `json:"takeprofit_pct"`
	TrailingPct   float64 `json:"trailing_pct"`
	Leverage      float64 `json:"leverage"`
}

// Empty 判断是否未启用任何触发单。
func (c Config) Empty() bool {
	return c.StopLossPct == 0 && c.TakeProfitPct == 0 && c.TrailingPct == 0
}

// Validate 校验参数范围，返回聚合后的全部问题。
func (c Config) Validate() error {
	var err error

	if strings.TrimSpace(c.Symbol) == "" {
		err = multierr.Append(err, errors.New("symbol 不能为空"))
	}
	err = multierr.Append(err, checkRange("stoploss_pct", c.StopLossPct, 0, 1, false))
	err = multierr.Append(err, checkRange("trailing_pct", c.TrailingPct, 0, 1, false))
	err = multierr.Append(err, checkRange("takeprofit_pct", c.TakeProfitPct, 0, maxTakeProfitPct, true))
	err = multierr.Append(err, checkRange("leverage", c.Leverage, 0, maxLeverage, true))

	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return nil
}

func checkRange(name string, v, lo, hi float64, inclusive bool) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s 必须为有限数值", name)
	}
	if v < lo {
		return fmt.Errorf("%s 不能为负", name)
	}
	if inclusive && v > hi {
		return fmt.Errorf("%s 必须位于[%g,%g]", name, lo, hi)
	}
	if !inclusive && v >= hi {
		return fmt.Errorf("%s 必须位于[%g,%g)", name, lo, hi)
	}
	return nil
}

// Table 维护标的到风控参数的映射，运行期可由运维指令修改。
type Table struct {
	mu      sync.RWMutex
	configs map[string]Config
}

// NewTable 创建风控参数表。
func NewTable() *Table {
	return &Table{configs: make(map[string]Config)}
}

// Set 校验后写入，校验失败时不做任何修改。
func (t *Table) Set(symbol string, cfg Config) error {
	cfg.Symbol = symbol
	if err := cfg.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	t.configs[symbol] = cfg
	t.mu.Unlock()
	return nil
}

// Get 返回标的参数，不存在时返回全部关闭的默认值。
func (t *Table) Get(symbol string) Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if cfg, ok := t.configs[symbol]; ok {
		return cfg
	}
	return Config{Symbol: symbol}
}

// Lookup 返回标的参数以及是否存在。
func (t *Table) Lookup(symbol string) (Config, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cfg, ok := t.configs[symbol]
	return cfg, ok
}

// Delete 移除标的参数，返回是否存在。
func (t *Table) Delete(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.configs[symbol]
	delete(t.configs, symbol)
	return ok
}

// Symbols 返回已配置的标的，按字母序。
func (t *Table) Symbols() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.configs))
	for s := range t.configs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SetAllStopLoss 覆盖所有已存在配置的止损比例，不会新建配置。
func (t *Table) SetAllStopLoss(pct float64) ([]string, error) {
	return t.updateAll(func(c *Config) { c.StopLossPct = pct })
}

// SetAllTakeProfit 覆盖所有已存在配置的止盈比例，不会新建配置。
func (t *Table) SetAllTakeProfit(pct float64) ([]string, error) {
	return t.updateAll(func(c *Config) { c.TakeProfitPct = pct })
}

// AdjustTakeProfit 将止盈设置为止损的 mul 倍；symbol 为空时作用于全部配置。
func (t *Table) AdjustTakeProfit(symbol string, mul float64) ([]string, error) {
	if math.IsNaN(mul) || mul <= 0 {
		return nil, fmt.Errorf("%w: mul 必须大于0", ErrConfigInvalid)
	}
	adjust := func(c *Config) { c.TakeProfitPct = math.Abs(c.StopLossPct) * mul }

	if symbol == "" {
		return t.updateAll(adjust)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	cfg, ok := t.configs[symbol]
	if !ok {
		return nil, nil
	}
	adjust(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t.configs[symbol] = cfg
	return []string{symbol}, nil
}

// updateAll 先校验全部结果再统一写入。
func (t *Table) updateAll(mutate func(*Config)) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[string]Config, len(t.configs))
	var err error
	for symbol, cfg := range t.configs {
		mutate(&cfg)
		if vErr := cfg.Validate(); vErr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", symbol, vErr))
			continue
		}
		next[symbol] = cfg
	}
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(next))
	for symbol, cfg := range next {
		t.configs[symbol] = cfg
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols, nil
}

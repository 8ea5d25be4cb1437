package position

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
)

type positionsClient interface {
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
}

// Manager 从交易所拉取持仓并转换为账本更新。
type Manager struct {
	client positionsClient
	logger *zap.Logger
	now    func() time.Time
}

// NewManager 创建仓位管理器。
func NewManager(client positionsClient, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client: client,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// FetchUpdates 获取关注标的的持仓，交易所未返回的标的以空仓更新补齐。
func (m *Manager) FetchUpdates(ctx context.Context, symbols []string) ([]Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rawPositions, err := m.client.FetchPositions(ccxt.WithFetchPositionsSymbols(symbols))
	if err != nil {
		return nil, fmt.Errorf("position: 获取持仓失败: %w", err)
	}

	now := m.now()
	watched := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		watched[s] = struct{}{}
	}

	seen := make(map[string]int, len(symbols))
	updates := make([]Update, 0, len(symbols))

	for _, rawPos := range rawPositions {
		symbol := derefString(rawPos.Symbol)
		if _, ok := watched[symbol]; !ok {
			continue
		}

		size := derefFloat(rawPos.Contracts)
		side := strings.ToLower(strings.TrimSpace(derefString(rawPos.Side)))
		entry := derefFloat(rawPos.EntryPrice)
		leverage := derefFloat(rawPos.Leverage)
		pnlPct := derefFloat(rawPos.Percentage)

		if rawPos.Info != nil {
			if entry == 0 {
				entry = parseNumeric(rawPos.Info["avgPx"])
			}
			if leverage == 0 {
				leverage = parseNumeric(rawPos.Info["lever"])
			}
			if pnlPct == 0 {
				// uplRatio 为小数，percentage 为百分数
				pnlPct = parseNumeric(rawPos.Info["uplRatio"]) * 100
			}
		}

		ts := now
		if rawPos.Timestamp != nil && *rawPos.Timestamp > 0 {
			ts = time.UnixMilli(*rawPos.Timestamp).UTC()
		}

		update := Update{
			Symbol:           symbol,
			Side:             side,
			Size:             size,
			EntryPrice:       entry,
			UnrealizedPnlPct: pnlPct,
			Leverage:         leverage,
			Timestamp:        ts,
		}

		// 单向持仓模式下同一标的只会出现一条非零记录
		if idx, ok := seen[symbol]; ok {
			if size != 0 {
				updates[idx] = update
			}
			continue
		}
		seen[symbol] = len(updates)
		updates = append(updates, update)
	}

	for _, symbol := range symbols {
		if _, ok := seen[symbol]; ok {
			continue
		}
		updates = append(updates, Update{Symbol: symbol, Side: string(SideFlat), Timestamp: now})
	}

	m.logger.Debug("持仓快照获取完成",
		zap.Int("raw_positions", len(rawPositions)),
		zap.Int("updates", len(updates)),
	)

	return updates, nil
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

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}

package trigger

import (
	"math"

	"go.uber.org/zap"

	"trades-sentinel/internal/execution"
	"trades-sentinel/internal/position"
	"trades-sentinel/internal/risk"
)

// desired 为根据仓位与风控参数计算出的目标触发单。
type desired struct {
	kind      Kind
	cross     Cross
	price     float64
	reference float64
	pct       float64
}

// desiredSet 计算仓位应有的触发单；多头在买一价上向下止损、向上止盈，空头对称。
func desiredSet(pos position.Position, cfg risk.Config, bid, ask float64) []desired {
	entry := pos.EntryPrice
	if pos.IsFlat() || !(entry > 0) || math.IsInf(entry, 0) {
		return nil
	}

	out := make([]desired, 0, 3)
	long := pos.Side == position.SideLong

	if cfg.StopLossPct > 0 {
		d := desired{kind: KindStopLoss, pct: cfg.StopLossPct}
		if long {
			d.cross, d.price = CrossBelow, entry*(1-cfg.StopLossPct)
		} else {
			d.cross, d.price = CrossAbove, entry*(1+cfg.StopLossPct)
		}
		out = append(out, d)
	}

	if cfg.TrailingPct > 0 {
		d := desired{kind: KindTrailingStop, pct: cfg.TrailingPct}
		if long {
			d.reference = entry
			if bid > d.reference {
				d.reference = bid
			}
			d.cross, d.price = CrossBelow, d.reference*(1-cfg.TrailingPct)
		} else {
			d.reference = entry
			if ask > 0 && ask < d.reference {
				d.reference = ask
			}
			d.cross, d.price = CrossAbove, d.reference*(1+cfg.TrailingPct)
		}
		out = append(out, d)
	}

	if cfg.TakeProfitPct > 0 {
		d := desired{kind: KindTakeProfit, pct: cfg.TakeProfitPct}
		if long {
			d.cross, d.price = CrossAbove, entry*(1+cfg.TakeProfitPct)
		} else {
			d.cross, d.price = CrossBelow, entry*(1-cfg.TakeProfitPct)
		}
		// 空头止盈比例不低于100%时价格非正，无法触发
		if d.price > 0 {
			out = append(out, d)
		}
	}
	return out
}

// Resync 使标的仓位类触发单与当前仓位、风控参数保持一致。
func (r *Registry) Resync(symbol string) {
	b := r.book(symbol)
	b.mu.Lock()
	// 在锁内读取，避免并发的仓位更新被旧快照覆盖
	pos := r.positions.Get(symbol)
	cfg := r.configs.Get(symbol)
	var bid, ask float64
	if tick, ok := r.quotes.Get(symbol); ok {
		bid, ask = tick.Bid, tick.Ask
	}
	transitions := r.resyncLocked(b, symbol, pos, cfg, bid, ask)
	b.mu.Unlock()

	r.notify(transitions)
}

func (r *Registry) resyncLocked(b *book, symbol string, pos position.Position, cfg risk.Config, bid, ask float64) []Transition {
	var transitions []Transition
	dir := directionOf(pos.Side)
	if pos.IsFlat() {
		dir = ""
	}

	if b.awaiting != "" && (dir != b.awaitDir || pos.Size != b.awaitSize) {
		b.awaiting = ""
	}

	// 仓位归零或反转时结束当前周期，已触发标记随之释放
	if b.direction != dir {
		reason := reasonPositionClosed
		if dir != "" && b.direction != "" {
			reason = reasonSideChanged
		}
		transitions = append(transitions, r.cancelLinked(b, reason)...)
		if b.direction != "" {
			b.episode++
			b.fired = make(map[firedKey]struct{})
		}
		b.direction = dir
	}
	if dir == "" {
		return transitions
	}

	want := make(map[Kind]desired, 3)
	for _, d := range desiredSet(pos, cfg, bid, ask) {
		want[d.kind] = d
	}

	now := r.opts.Clock()
	have := make(map[Kind]bool, 3)
	for _, t := range append([]*Trigger(nil), b.active...) {
		if !t.Kind.PositionLinked() {
			continue
		}
		d, ok := want[t.Kind]
		switch {
		case t.Direction != dir:
			if t.Status == StatusPending {
				transitions = append(transitions, r.finish(b, t, StatusCancelled, reasonSideChanged))
			}
			continue
		case !ok:
			if t.Status == StatusPending {
				transitions = append(transitions, r.finish(b, t, StatusCancelled, reasonConfigRemoved))
			} else {
				have[t.Kind] = true
			}
			continue
		}

		have[t.Kind] = true
		if t.Status != StatusPending {
			continue
		}
		if refresh(t, d, pos.Size) {
			t.UpdatedAt = now
			r.logger.Debug("触发价已更新",
				zap.String("symbol", symbol),
				zap.String("trigger_id", t.ID),
				zap.String("kind", string(t.Kind)),
				zap.Float64("trigger_price", t.TriggerPrice),
			)
		}
	}

	for _, kind := range []Kind{KindStopLoss, KindTrailingStop, KindTakeProfit} {
		d, ok := want[kind]
		if !ok || have[kind] {
			continue
		}
		if _, done := b.fired[firedKey{kind, dir}]; done {
			continue
		}
		t := &Trigger{
			ID:             r.opts.NewID(),
			Symbol:         symbol,
			Kind:           kind,
			Direction:      dir,
			Side:           closingSide(dir),
			Cross:          d.cross,
			TriggerPrice:   d.price,
			ReferencePrice: d.reference,
			Size:           pos.Size,
			ReduceOnly:     true,
			Status:         StatusPending,
			Episode:        b.episode,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if kind == KindTrailingStop {
			t.TrailingPct = d.pct
		}
		b.active = append(b.active, t)
		transitions = append(transitions, Transition{Trigger: *t, To: StatusPending, Reason: "resync"})
		r.logger.Info("触发单已创建",
			zap.String("symbol", symbol),
			zap.String("trigger_id", t.ID),
			zap.String("kind", string(kind)),
			zap.Float64("trigger_price", t.TriggerPrice),
		)
	}
	return transitions
}

// refresh 按最新开仓价与比例更新等待中的触发单，返回是否有变化。
func refresh(t *Trigger, d desired, size float64) bool {
	changed := t.Size != size
	t.Size = size

	if t.Kind == KindTrailingStop {
		ref := t.ReferencePrice
		if t.Direction == ReduceLong && d.reference > ref {
			ref = d.reference
		}
		if t.Direction == ReduceShort && (ref <= 0 || d.reference < ref) {
			ref = d.reference
		}
		price := ref * (1 - d.pct)
		if t.Direction == ReduceShort {
			price = ref * (1 + d.pct)
		}
		if ref != t.ReferencePrice || d.pct != t.TrailingPct || price != t.TriggerPrice {
			t.ReferencePrice, t.TrailingPct, t.TriggerPrice = ref, d.pct, price
			changed = true
		}
		return changed
	}

	if t.TriggerPrice != d.price || t.Cross != d.cross {
		t.TriggerPrice, t.Cross = d.price, d.cross
		changed = true
	}
	return changed
}

// cancelLinked 取消等待中的仓位类触发单，在途的保留等待回报。
func (r *Registry) cancelLinked(b *book, reason string) []Transition {
	var transitions []Transition
	for _, t := range append([]*Trigger(nil), b.active...) {
		if t.Kind.PositionLinked() && t.Status == StatusPending {
			transitions = append(transitions, r.finish(b, t, StatusCancelled, reason))
		}
	}
	return transitions
}

func closingSide(dir Direction) execution.Side {
	if dir == ReduceShort {
		return execution.SideBuy
	}
	return execution.SideSell
}

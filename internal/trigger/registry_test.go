package trigger

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-sentinel/internal/execution"
	"trades-sentinel/internal/market"
	"trades-sentinel/internal/position"
	"trades-sentinel/internal/risk"
)

const sym = "BTC/USDT:USDT"

type recordingDispatcher struct {
	mu   sync.Mutex
	reqs []execution.SubmitRequest
	err  error
}

func (d *recordingDispatcher) Dispatch(req execution.SubmitRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.reqs = append(d.reqs, req)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reqs)
}

type fixture struct {
	ledger   *position.Ledger
	table    *risk.Table
	quotes   *market.Store
	dispatch *recordingDispatcher
	registry *Registry
	events   []Transition
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		ledger:   position.NewLedger(),
		table:    risk.NewTable(),
		quotes:   market.NewStore(),
		dispatch: &recordingDispatcher{},
	}
	seq := 0
	opts.NewID = func() string {
		seq++
		return fmt.Sprintf("t%d", seq)
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	opts.Clock = func() time.Time { return base }
	f.registry = NewRegistry(f.ledger, f.table, f.quotes, f.dispatch, opts, nil)
	f.registry.Subscribe(func(tr Transition) { f.events = append(f.events, tr) })
	return f
}

func (f *fixture) long(size, entry float64) {
	f.ledger.Apply(position.Update{Symbol: sym, Side: "long", Size: size, EntryPrice: entry})
}

func (f *fixture) short(size, entry float64) {
	f.ledger.Apply(position.Update{Symbol: sym, Side: "short", Size: size, EntryPrice: entry})
}

func (f *fixture) flat() {
	f.ledger.Apply(position.Update{Symbol: sym})
}

func (f *fixture) tick(bid, ask float64) {
	tick := market.Tick{Symbol: sym, Bid: bid, Ask: ask, Timestamp: time.Now()}
	f.quotes.Update(tick)
	f.registry.OnTick(tick)
}

func activeByKind(triggers []Trigger) map[Kind]Trigger {
	out := make(map[Kind]Trigger, len(triggers))
	for _, t := range triggers {
		out[t.Kind] = t
	}
	return out
}

func TestRegistry_StopLossFiresOnceAtMarket(t *testing.T) {
	f := newFixture(t, Options{})
	f.long(5, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.05}))
	f.registry.Resync(sym)

	active := f.registry.Active(sym)
	require.Len(t, active, 1)
	assert.Equal(t, KindStopLoss, active[0].Kind)
	assert.InDelta(t, 95.0, active[0].TriggerPrice, 1e-9)
	assert.Equal(t, CrossBelow, active[0].Cross)
	assert.Equal(t, execution.SideSell, active[0].Side)

	f.tick(96, 96.1)
	assert.Zero(t, f.dispatch.count())

	f.tick(94, 94.1)
	require.Equal(t, 1, f.dispatch.count())
	req := f.dispatch.reqs[0]
	assert.Equal(t, execution.SideSell, req.Side)
	assert.Equal(t, 5.0, req.Size)
	assert.True(t, req.ReduceOnly)
	assert.Equal(t, execution.Market{}, req.Template)
	assert.Equal(t, active[0].ID, req.TriggerID)
	assert.Equal(t, StatusArmed, f.registry.Active(sym)[0].Status)

	f.registry.OnSubmitResult(execution.Result{TriggerID: req.TriggerID, Symbol: sym, OrderID: "ex-1"})
	assert.Empty(t, f.registry.Active(sym))
	history := f.registry.History(sym)
	require.Len(t, history, 1)
	assert.Equal(t, StatusFired, history[0].Status)
	assert.Equal(t, "ex-1", history[0].OrderID)

	f.tick(90, 90.1)
	f.registry.Resync(sym)
	assert.Equal(t, 1, f.dispatch.count())
	assert.Empty(t, f.registry.Active(sym), "fired stop must not be recreated within the same position")
}

func TestRegistry_TrailingStopFollowsBestBid(t *testing.T) {
	f := newFixture(t, Options{})
	f.long(5, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{TrailingPct: 0.02}))
	f.registry.Resync(sym)

	ts := f.registry.Active(sym)[0]
	assert.Equal(t, 100.0, ts.ReferencePrice)
	assert.InDelta(t, 98.0, ts.TriggerPrice, 1e-9)

	for _, bid := range []float64{101, 103, 102} {
		f.tick(bid, bid+0.1)
	}
	ts = f.registry.Active(sym)[0]
	assert.Equal(t, 103.0, ts.ReferencePrice)
	assert.InDelta(t, 100.94, ts.TriggerPrice, 1e-9)
	assert.Zero(t, f.dispatch.count())

	f.tick(100, 100.1)
	require.Equal(t, 1, f.dispatch.count())
	assert.Equal(t, ts.ID, f.dispatch.reqs[0].TriggerID)
}

func TestRegistry_TrailingStopIsMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for _, side := range []string{"long", "short"} {
		f := newFixture(t, Options{})
		f.registry.Pause()
		if side == "long" {
			f.long(1, 100)
		} else {
			f.short(1, 100)
		}
		require.NoError(t, f.table.Set(sym, risk.Config{TrailingPct: 0.03}))
		f.registry.Resync(sym)

		prev := f.registry.Active(sym)[0].TriggerPrice
		for i := 0; i < 500; i++ {
			bid := 80 + rng.Float64()*40
			f.tick(bid, bid+0.05)
			cur := f.registry.Active(sym)[0].TriggerPrice
			if side == "long" {
				require.GreaterOrEqual(t, cur, prev)
			} else {
				require.LessOrEqual(t, cur, prev)
			}
			prev = cur
		}
	}
}

func TestRegistry_ConfigRemovalCancelsPendingStop(t *testing.T) {
	f := newFixture(t, Options{})
	f.long(5, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.05}))
	f.registry.Resync(sym)
	require.Len(t, f.registry.Active(sym), 1)

	f.table.Delete(sym)
	f.registry.Resync(sym)

	assert.Empty(t, f.registry.Active(sym))
	history := f.registry.History(sym)
	require.Len(t, history, 1)
	assert.Equal(t, StatusCancelled, history[0].Status)
	assert.Equal(t, reasonConfigRemoved, history[0].Reason)

	f.tick(50, 50.1)
	assert.Zero(t, f.dispatch.count())
}

func TestRegistry_StaleTriggerIsCancelledAtFireTime(t *testing.T) {
	f := newFixture(t, Options{})
	f.long(5, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.05}))
	f.registry.Resync(sym)

	// 仓位已归零但尚未重算
	f.flat()
	f.tick(90, 90.1)

	assert.Zero(t, f.dispatch.count())
	history := f.registry.History(sym)
	require.Len(t, history, 1)
	assert.Equal(t, StatusCancelled, history[0].Status)
	assert.Contains(t, history[0].Reason, ErrStaleTrigger.Error())
}

func TestRegistry_OneFirePerTickByPriority(t *testing.T) {
	f := newFixture(t, Options{})
	f.long(5, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.05, TrailingPct: 0.02}))
	f.registry.Resync(sym)
	require.Len(t, f.registry.Active(sym), 2)

	f.tick(94, 94.1)
	require.Equal(t, 1, f.dispatch.count())
	kinds := activeByKind(f.registry.Active(sym))
	assert.Equal(t, f.dispatch.reqs[0].TriggerID, kinds[KindStopLoss].ID)
	assert.Equal(t, StatusArmed, kinds[KindStopLoss].Status)
	assert.Equal(t, StatusPending, kinds[KindTrailingStop].Status)

	// 止损在途时其余仓位类触发单不再提交
	f.tick(93, 93.1)
	assert.Equal(t, 1, f.dispatch.count())
}

func TestRegistry_ResyncMatchesDesiredSet(t *testing.T) {
	f := newFixture(t, Options{})
	f.long(2, 200)
	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.1, TakeProfitPct: 0.2, TrailingPct: 0.05}))
	f.registry.Resync(sym)

	first := activeByKind(f.registry.Active(sym))
	require.Len(t, first, 3)
	assert.InDelta(t, 180.0, first[KindStopLoss].TriggerPrice, 1e-9)
	assert.InDelta(t, 240.0, first[KindTakeProfit].TriggerPrice, 1e-9)
	assert.InDelta(t, 190.0, first[KindTrailingStop].TriggerPrice, 1e-9)
	assert.Equal(t, CrossAbove, first[KindTakeProfit].Cross)

	f.registry.Resync(sym)
	second := activeByKind(f.registry.Active(sym))
	require.Len(t, second, 3)
	for kind, trig := range first {
		assert.Equal(t, trig.ID, second[kind].ID)
	}

	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.05, TrailingPct: 0.05}))
	f.registry.Resync(sym)
	third := activeByKind(f.registry.Active(sym))
	require.Len(t, third, 2)
	assert.Equal(t, first[KindStopLoss].ID, third[KindStopLoss].ID)
	assert.InDelta(t, 190.0, third[KindStopLoss].TriggerPrice, 1e-9)
	_, hasTP := third[KindTakeProfit]
	assert.False(t, hasTP)
}

func TestRegistry_ShortPositionMirrorsOnAsk(t *testing.T) {
	f := newFixture(t, Options{})
	f.short(3, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.05, TakeProfitPct: 0.1}))
	f.registry.Resync(sym)

	kinds := activeByKind(f.registry.Active(sym))
	sl := kinds[KindStopLoss]
	assert.InDelta(t, 105.0, sl.TriggerPrice, 1e-9)
	assert.Equal(t, CrossAbove, sl.Cross)
	assert.Equal(t, execution.SideBuy, sl.Side)
	assert.Equal(t, ReduceShort, sl.Direction)
	assert.InDelta(t, 90.0, kinds[KindTakeProfit].TriggerPrice, 1e-9)

	// 买一价越过但卖一价未越过，不触发
	f.tick(105.5, 104.9)
	assert.Zero(t, f.dispatch.count())

	f.tick(105.9, 106)
	require.Equal(t, 1, f.dispatch.count())
	assert.Equal(t, execution.SideBuy, f.dispatch.reqs[0].Side)
	assert.Equal(t, 3.0, f.dispatch.reqs[0].Size)
}

func TestRegistry_FlatPositionClosesEpisode(t *testing.T) {
	f := newFixture(t, Options{})
	f.long(5, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.05, TakeProfitPct: 0.1}))
	f.registry.Resync(sym)

	f.tick(94, 94.1)
	req := f.dispatch.reqs[0]
	f.registry.OnSubmitResult(execution.Result{TriggerID: req.TriggerID, Symbol: sym, OrderID: "ex-1"})

	f.flat()
	f.registry.Resync(sym)
	assert.Empty(t, f.registry.Active(sym))

	history := f.registry.History(sym)
	require.Len(t, history, 2)
	assert.Equal(t, KindTakeProfit, history[0].Kind)
	assert.Equal(t, reasonPositionClosed, history[0].Reason)

	f.long(1, 80)
	f.registry.Resync(sym)
	kinds := activeByKind(f.registry.Active(sym))
	require.Len(t, kinds, 2)
	assert.InDelta(t, 76.0, kinds[KindStopLoss].TriggerPrice, 1e-9)
	assert.Equal(t, uint64(1), kinds[KindStopLoss].Episode)
}

func TestRegistry_SideFlipCancelsAndRecreates(t *testing.T) {
	f := newFixture(t, Options{})
	f.long(5, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.05}))
	f.registry.Resync(sym)
	old := f.registry.Active(sym)[0]

	f.short(2, 110)
	f.registry.Resync(sym)

	active := f.registry.Active(sym)
	require.Len(t, active, 1)
	assert.NotEqual(t, old.ID, active[0].ID)
	assert.Equal(t, ReduceShort, active[0].Direction)
	assert.InDelta(t, 115.5, active[0].TriggerPrice, 1e-9)
	assert.Equal(t, reasonSideChanged, f.registry.History(sym)[0].Reason)
}

func TestRegistry_FailedSubmissionDoesNotBlockRecreation(t *testing.T) {
	f := newFixture(t, Options{})
	f.long(5, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.05}))
	f.registry.Resync(sym)

	f.tick(94, 94.1)
	req := f.dispatch.reqs[0]
	f.registry.OnSubmitResult(execution.Result{TriggerID: req.TriggerID, Symbol: sym, Err: errors.New("gateway rejected: insufficient margin")})

	history := f.registry.History(sym)
	require.Len(t, history, 1)
	assert.Equal(t, StatusFailed, history[0].Status)
	assert.Contains(t, history[0].Reason, "insufficient margin")
	assert.Empty(t, f.registry.Active(sym))

	f.registry.Resync(sym)
	active := f.registry.Active(sym)
	require.Len(t, active, 1)
	assert.NotEqual(t, req.TriggerID, active[0].ID)
}

func TestRegistry_DispatchErrorFailsTrigger(t *testing.T) {
	f := newFixture(t, Options{})
	f.dispatch.err = errors.New("execution: 下单数量必须为正")
	f.long(5, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.05}))
	f.registry.Resync(sym)

	f.tick(94, 94.1)
	history := f.registry.History(sym)
	require.Len(t, history, 1)
	assert.Equal(t, StatusFailed, history[0].Status)
}

func TestRegistry_OrderUpdatesReconcile(t *testing.T) {
	f := newFixture(t, Options{})
	f.long(5, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.05}))
	f.registry.Resync(sym)

	f.tick(94, 94.1)
	id := f.dispatch.reqs[0].TriggerID

	// 订单回报先于提交结果到达，按客户端订单号匹配
	f.registry.OnOrderUpdate(execution.OrderUpdate{Symbol: sym, OrderID: "ex-9", ClientOrderID: id, Status: execution.OrderOpen})
	history := f.registry.History(sym)
	require.Len(t, history, 1)
	assert.Equal(t, StatusFired, history[0].Status)
	assert.Equal(t, "ex-9", history[0].OrderID)

	// 交易所随后撤单，判定失败并允许重建
	f.registry.OnOrderUpdate(execution.OrderUpdate{Symbol: sym, OrderID: "ex-9", Status: execution.OrderRejected, Reason: "reduce-only violated"})
	history = f.registry.History(sym)
	assert.Equal(t, StatusFailed, history[0].Status)
	assert.Contains(t, history[0].Reason, "reduce-only violated")

	f.registry.Resync(sym)
	assert.Len(t, f.registry.Active(sym), 1)
}

func TestRegistry_TradeConfirmsArmedTrigger(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.table.Set(sym, risk.Config{}))
	trig, err := f.registry.PlaceConditional(ConditionalRequest{
		Symbol: sym, Side: execution.SideBuy, Cross: CrossAbove, TriggerPrice: 110, Size: 1, Template: execution.Market{},
	})
	require.NoError(t, err)

	f.tick(110, 110.2)
	require.Equal(t, 1, f.dispatch.count())

	f.registry.OnSubmitResult(execution.Result{TriggerID: trig.ID, Symbol: sym, OrderID: "ex-3"})
	f.registry.OnTrade(execution.Trade{Symbol: sym, OrderID: "ex-3", Size: 1, Price: 110.2})
	assert.Equal(t, StatusFired, f.registry.History(sym)[0].Status)
}

func TestRegistry_PlaceConditional(t *testing.T) {
	f := newFixture(t, Options{})
	f.tick(100, 100.2)

	_, err := f.registry.PlaceConditional(ConditionalRequest{
		Symbol: sym, Side: execution.SideSell, Cross: CrossBelow, TriggerPrice: 101, Size: 1, Template: execution.Market{},
	})
	require.ErrorIs(t, err, ErrAlreadyBreached)

	_, err = f.registry.PlaceConditional(ConditionalRequest{Symbol: sym, Side: execution.SideSell, Cross: "sideways", TriggerPrice: 90, Size: 1, Template: execution.Market{}})
	require.ErrorIs(t, err, ErrInvalidConditional)

	first, err := f.registry.PlaceConditional(ConditionalRequest{
		Symbol: sym, Side: execution.SideSell, Cross: CrossBelow, TriggerPrice: 95, Size: 2, Template: execution.Limit{Price: 94.5},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, first.Status)

	_, err = f.registry.PlaceConditional(ConditionalRequest{
		Symbol: sym, Side: execution.SideSell, Cross: CrossBelow, TriggerPrice: 96, Size: 1, Template: execution.Market{},
	})
	require.ErrorIs(t, err, ErrTriggerExists)

	second, err := f.registry.PlaceConditional(ConditionalRequest{
		Symbol: sym, Side: execution.SideSell, Cross: CrossBelow, TriggerPrice: 96, Size: 1, Template: execution.Market{}, Replace: true,
	})
	require.NoError(t, err)
	active := f.registry.Active(sym)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)
	assert.Equal(t, reasonReplaced, f.registry.History(sym)[0].Reason)

	f.tick(95.5, 95.6)
	require.Equal(t, 1, f.dispatch.count())
	assert.Equal(t, 1.0, f.dispatch.reqs[0].Size)
	assert.Equal(t, execution.Market{}, f.dispatch.reqs[0].Template)
}

func TestRegistry_ConditionalStacking(t *testing.T) {
	f := newFixture(t, Options{AllowConditionalStacking: true})
	for _, price := range []float64{90, 95} {
		_, err := f.registry.PlaceConditional(ConditionalRequest{
			Symbol: sym, Side: execution.SideSell, Cross: CrossBelow, TriggerPrice: price, Size: 1, Template: execution.Market{},
		})
		require.NoError(t, err)
	}
	assert.Len(t, f.registry.Active(sym), 2)

	// 两个条件单同时满足，同一报价只提交一笔
	f.tick(89, 89.1)
	assert.Equal(t, 1, f.dispatch.count())
	f.tick(89, 89.1)
	assert.Equal(t, 2, f.dispatch.count())
}

func TestRegistry_CancelAllFiltersKinds(t *testing.T) {
	f := newFixture(t, Options{})
	f.long(5, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.05, TakeProfitPct: 0.1}))
	f.registry.Resync(sym)

	cancelled := f.registry.CancelAll(sym, KindTakeProfit)
	require.Len(t, cancelled, 1)
	assert.Equal(t, KindTakeProfit, cancelled[0].Kind)

	active := f.registry.Active(sym)
	require.Len(t, active, 1)
	assert.Equal(t, KindStopLoss, active[0].Kind)

	assert.Len(t, f.registry.CancelAll(sym), 1)
	assert.Empty(t, f.registry.Active(sym))
}

func TestRegistry_PauseSkipsEvaluation(t *testing.T) {
	f := newFixture(t, Options{})
	f.long(5, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.05, TrailingPct: 0.1}))
	f.registry.Resync(sym)

	f.registry.Pause()
	f.tick(120, 120.1)
	f.tick(94, 94.1)
	assert.Zero(t, f.dispatch.count())
	assert.Equal(t, 120.0, activeByKind(f.registry.Active(sym))[KindTrailingStop].ReferencePrice)

	f.registry.Resume()
	f.tick(94, 94.1)
	assert.Equal(t, 1, f.dispatch.count())
}

func TestRegistry_LimitOrderTemplateUsesSlippage(t *testing.T) {
	f := newFixture(t, Options{OrderType: "limit", LimitSlippage: 0.01})
	f.long(5, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.05}))
	f.registry.Resync(sym)

	f.tick(94, 94.1)
	require.Equal(t, 1, f.dispatch.count())
	limit, ok := f.dispatch.reqs[0].Template.(execution.Limit)
	require.True(t, ok)
	assert.InDelta(t, 93.06, limit.Price, 1e-9)
}

func TestRegistry_ObserversSeeTransitions(t *testing.T) {
	f := newFixture(t, Options{})
	f.long(5, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.05}))
	f.registry.Resync(sym)
	f.tick(94, 94.1)
	f.registry.OnSubmitResult(execution.Result{TriggerID: f.dispatch.reqs[0].TriggerID, Symbol: sym, OrderID: "x"})

	var statuses []Status
	for _, ev := range f.events {
		statuses = append(statuses, ev.To)
	}
	assert.Equal(t, []Status{StatusPending, StatusArmed, StatusFired}, statuses)
	assert.Equal(t, StatusArmed, f.events[2].From)
}

func TestRegistry_HistoryIsBounded(t *testing.T) {
	f := newFixture(t, Options{HistoryLimit: 3})
	for i := 0; i < 5; i++ {
		_, err := f.registry.PlaceConditional(ConditionalRequest{
			Symbol: sym, Side: execution.SideSell, Cross: CrossBelow, TriggerPrice: 90, Size: 1, Template: execution.Market{}, Replace: true,
		})
		require.NoError(t, err)
	}
	history := f.registry.History(sym)
	require.Len(t, history, 3)
	assert.Equal(t, "t4", history[0].ID)
}

func TestRegistry_FiredStopHoldsSiblingsUntilPositionChanges(t *testing.T) {
	f := newFixture(t, Options{})
	f.long(5, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.05, TrailingPct: 0.02}))
	f.registry.Resync(sym)

	f.tick(94, 94.1)
	require.Equal(t, 1, f.dispatch.count())
	sl := f.dispatch.reqs[0]
	f.registry.OnSubmitResult(execution.Result{TriggerID: sl.TriggerID, Symbol: sym, OrderID: "ex-1"})

	// 仓位尚未刷新，跟踪止损不能按旧仓位再次平仓
	f.tick(93.9, 94)
	f.registry.Resync(sym)
	f.tick(93.8, 93.9)
	assert.Equal(t, 1, f.dispatch.count())
	ts := f.registry.Active(sym)
	require.Len(t, ts, 1)
	assert.Equal(t, KindTrailingStop, ts[0].Kind)
	assert.Equal(t, StatusPending, ts[0].Status)

	// 止损只成交部分，剩余仓位恢复评估
	f.long(2, 100)
	f.registry.Resync(sym)
	f.tick(93.7, 93.8)
	require.Equal(t, 2, f.dispatch.count())
	req := f.dispatch.reqs[1]
	assert.Equal(t, ts[0].ID, req.TriggerID)
	assert.Equal(t, 2.0, req.Size)
}

func TestRegistry_RejectedFiredOrderReleasesSiblings(t *testing.T) {
	f := newFixture(t, Options{})
	f.long(5, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.05, TrailingPct: 0.02}))
	f.registry.Resync(sym)

	f.tick(94, 94.1)
	sl := f.dispatch.reqs[0]
	f.registry.OnSubmitResult(execution.Result{TriggerID: sl.TriggerID, Symbol: sym, OrderID: "ex-1"})
	f.registry.OnOrderUpdate(execution.OrderUpdate{Symbol: sym, OrderID: "ex-1", Status: execution.OrderRejected})

	f.tick(93.9, 94)
	require.Equal(t, 2, f.dispatch.count())
	assert.Equal(t, 5.0, f.dispatch.reqs[1].Size)
	assert.NotEqual(t, sl.TriggerID, f.dispatch.reqs[1].TriggerID)
}

func TestRegistry_PositionUpdateBeforeSubmitResultDoesNotHold(t *testing.T) {
	f := newFixture(t, Options{})
	f.long(5, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{StopLossPct: 0.05, TakeProfitPct: 0.1}))
	f.registry.Resync(sym)

	f.tick(94, 94.1)
	sl := f.dispatch.reqs[0]
	f.long(3, 100)
	f.registry.Resync(sym)
	f.registry.OnSubmitResult(execution.Result{TriggerID: sl.TriggerID, Symbol: sym, OrderID: "ex-1"})

	f.tick(111, 111.1)
	require.Equal(t, 2, f.dispatch.count())
	assert.Equal(t, 3.0, f.dispatch.reqs[1].Size)
}

// hookedPositions 在首次读取仓位后执行 hook，用于制造并发的仓位更新。
type hookedPositions struct {
	*position.Ledger
	hooked atomic.Bool
	hook   func()
}

func (p *hookedPositions) Get(symbol string) position.Position {
	pos := p.Ledger.Get(symbol)
	if p.hook != nil && p.hooked.CompareAndSwap(false, true) {
		p.hook()
	}
	return pos
}

func TestRegistry_ResyncDoesNotApplyStalePosition(t *testing.T) {
	ledger := position.NewLedger()
	table := risk.NewTable()
	require.NoError(t, table.Set(sym, risk.Config{StopLossPct: 0.05}))
	ledger.Apply(position.Update{Symbol: sym, Side: "long", Size: 5, EntryPrice: 100})

	positions := &hookedPositions{Ledger: ledger}
	registry := NewRegistry(positions, table, market.NewStore(), &recordingDispatcher{}, Options{}, nil)

	done := make(chan struct{})
	positions.hook = func() {
		go func() {
			defer close(done)
			ledger.Apply(position.Update{Symbol: sym})
			registry.Resync(sym)
		}()
		// 平仓同步要么在本次同步之前完成，要么排在其后
		select {
		case <-done:
		case <-time.After(50 * time.Millisecond):
		}
	}

	registry.Resync(sym)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("concurrent resync did not finish")
	}

	assert.True(t, ledger.Get(sym).IsFlat())
	assert.Empty(t, registry.Active(sym))
}

func TestRegistry_TrailingPctChangeRecomputesFromReference(t *testing.T) {
	f := newFixture(t, Options{})
	f.long(5, 100)
	require.NoError(t, f.table.Set(sym, risk.Config{TrailingPct: 0.02}))
	f.registry.Resync(sym)
	f.tick(103, 103.1)
	before := f.registry.Active(sym)[0]
	assert.InDelta(t, 100.94, before.TriggerPrice, 1e-9)

	// 调大回撤比例后以参考价重新计算，触发价随之下移
	require.NoError(t, f.table.Set(sym, risk.Config{TrailingPct: 0.05}))
	f.registry.Resync(sym)
	after := f.registry.Active(sym)[0]
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, 103.0, after.ReferencePrice)
	assert.InDelta(t, 97.85, after.TriggerPrice, 1e-9)
	assert.Zero(t, f.dispatch.count())
}

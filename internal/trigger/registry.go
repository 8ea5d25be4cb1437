package trigger

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trades-sentinel/internal/execution"
	"trades-sentinel/internal/market"
	"trades-sentinel/internal/position"
	"trades-sentinel/internal/risk"
)

// Positions 提供当前仓位。
type Positions interface {
	Get(symbol string) position.Position
}

// RiskConfigs 提供标的风控参数。
type RiskConfigs interface {
	Get(symbol string) risk.Config
}

// Quotes 提供最新报价。
type Quotes interface {
	Get(symbol string) (market.Tick, bool)
}

// Dispatcher 异步提交委托。
type Dispatcher interface {
	Dispatch(req execution.SubmitRequest) error
}

// Options 控制注册表行为。
type Options struct {
	AllowConditionalStacking bool
	HistoryLimit             int
	// OrderType 为仓位类触发单的委托类型：market 或 limit。
	OrderType     string
	LimitSlippage float64
	Clock         func() time.Time
	NewID         func() string
}

type firedKey struct {
	kind      Kind
	direction Direction
}

// book 保存单个标的的触发单，所有变更在 mu 保护下进行。
type book struct {
	mu        sync.Mutex
	active    []*Trigger
	history   []*Trigger
	fired     map[firedKey]struct{}
	episode   uint64
	direction Direction
	// awaiting 非空时仓位类触发单已成交提交，等待仓位更新确认
	awaiting  string
	awaitDir  Direction
	awaitSize float64
}

// Registry 管理触发单生命周期。
type Registry struct {
	positions  Positions
	configs    RiskConfigs
	quotes     Quotes
	dispatcher Dispatcher
	logger     *zap.Logger
	opts       Options

	mu    sync.RWMutex
	books map[string]*book

	observersMu sync.RWMutex
	observers   []Observer

	paused atomic.Bool
}

// NewRegistry 创建触发单注册表。
func NewRegistry(positions Positions, configs RiskConfigs, quotes Quotes, dispatcher Dispatcher, opts Options, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 256
	}
	if opts.OrderType == "" {
		opts.OrderType = "market"
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	return &Registry{
		positions:  positions,
		configs:    configs,
		quotes:     quotes,
		dispatcher: dispatcher,
		logger:     logger,
		opts:       opts,
		books:      make(map[string]*book),
	}
}

// Subscribe 注册状态变化观察者。
func (r *Registry) Subscribe(obs Observer) {
	if obs == nil {
		return
	}
	r.observersMu.Lock()
	r.observers = append(r.observers, obs)
	r.observersMu.Unlock()
}

// Pause 暂停触发评估，状态仍持续更新。
func (r *Registry) Pause() { r.paused.Store(true) }

// Resume 恢复触发评估。
func (r *Registry) Resume() { r.paused.Store(false) }

// Paused 返回是否暂停。
func (r *Registry) Paused() bool { return r.paused.Load() }

func (r *Registry) book(symbol string) *book {
	r.mu.RLock()
	b, ok := r.books[symbol]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.books[symbol]; ok {
		return b
	}
	b = &book{fired: make(map[firedKey]struct{})}
	r.books[symbol] = b
	return b
}

func (r *Registry) notify(transitions []Transition) {
	if len(transitions) == 0 {
		return
	}
	r.observersMu.RLock()
	observers := append([]Observer(nil), r.observers...)
	r.observersMu.RUnlock()

	for _, tr := range transitions {
		for _, obs := range observers {
			obs(tr)
		}
	}
}

// Active 返回标的活跃触发单副本，按优先级排序。
func (r *Registry) Active(symbol string) []Trigger {
	b := r.book(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Trigger, 0, len(b.active))
	for _, t := range sortedByPriority(b.active) {
		out = append(out, *t)
	}
	return out
}

// History 返回标的已结束的触发单，最新的在前。
func (r *Registry) History(symbol string) []Trigger {
	b := r.book(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Trigger, 0, len(b.history))
	for i := len(b.history) - 1; i >= 0; i-- {
		out = append(out, *b.history[i])
	}
	return out
}

// CancelAll 取消标的等待中的触发单，kinds 为空时取消全部类型。
// 已提交在途的触发单等待回报，不在此处取消。
func (r *Registry) CancelAll(symbol string, kinds ...Kind) []Trigger {
	filter := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		filter[k] = struct{}{}
	}

	b := r.book(symbol)
	b.mu.Lock()
	var transitions []Transition
	for _, t := range append([]*Trigger(nil), b.active...) {
		if t.Status != StatusPending {
			continue
		}
		if _, ok := filter[t.Kind]; len(filter) > 0 && !ok {
			continue
		}
		transitions = append(transitions, r.finish(b, t, StatusCancelled, reasonOperator))
	}
	b.mu.Unlock()

	r.notify(transitions)

	out := make([]Trigger, 0, len(transitions))
	for _, tr := range transitions {
		out = append(out, tr.Trigger)
	}
	return out
}

// PlaceConditional 创建条件单：价格穿越 TriggerPrice 后按固定数量提交 Template。
func (r *Registry) PlaceConditional(req ConditionalRequest) (Trigger, error) {
	if err := validateConditional(req); err != nil {
		return Trigger{}, err
	}

	now := r.opts.Clock()
	t := &Trigger{
		ID:           r.opts.NewID(),
		Symbol:       req.Symbol,
		Kind:         KindConditional,
		Side:         req.Side,
		Cross:        req.Cross,
		TriggerPrice: req.TriggerPrice,
		Template:     req.Template,
		Size:         req.Size,
		ReduceOnly:   req.ReduceOnly,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if tick, ok := r.quotes.Get(req.Symbol); ok && t.breached(quotePrice(tick, t.Side)) {
		return Trigger{}, fmt.Errorf("trigger: %w: 最新报价 %v", ErrAlreadyBreached, quotePrice(tick, t.Side))
	}

	b := r.book(req.Symbol)
	b.mu.Lock()
	var transitions []Transition
	for _, existing := range append([]*Trigger(nil), b.active...) {
		if existing.Kind != KindConditional {
			continue
		}
		if req.Replace {
			if existing.Status == StatusPending {
				transitions = append(transitions, r.finish(b, existing, StatusCancelled, reasonReplaced))
			}
			continue
		}
		if !r.opts.AllowConditionalStacking {
			b.mu.Unlock()
			r.notify(transitions)
			return Trigger{}, fmt.Errorf("trigger: %w: %s", ErrTriggerExists, existing.ID)
		}
	}
	t.Episode = b.episode
	b.active = append(b.active, t)
	transitions = append(transitions, Transition{Trigger: *t, To: StatusPending, Reason: "conditional placed"})
	created := *t
	b.mu.Unlock()

	r.notify(transitions)
	return created, nil
}

func validateConditional(req ConditionalRequest) error {
	var problems []string
	if req.Symbol == "" {
		problems = append(problems, "缺少标的")
	}
	if !req.Side.Valid() {
		problems = append(problems, fmt.Sprintf("无效方向 %q", req.Side))
	}
	if !req.Cross.Valid() {
		problems = append(problems, fmt.Sprintf("无效穿越方向 %q", req.Cross))
	}
	if !(req.TriggerPrice > 0) || math.IsInf(req.TriggerPrice, 0) {
		problems = append(problems, "触发价必须为正")
	}
	if !(req.Size > 0) || math.IsInf(req.Size, 0) {
		problems = append(problems, "数量必须为正")
	}
	if req.Template == nil {
		problems = append(problems, "缺少委托模板")
	} else if err := req.Template.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("trigger: %w: %s", ErrInvalidConditional, strings.Join(problems, "; "))
	}
	return nil
}

// OnTick 更新移动止损并评估触发；同一报价下每个标的最多提交一笔。
func (r *Registry) OnTick(tick market.Tick) {
	b := r.book(tick.Symbol)
	b.mu.Lock()

	var transitions []Transition
	for _, t := range b.active {
		if t.Kind == KindTrailingStop && t.Status == StatusPending {
			trail(t, tick, r.opts.Clock())
		}
	}

	if !r.paused.Load() {
		transitions = r.evaluate(b, tick)
	}
	b.mu.Unlock()

	r.notify(transitions)
}

// trail 仅朝有利方向移动参考价，触发价不向不利方向移动。
func trail(t *Trigger, tick market.Tick, now time.Time) {
	switch t.Direction {
	case ReduceLong:
		if tick.Bid <= 0 || tick.Bid <= t.ReferencePrice {
			return
		}
		t.ReferencePrice = tick.Bid
		if next := t.ReferencePrice * (1 - t.TrailingPct); next > t.TriggerPrice {
			t.TriggerPrice = next
		}
	case ReduceShort:
		if tick.Ask <= 0 || (t.ReferencePrice > 0 && tick.Ask >= t.ReferencePrice) {
			return
		}
		t.ReferencePrice = tick.Ask
		if next := t.ReferencePrice * (1 + t.TrailingPct); next < t.TriggerPrice {
			t.TriggerPrice = next
		}
	default:
		return
	}
	t.UpdatedAt = now
}

func (r *Registry) evaluate(b *book, tick market.Tick) []Transition {
	var transitions []Transition

	inflight := b.awaiting != ""
	for _, t := range b.active {
		if t.Status == StatusArmed && t.Kind.PositionLinked() {
			inflight = true
			break
		}
	}

	for _, t := range sortedByPriority(b.active) {
		if t.Status != StatusPending {
			continue
		}
		// 仓位类触发单在途时，其余仓位类触发单等待仓位更新
		if inflight && t.Kind.PositionLinked() {
			continue
		}
		price := quotePrice(tick, t.Side)
		if !t.breached(price) {
			continue
		}

		size := t.Size
		template := t.Template
		if t.Kind.PositionLinked() {
			pos := r.positions.Get(t.Symbol)
			if pos.IsFlat() || directionOf(pos.Side) != t.Direction {
				reason := fmt.Sprintf("%v: 仓位 %s %.8g", ErrStaleTrigger, pos.Side, pos.Size)
				transitions = append(transitions, r.finish(b, t, StatusCancelled, reason))
				continue
			}
			size = pos.Size
			template = r.positionTemplate(t.Side, price)
		}

		req := execution.SubmitRequest{
			TriggerID:  t.ID,
			Symbol:     t.Symbol,
			Side:       t.Side,
			Size:       size,
			Template:   template,
			ReduceOnly: t.ReduceOnly,
		}
		if err := r.dispatcher.Dispatch(req); err != nil {
			if errors.Is(err, execution.ErrDuplicateSubmission) {
				r.logger.Warn("触发单重复提交被拒绝", zap.String("symbol", t.Symbol), zap.String("trigger_id", t.ID))
				continue
			}
			transitions = append(transitions, r.finish(b, t, StatusFailed, err.Error()))
			continue
		}

		from := t.Status
		t.Status = StatusArmed
		t.Size = size
		t.UpdatedAt = r.opts.Clock()
		transitions = append(transitions, Transition{
			Trigger: *t,
			From:    from,
			To:      StatusArmed,
			Reason:  fmt.Sprintf("price %.8g crossed %s %.8g", price, t.Cross, t.TriggerPrice),
		})
		r.logger.Info("触发单已触发",
			zap.String("symbol", t.Symbol),
			zap.String("trigger_id", t.ID),
			zap.String("kind", string(t.Kind)),
			zap.Float64("price", price),
			zap.Float64("trigger_price", t.TriggerPrice),
			zap.Float64("size", size),
		)
		break
	}
	return transitions
}

func (r *Registry) positionTemplate(side execution.Side, price float64) execution.Template {
	if r.opts.OrderType != "limit" || price <= 0 {
		return execution.Market{}
	}
	if side == execution.SideSell {
		return execution.Limit{Price: price * (1 - r.opts.LimitSlippage)}
	}
	return execution.Limit{Price: price * (1 + r.opts.LimitSlippage)}
}

// OnSubmitResult 处理异步提交结果。
func (r *Registry) OnSubmitResult(res execution.Result) {
	b := r.book(res.Symbol)
	b.mu.Lock()

	var transitions []Transition
	if t := findActive(b, func(t *Trigger) bool { return t.ID == res.TriggerID }); t != nil && t.Status == StatusArmed {
		if res.Err != nil {
			transitions = append(transitions, r.finish(b, t, StatusFailed, res.Err.Error()))
		} else {
			t.OrderID = res.OrderID
			transitions = append(transitions, r.finish(b, t, StatusFired, "order accepted"))
		}
	}
	b.mu.Unlock()

	r.notify(transitions)
}

// OnOrderUpdate 根据订单回报确认或判定失败。
func (r *Registry) OnOrderUpdate(u execution.OrderUpdate) {
	b := r.book(u.Symbol)
	b.mu.Lock()

	var transitions []Transition
	match := func(t *Trigger) bool {
		return (u.OrderID != "" && t.OrderID == u.OrderID) || (u.ClientOrderID != "" && t.ID == u.ClientOrderID)
	}

	if t := findActive(b, match); t != nil {
		if t.OrderID == "" {
			t.OrderID = u.OrderID
		}
		switch {
		case u.Status.Final():
			transitions = append(transitions, r.finish(b, t, StatusFailed, orderReason(u)))
		case t.Status == StatusArmed:
			transitions = append(transitions, r.finish(b, t, StatusFired, "order "+string(u.Status)))
		}
	} else if t := findHistory(b, match); t != nil && t.Status == StatusFired && u.Status.Final() {
		from := t.Status
		t.Status = StatusFailed
		t.Reason = orderReason(u)
		t.UpdatedAt = r.opts.Clock()
		delete(b.fired, firedKey{t.Kind, t.Direction})
		if b.awaiting == t.ID {
			b.awaiting = ""
		}
		transitions = append(transitions, Transition{Trigger: *t, From: from, To: StatusFailed, Reason: t.Reason})
	}
	b.mu.Unlock()

	r.notify(transitions)
}

// OnTrade 成交回报确认触发单已生效。
func (r *Registry) OnTrade(tr execution.Trade) {
	if tr.OrderID == "" {
		return
	}
	r.OnOrderUpdate(execution.OrderUpdate{
		Symbol:    tr.Symbol,
		OrderID:   tr.OrderID,
		Status:    execution.OrderPartiallyFilled,
		Filled:    tr.Size,
		Timestamp: tr.Timestamp,
	})
}

func orderReason(u execution.OrderUpdate) string {
	if u.Reason != "" {
		return fmt.Sprintf("order %s: %s", u.Status, u.Reason)
	}
	return "order " + string(u.Status)
}

// finish 将触发单移入历史，调用方需持有 b.mu。
func (r *Registry) finish(b *book, t *Trigger, to Status, reason string) Transition {
	from := t.Status
	t.Status = to
	t.Reason = reason
	t.UpdatedAt = r.opts.Clock()

	for i, candidate := range b.active {
		if candidate == t {
			b.active = append(b.active[:i], b.active[i+1:]...)
			break
		}
	}
	b.history = append(b.history, t)
	if over := len(b.history) - r.opts.HistoryLimit; over > 0 {
		b.history = append([]*Trigger(nil), b.history[over:]...)
	}

	if to == StatusFired && t.Kind.PositionLinked() && t.Episode == b.episode {
		b.fired[firedKey{t.Kind, t.Direction}] = struct{}{}
		r.awaitPosition(b, t)
	}

	fields := []zap.Field{
		zap.String("symbol", t.Symbol),
		zap.String("trigger_id", t.ID),
		zap.String("kind", string(t.Kind)),
		zap.String("status", string(to)),
		zap.String("reason", reason),
	}
	if to == StatusFailed {
		r.logger.Warn("触发单失败", fields...)
	} else {
		r.logger.Info("触发单结束", fields...)
	}

	return Transition{Trigger: *t, From: from, To: to, Reason: reason}
}

// awaitPosition 记录触发时的仓位快照；仓位已先于提交结果变化时无需等待。
func (r *Registry) awaitPosition(b *book, t *Trigger) {
	pos := r.positions.Get(t.Symbol)
	if pos.IsFlat() || directionOf(pos.Side) != t.Direction || pos.Size != t.Size {
		return
	}
	b.awaiting = t.ID
	b.awaitDir = t.Direction
	b.awaitSize = t.Size
}

func findActive(b *book, match func(*Trigger) bool) *Trigger {
	for _, t := range b.active {
		if match(t) {
			return t
		}
	}
	return nil
}

func findHistory(b *book, match func(*Trigger) bool) *Trigger {
	for i := len(b.history) - 1; i >= 0; i-- {
		if match(b.history[i]) {
			return b.history[i]
		}
	}
	return nil
}

func sortedByPriority(triggers []*Trigger) []*Trigger {
	out := append([]*Trigger(nil), triggers...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Kind.priority(), out[j].Kind.priority()
		if pi != pj {
			return pi < pj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// quotePrice 卖出看买一价，买入看卖一价。
func quotePrice(tick market.Tick, side execution.Side) float64 {
	if side == execution.SideBuy {
		return tick.Ask
	}
	return tick.Bid
}

func directionOf(side position.Side) Direction {
	switch side {
	case position.SideLong:
		return ReduceLong
	case position.SideShort:
		return ReduceShort
	}
	return ""
}

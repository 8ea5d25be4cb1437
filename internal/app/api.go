package app

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"trades-sentinel/internal/engine"
	"trades-sentinel/internal/exchange"
	"trades-sentinel/internal/execution"
	"trades-sentinel/internal/market"
	"trades-sentinel/internal/monitor"
	"trades-sentinel/internal/position"
	"trades-sentinel/internal/risk"
	"trades-sentinel/internal/trigger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultEventLimit = 200
	maxEventLimit     = 1000
	sourceAPI         = "api"
)

// Operator 为运维接口依赖的引擎能力，*engine.Engine 满足该接口。
type Operator interface {
	Symbols() []string
	Watch(symbol string) error
	GetTick(symbol string) (market.Tick, error)
	GetPosition(symbol string) (position.Position, error)
	SetRiskConfig(ctx context.Context, symbol string, cfg risk.Config) error
	GetRiskConfig(symbol string) (risk.Config, error)
	RemoveRiskConfig(symbol string) (bool, error)
	SetAllStopLoss(pct float64) ([]string, error)
	SetAllTakeProfit(pct float64) ([]string, error)
	AdjustTakeProfit(symbol string, mul float64) ([]string, error)
	CancelAllTriggers(symbol string, kinds ...trigger.Kind) ([]trigger.Trigger, error)
	ListActiveTriggers(symbol string) ([]trigger.Trigger, error)
	TriggerHistory(symbol string) ([]trigger.Trigger, error)
	PlaceConditional(req trigger.ConditionalRequest) (trigger.Trigger, error)
	ActiveOrders(ctx context.Context, symbol string) ([]execution.ActiveOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	Pause()
	Resume()
	Paused() bool
}

// Journal 为运维接口依赖的审计能力。
type Journal interface {
	ListEvents(ctx context.Context, filter monitor.Filter) ([]monitor.Event, error)
	RecordRiskConfig(ctx context.Context, cfg risk.Config, removed bool, source string)
	RecordEngineState(ctx context.Context, paused bool)
}

type errorResponse struct {
	Error string `json:"error"`
}

type riskBody struct {
	StopLossPct   float64 `json:"stoploss_pct"`
	TakeProfitPct float64 `json:"takeprofit_pct"`
	TrailingPct   float64 `json:"trailing_pct"`
	Leverage      float64 `json:"leverage"`
}

type pctBody struct {
	Pct float64 `json:"pct"`
}

type adjustBody struct {
	Symbol string  `json:"symbol"`
	Mul    float64 `json:"mul"`
}

type conditionalBody struct {
	Side         string  `json:"side"`
	Cross        string  `json:"cross"`
	TriggerPrice float64 `json:"trigger_price"`
	Size         float64 `json:"size"`
	OrderType    string  `json:"order_type"`
	Price        float64 `json:"price"`
	OrderPrice   float64 `json:"order_price"`
	ReduceOnly   bool    `json:"reduce_only"`
	Replace      bool    `json:"replace"`
}

type symbolsResponse struct {
	Symbols []string `json:"symbols"`
}

type engineStateResponse struct {
	Paused bool `json:"paused"`
}

type cancelledResponse struct {
	Cancelled []trigger.Trigger `json:"cancelled"`
}

type removedResponse struct {
	Removed bool `json:"removed"`
}

type api struct {
	engine  Operator
	journal Journal
	logger  *zap.Logger
}

// NewHandler 构造运维 HTTP 路由；journal 与 gatherer 可以为 nil。
func NewHandler(op Operator, journal Journal, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &api{engine: op, journal: journal, logger: logger}

	router := mux.NewRouter().UseEncodedPath()
	router.Use(a.recovery, a.logging)

	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/instruments", a.listSymbols).Methods(http.MethodGet)
	v1.HandleFunc("/instruments/{symbol}/watch", a.watch).Methods(http.MethodPost)
	v1.HandleFunc("/instruments/{symbol}/tick", a.getTick).Methods(http.MethodGet)
	v1.HandleFunc("/instruments/{symbol}/position", a.getPosition).Methods(http.MethodGet)
	v1.HandleFunc("/instruments/{symbol}/risk", a.getRisk).Methods(http.MethodGet)
	v1.HandleFunc("/instruments/{symbol}/risk", a.putRisk).Methods(http.MethodPut)
	v1.HandleFunc("/instruments/{symbol}/risk", a.deleteRisk).Methods(http.MethodDelete)
	v1.HandleFunc("/instruments/{symbol}/triggers", a.listTriggers).Methods(http.MethodGet)
	v1.HandleFunc("/instruments/{symbol}/triggers", a.cancelTriggers).Methods(http.MethodDelete)
	v1.HandleFunc("/instruments/{symbol}/history", a.history).Methods(http.MethodGet)
	v1.HandleFunc("/instruments/{symbol}/conditional", a.placeConditional).Methods(http.MethodPost)
	v1.HandleFunc("/instruments/{symbol}/orders", a.listOrders).Methods(http.MethodGet)
	v1.HandleFunc("/instruments/{symbol}/orders/{id}", a.cancelOrder).Methods(http.MethodDelete)
	v1.HandleFunc("/risk/stoploss", a.setAllStopLoss).Methods(http.MethodPost)
	v1.HandleFunc("/risk/takeprofit", a.setAllTakeProfit).Methods(http.MethodPost)
	v1.HandleFunc("/risk/adjust-tp", a.adjustTakeProfit).Methods(http.MethodPost)
	v1.HandleFunc("/engine", a.engineState).Methods(http.MethodGet)
	v1.HandleFunc("/engine/pause", a.pause).Methods(http.MethodPost)
	v1.HandleFunc("/engine/resume", a.resume).Methods(http.MethodPost)
	v1.HandleFunc("/events", a.listEvents).Methods(http.MethodGet)

	return router
}

func (a *api) listSymbols(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK, symbolsResponse{Symbols: a.engine.Symbols()})
}

func (a *api) watch(w http.ResponseWriter, r *http.Request) {
	symbol, ok := a.symbol(w, r)
	if !ok {
		return
	}
	if err := a.engine.Watch(symbol); err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, symbolsResponse{Symbols: a.engine.Symbols()})
}

func (a *api) getTick(w http.ResponseWriter, r *http.Request) {
	symbol, ok := a.symbol(w, r)
	if !ok {
		return
	}
	tick, err := a.engine.GetTick(symbol)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, tick)
}

func (a *api) getPosition(w http.ResponseWriter, r *http.Request) {
	symbol, ok := a.symbol(w, r)
	if !ok {
		return
	}
	pos, err := a.engine.GetPosition(symbol)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, pos)
}

func (a *api) getRisk(w http.ResponseWriter, r *http.Request) {
	symbol, ok := a.symbol(w, r)
	if !ok {
		return
	}
	cfg, err := a.engine.GetRiskConfig(symbol)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, cfg)
}

func (a *api) putRisk(w http.ResponseWriter, r *http.Request) {
	symbol, ok := a.symbol(w, r)
	if !ok {
		return
	}
	var body riskBody
	if !a.decode(w, r, &body) {
		return
	}

	cfg := risk.Config{
		Symbol:        symbol,
		StopLossPct:   body.StopLossPct,
		TakeProfitPct: body.TakeProfitPct,
		TrailingPct:   body.TrailingPct,
		Leverage:      body.Leverage,
	}
	if err := a.engine.SetRiskConfig(r.Context(), symbol, cfg); err != nil {
		a.fail(w, err)
		return
	}
	if a.journal != nil {
		a.journal.RecordRiskConfig(r.Context(), cfg, false, sourceAPI)
	}
	a.respond(w, http.StatusOK, cfg)
}

func (a *api) deleteRisk(w http.ResponseWriter, r *http.Request) {
	symbol, ok := a.symbol(w, r)
	if !ok {
		return
	}
	removed, err := a.engine.RemoveRiskConfig(symbol)
	if err != nil {
		a.fail(w, err)
		return
	}
	if removed && a.journal != nil {
		a.journal.RecordRiskConfig(r.Context(), risk.Config{Symbol: symbol}, true, sourceAPI)
	}
	a.respond(w, http.StatusOK, removedResponse{Removed: removed})
}

func (a *api) listTriggers(w http.ResponseWriter, r *http.Request) {
	symbol, ok := a.symbol(w, r)
	if !ok {
		return
	}
	active, err := a.engine.ListActiveTriggers(symbol)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, active)
}

func (a *api) cancelTriggers(w http.ResponseWriter, r *http.Request) {
	symbol, ok := a.symbol(w, r)
	if !ok {
		return
	}
	kinds, err := parseKinds(r.URL.Query()["kind"])
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cancelled, err := a.engine.CancelAllTriggers(symbol, kinds...)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, cancelledResponse{Cancelled: cancelled})
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	symbol, ok := a.symbol(w, r)
	if !ok {
		return
	}
	hist, err := a.engine.TriggerHistory(symbol)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, hist)
}

func (a *api) placeConditional(w http.ResponseWriter, r *http.Request) {
	symbol, ok := a.symbol(w, r)
	if !ok {
		return
	}
	var body conditionalBody
	if !a.decode(w, r, &body) {
		return
	}

	tmpl, err := templateOf(body)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	trig, err := a.engine.PlaceConditional(trigger.ConditionalRequest{
		Symbol:       symbol,
		Side:         execution.Side(strings.ToLower(body.Side)),
		Cross:        trigger.Cross(strings.ToLower(body.Cross)),
		TriggerPrice: body.TriggerPrice,
		Size:         body.Size,
		Template:     tmpl,
		ReduceOnly:   body.ReduceOnly,
		Replace:      body.Replace,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusCreated, trig)
}

func (a *api) listOrders(w http.ResponseWriter, r *http.Request) {
	symbol, ok := a.symbol(w, r)
	if !ok {
		return
	}
	orders, err := a.engine.ActiveOrders(r.Context(), symbol)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, orders)
}

func (a *api) cancelOrder(w http.ResponseWriter, r *http.Request) {
	symbol, ok := a.symbol(w, r)
	if !ok {
		return
	}
	orderID, err := url.PathUnescape(mux.Vars(r)["id"])
	if err != nil || orderID == "" {
		a.respondError(w, http.StatusBadRequest, "订单号无效")
		return
	}
	if err := a.engine.CancelOrder(r.Context(), symbol, orderID); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) setAllStopLoss(w http.ResponseWriter, r *http.Request) {
	var body pctBody
	if !a.decode(w, r, &body) {
		return
	}
	symbols, err := a.engine.SetAllStopLoss(body.Pct)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.recordConfigs(r.Context(), symbols)
	a.respond(w, http.StatusOK, symbolsResponse{Symbols: symbols})
}

func (a *api) setAllTakeProfit(w http.ResponseWriter, r *http.Request) {
	var body pctBody
	if !a.decode(w, r, &body) {
		return
	}
	symbols, err := a.engine.SetAllTakeProfit(body.Pct)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.recordConfigs(r.Context(), symbols)
	a.respond(w, http.StatusOK, symbolsResponse{Symbols: symbols})
}

func (a *api) adjustTakeProfit(w http.ResponseWriter, r *http.Request) {
	var body adjustBody
	if !a.decode(w, r, &body) {
		return
	}
	symbols, err := a.engine.AdjustTakeProfit(body.Symbol, body.Mul)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.recordConfigs(r.Context(), symbols)
	a.respond(w, http.StatusOK, symbolsResponse{Symbols: symbols})
}

func (a *api) engineState(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK, engineStateResponse{Paused: a.engine.Paused()})
}

func (a *api) pause(w http.ResponseWriter, r *http.Request) {
	a.engine.Pause()
	if a.journal != nil {
		a.journal.RecordEngineState(r.Context(), true)
	}
	a.respond(w, http.StatusOK, engineStateResponse{Paused: a.engine.Paused()})
}

func (a *api) resume(w http.ResponseWriter, r *http.Request) {
	a.engine.Resume()
	if a.journal != nil {
		a.journal.RecordEngineState(r.Context(), false)
	}
	a.respond(w, http.StatusOK, engineStateResponse{Paused: a.engine.Paused()})
}

func (a *api) listEvents(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		a.respondError(w, http.StatusServiceUnavailable, "审计日志未启用")
		return
	}

	q := r.URL.Query()
	limit := defaultEventLimit
	if qs := q.Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > maxEventLimit {
				v = maxEventLimit
			}
			limit = v
		}
	}

	filter := monitor.Filter{
		Type:   monitor.EventType(strings.ToLower(strings.TrimSpace(q.Get("type")))),
		Symbol: strings.TrimSpace(q.Get("symbol")),
		Limit:  limit,
	}
	events, err := a.journal.ListEvents(r.Context(), filter)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.respond(w, http.StatusOK, events)
}

func (a *api) recordConfigs(ctx context.Context, symbols []string) {
	if a.journal == nil {
		return
	}
	for _, s := range symbols {
		cfg, err := a.engine.GetRiskConfig(s)
		if err != nil {
			continue
		}
		a.journal.RecordRiskConfig(ctx, cfg, false, sourceAPI)
	}
}

func (a *api) symbol(w http.ResponseWriter, r *http.Request) (string, bool) {
	symbol, err := url.PathUnescape(mux.Vars(r)["symbol"])
	if err != nil || strings.TrimSpace(symbol) == "" {
		a.respondError(w, http.StatusBadRequest, "标的无效")
		return "", false
	}
	return symbol, true
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.respondError(w, http.StatusBadRequest, "请求体解析失败: "+err.Error())
		return false
	}
	return true
}

func (a *api) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		a.logger.Warn("运维请求失败", zap.Int("status", code), zap.Error(err))
	}
	a.respondError(w, code, err.Error())
}

func (a *api) respondError(w http.ResponseWriter, code int, msg string) {
	a.respond(w, code, errorResponse{Error: msg})
}

func (a *api) respond(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("写入运维响应失败", zap.Error(err))
	}
}

func (a *api) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				a.logger.Error("运维请求异常", zap.String("path", r.URL.Path), zap.Any("panic", rec))
				a.respondError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (a *api) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("运维请求",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

// statusFor 将领域错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownInstrument), errors.Is(err, engine.ErrNoQuote):
		return http.StatusNotFound
	case errors.Is(err, risk.ErrConfigInvalid), errors.Is(err, trigger.ErrInvalidConditional):
		return http.StatusBadRequest
	case errors.Is(err, trigger.ErrTriggerExists), errors.Is(err, trigger.ErrAlreadyBreached):
		return http.StatusConflict
	case errors.Is(err, exchange.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, exchange.ErrGatewayRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseKinds(raw []string) ([]trigger.Kind, error) {
	var kinds []trigger.Kind
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			kind, ok := trigger.ParseKind(part)
			if !ok {
				return nil, errors.New("未知触发单类型: " + part)
			}
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}

func templateOf(body conditionalBody) (execution.Template, error) {
	switch strings.ToLower(body.OrderType) {
	case "", "market":
		return execution.Market{}, nil
	case "limit":
		return execution.Limit{Price: body.Price}, nil
	case "conditional":
		return execution.Conditional{TriggerPrice: body.TriggerPrice, OrderPrice: body.OrderPrice}, nil
	default:
		return nil, errors.New("未知委托类型: " + body.OrderType)
	}
}

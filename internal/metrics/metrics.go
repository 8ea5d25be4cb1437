package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"trades-sentinel/internal/exchange"
)

const namespace = "sentinel"

// Recorder 汇总引擎的 Prometheus 指标，nil 接收者上的调用为空操作。
type Recorder struct {
	eventsProcessed *prometheus.CounterVec
	eventsIgnored   *prometheus.CounterVec
	eventLatency    *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	gatewayLatency  *prometheus.HistogramVec
	gatewayErrors   *prometheus.CounterVec
	paused          prometheus.Gauge
}

// New 在 reg 上注册全部指标；reg 为 nil 时使用默认注册表。
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		eventsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "events_processed_total",
				Help:      "Total number of processed events by kind",
			},
			[]string{"kind"},
		),
		eventsIgnored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "events_ignored_total",
				Help:      "Events dropped because the instrument is not watched",
			},
			[]string{"kind"},
		),
		eventLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "event_latency_ms",
				Help:      "Time from publish to handler completion in milliseconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250},
			},
			[]string{"kind"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "queue_depth",
				Help:      "Buffered events per shard",
			},
			[]string{"shard"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "trigger",
				Name:      "transitions_total",
				Help:      "Trigger status transitions",
			},
			[]string{"symbol", "kind", "status"},
		),
		gatewayLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "call_latency_ms",
				Help:      "Exchange call latency in milliseconds",
				Buckets:   []float64{25, 50, 100, 200, 300, 500, 1000, 2000, 5000},
			},
			[]string{"operation"},
		),
		gatewayErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "errors_total",
				Help:      "Exchange call failures by class",
			},
			[]string{"operation", "class"},
		),
		paused: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "paused",
				Help:      "1 when breach evaluation is paused",
			},
		),
	}
}

// EventProcessed 记录一次事件处理。
func (r *Recorder) EventProcessed(kind string, latency time.Duration) {
	if r == nil {
		return
	}
	r.eventsProcessed.WithLabelValues(kind).Inc()
	r.eventLatency.WithLabelValues(kind).Observe(float64(latency) / float64(time.Millisecond))
}

// EventIgnored 记录被忽略的事件。
func (r *Recorder) EventIgnored(kind string) {
	if r == nil {
		return
	}
	r.eventsIgnored.WithLabelValues(kind).Inc()
}

// QueueDepth 更新分片队列深度。
func (r *Recorder) QueueDepth(shard string, depth int) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues(shard).Set(float64(depth))
}

// Transition 记录触发单状态变化。
func (r *Recorder) Transition(symbol, kind, status string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(symbol, kind, status).Inc()
}

// GatewayCall 记录交易所调用耗时与错误类别。
func (r *Recorder) GatewayCall(operation string, latency time.Duration, err error) {
	if r == nil {
		return
	}
	r.gatewayLatency.WithLabelValues(operation).Observe(float64(latency) / float64(time.Millisecond))
	if err != nil {
		r.gatewayErrors.WithLabelValues(operation, errorClass(err)).Inc()
	}
}

// SetPaused 更新暂停状态。
func (r *Recorder) SetPaused(paused bool) {
	if r == nil {
		return
	}
	if paused {
		r.paused.Set(1)
		return
	}
	r.paused.Set(0)
}

func errorClass(err error) string {
	classified := exchange.Classify(err)
	switch {
	case errors.Is(classified, exchange.ErrOrderNotFound):
		return "not_found"
	case errors.Is(classified, exchange.ErrGatewayUnavailable):
		return "unavailable"
	default:
		return "rejected"
	}
}

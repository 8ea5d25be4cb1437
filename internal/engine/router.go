package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trades-sentinel/internal/metrics"
)

// Handler 处理单个事件。
type Handler func(Event)

// Router 按标的哈希把事件分配到固定分片，每个分片单协程顺序消费，
// 因此同一标的的事件严格按发布顺序处理。
type Router struct {
	shards   []*Queue
	handlers map[Kind]Handler
	accept   func(symbol string) bool
	metrics  *metrics.Recorder
	logger   *zap.Logger
}

// NewRouter 创建路由器；accept 决定标的是否在关注列表中。
func NewRouter(shards, queueSize int, accept func(string) bool, rec *metrics.Recorder, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if shards <= 0 {
		shards = 1
	}
	if accept == nil {
		accept = func(string) bool { return true }
	}

	queues := make([]*Queue, shards)
	for i := range queues {
		queues[i] = NewQueue(queueSize)
	}
	return &Router{
		shards:   queues,
		handlers: make(map[Kind]Handler),
		accept:   accept,
		metrics:  rec,
		logger:   logger,
	}
}

// Handle 注册事件处理函数，需在 Run 之前调用。
func (r *Router) Handle(kind Kind, h Handler) {
	r.handlers[kind] = h
}

func (r *Router) shardFor(symbol string) int {
	return int(xxhash.Sum64String(symbol) % uint64(len(r.shards)))
}

// Publish 将事件投递到所属分片，未关注的标的直接忽略。
func (r *Router) Publish(ctx context.Context, e Event) error {
	if e.Symbol == "" {
		return errors.New("engine: 事件缺少标的")
	}
	if _, ok := r.handlers[e.Kind]; !ok {
		return fmt.Errorf("engine: 未知事件类型 %q", e.Kind)
	}
	if !r.accept(e.Symbol) {
		r.metrics.EventIgnored(string(e.Kind))
		r.logger.Debug("忽略未关注标的的事件", zap.String("symbol", e.Symbol), zap.String("kind", string(e.Kind)))
		return nil
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}

	idx := r.shardFor(e.Symbol)
	if err := r.shards[idx].Publish(ctx, e); err != nil {
		return fmt.Errorf("engine: 事件入队失败: %w", err)
	}
	r.metrics.QueueDepth(strconv.Itoa(idx), r.shards[idx].Len())
	return nil
}

// Run 启动全部分片消费者，直到 ctx 结束。
func (r *Router) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for i, queue := range r.shards {
		shard := strconv.Itoa(i)
		group.Go(func() error {
			queue.Run(groupCtx, func(e Event) { r.dispatch(shard, queue, e) })
			return nil
		})
	}

	r.logger.Info("事件路由已启动", zap.Int("shards", len(r.shards)))
	err := group.Wait()
	r.logger.Info("事件路由已停止")
	return err
}

// Close 停止接收事件，已入队的事件会被处理完。
func (r *Router) Close() {
	for _, q := range r.shards {
		q.Close()
	}
}

// DrainKind 在消费者停止后处理积压中指定类型的事件，其余事件丢弃。
func (r *Router) DrainKind(kind Kind) int {
	handled, dropped := 0, 0
	for i, queue := range r.shards {
		shard := strconv.Itoa(i)
		queue.Drain(func(e Event) {
			if e.Kind != kind {
				dropped++
				return
			}
			r.dispatch(shard, queue, e)
			handled++
		})
	}
	if handled > 0 || dropped > 0 {
		r.logger.Info("停止后处理积压事件",
			zap.String("kind", string(kind)),
			zap.Int("handled", handled),
			zap.Int("dropped", dropped),
		)
	}
	return handled
}

func (r *Router) dispatch(shard string, queue *Queue, e Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("事件处理异常",
				zap.String("symbol", e.Symbol),
				zap.String("kind", string(e.Kind)),
				zap.Any("panic", rec),
			)
		}
	}()

	r.handlers[e.Kind](e)
	r.metrics.EventProcessed(string(e.Kind), time.Since(e.ReceivedAt))
	r.metrics.QueueDepth(shard, queue.Len())
}

package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed 表示队列已关闭。
var ErrQueueClosed = errors.New("event queue closed")

// Queue 为有界阻塞队列，队列满时发布方等待而不是丢弃。
type Queue struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue 创建指定容量的队列。
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:   make(chan Event, capacity),
		done: make(chan struct{}),
	}
}

// Publish 入队，阻塞直到有空间、ctx 结束或队列关闭。
func (q *Queue) Publish(ctx context.Context, e Event) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

// Len 返回当前积压数量。
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close 停止接收新事件。
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Drain 非阻塞地取出剩余事件，返回处理数量。
func (q *Queue) Drain(handler func(Event)) int {
	n := 0
	for {
		select {
		case e := <-q.ch:
			handler(e)
			n++
		default:
			return n
		}
	}
}

// Run 逐个消费事件直到 ctx 结束或队列关闭；关闭时先处理完已入队的事件。
func (q *Queue) Run(ctx context.Context, handler func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-q.ch:
			handler(e)
		case <-q.done:
			q.Drain(handler)
			return
		}
	}
}

// Package guard 实现过期响应守卫：按查询点维护单调递增序号，
// 异步请求完成时只有最新序号的结果才允许提交。
package guard

import (
	"context"
	"sync/atomic"
)

// Ticket 一次请求开始时领取的序号。
type Ticket uint64

// Sequence 单个查询点的序号计数器，零值可用。
type Sequence struct {
	n atomic.Uint64
}

// Begin 在发起异步请求前调用，返回自增后的序号。
func (s *Sequence) Begin() Ticket {
	return Ticket(s.n.Add(1))
}

// IsCurrent 自 t 领取后没有新的 Begin/Invalidate 时返回 true。
func (s *Sequence) IsCurrent(t Ticket) bool {
	return s.n.Load() == uint64(t)
}

// Invalidate 使所有已发出的序号失效，不领取新序号。
func (s *Sequence) Invalidate() {
	s.n.Add(1)
}

// Latest 最近一次发出的序号
func (s *Sequence) Latest() Ticket {
	return Ticket(s.n.Load())
}

// Guarded 把一个查询点包装为“只接受最新结果”的调用。
type Guarded[T any] struct {
	seq Sequence
}

// Run 执行 fn；current=false 表示结果已被后发请求取代，调用方应丢弃结果与错误。
func (g *Guarded[T]) Run(ctx context.Context, fn func(context.Context) (T, error)) (v T, current bool, err error) {
	t := g.seq.Begin()
	v, err = fn(ctx)
	if !g.seq.IsCurrent(t) {
		var zero T
		return zero, false, nil
	}
	return v, true, err
}

// Invalidate 丢弃所有在途请求的结果。
func (g *Guarded[T]) Invalidate() { g.seq.Invalidate() }

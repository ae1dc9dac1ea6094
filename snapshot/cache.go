// Package snapshot 保存最近一次成功拉取的快照，并向观察者广播视图。
// 读取方只会看到上一份或新一份完整快照，不会看到两个周期的混合结果。
package snapshot

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// state 快照与连续失败计数一起替换
type state struct {
	snap     *Snapshot
	failures int
}

// Cache 快照容器，整体替换，从不局部修改。
type Cache struct {
	cur atomic.Pointer[state]

	mu   sync.RWMutex
	subs map[int64]chan View
	seq  atomic.Int64

	bufSize int
	logger  *zap.Logger
}

func NewCache(logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		subs:    make(map[int64]chan View),
		bufSize: 8,
		logger:  logger,
	}
}

// Current 最近一次完整快照；从未成功拉取时为 nil。
func (c *Cache) Current() *Snapshot {
	return c.load().snap
}

func (c *Cache) load() state {
	if st := c.cur.Load(); st != nil {
		return *st
	}
	return state{}
}

// View 当前快照对应的渲染视图
func (c *Cache) View() View {
	st := c.load()
	return ViewOf(st.snap, st.failures)
}

// Commit 原子替换快照并清零连续失败计数，然后广播。
func (c *Cache) Commit(s *Snapshot) {
	if s == nil {
		return
	}
	c.cur.Store(&state{snap: s})
	c.Broadcast()
}

// RecordFailure 快照保持不变，仅更新连续失败计数；返回累计值。
func (c *Cache) RecordFailure() int {
	for {
		old := c.cur.Load()
		next := &state{failures: 1}
		if old != nil {
			next = &state{snap: old.snap, failures: old.failures + 1}
		}
		if c.cur.CompareAndSwap(old, next) {
			c.Broadcast()
			return next.failures
		}
	}
}

// Failures 当前连续失败次数
func (c *Cache) Failures() int { return c.load().failures }

// Subscribe 注册观察者，立即收到当前视图。
func (c *Cache) Subscribe() (int64, <-chan View) {
	id := c.seq.Add(1)
	ch := make(chan View, c.bufSize)

	c.mu.Lock()
	c.subs[id] = ch
	ch <- c.View()
	c.mu.Unlock()
	return id, ch
}

// Unsubscribe 注销并关闭通道，重复调用无副作用。
func (c *Cache) Unsubscribe(id int64) {
	c.mu.Lock()
	if ch, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()
}

// Observers 当前观察者数量
func (c *Cache) Observers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Broadcast 非阻塞推送当前视图；通道已满的观察者被断开。
func (c *Cache) Broadcast() {
	v := c.View()
	var lagging []int64

	c.mu.RLock()
	for id, ch := range c.subs {
		select {
		case ch <- v:
		default:
			lagging = append(lagging, id)
		}
	}
	c.mu.RUnlock()

	if len(lagging) == 0 {
		return
	}
	c.mu.Lock()
	for _, id := range lagging {
		if ch, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
			c.logger.Warn("snapshot observer dropped (channel full)", zap.Int64("observer", id))
		}
	}
	c.mu.Unlock()
}

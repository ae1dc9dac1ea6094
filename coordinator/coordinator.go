// Package coordinator 实现同步协调器：进程内唯一的轮询定时器、订阅引用计数、
// 实时/历史模式仲裁，以及对乱序响应免疫的拉取周期。
//
// 不变量：定时器存在 当且仅当 订阅数 > 0 且 模式为 Live；任何时刻至多一个定时器。
// 被取代的在途请求不会中止，结果到达后由序号守卫丢弃。
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"portfolio-sync/date"
	"portfolio-sync/gateway"
	"portfolio-sync/guard"
	"portfolio-sync/selection"
	"portfolio-sync/snapshot"
)

// DefaultInterval 实时模式下的轮询周期
const DefaultInterval = 60 * time.Second

// 触发来源，用于日志/指标标签。
const (
	TriggerSubscribe       = "subscribe"
	TriggerTick            = "tick"
	TriggerSelectPortfolio = "select_portfolio"
	TriggerSelectDate      = "select_date"
	TriggerSetMode         = "set_mode"
	TriggerForceRefresh    = "force_refresh"
)

// State 协调器对外可见的状态
type State int

const (
	Idle State = iota
	LiveSubscribed
	HistoricalPinned
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LiveSubscribed:
		return "live_subscribed"
	case HistoricalPinned:
		return "historical_pinned"
	default:
		return "unknown"
	}
}

// Fetcher 远端数据源，*gateway.PortfolioRESTClient 满足该接口。
type Fetcher interface {
	Positions(ctx context.Context, portfolioID string, q gateway.PositionsQuery) ([]gateway.Position, error)
	DashboardStats(ctx context.Context, portfolioID string, q gateway.StatsQuery) (gateway.DashboardStats, error)
}

// Options 构造参数；除 Fetcher 外均有默认值。
type Options struct {
	Fetcher  Fetcher
	Cache    *snapshot.Cache
	Initial  selection.Selection
	Interval time.Duration
	Clock    Clock
	Notifier Notifier
	Recorder Recorder
	Logger   *zap.Logger
}

// Coordinator 显式构造的会话级服务，Close 后不可再用。
type Coordinator struct {
	fetcher  Fetcher
	cache    *snapshot.Cache
	sel      *selection.State
	clock    Clock
	notifier Notifier
	recorder Recorder
	logger   *zap.Logger

	// mu 保护以下字段；持锁期间不做网络 I/O。
	mu          sync.Mutex
	seq         guard.Sequence
	interval    time.Duration
	subscribers int
	timer       *pollTimer
	timerStarts int
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pollTimer struct {
	ticker Ticker
	stop   chan struct{}
}

// cycle 一次拉取周期在发起时固定下来的参数。
type cycle struct {
	trigger string
	sel     selection.Selection
	ticket  guard.Ticket
	online  bool
}

func New(opts Options) (*Coordinator, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("coordinator: fetcher is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Cache == nil {
		opts.Cache = snapshot.NewCache(opts.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		fetcher:  opts.Fetcher,
		cache:    opts.Cache,
		sel:      selection.NewState(opts.Initial),
		clock:    opts.Clock,
		notifier: opts.Notifier,
		recorder: opts.Recorder,
		logger:   opts.Logger.Named("coordinator"),
		interval: opts.Interval,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Cache 只读快照与视图观察入口
func (c *Coordinator) Cache() *snapshot.Cache { return c.cache }

// Subscribe 订阅数 +1；0→1 时立即拉取一次，实时模式下启动定时器。
func (c *Coordinator) Subscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.subscribers++
	c.recorder.SetSubscribers(c.subscribers)
	if c.subscribers == 1 {
		c.spawnLocked(TriggerSubscribe, true)
	}
	c.reconcileLocked()
	c.logger.Debug("subscribed", zap.Int("subscribers", c.subscribers))
	return nil
}

// Unsubscribe 订阅数 -1（不低于 0）；归零时撤销定时器。多余的调用是空操作。
func (c *Coordinator) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribers == 0 {
		return
	}
	c.subscribers--
	c.recorder.SetSubscribers(c.subscribers)
	c.reconcileLocked()
	c.logger.Debug("unsubscribed", zap.Int("subscribers", c.subscribers))
}

// SetMode 切换模式。Historical 需要日期，会立即停掉定时器并拉取一次；
// 已设置日期时请求 Live 返回 ErrLiveWhileHistorical，状态不变。
func (c *Coordinator) SetMode(mode selection.Mode, d *date.Date) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	switch mode {
	case selection.Historical:
		if d == nil {
			return ErrDateRequired
		}
		c.sel.SetDate(*d)
		c.reconcileLocked()
		c.spawnLocked(TriggerSetMode, false)
		return nil
	case selection.Live:
		if c.sel.Mode() == selection.Historical {
			return ErrLiveWhileHistorical
		}
		if c.reconcileLocked() {
			c.spawnLocked(TriggerSetMode, true)
		}
		return nil
	default:
		return ErrUnknownMode
	}
}

// SelectPortfolio 切换组合、清除历史日期，取代所有在途周期并拉取一次。
func (c *Coordinator) SelectPortfolio(id string) error {
	if id == "" {
		return gateway.ErrNoPortfolio
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	prev := c.sel.Select(id)
	c.spawnLocked(TriggerSelectPortfolio, false)
	c.reconcileLocked()
	c.logger.Info("portfolio selected", zap.String("portfolio", id), zap.String("previous", prev.PortfolioID))
	return nil
}

// SelectDate 非 nil 等价于 SetMode(Historical, d)；nil 清除日期，
// 仅在仍有订阅者时恢复实时轮询，否则保持空闲直到有新订阅。
func (c *Coordinator) SelectDate(d *date.Date) error {
	if d != nil {
		return c.SetMode(selection.Historical, d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.sel.ClearDate() {
		return nil
	}
	if c.subscribers > 0 {
		c.reconcileLocked()
		c.spawnLocked(TriggerSelectDate, true)
		return nil
	}
	// 无订阅者：不启动定时器，只刷新一次当前数据，避免继续显示历史快照
	c.spawnLocked(TriggerSelectDate, false)
	return nil
}

// ForceRefresh 同步执行一次拉取，不改变订阅数、模式和定时器。
// 结果被后续周期取代时返回 nil。
func (c *Coordinator) ForceRefresh(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	cy := c.beginLocked(TriggerForceRefresh, true)
	c.mu.Unlock()
	return c.execute(ctx, cy)
}

// SetInterval 调整轮询周期；运行中的定时器按新周期重建，不额外拉取。
func (c *Coordinator) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d == c.interval {
		return
	}
	c.interval = d
	if c.timer != nil {
		c.stopTimerLocked()
		c.startTimerLocked()
	}
	c.logger.Info("poll interval changed", zap.Duration("interval", d))
}

// Close 终止：撤销定时器、订阅数清零、丢弃并中止在途请求，等待后台 goroutine 退出。
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subscribers = 0
	c.recorder.SetSubscribers(0)
	c.stopTimerLocked()
	c.seq.Invalidate()
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("coordinator closed")
	return nil
}

func (c *Coordinator) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribers
}

func (c *Coordinator) TimerActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// TimerStarts 定时器累计创建次数
func (c *Coordinator) TimerStarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timerStarts
}

func (c *Coordinator) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

func (c *Coordinator) Mode() selection.Mode { return c.sel.Mode() }

func (c *Coordinator) Selection() selection.Selection { return c.sel.Current() }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return Idle
	case c.sel.Mode() == selection.Historical:
		return HistoricalPinned
	case c.subscribers > 0:
		return LiveSubscribed
	default:
		return Idle
	}
}

// Closed 是否已 Close
func (c *Coordinator) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastSync 最近一次成功提交快照的时间；从未成功时为零值。
func (c *Coordinator) LastSync() time.Time {
	if s := c.cache.Current(); s != nil {
		return s.FetchedAt
	}
	return time.Time{}
}

// reconcileLocked 让定时器与不变量一致，返回是否新启动了定时器。
func (c *Coordinator) reconcileLocked() bool {
	want := !c.closed && c.subscribers > 0 && c.sel.Mode() == selection.Live
	switch {
	case want && c.timer == nil:
		c.startTimerLocked()
		return true
	case !want && c.timer != nil:
		c.stopTimerLocked()
	}
	return false
}

func (c *Coordinator) startTimerLocked() {
	t := &pollTimer{
		ticker: c.clock.NewTicker(c.interval),
		stop:   make(chan struct{}),
	}
	c.timer = t
	c.timerStarts++
	c.recorder.SetTimerActive(true)
	c.wg.Add(1)
	go c.poll(t)
	c.logger.Info("poll timer started", zap.Duration("interval", c.interval))
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer == nil {
		return
	}
	c.timer.ticker.Stop()
	close(c.timer.stop)
	c.timer = nil
	c.recorder.SetTimerActive(false)
	c.logger.Info("poll timer stopped")
}

func (c *Coordinator) poll(t *pollTimer) {
	defer c.wg.Done()
	for {
		select {
		case <-t.stop:
			return
		case <-t.ticker.C():
			c.mu.Lock()
			if c.timer == t {
				c.spawnLocked(TriggerTick, true)
			}
			c.mu.Unlock()
		}
	}
}

// beginLocked 读取当前选择并领取序号，二者在同一临界区内完成。
func (c *Coordinator) beginLocked(trigger string, online bool) cycle {
	sel := c.sel.Current()
	return cycle{
		trigger: trigger,
		sel:     sel,
		ticket:  c.seq.Begin(),
		online:  online && sel.Mode() == selection.Live,
	}
}

func (c *Coordinator) spawnLocked(trigger string, online bool) {
	if c.closed {
		return
	}
	cy := c.beginLocked(trigger, online)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.execute(c.ctx, cy)
	}()
}

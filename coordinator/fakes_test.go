package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"portfolio-sync/date"
	"portfolio-sync/gateway"
	"portfolio-sync/selection"
)

// fakeTicker 手动触发的定时器
type fakeTicker struct {
	clock   *fakeClock
	c       chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.clock.active--
}

// fakeClock 记录定时器创建/停止，用于校验“至多一个定时器”
type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	tickers   []*fakeTicker
	intervals []time.Duration
	active    int
	maxActive int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeClock) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{clock: f, c: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, t)
	f.intervals = append(f.intervals, d)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	return t
}

// Tick 向当前活跃的定时器投递一次 tick
func (f *fakeClock) Tick(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	var cur *fakeTicker
	for i := len(f.tickers) - 1; i >= 0; i-- {
		if !f.tickers[i].stopped {
			cur = f.tickers[i]
			break
		}
	}
	now := f.now
	f.mu.Unlock()
	require.NotNil(t, cur, "no active ticker")
	cur.c <- now
}

func (f *fakeClock) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeClock) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

type fetchCall struct {
	endpoint  string
	portfolio string
	online    bool
	asOf      *date.Date
	year      int
	value     int64
	gate      chan struct{}
}

// fakeFetcher hold=true 时每个请求阻塞到被 release
type fakeFetcher struct {
	mu           sync.Mutex
	calls        []*fetchCall
	hold         bool
	value        int64
	positionsErr error
	statsErr     error
}

func (f *fakeFetcher) record(endpoint, portfolio string, online bool, asOf *date.Date, year int) (*fetchCall, error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fetchCall{endpoint: endpoint, portfolio: portfolio, online: online, asOf: asOf, year: year, value: f.value}
	if f.hold {
		c.gate = make(chan struct{})
	}
	f.calls = append(f.calls, c)
	return c, f.positionsErr, f.statsErr
}

func (f *fakeFetcher) wait(ctx context.Context, c *fetchCall) error {
	if c.gate == nil {
		return nil
	}
	select {
	case <-c.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeFetcher) Positions(ctx context.Context, id string, q gateway.PositionsQuery) ([]gateway.Position, error) {
	c, perr, _ := f.record(gateway.EndpointPositions, id, q.Online, q.TargetDate, 0)
	if err := f.wait(ctx, c); err != nil {
		return nil, err
	}
	if perr != nil {
		return nil, perr
	}
	return []gateway.Position{{Symbol: id, CurrentValue: decimal.NewFromInt(c.value)}}, nil
}

func (f *fakeFetcher) DashboardStats(ctx context.Context, id string, q gateway.StatsQuery) (gateway.DashboardStats, error) {
	c, _, serr := f.record(gateway.EndpointStats, id, q.Online, nil, q.Year)
	if err := f.wait(ctx, c); err != nil {
		return gateway.DashboardStats{}, err
	}
	if serr != nil {
		return gateway.DashboardStats{}, serr
	}
	return gateway.DashboardStats{TotalValue: decimal.NewFromInt(c.value)}, nil
}

func (f *fakeFetcher) set(fn func(f *fakeFetcher)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeFetcher) Calls() []*fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fetchCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeFetcher) count(endpoint string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.endpoint == endpoint {
			n++
		}
	}
	return n
}

func (f *fakeFetcher) waitCalls(t *testing.T, n int) []*fetchCall {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.Calls()) >= n }, 2*time.Second, 5*time.Millisecond)
	return f.Calls()
}

// releaseWhere 放行匹配的已阻塞请求
func (f *fakeFetcher) releaseWhere(match func(*fetchCall) bool) {
	for _, c := range f.Calls() {
		if c.gate != nil && match(c) {
			select {
			case <-c.gate:
			default:
				close(c.gate)
			}
		}
	}
}

type noticeSink struct {
	mu      sync.Mutex
	notices []Notice
}

func (s *noticeSink) Notify(n Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, n)
}

func (s *noticeSink) All() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notice, len(s.notices))
	copy(out, s.notices)
	return out
}

type harness struct {
	c       *Coordinator
	fetcher *fakeFetcher
	clock   *fakeClock
	notices *noticeSink
}

func newHarness(t *testing.T, initial selection.Selection) *harness {
	t.Helper()
	h := &harness{
		fetcher: &fakeFetcher{value: 1},
		clock:   newFakeClock(),
		notices: &noticeSink{},
	}
	c, err := New(Options{
		Fetcher:  h.fetcher,
		Initial:  initial,
		Clock:    h.clock,
		Notifier: h.notices,
	})
	require.NoError(t, err)
	h.c = c
	t.Cleanup(func() { _ = c.Close() })
	return h
}

// invariant 定时器存在 当且仅当 订阅数>0 且为实时模式
func (h *harness) invariant(t *testing.T) {
	t.Helper()
	want := h.c.Subscribers() > 0 && h.c.Mode() == selection.Live
	require.Equal(t, want, h.c.TimerActive(), "timer/invariant mismatch (subs=%d mode=%s)", h.c.Subscribers(), h.c.Mode())
	require.LessOrEqual(t, h.clock.Active(), 1)
}

func (h *harness) waitValue(t *testing.T, portfolio string, value int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := h.c.Cache().Current()
		return s != nil && s.PortfolioID == portfolio && s.Stats.TotalValue.Equal(decimal.NewFromInt(value))
	}, 2*time.Second, 5*time.Millisecond)
}

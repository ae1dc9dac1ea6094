package viewhub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio-sync/coordinator"
	"portfolio-sync/date"
	"portfolio-sync/gateway"
	"portfolio-sync/infrastructure/alert"
	"portfolio-sync/selection"
	"portfolio-sync/snapshot"
)

type fakeController struct {
	mu          sync.Mutex
	cache       *snapshot.Cache
	subscribers int
	portfolios  []string
	dates       []*date.Date
	refreshes   int
	historical  bool
}

func newFakeController() *fakeController {
	return &fakeController{cache: snapshot.NewCache(nil)}
}

func (f *fakeController) Subscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers++
	return nil
}

func (f *fakeController) Unsubscribe() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribers > 0 {
		f.subscribers--
	}
}

func (f *fakeController) SelectPortfolio(id string) error {
	if id == "" {
		return gateway.ErrNoPortfolio
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portfolios = append(f.portfolios, id)
	f.historical = false
	return nil
}

func (f *fakeController) SelectDate(d *date.Date) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dates = append(f.dates, d)
	f.historical = d != nil
	return nil
}

func (f *fakeController) SetMode(mode selection.Mode, _ *date.Date) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mode == selection.Live && f.historical {
		return coordinator.ErrLiveWhileHistorical
	}
	return nil
}

func (f *fakeController) ForceRefresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

func (f *fakeController) Cache() *snapshot.Cache { return f.cache }

func (f *fakeController) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribers
}

func (f *fakeController) State() coordinator.State { return coordinator.Idle }

func (f *fakeController) withLock(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

type testFrame struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	Portfolios json.RawMessage `json:"portfolios"`
	Level      string          `json:"level"`
	Op         string          `json:"op"`
	Message    string          `json:"message"`
}

func setup(t *testing.T, opts ...func(*Hub)) (*fakeController, *Hub, *httptest.Server) {
	t.Helper()
	ctrl := newFakeController()
	hub := New(ctrl, nil, nil)
	for _, opt := range opts {
		opt(hub)
	}
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)
	return ctrl, hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil 读取直到出现指定类型的帧
func readUntil(t *testing.T, conn *websocket.Conn, typ string) testFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f testFrame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == typ {
			return f
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, cmd string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(cmd)))
}

func TestHub_InitialSnapshotAndUpdates(t *testing.T) {
	ctrl, _, srv := setup(t)
	conn := dial(t, srv)

	first := readUntil(t, conn, FrameSnapshot)
	var v snapshot.View
	require.NoError(t, json.Unmarshal(first.Data, &v))
	assert.Nil(t, v.LastSync, "nothing fetched yet")

	sel := selection.Selection{PortfolioID: "P1"}
	ctrl.cache.Commit(snapshot.New(sel, []gateway.Position{{Symbol: "AAPL"}}, gateway.DashboardStats{}, true, time.Now()))

	next := readUntil(t, conn, FrameSnapshot)
	require.NoError(t, json.Unmarshal(next.Data, &v))
	assert.Equal(t, "P1", v.PortfolioID)
	require.Len(t, v.Positions, 1)
	assert.True(t, v.IsRealTime)
}

func TestHub_SubscribeHeldOncePerView(t *testing.T) {
	ctrl, hub, srv := setup(t)
	conn := dial(t, srv)
	readUntil(t, conn, FrameSnapshot)

	send(t, conn, `{"op":"subscribe"}`)
	send(t, conn, `{"op":"subscribe"}`)
	assert.Eventually(t, func() bool { return ctrl.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	other := dial(t, srv)
	readUntil(t, other, FrameSnapshot)
	send(t, other, `{"op":"subscribe"}`)
	assert.Eventually(t, func() bool { return ctrl.Subscribers() == 2 }, time.Second, 10*time.Millisecond)

	send(t, other, `{"op":"unsubscribe"}`)
	send(t, other, `{"op":"unsubscribe"}`)
	assert.Eventually(t, func() bool { return ctrl.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	// 断开释放该视图持有的订阅
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return ctrl.Subscribers() == 0 && hub.Views() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHub_SelectionCommands(t *testing.T) {
	ctrl, _, srv := setup(t)
	conn := dial(t, srv)
	readUntil(t, conn, FrameSnapshot)

	send(t, conn, `{"op":"select_portfolio","portfolio_id":"P2"}`)
	send(t, conn, `{"op":"select_date","date":"2024-03-01"}`)
	send(t, conn, `{"op":"set_live"}`)

	rejected := readUntil(t, conn, FrameError)
	assert.Equal(t, OpSetLive, rejected.Op)
	assert.Contains(t, rejected.Message, "as-of date")

	send(t, conn, `{"op":"select_date","date":null}`)
	send(t, conn, `{"op":"refresh"}`)

	assert.Eventually(t, func() bool {
		var ok bool
		ctrl.withLock(func() { ok = len(ctrl.dates) == 2 && ctrl.refreshes == 1 })
		return ok
	}, time.Second, 10*time.Millisecond)

	ctrl.withLock(func() {
		assert.Equal(t, []string{"P2"}, ctrl.portfolios)
		require.NotNil(t, ctrl.dates[0])
		assert.Equal(t, "2024-03-01", ctrl.dates[0].String())
		assert.Nil(t, ctrl.dates[1])
	})
}

func TestHub_RejectsBadCommands(t *testing.T) {
	_, _, srv := setup(t)
	conn := dial(t, srv)
	readUntil(t, conn, FrameSnapshot)

	send(t, conn, `not json`)
	f := readUntil(t, conn, FrameError)
	assert.Contains(t, f.Message, "invalid command")

	send(t, conn, `{"op":"dance"}`)
	f = readUntil(t, conn, FrameError)
	assert.Equal(t, "dance", f.Op)

	send(t, conn, `{"op":"select_portfolio"}`)
	f = readUntil(t, conn, FrameError)
	assert.Equal(t, OpSelectPortfolio, f.Op)
}

func TestHub_NoticeBroadcast(t *testing.T) {
	_, hub, srv := setup(t)
	a := dial(t, srv)
	b := dial(t, srv)
	readUntil(t, a, FrameSnapshot)
	readUntil(t, b, FrameSnapshot)
	require.Eventually(t, func() bool { return hub.Views() == 2 }, time.Second, 10*time.Millisecond)

	var ch alert.Channel = hub
	require.NoError(t, ch.Send(alert.Alert{Level: alert.LevelWarning, Message: "Live refresh failed"}))

	for _, conn := range []*websocket.Conn{a, b} {
		f := readUntil(t, conn, FrameNotice)
		assert.Equal(t, alert.LevelWarning, f.Level)
		assert.Equal(t, "Live refresh failed", f.Message)
	}
}

func TestHub_HTTPEndpoints(t *testing.T) {
	ctrl, _, srv := setup(t)
	ctrl.cache.Commit(snapshot.New(selection.Selection{PortfolioID: "P9"}, nil, gateway.DashboardStats{}, true, time.Now()))

	resp, err := http.Get(srv.URL + "/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var v snapshot.View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.Equal(t, "P9", v.PortfolioID)

	hresp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer hresp.Body.Close()
	var h health
	require.NoError(t, json.NewDecoder(hresp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.NotNil(t, h.LastSync)

	post, err := http.Post(srv.URL+"/snapshot", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

type fakeDirectory struct{ list []gateway.Portfolio }

func (d fakeDirectory) Portfolios(context.Context) ([]gateway.Portfolio, error) { return d.list, nil }

func TestHub_DirectoryValidatesSelection(t *testing.T) {
	ctrl, _, srv := setup(t, func(h *Hub) {
		h.SetDirectory(fakeDirectory{list: []gateway.Portfolio{{ID: "P1", Name: "Main"}}})
	})
	conn := dial(t, srv)
	readUntil(t, conn, FrameSnapshot)

	send(t, conn, `{"op":"list_portfolios"}`)
	f := readUntil(t, conn, FramePortfolios)
	var list []gateway.Portfolio
	require.NoError(t, json.Unmarshal(f.Portfolios, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Main", list[0].Name)

	send(t, conn, `{"op":"select_portfolio","portfolio_id":"NOPE"}`)
	rejected := readUntil(t, conn, FrameError)
	assert.Contains(t, rejected.Message, "unknown portfolio")

	send(t, conn, `{"op":"select_portfolio","portfolio_id":"P1"}`)
	assert.Eventually(t, func() bool {
		var n int
		ctrl.withLock(func() { n = len(ctrl.portfolios) })
		return n == 1
	}, time.Second, 10*time.Millisecond)
}

// gatedDirectory 每次查询都阻塞，直到测试放行对应的闸门
type gatedDirectory struct {
	list  []gateway.Portfolio
	calls chan chan struct{}
}

func newGatedDirectory(ids ...string) *gatedDirectory {
	d := &gatedDirectory{calls: make(chan chan struct{}, 4)}
	for _, id := range ids {
		d.list = append(d.list, gateway.Portfolio{ID: id})
	}
	return d
}

func (d *gatedDirectory) Portfolios(ctx context.Context) ([]gateway.Portfolio, error) {
	gate := make(chan struct{})
	d.calls <- gate
	select {
	case <-gate:
		return d.list, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *gatedDirectory) next(t *testing.T) chan struct{} {
	t.Helper()
	select {
	case gate := <-d.calls:
		return gate
	case <-time.After(2 * time.Second):
		t.Fatal("directory lookup not started")
		return nil
	}
}

func selected(ctrl *fakeController) []string {
	var out []string
	ctrl.withLock(func() { out = append(out, ctrl.portfolios...) })
	return out
}

// 另一个视图的列表查询不会让在途的选择失效，反之亦然
func TestHub_ListDoesNotSupersedeSelection(t *testing.T) {
	dir := newGatedDirectory("P1", "P2")
	ctrl, _, srv := setup(t, func(h *Hub) { h.SetDirectory(dir) })
	connA := dial(t, srv)
	connB := dial(t, srv)
	readUntil(t, connA, FrameSnapshot)
	readUntil(t, connB, FrameSnapshot)

	send(t, connA, `{"op":"select_portfolio","portfolio_id":"P1"}`)
	gateA := dir.next(t)
	send(t, connB, `{"op":"list_portfolios"}`)
	gateB := dir.next(t)

	close(gateA)
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"P1"}, selected(ctrl))
	}, 2*time.Second, 10*time.Millisecond)

	close(gateB)
	f := readUntil(t, connB, FramePortfolios)
	var list []gateway.Portfolio
	require.NoError(t, json.Unmarshal(f.Portfolios, &list))
	assert.Len(t, list, 2)
}

// 先发后至的选择被后发的选择取代，不会覆盖已提交的结果
func TestHub_LaterSelectionWins(t *testing.T) {
	dir := newGatedDirectory("P1", "P2")
	ctrl, _, srv := setup(t, func(h *Hub) { h.SetDirectory(dir) })
	connA := dial(t, srv)
	connB := dial(t, srv)
	readUntil(t, connA, FrameSnapshot)
	readUntil(t, connB, FrameSnapshot)

	send(t, connA, `{"op":"select_portfolio","portfolio_id":"P1"}`)
	gateA := dir.next(t)
	send(t, connB, `{"op":"select_portfolio","portfolio_id":"P2"}`)
	gateB := dir.next(t)

	close(gateB)
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"P2"}, selected(ctrl))
	}, 2*time.Second, 10*time.Millisecond)

	close(gateA)
	// A 的读协程处理完下一条命令，说明过期选择已被处理
	send(t, connA, `{"op":"bogus"}`)
	f := readUntil(t, connA, FrameError)
	assert.Equal(t, "bogus", f.Op)
	assert.Equal(t, []string{"P2"}, selected(ctrl))
}

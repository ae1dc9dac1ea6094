// Package viewhub 把协调器暴露给 UI 视图：每个 WebSocket 连接是一个视图，
// 最多持有一个实时订阅，断开即释放。
package viewhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"portfolio-sync/coordinator"
	"portfolio-sync/date"
	"portfolio-sync/gateway"
	"portfolio-sync/guard"
	"portfolio-sync/infrastructure/alert"
	"portfolio-sync/selection"
	"portfolio-sync/snapshot"
)

// 视图命令
const (
	OpSubscribe       = "subscribe"
	OpUnsubscribe     = "unsubscribe"
	OpSelectPortfolio = "select_portfolio"
	OpSelectDate      = "select_date"
	OpSetLive         = "set_live"
	OpRefresh         = "refresh"
	OpListPortfolios  = "list_portfolios"
)

// 推送帧类型
const (
	FrameSnapshot   = "snapshot"
	FrameNotice     = "notice"
	FrameError      = "error"
	FramePortfolios = "portfolios"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 75 * time.Second
	writeTimeout = 10 * time.Second
	outBuffer    = 64
)

var (
	errUnknownOp = errors.New("unknown op")
	// ErrUnknownPortfolio 选择的组合不在远端列表中
	ErrUnknownPortfolio = errors.New("unknown portfolio")
)

// Controller 视图需要的协调器操作，*coordinator.Coordinator 满足该接口。
type Controller interface {
	Subscribe() error
	Unsubscribe()
	SelectPortfolio(id string) error
	SelectDate(d *date.Date) error
	SetMode(mode selection.Mode, d *date.Date) error
	ForceRefresh(ctx context.Context) error
	Cache() *snapshot.Cache
	Subscribers() int
	State() coordinator.State
}

// Metrics 视图指标，由 infrastructure/monitor 实现。
type Metrics interface {
	SetViewsConnected(n int)
	RecordViewCommand(op string, err error)
}

// Directory 组合列表来源，*gateway.PortfolioRESTClient 满足该接口。
type Directory interface {
	Portfolios(ctx context.Context) ([]gateway.Portfolio, error)
}

// EventLogger 视图连接事件日志，由 infrastructure/logger 实现。
type EventLogger interface {
	LogView(event string, viewID int64, fields map[string]interface{})
}

type nopMetrics struct{}

func (nopMetrics) SetViewsConnected(int)           {}
func (nopMetrics) RecordViewCommand(string, error) {}

// Command 视图发来的命令
type Command struct {
	Op          string     `json:"op"`
	PortfolioID string     `json:"portfolio_id,omitempty"`
	Date        *date.Date `json:"date,omitempty"`
}

// Frame 推送给视图的消息
type Frame struct {
	Type       string              `json:"type"`
	Data       *snapshot.View      `json:"data,omitempty"`
	Portfolios []gateway.Portfolio `json:"portfolios,omitempty"`
	Level      string              `json:"level,omitempty"`
	Op         string              `json:"op,omitempty"`
	Message    string              `json:"message,omitempty"`
}

type view struct {
	id         int64
	conn       *websocket.Conn
	out        chan Frame
	done       chan struct{}
	subscribed bool // 仅读协程访问
	lists      guard.Guarded[[]gateway.Portfolio]
}

// push 非阻塞投递，缓冲满时丢弃
func (v *view) push(f Frame) {
	select {
	case v.out <- f:
	default:
	}
}

// Hub 视图连接管理
type Hub struct {
	ctrl     Controller
	dir      Directory
	metrics  Metrics
	events   EventLogger
	logger   *zap.Logger
	upgrader websocket.Upgrader

	refreshTimeout time.Duration
	lookupTimeout  time.Duration

	// 组合选择是全局的：后发的选择校验取代所有在途校验
	selectSeq guard.Sequence
	selectMu  sync.Mutex

	mu     sync.RWMutex
	views  map[int64]*view
	nextID int64
	wg     sync.WaitGroup
}

// New 创建视图 hub
func New(ctrl Controller, metrics Metrics, logger *zap.Logger) *Hub {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		ctrl:    ctrl,
		metrics: metrics,
		logger:  logger.Named("viewhub"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		refreshTimeout: 30 * time.Second,
		lookupTimeout:  10 * time.Second,
		views:          make(map[int64]*view),
	}
}

// SetEventLogger 记录连接/断开事件
func (h *Hub) SetEventLogger(l EventLogger) { h.events = l }

// SetDirectory 设置后 select_portfolio 会先校验组合是否存在
func (h *Hub) SetDirectory(dir Directory) { h.dir = dir }

// Handler 路由：/ws /snapshot /healthz
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	mux.HandleFunc("/snapshot", h.serveSnapshot)
	mux.HandleFunc("/healthz", h.serveHealth)
	return mux
}

// Views 当前连接的视图数
func (h *Hub) Views() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.views)
}

// Send 实现 alert.Channel：提示广播给所有视图
func (h *Hub) Send(a alert.Alert) error {
	f := Frame{Type: FrameNotice, Level: a.Level, Message: a.Message}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, v := range h.views {
		v.push(f)
	}
	return nil
}

func (h *Hub) Name() string { return "viewhub" }

// Close 断开所有视图；各连接在退出时释放自己的订阅
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, v := range h.views {
		_ = v.conn.Close()
	}
}

// Wait 等待所有连接协程退出（含释放订阅）
func (h *Hub) Wait() { h.wg.Wait() }

// ServeWS 升级为 WebSocket，连接存续期间即一个视图
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()

	v := &view{conn: conn, out: make(chan Frame, outBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.nextID++
	v.id = h.nextID
	h.views[v.id] = v
	n := len(h.views)
	h.mu.Unlock()
	h.metrics.SetViewsConnected(n)
	h.logEvent("connected", v.id, map[string]interface{}{"remote": r.RemoteAddr, "views": n})

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.writeLoop(v)
	}()

	h.readLoop(v)
	h.release(v)
}

// release 断开时释放订阅并注销
func (h *Hub) release(v *view) {
	if v.subscribed {
		h.ctrl.Unsubscribe()
		v.subscribed = false
	}
	close(v.done)
	_ = v.conn.Close()

	h.mu.Lock()
	delete(h.views, v.id)
	n := len(h.views)
	h.mu.Unlock()
	h.metrics.SetViewsConnected(n)
	h.logEvent("disconnected", v.id, map[string]interface{}{"views": n})
}

func (h *Hub) logEvent(event string, id int64, fields map[string]interface{}) {
	if h.events != nil {
		h.events.LogView(event, id, fields)
		return
	}
	h.logger.Info("view "+event, zap.Int64("view", id))
}

func (h *Hub) readLoop(v *view) {
	_ = v.conn.SetReadDeadline(time.Now().Add(readTimeout))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		_, data, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("view read failed", zap.Int64("view", v.id), zap.Error(err))
			}
			return
		}
		_ = v.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			v.push(Frame{Type: FrameError, Message: fmt.Sprintf("invalid command: %v", err)})
			continue
		}
		err = h.handle(v, cmd)
		h.metrics.RecordViewCommand(cmd.Op, err)
		if err != nil {
			v.push(Frame{Type: FrameError, Op: cmd.Op, Message: err.Error()})
		}
	}
}

// handle 执行一条命令；返回错误时协调器状态不变
func (h *Hub) handle(v *view, cmd Command) error {
	switch cmd.Op {
	case OpSubscribe:
		if v.subscribed {
			return nil
		}
		if err := h.ctrl.Subscribe(); err != nil {
			return err
		}
		v.subscribed = true
		return nil
	case OpUnsubscribe:
		if v.subscribed {
			h.ctrl.Unsubscribe()
			v.subscribed = false
		}
		return nil
	case OpSelectPortfolio:
		if h.dir == nil || cmd.PortfolioID == "" {
			return h.ctrl.SelectPortfolio(cmd.PortfolioID)
		}
		return h.selectValidated(cmd.PortfolioID)
	case OpListPortfolios:
		if h.dir == nil {
			return fmt.Errorf("%w: %q", errUnknownOp, cmd.Op)
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.lookupTimeout)
		defer cancel()
		list, current, err := v.lists.Run(ctx, h.dir.Portfolios)
		if !current {
			return nil
		}
		if err != nil {
			return err
		}
		v.push(Frame{Type: FramePortfolios, Portfolios: list})
		return nil
	case OpSelectDate:
		return h.ctrl.SelectDate(cmd.Date)
	case OpSetLive:
		return h.ctrl.SetMode(selection.Live, nil)
	case OpRefresh:
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), h.refreshTimeout)
			defer cancel()
			// 拉取失败已经通过提示通道送达，这里只处理协调器已关闭
			if err := h.ctrl.ForceRefresh(ctx); errors.Is(err, coordinator.ErrClosed) {
				v.push(Frame{Type: FrameError, Op: OpRefresh, Message: err.Error()})
			}
		}()
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnknownOp, cmd.Op)
	}
}

// selectValidated 先查远端列表再提交选择；期间有更新的选择则静默丢弃
func (h *Hub) selectValidated(id string) error {
	t := h.selectSeq.Begin()
	ctx, cancel := context.WithTimeout(context.Background(), h.lookupTimeout)
	list, err := h.dir.Portfolios(ctx)
	cancel()

	h.selectMu.Lock()
	defer h.selectMu.Unlock()
	if !h.selectSeq.IsCurrent(t) {
		h.logger.Debug("stale portfolio selection dropped", zap.String("portfolio", id))
		return nil
	}
	if err != nil {
		return err
	}
	if !containsPortfolio(list, id) {
		return fmt.Errorf("%w: %s", ErrUnknownPortfolio, id)
	}
	return h.ctrl.SelectPortfolio(id)
}

func containsPortfolio(list []gateway.Portfolio, id string) bool {
	for _, p := range list {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (h *Hub) writeLoop(v *view) {
	cache := h.ctrl.Cache()
	obsID, updates := cache.Subscribe()
	defer func() { cache.Unsubscribe(obsID) }()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-v.done:
			return
		case sv, ok := <-updates:
			if !ok {
				// 观察者因积压被摘除，重新登记即可拿到最新视图
				obsID, updates = cache.Subscribe()
				continue
			}
			if err := h.write(v, Frame{Type: FrameSnapshot, Data: &sv}); err != nil {
				return
			}
		case f := <-v.out:
			if err := h.write(v, f); err != nil {
				return
			}
		case <-ping.C:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(v *view, f Frame) error {
	_ = v.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := v.conn.WriteJSON(f); err != nil {
		h.logger.Debug("view write failed", zap.Int64("view", v.id), zap.Error(err))
		// 让读协程尽快退出
		_ = v.conn.Close()
		return err
	}
	return nil
}

func (h *Hub) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Cache().View())
}

type health struct {
	Status      string     `json:"status"`
	State       string     `json:"state"`
	Subscribers int        `json:"subscribers"`
	Views       int        `json:"views"`
	Failures    int        `json:"consecutive_failures"`
	LastSync    *time.Time `json:"last_sync,omitempty"`
}

func (h *Hub) serveHealth(w http.ResponseWriter, _ *http.Request) {
	view := h.ctrl.Cache().View()
	writeJSON(w, http.StatusOK, health{
		Status:      "ok",
		State:       h.ctrl.State().String(),
		Subscribers: h.ctrl.Subscribers(),
		Views:       h.Views(),
		Failures:    view.Failures,
		LastSync:    view.LastSync,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

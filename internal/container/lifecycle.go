package container

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"portfolio-sync/coordinator"
	hotreload "portfolio-sync/internal/config"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	components []Lifecycle
	mu         sync.RWMutex
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{
		components: make([]Lifecycle, 0),
	}
}

// Register 注册组件
func (m *LifecycleManager) Register(component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component)
}

// StartAll 按顺序启动所有组件
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Start(ctx); err != nil {
			// 启动失败，回滚已启动的组件
			for j := i - 1; j >= 0; j-- {
				_ = m.components[j].Stop()
			}
			return fmt.Errorf("start %s failed: %w", component.Name(), err)
		}
	}
	return nil
}

// StopAll 逆序停止所有组件，汇总全部错误
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for i := len(m.components) - 1; i >= 0; i-- {
		if err := m.components[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", m.components[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// CheckHealth 检查所有组件健康状态
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, component := range m.components {
		if err := component.Health(); err != nil {
			return fmt.Errorf("%s unhealthy: %w", component.Name(), err)
		}
	}
	return nil
}

// httpServerComponent HTTP服务器组件
type httpServerComponent struct {
	name            string
	handler         http.Handler
	addr            string
	shutdownTimeout time.Duration
	headerTimeout   time.Duration
	onShutdown      func()
	logger          *zap.Logger

	mu      sync.Mutex
	server  *http.Server
	ln      net.Listener
	started bool
}

func (h *httpServerComponent) Name() string { return h.name }

// Start 同步监听端口，端口冲突在启动阶段即报错
func (h *httpServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.addr, err)
	}
	srv := &http.Server{
		Handler:           h.handler,
		ReadHeaderTimeout: h.headerTimeout,
	}
	if h.onShutdown != nil {
		srv.RegisterOnShutdown(h.onShutdown)
	}
	h.server = srv
	h.ln = ln

	go func() {
		h.logger.Info("http server listening", zap.String("component", h.name), zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("http server failed", zap.String("component", h.name), zap.Error(err))
		}
	}()

	h.started = true
	return nil
}

func (h *httpServerComponent) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started || h.server == nil {
		return nil
	}

	timeout := h.shutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	h.started = false
	if err := h.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", h.name, err)
	}

	h.logger.Info("http server stopped", zap.String("component", h.name))
	return nil
}

func (h *httpServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return fmt.Errorf("%s not started", h.name)
	}
	return nil
}

// Addr 实际监听地址（":0" 时由系统分配）
func (h *httpServerComponent) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

// reloaderComponent 配置热更新
type reloaderComponent struct {
	reloader *hotreload.HotReloader
}

func (r *reloaderComponent) Name() string                    { return "config_reloader" }
func (r *reloaderComponent) Start(ctx context.Context) error { return r.reloader.Start(ctx) }
func (r *reloaderComponent) Stop() error                     { return r.reloader.Stop() }
func (r *reloaderComponent) Health() error                   { return nil }

// coordinatorComponent 同步协调器；启动时无动作，首个订阅触发首次拉取
type coordinatorComponent struct {
	coord *coordinator.Coordinator
}

func (c *coordinatorComponent) Name() string                { return "coordinator" }
func (c *coordinatorComponent) Start(context.Context) error { return nil }
func (c *coordinatorComponent) Stop() error                 { return c.coord.Close() }

func (c *coordinatorComponent) Health() error {
	if c.coord.Closed() {
		return coordinator.ErrClosed
	}
	return nil
}

package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	appcfg "portfolio-sync/config"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	CooldownTime time.Duration // 冷却时间，避免编辑器连续写入触发多次
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		CooldownTime: 2 * time.Second,
	}
}

// LoadFunc 读取并校验配置文件
type LoadFunc func(path string) (appcfg.AppConfig, error)

// Applier 把新配置应用到运行中的组件
type Applier interface {
	Apply(old, next appcfg.AppConfig) error
}

// ApplierFunc 函数适配器
type ApplierFunc func(old, next appcfg.AppConfig) error

func (f ApplierFunc) Apply(old, next appcfg.AppConfig) error { return f(old, next) }

type namedApplier struct {
	name    string
	applier Applier
}

// HotReloader 配置热更新器
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	watcher    *fsnotify.Watcher
	load       LoadFunc
	appliers   []namedApplier
	current    appcfg.AppConfig
	lastReload time.Time
	reloads    int
	started    bool
	mu         sync.Mutex
	stopOnce   sync.Once
	stopChan   chan struct{}
	doneChan   chan struct{}
	logger     *zap.Logger
	now        func() time.Time
}

// NewHotReloader 创建热更新器，initial 为启动时已加载的配置
func NewHotReloader(configPath string, cfg HotReloadConfig, initial appcfg.AppConfig, load LoadFunc, logger *zap.Logger) (*HotReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if load == nil {
		load = appcfg.LoadWithEnvOverrides
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HotReloader{
		config:     cfg,
		configPath: filepath.Clean(configPath),
		watcher:    watcher,
		load:       load,
		current:    initial,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
		logger:     logger,
		now:        time.Now,
	}, nil
}

// RegisterApplier 注册配置应用器，按注册顺序执行
func (h *HotReloader) RegisterApplier(name string, applier Applier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appliers = append(h.appliers, namedApplier{name: name, applier: applier})
}

// Start 启动热更新监听
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled {
		close(h.doneChan)
		return nil
	}

	// 监听所在目录：编辑器常以 rename 方式替换文件
	if err := h.watcher.Add(filepath.Dir(h.configPath)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
	go h.watch(ctx)
	return nil
}

// Stop 停止热更新
func (h *HotReloader) Stop() error {
	h.stopOnce.Do(func() { close(h.stopChan) })

	h.mu.Lock()
	started := h.started
	h.mu.Unlock()
	if started {
		select {
		case <-h.doneChan:
		case <-time.After(time.Second):
		}
	}
	return h.watcher.Close()
}

// watch 监听文件变化
func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != h.configPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				h.handleConfigChange()
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// handleConfigChange 处理配置变化（带冷却）
func (h *HotReloader) handleConfigChange() {
	h.mu.Lock()
	cooling := !h.lastReload.IsZero() && h.now().Sub(h.lastReload) < h.config.CooldownTime
	h.mu.Unlock()
	if cooling {
		return
	}
	if err := h.Reload(); err != nil {
		h.logger.Error("config reload failed", zap.String("path", h.configPath), zap.Error(err))
	}
}

// Reload 重新读取配置并依次应用；读取或校验失败时保留当前配置
func (h *HotReloader) Reload() error {
	next, err := h.load(h.configPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", h.configPath, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.current
	var errs []error
	for _, na := range h.appliers {
		if err := na.applier.Apply(old, next); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", na.name, err))
		}
	}
	h.current = next
	h.lastReload = h.now()
	h.reloads++
	h.logger.Info("config reloaded", zap.Int("appliers", len(h.appliers)), zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// Current 当前生效的配置
func (h *HotReloader) Current() appcfg.AppConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Reloads 成功加载的次数
func (h *HotReloader) Reloads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reloads
}

// GetLastReloadTime 获取最后重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastReload
}

// PollIntervalApplier 轮询周期变化时下发到协调器
func PollIntervalApplier(target interface{ SetInterval(time.Duration) }) Applier {
	return ApplierFunc(func(old, next appcfg.AppConfig) error {
		if old.Sync.PollInterval != next.Sync.PollInterval {
			target.SetInterval(next.Sync.PollInterval)
		}
		return nil
	})
}

// LogLevelApplier 日志级别变化时即时生效
func LogLevelApplier(target interface{ SetLevel(string) error }) Applier {
	return ApplierFunc(func(old, next appcfg.AppConfig) error {
		if old.Logger.Level == next.Logger.Level {
			return nil
		}
		return target.SetLevel(next.Logger.Level)
	})
}

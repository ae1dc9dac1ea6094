package container

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"portfolio-sync/config"
	"portfolio-sync/coordinator"
	"portfolio-sync/gateway"
	"portfolio-sync/infrastructure/alert"
	"portfolio-sync/infrastructure/logger"
	"portfolio-sync/infrastructure/monitor"
	hotreload "portfolio-sync/internal/config"
	"portfolio-sync/internal/viewhub"
	"portfolio-sync/selection"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 远端网关
	restClient *gateway.PortfolioRESTClient

	// 核心服务
	coord    *coordinator.Coordinator
	hub      *viewhub.Hub
	reloader *hotreload.HotReloader

	server    *httpServerComponent
	lifecycle *LifecycleManager
}

// New 读取配置并创建Container
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewFromConfig(cfg)
	c.configPath = configPath
	return c, nil
}

// NewFromConfig 使用已加载的配置创建Container（不启用热更新）
func NewFromConfig(cfg config.AppConfig) *Container {
	return &Container{
		cfg:       &cfg,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	c.restClient = NewRESTClient(c.cfg.Remote, c.monitor)

	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	if err := c.buildReloader(); err != nil {
		return fmt.Errorf("build reloader failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built",
		zap.String("env", c.cfg.Env),
		zap.Duration("poll_interval", c.cfg.Sync.PollInterval),
		zap.Strings("alert_channels", c.alerts.Channels()))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Logger)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.monitor = monitor.New(c.cfg.Monitor)
	c.alerts = alert.NewManager(
		[]alert.Channel{alert.NewLogChannel("log", c.logger.Named("notice"))},
		c.cfg.Alert.ThrottleInterval,
	)
	return nil
}

// NewRESTClient 按配置构造远端客户端；obs 可为 nil
func NewRESTClient(cfg config.RemoteConfig, obs gateway.RequestObserver) *gateway.PortfolioRESTClient {
	return &gateway.PortfolioRESTClient{
		BaseURL:       cfg.BaseURL,
		SessionCookie: cfg.SessionCookie,
		HTTPClient:    gateway.NewDefaultHTTPClient(cfg.Timeout),
		Limiter:       gateway.NewTokenBucketLimiter(cfg.Rate, cfg.Burst),
		Observer:      obs,
	}
}

func (c *Container) buildCoreServices() error {
	var err error
	c.coord, err = coordinator.New(coordinator.Options{
		Fetcher:  c.restClient,
		Initial:  selection.Selection{PortfolioID: c.cfg.Sync.InitialPortfolio},
		Interval: c.cfg.Sync.PollInterval,
		Notifier: &noticeRouter{alerts: c.alerts, monitor: c.monitor, logger: c.logger},
		Recorder: c.monitor,
		Logger:   c.logger.Logger,
	})
	if err != nil {
		return err
	}

	c.hub = viewhub.New(c.coord, c.monitor, c.logger.Logger)
	c.hub.SetDirectory(c.restClient)
	c.hub.SetEventLogger(c.logger)
	c.alerts.AddChannel(c.hub)
	return nil
}

func (c *Container) buildReloader() error {
	if c.configPath == "" || !c.cfg.Reload.Enabled {
		return nil
	}
	var err error
	c.reloader, err = hotreload.NewHotReloader(c.configPath, hotreload.HotReloadConfig{
		Enabled:      true,
		CooldownTime: c.cfg.Reload.Cooldown,
	}, *c.cfg, config.LoadWithEnvOverrides, c.logger.Logger)
	if err != nil {
		return err
	}
	c.reloader.RegisterApplier("poll_interval", hotreload.PollIntervalApplier(c.coord))
	c.reloader.RegisterApplier("log_level", hotreload.LogLevelApplier(c.logger))
	return nil
}

// Handler 完整路由：视图 hub 与 /metrics
func (c *Container) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.monitor.Handler())
	mux.Handle("/", c.hub.Handler())
	return mux
}

func (c *Container) registerLifecycleComponents() {
	// 逆序停止：先断开视图，再停热更新，最后关闭协调器
	c.lifecycle.Register(&coordinatorComponent{coord: c.coord})
	if c.reloader != nil {
		c.lifecycle.Register(&reloaderComponent{reloader: c.reloader})
	}
	c.server = &httpServerComponent{
		name:            "http_server",
		handler:         c.Handler(),
		addr:            c.cfg.Server.Addr,
		shutdownTimeout: c.cfg.Server.ShutdownTimeout,
		headerTimeout:   c.cfg.Server.ReadHeaderTimeout,
		onShutdown:      c.hub.Close,
		logger:          c.logger.Logger,
	}
	c.lifecycle.Register(c.server)
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started", zap.String("addr", c.server.Addr()))
	return nil
}

func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	c.hub.Close()
	c.hub.Wait()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}

	c.logger.Info("container stopped")
	_ = c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Addr 服务实际监听地址
func (c *Container) Addr() string { return c.server.Addr() }

func (c *Container) Coordinator() *coordinator.Coordinator { return c.coord }

func (c *Container) Hub() *viewhub.Hub { return c.hub }

// noticeRouter 把协调器提示转成 alert 并计数
type noticeRouter struct {
	alerts  *alert.Manager
	monitor *monitor.Monitor
	logger  *logger.Logger
}

func (r *noticeRouter) Notify(n coordinator.Notice) {
	fields := map[string]interface{}{
		"trigger":  n.Trigger,
		"failures": n.Failures,
	}
	if n.Err != nil {
		fields["error"] = n.Err.Error()
	}
	a := alert.Alert{Level: n.Level, Message: n.Message, Timestamp: n.At, Fields: fields}
	// 后台轮询失败按级别限流，前台操作的失败每次都提示
	if n.Trigger == coordinator.TriggerTick {
		a.Key = n.Trigger + ":" + n.Level
	}
	r.monitor.RecordNotice(n.Level)
	if err := r.alerts.Send(a); err != nil {
		r.logger.LogError(err, map[string]interface{}{"action": "notify", "trigger": n.Trigger})
	}
}

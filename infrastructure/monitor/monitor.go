package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器。
// 同时实现 coordinator.Recorder 与 gateway.RequestObserver。
type Monitor struct {
	registry *prometheus.Registry

	// 同步周期指标
	cycles       *prometheus.CounterVec
	cycleLatency *prometheus.HistogramVec
	lastSync     prometheus.Gauge
	failures     prometheus.Gauge

	// 订阅/定时器指标
	subscribers prometheus.Gauge
	timerActive prometheus.Gauge

	// 视图连接指标
	viewsConnected prometheus.Gauge
	viewCommands   *prometheus.CounterVec
	notices        *prometheus.CounterVec

	// REST指标
	restRequests *prometheus.CounterVec
	restErrors   *prometheus.CounterVec
	restLatency  *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string `yaml:"namespace" default:"psync"`
	Subsystem string `yaml:"subsystem" default:"sync"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "psync",
		Subsystem: "sync",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Monitor{
		registry: reg,

		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "cycles_total",
			Help:      "拉取周期总数（按触发来源/结果）",
		}, []string{"trigger", "result"}),
		cycleLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "cycle_duration_seconds",
			Help:      "拉取周期耗时（秒）",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"trigger"}),
		lastSync: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "last_sync_timestamp_seconds",
			Help:      "最近一次成功提交快照的时间",
		}),
		failures: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "consecutive_failures",
			Help:      "连续失败的拉取周期数",
		}),

		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "subscribers",
			Help:      "当前实时订阅数",
		}),
		timerActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "timer_active",
			Help:      "轮询定时器是否存在(0/1)",
		}),

		viewsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "views_connected",
			Help:      "已连接的视图数",
		}),
		viewCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "view_commands_total",
			Help:      "视图命令总数",
		}, []string{"op", "result"}),
		notices: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "notices_total",
			Help:      "推送给用户的提示总数",
		}, []string{"level"}),

		restRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rest_requests_total",
			Help:      "REST请求总数",
		}, []string{"endpoint"}),
		restErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rest_errors_total",
			Help:      "REST错误总数",
		}, []string{"endpoint"}),
		restLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rest_latency_seconds",
			Help:      "REST请求延迟（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}

// 同步周期相关方法
func (m *Monitor) RecordCycle(trigger, result string, elapsed time.Duration) {
	m.cycles.WithLabelValues(trigger, result).Inc()
	if elapsed > 0 {
		m.cycleLatency.WithLabelValues(trigger).Observe(elapsed.Seconds())
	}
}

func (m *Monitor) SetLastSync(t time.Time) {
	m.lastSync.Set(float64(t.Unix()))
}

func (m *Monitor) SetConsecutiveFailures(n int) {
	m.failures.Set(float64(n))
}

func (m *Monitor) SetSubscribers(n int) {
	m.subscribers.Set(float64(n))
}

func (m *Monitor) SetTimerActive(active bool) {
	if active {
		m.timerActive.Set(1)
	} else {
		m.timerActive.Set(0)
	}
}

// 视图相关方法
func (m *Monitor) SetViewsConnected(n int) {
	m.viewsConnected.Set(float64(n))
}

func (m *Monitor) RecordViewCommand(op string, err error) {
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	m.viewCommands.WithLabelValues(op, result).Inc()
}

func (m *Monitor) RecordNotice(level string) {
	m.notices.WithLabelValues(level).Inc()
}

// ObserveRequest REST请求结束回调
func (m *Monitor) ObserveRequest(endpoint string, elapsed time.Duration, err error) {
	m.restRequests.WithLabelValues(endpoint).Inc()
	m.restLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
	if err != nil {
		m.restErrors.WithLabelValues(endpoint).Inc()
	}
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

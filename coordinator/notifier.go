package coordinator

import "time"

// 通知级别
const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// Notice 面向用户的瞬时提示（拉取失败等）。
type Notice struct {
	Level    string
	Message  string
	Trigger  string
	Err      error
	Failures int
	At       time.Time
}

// Notifier 接收提示；实现不得回调 Coordinator。
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc 函数适配器
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(Notice) {}

// Recorder 指标采集接口，由 infrastructure/monitor 实现。
type Recorder interface {
	RecordCycle(trigger, result string, elapsed time.Duration)
	SetSubscribers(n int)
	SetTimerActive(active bool)
	SetLastSync(t time.Time)
	SetConsecutiveFailures(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordCycle(string, string, time.Duration) {}
func (nopRecorder) SetSubscribers(int)                        {}
func (nopRecorder) SetTimerActive(bool)                       {}
func (nopRecorder) SetLastSync(time.Time)                     {}
func (nopRecorder) SetConsecutiveFailures(int)                {}

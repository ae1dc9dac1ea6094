package coordinator

import "time"

// Clock 抽象时间与定时器，便于测试。
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker 对 time.Ticker 的最小抽象。
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// SystemClock 默认使用系统时间。
var SystemClock Clock = realClock{}

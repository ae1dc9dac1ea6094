package coordinator

import "errors"

var (
	// ErrLiveWhileHistorical 设置了历史日期时请求实时模式；调用方需先清除日期。
	ErrLiveWhileHistorical = errors.New("live mode unavailable while an as-of date is set")
	ErrDateRequired        = errors.New("historical mode requires a date")
	ErrUnknownMode         = errors.New("unknown sync mode")
	ErrClosed              = errors.New("coordinator closed")
)

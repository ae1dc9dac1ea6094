package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized = errors.New("session expired or not authenticated")
	ErrNoPortfolio  = errors.New("portfolio id required")
	ErrClientNotSet = errors.New("http client not set")
)

// StatusError 非 2xx 响应。
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s status %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("%s status %d: %s", e.Endpoint, e.Code, e.Body)
}

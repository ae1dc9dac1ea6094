package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// 端点名，用于指标与日志标签。
const (
	EndpointPositions  = "positions"
	EndpointStats      = "stats"
	EndpointPortfolios = "portfolios"
)

// RequestObserver 每次请求结束后回调（指标采集）。
type RequestObserver interface {
	ObserveRequest(endpoint string, elapsed time.Duration, err error)
}

// PortfolioRESTClient 远端组合服务的只读客户端，凭会话 cookie 认证。
// HTTPClient 可注入 httptest。
type PortfolioRESTClient struct {
	BaseURL       string
	SessionCookie string // 原样放入 Cookie 头，例如 "session_id=..."
	HTTPClient    *http.Client
	Limiter       RateLimiter
	Observer      RequestObserver
}

// Positions 调用 GET /portfolios/{id}/positions。
func (c *PortfolioRESTClient) Positions(ctx context.Context, portfolioID string, q PositionsQuery) ([]Position, error) {
	if portfolioID == "" {
		return nil, ErrNoPortfolio
	}
	params := url.Values{}
	online := q.Online
	if q.TargetDate != nil {
		online = false
		params.Set("target_date", q.TargetDate.String())
	}
	params.Set("online", strconv.FormatBool(online))

	var out []Position
	path := "/portfolios/" + url.PathEscape(portfolioID) + "/positions"
	if err := c.get(ctx, EndpointPositions, path, params, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Position{}
	}
	return out, nil
}

// DashboardStats 调用 GET /dashboard/{id}/stats。
func (c *PortfolioRESTClient) DashboardStats(ctx context.Context, portfolioID string, q StatsQuery) (DashboardStats, error) {
	var out DashboardStats
	if portfolioID == "" {
		return out, ErrNoPortfolio
	}
	params := url.Values{}
	params.Set("online", strconv.FormatBool(q.Online))
	if q.Year > 0 {
		params.Set("year", strconv.Itoa(q.Year))
	}
	path := "/dashboard/" + url.PathEscape(portfolioID) + "/stats"
	if err := c.get(ctx, EndpointStats, path, params, &out); err != nil {
		return DashboardStats{}, err
	}
	return out, nil
}

// Portfolios 列出当前用户可见的组合。
func (c *PortfolioRESTClient) Portfolios(ctx context.Context) ([]Portfolio, error) {
	var out []Portfolio
	if err := c.get(ctx, EndpointPortfolios, "/portfolios", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PortfolioRESTClient) get(ctx context.Context, endpoint, path string, params url.Values, dest interface{}) (err error) {
	if c == nil || c.HTTPClient == nil {
		return ErrClientNotSet
	}
	start := time.Now()
	defer func() {
		if c.Observer != nil {
			c.Observer.ObserveRequest(endpoint, time.Since(start), err)
		}
	}()

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s rate limit: %w", endpoint, err)
		}
	}

	u := strings.TrimRight(c.BaseURL, "/") + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%s new request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.SessionCookie != "" {
		req.Header.Set("Cookie", c.SessionCookie)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", endpoint, ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s decode: %w", endpoint, err)
	}
	return nil
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

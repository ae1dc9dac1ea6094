package gateway

import (
	"time"

	"github.com/shopspring/decimal"

	"portfolio-sync/date"
)

// Portfolio 远端组合元数据（GET /portfolios）。
type Portfolio struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Position 服务端已计算好的持仓行，本层只展示不计算。
type Position struct {
	Symbol            string          `json:"symbol"`
	Name              string          `json:"name"`
	Quantity          decimal.Decimal `json:"quantity"`
	AvgPrice          decimal.Decimal `json:"avg_price"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	CostBasis         decimal.Decimal `json:"cost_basis"`
	CurrentValue      decimal.Decimal `json:"current_value"`
	ProfitLoss        decimal.Decimal `json:"profit_loss"`
	ProfitLossPercent decimal.Decimal `json:"profit_loss_percent"`
}

type PerformancePoint struct {
	Date     date.Date       `json:"date"`
	Value    decimal.Decimal `json:"value"`
	Invested decimal.Decimal `json:"invested"`
}

type MonthlyValue struct {
	Month string          `json:"month"` // YYYY-MM
	Value decimal.Decimal `json:"value"`
}

type AssetAllocation struct {
	Symbol     string          `json:"symbol"`
	Name       string          `json:"name"`
	Value      decimal.Decimal `json:"value"`
	Percentage decimal.Decimal `json:"percentage"`
	Type       string          `json:"type"`
}

// DashboardStats 组合汇总统计（GET /dashboard/{id}/stats）。
type DashboardStats struct {
	PerformanceHistory []PerformancePoint `json:"performance_history"`
	MonthlyValues      []MonthlyValue     `json:"monthly_values"`
	AssetAllocation    []AssetAllocation  `json:"asset_allocation"`
	TotalValue         decimal.Decimal    `json:"total_value"`
	TotalInvested      decimal.Decimal    `json:"total_invested"`
	TotalPL            decimal.Decimal    `json:"total_pl"`
	TotalPLPercentage  decimal.Decimal    `json:"total_pl_percentage"`
}

// PositionsQuery 持仓查询参数；TargetDate 非空时 Online 强制为 false。
type PositionsQuery struct {
	Online     bool
	TargetDate *date.Date
}

// StatsQuery 统计查询参数；Year 为 0 时由服务端取当年。
type StatsQuery struct {
	Online bool
	Year   int
}

package snapshot

import (
	"time"

	"portfolio-sync/date"
	"portfolio-sync/gateway"
	"portfolio-sync/selection"
)

// Snapshot 一次完整拉取周期的结果（持仓 + 统计），构建后不可修改。
type Snapshot struct {
	PortfolioID string
	Positions   []gateway.Position
	Stats       gateway.DashboardStats
	FetchedAt   time.Time
	Mode        selection.Mode
	AsOf        *date.Date
	Online      bool
}

// New 复制传入的切片，调用方之后修改原切片不会影响快照。
func New(sel selection.Selection, positions []gateway.Position, stats gateway.DashboardStats, online bool, fetchedAt time.Time) *Snapshot {
	ps := make([]gateway.Position, len(positions))
	copy(ps, positions)
	var asOf *date.Date
	if sel.AsOf != nil {
		asOf = sel.AsOf.Ptr()
	}
	return &Snapshot{
		PortfolioID: sel.PortfolioID,
		Positions:   ps,
		Stats:       stats,
		FetchedAt:   fetchedAt,
		Mode:        sel.Mode(),
		AsOf:        asOf,
		Online:      online && asOf == nil,
	}
}

// View 提供给 UI 渲染的只读视图。
type View struct {
	PortfolioID string                 `json:"portfolio_id,omitempty"`
	Positions   []gateway.Position     `json:"positions"`
	Stats       gateway.DashboardStats `json:"stats"`
	LastSync    *time.Time             `json:"last_sync,omitempty"`
	IsRealTime  bool                   `json:"is_real_time"`
	AsOf        *date.Date             `json:"as_of,omitempty"`
	Failures    int                    `json:"consecutive_failures"`
}

// ViewOf nil 快照返回空视图（尚未成功拉取过）。
func ViewOf(s *Snapshot, failures int) View {
	if s == nil {
		return View{Positions: []gateway.Position{}, Failures: failures}
	}
	ts := s.FetchedAt
	return View{
		PortfolioID: s.PortfolioID,
		Positions:   s.Positions,
		Stats:       s.Stats,
		LastSync:    &ts,
		IsRealTime:  s.Online,
		AsOf:        s.AsOf,
		Failures:    failures,
	}
}

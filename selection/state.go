package selection

import (
	"sync"

	"portfolio-sync/date"
)

// Mode 同步模式，由是否设置 as-of 日期推导，不能单独设置。
type Mode int

const (
	Live Mode = iota
	Historical
)

func (m Mode) String() string {
	switch m {
	case Live:
		return "live"
	case Historical:
		return "historical"
	default:
		return "unknown"
	}
}

// Selection 当前选中的组合与可选的历史日期（nil 表示“现在”）。
type Selection struct {
	PortfolioID string
	AsOf        *date.Date
}

// Mode 设置了日期即为 Historical。
func (s Selection) Mode() Mode {
	if s.AsOf != nil {
		return Historical
	}
	return Live
}

// HasPortfolio 组合加载前为空。
func (s Selection) HasPortfolio() bool { return s.PortfolioID != "" }

// State 持有 Selection，仅通过 Select/SetDate/ClearDate 修改。
type State struct {
	mu  sync.RWMutex
	cur Selection
}

func NewState(initial Selection) *State {
	st := &State{}
	st.cur = clone(initial)
	return st
}

// Current 返回值拷贝，调用方修改不影响内部状态。
func (s *State) Current() Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.cur)
}

// Select 切换组合并清除历史日期。返回切换前的选择。
func (s *State) Select(portfolioID string) Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := clone(s.cur)
	s.cur = Selection{PortfolioID: portfolioID}
	return prev
}

// SetDate 固定到历史日期。
func (s *State) SetDate(d date.Date) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.AsOf = d.Ptr()
}

// ClearDate 清除历史日期，返回是否发生了变化。
func (s *State) ClearDate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.cur.AsOf != nil
	s.cur.AsOf = nil
	return changed
}

// Mode 当前推导出的同步模式
func (s *State) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.Mode()
}

func clone(s Selection) Selection {
	if s.AsOf != nil {
		s.AsOf = s.AsOf.Ptr()
	}
	return s
}

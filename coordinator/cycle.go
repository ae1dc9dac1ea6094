package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"portfolio-sync/gateway"
	"portfolio-sync/snapshot"
)

// 周期结果标签
const (
	ResultCommitted = "committed"
	ResultFailed    = "failed"
	ResultStale     = "stale"
	ResultSkipped   = "skipped"
)

// execute 并发拉取持仓与统计，两者都成功且序号仍为最新时才整体提交。
// 任一失败：保留旧快照，通知用户，定时器不受影响。
func (c *Coordinator) execute(ctx context.Context, cy cycle) error {
	log := c.logger.With(
		zap.String("trigger", cy.trigger),
		zap.String("portfolio", cy.sel.PortfolioID),
		zap.Uint64("ticket", uint64(cy.ticket)),
	)
	if !cy.sel.HasPortfolio() {
		c.recorder.RecordCycle(cy.trigger, ResultSkipped, 0)
		log.Debug("no portfolio selected, cycle skipped")
		return nil
	}

	start := c.clock.Now()
	pq := gateway.PositionsQuery{Online: cy.online, TargetDate: cy.sel.AsOf}
	sq := gateway.StatsQuery{Online: cy.online}
	if cy.sel.AsOf != nil {
		sq.Year = cy.sel.AsOf.Year()
	}

	var (
		positions []gateway.Position
		stats     gateway.DashboardStats
		g         errgroup.Group
	)
	g.Go(func() error {
		var err error
		positions, err = c.fetcher.Positions(ctx, cy.sel.PortfolioID, pq)
		return err
	})
	g.Go(func() error {
		var err error
		stats, err = c.fetcher.DashboardStats(ctx, cy.sel.PortfolioID, sq)
		return err
	})
	err := g.Wait()

	c.mu.Lock()
	now := c.clock.Now()
	elapsed := now.Sub(start)
	if c.closed || !c.seq.IsCurrent(cy.ticket) {
		c.mu.Unlock()
		c.recorder.RecordCycle(cy.trigger, ResultStale, elapsed)
		log.Debug("stale response discarded")
		return nil
	}
	if err != nil {
		failures := c.cache.RecordFailure()
		c.mu.Unlock()
		c.recorder.RecordCycle(cy.trigger, ResultFailed, elapsed)
		c.recorder.SetConsecutiveFailures(failures)
		log.Warn("sync cycle failed", zap.Error(err), zap.Int("consecutive_failures", failures))
		// 后台轮询只在连续失败的第一次提示，避免每个周期刷屏
		if cy.trigger != TriggerTick || failures == 1 {
			c.notifier.Notify(Notice{
				Level:    LevelWarning,
				Message:  failureMessage(cy.trigger),
				Trigger:  cy.trigger,
				Err:      err,
				Failures: failures,
				At:       now,
			})
		}
		return fmt.Errorf("sync %s: %w", cy.trigger, err)
	}
	recovered := c.cache.Failures()
	c.cache.Commit(snapshot.New(cy.sel, positions, stats, cy.online, now))
	c.mu.Unlock()

	c.recorder.RecordCycle(cy.trigger, ResultCommitted, elapsed)
	c.recorder.SetLastSync(now)
	c.recorder.SetConsecutiveFailures(0)
	if recovered > 0 {
		log.Info("sync recovered", zap.Int("after_failures", recovered))
	}
	log.Debug("snapshot committed", zap.Int("positions", len(positions)), zap.Bool("online", cy.online))
	return nil
}

func failureMessage(trigger string) string {
	if trigger == TriggerTick {
		return "Live refresh failed; showing last known data"
	}
	return "Could not load portfolio positions; showing last known data"
}

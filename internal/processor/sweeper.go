package processor

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

const DefaultSweepSchedule = "@every 30s"

// Sweep returns memos whose claim expired to pending, failing those that
// have no attempts left.
func (p *Processor) Sweep(ctx context.Context) (requeued, failed int64, err error) {
	requeued, failed, err = p.store.RequeueStale(ctx, p.cfg.MaxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("requeueing stale memos: %w", err)
	}
	if requeued > 0 || failed > 0 {
		p.logger.Info("swept stale claims", "requeued", requeued, "failed", failed)
	}
	return requeued, failed, nil
}

// StartSweeper runs Sweep on the configured cron schedule until ctx is
// cancelled. It returns an error only for an invalid schedule.
func (p *Processor) StartSweeper(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(p.cfg.SweepSchedule, func() {
		if _, _, err := p.Sweep(ctx); err != nil {
			p.logger.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", p.cfg.SweepSchedule, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

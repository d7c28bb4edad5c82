package jobs

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"marketpulse/pkg/models"
	"marketpulse/pkg/storage"
)

// HandleCleanup is the hourly janitor: retention pruning, cache expiry
// and stuck-job recovery. The scheduler's reaper does the same work
// every minute; the job exists so the queue still heals in deployments
// running without a scheduler.
func (p *Pipeline) HandleCleanup(ctx context.Context, job *models.Job) error {
	pruned, err := p.queue.PruneTerminal(ctx, p.retention)
	if err != nil {
		return fmt.Errorf("prune terminal jobs: %w", err)
	}

	expired, err := p.cache.Cleanup(ctx)
	if err != nil {
		return fmt.Errorf("expire cache entries: %w", err)
	}

	live, err := p.workers.LiveWorkers(ctx, storage.WorkerLivenessWindow)
	if err != nil {
		return fmt.Errorf("list live workers: %w", err)
	}
	recovered, err := p.queue.RecoverStuck(ctx, 2*p.defaultTimeout, live)
	if err != nil {
		return fmt.Errorf("recover stuck jobs: %w", err)
	}

	p.log.Info("cleanup pass finished",
		zap.Int64("jobs_pruned", pruned),
		zap.Int64("cache_expired", expired),
		zap.Int64("stuck_recovered", recovered))
	return nil
}

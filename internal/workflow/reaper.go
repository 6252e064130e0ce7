package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/agentainer/flowplan/internal/logging"
	"github.com/robfig/cron/v3"
)

// DefaultReaperSchedule runs the reaper once a minute
const DefaultReaperSchedule = "@every 1m"

// Reaper periodically removes execution contexts whose runs were abandoned
// without a CleanupContext call.
type Reaper struct {
	cron        *cron.Cron
	coordinator *Coordinator
	schedule    string
	maxIdle     time.Duration
}

// NewReaper creates a new reaper
func NewReaper(coordinator *Coordinator, schedule string, maxIdle time.Duration) *Reaper {
	if schedule == "" {
		schedule = DefaultReaperSchedule
	}
	return &Reaper{
		cron:        cron.New(),
		coordinator: coordinator,
		schedule:    schedule,
		maxIdle:     maxIdle,
	}
}

// Start schedules the reaper
func (r *Reaper) Start() error {
	if r.maxIdle <= 0 {
		return fmt.Errorf("reaper requires a positive idle limit")
	}
	if _, err := r.cron.AddFunc(r.schedule, func() { r.Reap(context.Background()) }); err != nil {
		return fmt.Errorf("invalid reaper schedule: %w", err)
	}
	r.cron.Start()
	logging.Info("reaper", "Reaper started", map[string]interface{}{
		"schedule": r.schedule,
		"max_idle": r.maxIdle.String(),
	})
	return nil
}

// Stop waits for a running reap to finish
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Reap cleans up idle contexts once and returns their ids
func (r *Reaper) Reap(ctx context.Context) []string {
	reaped := r.coordinator.ReapIdle(ctx, r.maxIdle)
	pruned := r.coordinator.Metrics().PruneFinished(r.maxIdle)
	if len(reaped) > 0 || pruned > 0 {
		logging.Info("reaper", "Reaped idle execution contexts", map[string]interface{}{
			"execution_ids":  reaped,
			"metrics_pruned": pruned,
		})
	}
	return reaped
}

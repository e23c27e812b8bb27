package scheduler

import (
	"context"
)

// MaintenanceJob is a periodic housekeeping task the scheduler owns
// alongside the per-task trigger wheel (spec.md §4.7: "workspace cleanup,
// monitoring-stream consolidation, and the adaptive-heartbeat tick").
// The adaptive-heartbeat tick itself is intentionally not driven from
// here: pkg/registry already runs its own probe ticker (C2), so wiring a
// second one through the scheduler would double-probe nodes.
type MaintenanceJob func(ctx context.Context) error

// RegisterMaintenanceJob installs job on cronSpec, logging (but not
// propagating) any error it returns so one bad run doesn't unregister the
// job from the wheel.
func (s *Scheduler) RegisterMaintenanceJob(name, cronSpec string, job MaintenanceJob) error {
	_, err := s.cron.AddFunc(cronSpec, func() {
		ctx := s.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		if err := job(ctx); err != nil {
			s.logger.Error().Str("job", name).Err(err).Msg("maintenance job failed")
		}
	})
	return err
}

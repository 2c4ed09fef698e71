package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/scheduler"
)

// RegisterJobs wires the recurring control-plane work onto the cron
// scheduler. The liveness sweeper and the notification dispatcher run their
// own tickers and are started from main.
func RegisterJobs(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Scheduler = scheduler.New(log)

	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{"@every 1m", scheduler.JobFunc{JobName: "recovery_retry", Fn: func() error {
			c.Recovery.CheckAndRetryWaiting(context.Background(), time.Now())
			return nil
		}}},
		{"@every 1m", scheduler.JobFunc{JobName: "topup_schedule", Fn: func() error {
			c.Topup.RunSchedulePass(context.Background(), time.Now())
			return nil
		}}},
		{"@every 30s", scheduler.JobFunc{JobName: "usage_aggregate", Fn: func() error {
			return c.Aggregator.Aggregate(time.Now())
		}}},
		{"@every 15s", scheduler.JobFunc{JobName: "metrics_refresh", Fn: func() error {
			c.Metrics.Refresh()
			return nil
		}}},
		{"0 0 3 * * *", scheduler.JobFunc{JobName: "snapshot_upload", Fn: func() error {
			if _, err := c.Snapshots.CreateAndUpload(context.Background()); err != nil {
				return err
			}
			_, err := c.Snapshots.RotateOldSnapshots(context.Background(), cfg.SnapshotRetention)
			return err
		}}},
	}

	for _, entry := range jobs {
		if err := c.Scheduler.AddJob(entry.schedule, entry.job); err != nil {
			return fmt.Errorf("failed to register job %s: %w", entry.job.Name(), err)
		}
	}
	return nil
}

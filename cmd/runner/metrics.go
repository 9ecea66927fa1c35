package main

import (
	"context"
	"time"

	"github.com/regentci/regent/internal/metrics"
	"github.com/regentci/regent/internal/scheduler"
	"github.com/regentci/regent/internal/writequeue"
)

func startGaugeCollector(ctx context.Context, sched *scheduler.Scheduler, writes *writequeue.Queue) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.UpdateSchedulerDepth(sched.Len())
			metrics.UpdateWritesPending(writes.PendingCount())
		}
	}
}

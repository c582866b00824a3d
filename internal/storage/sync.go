package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// ErrSyncRunning is returned when the periodic sync is started twice.
var ErrSyncRunning = errors.New("periodic sync already running")

type syncJob struct {
	cron   gocron.Scheduler
	cancel context.CancelFunc
}

// StartSync synchronises the registry now and then every interval until
// StopSync is called.
func (r *Registry) StartSync(interval time.Duration) error {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()

	if r.job != nil {
		return ErrSyncRunning
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating gocron scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	_, err = cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := r.Sync(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("service sync failed", zap.Error(err))
			}
		}),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		_ = cron.Shutdown()
		return fmt.Errorf("scheduling service sync: %w", err)
	}

	cron.Start()
	r.job = &syncJob{cron: cron, cancel: cancel}
	r.logger.Info("service sync scheduled", zap.Duration("interval", interval))
	return nil
}

// StopSync stops the periodic sync. It is a no-op when the sync is not running.
func (r *Registry) StopSync() error {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()

	if r.job == nil {
		return nil
	}
	r.job.cancel()
	err := r.job.cron.Shutdown()
	r.job = nil
	return err
}

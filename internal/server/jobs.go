package server

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/config"
)

const jobTimeout = 10 * time.Minute

type periodicJob struct {
	name     string
	schedule string
	run      func(ctx context.Context) (int, error)
}

func (a *App) periodicJobs() []periodicJob {
	jobs := []periodicJob{{name: "archive_transfer", schedule: a.cfg.Archive.TransferSchedule, run: a.Transfer}}
	if a.vnc != nil {
		jobs = append(jobs, periodicJob{name: "vnc_expiry", schedule: a.cfg.VNC.ExpirySchedule, run: a.ExpireSessions})
		if a.cfg.VNC.CleanupPolicy == config.CleanupSweep {
			jobs = append(jobs, periodicJob{name: "vnc_sweep", schedule: a.cfg.VNC.SweepSchedule, run: a.Sweep})
		}
	}
	return jobs
}

// startCron registers the periodic jobs. Overlapping runs of one job are
// skipped.
func (a *App) startCron() error {
	logger := a.logger.Named("cron")
	clog := cronLogger{logger.Sugar()}
	c := cron.New(cron.WithLogger(clog), cron.WithChain(cron.SkipIfStillRunning(clog), cron.Recover(clog)))
	for _, job := range a.periodicJobs() {
		if job.schedule == "" {
			logger.Info("periodic job disabled", zap.String("job", job.name))
			continue
		}
		if _, err := c.AddFunc(job.schedule, a.runJob(logger, job)); err != nil {
			return fmt.Errorf("schedule %s %q: %w", job.name, job.schedule, err)
		}
		logger.Info("periodic job scheduled", zap.String("job", job.name), zap.String("schedule", job.schedule))
	}
	c.Start()
	a.cron = c
	return nil
}

func (a *App) runJob(logger *zap.Logger, job periodicJob) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		start := time.Now()
		n, err := job.run(ctx)
		if err != nil {
			logger.Error("periodic job failed", zap.String("job", job.name), zap.Error(err))
			return
		}
		logger.Debug("periodic job finished",
			zap.String("job", job.name),
			zap.Int("affected", n),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweeper is the part of the queue engine the scheduler drives.
type Sweeper interface {
	SweepHoldings(ctx context.Context) (int, error)
	SweepSessions(ctx context.Context) (int, error)
}

type Options struct {
	HoldingSchedule string
	SessionSchedule string
	Timeout         time.Duration
}

// Scheduler runs the holding and session sweeps on cron schedules. A sweep
// still running when its next tick fires is skipped for that tick.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	logger  *logrus.Logger
	timeout time.Duration
}

func New(sweeper Sweeper, logger *logrus.Logger, options Options) (*Scheduler, error) {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	s := &Scheduler{cron: c, sweeper: sweeper, logger: logger, timeout: timeout}

	if options.HoldingSchedule != "" {
		if _, err := c.AddFunc(options.HoldingSchedule, s.job("holdings", sweeper.SweepHoldings)); err != nil {
			return nil, errors.Wrapf(err, "scheduler : invalid holding schedule %q", options.HoldingSchedule)
		}
	}
	if options.SessionSchedule != "" {
		if _, err := c.AddFunc(options.SessionSchedule, s.job("sessions", sweeper.SweepSessions)); err != nil {
			return nil, errors.Wrapf(err, "scheduler : invalid session schedule %q", options.SessionSchedule)
		}
	}
	return s, nil
}

func (s *Scheduler) job(name string, sweep func(context.Context) (int, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		count, err := sweep(ctx)
		if err != nil {
			s.logger.WithError(err).WithField("sweep", name).Error("sweep failed")
			return
		}
		if count > 0 {
			s.logger.WithFields(logrus.Fields{"sweep": name, "count": count}).Debug("sweep done")
		}
	}
}

func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for running sweeps to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce runs both sweeps immediately.
func RunOnce(ctx context.Context, sweeper Sweeper) (int, int, error) {
	holdings, err := sweeper.SweepHoldings(ctx)
	if err != nil {
		return 0, 0, err
	}
	sessions, err := sweeper.SweepSessions(ctx)
	if err != nil {
		return holdings, 0, err
	}
	return holdings, sessions, nil
}

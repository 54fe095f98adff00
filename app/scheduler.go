package app

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler drives the recurring work: fixed-delay sweeps for crawl
// and scrape fan-out, and wall-clock cron jobs for cleanup and digest
// dispatch. Fixed delay is measured from the end of a sweep, so a slow
// sweep can never overlap its successor.
type Scheduler struct {
	log  *zap.Logger
	cron *cron.Cron
	wg   sync.WaitGroup
}

func NewScheduler(log *zap.Logger) *Scheduler {
	return &Scheduler{
		log:  log,
		cron: cron.New(cron.WithLogger(cron.DiscardLogger)),
	}
}

// RunEvery starts a goroutine running sweep after initialDelay and then
// again interval after each completion, until ctx ends. Panics and
// errors are logged; the loop keeps going.
func (s *Scheduler) RunEvery(ctx context.Context, name string, initialDelay, interval time.Duration, sweep func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(initialDelay)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			s.runSweep(ctx, name, sweep)
			timer.Reset(interval)
		}
	}()
	s.log.Info("sweep scheduled",
		zap.String("sweep", name),
		zap.Duration("initial_delay", initialDelay),
		zap.Duration("interval", interval))
}

func (s *Scheduler) runSweep(ctx context.Context, name string, sweep func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sweep panicked", zap.String("sweep", name), zap.Any("panic", r))
		}
	}()
	start := time.Now()
	if err := sweep(ctx); err != nil {
		s.log.Error("sweep failed", zap.String("sweep", name), zap.Error(err))
		return
	}
	s.log.Debug("sweep finished", zap.String("sweep", name), zap.Duration("took", time.Since(start)))
}

// AddCron registers job under a standard 5-field cron expression.
func (s *Scheduler) AddCron(spec, name string, job func(context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("cron job panicked", zap.String("job", name), zap.Any("panic", r))
			}
		}()
		job(context.Background())
	})
	if err != nil {
		return err
	}
	s.log.Info("cron job scheduled", zap.String("job", name), zap.String("spec", spec))
	return nil
}

// Start begins cron dispatch. Sweeps start when RunEvery is called.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts cron dispatch and waits for sweep goroutines to exit.
// Callers cancel the sweeps' ctx before calling Stop.
func (s *Scheduler) Stop() {
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	s.wg.Wait()
}

// SPDX-License-Identifier: MIT

// Package scheduler runs the periodic drivers: throttle window resets,
// reconnect sweeps and dispatch passes. Every tick is idempotent; a missed or
// overlapping-free tick just means the next one does the work.
package scheduler

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/comradarr/comradarr/internal/log"
)

// Tick is one unit of periodic work. Errors are logged, never fatal: a
// failing tick must not stop the loop.
type Tick func(ctx context.Context) error

// Job pairs a tick with its cadence.
type Job struct {
	Name     string
	Interval time.Duration
	// Jitter widens the interval by random([0, Jitter)) to keep multiple
	// operator instances from thundering in step.
	Jitter time.Duration
	Run    Tick
}

// Scheduler drives a set of jobs until stopped.
type Scheduler struct {
	jobs   []Job
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New builds a scheduler over the given jobs.
func New(jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs:   jobs,
		logger: xlog.WithComponent("scheduler"),
	}
}

// Start launches one goroutine per job. Loops exit when ctx is cancelled;
// Wait blocks until they have.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runLoop(ctx, job)
		}()
	}
}

// Wait blocks until every job loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// runLoop executes the job at its jittered interval until ctx is cancelled.
func (s *Scheduler) runLoop(ctx context.Context, job Job) {
	interval := job.Interval
	if interval <= 0 {
		interval = time.Second
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	s.logger.Debug().Str("job", job.Name).Dur("interval", interval).Msg("tick loop started")

	for {
		next := interval
		if job.Jitter > 0 {
			next += time.Duration(rand.Int64N(int64(job.Jitter)))
		}

		timer.Reset(next)
		select {
		case <-ctx.Done():
			s.logger.Debug().Str("job", job.Name).Msg("tick loop stopped")
			return
		case <-timer.C:
		}

		if err := job.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Str("job", job.Name).Msg("tick failed")
		}
	}
}

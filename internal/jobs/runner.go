// ABOUTME: Runs plugin scheduled jobs and workers in the background.
// ABOUTME: Sync reconciles running tasks with the registrations currently on the plugin API.

package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/2389/stromwissen/plugins/core"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Source lists the current registrations. *core.API satisfies it.
type Source interface {
	ScheduledJobs() []core.ScheduledJob
	Workers() []core.Worker
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner owns one goroutine per registered job or worker.
type Runner struct {
	src    Source
	logger zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	stop    context.CancelFunc
	group   errgroup.Group
	running map[string]*task
}

func NewRunner(src Source, logger zerolog.Logger) *Runner {
	return &Runner{
		src:     src,
		logger:  logger.With().Str("component", "jobs").Logger(),
		running: make(map[string]*task),
	}
}

// Start begins running registrations and keeps them alive until ctx is
// done or Stop is called.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.ctx != nil {
		r.mu.Unlock()
		return
	}
	r.ctx, r.stop = context.WithCancel(ctx)
	r.mu.Unlock()

	r.Sync()
}

// Sync starts tasks for new registrations and stops tasks whose
// registration is gone. It is a no-op before Start.
func (r *Runner) Sync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil || r.ctx.Err() != nil {
		return
	}

	want := make(map[string]func(context.Context))
	for _, j := range r.src.ScheduledJobs() {
		want["job/"+j.ID] = r.scheduled(j)
	}
	for _, w := range r.src.Workers() {
		want["worker/"+w.ID] = r.worker(w)
	}

	for key, t := range r.running {
		if _, ok := want[key]; !ok {
			t.cancel()
			<-t.done
			delete(r.running, key)
			r.logger.Debug().Str("task", key).Msg("stopped")
		}
	}

	for key, run := range want {
		if _, ok := r.running[key]; ok {
			continue
		}
		tctx, cancel := context.WithCancel(r.ctx)
		t := &task{cancel: cancel, done: make(chan struct{})}
		r.running[key] = t
		r.group.Go(func() error {
			defer close(t.done)
			run(tctx)
			return nil
		})
		r.logger.Debug().Str("task", key).Msg("started")
	}
}

// Running lists the keys of running tasks, sorted.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.running))
	for key := range r.running {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Stop cancels every task and waits for them to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stop != nil {
		r.stop()
	}
	r.mu.Unlock()

	r.group.Wait()

	r.mu.Lock()
	clear(r.running)
	r.mu.Unlock()
}

func (r *Runner) scheduled(j core.ScheduledJob) func(context.Context) {
	logger := r.logger.With().Str("plugin", j.Plugin).Str("job", j.ID).Logger()
	return func(ctx context.Context) {
		if j.RunOnStart {
			runOnce(ctx, logger, j.Run)
		}

		ticker := time.NewTicker(j.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runOnce(ctx, logger, j.Run)
			}
		}
	}
}

func (r *Runner) worker(w core.Worker) func(context.Context) {
	logger := r.logger.With().Str("plugin", w.Plugin).Str("worker", w.ID).Logger()
	return func(ctx context.Context) {
		runOnce(ctx, logger, w.Run)
		if ctx.Err() == nil {
			logger.Warn().Msg("worker returned before shutdown")
		}
	}
}

func runOnce(ctx context.Context, logger zerolog.Logger, fn func(context.Context) error) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		return fn(ctx)
	}()
	if err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("run failed")
		return
	}
	logger.Debug().Dur("duration", time.Since(start)).Msg("run finished")
}

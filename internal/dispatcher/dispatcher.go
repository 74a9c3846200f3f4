// Package dispatcher runs the bounded worker pool that drains the frontier.
package dispatcher

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner is one unit of the pool, typically a *worker.Worker.
type Runner interface {
	Run(ctx context.Context) error
}

// Dispatcher fans a fixed set of workers out over a shared frontier and
// waits for all of them. The first fatal worker error cancels the rest.
type Dispatcher struct {
	workers []Runner
	log     *zap.Logger
}

// New builds a Dispatcher over the given workers.
func New(workers []Runner, log *zap.Logger) *Dispatcher {
	return &Dispatcher{workers: workers, log: log}
}

// Run blocks until every worker has exited. A nil return means the crawl
// completed: every worker saw the frontier exhausted.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, w := range d.workers {
		g.Go(func() error {
			err := w.Run(ctx)
			if err != nil && ctx.Err() == nil {
				d.log.Error("worker aborted", zap.Int("worker", i), zap.Error(err))
			}
			return err
		})
	}
	return g.Wait()
}

package app

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Stage is one phase of ordered shutdown: a named set of loops that are
// cancelled and drained together. Stage contexts are independent of the
// process context; only the coordinator cancels them, in registration order.
type Stage struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group
	coord  *Coordinator
}

// Go starts one loop in the stage. A loop failing with anything other than
// cancellation triggers a full ordered shutdown.
func (s *Stage) Go(fn func(context.Context) error) {
	s.g.Go(func() error {
		err := fn(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.coord.report(err)
		}
		return err
	})
}

// Coordinator owns the ordered stop sequence: admission first, then the
// settlement/rebalance loops, then the market-data feed, then observers.
// Each stage is fully drained before the next is cancelled, so in-flight
// work in an earlier stage finishes while later stages are still serving it.
type Coordinator struct {
	logger *slog.Logger
	stages []*Stage
	fatal  chan error
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger: logger.With(slog.String("component", "shutdown")),
		fatal:  make(chan error, 1),
	}
}

// Stage registers a new shutdown phase. Stages stop in the order they were
// created.
func (c *Coordinator) Stage(name string) *Stage {
	ctx, cancel := context.WithCancel(context.Background())
	st := &Stage{name: name, ctx: ctx, cancel: cancel, coord: c}
	c.stages = append(c.stages, st)
	return st
}

// report records the first loop failure; later failures are dropped.
func (c *Coordinator) report(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

// Run blocks until ctx is cancelled or any loop fails, then cancels and
// drains the stages in order. It returns the failure that initiated the
// shutdown, or nil for a clean stop.
func (c *Coordinator) Run(ctx context.Context) error {
	var cause error
	select {
	case <-ctx.Done():
	case cause = <-c.fatal:
		c.logger.Error("loop failed, beginning ordered shutdown",
			slog.String("error", cause.Error()),
		)
	}

	for _, st := range c.stages {
		st.cancel()
		err := st.g.Wait()
		if err != nil && !errors.Is(err, context.Canceled) && cause == nil {
			cause = err
		}
		c.logger.Info("shutdown stage drained", slog.String("stage", st.name))
	}

	return cause
}

package companion

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/cosimctl/internal/channel"
	"github.com/3cpo-dev/cosimctl/internal/registry"
)

// DefaultMinDelay is the step reported by local workers without a configured delay.
const DefaultMinDelay = 0.1

// Local runs a command-and-control service and its workers in process.
type Local struct {
	CC      *CommandAndControl
	Workers []*Worker

	g *errgroup.Group
}

// NewLocal creates a service with one worker per entry of minDelays, or workers workers
// with DefaultMinDelay when minDelays is empty.
func NewLocal(reg registry.Registry, comm channel.Communicator, workers int, minDelays []float64) *Local {
	if len(minDelays) > 0 {
		workers = len(minDelays)
	}
	l := &Local{CC: NewCommandAndControl("command_and_control", reg, comm)}
	for i := 0; i < workers; i++ {
		delay := DefaultMinDelay
		if i < len(minDelays) {
			delay = minDelays[i]
		}
		l.Workers = append(l.Workers, NewWorker(fmt.Sprintf("worker-%d", i+1), delay, reg, comm))
	}
	return l
}

// Start registers every component, then serves them in the background.
func (l *Local) Start(ctx context.Context) error {
	if err := l.CC.Register(ctx); err != nil {
		return err
	}
	for _, w := range l.Workers {
		if err := w.Register(ctx); err != nil {
			return err
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.CC.Serve(ctx) })
	for _, w := range l.Workers {
		g.Go(func() error { return w.Serve(ctx) })
	}
	l.g = g
	return nil
}

// Wait blocks until every component stopped and returns the first failure.
func (l *Local) Wait() error {
	if l.g == nil {
		return nil
	}
	return l.g.Wait()
}

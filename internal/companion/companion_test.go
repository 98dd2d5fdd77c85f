package companion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/cosimctl/internal/channel"
	"github.com/3cpo-dev/cosimctl/internal/health"
	"github.com/3cpo-dev/cosimctl/internal/orchestrator"
	"github.com/3cpo-dev/cosimctl/internal/registry"
	"github.com/3cpo-dev/cosimctl/internal/signals"
	"github.com/3cpo-dev/cosimctl/pkg/api"
)

// stuckRegistry refuses to move a component into one state.
type stuckRegistry struct {
	registry.Registry
	refuse api.State
}

func (r stuckRegistry) UpdateState(ctx context.Context, e api.Entry, state api.State) error {
	if state == r.refuse {
		return errors.New("disk full")
	}
	return r.Registry.UpdateState(ctx, e, state)
}

type env struct {
	store *registry.Store
	hub   *channel.Hub
}

func newEnv(t *testing.T) env {
	t.Helper()
	store, err := registry.Open(":memory:")
	require.NoError(t, err)
	hub := channel.NewHub(channel.DefaultQueueSize)
	t.Cleanup(func() {
		hub.Close()
		store.Close()
	})
	return env{store: store, hub: hub}
}

func (e env) orchestrator(t *testing.T) (*orchestrator.Orchestrator, *health.Keeper) {
	t.Helper()
	keeper := health.NewKeeper(e.store, 10*time.Millisecond)
	alarm := signals.NewMonitor(0)
	t.Cleanup(func() {
		keeper.Finalize()
		alarm.Finalize()
	})
	o := orchestrator.New(orchestrator.Config{
		ID:       "orchestrator",
		Endpoint: api.Endpoint{In: "orchestrator.in", Out: "orchestrator.out"},
	}, e.store, e.hub, keeper, alarm)
	return o, keeper
}

func (e env) queue(t *testing.T, cmds ...api.SteeringCommand) {
	t.Helper()
	for _, c := range cmds {
		require.NoError(t, e.hub.Send(context.Background(), api.CommandMessage(c), "orchestrator.in"))
	}
}

func TestEndToEndRun(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	local := NewLocal(e.store, e.hub, 0, []float64{0.2, 0.05, 0.1})
	require.NoError(t, local.Start(ctx))

	o, keeper := e.orchestrator(t)
	e.queue(t, api.CommandInit, api.CommandStart, api.CommandEnd)

	require.NoError(t, o.Run(ctx))
	require.NoError(t, local.Wait())

	step, ok := o.MinStepSize()
	require.True(t, ok)
	assert.Equal(t, 0.05, step)
	assert.Len(t, o.StepSizes(), 3)
	assert.Equal(t, api.StateTerminated, keeper.Current())

	entries, err := e.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for _, entry := range entries {
		assert.Equal(t, api.StateTerminated, entry.State, entry.ID)
	}
}

func TestEndToEndStateUpdateFatal(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	local := &Local{
		CC: NewCommandAndControl("cc", e.store, e.hub),
		Workers: []*Worker{
			NewWorker("w1", 0.1, e.store, e.hub),
			NewWorker("w2", 0.1, stuckRegistry{Registry: e.store, refuse: api.StateRunning}, e.hub),
		},
	}
	require.NoError(t, local.Start(ctx))

	o, keeper := e.orchestrator(t)
	e.queue(t, api.CommandInit, api.CommandStart, api.CommandEnd)

	err := o.Run(ctx)
	require.ErrorIs(t, err, orchestrator.ErrStateUpdateFatal)
	assert.True(t, keeper.Finalized())

	// the event reaches every companion through command-and-control
	assert.ErrorIs(t, local.Wait(), ErrAborted)
}

func TestEndToEndOutOfOrderCommand(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	local := NewLocal(e.store, e.hub, 2, nil)
	require.NoError(t, local.Start(ctx))
	o, _ := e.orchestrator(t)
	e.queue(t, api.CommandStart)

	err := o.Run(ctx)
	require.ErrorIs(t, err, orchestrator.ErrPreconditionFailed)
	assert.ErrorIs(t, local.Wait(), ErrAborted, "FATAL is forwarded to the companions")
}

func TestAggregate(t *testing.T) {
	got := Aggregate([]api.Message{
		{StepSizes: []api.StepSize{{PID: "a", MinDelay: 0.1}}},
		{StepSizes: []api.StepSize{{PID: "b", MinDelay: 0.2}}, Events: []api.Event{api.EventStateUpdateFatal}},
		{Responses: []api.Response{api.ResponseError}, Events: []api.Event{api.EventStateUpdateFatal}},
	})
	assert.Len(t, got.StepSizes, 2)
	assert.Equal(t, []api.Response{api.ResponseError}, got.Responses)
	assert.Equal(t, []api.Event{api.EventStateUpdateFatal}, got.Events)
}

func TestWorkerRepliesWithStepSize(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := NewWorker("w1", 0.25, e.store, e.hub)
	require.NoError(t, w.Register(ctx))
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	require.NoError(t, e.hub.Send(ctx, api.CommandMessage(api.CommandInit), w.Endpoint.In))
	reply, err := e.hub.Receive(ctx, w.Endpoint.Out)
	require.NoError(t, err)
	assert.Equal(t, []api.StepSize{{PID: "w1", MinDelay: 0.25}}, reply.StepSizes)

	entry, err := e.store.FindByID(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, api.StateSynchronizing, entry.State)

	require.NoError(t, e.hub.Send(ctx, api.EventMessage(api.EventFatal), w.Endpoint.In))
	assert.ErrorIs(t, <-done, ErrAborted)
}

func TestNewLocalMinDelaysDecideWorkerCount(t *testing.T) {
	e := newEnv(t)
	local := NewLocal(e.store, e.hub, 2, []float64{0.2, 0.05, 0.1})
	require.Len(t, local.Workers, 3)
	assert.Equal(t, 0.1, local.Workers[2].MinDelay)

	local = NewLocal(e.store, e.hub, 2, nil)
	require.Len(t, local.Workers, 2)
	assert.Equal(t, DefaultMinDelay, local.Workers[0].MinDelay)
}

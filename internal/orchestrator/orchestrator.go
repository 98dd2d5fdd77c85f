package orchestrator

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/cosimctl/internal/channel"
	"github.com/3cpo-dev/cosimctl/internal/registry"
	"github.com/3cpo-dev/cosimctl/internal/signals"
	"github.com/3cpo-dev/cosimctl/pkg/api"
)

// Aggregator computes the converged global state in the background.
type Aggregator interface {
	Current() api.State
	Update(ctx context.Context) error
	Start(ctx context.Context) error
	Finalize()
}

// AlarmMonitor interrupts the control loop on alarm or termination requests.
type AlarmMonitor interface {
	Start(ctx context.Context, interrupt func(cause error)) error
	Finalize()
}

// Phase is the lifecycle of the orchestrator entity itself.
type Phase string

const (
	PhaseUnregistered Phase = "unregistered"
	PhaseRegistered   Phase = "registered"
	PhaseMonitoring   Phase = "monitoring"
	PhaseShuttingDown Phase = "shutting-down"
	PhaseCompleted    Phase = "completed"
)

// Config identifies the orchestrator in the registry.
type Config struct {
	// ID is the process identity; it defaults to the pid.
	ID       string
	Endpoint api.Endpoint
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithTerminate replaces the self-termination used when registration fails.
func WithTerminate(fn func() error) Option {
	return func(o *Orchestrator) { o.terminate = fn }
}

// WithLogger replaces the base logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// Orchestrator steers all registered components through INIT, START and END.
type Orchestrator struct {
	cfg       Config
	registry  registry.Registry
	comm      channel.Communicator
	health    Aggregator
	alarm     AlarmMonitor
	terminate func() error
	logger    zerolog.Logger
	runID     string

	mu          sync.Mutex
	phase       Phase
	self        api.Entry
	cc          api.Entry
	stepSizes   []api.StepSize
	minStepSize float64
	responses   []api.Message
}

// New creates an orchestrator. Nothing is registered or started until Run.
func New(cfg Config, reg registry.Registry, comm channel.Communicator, health Aggregator, alarm AlarmMonitor, opts ...Option) *Orchestrator {
	if cfg.ID == "" {
		cfg.ID = strconv.Itoa(os.Getpid())
	}
	o := &Orchestrator{
		cfg:       cfg,
		registry:  reg,
		comm:      comm,
		health:    health,
		alarm:     alarm,
		terminate: signals.RaiseTerminate,
		logger:    log.Logger,
		runID:     uuid.NewString(),
		phase:     PhaseUnregistered,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With().Str("component", "orchestrator").Str("run_id", o.runID).Logger()
	return o
}

// Phase returns the current lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	prev := o.phase
	o.phase = p
	o.mu.Unlock()
	o.logger.Debug().Str("from", string(prev)).Str("to", string(p)).Msg("phase changed")
}

// RunID identifies this orchestration run in logs.
func (o *Orchestrator) RunID() string { return o.runID }

// MinStepSize returns the step size negotiated on INIT.
func (o *Orchestrator) MinStepSize() (float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.minStepSize, o.stepSizes != nil
}

// StepSizes returns the records reported on INIT.
func (o *Orchestrator) StepSizes() []api.StepSize {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]api.StepSize(nil), o.stepSizes...)
}

// Responses returns the acknowledgements received for START and END.
func (o *Orchestrator) Responses() []api.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]api.Message(nil), o.responses...)
}

// Run registers the orchestrator, starts monitoring and executes steering commands
// until END succeeds (nil) or the run fails (non-nil, after the fatal cascade).
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.phase != PhaseUnregistered {
		o.mu.Unlock()
		return ErrAlreadyRun
	}
	o.mu.Unlock()

	ctx, interrupt := context.WithCancelCause(ctx)
	defer interrupt(nil)

	if err := o.setUpRuntime(ctx, interrupt); err != nil {
		o.logger.Error().Err(err).Msg("setting up runtime failed, quitting")
		return err
	}
	return o.commandControlAndCoordinate(ctx)
}

func (o *Orchestrator) setUpRuntime(ctx context.Context, interrupt context.CancelCauseFunc) error {
	if err := o.register(ctx); err != nil {
		return err
	}

	ccs, err := o.registry.FindAllByCategory(ctx, api.CategoryCommandAndControl)
	if err != nil {
		o.logger.Error().Err(err).Msg("could not look up command-and-control service")
		return stageErr(StageLookup, "", err)
	}
	switch len(ccs) {
	case 0:
		o.logger.Error().Msg("command-and-control service is not registered")
		return stageErr(StageLookup, "", ErrCommandAndControlNotFound)
	case 1:
	default:
		o.logger.Error().Int("found", len(ccs)).Msg("command-and-control service is registered more than once")
		return stageErr(StageLookup, "", ErrAmbiguousCommandAndControl)
	}
	o.mu.Lock()
	o.cc = ccs[0]
	o.mu.Unlock()
	o.logger.Debug().Str("id", ccs[0].ID).Str("in", ccs[0].Endpoint.In).Str("out", ccs[0].Endpoint.Out).
		Msg("command-and-control service found")

	// components are launched already but only trusted once their states are aggregated
	if err := o.health.Update(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("initial global state update failed")
	}
	// monitors outlive Run; they stop on Finalize only
	monitorCtx := context.WithoutCancel(ctx)
	if err := o.health.Start(monitorCtx); err != nil {
		o.logger.Error().Err(err).Msg("could not start health monitoring")
		return stageErr(StageMonitoring, "", err)
	}
	if err := o.alarm.Start(monitorCtx, interrupt); err != nil {
		o.logger.Error().Err(err).Msg("could not start alarm monitoring")
		o.health.Finalize()
		return stageErr(StageMonitoring, "", err)
	}
	o.setPhase(PhaseMonitoring)
	return nil
}

func (o *Orchestrator) register(ctx context.Context) error {
	entry := api.Entry{
		ID:       o.cfg.ID,
		Category: api.CategoryOrchestrator,
		Name:     string(api.CategoryOrchestrator),
		Endpoint: o.cfg.Endpoint,
		Status:   api.StatusUp,
		State:    api.StateReady,
	}
	if err := o.registry.Register(ctx, entry); err != nil {
		o.logger.Error().Err(err).Str("id", entry.ID).Msg("could not be registered, quitting")
		// an unregistered orchestrator cannot be discovered and must not run
		if terr := o.terminate(); terr != nil {
			o.logger.Error().Err(terr).Msg("could not raise termination")
		}
		return stageErr(StageRegister, "", err)
	}
	self, err := o.registry.FindByID(ctx, entry.ID)
	if err != nil {
		o.logger.Error().Err(err).Str("id", entry.ID).Msg("registered entry not found")
		return stageErr(StageRegister, "", err)
	}
	o.mu.Lock()
	o.self = self
	o.mu.Unlock()
	o.setPhase(PhaseRegistered)
	o.logger.Debug().Str("id", self.ID).Str("name", self.Name).Msg("registered with registry")
	return nil
}

// receiveControl blocks for the next inbound control message. An interruption of the
// wait is delivered as FATAL.
func (o *Orchestrator) receiveControl(ctx context.Context) (api.Message, error) {
	msg, err := o.comm.Receive(ctx, o.cfg.Endpoint.In)
	if err == nil {
		return msg, nil
	}
	if ctx.Err() != nil {
		o.logger.Warn().AnErr("cause", context.Cause(ctx)).Msg("control loop interrupted")
		return api.EventMessage(api.EventFatal), nil
	}
	o.logger.Error().Err(err).Msg("could not receive control message")
	return api.Message{}, stageErr(StageControl, "", err)
}

// commandControlAndCoordinate is the main loop. It returns after END or after the
// fatal cascade; nothing is processed afterwards.
func (o *Orchestrator) commandControlAndCoordinate(ctx context.Context) error {
	for {
		o.logger.Debug().Str("global_state", string(o.health.Current())).Msg("waiting for command")
		msg, err := o.receiveControl(ctx)
		if err == nil {
			o.logger.Info().Str("command", msg.String()).Msg("executing command")
			err = o.dispatch(ctx, msg)
		}
		if err != nil {
			o.logger.Error().Err(err).Str("command", msg.String()).Msg("error executing command")
			return o.terminateWithError(ctx, err)
		}
		if msg.Command == api.CommandEnd {
			o.setPhase(PhaseCompleted)
			o.logger.Info().Msg("concluding orchestration")
			return nil
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, msg api.Message) error {
	switch {
	case msg.Event == api.EventFatal:
		o.logger.Error().Msg("quitting forcefully")
		return stageErr(StageControl, string(api.EventFatal), ErrFatalEvent)
	case msg.Event != "":
		return stageErr(StageControl, string(msg.Event), ErrUnknownMessage)
	}
	switch msg.Command {
	case api.CommandInit, api.CommandStart, api.CommandEnd:
		t, _ := api.TransitionFor(msg.Command)
		return o.executeIfValidated(ctx, msg.Command, t)
	default:
		return stageErr(StageControl, msg.String(), ErrUnknownMessage)
	}
}

// terminateWithError runs the fatal cascade: broadcast FATAL, stop health monitoring.
// A run already torn down by STATE_UPDATE_FATAL gets no second broadcast.
func (o *Orchestrator) terminateWithError(ctx context.Context, cause error) error {
	o.setPhase(PhaseShuttingDown)
	o.logger.Error().Msg("terminating with error")
	if !errors.Is(cause, ErrStateUpdateFatal) {
		// best effort on a terminal path
		_ = o.sendEvent(ctx, api.EventFatal)
		recordCascade(api.EventFatal)
	}
	o.health.Finalize()
	return cause
}

// sendEvent broadcasts ev to the command-and-control service even if ctx was interrupted.
func (o *Orchestrator) sendEvent(ctx context.Context, ev api.Event) error {
	o.mu.Lock()
	cc := o.cc
	o.mu.Unlock()
	if err := o.comm.Send(context.WithoutCancel(ctx), api.EventMessage(ev), cc.Endpoint.In); err != nil {
		o.logger.Error().Err(err).Str("event", string(ev)).Msg("could not broadcast event")
		return err
	}
	return nil
}

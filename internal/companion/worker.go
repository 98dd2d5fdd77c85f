package companion

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/cosimctl/internal/channel"
	"github.com/3cpo-dev/cosimctl/internal/registry"
	"github.com/3cpo-dev/cosimctl/pkg/api"
)

// ErrAborted is returned by a companion that received a fatal event.
var ErrAborted = errors.New("companion: run aborted")

// Worker is an application companion: it follows steering commands and reports the
// smallest step its application can take.
type Worker struct {
	ID       string
	MinDelay float64
	Endpoint api.Endpoint

	reg    registry.Registry
	comm   channel.Communicator
	logger zerolog.Logger
	entry  api.Entry
}

// NewWorker creates a worker listening on "<id>.in" and answering on "<id>.out".
func NewWorker(id string, minDelay float64, reg registry.Registry, comm channel.Communicator) *Worker {
	return &Worker{
		ID:       id,
		MinDelay: minDelay,
		Endpoint: api.Endpoint{In: id + ".in", Out: id + ".out"},
		reg:      reg,
		comm:     comm,
		logger:   log.With().Str("component", "worker").Str("id", id).Logger(),
	}
}

// Register adds the worker to the registry in state READY.
func (w *Worker) Register(ctx context.Context) error {
	w.entry = api.Entry{
		ID:       w.ID,
		Category: api.CategoryApplicationCompanion,
		Name:     "application_companion",
		Endpoint: w.Endpoint,
		Status:   api.StatusUp,
		State:    api.StateReady,
	}
	if err := w.reg.Register(ctx, w.entry); err != nil {
		return fmt.Errorf("worker %s: %w", w.ID, err)
	}
	return nil
}

// Serve answers steering commands until END, a fatal event or ctx is done.
func (w *Worker) Serve(ctx context.Context) error {
	for {
		msg, err := w.comm.Receive(ctx, w.Endpoint.In)
		if err != nil {
			return err
		}
		if msg.Event != "" {
			w.logger.Warn().Str("event", string(msg.Event)).Msg("aborting")
			return fmt.Errorf("%w: %s", ErrAborted, msg.Event)
		}
		reply := w.handle(ctx, msg.Command)
		if err := w.comm.Send(ctx, reply, w.Endpoint.Out); err != nil {
			return err
		}
		if msg.Command == api.CommandEnd && !reply.HasEvent(api.EventStateUpdateFatal) {
			w.logger.Debug().Msg("terminated")
			return nil
		}
	}
}

func (w *Worker) handle(ctx context.Context, cmd api.SteeringCommand) api.Message {
	t, ok := api.TransitionFor(cmd)
	if !ok {
		w.logger.Error().Str("command", string(cmd)).Msg("unknown command")
		return api.Message{Responses: []api.Response{api.ResponseError}}
	}
	if err := w.reg.UpdateState(ctx, w.entry, t.New); err != nil {
		w.logger.Error().Err(err).Str("state", string(t.New)).Msg("could not update local state")
		return api.Message{Responses: []api.Response{api.ResponseError}, Events: []api.Event{api.EventStateUpdateFatal}}
	}
	w.logger.Debug().Str("command", string(cmd)).Str("state", string(t.New)).Msg("command executed")
	if cmd == api.CommandInit {
		return api.Message{StepSizes: []api.StepSize{{PID: w.ID, MinDelay: w.MinDelay}}}
	}
	return api.Message{Responses: []api.Response{api.ResponseOK}}
}

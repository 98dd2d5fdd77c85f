package companion

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/cosimctl/internal/channel"
	"github.com/3cpo-dev/cosimctl/internal/registry"
	"github.com/3cpo-dev/cosimctl/pkg/api"
)

// CommandAndControl relays steering commands to every registered worker and answers
// with one aggregated response.
type CommandAndControl struct {
	ID       string
	Endpoint api.Endpoint

	reg    registry.Registry
	comm   channel.Communicator
	logger zerolog.Logger
	entry  api.Entry
}

// NewCommandAndControl creates the service listening on "<id>.in" and answering on "<id>.out".
func NewCommandAndControl(id string, reg registry.Registry, comm channel.Communicator) *CommandAndControl {
	return &CommandAndControl{
		ID:       id,
		Endpoint: api.Endpoint{In: id + ".in", Out: id + ".out"},
		reg:      reg,
		comm:     comm,
		logger:   log.With().Str("component", "command_and_control").Str("id", id).Logger(),
	}
}

// Register adds the service to the registry in state READY.
func (c *CommandAndControl) Register(ctx context.Context) error {
	c.entry = api.Entry{
		ID:       c.ID,
		Category: api.CategoryCommandAndControl,
		Name:     "command_and_control",
		Endpoint: c.Endpoint,
		Status:   api.StatusUp,
		State:    api.StateReady,
	}
	if err := c.reg.Register(ctx, c.entry); err != nil {
		return fmt.Errorf("command and control %s: %w", c.ID, err)
	}
	return nil
}

// Serve relays commands until END, a fatal event or ctx is done. Fatal events are
// forwarded to the workers before returning.
func (c *CommandAndControl) Serve(ctx context.Context) error {
	for {
		msg, err := c.comm.Receive(ctx, c.Endpoint.In)
		if err != nil {
			return err
		}
		if msg.Event != "" {
			c.logger.Warn().Str("event", string(msg.Event)).Msg("forwarding event and aborting")
			c.broadcast(ctx, api.EventMessage(msg.Event))
			return fmt.Errorf("%w: %s", ErrAborted, msg.Event)
		}
		reply := c.relay(ctx, msg.Command)
		if err := c.comm.Send(ctx, reply, c.Endpoint.Out); err != nil {
			return err
		}
		if msg.Command == api.CommandEnd && !reply.HasEvent(api.EventStateUpdateFatal) {
			c.logger.Debug().Msg("terminated")
			return nil
		}
	}
}

func (c *CommandAndControl) relay(ctx context.Context, cmd api.SteeringCommand) api.Message {
	t, ok := api.TransitionFor(cmd)
	if !ok {
		c.logger.Error().Str("command", string(cmd)).Msg("unknown command")
		return api.Message{Responses: []api.Response{api.ResponseError}}
	}
	if err := c.reg.UpdateState(ctx, c.entry, t.New); err != nil {
		c.logger.Error().Err(err).Str("state", string(t.New)).Msg("could not update local state")
		return api.Message{Responses: []api.Response{api.ResponseError}, Events: []api.Event{api.EventStateUpdateFatal}}
	}

	workers, err := c.reg.FindAllByCategory(ctx, api.CategoryApplicationCompanion)
	if err != nil {
		c.logger.Error().Err(err).Msg("could not look up workers")
		return api.Message{Responses: []api.Response{api.ResponseError}}
	}
	replies := make([]api.Message, len(workers))
	g, gctx := errgroup.WithContext(ctx)
	for i, wk := range workers {
		g.Go(func() error {
			if err := c.comm.Send(gctx, api.CommandMessage(cmd), wk.Endpoint.In); err != nil {
				return fmt.Errorf("send to %s: %w", wk.ID, err)
			}
			r, err := c.comm.Receive(gctx, wk.Endpoint.Out)
			if err != nil {
				return fmt.Errorf("receive from %s: %w", wk.ID, err)
			}
			replies[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Error().Err(err).Str("command", string(cmd)).Msg("relay failed")
		return api.Message{Responses: []api.Response{api.ResponseError}}
	}
	c.logger.Debug().Str("command", string(cmd)).Int("workers", len(workers)).Msg("command relayed")
	return Aggregate(replies)
}

// Aggregate merges worker replies: responses and step sizes are concatenated in order and
// STATE_UPDATE_FATAL is reported once if any worker raised it.
func Aggregate(replies []api.Message) api.Message {
	var out api.Message
	for _, r := range replies {
		out.Responses = append(out.Responses, r.Responses...)
		out.StepSizes = append(out.StepSizes, r.StepSizes...)
		if r.HasEvent(api.EventStateUpdateFatal) && !out.HasEvent(api.EventStateUpdateFatal) {
			out.Events = append(out.Events, api.EventStateUpdateFatal)
		}
	}
	return out
}

func (c *CommandAndControl) broadcast(ctx context.Context, msg api.Message) {
	workers, err := c.reg.FindAllByCategory(context.WithoutCancel(ctx), api.CategoryApplicationCompanion)
	if err != nil {
		c.logger.Error().Err(err).Msg("could not look up workers")
		return
	}
	for _, wk := range workers {
		_ = c.comm.Send(context.WithoutCancel(ctx), msg, wk.Endpoint.In)
	}
}

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/3cpo-dev/cosimctl/internal/telemetry"
	"github.com/3cpo-dev/cosimctl/pkg/api"
)

// executeIfValidated executes cmd when the global state equals t.Valid, committing
// t.New as the local state before broadcasting and recomputing the global state after.
func (o *Orchestrator) executeIfValidated(ctx context.Context, cmd api.SteeringCommand, t api.Transition) error {
	start := time.Now()
	err := o.executeValidated(ctx, cmd, t)
	recordCommand(cmd, time.Since(start), err)
	return err
}

func (o *Orchestrator) executeValidated(ctx context.Context, cmd api.SteeringCommand, t api.Transition) error {
	if current := o.health.Current(); current != t.Valid {
		o.logger.Error().Str("command", string(cmd)).Str("required", string(t.Valid)).Str("global_state", string(current)).
			Msg("global state does not permit command")
		return stageErr(StagePrecondition, string(cmd), fmt.Errorf("%w: have %s, need %s", ErrPreconditionFailed, current, t.Valid))
	}

	o.mu.Lock()
	self := o.self
	o.mu.Unlock()
	if err := o.registry.UpdateState(ctx, self, t.New); err != nil {
		o.logger.Error().Err(err).Str("state", string(t.New)).Msg("error updating the local state")
		return stageErr(StageLocalCommit, string(cmd), err)
	}
	o.mu.Lock()
	o.self.State = t.New
	o.mu.Unlock()

	if err := o.executeSteeringCommand(ctx, cmd); err != nil {
		o.logger.Error().Err(err).Str("command", string(cmd)).Msg("error executing steering command")
		return err
	}

	if err := o.health.Update(ctx); err != nil {
		o.logger.Error().Err(err).Msg("error updating the global state")
		return stageErr(StageGlobalUpdate, string(cmd), err)
	}
	return nil
}

// executeSteeringCommand sends cmd to the command-and-control service and interprets
// its aggregated response. Transport failures are not retried.
func (o *Orchestrator) executeSteeringCommand(ctx context.Context, cmd api.SteeringCommand) error {
	o.mu.Lock()
	cc := o.cc
	o.mu.Unlock()

	o.logger.Debug().Str("command", string(cmd)).Str("endpoint", cc.Endpoint.In).Msg("sending steering command")
	if err := o.comm.Send(ctx, api.CommandMessage(cmd), cc.Endpoint.In); err != nil {
		o.logger.Error().Err(err).Msg("could not send the command")
		return stageErr(StageSend, string(cmd), err)
	}

	o.logger.Debug().Str("endpoint", cc.Endpoint.Out).Msg("getting the response")
	resp, err := o.comm.Receive(ctx, cc.Endpoint.Out)
	if err != nil {
		o.logger.Error().Err(err).Msg("error while getting response")
		return stageErr(StageReceive, string(cmd), err)
	}

	if err := o.processResponse(ctx, cmd, resp); err != nil {
		return err
	}
	o.logger.Debug().Str("command", string(cmd)).Msg("successfully executed the command")
	return nil
}

func (o *Orchestrator) processResponse(ctx context.Context, cmd api.SteeringCommand, resp api.Message) error {
	o.logger.Debug().Str("response", resp.String()).Msg("got the response")

	// checked first: the run cannot recover once a component lost its state
	if resp.HasEvent(api.EventStateUpdateFatal) {
		o.logger.Error().Msg("directing command-and-control to terminate with error")
		_ = o.sendEvent(ctx, api.EventStateUpdateFatal)
		o.logger.Error().Msg("finalizing monitoring")
		o.health.Finalize()
		recordCascade(api.EventStateUpdateFatal)
		return stageErr(StageResponse, string(cmd), ErrStateUpdateFatal)
	}

	if resp.HasResponse(api.ResponseError) {
		o.logger.Error().Str("command", string(cmd)).Msg("command-and-control reported an error")
		return stageErr(StageResponse, string(cmd), ErrErrorResponse)
	}

	if cmd == api.CommandInit {
		smallest, err := MinStepSize(resp.StepSizes)
		if err != nil {
			o.logger.Error().Err(err).Msg("could not negotiate step size")
			return stageErr(StageResponse, string(cmd), err)
		}
		o.mu.Lock()
		o.stepSizes = append([]api.StepSize(nil), resp.StepSizes...)
		o.minStepSize = smallest
		o.mu.Unlock()
		o.logger.Info().Float64("min_step_size", smallest).Int("reports", len(resp.StepSizes)).Msg("minimum step size")
		telemetry.GaugeGlobal("cosim_min_step_size", smallest, map[string]string{"run_id": o.runID})
		return nil
	}

	o.mu.Lock()
	o.responses = append(o.responses, resp)
	o.mu.Unlock()
	return nil
}

// MinStepSize returns the smallest min_delay across records. An empty set is an error.
func MinStepSize(records []api.StepSize) (float64, error) {
	if len(records) == 0 {
		return 0, ErrNoStepSizes
	}
	smallest := records[0].MinDelay
	for _, r := range records[1:] {
		if r.MinDelay < smallest {
			smallest = r.MinDelay
		}
	}
	return smallest, nil
}

func recordCommand(cmd api.SteeringCommand, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := map[string]string{"command": string(cmd), "status": status}
	telemetry.CounterGlobal("cosim_steering_commands", 1, labels)
	telemetry.TimerGlobal("cosim_steering_command_duration", d, labels)
}

func recordCascade(ev api.Event) {
	telemetry.CounterGlobal("cosim_fatal_cascades", 1, map[string]string{"event": string(ev)})
}

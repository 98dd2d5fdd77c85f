package api

import "strings"

// State is the lifecycle state of one component (local) or of the whole run (global).
type State string

const (
	StateReady         State = "READY"
	StateSynchronizing State = "SYNCHRONIZING"
	StateRunning       State = "RUNNING"
	StateTerminated    State = "TERMINATED"
	// Global-only values reported by the aggregator.
	StateUnknown State = "UNKNOWN"
	StateError   State = "ERROR"
)

// SteeringCommand advances the distributed run by one lifecycle edge.
type SteeringCommand string

const (
	CommandInit  SteeringCommand = "INIT"
	CommandStart SteeringCommand = "START"
	CommandEnd   SteeringCommand = "END"
)

// Transition is the precondition/target pair of a steering command.
type Transition struct {
	Valid State
	New   State
}

// TransitionFor returns the fixed transition of cmd.
func TransitionFor(cmd SteeringCommand) (Transition, bool) {
	switch cmd {
	case CommandInit:
		return Transition{Valid: StateReady, New: StateSynchronizing}, true
	case CommandStart:
		return Transition{Valid: StateSynchronizing, New: StateRunning}, true
	case CommandEnd:
		return Transition{Valid: StateRunning, New: StateTerminated}, true
	}
	return Transition{}, false
}

// Event is an out-of-band signal, distinct from steering commands.
type Event string

const (
	EventFatal            Event = "FATAL"
	EventStateUpdateFatal Event = "STATE_UPDATE_FATAL"
)

// Response is the binary outcome reported by a component.
type Response string

const (
	ResponseOK    Response = "OK"
	ResponseError Response = "ERROR"
)

// Category classifies the role of a registered component.
type Category string

const (
	CategoryOrchestrator         Category = "ORCHESTRATOR"
	CategoryCommandAndControl    Category = "COMMAND_AND_CONTROL"
	CategoryApplicationCompanion Category = "APPLICATION_COMPANION"
)

// Status is the liveness of a registered component.
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Endpoint is the pair of named channels a component is addressed through.
type Endpoint struct {
	In  string `json:"in" yaml:"in"`
	Out string `json:"out" yaml:"out"`
}

// Entry is one component in the service registry.
type Entry struct {
	ID       string   `json:"id" yaml:"id"`
	Category Category `json:"category" yaml:"category"`
	Name     string   `json:"name" yaml:"name"`
	Endpoint Endpoint `json:"endpoint" yaml:"endpoint"`
	Status   Status   `json:"status" yaml:"status"`
	State    State    `json:"state" yaml:"state"`
}

// StepSize is the minimum simulation time increment reported by one worker on INIT.
type StepSize struct {
	PID      string  `json:"pid" yaml:"pid"`
	MinDelay float64 `json:"min_delay" yaml:"min_delay"`
}

// Message is the payload carried on every channel. Control messages set Command or
// Event; replies carry Responses, StepSizes and reported Events.
type Message struct {
	Command   SteeringCommand `json:"command,omitempty"`
	Event     Event           `json:"event,omitempty"`
	Responses []Response      `json:"responses,omitempty"`
	StepSizes []StepSize      `json:"step_sizes,omitempty"`
	Events    []Event         `json:"events,omitempty"`
}

// CommandMessage wraps a steering command.
func CommandMessage(cmd SteeringCommand) Message { return Message{Command: cmd} }

// EventMessage wraps an event.
func EventMessage(ev Event) Message { return Message{Event: ev} }

// HasEvent reports whether ev appears anywhere in the message.
func (m Message) HasEvent(ev Event) bool {
	if m.Event == ev {
		return true
	}
	for _, e := range m.Events {
		if e == ev {
			return true
		}
	}
	return false
}

// HasResponse reports whether r appears in the message responses.
func (m Message) HasResponse(r Response) bool {
	for _, got := range m.Responses {
		if got == r {
			return true
		}
	}
	return false
}

// String renders the message for logs.
func (m Message) String() string {
	switch {
	case m.Command != "":
		return string(m.Command)
	case m.Event != "":
		return string(m.Event)
	}
	parts := make([]string, 0, len(m.Responses)+len(m.Events))
	for _, r := range m.Responses {
		parts = append(parts, string(r))
	}
	for _, e := range m.Events {
		parts = append(parts, string(e))
	}
	if len(m.StepSizes) > 0 {
		parts = append(parts, "step_sizes")
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ParseControl maps a control keyword (INIT, START, END, FATAL) to a message.
func ParseControl(s string) (Message, bool) {
	switch v := strings.ToUpper(strings.TrimSpace(s)); v {
	case string(CommandInit), string(CommandStart), string(CommandEnd):
		return CommandMessage(SteeringCommand(v)), true
	case string(EventFatal):
		return EventMessage(EventFatal), true
	}
	return Message{}, false
}

package orchestrator

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRun                 = errors.New("orchestrator: run already started")
	ErrCommandAndControlNotFound  = errors.New("orchestrator: no command-and-control service registered")
	ErrAmbiguousCommandAndControl = errors.New("orchestrator: more than one command-and-control service registered")
	ErrPreconditionFailed         = errors.New("orchestrator: global state does not permit command")
	ErrNoStepSizes                = errors.New("orchestrator: no step sizes reported")
	ErrStateUpdateFatal           = errors.New("orchestrator: component could not update its local state")
	ErrErrorResponse              = errors.New("orchestrator: command-and-control answered with ERROR")
	ErrFatalEvent                 = errors.New("orchestrator: fatal event received")
	ErrUnknownMessage             = errors.New("orchestrator: unknown control message")
)

// Stage names the step of bootstrap or command execution that failed.
type Stage string

const (
	StageRegister     Stage = "register"
	StageLookup       Stage = "lookup"
	StageMonitoring   Stage = "monitoring"
	StageControl      Stage = "control"
	StagePrecondition Stage = "precondition"
	StageLocalCommit  Stage = "local-commit"
	StageSend         Stage = "send"
	StageReceive      Stage = "receive"
	StageResponse     Stage = "response"
	StageGlobalUpdate Stage = "global-update"
)

// Error is the structured detail of a failed run.
type Error struct {
	Stage   Stage
	Command string
	Err     error
}

func (e *Error) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("orchestrator: %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("orchestrator: %s %s: %v", e.Stage, e.Command, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func stageErr(stage Stage, command string, err error) *Error {
	return &Error{Stage: stage, Command: command, Err: err}
}

// StageOf returns the stage recorded in err, if any.
func StageOf(err error) (Stage, bool) {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Stage, true
	}
	return "", false
}

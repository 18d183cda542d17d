package chat

import (
	"errors"
)

var (
	// ErrAgentReported is matched by every *AgentError
	ErrAgentReported = errors.New("agent reported an error")
	// ErrPrematureEnd means the stream closed before a done or error event
	ErrPrematureEnd = errors.New("stream ended before the agent finished")
	// ErrStreamIdle is the cancel cause when no bytes arrive within the idle timeout
	ErrStreamIdle = errors.New("agent stopped responding")
	// ErrTurnTimeout is the cancel cause when a whole turn exceeds the turn timeout
	ErrTurnTimeout = errors.New("agent took too long to answer")

	ErrBusy         = errors.New("a turn is already in progress")
	ErrNoBranch     = errors.New("no branch selected")
	ErrEmptyMessage = errors.New("message is empty")

	errCleared = errors.New("conversation cleared")
	errClosed  = errors.New("controller closed")
)

// AgentError carries the message of an error event sent by the agent
type AgentError struct {
	Message string
}

func (e *AgentError) Error() string {
	if e.Message == "" {
		return ErrAgentReported.Error()
	}
	return e.Message
}

func (e *AgentError) Unwrap() error { return ErrAgentReported }

// displayError is the single line shown to the user for a failed turn
func displayError(err error) string {
	var agentErr *AgentError
	switch {
	case errors.Is(err, ErrStreamIdle):
		return ErrStreamIdle.Error()
	case errors.Is(err, ErrTurnTimeout):
		return ErrTurnTimeout.Error()
	case errors.As(err, &agentErr):
		return agentErr.Error()
	default:
		return err.Error()
	}
}

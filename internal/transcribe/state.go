package transcribe

import "fmt"

type State int

const (
	StateIdle State = iota
	StateLoadingModel
	StateReady
	StateTranscribing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoadingModel:
		return "loading-model"
	case StateReady:
		return "ready"
	case StateTranscribing:
		return "transcribing"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is the observable state; Reason is only set for StateFailed.
type Status struct {
	State  State
	Reason string
}

func (s Status) String() string {
	if s.State == StateFailed && s.Reason != "" {
		return fmt.Sprintf("failed(%s)", s.Reason)
	}
	return s.State.String()
}

func (s State) accepting() bool {
	return s == StateReady || s == StateTranscribing
}

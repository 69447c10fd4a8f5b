package orchestrator

// State is the lifecycle position of one deployment.
type State string

const (
	StatePending   State = "pending"
	StatePlanning  State = "planning"
	StateExecuting State = "executing"
	StateVerifying State = "verifying"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
	StatePartial   State = "partial"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateComplete, StateFailed, StatePartial, StateCancelled:
		return true
	}
	return false
}

// StepStatus is the terminal outcome of a single step.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

package service

// DefaultMaxSteps bounds the optional refinement rounds of one run.
const DefaultMaxSteps = 3

// Circuit is the step budget for deep analysis.
type Circuit struct {
	MaxSteps int
	Enabled  bool
}

// NewCircuit returns an enabled circuit allowing maxSteps steps.
func NewCircuit(maxSteps int) Circuit {
	return Circuit{MaxSteps: maxSteps, Enabled: true}
}

// AllowStep reports whether step (0-based) may run. A disabled circuit
// imposes no limit.
func (c Circuit) AllowStep(step int) bool {
	return !c.Enabled || step < c.MaxSteps
}

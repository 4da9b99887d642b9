// SPDX-License-Identifier: Apache-2.0
package pipeline

import "fmt"

// State is a pipeline run state.
type State int

const (
	StateReceived State = iota
	StateValidated
	StateClassifying
	StateExecuting
	StateFinalizing
	StateResponded
	StateFailed
)

var stateNames = [...]string{
	StateReceived:    "received",
	StateValidated:   "validated",
	StateClassifying: "classifying",
	StateExecuting:   "executing",
	StateFinalizing:  "finalizing",
	StateResponded:   "responded",
	StateFailed:      "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateResponded || s == StateFailed
}

// transitions lists the allowed moves. Failed is reachable from every
// non-terminal state and is not listed.
var transitions = map[State][]State{
	StateReceived:    {StateValidated},
	StateValidated:   {StateClassifying, StateExecuting},
	StateClassifying: {StateExecuting},
	StateExecuting:   {StateFinalizing},
	StateFinalizing:  {StateResponded},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome classifies the result of one pipeline step.
type Outcome int

const (
	// Ok means the step succeeded.
	Ok Outcome = iota
	// Recovered means the step failed but the run continues without its value.
	Recovered
	// Fatal moves the run to StateFailed.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Recovered:
		return "recovered"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// StepResult carries a step's value together with how it ended.
type StepResult[T any] struct {
	Value   T
	Outcome Outcome
	Err     error
}

// OK wraps a successful value.
func OK[T any](v T) StepResult[T] { return StepResult[T]{Value: v} }

// Recover wraps a failure the run continues past. v is the fallback value.
func Recover[T any](v T, reason error) StepResult[T] {
	return StepResult[T]{Value: v, Outcome: Recovered, Err: reason}
}

// Fail wraps a failure that ends the run.
func Fail[T any](err error) StepResult[T] {
	return StepResult[T]{Outcome: Fatal, Err: err}
}

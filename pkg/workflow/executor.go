// SPDX-License-Identifier: Apache-2.0
package workflow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/kairos-runner/pkg/telemetry"
)

// Handler executes a step and returns its output.
type Handler func(ctx context.Context, step Step, state *State) (string, error)

// State holds outputs produced during a run.
type State struct {
	Input   string
	Last    string
	Outputs map[string]string
}

// NewState creates a state for the given input.
func NewState(input string) *State {
	return &State{Input: input, Outputs: make(map[string]string)}
}

// Executor runs steps using handlers keyed by step type.
type Executor struct {
	Handlers map[string]Handler
	tracer   trace.Tracer
}

// NewExecutor creates an executor with the given handlers.
func NewExecutor(handlers map[string]Handler) *Executor {
	return &Executor{
		Handlers: handlers,
		tracer:   otel.Tracer(telemetry.TracerName),
	}
}

// Execute runs steps in order and returns the final state. It stops at the
// first failing step.
func (e *Executor) Execute(ctx context.Context, steps []Step, state *State) (*State, error) {
	if err := Validate(steps); err != nil {
		return nil, err
	}
	if state == nil {
		state = NewState("")
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		handler := e.Handlers[step.Type]
		if handler == nil {
			return state, fmt.Errorf("no handler for step type %q", step.Type)
		}

		stepCtx, span := e.tracer.Start(ctx, "workflow.Step",
			trace.WithAttributes(
				attribute.String(telemetry.AttrStepID, step.ID),
				attribute.String(telemetry.AttrStepType, step.Type),
			),
		)
		output, err := handler(stepCtx, step, state)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return state, fmt.Errorf("step %q failed: %w", step.ID, err)
		}
		span.End()

		state.Outputs[step.ID] = output
		state.Last = output
	}
	return state, nil
}

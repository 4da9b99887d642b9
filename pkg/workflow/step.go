// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflow runs the step sequence of a skill.
//
// Steps run in order. Each step sees the original input, the output of the
// previous step and the outputs of every earlier step by id.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Step types.
const (
	TypeAgent  = "agent"
	TypeTool   = "tool"
	TypeScript = "script"
)

// Step is one unit of a skill workflow.
type Step struct {
	ID   string `json:"id,omitempty" yaml:"id,omitempty"`
	Type string `json:"type" yaml:"type"`

	// agent
	Prompt       string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`

	// tool
	Connection string         `json:"connection,omitempty" yaml:"connection,omitempty"`
	Tool       string         `json:"tool,omitempty" yaml:"tool,omitempty"`
	Args       map[string]any `json:"args,omitempty" yaml:"args,omitempty"`

	// script
	Script string `json:"script,omitempty" yaml:"script,omitempty"`
}

// ParseSteps decodes a step list stored as JSON or YAML and validates it.
// Empty input yields no steps.
func ParseSteps(data []byte) ([]Step, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	var steps []Step
	if data[0] == '[' {
		if err := json.Unmarshal(data, &steps); err != nil {
			return nil, fmt.Errorf("parse json steps: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("parse yaml steps: %w", err)
	}
	if err := Validate(steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// Validate checks step types and required fields and fills in missing ids.
func Validate(steps []Step) error {
	seen := make(map[string]bool, len(steps))
	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			s.ID = fmt.Sprintf("step-%d", i+1)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true

		switch s.Type {
		case TypeAgent:
			if s.Prompt == "" {
				return fmt.Errorf("step %q: agent step requires a prompt", s.ID)
			}
		case TypeTool:
			if s.Connection == "" || s.Tool == "" {
				return fmt.Errorf("step %q: tool step requires connection and tool", s.ID)
			}
		case TypeScript:
			if s.Script == "" {
				return fmt.Errorf("step %q: script step requires a script", s.ID)
			}
		case "":
			return fmt.Errorf("step %q missing type", s.ID)
		default:
			return fmt.Errorf("step %q: unknown type %q", s.ID, s.Type)
		}
	}
	return nil
}

// SPDX-License-Identifier: Apache-2.0
package store

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the status ends the lifecycle.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Trigger is what started an execution.
type Trigger string

const (
	TriggerWebhook  Trigger = "webhook"
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
	TriggerChat     Trigger = "chat"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerWebhook, TriggerManual, TriggerSchedule, TriggerChat:
		return true
	}
	return false
}

// Skill is a reusable workflow definition.
type Skill struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	TriggerType Trigger         `json:"triggerType"`
	Steps       json.RawMessage `json:"steps"`
	Connections []string        `json:"connections"`
	Active      bool            `json:"active"`
	RunCount    int64           `json:"runCount"`
	LastRunAt   *time.Time      `json:"lastRunAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// SkillSummary is the catalog view of a skill, without its steps.
type SkillSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Execution is one persisted run attempt.
type Execution struct {
	ID          string          `json:"id"`
	SkillID     string          `json:"skillId,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Trigger     Trigger         `json:"trigger"`
	Input       json.RawMessage `json:"input"`
	Output      string          `json:"output,omitempty"`
	Trace       json.RawMessage `json:"trace,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	DurationMs  *int64          `json:"durationMs,omitempty"`
	Tokens      *int64          `json:"tokens,omitempty"`
	Cost        *float64        `json:"cost,omitempty"`
}

// NewExecution describes an execution about to start.
type NewExecution struct {
	// ID is optional; one is generated when empty.
	ID      string
	SkillID string
	Trigger Trigger
	Input   json.RawMessage
}

// Completion is the terminal update of an execution.
type Completion struct {
	Status     ExecutionStatus
	Output     string
	Trace      json.RawMessage
	Error      string
	DurationMs int64
	Tokens     int64
	Cost       float64
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	SkillID string
	Status  ExecutionStatus
	Trigger Trigger
	Since   time.Time
	Limit   int
}

// Transport is how a tool connection is reached.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// Connection is a named external tool server.
type Connection struct {
	Name      string            `json:"name"`
	Transport Transport         `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	URL       string            `json:"url,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Enabled   bool              `json:"enabled"`
}

// File is an uploaded artifact reference.
type File struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ResultRecord is the persisted response of one request.
type ResultRecord struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"requestId"`
	ExecutionID string    `json:"executionId,omitempty"`
	SkillID     string    `json:"skillId,omitempty"`
	Prompt      string    `json:"prompt"`
	Response    string    `json:"response"`
	Files       []File    `json:"files"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span and metric attribute keys used across the runner.
const (
	AttrRequestID   = "kairos.request.id"
	AttrExecutionID = "kairos.execution.id"
	AttrSkillID     = "kairos.skill.id"
	AttrSkillName   = "kairos.skill.name"
	AttrTrigger     = "kairos.execution.trigger"
	AttrStatus      = "kairos.execution.status"
	AttrMode        = "kairos.request.mode" // sync, async
	AttrPath        = "kairos.run.path"     // oneoff, skill

	AttrStepID   = "kairos.step.id"
	AttrStepType = "kairos.step.type"

	AttrConfidence = "kairos.classifier.confidence"
	AttrMatched    = "kairos.classifier.matched"

	AttrFilesCount = "kairos.artifacts.count"

	AttrTokens  = "gen_ai.usage.total_tokens"
	AttrCostUSD = "kairos.agent.cost_usd"

	AttrErrorCode = "error.code"
	AttrComponent = "component"
)

// RequestAttributes returns the attributes identifying one pipeline run.
func RequestAttributes(requestID, mode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRequestID, requestID),
		attribute.String(AttrMode, mode),
	}
}

// SkillAttributes returns the attributes identifying a matched skill.
func SkillAttributes(id, name string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSkillID, id),
		attribute.String(AttrSkillName, name),
	}
}

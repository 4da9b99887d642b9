// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package classifier matches a free-text prompt against the active skill
// catalog.
//
// Classification never fails from the caller's point of view: any error along
// the way (catalog read, language capability, parsing, skill lookup) degrades
// to a "none" result so the pipeline can fall back to a one-off run.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jllopis/kairos-runner/pkg/llm"
	"github.com/jllopis/kairos-runner/pkg/resilience"
	"github.com/jllopis/kairos-runner/pkg/store"
	"github.com/jllopis/kairos-runner/pkg/telemetry"
)

// Confidence is the tier reported for a classification.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	}
	return 0
}

// ParseConfidence normalises a tier name. Unknown values map to none.
func ParseConfidence(s string) Confidence {
	switch c := Confidence(strings.ToLower(strings.TrimSpace(s))); c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return c
	}
	return ConfidenceNone
}

// Result is the outcome of a classification. It is never persisted.
type Result struct {
	SkillID    string       `json:"skillId,omitempty"`
	Skill      *store.Skill `json:"-"`
	Confidence Confidence   `json:"confidence"`
	Reasoning  string       `json:"reasoning,omitempty"`
}

// Matched reports whether a skill was selected.
func (r Result) Matched() bool {
	return r.Skill != nil
}

func none(reason string) Result {
	return Result{Confidence: ConfidenceNone, Reasoning: reason}
}

// Catalog is the read side of the skill store used by the classifier.
type Catalog interface {
	ListActiveSkills(ctx context.Context) ([]store.SkillSummary, error)
	GetSkill(ctx context.Context, id string) (*store.Skill, error)
}

// Classifier selects at most one skill for a prompt.
type Classifier struct {
	catalog       Catalog
	provider      llm.Provider
	model         string
	minConfidence Confidence
	timeout       time.Duration
	breaker       *resilience.CircuitBreaker
	logger        *slog.Logger
	metrics       *telemetry.PipelineMetrics
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithModel sets the model passed to the provider.
func WithModel(model string) Option {
	return func(c *Classifier) { c.model = model }
}

// WithMinConfidence drops matches below the given tier.
func WithMinConfidence(min Confidence) Option {
	return func(c *Classifier) {
		if min != ConfidenceNone {
			c.minConfidence = min
		}
	}
}

// WithTimeout bounds the language capability call.
func WithTimeout(d time.Duration) Option {
	return func(c *Classifier) { c.timeout = d }
}

// WithCircuitBreaker short-circuits classification while the provider is failing.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Classifier) { c.breaker = cb }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records classification outcomes.
func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(c *Classifier) { c.metrics = m }
}

// New creates a classifier.
func New(catalog Catalog, provider llm.Provider, opts ...Option) *Classifier {
	c := &Classifier{
		catalog:       catalog,
		provider:      provider,
		minConfidence: ConfidenceLow,
		timeout:       30 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the skill matching prompt, or a none result.
func (c *Classifier) Classify(ctx context.Context, prompt string) (res Result) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "classifier.Classify")
	defer func() {
		span.SetAttributes(
			attribute.String(telemetry.AttrConfidence, string(res.Confidence)),
			attribute.Bool(telemetry.AttrMatched, res.Matched()),
		)
		if res.Matched() {
			span.SetAttributes(telemetry.SkillAttributes(res.Skill.ID, res.Skill.Name)...)
		}
		span.End()
		c.metrics.RecordClassification(ctx, string(res.Confidence), res.Matched())
	}()
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "classifier panic", "panic", r)
			res = none("classification failed")
		}
	}()

	catalog, err := c.catalog.ListActiveSkills(ctx)
	if err != nil {
		c.degrade(ctx, "list skills", err)
		return none("skill catalog unavailable")
	}
	if len(catalog) == 0 {
		return none("no active skills")
	}

	raw, err := c.ask(ctx, buildPrompt(catalog, prompt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.degrade(ctx, "language capability", err)
		return none("classification unavailable")
	}

	reply, ok := parseReply(raw)
	if !ok {
		c.logger.WarnContext(ctx, "classifier reply has no JSON object")
		return none("unparseable classification")
	}
	if !reply.Match || strings.TrimSpace(reply.WorkflowName) == "" {
		return none(reply.Reasoning)
	}

	conf := ParseConfidence(reply.Confidence)
	if conf.rank() < c.minConfidence.rank() {
		return none(fmt.Sprintf("confidence %s below %s", conf, c.minConfidence))
	}

	summary, ok := resolve(catalog, reply.WorkflowName)
	if !ok {
		return none(fmt.Sprintf("unknown skill %q", reply.WorkflowName))
	}

	skill, err := c.catalog.GetSkill(ctx, summary.ID)
	if err != nil {
		c.degrade(ctx, "get skill", err)
		return none("skill unavailable")
	}

	c.logger.InfoContext(ctx, "prompt classified",
		"skill_id", skill.ID, "skill", skill.Name, "confidence", conf)
	return Result{SkillID: skill.ID, Skill: skill, Confidence: conf, Reasoning: reply.Reasoning}
}

func (c *Classifier) ask(ctx context.Context, prompt string) (string, error) {
	call := func() (string, error) {
		return resilience.WithTimeoutResult(ctx, resilience.TimeoutConfig{Duration: c.timeout}, func() (string, error) {
			return llm.Complete(ctx, c.provider, c.model, systemPrompt, prompt)
		})
	}
	if c.breaker == nil {
		return call()
	}
	var out string
	err := c.breaker.Call(ctx, func() error {
		var err error
		out, err = call()
		return err
	})
	return out, err
}

func (c *Classifier) degrade(ctx context.Context, stage string, err error) {
	c.logger.WarnContext(ctx, "classification degraded", "stage", stage, "error", err)
	c.metrics.RecordError(ctx, err, "classifier")
}

func resolve(catalog []store.SkillSummary, name string) (store.SkillSummary, bool) {
	name = strings.TrimSpace(name)
	for _, s := range catalog {
		if strings.EqualFold(strings.TrimSpace(s.Name), name) {
			return s, true
		}
	}
	return store.SkillSummary{}, false
}

type reply struct {
	Match        bool   `json:"match"`
	WorkflowName string `json:"workflowName"`
	Confidence   string `json:"confidence"`
	Reasoning    string `json:"reasoning"`
}

// parseReply decodes the first balanced JSON object in raw that parses.
func parseReply(raw string) (reply, bool) {
	for _, candidate := range jsonObjects(raw) {
		var r reply
		if err := json.Unmarshal([]byte(candidate), &r); err == nil {
			return r, true
		}
	}
	return reply{}, false
}

// jsonObjects returns every balanced {...} span in s, in order of their
// opening brace. Braces inside JSON strings are ignored.
func jsonObjects(s string) []string {
	var out []string
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end := matchBrace(s, start); end > 0 {
			out = append(out, s[start:end+1])
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return out
}

func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

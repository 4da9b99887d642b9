// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline takes a request through classification, execution and
// completion.
//
// A run moves received → validated → (classifying) → executing → finalizing →
// responded, or to failed from any non-terminal state. Each step reports a
// StepResult: Recovered steps are logged and the run continues, Fatal steps
// fail the run. Only the orchestration step can be Fatal once the request is
// valid; storage, artifact and event failures after that point never change
// what the caller receives.
//
// Only runs that match a skill are persisted as executions. The execution row
// is created, together with the skill's run statistics, before orchestration
// starts.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/kairos-runner/pkg/agent"
	"github.com/jllopis/kairos-runner/pkg/artifacts"
	"github.com/jllopis/kairos-runner/pkg/classifier"
	"github.com/jllopis/kairos-runner/pkg/errors"
	"github.com/jllopis/kairos-runner/pkg/events"
	"github.com/jllopis/kairos-runner/pkg/orchestrator"
	"github.com/jllopis/kairos-runner/pkg/store"
	"github.com/jllopis/kairos-runner/pkg/telemetry"
)

const maxRequestIDLen = 128

// Request is an incoming prompt.
type Request struct {
	Prompt         string         `json:"prompt"`
	RequestID      string         `json:"requestId,omitempty"`
	SystemPrompt   string         `json:"systemPrompt,omitempty"`
	Async          bool           `json:"async,omitempty"`
	SearchWorkflow bool           `json:"searchWorkflow,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Response is the result of a synchronous run.
type Response struct {
	Response    string          `json:"response"`
	Files       []store.File    `json:"files"`
	RequestID   string          `json:"requestId"`
	Trace       []agent.Message `json:"trace"`
	WorkflowID  string          `json:"workflowId,omitempty"`
	Workflow    string          `json:"workflow,omitempty"`
	ExecutionID string          `json:"executionId,omitempty"`
}

// Ack acknowledges an asynchronous request.
type Ack struct {
	Status    string `json:"status"`
	RequestID string `json:"requestId"`
}

// Classifier matches a prompt to a skill.
type Classifier interface {
	Classify(ctx context.Context, prompt string) classifier.Result
}

// Orchestrator runs a prompt, optionally through a skill.
type Orchestrator interface {
	Run(ctx context.Context, skill *store.Skill, prompt, requestID string, conns []store.Connection, systemPrompt string) (*orchestrator.Result, error)
}

// Store is the persistence the pipeline writes to.
type Store interface {
	ListConnections(ctx context.Context, names []string) ([]store.Connection, error)
	StartExecution(ctx context.Context, in store.NewExecution) (*store.Execution, error)
	FinishExecution(ctx context.Context, id string, c store.Completion) error
	SaveResult(ctx context.Context, r *store.ResultRecord) error
}

// Artifacts handles the files a run leaves behind.
type Artifacts interface {
	Detect(dir string) ([]artifacts.File, error)
	UploadAll(ctx context.Context, files []artifacts.File, requestID string) []store.File
	Cleanup(dir string)
}

// Controller runs the pipeline. It is safe for concurrent use; runs share
// nothing but the store.
type Controller struct {
	store          Store
	orchestrator   Orchestrator
	classifier     Classifier
	artifacts      Artifacts
	events         events.Publisher
	metrics        *telemetry.PipelineMetrics
	scheduler      *Scheduler
	logger         *slog.Logger
	tracer         trace.Tracer
	defaultTrigger store.Trigger
	now            func() time.Time
	newID          func() string
}

// Option configures a Controller.
type Option func(*Controller)

// WithClassifier enables workflow search.
func WithClassifier(c Classifier) Option {
	return func(ctl *Controller) { ctl.classifier = c }
}

// WithArtifacts sets the artifact handler.
func WithArtifacts(a Artifacts) Option {
	return func(ctl *Controller) { ctl.artifacts = a }
}

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) Option {
	return func(ctl *Controller) {
		if p != nil {
			ctl.events = p
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(ctl *Controller) { ctl.metrics = m }
}

// WithScheduler sets the scheduler for detached work.
func WithScheduler(s *Scheduler) Option {
	return func(ctl *Controller) {
		if s != nil {
			ctl.scheduler = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ctl *Controller) {
		if logger != nil {
			ctl.logger = logger
		}
	}
}

// WithDefaultTrigger sets the trigger recorded when the request names none.
func WithDefaultTrigger(t store.Trigger) Option {
	return func(ctl *Controller) { ctl.defaultTrigger = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(ctl *Controller) { ctl.now = now }
}

// WithIDGenerator overrides request id generation.
func WithIDGenerator(fn func() string) Option {
	return func(ctl *Controller) { ctl.newID = fn }
}

// New creates a controller.
func New(st Store, orch Orchestrator, opts ...Option) *Controller {
	c := &Controller{
		store:          st,
		orchestrator:   orch,
		events:         events.Noop{},
		logger:         slog.Default(),
		tracer:         otel.Tracer(telemetry.TracerName),
		defaultTrigger: store.TriggerWebhook,
		now:            time.Now,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.scheduler == nil {
		c.scheduler = NewScheduler(c.logger)
	}
	return c
}

// Scheduler returns the scheduler running detached work.
func (c *Controller) Scheduler() *Scheduler { return c.scheduler }

// Run executes req and waits for the response.
func (c *Controller) Run(ctx context.Context, req Request) (*Response, error) {
	req, err := c.validate(req)
	if err != nil {
		c.metrics.RecordRequest(ctx, "sync", "invalid")
		return nil, err
	}
	return c.execute(ctx, req, "sync")
}

// Submit validates req and runs the rest of the pipeline detached. Failures
// after the acknowledgement are only visible in logs, metrics and the
// execution record.
func (c *Controller) Submit(ctx context.Context, req Request) (Ack, error) {
	req, err := c.validate(req)
	if err != nil {
		c.metrics.RecordRequest(ctx, "async", "invalid")
		return Ack{}, err
	}
	ok := c.scheduler.Go(ctx, "pipeline "+req.RequestID, func(ctx context.Context) error {
		_, err := c.execute(ctx, req, "async")
		return err
	})
	if !ok {
		return Ack{}, errors.New(errors.CodeInternal, "runner is shutting down", nil)
	}
	return Ack{Status: "processing", RequestID: req.RequestID}, nil
}

// Dispatch runs req synchronously or submits it, depending on req.Async.
// Exactly one of the returned values is set on success.
func (c *Controller) Dispatch(ctx context.Context, req Request) (*Response, *Ack, error) {
	if req.Async {
		ack, err := c.Submit(ctx, req)
		if err != nil {
			return nil, nil, err
		}
		return nil, &ack, nil
	}
	resp, err := c.Run(ctx, req)
	return resp, nil, err
}

// validate is the received → validated transition.
func (c *Controller) validate(req Request) (Request, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.Prompt == "" {
		return req, errors.New(errors.CodeInvalidInput, "prompt is required", nil)
	}
	if len(req.RequestID) > maxRequestIDLen {
		return req, errors.Newf(errors.CodeInvalidInput, "requestId exceeds %d characters", maxRequestIDLen)
	}
	if strings.IndexFunc(req.RequestID, unicode.IsControl) >= 0 {
		return req, errors.New(errors.CodeInvalidInput, "requestId contains control characters", nil)
	}
	if v, ok := req.Metadata["trigger"]; ok {
		s, isString := v.(string)
		if !isString || !store.Trigger(s).Valid() {
			return req, errors.New(errors.CodeInvalidInput, "metadata.trigger must be one of webhook, manual, schedule, chat", nil)
		}
	}
	if req.RequestID == "" {
		req.RequestID = c.newID()
	}
	return req, nil
}

// run tracks the state of one request.
type run struct {
	state     State
	requestID string
	logger    *slog.Logger
	span      trace.Span

	// unconfirmed is an execution whose start was reported failed. The
	// insert may still have committed, so it is finished like any other.
	unconfirmed *store.Execution
}

func (r *run) to(next State) {
	if !CanTransition(r.state, next) {
		r.logger.Error("invalid pipeline transition", "from", r.state.String(), "to", next.String())
		return
	}
	r.logger.Debug("pipeline state", "from", r.state.String(), "to", next.String())
	r.span.AddEvent(next.String())
	r.state = next
}

func (c *Controller) execute(ctx context.Context, req Request, mode string) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(telemetry.RequestAttributes(req.RequestID, mode)...))
	defer span.End()

	started := c.now()
	r := &run{
		state:     StateValidated,
		requestID: req.RequestID,
		logger:    c.logger.With("request_id", req.RequestID, "mode", mode),
		span:      span,
	}

	var skill *store.Skill
	if req.SearchWorkflow && c.classifier != nil {
		r.to(StateClassifying)
		if res := c.classify(ctx, req.Prompt); res.Outcome == Ok {
			skill = res.Value
			span.SetAttributes(telemetry.SkillAttributes(skill.ID, skill.Name)...)
		} else {
			r.logger.DebugContext(ctx, "no workflow matched", "reason", res.Err)
		}
	}

	r.to(StateExecuting)
	conns := c.connections(ctx, skill)
	if conns.Outcome == Recovered {
		r.logger.WarnContext(ctx, "could not load tool connections", "error", conns.Err)
	}
	exec := c.startExecution(ctx, req, skill)
	if exec.Outcome == Recovered {
		c.metrics.RecordError(ctx, exec.Err, "pipeline")
		r.logger.WarnContext(ctx, "execution not tracked", "skill", skill.Name, "error", exec.Err)
		r.unconfirmed, exec.Value = exec.Value, nil
	}

	path := "oneoff"
	if skill != nil {
		path = "skill"
	}
	res, err := c.orchestrator.Run(ctx, skill, req.Prompt, req.RequestID, conns.Value, req.SystemPrompt)
	if err != nil {
		r.to(StateFailed)
		c.fail(ctx, r, exec.Value, res, err, started)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordRequest(ctx, mode, "failed")
		c.metrics.RecordDuration(ctx, path, c.now().Sub(started))
		return nil, err
	}

	r.to(StateFinalizing)
	resp := c.finalize(ctx, r, req, skill, exec.Value, res, started)
	r.to(StateResponded)

	span.SetAttributes(attribute.Int(telemetry.AttrFilesCount, len(resp.Files)))
	c.metrics.RecordRequest(ctx, mode, "ok")
	c.metrics.RecordDuration(ctx, path, c.now().Sub(started))
	r.logger.InfoContext(ctx, "pipeline run finished", "path", path,
		"files", len(resp.Files), "duration_ms", c.now().Sub(started).Milliseconds())
	return resp, nil
}

func (c *Controller) classify(ctx context.Context, prompt string) StepResult[*store.Skill] {
	res := c.classifier.Classify(ctx, prompt)
	if !res.Matched() || res.Skill == nil {
		return Recover[*store.Skill](nil, errors.New(errors.CodeNotFound, res.Reasoning, nil))
	}
	return OK(res.Skill)
}

// connections returns every enabled connection for one-off runs and the
// skill's own connections otherwise.
func (c *Controller) connections(ctx context.Context, skill *store.Skill) StepResult[[]store.Connection] {
	var names []string
	if skill != nil {
		if len(skill.Connections) == 0 {
			return OK[[]store.Connection](nil)
		}
		names = skill.Connections
	}
	conns, err := c.store.ListConnections(ctx, names)
	if err != nil {
		return Recover[[]store.Connection](nil, err)
	}
	return OK(conns)
}

func (c *Controller) startExecution(ctx context.Context, req Request, skill *store.Skill) StepResult[*store.Execution] {
	if skill == nil {
		return OK[*store.Execution](nil)
	}
	input, err := json.Marshal(map[string]any{
		"prompt":       req.Prompt,
		"requestId":    req.RequestID,
		"systemPrompt": req.SystemPrompt,
		"metadata":     req.Metadata,
	})
	if err != nil {
		return Recover[*store.Execution](nil, err)
	}
	trigger := c.trigger(req)
	in := store.NewExecution{
		ID:      c.newID(),
		SkillID: skill.ID,
		Trigger: trigger,
		Input:   input,
	}
	exec, err := c.store.StartExecution(ctx, in)
	if err != nil {
		return Recover(&store.Execution{
			ID:      in.ID,
			SkillID: in.SkillID,
			Status:  store.StatusRunning,
			Trigger: in.Trigger,
		}, err)
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String(telemetry.AttrExecutionID, exec.ID),
		attribute.String(telemetry.AttrTrigger, string(trigger)),
	)
	c.metrics.RecordExecution(ctx, string(store.StatusRunning))
	events.Emit(ctx, c.events, c.logger, events.Event{
		ExecutionID: exec.ID,
		SkillID:     skill.ID,
		RequestID:   req.RequestID,
		Trigger:     string(trigger),
		Status:      string(store.StatusRunning),
		Time:        exec.StartedAt,
	})
	return OK(exec)
}

func (c *Controller) trigger(req Request) store.Trigger {
	if s, ok := req.Metadata["trigger"].(string); ok && store.Trigger(s).Valid() {
		return store.Trigger(s)
	}
	return c.defaultTrigger
}

// finalize uploads artifacts, persists the result and completes the
// execution. Nothing here can fail the run.
func (c *Controller) finalize(ctx context.Context, r *run, req Request, skill *store.Skill, exec *store.Execution, res *orchestrator.Result, started time.Time) *Response {
	// The response is already decided: write-back survives a caller that has
	// gone away.
	wctx := context.WithoutCancel(ctx)

	files := c.uploadArtifacts(wctx, r, res.WorkDir)
	c.cleanup(wctx, res.WorkDir)

	resp := &Response{
		Response:  res.Text + artifacts.FileListing(files),
		Files:     files,
		RequestID: req.RequestID,
		Trace:     res.Trace,
	}
	if resp.Files == nil {
		resp.Files = []store.File{}
	}
	if resp.Trace == nil {
		resp.Trace = []agent.Message{}
	}
	if skill != nil {
		resp.WorkflowID = skill.ID
		resp.Workflow = skill.Name
	}

	record := &store.ResultRecord{
		RequestID: req.RequestID,
		Prompt:    req.Prompt,
		Response:  resp.Response,
		Files:     files,
	}
	if skill != nil {
		record.SkillID = skill.ID
	}
	if exec != nil {
		record.ExecutionID = exec.ID
		resp.ExecutionID = exec.ID
	}
	if err := c.store.SaveResult(wctx, record); err != nil {
		c.metrics.RecordError(wctx, err, "pipeline")
		r.logger.WarnContext(ctx, "could not save result", "error", err)
	}

	if exec != nil || r.unconfirmed != nil {
		duration := c.now().Sub(started)
		c.finish(wctx, r, exec, req, store.Completion{
			Status:     store.StatusCompleted,
			Output:     resp.Response,
			Trace:      marshalTrace(r, res.Trace),
			DurationMs: duration.Milliseconds(),
			Tokens:     res.Usage.Total(),
			Cost:       res.Usage.CostUSD,
		})
	}
	return resp
}

func (c *Controller) uploadArtifacts(ctx context.Context, r *run, dir string) []store.File {
	if c.artifacts == nil || dir == "" {
		return nil
	}
	found, err := c.artifacts.Detect(dir)
	if err != nil {
		r.logger.WarnContext(ctx, "artifact detection failed", "error", err)
		return nil
	}
	if len(found) == 0 {
		return nil
	}
	return c.artifacts.UploadAll(ctx, found, r.requestID)
}

// fail records a failed orchestration. The error itself is returned to the
// caller by execute.
func (c *Controller) fail(ctx context.Context, r *run, exec *store.Execution, res *orchestrator.Result, cause error, started time.Time) {
	wctx := context.WithoutCancel(ctx)
	c.metrics.RecordError(wctx, cause, "orchestrator")
	r.logger.ErrorContext(ctx, "pipeline run failed", "error", cause)

	if exec != nil || r.unconfirmed != nil {
		completion := store.Completion{
			Status:     store.StatusFailed,
			Error:      cause.Error(),
			DurationMs: c.now().Sub(started).Milliseconds(),
		}
		if res != nil {
			completion.Output = res.Text
			completion.Trace = marshalTrace(r, res.Trace)
			completion.Tokens = res.Usage.Total()
			completion.Cost = res.Usage.CostUSD
		}
		c.finish(wctx, r, exec, Request{RequestID: r.requestID}, completion)
	}
	if res != nil {
		c.cleanup(wctx, res.WorkDir)
	}
}

// finish completes exec, or the run's unconfirmed execution when exec is nil.
func (c *Controller) finish(ctx context.Context, r *run, exec *store.Execution, req Request, completion store.Completion) {
	confirmed := exec != nil
	if !confirmed {
		exec = r.unconfirmed
	}
	if exec == nil {
		return
	}
	err := c.store.FinishExecution(ctx, exec.ID, completion)
	if !confirmed && errors.HasCode(err, errors.CodeNotFound) {
		r.logger.DebugContext(ctx, "untracked execution was never written", "execution_id", exec.ID)
		return
	}
	if err != nil {
		c.metrics.RecordError(ctx, err, "pipeline")
		r.logger.WarnContext(ctx, "could not complete execution",
			"execution_id", exec.ID, "status", string(completion.Status), "error", err)
		return
	}
	if !confirmed {
		r.logger.WarnContext(ctx, "execution start committed after it was reported failed",
			"execution_id", exec.ID, "status", string(completion.Status))
	}
	c.metrics.RecordExecution(ctx, string(completion.Status))
	events.Emit(ctx, c.events, c.logger, events.Event{
		ExecutionID: exec.ID,
		SkillID:     exec.SkillID,
		RequestID:   req.RequestID,
		Trigger:     string(exec.Trigger),
		Status:      string(completion.Status),
		DurationMs:  completion.DurationMs,
		Error:       completion.Error,
		Time:        c.now().UTC(),
	})
}

// cleanup removes the working directory in the background.
func (c *Controller) cleanup(ctx context.Context, dir string) {
	if dir == "" {
		return
	}
	remove := func() {
		if c.artifacts != nil {
			c.artifacts.Cleanup(dir)
			return
		}
		artifacts.New(nil, artifacts.WithLogger(c.logger)).Cleanup(dir)
	}
	if !c.scheduler.Go(ctx, "cleanup "+dir, func(context.Context) error {
		remove()
		return nil
	}) {
		remove()
	}
}

func marshalTrace(r *run, msgs []agent.Message) json.RawMessage {
	if len(msgs) == 0 {
		return nil
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		r.logger.Warn("could not encode trace", "error", err)
		return nil
	}
	return data
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jradfs/cpaagent/audit"
	"github.com/jradfs/cpaagent/document"
	"github.com/jradfs/cpaagent/mcp"
	"github.com/jradfs/cpaagent/ratelimit"
)

// RunStatus tracks workflow run progress.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// StepResult records one executed step.
type StepResult struct {
	StepID     string         `json:"step_id"`
	Status     RunStatus      `json:"status"`
	Attempts   int            `json:"attempts"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Run is one execution of a workflow.
type Run struct {
	ID         string       `json:"id"`
	Workflow   string       `json:"workflow"`
	Status     RunStatus    `json:"status"`
	Steps      []StepResult `json:"steps,omitempty"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
}

// ToolInvoker calls a tool on a registered MCP server.
type ToolInvoker interface {
	Invoke(ctx context.Context, server, tool string, args map[string]any) (mcp.ToolsCallResult, error)
}

// DocumentProcessor ingests a document during a workflow run.
type DocumentProcessor interface {
	Process(ctx context.Context, name, clientID, content string) (document.Document, error)
}

// RunStore persists workflow runs.
type RunStore interface {
	PutRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	ListRuns(ctx context.Context, workflow string, limit int) ([]Run, error)
}

// EngineConfig configures a workflow engine.
type EngineConfig struct {
	Invoker   ToolInvoker
	Documents DocumentProcessor
	Runs      RunStore
	Limiter   *ratelimit.PerServer
	Audit     audit.Store
	Now       func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) error
}

// Engine executes workflow definitions step by step, threading step outputs
// through a state bag that later steps reference with "$state.<key>" args.
type Engine struct {
	invoker   ToolInvoker
	documents DocumentProcessor
	runs      RunStore
	limiter   *ratelimit.PerServer
	audit     audit.Store
	tracer    trace.Tracer
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a workflow engine. Invoker is required; the rest are
// optional capabilities.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Invoker == nil {
		return nil, errors.New("workflow: engine invoker is nil")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Sleep == nil {
		cfg.Sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
	return &Engine{
		invoker:   cfg.Invoker,
		documents: cfg.Documents,
		runs:      cfg.Runs,
		limiter:   cfg.Limiter,
		audit:     cfg.Audit,
		tracer:    otelapi.GetTracerProvider().Tracer("cpaagent/workflow"),
		now:       cfg.Now,
		sleep:     cfg.Sleep,
	}, nil
}

// Execute runs a definition to completion. Step failures stop the run unless
// the step sets continue_on_error. The returned run reflects the persisted
// record; a failed run yields a nil error.
func (e *Engine) Execute(ctx context.Context, def Definition, input map[string]any) (Run, error) {
	if e == nil {
		return Run{}, errors.New("workflow: engine is nil")
	}
	if err := def.Validate(); err != nil {
		return Run{}, err
	}

	run := Run{
		ID:        uuid.NewString(),
		Workflow:  def.Name,
		Status:    RunQueued,
		StartedAt: e.now(),
	}
	e.recordRunEvent(ctx, audit.KindRunStarted, run)

	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.name", def.Name),
		attribute.String("run.id", run.ID),
	))
	defer span.End()

	state := make(map[string]any, len(input))
	for k, v := range input {
		state[k] = v
	}

	run.Status = RunRunning
	for _, step := range def.Steps {
		if step.Kind == StepDocument && step.ClientID == "" {
			step.ClientID = def.ClientID
		}
		result := e.runStep(ctx, step, state)
		run.Steps = append(run.Steps, result)
		if result.Status == RunFailed && !step.ContinueOnError {
			run.Status = RunFailed
			run.Error = fmt.Sprintf("step %q: %s", step.ID, result.Error)
			break
		}
	}
	if run.Status == RunRunning {
		run.Status = RunSucceeded
	}
	run.FinishedAt = e.now()
	span.SetAttributes(attribute.String("run.status", string(run.Status)))
	if run.Status == RunFailed {
		span.SetStatus(codes.Error, run.Error)
	}

	if e.runs != nil {
		if err := e.runs.PutRun(ctx, run); err != nil {
			return Run{}, err
		}
	}
	e.recordRunEvent(ctx, audit.KindRunFinished, run)
	return run, nil
}

func (e *Engine) runStep(ctx context.Context, step Step, state map[string]any) StepResult {
	result := StepResult{
		StepID:    step.ID,
		StartedAt: e.now(),
	}

	ctx, span := e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.kind", string(step.Kind)),
	))
	defer span.End()

	attempts := step.Retries + 1
	var output map[string]any
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt
		output, err = e.executeStep(ctx, step, state)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	result.FinishedAt = e.now()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		result.Status = RunFailed
		result.Error = err.Error()
		return result
	}

	result.Status = RunSucceeded
	result.Output = output
	if step.SaveAs != "" && output != nil {
		state[step.SaveAs] = output
	}
	return result
}

func (e *Engine) executeStep(ctx context.Context, step Step, state map[string]any) (map[string]any, error) {
	switch step.Kind {
	case StepTool:
		return e.executeTool(ctx, step, state)
	case StepDocument:
		return e.executeDocument(ctx, step, state)
	case StepDelay:
		if err := e.sleep(ctx, time.Duration(step.DelayMS)*time.Millisecond); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func (e *Engine) executeTool(ctx context.Context, step Step, state map[string]any) (map[string]any, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, step.Server); err != nil {
			return nil, err
		}
	}

	args, err := resolveArgs(step.Args, state)
	if err != nil {
		return nil, err
	}

	result, err := e.invoker.Invoke(ctx, step.Server, step.Tool, args)
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, fmt.Errorf("tool %q reported an error: %s", step.Tool, contentText(result))
	}

	output := map[string]any{"text": contentText(result)}
	if len(result.StructuredContent) > 0 {
		output["structured"] = result.StructuredContent
	}
	return output, nil
}

func (e *Engine) executeDocument(ctx context.Context, step Step, state map[string]any) (map[string]any, error) {
	if e.documents == nil {
		return nil, errors.New("document steps are not enabled")
	}

	content, err := resolveValue(step.Document, state)
	if err != nil {
		return nil, err
	}
	text, ok := content.(string)
	if !ok {
		return nil, fmt.Errorf("document content for step %q is not text", step.ID)
	}

	doc, err := e.documents.Process(ctx, step.ID, step.ClientID, text)
	if err != nil {
		return nil, err
	}
	if doc.Status == document.StatusFailed {
		return nil, fmt.Errorf("document processing failed: %s", doc.Error)
	}

	return map[string]any{
		"document_id": doc.ID,
		"type":        string(doc.Type),
		"category":    doc.Category,
		"fields":      doc.Fields,
	}, nil
}

const stateRefPrefix = "$state."

// resolveArgs substitutes "$state.<key>" string values from the state bag.
func resolveArgs(args, state map[string]any) (map[string]any, error) {
	if args == nil {
		return nil, nil
	}
	resolved := make(map[string]any, len(args))
	for key, value := range args {
		out, err := resolveValue(value, state)
		if err != nil {
			return nil, err
		}
		resolved[key] = out
	}
	return resolved, nil
}

func resolveValue(value any, state map[string]any) (any, error) {
	text, ok := value.(string)
	if !ok || !strings.HasPrefix(text, stateRefPrefix) {
		return value, nil
	}

	path := strings.Split(strings.TrimPrefix(text, stateRefPrefix), ".")
	var current any = state
	for _, segment := range path {
		bag, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("state reference %q: %q is not an object", text, segment)
		}
		current, ok = bag[segment]
		if !ok {
			return nil, fmt.Errorf("state reference %q: key %q not found", text, segment)
		}
	}
	return current, nil
}

func contentText(result mcp.ToolsCallResult) string {
	var parts []string
	for _, block := range result.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (e *Engine) recordRunEvent(ctx context.Context, kind string, run Run) {
	if e.audit == nil {
		return
	}
	detail := map[string]any{
		"run_id": run.ID,
		"status": string(run.Status),
	}
	if !run.FinishedAt.IsZero() {
		detail["duration_ms"] = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
	}
	if run.Error != "" {
		detail["error"] = run.Error
	}
	_ = e.audit.Append(ctx, audit.NewEvent(kind, run.Workflow, detail).WithActor("workflow-engine"))
}

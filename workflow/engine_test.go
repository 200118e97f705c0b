package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	otelapi "go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jradfs/cpaagent/audit"
	"github.com/jradfs/cpaagent/document"
	"github.com/jradfs/cpaagent/mcp"
)

type invocation struct {
	server string
	tool   string
	args   map[string]any
}

type fakeInvoker struct {
	calls    []invocation
	results  map[string]mcp.ToolsCallResult
	errs     map[string]error
	failures int
}

func (f *fakeInvoker) Invoke(ctx context.Context, server, tool string, args map[string]any) (mcp.ToolsCallResult, error) {
	f.calls = append(f.calls, invocation{server: server, tool: tool, args: args})
	if f.failures > 0 {
		f.failures--
		return mcp.ToolsCallResult{}, errors.New("transient transport error")
	}
	if err, ok := f.errs[tool]; ok {
		return mcp.ToolsCallResult{}, err
	}
	if result, ok := f.results[tool]; ok {
		return result, nil
	}
	return mcp.ToolsCallResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: "ok"}},
	}, nil
}

func newTestEngine(t *testing.T, invoker ToolInvoker) (*Engine, *SQLiteStore, *audit.MemStore) {
	t.Helper()
	store, err := NewSQLiteStore(SQLiteStoreConfig{
		DSN: filepath.Join(t.TempDir(), "workflow.db"),
	})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	trail := audit.NewMemStore(0)
	engine, err := NewEngine(EngineConfig{
		Invoker: invoker,
		Runs:    store,
		Audit:   trail,
		Sleep:   func(ctx context.Context, d time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return engine, store, trail
}

func toolStep(id, server, tool string) Step {
	return Step{ID: id, Kind: StepTool, Server: server, Tool: tool}
}

func TestEngineExecuteSuccess(t *testing.T) {
	invoker := &fakeInvoker{results: map[string]mcp.ToolsCallResult{
		"query_transactions": {
			Content:           []mcp.ContentBlock{{Type: "text", Text: "32 transactions"}},
			StructuredContent: map[string]any{"count": 32},
		},
	}}
	engine, store, trail := newTestEngine(t, invoker)

	def := Definition{
		Name: "monthly-close",
		Steps: []Step{
			toolStep("pull", "quickbooks", "query_transactions"),
			{ID: "pause", Kind: StepDelay, DelayMS: 100},
		},
	}

	ctx := context.Background()
	run, err := engine.Execute(ctx, def, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if run.Status != RunSucceeded {
		t.Fatalf("Status = %q, want succeeded (error %q)", run.Status, run.Error)
	}
	if len(run.Steps) != 2 {
		t.Fatalf("Steps = %d, want 2", len(run.Steps))
	}
	if run.Steps[0].Output["text"] != "32 transactions" {
		t.Errorf("step output = %+v, want text content", run.Steps[0].Output)
	}

	stored, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if stored.Status != RunSucceeded {
		t.Errorf("stored Status = %q, want succeeded", stored.Status)
	}

	started, err := trail.List(ctx, audit.Query{Kind: audit.KindRunStarted})
	if err != nil || len(started) != 1 {
		t.Errorf("run.started events = %v (err %v), want 1", started, err)
	}
	finished, err := trail.List(ctx, audit.Query{Kind: audit.KindRunFinished})
	if err != nil || len(finished) != 1 {
		t.Errorf("run.finished events = %v (err %v), want 1", finished, err)
	}
}

func TestEngineStateReferences(t *testing.T) {
	invoker := &fakeInvoker{results: map[string]mcp.ToolsCallResult{
		"find_account": {
			Content:           []mcp.ContentBlock{{Type: "text", Text: "found"}},
			StructuredContent: map[string]any{"account_id": "acc-17"},
		},
	}}
	engine, _, _ := newTestEngine(t, invoker)

	def := Definition{
		Name: "post-entry",
		Steps: []Step{
			{ID: "find", Kind: StepTool, Server: "quickbooks", Tool: "find_account", SaveAs: "account"},
			{ID: "post", Kind: StepTool, Server: "quickbooks", Tool: "create_journal_entry", Args: map[string]any{
				"account_id": "$state.account.structured.account_id",
				"amount":     125.50,
			}},
		},
	}

	run, err := engine.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if run.Status != RunSucceeded {
		t.Fatalf("Status = %q, want succeeded (error %q)", run.Status, run.Error)
	}

	post := invoker.calls[len(invoker.calls)-1]
	if post.args["account_id"] != "acc-17" {
		t.Errorf("resolved account_id = %v, want acc-17", post.args["account_id"])
	}
	if post.args["amount"] != 125.50 {
		t.Errorf("amount = %v, want literal passthrough", post.args["amount"])
	}
}

func TestEngineUnresolvedStateReferenceFails(t *testing.T) {
	engine, _, _ := newTestEngine(t, &fakeInvoker{})

	def := Definition{
		Name: "broken",
		Steps: []Step{
			{ID: "post", Kind: StepTool, Server: "quickbooks", Tool: "create_journal_entry", Args: map[string]any{
				"account_id": "$state.missing.key",
			}},
		},
	}

	run, err := engine.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if run.Status != RunFailed {
		t.Fatalf("Status = %q, want failed", run.Status)
	}
}

func TestEngineStepRetries(t *testing.T) {
	invoker := &fakeInvoker{failures: 2}
	engine, _, _ := newTestEngine(t, invoker)

	def := Definition{
		Name: "flaky",
		Steps: []Step{
			{ID: "pull", Kind: StepTool, Server: "quickbooks", Tool: "query_transactions", Retries: 2},
		},
	}

	run, err := engine.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if run.Status != RunSucceeded {
		t.Fatalf("Status = %q, want succeeded after retries (error %q)", run.Status, run.Error)
	}
	if run.Steps[0].Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", run.Steps[0].Attempts)
	}
}

func TestEngineContinueOnError(t *testing.T) {
	invoker := &fakeInvoker{errs: map[string]error{
		"notify": errors.New("slack is down"),
	}}
	engine, _, _ := newTestEngine(t, invoker)

	def := Definition{
		Name: "close-and-notify",
		Steps: []Step{
			{ID: "notify", Kind: StepTool, Server: "slack", Tool: "notify", ContinueOnError: true},
			toolStep("pull", "quickbooks", "query_transactions"),
		},
	}

	run, err := engine.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if run.Status != RunSucceeded {
		t.Fatalf("Status = %q, want succeeded past tolerated failure", run.Status)
	}
	if run.Steps[0].Status != RunFailed {
		t.Errorf("Steps[0].Status = %q, want failed", run.Steps[0].Status)
	}
	if run.Steps[1].Status != RunSucceeded {
		t.Errorf("Steps[1].Status = %q, want succeeded", run.Steps[1].Status)
	}
}

func TestEngineStopsOnFatalStep(t *testing.T) {
	invoker := &fakeInvoker{errs: map[string]error{
		"query_transactions": errors.New("server unreachable"),
	}}
	engine, _, _ := newTestEngine(t, invoker)

	def := Definition{
		Name: "monthly-close",
		Steps: []Step{
			toolStep("pull", "quickbooks", "query_transactions"),
			toolStep("post", "quickbooks", "create_journal_entry"),
		},
	}

	run, err := engine.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if run.Status != RunFailed {
		t.Fatalf("Status = %q, want failed", run.Status)
	}
	if len(run.Steps) != 1 {
		t.Fatalf("Steps = %d, want 1 (second step skipped)", len(run.Steps))
	}
	if run.Error == "" {
		t.Error("run Error is empty, want failure message")
	}
}

func TestEngineToolIsErrorResult(t *testing.T) {
	invoker := &fakeInvoker{results: map[string]mcp.ToolsCallResult{
		"create_journal_entry": {
			Content: []mcp.ContentBlock{{Type: "text", Text: "entry is unbalanced"}},
			IsError: true,
		},
	}}
	engine, _, _ := newTestEngine(t, invoker)

	def := Definition{
		Name:  "post-entry",
		Steps: []Step{toolStep("post", "quickbooks", "create_journal_entry")},
	}

	run, err := engine.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if run.Status != RunFailed {
		t.Fatalf("Status = %q, want failed on isError result", run.Status)
	}
}

type fakeDocProcessor struct {
	doc       document.Document
	err       error
	clientIDs []string
}

func (f *fakeDocProcessor) Process(ctx context.Context, name, clientID, content string) (document.Document, error) {
	f.clientIDs = append(f.clientIDs, clientID)
	if f.err != nil {
		return document.Document{}, f.err
	}
	return f.doc, nil
}

func TestEngineDocumentStep(t *testing.T) {
	store, err := NewSQLiteStore(SQLiteStoreConfig{
		DSN: filepath.Join(t.TempDir(), "workflow.db"),
	})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer store.Close()

	processed := document.NewDocument("ingest", "client-1")
	processed.Status = document.StatusProcessed
	processed.Type = document.TypeInvoice
	processed.Category = "invoices"
	processed.Fields = map[string]any{"total": 99.0}

	engine, err := NewEngine(EngineConfig{
		Invoker:   &fakeInvoker{},
		Documents: &fakeDocProcessor{doc: processed},
		Runs:      store,
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	def := Definition{
		Name: "ingest-invoice",
		Steps: []Step{
			{ID: "ingest", Kind: StepDocument, Document: "Invoice Number: 9\nAmount Due: $99.00", ClientID: "client-1", SaveAs: "doc"},
		},
	}

	run, err := engine.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if run.Status != RunSucceeded {
		t.Fatalf("Status = %q, want succeeded (error %q)", run.Status, run.Error)
	}
	if run.Steps[0].Output["category"] != "invoices" {
		t.Errorf("output = %+v, want category invoices", run.Steps[0].Output)
	}
}

func TestEngineDefinitionClientDefault(t *testing.T) {
	processed := document.NewDocument("ingest", "client-9")
	processed.Status = document.StatusProcessed
	docs := &fakeDocProcessor{doc: processed}

	engine, err := NewEngine(EngineConfig{
		Invoker:   &fakeInvoker{},
		Documents: docs,
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	def := Definition{
		Name:     "ingest-batch",
		ClientID: "client-9",
		Steps: []Step{
			{ID: "default", Kind: StepDocument, Document: "Invoice Number: 9"},
			{ID: "explicit", Kind: StepDocument, Document: "Invoice Number: 10", ClientID: "client-2"},
		},
	}

	run, err := engine.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if run.Status != RunSucceeded {
		t.Fatalf("Status = %q, want succeeded (error %q)", run.Status, run.Error)
	}
	want := []string{"client-9", "client-2"}
	if len(docs.clientIDs) != len(want) {
		t.Fatalf("Process calls = %d, want %d", len(docs.clientIDs), len(want))
	}
	for i, clientID := range want {
		if docs.clientIDs[i] != clientID {
			t.Errorf("step %d client = %q, want %q", i, docs.clientIDs[i], clientID)
		}
	}
}

func TestEngineRunAuditLifecycle(t *testing.T) {
	engine, _, trail := newTestEngine(t, &fakeInvoker{})

	def := Definition{
		Name:  "monthly-close",
		Steps: []Step{toolStep("pull", "quickbooks", "query_transactions")},
	}
	ctx := context.Background()
	if _, err := engine.Execute(ctx, def, nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	started, err := trail.List(ctx, audit.Query{Kind: audit.KindRunStarted})
	if err != nil || len(started) != 1 {
		t.Fatalf("run.started events = %d (err %v), want 1", len(started), err)
	}
	if started[0].Detail["status"] != string(RunQueued) {
		t.Errorf("started status = %v, want queued", started[0].Detail["status"])
	}
	if started[0].Actor != "workflow-engine" {
		t.Errorf("started actor = %q, want workflow-engine", started[0].Actor)
	}

	finished, err := trail.List(ctx, audit.Query{Kind: audit.KindRunFinished})
	if err != nil || len(finished) != 1 {
		t.Fatalf("run.finished events = %d (err %v), want 1", len(finished), err)
	}
	elapsed, ok := finished[0].Detail["duration_ms"].(int64)
	if !ok || elapsed < 0 {
		t.Errorf("finished duration_ms = %v, want non-negative int64", finished[0].Detail["duration_ms"])
	}
}

func TestEngineEmitsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	previous := otelapi.GetTracerProvider()
	otelapi.SetTracerProvider(tp)
	t.Cleanup(func() {
		otelapi.SetTracerProvider(previous)
		_ = tp.Shutdown(context.Background())
	})

	engine, err := NewEngine(EngineConfig{Invoker: &fakeInvoker{}})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	def := Definition{
		Name:  "monthly-close",
		Steps: []Step{toolStep("pull", "quickbooks", "query_transactions")},
	}
	if _, err := engine.Execute(context.Background(), def, nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	names := make(map[string]int)
	for _, span := range exporter.GetSpans() {
		names[span.Name]++
	}
	if names["workflow.run"] != 1 {
		t.Errorf("workflow.run spans = %d, want 1", names["workflow.run"])
	}
	if names["workflow.step"] != 1 {
		t.Errorf("workflow.step spans = %d, want 1", names["workflow.step"])
	}
}

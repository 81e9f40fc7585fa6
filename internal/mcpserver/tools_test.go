package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/daprelay/daprelay/internal/dap"
	"github.com/daprelay/daprelay/internal/session"
)

// toolAdapter satisfies session.Adapter without a debugpy process.
type toolAdapter struct {
	onInit     func()
	lastLaunch dap.LaunchConfig
	evalErr    error

	disconnectHadDeadline bool
}

func (a *toolAdapter) Initialize(ctx context.Context) (map[string]bool, error) {
	return map[string]bool{}, nil
}
func (a *toolAdapter) SetOnInitialized(fn func()) { a.onInit = fn }
func (a *toolAdapter) Launch(ctx context.Context, cfg dap.LaunchConfig) error {
	a.lastLaunch = cfg
	if a.onInit != nil {
		a.onInit()
	}
	return nil
}
func (a *toolAdapter) Attach(ctx context.Context, cfg dap.AttachConfig) error { return nil }
func (a *toolAdapter) SetBreakpoints(ctx context.Context, sourcePath string, specs []dap.BreakpointSpec) ([]dap.VerifiedBreakpoint, error) {
	return nil, nil
}
func (a *toolAdapter) SetExceptionBreakpoints(ctx context.Context, filters []dap.ExceptionFilter) error {
	return nil
}
func (a *toolAdapter) ConfigurationDone(ctx context.Context) error      { return nil }
func (a *toolAdapter) Continue(ctx context.Context, threadID int) error { return nil }
func (a *toolAdapter) Pause(ctx context.Context, threadID int) error    { return nil }
func (a *toolAdapter) StepNext(ctx context.Context, threadID int) error { return nil }
func (a *toolAdapter) StepIn(ctx context.Context, threadID int) error   { return nil }
func (a *toolAdapter) StepOut(ctx context.Context, threadID int) error  { return nil }
func (a *toolAdapter) Threads(ctx context.Context) ([]dap.Thread, error) {
	return []dap.Thread{{ID: 1, Name: "MainThread"}}, nil
}
func (a *toolAdapter) StackTrace(ctx context.Context, threadID, start, levels int) ([]dap.StackFrame, int, error) {
	return []dap.StackFrame{{ID: 1, Name: "main", Line: 1}}, 1, nil
}
func (a *toolAdapter) Scopes(ctx context.Context, frameID int) ([]dap.Scope, error) {
	return nil, nil
}
func (a *toolAdapter) Variables(ctx context.Context, ref, start, count int) ([]dap.Variable, error) {
	return nil, nil
}
func (a *toolAdapter) Evaluate(ctx context.Context, expression string, frameID int, evalCtx string) (dap.EvaluateResult, error) {
	if a.evalErr != nil {
		return dap.EvaluateResult{}, a.evalErr
	}
	return dap.EvaluateResult{Result: "ok"}, nil
}
func (a *toolAdapter) Disconnect(ctx context.Context) error {
	_, a.disconnectHadDeadline = ctx.Deadline()
	return nil
}

func testMCPServer(t *testing.T, adapter *toolAdapter) (*Server, *session.Manager) {
	t.Helper()
	mgr := session.NewManager(session.ManagerOptions{
		MaxSessions:    4,
		IdleTimeout:    time.Hour,
		MaxLifetime:    4 * time.Hour,
		OutputMaxBytes: 4096,
		EventQueueMax:  100,
		DataDir:        t.TempDir(),
		NewAdapter:     func(sink dap.EventSink) session.Adapter { return adapter },
	})
	return NewServer(mgr), mgr
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content type %T", res.Content[0])
	}
	return text.Text
}

func TestLaunchToolSchemaCoversInterpreterArgs(t *testing.T) {
	schema := string(launchTool().RawInputSchema)
	for _, prop := range []string{"program", "module", "args", "python_args", "stop_on_entry"} {
		if !strings.Contains(schema, `"`+prop+`"`) {
			t.Errorf("launch schema missing %q", prop)
		}
	}
}

func TestLaunchToolForwardsPythonArgs(t *testing.T) {
	adapter := &toolAdapter{}
	srv, mgr := testMCPServer(t, adapter)
	sess, _, err := mgr.Create(session.CreateRequest{Name: "t", ProjectRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := srv.handleLaunch(context.Background(), callRequest(map[string]any{
		"session_id":  sess.ID,
		"program":     "app.py",
		"python_args": []string{"-X", "dev"},
	}))
	if err != nil {
		t.Fatalf("handleLaunch: %v", err)
	}
	if res.IsError {
		t.Fatalf("launch failed: %s", resultText(t, res))
	}
	if len(adapter.lastLaunch.PythonArgs) != 2 || adapter.lastLaunch.PythonArgs[0] != "-X" {
		t.Errorf("python_args not forwarded: %+v", adapter.lastLaunch.PythonArgs)
	}
}

func TestEvaluateToolRaiseIsSuccessWithErrorBody(t *testing.T) {
	adapter := &toolAdapter{evalErr: &dap.RequestError{
		Command: "evaluate",
		Message: "ZeroDivisionError: division by zero",
	}}
	srv, mgr := testMCPServer(t, adapter)
	sess, _, err := mgr.Create(session.CreateRequest{Name: "t", ProjectRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := sess.Launch(context.Background(), dap.LaunchConfig{Program: "x"}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	sess.HandleEvent(dap.Event{Type: dap.EventStopped, Body: dap.StoppedBody{Reason: "breakpoint", ThreadID: 1}})

	res, err := srv.handleEvaluate(context.Background(), callRequest(map[string]any{
		"session_id": sess.ID,
		"expression": "1/0",
	}))
	if err != nil {
		t.Fatalf("handleEvaluate: %v", err)
	}
	if res.IsError {
		t.Fatalf("expression raising should not fail the call: %s", resultText(t, res))
	}
	var body struct {
		Data struct {
			Expression string `json:"expression"`
			Error      string `json:"error"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &body); err != nil {
		t.Fatal(err)
	}
	if body.Data.Expression != "1/0" || !strings.Contains(body.Data.Error, "ZeroDivisionError") {
		t.Errorf("body = %+v", body.Data)
	}
}

func TestTerminateToolForceBoundsDisconnect(t *testing.T) {
	adapter := &toolAdapter{}
	srv, mgr := testMCPServer(t, adapter)
	sess, _, err := mgr.Create(session.CreateRequest{Name: "t", ProjectRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := sess.Launch(context.Background(), dap.LaunchConfig{Program: "x"}); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	res, err := srv.handleTerminateSession(context.Background(), callRequest(map[string]any{
		"session_id": sess.ID,
		"force":      true,
	}))
	if err != nil {
		t.Fatalf("handleTerminateSession: %v", err)
	}
	if res.IsError {
		t.Fatalf("terminate failed: %s", resultText(t, res))
	}
	if !adapter.disconnectHadDeadline {
		t.Error("force should put a deadline on the adapter disconnect")
	}
}

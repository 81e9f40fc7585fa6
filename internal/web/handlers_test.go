package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/daprelay/daprelay/internal/dap"
	"github.com/daprelay/daprelay/internal/session"
)

// stubAdapter satisfies session.Adapter without a debugpy process.
type stubAdapter struct {
	onInit  func()
	evalErr error

	disconnectHadDeadline bool
}

func (a *stubAdapter) Initialize(ctx context.Context) (map[string]bool, error) {
	return map[string]bool{}, nil
}
func (a *stubAdapter) SetOnInitialized(fn func()) { a.onInit = fn }
func (a *stubAdapter) Launch(ctx context.Context, cfg dap.LaunchConfig) error {
	if a.onInit != nil {
		a.onInit()
	}
	return nil
}
func (a *stubAdapter) Attach(ctx context.Context, cfg dap.AttachConfig) error { return nil }
func (a *stubAdapter) SetBreakpoints(ctx context.Context, sourcePath string, specs []dap.BreakpointSpec) ([]dap.VerifiedBreakpoint, error) {
	out := make([]dap.VerifiedBreakpoint, len(specs))
	for i, spec := range specs {
		out[i] = dap.VerifiedBreakpoint{ID: i + 1, Verified: true, Line: spec.Line}
	}
	return out, nil
}
func (a *stubAdapter) SetExceptionBreakpoints(ctx context.Context, filters []dap.ExceptionFilter) error {
	return nil
}
func (a *stubAdapter) ConfigurationDone(ctx context.Context) error      { return nil }
func (a *stubAdapter) Continue(ctx context.Context, threadID int) error { return nil }
func (a *stubAdapter) Pause(ctx context.Context, threadID int) error    { return nil }
func (a *stubAdapter) StepNext(ctx context.Context, threadID int) error { return nil }
func (a *stubAdapter) StepIn(ctx context.Context, threadID int) error   { return nil }
func (a *stubAdapter) StepOut(ctx context.Context, threadID int) error  { return nil }
func (a *stubAdapter) Threads(ctx context.Context) ([]dap.Thread, error) {
	return []dap.Thread{{ID: 1, Name: "MainThread"}}, nil
}
func (a *stubAdapter) StackTrace(ctx context.Context, threadID, start, levels int) ([]dap.StackFrame, int, error) {
	return []dap.StackFrame{{ID: 1, Name: "main", Line: 1}}, 1, nil
}
func (a *stubAdapter) Scopes(ctx context.Context, frameID int) ([]dap.Scope, error) {
	return nil, nil
}
func (a *stubAdapter) Variables(ctx context.Context, ref, start, count int) ([]dap.Variable, error) {
	return nil, nil
}
func (a *stubAdapter) Evaluate(ctx context.Context, expression string, frameID int, evalCtx string) (dap.EvaluateResult, error) {
	if a.evalErr != nil {
		return dap.EvaluateResult{}, a.evalErr
	}
	return dap.EvaluateResult{Result: "ok"}, nil
}
func (a *stubAdapter) Disconnect(ctx context.Context) error {
	_, a.disconnectHadDeadline = ctx.Deadline()
	return nil
}

func testServer(t *testing.T, maxSessions int) (*httptest.Server, *session.Manager) {
	t.Helper()
	return testServerWith(t, maxSessions, func(sink dap.EventSink) session.Adapter { return &stubAdapter{} })
}

func testServerWith(t *testing.T, maxSessions int, factory session.AdapterFactory) (*httptest.Server, *session.Manager) {
	t.Helper()
	mgr := session.NewManager(session.ManagerOptions{
		MaxSessions:    maxSessions,
		IdleTimeout:    time.Hour,
		MaxLifetime:    4 * time.Hour,
		OutputMaxBytes: 4096,
		EventQueueMax:  100,
		DataDir:        t.TempDir(),
		NewAdapter:     factory,
	})
	srv := httptest.NewServer(NewRouter(mgr, "test"))
	t.Cleanup(srv.Close)
	return srv, mgr
}

type testEnvelope struct {
	OK       bool            `json:"ok"`
	Data     json.RawMessage `json:"data"`
	Warnings []string        `json:"warnings"`
	Error    *struct {
		Kind    string         `json:"kind"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func doJSON(t *testing.T, method, url string, body any) (int, testEnvelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var env testEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp.StatusCode, env
}

func createTestSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	status, env := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions",
		map[string]string{"name": "t", "project_root": t.TempDir()})
	if status != http.StatusCreated {
		t.Fatalf("create session status = %d", status)
	}
	var info session.Info
	if err := json.Unmarshal(env.Data, &info); err != nil {
		t.Fatal(err)
	}
	return info.ID
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t, 4)
	status, env := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil)
	if status != http.StatusOK || !env.OK {
		t.Fatalf("healthz = %d ok=%v", status, env.OK)
	}
}

func TestCreateAndGetSession(t *testing.T) {
	srv, _ := testServer(t, 4)
	id := createTestSession(t, srv)

	status, env := doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+id, nil)
	if status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	var info session.Info
	if err := json.Unmarshal(env.Data, &info); err != nil {
		t.Fatal(err)
	}
	if info.ID != id || info.State != session.StateCreated {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestGetUnknownSession(t *testing.T) {
	srv, _ := testServer(t, 4)
	status, env := doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/sess_nope0000", nil)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if env.Error == nil || env.Error.Kind != "SESSION_NOT_FOUND" {
		t.Errorf("error = %+v, want SESSION_NOT_FOUND", env.Error)
	}
}

func TestSessionCapReturns429(t *testing.T) {
	srv, _ := testServer(t, 1)
	createTestSession(t, srv)

	status, env := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions",
		map[string]string{"project_root": t.TempDir()})
	if status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", status)
	}
	if env.Error == nil || env.Error.Kind != "SESSION_LIMIT_REACHED" {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestContinueInCreatedIsConflict(t *testing.T) {
	srv, _ := testServer(t, 4)
	id := createTestSession(t, srv)

	status, env := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/continue", nil)
	if status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", status)
	}
	if env.Error == nil || env.Error.Kind != "INVALID_SESSION_STATE" {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestSetBreakpointsStaged(t *testing.T) {
	srv, _ := testServer(t, 4)
	id := createTestSession(t, srv)

	status, env := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/breakpoints",
		map[string]any{
			"source_path": "/proj/app.py",
			"breakpoints": []map[string]any{{"line": 3}, {"line": 8, "condition": "x > 0"}},
		})
	if status != http.StatusOK {
		t.Fatalf("status = %d body=%+v", status, env)
	}
	var data struct {
		Breakpoints []dap.VerifiedBreakpoint `json:"breakpoints"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatal(err)
	}
	if len(data.Breakpoints) != 2 || data.Breakpoints[0].Verified {
		t.Errorf("staged breakpoints should be pending: %+v", data.Breakpoints)
	}
}

func TestInvalidBreakpointIs400(t *testing.T) {
	srv, _ := testServer(t, 4)
	id := createTestSession(t, srv)

	status, env := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/breakpoints",
		map[string]any{"source_path": "/proj/app.py", "breakpoints": []map[string]any{{"line": 0}}})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if env.Error == nil || env.Error.Kind != "BREAKPOINT_INVALID" {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestTerminateSession(t *testing.T) {
	srv, _ := testServer(t, 4)
	id := createTestSession(t, srv)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/sessions/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("terminate status = %d", resp.StatusCode)
	}

	status, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+id, nil)
	if status != http.StatusNotFound {
		t.Errorf("terminated session should 404, got %d", status)
	}
}

func TestEvaluateRaiseIsSuccessWithErrorBody(t *testing.T) {
	srv, mgr := testServerWith(t, 4, func(sink dap.EventSink) session.Adapter {
		return &stubAdapter{evalErr: &dap.RequestError{
			Command: "evaluate",
			Message: "NameError: name 'nope' is not defined",
		}}
	})
	id := createTestSession(t, srv)
	s, err := mgr.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Launch(context.Background(), dap.LaunchConfig{Program: "x"}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	s.HandleEvent(dap.Event{Type: dap.EventStopped, Body: dap.StoppedBody{Reason: "breakpoint", ThreadID: 1}})

	status, env := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/evaluate",
		map[string]any{"expression": "nope"})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if !env.OK || env.Error != nil {
		t.Fatalf("expression raising should still be ok=true, got %+v", env)
	}
	var data struct {
		Expression string `json:"expression"`
		Error      string `json:"error"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Expression != "nope" || !strings.Contains(data.Error, "NameError") {
		t.Errorf("data = %+v", data)
	}
}

func TestForceTerminateBoundsDisconnect(t *testing.T) {
	stub := &stubAdapter{}
	srv, mgr := testServerWith(t, 4, func(sink dap.EventSink) session.Adapter { return stub })
	id := createTestSession(t, srv)
	s, err := mgr.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Launch(context.Background(), dap.LaunchConfig{Program: "x"}); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/sessions/"+id+"?force=true", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("terminate status = %d", resp.StatusCode)
	}
	if !stub.disconnectHadDeadline {
		t.Error("force should put a deadline on the adapter disconnect")
	}
}

func TestPollEventsEmbedsSession(t *testing.T) {
	srv, mgr := testServer(t, 4)
	id := createTestSession(t, srv)

	s, err := mgr.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	s.HandleEvent(dap.Event{Type: dap.EventOutput, Body: dap.OutputBody{Category: "stdout", Output: "hi\n"}})

	status, env := doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/sessions/%s/events?cursor=0&limit=10", srv.URL, id), nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var data struct {
		Session    session.Info         `json:"session"`
		Events     []session.QueuedEvent `json:"events"`
		NextCursor int64                `json:"next_cursor"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Session.ID != id {
		t.Errorf("poll should embed the session, got %+v", data.Session)
	}
	if len(data.Events) != 1 || data.NextCursor != 1 {
		t.Errorf("events = %+v next=%d", data.Events, data.NextCursor)
	}
}

func TestWatchLifecycle(t *testing.T) {
	srv, _ := testServer(t, 4)
	id := createTestSession(t, srv)
	base := srv.URL + "/api/v1/sessions/" + id + "/watches"

	status, env := doJSON(t, http.MethodPost, base, map[string]string{"expression": "len(x)"})
	if status != http.StatusOK {
		t.Fatalf("add watch status = %d", status)
	}

	status, env = doJSON(t, http.MethodGet, base, nil)
	if status != http.StatusOK {
		t.Fatalf("list watches status = %d", status)
	}
	var data struct {
		Watches []string `json:"watches"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatal(err)
	}
	if len(data.Watches) != 1 || data.Watches[0] != "len(x)" {
		t.Errorf("watches = %v", data.Watches)
	}

	status, _ = doJSON(t, http.MethodDelete, base+"?expression=len(x)", nil)
	if status != http.StatusOK {
		t.Fatalf("remove watch status = %d", status)
	}
}

func TestOutputEndpoint(t *testing.T) {
	srv, mgr := testServer(t, 4)
	id := createTestSession(t, srv)
	s, _ := mgr.Get(id)
	s.HandleEvent(dap.Event{Type: dap.EventOutput, Body: dap.OutputBody{Category: "stderr", Output: "warn\n"}})

	status, env := doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+id+"/output?category=stderr", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var page session.OutputPage
	if err := json.Unmarshal(env.Data, &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Lines[0].Category != "stderr" {
		t.Errorf("page = %+v", page)
	}
}

package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	godap "github.com/google/go-dap"

	"github.com/daprelay/daprelay/internal/logger"
	"github.com/daprelay/daprelay/internal/relayerr"
)

// killGrace is how long Disconnect waits for the adapter process to exit
// after SIGTERM before escalating to SIGKILL.
const killGrace = 5 * time.Second

// EventSink receives translated adapter events. HandleEvent runs on the
// client's reader goroutine and must return promptly.
type EventSink interface {
	HandleEvent(ev Event)
	HandleConnectionLost(err error)
}

// Adapter owns one debugpy subprocess and its DAP client. All typed
// operations fail with DAP_NOT_INITIALIZED until Initialize has completed.
type Adapter struct {
	pythonPath    string
	timeout       time.Duration
	launchTimeout time.Duration
	sink          EventSink

	// onInitialized runs (on its own goroutine) when the adapter emits
	// the DAP "initialized" event; the owner replays breakpoints and
	// finishes with ConfigurationDone.
	onInitialized func()

	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	client      *Client
	initialized bool
	closing     bool
	waitErr     chan error
}

// NewAdapter creates an Adapter. Nothing is spawned until Initialize.
func NewAdapter(pythonPath string, timeout, launchTimeout time.Duration, sink EventSink) *Adapter {
	if pythonPath == "" {
		pythonPath = "python3"
	}
	return &Adapter{
		pythonPath:    pythonPath,
		timeout:       timeout,
		launchTimeout: launchTimeout,
		sink:          sink,
	}
}

// SetOnInitialized registers the configuration callback. Must be called
// before Launch or Attach.
func (a *Adapter) SetOnInitialized(fn func()) {
	a.mu.Lock()
	a.onInitialized = fn
	a.mu.Unlock()
}

// Initialize spawns the debugpy adapter subprocess, starts the DAP client,
// and issues the initialize request. It returns the adapter's capability
// map (capability name → supported).
func (a *Adapter) Initialize(ctx context.Context) (map[string]bool, error) {
	a.mu.Lock()
	if a.client != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("adapter already initialized")
	}

	cmd := exec.Command(a.pythonPath, "-m", "debugpy.adapter")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("adapter stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("adapter stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		a.mu.Unlock()
		return nil, relayerr.Wrap(relayerr.KindDAPConnectionError, err, "spawn %s -m debugpy.adapter", a.pythonPath)
	}

	client := NewClient(stdout, stdin, a.handleEvent)
	client.Start()

	a.cmd = cmd
	a.stdin = stdin
	a.client = client
	a.waitErr = make(chan error, 1)
	a.mu.Unlock()

	go func() {
		a.waitErr <- cmd.Wait()
	}()
	go a.watchClient(client)

	req := &godap.InitializeRequest{
		Request: godap.Request{Command: "initialize"},
		Arguments: godap.InitializeRequestArguments{
			ClientID:                     "daprelay",
			ClientName:                   "DAP Relay",
			AdapterID:                    "debugpy",
			Locale:                       "en-US",
			LinesStartAt1:                true,
			ColumnsStartAt1:              true,
			PathFormat:                   "path",
			SupportsVariableType:         true,
			SupportsVariablePaging:       true,
			SupportsRunInTerminalRequest: false,
		},
	}
	resp, err := client.Do(ctx, req, a.timeout)
	if err != nil {
		return nil, err
	}
	initResp, ok := resp.(*godap.InitializeResponse)
	if !ok {
		return nil, relayerr.New(relayerr.KindDAPConnectionError, "unexpected initialize response type %T", resp)
	}

	caps := capabilityMap(initResp.Body)
	a.mu.Lock()
	a.initialized = true
	a.mu.Unlock()
	return caps, nil
}

// watchClient surfaces reader-loop death as a connection loss unless the
// adapter is being torn down deliberately or the client has already been
// replaced by a re-initialize.
func (a *Adapter) watchClient(client *Client) {
	<-client.Done()
	a.mu.Lock()
	stale := a.closing || a.client != client
	a.mu.Unlock()
	if stale {
		return
	}
	err := client.Err()
	if err == nil {
		err = relayerr.New(relayerr.KindDAPConnectionError, "dap stream closed")
	}
	a.sink.HandleConnectionLost(err)
}

// capabilityMap flattens the DAP capabilities struct into name→bool,
// keeping only boolean capabilities.
func capabilityMap(caps godap.Capabilities) map[string]bool {
	raw, err := json.Marshal(caps)
	if err != nil {
		return map[string]bool{}
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return map[string]bool{}
	}
	out := make(map[string]bool, len(fields))
	for name, v := range fields {
		if b, ok := v.(bool); ok {
			out[name] = b
		}
	}
	return out
}

func (a *Adapter) ready() (*Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil || !a.initialized {
		return nil, relayerr.New(relayerr.KindDAPNotInitialized, "adapter has not completed initialize")
	}
	return a.client, nil
}

// Launch asks the adapter to start the debuggee described by cfg. The
// request does not complete until the configuration dance (initialized
// event → breakpoint replay → configurationDone) has finished, so this
// uses the longer launch deadline.
func (a *Adapter) Launch(ctx context.Context, cfg LaunchConfig) error {
	client, err := a.ready()
	if err != nil {
		return err
	}
	if (cfg.Program == "") == (cfg.Module == "") {
		return relayerr.New(relayerr.KindInvalidRequest, "launch config must set exactly one of program or module")
	}
	if cfg.Program != "" {
		if _, err := os.Stat(cfg.Program); err != nil {
			return relayerr.Wrap(relayerr.KindLaunchScriptMissing, err, "program %s", cfg.Program)
		}
	}

	args := map[string]any{
		"type":           "python",
		"request":        "launch",
		"justMyCode":     false,
		"stopOnEntry":    cfg.StopOnEntry,
		"console":        "internalConsole",
		"redirectOutput": true,
	}
	if cfg.Console != "" {
		args["console"] = cfg.Console
	}
	if cfg.Program != "" {
		args["program"] = cfg.Program
	} else {
		args["module"] = cfg.Module
	}
	if len(cfg.Args) > 0 {
		args["args"] = cfg.Args
	}
	if len(cfg.PythonArgs) > 0 {
		args["pythonArgs"] = cfg.PythonArgs
	}
	if cfg.Cwd != "" {
		args["cwd"] = cfg.Cwd
	}
	if len(cfg.Env) > 0 {
		args["env"] = cfg.Env
	}
	if cfg.Python != "" {
		args["python"] = cfg.Python
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal launch config: %w", err)
	}
	req := &godap.LaunchRequest{
		Request:   godap.Request{Command: "launch"},
		Arguments: json.RawMessage(raw),
	}
	if _, err := client.Do(ctx, req, a.launchTimeout); err != nil {
		return err
	}
	return nil
}

// Attach connects the adapter to an already-running debuggee.
func (a *Adapter) Attach(ctx context.Context, cfg AttachConfig) error {
	client, err := a.ready()
	if err != nil {
		return err
	}
	if (cfg.PID == 0) == (cfg.Port == 0) {
		return relayerr.New(relayerr.KindInvalidRequest, "attach config must set exactly one of pid or host/port")
	}

	args := map[string]any{
		"type":       "python",
		"request":    "attach",
		"justMyCode": false,
	}
	if cfg.PID != 0 {
		args["processId"] = cfg.PID
	} else {
		host := cfg.Host
		if host == "" {
			host = "127.0.0.1"
		}
		args["connect"] = map[string]any{"host": host, "port": cfg.Port}
	}
	if cfg.ConnectTimeout > 0 {
		args["timeout"] = cfg.ConnectTimeout
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal attach config: %w", err)
	}
	req := &godap.AttachRequest{
		Request:   godap.Request{Command: "attach"},
		Arguments: json.RawMessage(raw),
	}
	if _, err := client.Do(ctx, req, a.launchTimeout); err != nil {
		return err
	}
	return nil
}

// SetBreakpoints replaces the adapter's breakpoint set for one source file
// with the enabled specs, and returns the adapter's verification for each.
func (a *Adapter) SetBreakpoints(ctx context.Context, sourcePath string, specs []BreakpointSpec) ([]VerifiedBreakpoint, error) {
	client, err := a.ready()
	if err != nil {
		return nil, err
	}

	bps := make([]godap.SourceBreakpoint, 0, len(specs))
	for _, spec := range specs {
		if !spec.IsEnabled() {
			continue
		}
		bps = append(bps, godap.SourceBreakpoint{
			Line:         spec.Line,
			Column:       spec.Column,
			Condition:    spec.Condition,
			HitCondition: spec.HitCondition,
			LogMessage:   spec.LogMessage,
		})
	}

	req := &godap.SetBreakpointsRequest{
		Request: godap.Request{Command: "setBreakpoints"},
		Arguments: godap.SetBreakpointsArguments{
			Source:      godap.Source{Name: filepath.Base(sourcePath), Path: sourcePath},
			Breakpoints: bps,
		},
	}
	resp, err := client.Do(ctx, req, a.timeout)
	if err != nil {
		return nil, err
	}
	sbResp, ok := resp.(*godap.SetBreakpointsResponse)
	if !ok {
		return nil, relayerr.New(relayerr.KindDAPConnectionError, "unexpected setBreakpoints response type %T", resp)
	}

	verified := make([]VerifiedBreakpoint, 0, len(sbResp.Body.Breakpoints))
	for _, bp := range sbResp.Body.Breakpoints {
		verified = append(verified, VerifiedBreakpoint{
			ID:       bp.Id,
			Verified: bp.Verified,
			Message:  bp.Message,
			Line:     bp.Line,
			Column:   bp.Column,
		})
	}
	return verified, nil
}

// SetExceptionBreakpoints configures which exceptions pause the debuggee.
// The "never" filter clears all exception breaking.
func (a *Adapter) SetExceptionBreakpoints(ctx context.Context, filters []ExceptionFilter) error {
	client, err := a.ready()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(filters))
	for _, f := range filters {
		if f == ExceptionNever {
			continue
		}
		names = append(names, string(f))
	}

	req := &godap.SetExceptionBreakpointsRequest{
		Request:   godap.Request{Command: "setExceptionBreakpoints"},
		Arguments: godap.SetExceptionBreakpointsArguments{Filters: names},
	}
	_, err = client.Do(ctx, req, a.timeout)
	return err
}

// ConfigurationDone tells the adapter all configuration has been sent and
// the debuggee may start (or resume from its entry stop).
func (a *Adapter) ConfigurationDone(ctx context.Context) error {
	client, err := a.ready()
	if err != nil {
		return err
	}
	req := &godap.ConfigurationDoneRequest{
		Request: godap.Request{Command: "configurationDone"},
	}
	_, err = client.Do(ctx, req, a.timeout)
	return err
}

// Continue resumes the given thread.
func (a *Adapter) Continue(ctx context.Context, threadID int) error {
	client, err := a.ready()
	if err != nil {
		return err
	}
	req := &godap.ContinueRequest{
		Request:   godap.Request{Command: "continue"},
		Arguments: godap.ContinueArguments{ThreadId: threadID},
	}
	_, err = client.Do(ctx, req, a.timeout)
	return err
}

// Pause asks the adapter to interrupt the given thread; the stop is
// reported by a subsequent "stopped" event.
func (a *Adapter) Pause(ctx context.Context, threadID int) error {
	client, err := a.ready()
	if err != nil {
		return err
	}
	req := &godap.PauseRequest{
		Request:   godap.Request{Command: "pause"},
		Arguments: godap.PauseArguments{ThreadId: threadID},
	}
	_, err = client.Do(ctx, req, a.timeout)
	return err
}

// StepNext steps over the current line on the given thread.
func (a *Adapter) StepNext(ctx context.Context, threadID int) error {
	client, err := a.ready()
	if err != nil {
		return err
	}
	req := &godap.NextRequest{
		Request:   godap.Request{Command: "next"},
		Arguments: godap.NextArguments{ThreadId: threadID},
	}
	_, err = client.Do(ctx, req, a.timeout)
	return err
}

// StepIn steps into the call at the current line.
func (a *Adapter) StepIn(ctx context.Context, threadID int) error {
	client, err := a.ready()
	if err != nil {
		return err
	}
	req := &godap.StepInRequest{
		Request:   godap.Request{Command: "stepIn"},
		Arguments: godap.StepInArguments{ThreadId: threadID},
	}
	_, err = client.Do(ctx, req, a.timeout)
	return err
}

// StepOut runs until the current frame returns.
func (a *Adapter) StepOut(ctx context.Context, threadID int) error {
	client, err := a.ready()
	if err != nil {
		return err
	}
	req := &godap.StepOutRequest{
		Request:   godap.Request{Command: "stepOut"},
		Arguments: godap.StepOutArguments{ThreadId: threadID},
	}
	_, err = client.Do(ctx, req, a.timeout)
	return err
}

// Threads lists the debuggee's threads.
func (a *Adapter) Threads(ctx context.Context) ([]Thread, error) {
	client, err := a.ready()
	if err != nil {
		return nil, err
	}
	req := &godap.ThreadsRequest{
		Request: godap.Request{Command: "threads"},
	}
	resp, err := client.Do(ctx, req, a.timeout)
	if err != nil {
		return nil, err
	}
	tResp, ok := resp.(*godap.ThreadsResponse)
	if !ok {
		return nil, relayerr.New(relayerr.KindDAPConnectionError, "unexpected threads response type %T", resp)
	}
	threads := make([]Thread, 0, len(tResp.Body.Threads))
	for _, th := range tResp.Body.Threads {
		threads = append(threads, Thread{ID: th.Id, Name: th.Name})
	}
	return threads, nil
}

// StackTrace returns up to levels frames of the thread's stack starting at
// start, plus the adapter's total frame count.
func (a *Adapter) StackTrace(ctx context.Context, threadID, start, levels int) ([]StackFrame, int, error) {
	client, err := a.ready()
	if err != nil {
		return nil, 0, err
	}
	req := &godap.StackTraceRequest{
		Request:   godap.Request{Command: "stackTrace"},
		Arguments: godap.StackTraceArguments{ThreadId: threadID, StartFrame: start, Levels: levels},
	}
	resp, err := client.Do(ctx, req, a.timeout)
	if err != nil {
		return nil, 0, err
	}
	stResp, ok := resp.(*godap.StackTraceResponse)
	if !ok {
		return nil, 0, relayerr.New(relayerr.KindDAPConnectionError, "unexpected stackTrace response type %T", resp)
	}
	frames := make([]StackFrame, 0, len(stResp.Body.StackFrames))
	for _, f := range stResp.Body.StackFrames {
		frame := StackFrame{ID: f.Id, Name: f.Name, Line: f.Line, Column: f.Column}
		if f.Source != nil {
			frame.SourcePath = f.Source.Path
		}
		frames = append(frames, frame)
	}
	return frames, stResp.Body.TotalFrames, nil
}

// Scopes lists the variable scopes of a frame.
func (a *Adapter) Scopes(ctx context.Context, frameID int) ([]Scope, error) {
	client, err := a.ready()
	if err != nil {
		return nil, err
	}
	req := &godap.ScopesRequest{
		Request:   godap.Request{Command: "scopes"},
		Arguments: godap.ScopesArguments{FrameId: frameID},
	}
	resp, err := client.Do(ctx, req, a.timeout)
	if err != nil {
		return nil, err
	}
	sResp, ok := resp.(*godap.ScopesResponse)
	if !ok {
		return nil, relayerr.New(relayerr.KindDAPConnectionError, "unexpected scopes response type %T", resp)
	}
	scopes := make([]Scope, 0, len(sResp.Body.Scopes))
	for _, sc := range sResp.Body.Scopes {
		scopes = append(scopes, Scope{
			Name:               sc.Name,
			VariablesReference: sc.VariablesReference,
			Expensive:          sc.Expensive,
			NamedVariables:     sc.NamedVariables,
			IndexedVariables:   sc.IndexedVariables,
		})
	}
	return scopes, nil
}

// Variables expands a variables reference, optionally paged.
func (a *Adapter) Variables(ctx context.Context, ref, start, count int) ([]Variable, error) {
	client, err := a.ready()
	if err != nil {
		return nil, err
	}
	req := &godap.VariablesRequest{
		Request:   godap.Request{Command: "variables"},
		Arguments: godap.VariablesArguments{VariablesReference: ref, Start: start, Count: count},
	}
	resp, err := client.Do(ctx, req, a.timeout)
	if err != nil {
		return nil, err
	}
	vResp, ok := resp.(*godap.VariablesResponse)
	if !ok {
		return nil, relayerr.New(relayerr.KindDAPConnectionError, "unexpected variables response type %T", resp)
	}
	vars := make([]Variable, 0, len(vResp.Body.Variables))
	for _, v := range vResp.Body.Variables {
		vars = append(vars, Variable{
			Name:               v.Name,
			Value:              v.Value,
			Type:               v.Type,
			VariablesReference: v.VariablesReference,
			NamedVariables:     v.NamedVariables,
			IndexedVariables:   v.IndexedVariables,
		})
	}
	return vars, nil
}

// Evaluate evaluates an expression, optionally against a frame. context is
// one of watch|repl|hover.
func (a *Adapter) Evaluate(ctx context.Context, expression string, frameID int, evalCtx string) (EvaluateResult, error) {
	client, err := a.ready()
	if err != nil {
		return EvaluateResult{}, err
	}
	if evalCtx == "" {
		evalCtx = "repl"
	}
	req := &godap.EvaluateRequest{
		Request:   godap.Request{Command: "evaluate"},
		Arguments: godap.EvaluateArguments{Expression: expression, FrameId: frameID, Context: evalCtx},
	}
	resp, err := client.Do(ctx, req, a.timeout)
	if err != nil {
		return EvaluateResult{}, err
	}
	eResp, ok := resp.(*godap.EvaluateResponse)
	if !ok {
		return EvaluateResult{}, relayerr.New(relayerr.KindDAPConnectionError, "unexpected evaluate response type %T", resp)
	}
	return EvaluateResult{
		Result:             eResp.Body.Result,
		Type:               eResp.Body.Type,
		VariablesReference: eResp.Body.VariablesReference,
	}, nil
}

// Disconnect ends the debug session and tears down the subprocess: DAP
// disconnect with terminateDebuggee, then SIGTERM on the process group
// with a grace window, then SIGKILL. Afterwards the adapter is back in its
// pre-Initialize state, so a later Initialize spawns a fresh subprocess.
// Safe to call more than once.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return nil
	}
	a.closing = true
	client := a.client
	cmd := a.cmd
	stdin := a.stdin
	waitErr := a.waitErr
	a.mu.Unlock()

	if client == nil {
		a.reset()
		return nil
	}

	req := &godap.DisconnectRequest{
		Request:   godap.Request{Command: "disconnect"},
		Arguments: &godap.DisconnectArguments{TerminateDebuggee: true},
	}
	if _, err := client.Do(ctx, req, a.timeout); err != nil {
		logger.Debug("dap disconnect request failed", "error", err)
	}
	client.Stop()
	if stdin != nil {
		_ = stdin.Close()
	}

	if cmd != nil && cmd.Process != nil {
		pgid := cmd.Process.Pid
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
		select {
		case <-waitErr:
		case <-time.After(killGrace):
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			<-waitErr
		}
	}
	a.reset()
	return nil
}

// reset clears the subprocess state once teardown is complete. watchClient
// goroutines from the old client see the client pointer change and stay
// quiet.
func (a *Adapter) reset() {
	a.mu.Lock()
	a.cmd = nil
	a.stdin = nil
	a.client = nil
	a.waitErr = nil
	a.initialized = false
	a.closing = false
	a.mu.Unlock()
}

// handleEvent translates DAP events into the internal vocabulary and
// forwards them to the sink. Runs on the client reader goroutine.
func (a *Adapter) handleEvent(event godap.EventMessage) {
	switch ev := event.(type) {
	case *godap.InitializedEvent:
		a.mu.Lock()
		fn := a.onInitialized
		a.mu.Unlock()
		if fn != nil {
			// The configuration dance issues requests, which cannot be
			// awaited from the reader goroutine.
			go fn()
		}
	case *godap.StoppedEvent:
		a.sink.HandleEvent(Event{Type: EventStopped, Body: StoppedBody{
			Reason:            ev.Body.Reason,
			ThreadID:          ev.Body.ThreadId,
			Description:       ev.Body.Description,
			Text:              ev.Body.Text,
			AllThreadsStopped: ev.Body.AllThreadsStopped,
			HitBreakpointIDs:  ev.Body.HitBreakpointIds,
		}})
	case *godap.ContinuedEvent:
		a.sink.HandleEvent(Event{Type: EventContinued, Body: ContinuedBody{
			ThreadID:            ev.Body.ThreadId,
			AllThreadsContinued: ev.Body.AllThreadsContinued,
		}})
	case *godap.TerminatedEvent:
		a.sink.HandleEvent(Event{Type: EventTerminated, Body: TerminatedBody{}})
	case *godap.ExitedEvent:
		a.sink.HandleEvent(Event{Type: EventOutput, Body: OutputBody{
			Category: "console",
			Output:   fmt.Sprintf("process exited with code %d\n", ev.Body.ExitCode),
		}})
	case *godap.OutputEvent:
		category := ev.Body.Category
		if category == "" {
			category = "console"
		}
		body := OutputBody{Category: category, Output: ev.Body.Output, Line: ev.Body.Line}
		if ev.Body.Source != nil {
			body.Source = ev.Body.Source.Path
		}
		a.sink.HandleEvent(Event{Type: EventOutput, Body: body})
	case *godap.BreakpointEvent:
		a.sink.HandleEvent(Event{Type: EventBreakpoint, Body: BreakpointBody{
			Reason: ev.Body.Reason,
			Breakpoint: VerifiedBreakpoint{
				ID:       ev.Body.Breakpoint.Id,
				Verified: ev.Body.Breakpoint.Verified,
				Message:  ev.Body.Breakpoint.Message,
				Line:     ev.Body.Breakpoint.Line,
				Column:   ev.Body.Breakpoint.Column,
			},
		}})
	case *godap.ThreadEvent:
		a.sink.HandleEvent(Event{Type: EventThread, Body: ThreadBody{
			Reason:   ev.Body.Reason,
			ThreadID: ev.Body.ThreadId,
		}})
	case *godap.ModuleEvent:
		a.sink.HandleEvent(Event{Type: EventModule, Body: ModuleBody{
			Reason: ev.Body.Reason,
			Name:   ev.Body.Module.Name,
		}})
	default:
		logger.Debug("ignoring dap event", "type", fmt.Sprintf("%T", event))
	}
}

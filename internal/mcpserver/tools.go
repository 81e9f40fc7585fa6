package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/daprelay/daprelay/internal/dap"
	"github.com/daprelay/daprelay/internal/relayerr"
	"github.com/daprelay/daprelay/internal/session"
)

// maxPollWait caps the poll_events long-poll.
const maxPollWait = 30 * time.Second

// sessionIDProp is the schema fragment shared by every per-session tool.
const sessionIDProp = `"session_id": {"type": "string", "description": "Debug session id (sess_...)"}`

// --- Tool Definitions ---

func createSessionTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"create_session",
		"Create a debug session for a project. The session starts in the created state; stage breakpoints, then launch.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {"type": "string", "description": "Human-readable session name"},
				"project_root": {"type": "string", "description": "Absolute path to the project directory"},
				"timeout_minutes": {"type": "integer", "description": "Idle timeout override for this session"},
				"stop_on_entry": {"type": "boolean", "description": "Pause on the first line when launched"}
			},
			"required": ["project_root"]
		}`),
	)
}

func listSessionsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"list_sessions",
		"List all registered debug sessions with their current state.",
		json.RawMessage(`{"type": "object", "properties": {}}`),
	)
}

func getSessionTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_session",
		"Get one session's status: state, stop reason, current frame when paused.",
		json.RawMessage(`{
			"type": "object",
			"properties": {`+sessionIDProp+`},
			"required": ["session_id"]
		}`),
	)
}

func terminateSessionTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"terminate_session",
		"Terminate a session: the debuggee is killed and the session removed.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				`+sessionIDProp+`,
				"force": {"type": "boolean", "description": "Do not wait out the graceful adapter disconnect"}
			},
			"required": ["session_id"]
		}`),
	)
}

func listRecoverableTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"list_recoverable",
		"List sessions persisted by a previous relay process that can be recovered.",
		json.RawMessage(`{"type": "object", "properties": {}}`),
	)
}

func recoverSessionTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"recover_session",
		"Recover a persisted session in the created state with its breakpoints and watches restored. The debuggee is not resurrected; launch again.",
		json.RawMessage(`{
			"type": "object",
			"properties": {`+sessionIDProp+`},
			"required": ["session_id"]
		}`),
	)
}

func launchTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"launch",
		"Launch the debuggee under the debugger. Staged breakpoints are armed before the program starts. Set exactly one of program or module.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				`+sessionIDProp+`,
				"program": {"type": "string", "description": "Path to the Python script to debug"},
				"module": {"type": "string", "description": "Python module to debug (python -m)"},
				"args": {"type": "array", "items": {"type": "string"}, "description": "Program arguments"},
				"python_args": {"type": "array", "items": {"type": "string"}, "description": "Extra arguments for the debuggee's interpreter"},
				"cwd": {"type": "string", "description": "Working directory (default: project root)"},
				"env": {"type": "object", "additionalProperties": {"type": "string"}, "description": "Extra environment variables"},
				"stop_on_entry": {"type": "boolean", "description": "Pause on the first line"},
				"python": {"type": "string", "description": "Python interpreter for the debuggee"}
			},
			"required": ["session_id"]
		}`),
	)
}

func attachTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"attach",
		"Attach to an already-running debuggee, by pid or by debugpy listen address.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				`+sessionIDProp+`,
				"pid": {"type": "integer", "description": "Process id to attach to"},
				"host": {"type": "string", "description": "Host debugpy is listening on (default 127.0.0.1)"},
				"port": {"type": "integer", "description": "Port debugpy is listening on"}
			},
			"required": ["session_id"]
		}`),
	)
}

func setBreakpointsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"set_breakpoints",
		"Replace the breakpoint set for one source file. Before launch they are staged; after, applied live. An empty list clears the file.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				`+sessionIDProp+`,
				"source_path": {"type": "string", "description": "Absolute path of the source file"},
				"breakpoints": {
					"type": "array",
					"description": "Breakpoints for the file",
					"items": {
						"type": "object",
						"properties": {
							"line": {"type": "integer", "description": "1-origin line"},
							"column": {"type": "integer", "description": "1-origin column (optional)"},
							"condition": {"type": "string", "description": "Only break when this expression is truthy"},
							"hit_condition": {"type": "string", "description": "Only break on matching hit counts"},
							"log_message": {"type": "string", "description": "Log instead of breaking (logpoint)"},
							"enabled": {"type": "boolean", "description": "Disabled breakpoints are kept but not armed"}
						},
						"required": ["line"]
					}
				}
			},
			"required": ["session_id", "source_path"]
		}`),
	)
}

func listBreakpointsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"list_breakpoints",
		"List the session's breakpoints per file, with the adapter's last-known verification.",
		json.RawMessage(`{
			"type": "object",
			"properties": {`+sessionIDProp+`},
			"required": ["session_id"]
		}`),
	)
}

func clearBreakpointsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"clear_breakpoints",
		"Clear breakpoints for one file, or every file when source_path is omitted.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				`+sessionIDProp+`,
				"source_path": {"type": "string", "description": "File to clear; omit to clear all"}
			},
			"required": ["session_id"]
		}`),
	)
}

func setExceptionBreakpointsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"set_exception_breakpoints",
		"Choose which exceptions pause the debuggee: uncaught, raised, or never.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				`+sessionIDProp+`,
				"filters": {
					"type": "array",
					"items": {"type": "string", "enum": ["uncaught", "raised", "never"]},
					"description": "Exception filters to arm"
				}
			},
			"required": ["session_id", "filters"]
		}`),
	)
}

func continueTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"continue",
		"Resume a paused session. Poll events to observe the next stop.",
		json.RawMessage(threadSchema),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"pause",
		"Interrupt a running session. The pause lands asynchronously as a stopped event.",
		json.RawMessage(threadSchema),
	)
}

func stepOverTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"step_over",
		"Execute the current line and stop on the next one.",
		json.RawMessage(threadSchema),
	)
}

func stepIntoTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"step_into",
		"Stop inside the call on the current line.",
		json.RawMessage(threadSchema),
	)
}

func stepOutTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"step_out",
		"Run until the current frame returns.",
		json.RawMessage(threadSchema),
	)
}

const threadSchema = `{
	"type": "object",
	"properties": {
		` + sessionIDProp + `,
		"thread_id": {"type": "integer", "description": "Target thread; defaults to the stopped thread"}
	},
	"required": ["session_id"]
}`

func threadsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"threads",
		"List the debuggee's threads.",
		json.RawMessage(`{
			"type": "object",
			"properties": {`+sessionIDProp+`},
			"required": ["session_id"]
		}`),
	)
}

func stackTraceTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"stacktrace",
		"Get stack frames for a paused thread.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				`+sessionIDProp+`,
				"thread_id": {"type": "integer", "description": "Thread; defaults to the stopped thread"},
				"start": {"type": "integer", "description": "First frame index"},
				"levels": {"type": "integer", "description": "Max frames to return (default 20)"}
			},
			"required": ["session_id"]
		}`),
	)
}

func scopesTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"scopes",
		"List the variable scopes of a stack frame.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				`+sessionIDProp+`,
				"frame_id": {"type": "integer", "description": "Frame id from stacktrace"}
			},
			"required": ["session_id", "frame_id"]
		}`),
	)
}

func variablesTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"variables",
		"Expand a variables reference from scopes, variables, or evaluate.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				`+sessionIDProp+`,
				"ref": {"type": "integer", "description": "Variables reference to expand"},
				"start": {"type": "integer", "description": "First child index (paging)"},
				"count": {"type": "integer", "description": "Max children to return"}
			},
			"required": ["session_id", "ref"]
		}`),
	)
}

func evaluateTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"evaluate",
		"Evaluate an expression in a paused session, optionally against a frame.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				`+sessionIDProp+`,
				"expression": {"type": "string", "description": "Python expression"},
				"frame_id": {"type": "integer", "description": "Frame to evaluate in; 0 for the global context"},
				"context": {"type": "string", "enum": ["repl", "watch", "hover"], "description": "Evaluation context (default repl)"}
			},
			"required": ["session_id", "expression"]
		}`),
	)
}

func addWatchTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"add_watch",
		"Register a watch expression, evaluated in batch at every stop via evaluate_watches.",
		json.RawMessage(watchSchema),
	)
}

func removeWatchTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"remove_watch",
		"Remove a registered watch expression.",
		json.RawMessage(watchSchema),
	)
}

const watchSchema = `{
	"type": "object",
	"properties": {
		` + sessionIDProp + `,
		"expression": {"type": "string", "description": "Watch expression"}
	},
	"required": ["session_id", "expression"]
}`

func listWatchesTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"list_watches",
		"List the session's watch expressions.",
		json.RawMessage(`{
			"type": "object",
			"properties": {`+sessionIDProp+`},
			"required": ["session_id"]
		}`),
	)
}

func evaluateWatchesTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"evaluate_watches",
		"Evaluate every watch against the stopped thread's top frame. A failing expression yields a per-entry error, not a failed batch.",
		json.RawMessage(`{
			"type": "object",
			"properties": {`+sessionIDProp+`},
			"required": ["session_id"]
		}`),
	)
}

func getOutputTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_output",
		"Page through the debuggee's buffered output (stdout, stderr, console).",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				`+sessionIDProp+`,
				"offset": {"type": "integer", "description": "First record index within the live window"},
				"limit": {"type": "integer", "description": "Max records (default 200)"},
				"category": {"type": "string", "description": "Filter: stdout, stderr, or console"}
			},
			"required": ["session_id"]
		}`),
	)
}

func pollEventsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"poll_events",
		"Poll the session's event feed from a cursor. With wait_timeout_ms the call blocks until an event arrives. The response embeds the session status.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				`+sessionIDProp+`,
				"cursor": {"type": "integer", "description": "Last seen event seq; 0 from the start"},
				"limit": {"type": "integer", "description": "Max events (default 100)"},
				"wait_timeout_ms": {"type": "integer", "description": "Long-poll wait in milliseconds (max 30000)"}
			},
			"required": ["session_id"]
		}`),
	)
}

// --- Tool Handlers ---

type sessionArgs struct {
	SessionID string `json:"session_id"`
}

type createSessionArgs struct {
	Name           string `json:"name"`
	ProjectRoot    string `json:"project_root"`
	TimeoutMinutes int    `json:"timeout_minutes"`
	StopOnEntry    bool   `json:"stop_on_entry"`
}

func (s *Server) handleCreateSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args createSessionArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sess, warnings, err := s.manager.Create(session.CreateRequest{
		Name:           args.Name,
		ProjectRoot:    args.ProjectRoot,
		TimeoutMinutes: args.TimeoutMinutes,
		StopOnEntry:    args.StopOnEntry,
	})
	if err != nil {
		return errResult(err)
	}
	return resultJSON(payload{Data: sess.Info(ctx), Warnings: warnings})
}

func (s *Server) handleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := s.manager.List()
	infos := make([]session.Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info(ctx))
	}
	return resultJSON(payload{Data: map[string]any{"sessions": infos}})
}

func (s *Server) handleGetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errRes := s.lookup(req)
	if errRes != nil {
		return errRes, nil
	}
	return resultJSON(payload{Data: sess.Info(ctx)})
}

type terminateArgs struct {
	SessionID string `json:"session_id"`
	Force     bool   `json:"force"`
}

func (s *Server) handleTerminateSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args terminateArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	info, err := s.manager.Terminate(ctx, args.SessionID, args.Force)
	if err != nil {
		return errResult(err)
	}
	return resultJSON(payload{Data: map[string]any{
		"deleted":         true,
		"runtime_seconds": info.RuntimeSeconds,
		"session":         info,
	}})
}

func (s *Server) handleListRecoverable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snaps, err := s.manager.ListRecoverable()
	if err != nil {
		return errResult(err)
	}
	return resultJSON(payload{Data: map[string]any{"sessions": snaps}})
}

func (s *Server) handleRecoverSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args sessionArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sess, warnings, err := s.manager.Recover(args.SessionID)
	if err != nil {
		return errResult(err)
	}
	return resultJSON(payload{Data: sess.Info(ctx), Warnings: warnings})
}

type launchArgs struct {
	SessionID   string            `json:"session_id"`
	Program     string            `json:"program"`
	Module      string            `json:"module"`
	Args        []string          `json:"args"`
	PythonArgs  []string          `json:"python_args"`
	Cwd         string            `json:"cwd"`
	Env         map[string]string `json:"env"`
	StopOnEntry bool              `json:"stop_on_entry"`
	Python      string            `json:"python"`
}

func (s *Server) handleLaunch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args launchArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sess, err := s.manager.Get(args.SessionID)
	if err != nil {
		return errResult(err)
	}
	cfg := dap.LaunchConfig{
		Program:     args.Program,
		Module:      args.Module,
		Args:        args.Args,
		PythonArgs:  args.PythonArgs,
		Cwd:         args.Cwd,
		Env:         args.Env,
		StopOnEntry: args.StopOnEntry,
		Python:      args.Python,
	}
	if cfg.Cwd == "" {
		cfg.Cwd = sess.ProjectRoot
	}
	if err := sess.Launch(ctx, cfg); err != nil {
		return errResult(err)
	}
	return resultJSON(payload{Data: sess.Info(ctx)})
}

type attachArgs struct {
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
}

func (s *Server) handleAttach(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args attachArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sess, err := s.manager.Get(args.SessionID)
	if err != nil {
		return errResult(err)
	}
	if err := sess.Attach(ctx, dap.AttachConfig{PID: args.PID, Host: args.Host, Port: args.Port}); err != nil {
		return errResult(err)
	}
	return resultJSON(payload{Data: sess.Info(ctx)})
}

type setBreakpointsArgs struct {
	SessionID   string               `json:"session_id"`
	SourcePath  string               `json:"source_path"`
	Breakpoints []dap.BreakpointSpec `json:"breakpoints"`
}

func (s *Server) handleSetBreakpoints(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args setBreakpointsArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sess, err := s.manager.Get(args.SessionID)
	if err != nil {
		return errResult(err)
	}
	verified, warnings, err := sess.SetBreakpoints(ctx, args.SourcePath, args.Breakpoints)
	if err != nil {
		return errResult(err)
	}
	return resultJSON(payload{
		Data:     map[string]any{"source_path": args.SourcePath, "breakpoints": verified},
		Warnings: warnings,
	})
}

func (s *Server) handleListBreakpoints(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errRes := s.lookup(req)
	if errRes != nil {
		return errRes, nil
	}
	specs, verified := sess.ListBreakpoints()
	return resultJSON(payload{Data: map[string]any{"breakpoints": specs, "verified": verified}})
}

type clearBreakpointsArgs struct {
	SessionID  string `json:"session_id"`
	SourcePath string `json:"source_path"`
}

func (s *Server) handleClearBreakpoints(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args clearBreakpointsArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sess, err := s.manager.Get(args.SessionID)
	if err != nil {
		return errResult(err)
	}
	warnings, err := sess.ClearBreakpoints(ctx, args.SourcePath)
	if err != nil {
		return errResult(err)
	}
	return resultJSON(payload{Data: map[string]any{"cleared": true}, Warnings: warnings})
}

type exceptionBreakpointsArgs struct {
	SessionID string                `json:"session_id"`
	Filters   []dap.ExceptionFilter `json:"filters"`
}

func (s *Server) handleSetExceptionBreakpoints(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args exceptionBreakpointsArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sess, err := s.manager.Get(args.SessionID)
	if err != nil {
		return errResult(err)
	}
	if err := sess.SetExceptionFilters(ctx, args.Filters); err != nil {
		return errResult(err)
	}
	return resultJSON(payload{Data: map[string]any{"filters": args.Filters}})
}

type threadArgs struct {
	SessionID string `json:"session_id"`
	ThreadID  int    `json:"thread_id"`
}

func (s *Server) control(ctx context.Context, req mcp.CallToolRequest, fn func(*session.Session, int) error) (*mcp.CallToolResult, error) {
	var args threadArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sess, err := s.manager.Get(args.SessionID)
	if err != nil {
		return errResult(err)
	}
	if err := fn(sess, args.ThreadID); err != nil {
		return errResult(err)
	}
	return resultJSON(payload{Data: sess.Info(ctx)})
}

func (s *Server) handleContinue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, func(sess *session.Session, tid int) error { return sess.Continue(ctx, tid) })
}

func (s *Server) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, func(sess *session.Session, tid int) error { return sess.Pause(ctx, tid) })
}

func (s *Server) handleStepOver(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, func(sess *session.Session, tid int) error { return sess.StepOver(ctx, tid) })
}

func (s *Server) handleStepInto(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, func(sess *session.Session, tid int) error { return sess.StepInto(ctx, tid) })
}

func (s *Server) handleStepOut(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, func(sess *session.Session, tid int) error { return sess.StepOut(ctx, tid) })
}

func (s *Server) handleThreads(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errRes := s.lookup(req)
	if errRes != nil {
		return errRes, nil
	}
	threads, err := sess.Threads(ctx)
	if err != nil {
		return errResult(err)
	}
	return resultJSON(payload{Data: map[string]any{"threads": threads}})
}

type stackTraceArgs struct {
	SessionID string `json:"session_id"`
	ThreadID  int    `json:"thread_id"`
	Start     int    `json:"start"`
	Levels    int    `json:"levels"`
}

func (s *Server) handleStackTrace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args stackTraceArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sess, err := s.manager.Get(args.SessionID)
	if err != nil {
		return errResult(err)
	}
	if args.Levels == 0 {
		args.Levels = 20
	}
	frames, total, err := sess.StackTrace(ctx, args.ThreadID, args.Start, args.Levels)
	if err != nil {
		return errResult(err)
	}
	return resultJSON(payload{Data: map[string]any{"frames": frames, "total_frames": total}})
}

type scopesArgs struct {
	SessionID string `json:"session_id"`
	FrameID   int    `json:"frame_id"`
}

func (s *Server) handleScopes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args scopesArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sess, err := s.manager.Get(args.SessionID)
	if err != nil {
		return errResult(err)
	}
	scopes, err := sess.Scopes(ctx, args.FrameID)
	if err != nil {
		return errResult(err)
	}
	return resultJSON(payload{Data: map[string]any{"scopes": scopes}})
}

type variablesArgs struct {
	SessionID string `json:"session_id"`
	Ref       int    `json:"ref"`
	Start     int    `json:"start"`
	Count     int    `json:"count"`
}

func (s *Server) handleVariables(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args variablesArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sess, err := s.manager.Get(args.SessionID)
	if err != nil {
		return errResult(err)
	}
	vars, err := sess.Variables(ctx, args.Ref, args.Start, args.Count)
	if err != nil {
		return errResult(err)
	}
	return resultJSON(payload{Data: map[string]any{"variables": vars}})
}

type evaluateArgs struct {
	SessionID  string `json:"session_id"`
	Expression string `json:"expression"`
	FrameID    int    `json:"frame_id"`
	Context    string `json:"context"`
}

func (s *Server) handleEvaluate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args evaluateArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sess, err := s.manager.Get(args.SessionID)
	if err != nil {
		return errResult(err)
	}
	res, err := sess.Evaluate(ctx, args.Expression, args.FrameID, args.Context)
	if err != nil {
		// An expression that raises is still a successful evaluate call;
		// the error travels in the body.
		var rerr *relayerr.Error
		if errors.As(err, &rerr) && rerr.Kind == relayerr.KindEvaluateError {
			return resultJSON(payload{Data: map[string]any{
				"expression": args.Expression,
				"error":      rerr.Message,
			}})
		}
		return errResult(err)
	}
	return resultJSON(payload{Data: res})
}

type watchArgs struct {
	SessionID  string `json:"session_id"`
	Expression string `json:"expression"`
}

func (s *Server) handleAddWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args watchArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sess, err := s.manager.Get(args.SessionID)
	if err != nil {
		return errResult(err)
	}
	watches, warnings, err := sess.AddWatch(args.Expression)
	if err != nil {
		return errResult(err)
	}
	return resultJSON(payload{Data: map[string]any{"watches": watches}, Warnings: warnings})
}

func (s *Server) handleRemoveWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args watchArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sess, err := s.manager.Get(args.SessionID)
	if err != nil {
		return errResult(err)
	}
	watches, warnings, err := sess.RemoveWatch(args.Expression)
	if err != nil {
		return errResult(err)
	}
	return resultJSON(payload{Data: map[string]any{"watches": watches}, Warnings: warnings})
}

func (s *Server) handleListWatches(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errRes := s.lookup(req)
	if errRes != nil {
		return errRes, nil
	}
	return resultJSON(payload{Data: map[string]any{"watches": sess.Watches()}})
}

func (s *Server) handleEvaluateWatches(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errRes := s.lookup(req)
	if errRes != nil {
		return errRes, nil
	}
	results, err := sess.EvaluateWatches(ctx)
	if err != nil {
		return errResult(err)
	}
	return resultJSON(payload{Data: map[string]any{"watches": results}})
}

type getOutputArgs struct {
	SessionID string `json:"session_id"`
	Offset    int    `json:"offset"`
	Limit     int    `json:"limit"`
	Category  string `json:"category"`
}

func (s *Server) handleGetOutput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args getOutputArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sess, err := s.manager.Get(args.SessionID)
	if err != nil {
		return errResult(err)
	}
	if args.Limit == 0 {
		args.Limit = 200
	}
	return resultJSON(payload{Data: sess.Output(args.Offset, args.Limit, args.Category)})
}

type pollEventsArgs struct {
	SessionID     string `json:"session_id"`
	Cursor        int64  `json:"cursor"`
	Limit         int    `json:"limit"`
	WaitTimeoutMS int    `json:"wait_timeout_ms"`
}

func (s *Server) handlePollEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args pollEventsArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sess, err := s.manager.Get(args.SessionID)
	if err != nil {
		return errResult(err)
	}
	if args.Limit == 0 {
		args.Limit = 100
	}
	wait := time.Duration(args.WaitTimeoutMS) * time.Millisecond
	if wait > maxPollWait {
		wait = maxPollWait
	}
	poll := sess.PollEvents(ctx, args.Cursor, args.Limit, wait)
	return resultJSON(payload{Data: map[string]any{
		"session":        sess.Info(ctx),
		"events":         poll.Events,
		"next_cursor":    poll.NextCursor,
		"has_more":       poll.HasMore,
		"cursor_skipped": poll.CursorSkipped,
	}})
}

// --- Helpers ---

// payload is the JSON shape every successful tool result carries.
type payload struct {
	Data     any      `json:"data"`
	Warnings []string `json:"warnings,omitempty"`
}

// lookup binds session_id and resolves the session, for tools with no
// other arguments.
func (s *Server) lookup(req mcp.CallToolRequest) (*session.Session, *mcp.CallToolResult) {
	var args sessionArgs
	if err := req.BindArguments(&args); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err))
	}
	sess, err := s.manager.Get(args.SessionID)
	if err != nil {
		res, _ := errResult(err)
		return nil, res
	}
	return sess, nil
}

// errResult renders a relay error as a tool error, keeping the taxonomy
// kind as a stable prefix the agent can branch on.
func errResult(err error) (*mcp.CallToolResult, error) {
	if relayerr.KindOf(err) != "" {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultError(fmt.Sprintf("INTERNAL: %v", err)), nil
}

// resultJSON marshals v to JSON and returns it as a tool result.
func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/daprelay/daprelay/internal/dap"
	"github.com/daprelay/daprelay/internal/logger"
	"github.com/daprelay/daprelay/internal/relayerr"
	"github.com/daprelay/daprelay/internal/store"
)

// Adapter is the debug-adapter surface a session drives. *dap.Adapter is
// the production implementation; tests substitute fakes.
type Adapter interface {
	Initialize(ctx context.Context) (map[string]bool, error)
	SetOnInitialized(fn func())
	Launch(ctx context.Context, cfg dap.LaunchConfig) error
	Attach(ctx context.Context, cfg dap.AttachConfig) error
	SetBreakpoints(ctx context.Context, sourcePath string, specs []dap.BreakpointSpec) ([]dap.VerifiedBreakpoint, error)
	SetExceptionBreakpoints(ctx context.Context, filters []dap.ExceptionFilter) error
	ConfigurationDone(ctx context.Context) error
	Continue(ctx context.Context, threadID int) error
	Pause(ctx context.Context, threadID int) error
	StepNext(ctx context.Context, threadID int) error
	StepIn(ctx context.Context, threadID int) error
	StepOut(ctx context.Context, threadID int) error
	Threads(ctx context.Context) ([]dap.Thread, error)
	StackTrace(ctx context.Context, threadID, start, levels int) ([]dap.StackFrame, int, error)
	Scopes(ctx context.Context, frameID int) ([]dap.Scope, error)
	Variables(ctx context.Context, ref, start, count int) ([]dap.Variable, error)
	Evaluate(ctx context.Context, expression string, frameID int, evalCtx string) (dap.EvaluateResult, error)
	Disconnect(ctx context.Context) error
}

// Options configures a new session.
type Options struct {
	ID          string
	Name        string
	ProjectRoot string

	Adapter     Adapter
	Breakpoints *store.BreakpointStore
	Snapshots   *store.SessionStore

	OutputMaxBytes int
	EventQueueMax  int

	// IdleTimeout overrides the manager-wide idle timeout when positive.
	IdleTimeout time.Duration
	// StopOnEntry makes launches pause on the first line unless the
	// launch config already asks for it.
	StopOnEntry bool
}

// Info is a point-in-time view of a session for callers.
type Info struct {
	ID              string          `json:"id"`
	Name            string          `json:"name,omitempty"`
	ProjectRoot     string          `json:"project_root"`
	State           State           `json:"state"`
	StopReason      string          `json:"stop_reason,omitempty"`
	StoppedThreadID int             `json:"stopped_thread_id,omitempty"`
	CurrentFrame    *dap.StackFrame `json:"current_frame,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	LastActivityAt  time.Time       `json:"last_activity_at"`
	RuntimeSeconds  float64         `json:"runtime_seconds"`
	Capabilities    map[string]bool `json:"capabilities,omitempty"`
	Watches         []string        `json:"watches"`
	BreakpointCount int             `json:"breakpoint_count"`
	OutputDropped   int64           `json:"output_dropped,omitempty"`
}

// WatchResult is the outcome of evaluating one watch expression. Exactly
// one of Result or Error is set.
type WatchResult struct {
	Expression string              `json:"expression"`
	Result     *dap.EvaluateResult `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// Session wraps one debug adapter with a state machine, an output buffer,
// and an event queue. External operations are state-gated; adapter events
// move the state unconditionally, since they report what the debuggee
// actually did.
type Session struct {
	ID          string
	Name        string
	ProjectRoot string
	CreatedAt   time.Time

	idleTimeout time.Duration
	stopOnEntry bool

	adapter Adapter
	bpStore *store.BreakpointStore
	snaps   *store.SessionStore

	output *OutputBuffer
	events *EventQueue

	// mu guards the mutable fields below. Never held across adapter
	// calls: check state, release, call, reacquire.
	mu               sync.Mutex
	state            State
	stopReason       string
	stoppedThreadID  int
	lastActivityAt   time.Time
	watches          []string
	breakpoints      map[string][]dap.BreakpointSpec
	verified         map[string][]dap.VerifiedBreakpoint
	exceptionFilters []dap.ExceptionFilter
	capabilities     map[string]bool
	terminateReason  string
	disconnected     bool
}

// New creates a session in the created state. Persisted breakpoints for
// the project are preloaded; a snapshot is written so the session is
// recoverable after a relay restart.
func New(opts Options) (*Session, []string) {
	now := time.Now().UTC()
	s := &Session{
		ID:          opts.ID,
		Name:        opts.Name,
		ProjectRoot: opts.ProjectRoot,
		CreatedAt:   now,

		idleTimeout: opts.IdleTimeout,
		stopOnEntry: opts.StopOnEntry,

		adapter: opts.Adapter,
		bpStore: opts.Breakpoints,
		snaps:   opts.Snapshots,

		output: NewOutputBuffer(opts.OutputMaxBytes),
		events: NewEventQueue(opts.EventQueueMax),

		state:          StateCreated,
		lastActivityAt: now,
		breakpoints:    map[string][]dap.BreakpointSpec{},
		verified:       map[string][]dap.VerifiedBreakpoint{},
	}

	var warnings []string
	if bps, err := s.bpStore.Load(opts.ProjectRoot); err != nil {
		logger.Warn("loading persisted breakpoints failed", "session", s.ID, "error", err)
		warnings = append(warnings, "persisted breakpoints could not be loaded: "+err.Error())
	} else {
		s.breakpoints = bps
	}
	if err := s.snapshot(); err != nil {
		warnings = append(warnings, "session snapshot could not be written: "+err.Error())
	}
	return s, warnings
}

// Restore creates a session in the created state from a persisted
// snapshot. The debuggee is not resurrected; the caller launches anew.
func Restore(opts Options, snap store.SessionSnapshot) (*Session, []string) {
	opts.ID = snap.ID
	opts.Name = snap.Name
	opts.ProjectRoot = snap.ProjectRoot
	s, warnings := New(opts)
	s.CreatedAt = snap.CreatedAt
	s.mu.Lock()
	s.watches = append([]string(nil), snap.Watches...)
	s.mu.Unlock()
	return s, warnings
}

// snapshot persists the recoverable surface. Caller must not hold s.mu.
func (s *Session) snapshot() error {
	s.mu.Lock()
	snap := store.SessionSnapshot{
		ID:          s.ID,
		Name:        s.Name,
		ProjectRoot: s.ProjectRoot,
		CreatedAt:   s.CreatedAt,
		Watches:     append([]string(nil), s.watches...),
	}
	s.mu.Unlock()
	return s.snaps.Snapshot(snap)
}

// snapshotWarning persists and converts failure into a warning string.
func (s *Session) snapshotWarning() []string {
	if err := s.snapshot(); err != nil {
		logger.Warn("session snapshot failed", "session", s.ID, "error", err)
		return []string{"session snapshot could not be written: " + err.Error()}
	}
	return nil
}

// Touch refreshes the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now().UTC()
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IdleTimeout returns the per-session idle override, zero when unset.
func (s *Session) IdleTimeout() time.Duration {
	return s.idleTimeout
}

// LastActivity returns when the session last served an operation.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// setState applies an external transition under the table. Event-driven
// moves use forceState instead.
func (s *Session) setState(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.state, to) {
		return false
	}
	s.state = to
	return true
}

func (s *Session) forceState(to State) {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = to
	}
	s.mu.Unlock()
}

// require gates an external operation on the current state.
func (s *Session) require(op string, allowed ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return requireState(op, s.state, allowed...)
}

// Launch initializes the adapter and starts the debuggee. The call does
// not return until the configuration dance has completed, so a success
// means breakpoints are armed and the program is running (or paused at
// entry with stop_on_entry). A rejected launch tears the adapter back
// down and returns the session to created, so the caller can fix the
// config and retry.
func (s *Session) Launch(ctx context.Context, cfg dap.LaunchConfig) error {
	if err := s.beginLaunch("launch"); err != nil {
		return err
	}
	if s.stopOnEntry {
		cfg.StopOnEntry = true
	}

	if err := s.startAdapter(ctx); err != nil {
		s.abortLaunch(ctx, err)
		return err
	}
	if err := s.adapter.Launch(ctx, cfg); err != nil {
		s.abortLaunch(ctx, err)
		return launchError(err)
	}

	// A stop_on_entry launch pauses before the launch response arrives; in
	// that case the stopped event has already moved the state.
	s.mu.Lock()
	if s.state == StateLaunching {
		s.state = StateRunning
	}
	s.mu.Unlock()
	return nil
}

// Attach initializes the adapter and connects to an already-running
// debuggee. Failure semantics match Launch.
func (s *Session) Attach(ctx context.Context, cfg dap.AttachConfig) error {
	if err := s.beginLaunch("attach"); err != nil {
		return err
	}

	if err := s.startAdapter(ctx); err != nil {
		s.abortLaunch(ctx, err)
		return err
	}
	if err := s.adapter.Attach(ctx, cfg); err != nil {
		s.abortLaunch(ctx, err)
		return attachError(err)
	}

	s.mu.Lock()
	if s.state == StateLaunching {
		s.state = StateRunning
	}
	s.mu.Unlock()
	return nil
}

// beginLaunch gates and claims the created→launching move in one critical
// section, so concurrent launch and attach calls cannot both pass.
func (s *Session) beginLaunch(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := requireState(op, s.state, StateCreated); err != nil {
		return err
	}
	s.state = StateLaunching
	return nil
}

// abortLaunch unwinds a rejected launch or attach: the adapter spawned for
// it is torn down and the session returns to created for a retry. Only
// connection loss moves a session to failed; the reverse launching→created
// move is internal and not reachable through the external transition table.
func (s *Session) abortLaunch(ctx context.Context, cause error) {
	logger.Warn("launch aborted", "session", s.ID, "error", cause)
	if err := s.adapter.Disconnect(ctx); err != nil {
		logger.Warn("adapter teardown after aborted launch", "session", s.ID, "error", err)
	}
	s.mu.Lock()
	if s.state == StateLaunching {
		s.state = StateCreated
		s.stopReason = ""
		s.stoppedThreadID = 0
		s.capabilities = nil
	}
	s.mu.Unlock()
}

func (s *Session) startAdapter(ctx context.Context) error {
	s.adapter.SetOnInitialized(s.configure)
	caps, err := s.adapter.Initialize(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.capabilities = caps
	s.mu.Unlock()
	return nil
}

// configure is the configuration dance: on the adapter's initialized
// event, replay the staged breakpoints and exception filters, then signal
// configurationDone so the debuggee may start.
func (s *Session) configure() {
	ctx := context.Background()

	s.mu.Lock()
	files := make([]string, 0, len(s.breakpoints))
	for f := range s.breakpoints {
		files = append(files, f)
	}
	filters := append([]dap.ExceptionFilter(nil), s.exceptionFilters...)
	s.mu.Unlock()
	sort.Strings(files)

	for _, file := range files {
		s.mu.Lock()
		specs := append([]dap.BreakpointSpec(nil), s.breakpoints[file]...)
		s.mu.Unlock()

		verified, err := s.adapter.SetBreakpoints(ctx, file, specs)
		if err != nil {
			logger.Warn("replaying breakpoints failed", "session", s.ID, "file", file, "error", err)
			continue
		}
		s.mu.Lock()
		s.verified[file] = verified
		s.mu.Unlock()
	}

	if len(filters) > 0 {
		if err := s.adapter.SetExceptionBreakpoints(ctx, filters); err != nil {
			logger.Warn("setting exception breakpoints failed", "session", s.ID, "error", err)
		}
	}
	if err := s.adapter.ConfigurationDone(ctx); err != nil {
		logger.Warn("configurationDone failed", "session", s.ID, "error", err)
	}
}

// launchError maps an adapter rejection of the launch request onto the
// launch kinds; errors that already carry a kind pass through.
func launchError(err error) error {
	var re *dap.RequestError
	if errors.As(err, &re) {
		return relayerr.Wrap(relayerr.KindLaunchFailed, err, "%s", re.Message)
	}
	if relayerr.KindOf(err) != "" {
		return err
	}
	return relayerr.Wrap(relayerr.KindLaunchFailed, err, "launch failed")
}

func attachError(err error) error {
	var re *dap.RequestError
	if errors.As(err, &re) {
		return relayerr.Wrap(relayerr.KindAttachFailed, err, "%s", re.Message)
	}
	if relayerr.KindOf(err) != "" {
		return err
	}
	return relayerr.Wrap(relayerr.KindAttachFailed, err, "attach failed")
}

// configurable are the states in which breakpoint and watch mutations are
// accepted; before launch they are staged, after they are forwarded live.
var configurable = []State{StateCreated, StateLaunching, StateRunning, StatePaused}

// SetBreakpoints replaces the session's breakpoint set for one source
// file. In the created state the specs are staged for the configuration
// dance; in live states they are forwarded to the adapter immediately.
// Persistence failure degrades to a warning.
func (s *Session) SetBreakpoints(ctx context.Context, sourcePath string, specs []dap.BreakpointSpec) ([]dap.VerifiedBreakpoint, []string, error) {
	if err := s.require("set_breakpoints", configurable...); err != nil {
		return nil, nil, err
	}
	if sourcePath == "" {
		return nil, nil, relayerr.New(relayerr.KindBreakpointInvalid, "source_path is required")
	}

	// Dedupe on (line, column); the last spec for a location wins.
	seen := map[[2]int]int{}
	deduped := make([]dap.BreakpointSpec, 0, len(specs))
	for _, spec := range specs {
		if spec.Line < 1 {
			return nil, nil, relayerr.New(relayerr.KindBreakpointInvalid, "breakpoint line must be >= 1, got %d", spec.Line)
		}
		spec.SourcePath = sourcePath
		key := [2]int{spec.Line, spec.Column}
		if i, dup := seen[key]; dup {
			deduped[i] = spec
			continue
		}
		seen[key] = len(deduped)
		deduped = append(deduped, spec)
	}

	s.mu.Lock()
	if len(deduped) == 0 {
		delete(s.breakpoints, sourcePath)
		delete(s.verified, sourcePath)
	} else {
		s.breakpoints[sourcePath] = deduped
	}
	live := s.state != StateCreated
	s.mu.Unlock()

	var warnings []string
	if err := s.bpStore.UpdateFile(s.ProjectRoot, sourcePath, deduped); err != nil {
		logger.Warn("persisting breakpoints failed", "session", s.ID, "error", err)
		warnings = append(warnings, "breakpoints could not be persisted: "+err.Error())
	}

	if !live {
		// Staged: verification happens during the configuration dance.
		pending := make([]dap.VerifiedBreakpoint, len(deduped))
		for i, spec := range deduped {
			pending[i] = dap.VerifiedBreakpoint{Verified: false, Line: spec.Line, Column: spec.Column, Message: "pending launch"}
		}
		return pending, warnings, nil
	}

	verified, err := s.adapter.SetBreakpoints(ctx, sourcePath, deduped)
	if err != nil {
		return nil, warnings, err
	}
	s.mu.Lock()
	s.verified[sourcePath] = verified
	s.mu.Unlock()
	return verified, warnings, nil
}

// ClearBreakpoints removes breakpoints for one file, or all files when
// sourcePath is empty.
func (s *Session) ClearBreakpoints(ctx context.Context, sourcePath string) ([]string, error) {
	if err := s.require("clear_breakpoints", configurable...); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var files []string
	if sourcePath == "" {
		for f := range s.breakpoints {
			files = append(files, f)
		}
	} else if _, ok := s.breakpoints[sourcePath]; ok {
		files = []string{sourcePath}
	}
	for _, f := range files {
		delete(s.breakpoints, f)
		delete(s.verified, f)
	}
	live := s.state != StateCreated
	s.mu.Unlock()
	sort.Strings(files)

	var warnings []string
	persistErr := func(err error) {
		logger.Warn("persisting breakpoint removal failed", "session", s.ID, "error", err)
		warnings = append(warnings, "breakpoint removal could not be persisted: "+err.Error())
	}
	if sourcePath == "" {
		if _, err := s.bpStore.Clear(s.ProjectRoot); err != nil {
			persistErr(err)
		}
	} else {
		if err := s.bpStore.UpdateFile(s.ProjectRoot, sourcePath, nil); err != nil {
			persistErr(err)
		}
	}

	if live {
		for _, f := range files {
			if _, err := s.adapter.SetBreakpoints(ctx, f, nil); err != nil {
				return warnings, err
			}
		}
	}
	return warnings, nil
}

// ListBreakpoints returns the authoritative spec map along with the
// adapter's last-known verification per file.
func (s *Session) ListBreakpoints() (map[string][]dap.BreakpointSpec, map[string][]dap.VerifiedBreakpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	specs := make(map[string][]dap.BreakpointSpec, len(s.breakpoints))
	for f, list := range s.breakpoints {
		specs[f] = append([]dap.BreakpointSpec(nil), list...)
	}
	verified := make(map[string][]dap.VerifiedBreakpoint, len(s.verified))
	for f, list := range s.verified {
		verified[f] = append([]dap.VerifiedBreakpoint(nil), list...)
	}
	return specs, verified
}

// SetExceptionFilters configures exception breaking. Staged before launch,
// live afterwards. "never" clears the set.
func (s *Session) SetExceptionFilters(ctx context.Context, filters []dap.ExceptionFilter) error {
	if err := s.require("set_exception_breakpoints", configurable...); err != nil {
		return err
	}
	for _, f := range filters {
		switch f {
		case dap.ExceptionUncaught, dap.ExceptionRaised, dap.ExceptionNever:
		default:
			return relayerr.New(relayerr.KindInvalidRequest, "unknown exception filter %q", f)
		}
	}

	s.mu.Lock()
	s.exceptionFilters = append([]dap.ExceptionFilter(nil), filters...)
	live := s.state != StateCreated
	s.mu.Unlock()

	if !live {
		return nil
	}
	return s.adapter.SetExceptionBreakpoints(ctx, filters)
}

// Continue resumes execution. threadID zero means the last stopped thread.
func (s *Session) Continue(ctx context.Context, threadID int) error {
	if err := s.require("continue", StatePaused); err != nil {
		return err
	}
	threadID, err := s.resolveThread(threadID)
	if err != nil {
		return err
	}
	if err := s.adapter.Continue(ctx, threadID); err != nil {
		return err
	}
	// debugpy does not always emit a continued event for an explicit
	// continue request.
	s.mu.Lock()
	if s.state == StatePaused {
		s.state = StateRunning
		s.stopReason = ""
		s.stoppedThreadID = 0
	}
	s.mu.Unlock()
	return nil
}

// Pause interrupts the running debuggee. The resulting pause is reported
// by a stopped event; the state does not change until it arrives.
func (s *Session) Pause(ctx context.Context, threadID int) error {
	if err := s.require("pause", StateRunning); err != nil {
		return err
	}
	return s.adapter.Pause(ctx, threadID)
}

// StepOver executes the current line and stops on the next one.
func (s *Session) StepOver(ctx context.Context, threadID int) error {
	return s.step(ctx, "step_over", threadID, s.adapter.StepNext)
}

// StepInto stops inside the call on the current line.
func (s *Session) StepInto(ctx context.Context, threadID int) error {
	return s.step(ctx, "step_into", threadID, s.adapter.StepIn)
}

// StepOut runs until the current frame returns.
func (s *Session) StepOut(ctx context.Context, threadID int) error {
	return s.step(ctx, "step_out", threadID, s.adapter.StepOut)
}

func (s *Session) step(ctx context.Context, op string, threadID int, fn func(context.Context, int) error) error {
	if err := s.require(op, StatePaused); err != nil {
		return err
	}
	threadID, err := s.resolveThread(threadID)
	if err != nil {
		return err
	}
	if err := fn(ctx, threadID); err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == StatePaused {
		s.state = StateRunning
		s.stopReason = ""
	}
	s.mu.Unlock()
	return nil
}

// resolveThread substitutes the stopped thread for a zero threadID.
func (s *Session) resolveThread(threadID int) (int, error) {
	if threadID != 0 {
		return threadID, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stoppedThreadID == 0 {
		return 0, relayerr.New(relayerr.KindThreadNotFound, "no stopped thread to target; pass thread_id")
	}
	return s.stoppedThreadID, nil
}

// Threads lists debuggee threads.
func (s *Session) Threads(ctx context.Context) ([]dap.Thread, error) {
	if err := s.require("threads", StatePaused); err != nil {
		return nil, err
	}
	return s.adapter.Threads(ctx)
}

// StackTrace returns frames for a thread. threadID zero means the last
// stopped thread.
func (s *Session) StackTrace(ctx context.Context, threadID, start, levels int) ([]dap.StackFrame, int, error) {
	if err := s.require("stacktrace", StatePaused); err != nil {
		return nil, 0, err
	}
	threadID, err := s.resolveThread(threadID)
	if err != nil {
		return nil, 0, err
	}
	frames, total, err := s.adapter.StackTrace(ctx, threadID, start, levels)
	if err != nil {
		return nil, 0, threadError(threadID, err)
	}
	return frames, total, nil
}

// Scopes lists the variable scopes of a frame.
func (s *Session) Scopes(ctx context.Context, frameID int) ([]dap.Scope, error) {
	if err := s.require("scopes", StatePaused); err != nil {
		return nil, err
	}
	scopes, err := s.adapter.Scopes(ctx, frameID)
	if err != nil {
		return nil, frameError(frameID, err)
	}
	return scopes, nil
}

// Variables expands a variables reference.
func (s *Session) Variables(ctx context.Context, ref, start, count int) ([]dap.Variable, error) {
	if err := s.require("variables", StatePaused); err != nil {
		return nil, err
	}
	return s.adapter.Variables(ctx, ref, start, count)
}

// Evaluate evaluates an expression in a frame (or globally with frameID
// zero). An adapter rejection surfaces as EVALUATE_ERROR so callers can
// distinguish a bad expression from a broken session.
func (s *Session) Evaluate(ctx context.Context, expression string, frameID int, evalCtx string) (dap.EvaluateResult, error) {
	if err := s.require("evaluate", StatePaused); err != nil {
		return dap.EvaluateResult{}, err
	}
	if expression == "" {
		return dap.EvaluateResult{}, relayerr.New(relayerr.KindInvalidRequest, "expression is required")
	}
	res, err := s.adapter.Evaluate(ctx, expression, frameID, evalCtx)
	if err != nil {
		return dap.EvaluateResult{}, evaluateError(expression, err)
	}
	return res, nil
}

// threadError maps an adapter rejection of a thread-scoped request.
func threadError(threadID int, err error) error {
	var re *dap.RequestError
	if errors.As(err, &re) {
		return relayerr.Wrap(relayerr.KindThreadNotFound, err, "thread %d: %s", threadID, re.Message).
			WithDetails(map[string]any{"thread_id": threadID})
	}
	return err
}

func frameError(frameID int, err error) error {
	var re *dap.RequestError
	if errors.As(err, &re) {
		return relayerr.Wrap(relayerr.KindFrameNotFound, err, "frame %d: %s", frameID, re.Message).
			WithDetails(map[string]any{"frame_id": frameID})
	}
	return err
}

func evaluateError(expression string, err error) error {
	var re *dap.RequestError
	if errors.As(err, &re) {
		return relayerr.Wrap(relayerr.KindEvaluateError, err, "%s", re.Message).
			WithDetails(map[string]any{"expression": expression})
	}
	return err
}

// AddWatch registers a watch expression. Duplicates are ignored; order is
// preserved.
func (s *Session) AddWatch(expression string) ([]string, []string, error) {
	if err := s.require("add_watch", configurable...); err != nil {
		return nil, nil, err
	}
	if expression == "" {
		return nil, nil, relayerr.New(relayerr.KindInvalidRequest, "expression is required")
	}

	s.mu.Lock()
	exists := false
	for _, w := range s.watches {
		if w == expression {
			exists = true
			break
		}
	}
	if !exists {
		s.watches = append(s.watches, expression)
	}
	watches := append([]string(nil), s.watches...)
	s.mu.Unlock()

	if exists {
		return watches, nil, nil
	}
	return watches, s.snapshotWarning(), nil
}

// RemoveWatch deletes a watch expression.
func (s *Session) RemoveWatch(expression string) ([]string, []string, error) {
	if err := s.require("remove_watch", configurable...); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	found := false
	kept := s.watches[:0]
	for _, w := range s.watches {
		if w == expression {
			found = true
			continue
		}
		kept = append(kept, w)
	}
	s.watches = kept
	watches := append([]string(nil), s.watches...)
	s.mu.Unlock()

	if !found {
		return watches, nil, relayerr.New(relayerr.KindInvalidRequest, "watch %q is not registered", expression)
	}
	return watches, s.snapshotWarning(), nil
}

// Watches returns the registered expressions in insertion order.
func (s *Session) Watches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.watches...)
}

// EvaluateWatches evaluates every registered watch against the top frame
// of the stopped thread. A failing expression yields a per-entry error
// instead of failing the batch.
func (s *Session) EvaluateWatches(ctx context.Context) ([]WatchResult, error) {
	if err := s.require("evaluate_watches", StatePaused); err != nil {
		return nil, err
	}

	s.mu.Lock()
	watches := append([]string(nil), s.watches...)
	s.mu.Unlock()
	if len(watches) == 0 {
		return []WatchResult{}, nil
	}

	frameID, err := s.topFrameID(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]WatchResult, 0, len(watches))
	for _, expr := range watches {
		res, err := s.adapter.Evaluate(ctx, expr, frameID, "watch")
		if err != nil {
			results = append(results, WatchResult{Expression: expr, Error: err.Error()})
			continue
		}
		r := res
		results = append(results, WatchResult{Expression: expr, Result: &r})
	}
	return results, nil
}

// topFrameID returns the id of the stopped thread's top frame.
func (s *Session) topFrameID(ctx context.Context) (int, error) {
	threadID, err := s.resolveThread(0)
	if err != nil {
		return 0, err
	}
	frames, _, err := s.adapter.StackTrace(ctx, threadID, 0, 1)
	if err != nil {
		return 0, threadError(threadID, err)
	}
	if len(frames) == 0 {
		return 0, relayerr.New(relayerr.KindFrameNotFound, "thread %d has no frames", threadID)
	}
	return frames[0].ID, nil
}

// Output returns a page of buffered debuggee output.
func (s *Session) Output(offset, limit int, category string) OutputPage {
	return s.output.Page(offset, limit, category)
}

// PollEvents long-polls the event queue.
func (s *Session) PollEvents(ctx context.Context, cursor int64, limit int, wait time.Duration) EventPoll {
	return s.events.Poll(ctx, cursor, limit, wait)
}

// Info snapshots the session. When paused, the current frame location is
// resolved on demand from the adapter; a lookup failure just omits it.
func (s *Session) Info(ctx context.Context) Info {
	s.mu.Lock()
	info := Info{
		ID:              s.ID,
		Name:            s.Name,
		ProjectRoot:     s.ProjectRoot,
		State:           s.state,
		StopReason:      s.stopReason,
		StoppedThreadID: s.stoppedThreadID,
		CreatedAt:       s.CreatedAt,
		LastActivityAt:  s.lastActivityAt,
		RuntimeSeconds:  time.Since(s.CreatedAt).Seconds(),
		Capabilities:    s.capabilities,
		Watches:         append([]string{}, s.watches...),
	}
	for _, specs := range s.breakpoints {
		info.BreakpointCount += len(specs)
	}
	paused := s.state == StatePaused
	threadID := s.stoppedThreadID
	s.mu.Unlock()

	info.OutputDropped = s.output.Dropped()

	if paused && threadID != 0 {
		frames, _, err := s.adapter.StackTrace(ctx, threadID, 0, 1)
		if err == nil && len(frames) > 0 {
			frame := frames[0]
			info.CurrentFrame = &frame
		}
	}
	return info
}

// Terminate ends the session: adapter disconnect (terminating the
// debuggee), terminal state, a terminated event for pollers, and snapshot
// removal. reason is recorded on the event ("" for an explicit terminate,
// "idle"/"lifetime" for eviction). Safe to call more than once.
func (s *Session) Terminate(ctx context.Context, reason string) Info {
	s.mu.Lock()
	already := s.disconnected
	s.disconnected = true
	if !s.state.Terminal() {
		s.state = StateTerminated
		s.terminateReason = reason
	}
	s.mu.Unlock()

	if already {
		return s.Info(ctx)
	}

	if err := s.adapter.Disconnect(ctx); err != nil {
		logger.Warn("adapter disconnect failed", "session", s.ID, "error", err)
	}
	s.events.Put(dap.EventTerminated, dap.TerminatedBody{Reason: reason})

	if _, err := s.snaps.Remove(s.ID); err != nil {
		logger.Warn("removing session snapshot failed", "session", s.ID, "error", err)
	}
	return s.Info(ctx)
}

// HandleEvent applies an adapter event: events are authoritative, so they
// move the state without consulting the transition table. Runs on the
// adapter's reader goroutine.
func (s *Session) HandleEvent(ev dap.Event) {
	switch body := ev.Body.(type) {
	case dap.StoppedBody:
		s.mu.Lock()
		if !s.state.Terminal() {
			s.state = StatePaused
			s.stopReason = body.Reason
			s.stoppedThreadID = body.ThreadID
		}
		s.mu.Unlock()
	case dap.ContinuedBody:
		s.mu.Lock()
		if !s.state.Terminal() {
			s.state = StateRunning
			s.stopReason = ""
			s.stoppedThreadID = 0
		}
		s.mu.Unlock()
	case dap.TerminatedBody:
		s.forceState(StateTerminated)
		// Reap the adapter subprocess; Disconnect is idempotent.
		go func() {
			s.mu.Lock()
			already := s.disconnected
			s.disconnected = true
			s.mu.Unlock()
			if !already {
				if err := s.adapter.Disconnect(context.Background()); err != nil {
					logger.Debug("post-terminate disconnect failed", "session", s.ID, "error", err)
				}
				if _, err := s.snaps.Remove(s.ID); err != nil {
					logger.Warn("removing session snapshot failed", "session", s.ID, "error", err)
				}
			}
		}()
	case dap.OutputBody:
		s.output.Append(body.Category, body.Output, body.Source, body.Line)
	case dap.BreakpointBody:
		s.updateVerified(body.Breakpoint)
	}
	s.events.Put(ev.Type, ev.Body)
}

// updateVerified refreshes the cached verification matching the adapter's
// breakpoint id.
func (s *Session) updateVerified(bp dap.VerifiedBreakpoint) {
	if bp.ID == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for file, list := range s.verified {
		for i, v := range list {
			if v.ID == bp.ID {
				s.verified[file][i] = bp
				return
			}
		}
	}
}

// HandleConnectionLost marks the session failed when the adapter stream
// dies underneath it. Pollers see a terminated event so they stop waiting.
func (s *Session) HandleConnectionLost(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.mu.Unlock()

	logger.Error("dap connection lost", "session", s.ID, "error", err)
	s.events.Put(dap.EventTerminated, dap.TerminatedBody{Reason: "connection_lost"})
}

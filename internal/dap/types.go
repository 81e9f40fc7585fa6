package dap

// EventType is the relay's internal debug-event vocabulary. Values are the
// wire labels exposed to pollers.
type EventType string

const (
	EventStopped    EventType = "stopped"
	EventContinued  EventType = "continued"
	EventTerminated EventType = "terminated"
	EventOutput     EventType = "output"
	EventBreakpoint EventType = "breakpoint"
	EventThread     EventType = "thread"
	EventModule     EventType = "module"
)

// Event is a translated adapter event before the session's queue stamps it
// with a sequence number and timestamp. Body is one of the *Body structs.
type Event struct {
	Type EventType `json:"type"`
	Body any       `json:"body"`
}

// StoppedBody carries a "stopped" event.
type StoppedBody struct {
	Reason            string `json:"reason"`
	ThreadID          int    `json:"thread_id"`
	Description       string `json:"description,omitempty"`
	Text              string `json:"text,omitempty"`
	AllThreadsStopped bool   `json:"all_threads_stopped"`
	HitBreakpointIDs  []int  `json:"hit_breakpoint_ids,omitempty"`
}

// ContinuedBody carries a "continued" event.
type ContinuedBody struct {
	ThreadID            int  `json:"thread_id"`
	AllThreadsContinued bool `json:"all_threads_continued"`
}

// TerminatedBody carries a "terminated" event. Reason is empty when the
// debuggee ended on its own, or "idle"/"lifetime" for manager eviction.
type TerminatedBody struct {
	Reason string `json:"reason,omitempty"`
}

// OutputBody carries an "output" event.
type OutputBody struct {
	Category string `json:"category"`
	Output   string `json:"output"`
	Source   string `json:"source,omitempty"`
	Line     int    `json:"line,omitempty"`
}

// BreakpointBody carries a "breakpoint" verification-change event.
type BreakpointBody struct {
	Reason     string             `json:"reason"`
	Breakpoint VerifiedBreakpoint `json:"breakpoint"`
}

// ThreadBody carries a "thread" started/exited event.
type ThreadBody struct {
	Reason   string `json:"reason"`
	ThreadID int    `json:"thread_id"`
}

// ModuleBody carries a "module" event.
type ModuleBody struct {
	Reason string `json:"reason"`
	Name   string `json:"name,omitempty"`
}

// BreakpointSpec is the relay's authoritative description of one
// breakpoint. A spec with LogMessage set is a logpoint: it emits output
// instead of halting.
type BreakpointSpec struct {
	SourcePath   string `json:"source_path"`
	Line         int    `json:"line"`
	Column       int    `json:"column,omitempty"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hit_condition,omitempty"`
	LogMessage   string `json:"log_message,omitempty"`
	Enabled      *bool  `json:"enabled,omitempty"`
}

// IsEnabled reports whether the spec is active; unset defaults to true.
func (b BreakpointSpec) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// VerifiedBreakpoint is the adapter's last-known verification of a spec.
type VerifiedBreakpoint struct {
	ID       int    `json:"id,omitempty"`
	Verified bool   `json:"verified"`
	Message  string `json:"message,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
}

// Thread is one debuggee thread.
type Thread struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// StackFrame is one frame of a stack trace. Line and column are 1-origin.
type StackFrame struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	SourcePath string `json:"source_path,omitempty"`
	Line       int    `json:"line"`
	Column     int    `json:"column"`
}

// Scope is a variable scope of a frame.
type Scope struct {
	Name               string `json:"name"`
	VariablesReference int    `json:"variables_reference"`
	Expensive          bool   `json:"expensive"`
	NamedVariables     int    `json:"named_variables,omitempty"`
	IndexedVariables   int    `json:"indexed_variables,omitempty"`
}

// Variable is one child of a variables reference. A nonzero
// VariablesReference means the value can be expanded further; the relay
// never invents references, it forwards the adapter's.
type Variable struct {
	Name               string `json:"name"`
	Value              string `json:"value"`
	Type               string `json:"type,omitempty"`
	VariablesReference int    `json:"variables_reference"`
	NamedVariables     int    `json:"named_variables,omitempty"`
	IndexedVariables   int    `json:"indexed_variables,omitempty"`
}

// EvaluateResult is the outcome of evaluating one expression.
type EvaluateResult struct {
	Result             string `json:"result"`
	Type               string `json:"type,omitempty"`
	VariablesReference int    `json:"variables_reference"`
}

// LaunchConfig enumerates the recognized launch fields. Exactly one of
// Program or Module must be set.
type LaunchConfig struct {
	Program     string            `json:"program,omitempty"`
	Module      string            `json:"module,omitempty"`
	Args        []string          `json:"args,omitempty"`
	PythonArgs  []string          `json:"python_args,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	StopOnEntry bool              `json:"stop_on_entry,omitempty"`
	Console     string            `json:"console,omitempty"`
	Python      string            `json:"python,omitempty"`
}

// AttachConfig enumerates the recognized attach fields: either a local PID
// or a host/port pair the debuggee is already listening on.
type AttachConfig struct {
	PID            int    `json:"pid,omitempty"`
	Host           string `json:"host,omitempty"`
	Port           int    `json:"port,omitempty"`
	ConnectTimeout int    `json:"connect_timeout,omitempty"`
}

// ExceptionFilter selects which exceptions pause the debuggee.
type ExceptionFilter string

const (
	ExceptionUncaught ExceptionFilter = "uncaught"
	ExceptionRaised   ExceptionFilter = "raised"
	ExceptionNever    ExceptionFilter = "never"
)

package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/daprelay/daprelay/internal/dap"
	"github.com/daprelay/daprelay/internal/relayerr"
	"github.com/daprelay/daprelay/internal/session"
)

// maxPollWait caps the events long-poll; longer waits are clamped, not
// rejected.
const maxPollWait = 30 * time.Second

type handler struct {
	manager *session.Manager
	version string
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  h.version,
		"sessions": len(h.manager.List()),
	}, nil)
}

// session lookup shared by the per-session handlers.
func (h *handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return nil, false
	}
	return s, true
}

type createSessionRequest struct {
	Name           string `json:"name"`
	ProjectRoot    string `json:"project_root"`
	TimeoutMinutes int    `json:"timeout_minutes"`
	StopOnEntry    bool   `json:"stop_on_entry"`
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s, warnings, err := h.manager.Create(session.CreateRequest{
		Name:           req.Name,
		ProjectRoot:    req.ProjectRoot,
		TimeoutMinutes: req.TimeoutMinutes,
		StopOnEntry:    req.StopOnEntry,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, s.Info(r.Context()), warnings)
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.manager.List()
	infos := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info(r.Context()))
	}
	respond(w, http.StatusOK, map[string]any{"sessions": infos}, nil)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	respond(w, http.StatusOK, s.Info(r.Context()), nil)
}

func (h *handler) terminateSession(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	info, err := h.manager.Terminate(r.Context(), chi.URLParam(r, "id"), force)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"deleted":         true,
		"runtime_seconds": info.RuntimeSeconds,
		"session":         info,
	}, nil)
}

func (h *handler) listRecoverable(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.manager.ListRecoverable()
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"sessions": snaps}, nil)
}

type recoverSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (h *handler) recoverSession(w http.ResponseWriter, r *http.Request) {
	var req recoverSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		respondError(w, relayerr.New(relayerr.KindInvalidRequest, "session_id is required"))
		return
	}
	s, warnings, err := h.manager.Recover(req.SessionID)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, s.Info(r.Context()), warnings)
}

func (h *handler) launch(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var cfg dap.LaunchConfig
	if !decodeBody(w, r, &cfg) {
		return
	}
	if err := s.Launch(r.Context(), cfg); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, s.Info(r.Context()), nil)
}

func (h *handler) attach(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var cfg dap.AttachConfig
	if !decodeBody(w, r, &cfg) {
		return
	}
	if err := s.Attach(r.Context(), cfg); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, s.Info(r.Context()), nil)
}

type setBreakpointsRequest struct {
	SourcePath  string               `json:"source_path"`
	Breakpoints []dap.BreakpointSpec `json:"breakpoints"`
}

func (h *handler) setBreakpoints(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req setBreakpointsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	verified, warnings, err := s.SetBreakpoints(r.Context(), req.SourcePath, req.Breakpoints)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"source_path": req.SourcePath,
		"breakpoints": verified,
	}, warnings)
}

func (h *handler) listBreakpoints(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	specs, verified := s.ListBreakpoints()
	respond(w, http.StatusOK, map[string]any{
		"breakpoints": specs,
		"verified":    verified,
	}, nil)
}

func (h *handler) clearBreakpoints(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	warnings, err := s.ClearBreakpoints(r.Context(), r.URL.Query().Get("source_path"))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"cleared": true}, warnings)
}

type exceptionBreakpointsRequest struct {
	Filters []dap.ExceptionFilter `json:"filters"`
}

func (h *handler) setExceptionBreakpoints(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req exceptionBreakpointsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.SetExceptionFilters(r.Context(), req.Filters); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"filters": req.Filters}, nil)
}

type threadRequest struct {
	ThreadID int `json:"thread_id"`
}

func (h *handler) control(w http.ResponseWriter, r *http.Request, fn func(*session.Session, int) error) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req threadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := fn(s, req.ThreadID); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, s.Info(r.Context()), nil)
}

func (h *handler) resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(s *session.Session, tid int) error { return s.Continue(r.Context(), tid) })
}

func (h *handler) pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(s *session.Session, tid int) error { return s.Pause(r.Context(), tid) })
}

func (h *handler) stepOver(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(s *session.Session, tid int) error { return s.StepOver(r.Context(), tid) })
}

func (h *handler) stepInto(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(s *session.Session, tid int) error { return s.StepInto(r.Context(), tid) })
}

func (h *handler) stepOut(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(s *session.Session, tid int) error { return s.StepOut(r.Context(), tid) })
}

func (h *handler) threads(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	threads, err := s.Threads(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"threads": threads}, nil)
}

func (h *handler) stackTrace(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	threadID := queryInt(r, "thread_id", 0)
	start := queryInt(r, "start", 0)
	levels := queryInt(r, "levels", 20)

	frames, total, err := s.StackTrace(r.Context(), threadID, start, levels)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"frames":       frames,
		"total_frames": total,
	}, nil)
}

func (h *handler) scopes(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	scopes, err := s.Scopes(r.Context(), queryInt(r, "frame_id", 0))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"scopes": scopes}, nil)
}

func (h *handler) variables(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	ref := queryInt(r, "ref", 0)
	if ref == 0 {
		respondError(w, relayerr.New(relayerr.KindInvalidRequest, "ref is required"))
		return
	}
	vars, err := s.Variables(r.Context(), ref, queryInt(r, "start", 0), queryInt(r, "count", 0))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"variables": vars}, nil)
}

type evaluateRequest struct {
	Expression string `json:"expression"`
	FrameID    int    `json:"frame_id"`
	Context    string `json:"context"`
}

func (h *handler) evaluate(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req evaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.Evaluate(r.Context(), req.Expression, req.FrameID, req.Context)
	if err != nil {
		// The adapter evaluated the expression and the expression itself
		// raised: that is a successful operation with an error body.
		var rerr *relayerr.Error
		if errors.As(err, &rerr) && rerr.Kind == relayerr.KindEvaluateError {
			respond(w, http.StatusOK, map[string]any{
				"expression": req.Expression,
				"error":      rerr.Message,
			}, nil)
			return
		}
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, res, nil)
}

type watchRequest struct {
	Expression string `json:"expression"`
}

func (h *handler) listWatches(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	respond(w, http.StatusOK, map[string]any{"watches": s.Watches()}, nil)
}

func (h *handler) addWatch(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req watchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	watches, warnings, err := s.AddWatch(req.Expression)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"watches": watches}, warnings)
}

func (h *handler) removeWatch(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	expr := r.URL.Query().Get("expression")
	if expr == "" {
		var req watchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		expr = req.Expression
	}
	watches, warnings, err := s.RemoveWatch(expr)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"watches": watches}, warnings)
}

func (h *handler) evaluateWatches(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	results, err := s.EvaluateWatches(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"watches": results}, nil)
}

func (h *handler) output(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	page := s.Output(
		queryInt(r, "offset", 0),
		queryInt(r, "limit", 200),
		r.URL.Query().Get("category"),
	)
	respond(w, http.StatusOK, page, nil)
}

// pollEvents long-polls the session's event feed. The response embeds the
// session status so one poll answers both "what happened" and "where is
// the debuggee now".
func (h *handler) pollEvents(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	cursor := queryInt64(r, "cursor", 0)
	limit := queryInt(r, "limit", 100)
	wait := time.Duration(queryInt(r, "wait_timeout_ms", 0)) * time.Millisecond
	if wait > maxPollWait {
		wait = maxPollWait
	}

	poll := s.PollEvents(r.Context(), cursor, limit, wait)
	respond(w, http.StatusOK, map[string]any{
		"session":        s.Info(r.Context()),
		"events":         poll.Events,
		"next_cursor":    poll.NextCursor,
		"has_more":       poll.HasMore,
		"cursor_skipped": poll.CursorSkipped,
	}, nil)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, name string, def int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

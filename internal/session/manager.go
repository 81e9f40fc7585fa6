package session

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/daprelay/daprelay/internal/dap"
	"github.com/daprelay/daprelay/internal/logger"
	"github.com/daprelay/daprelay/internal/metrics"
	"github.com/daprelay/daprelay/internal/relayerr"
	"github.com/daprelay/daprelay/internal/store"
)

// evictInterval is how often the manager sweeps for idle and over-lifetime
// sessions.
const evictInterval = time.Minute

// evictedTTL bounds how long an eviction record is kept for late callers;
// afterwards the id reports plain SESSION_NOT_FOUND.
const evictedTTL = time.Hour

// forceGrace is the disconnect deadline for a forced terminate.
const forceGrace = time.Second

// AdapterFactory builds the debug adapter for a new session; sink is the
// session itself.
type AdapterFactory func(sink dap.EventSink) Adapter

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	MaxSessions    int
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	OutputMaxBytes int
	EventQueueMax  int
	DataDir        string
	NewAdapter     AdapterFactory
}

// Manager is the session registry: it admits sessions under the
// concurrency cap, routes lookups, evicts idle and over-lifetime sessions
// on a timer, and recovers snapshots after a restart.
type Manager struct {
	opts    ManagerOptions
	bpStore *store.BreakpointStore
	snaps   *store.SessionStore

	mu       sync.Mutex
	sessions map[string]*Session
	// evicted remembers why the manager removed a session, so a late
	// caller gets SESSION_EXPIRED instead of a bare not-found. Entries
	// age out after evictedTTL.
	evicted map[string]eviction

	stop     chan struct{}
	stopOnce sync.Once
	started  bool
	done     chan struct{}
}

// NewManager creates a manager. Call Start to begin the eviction sweep.
func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		opts:     opts,
		bpStore:  store.NewBreakpointStore(opts.DataDir),
		snaps:    store.NewSessionStore(opts.DataDir),
		sessions: make(map[string]*Session),
		evicted:  make(map[string]eviction),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the eviction loop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.evictLoop()
}

type eviction struct {
	reason string
	at     time.Time
}

func newSessionID() string {
	return "sess_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// CreateRequest carries the caller-supplied parameters for a new session.
type CreateRequest struct {
	Name        string
	ProjectRoot string
	// TimeoutMinutes overrides the idle timeout for this session only.
	TimeoutMinutes int
	// StopOnEntry makes later launches pause on the first line.
	StopOnEntry bool
}

// Create admits a new session in the created state. The concurrency cap is
// checked and the slot claimed atomically, so racing creates cannot
// overshoot it.
func (m *Manager) Create(req CreateRequest) (*Session, []string, error) {
	if req.ProjectRoot == "" {
		return nil, nil, relayerr.New(relayerr.KindInvalidRequest, "project_root is required")
	}
	if fi, err := os.Stat(req.ProjectRoot); err != nil || !fi.IsDir() {
		return nil, nil, relayerr.New(relayerr.KindInvalidRequest, "project_root %q is not a directory", req.ProjectRoot)
	}
	if req.TimeoutMinutes < 0 {
		return nil, nil, relayerr.New(relayerr.KindInvalidRequest, "timeout_minutes must not be negative")
	}

	m.mu.Lock()
	if len(m.sessions) >= m.opts.MaxSessions {
		m.mu.Unlock()
		metrics.SessionsRejected.Inc()
		return nil, nil, relayerr.New(relayerr.KindSessionLimitReached, "session limit of %d reached", m.opts.MaxSessions).
			WithDetails(map[string]any{"max_sessions": m.opts.MaxSessions})
	}
	id := newSessionID()
	for m.sessions[id] != nil {
		id = newSessionID()
	}
	// Claim the slot before the session is built so the cap holds.
	m.sessions[id] = nil
	m.mu.Unlock()

	s, warnings := New(Options{
		ID:             id,
		Name:           req.Name,
		ProjectRoot:    req.ProjectRoot,
		Breakpoints:    m.bpStore,
		Snapshots:      m.snaps,
		OutputMaxBytes: m.opts.OutputMaxBytes,
		EventQueueMax:  m.opts.EventQueueMax,
		IdleTimeout:    time.Duration(req.TimeoutMinutes) * time.Minute,
		StopOnEntry:    req.StopOnEntry,
	})
	s.adapter = m.opts.NewAdapter(s)

	m.mu.Lock()
	m.sessions[id] = s
	active := len(m.sessions)
	m.mu.Unlock()

	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Set(float64(active))
	logger.Info("session created", "session", id, "project", req.ProjectRoot)
	return s, warnings, nil
}

// Get returns a registered session and refreshes its idle clock. A session
// the manager evicted reports SESSION_EXPIRED; an unknown id reports
// SESSION_NOT_FOUND.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	s := m.sessions[id]
	ev, wasEvicted := m.evicted[id]
	m.mu.Unlock()

	if s != nil {
		s.Touch()
		return s, nil
	}
	if wasEvicted {
		return nil, relayerr.New(relayerr.KindSessionExpired, "session %s was evicted (%s)", id, ev.reason).
			WithDetails(map[string]any{"reason": ev.reason})
	}
	return nil, relayerr.New(relayerr.KindSessionNotFound, "no session %s", id)
}

// List returns every registered session.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Terminate ends a session explicitly and removes it from the registry.
// With force, the graceful adapter disconnect gets a short deadline
// instead of the full grace window.
func (m *Manager) Terminate(ctx context.Context, id string, force bool) (Info, error) {
	s, err := m.Get(id)
	if err != nil {
		return Info{}, err
	}
	if force {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, forceGrace)
		defer cancel()
	}
	info := s.Terminate(ctx, "")

	m.mu.Lock()
	delete(m.sessions, id)
	active := len(m.sessions)
	m.mu.Unlock()

	metrics.SessionsEnded.WithLabelValues("terminated").Inc()
	metrics.SessionsActive.Set(float64(active))
	logger.Info("session terminated", "session", id)
	return info, nil
}

// evictLoop sweeps once a minute. A live session past the idle timeout or
// the lifetime cap is terminated in place with the reason on its final
// event; it is deregistered on a later sweep, once pollers have gone
// quiet, so the terminated event remains observable.
func (m *Manager) evictLoop() {
	defer close(m.done)
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(time.Now().UTC())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	candidates := make(map[string]*Session, len(m.sessions))
	for id, s := range m.sessions {
		if s != nil {
			candidates[id] = s
		}
	}
	for id, ev := range m.evicted {
		if now.Sub(ev.at) > evictedTTL {
			delete(m.evicted, id)
		}
	}
	m.mu.Unlock()

	for id, s := range candidates {
		idle := now.Sub(s.LastActivity())
		age := now.Sub(s.CreatedAt)
		idleLimit := m.opts.IdleTimeout
		if t := s.IdleTimeout(); t > 0 {
			idleLimit = t
		}

		if s.State().Terminal() {
			if idle > idleLimit {
				m.deregister(id, "terminated")
			}
			continue
		}

		switch {
		case idleLimit > 0 && idle > idleLimit:
			logger.Info("evicting idle session", "session", id, "idle", idle.Round(time.Second))
			s.Terminate(context.Background(), "idle")
			m.recordEviction(id, "idle")
		case m.opts.MaxLifetime > 0 && age > m.opts.MaxLifetime:
			logger.Info("evicting session past max lifetime", "session", id, "age", age.Round(time.Second))
			s.Terminate(context.Background(), "lifetime")
			m.recordEviction(id, "lifetime")
		}
	}
}

func (m *Manager) recordEviction(id, reason string) {
	m.mu.Lock()
	m.evicted[id] = eviction{reason: reason, at: time.Now().UTC()}
	m.mu.Unlock()
	metrics.SessionsEnded.WithLabelValues(reason).Inc()
}

func (m *Manager) deregister(id, reason string) {
	m.mu.Lock()
	delete(m.sessions, id)
	if _, ok := m.evicted[id]; !ok {
		m.evicted[id] = eviction{reason: reason, at: time.Now().UTC()}
	}
	active := len(m.sessions)
	m.mu.Unlock()
	metrics.SessionsActive.Set(float64(active))
}

// ListRecoverable returns persisted snapshots that are not currently
// registered: sessions a previous relay process left behind.
func (m *Manager) ListRecoverable() ([]store.SessionSnapshot, error) {
	snaps, err := m.snaps.ListRecoverable()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := snaps[:0]
	for _, snap := range snaps {
		if _, live := m.sessions[snap.ID]; !live {
			out = append(out, snap)
		}
	}
	return out, nil
}

// Recover re-registers a persisted session in the created state: its
// breakpoints and watches are restored, but the debuggee is never
// resurrected; the caller launches anew.
func (m *Manager) Recover(id string) (*Session, []string, error) {
	snaps, err := m.snaps.ListRecoverable()
	if err != nil {
		return nil, nil, err
	}
	var snap *store.SessionSnapshot
	for i := range snaps {
		if snaps[i].ID == id {
			snap = &snaps[i]
			break
		}
	}
	if snap == nil {
		return nil, nil, relayerr.New(relayerr.KindSessionNotFound, "no recoverable session %s", id)
	}

	m.mu.Lock()
	if _, live := m.sessions[id]; live {
		m.mu.Unlock()
		return nil, nil, relayerr.New(relayerr.KindInvalidRequest, "session %s is already live", id)
	}
	if len(m.sessions) >= m.opts.MaxSessions {
		m.mu.Unlock()
		metrics.SessionsRejected.Inc()
		return nil, nil, relayerr.New(relayerr.KindSessionLimitReached, "session limit of %d reached", m.opts.MaxSessions).
			WithDetails(map[string]any{"max_sessions": m.opts.MaxSessions})
	}
	m.sessions[id] = nil
	delete(m.evicted, id)
	m.mu.Unlock()

	s, warnings := Restore(Options{
		Breakpoints:    m.bpStore,
		Snapshots:      m.snaps,
		OutputMaxBytes: m.opts.OutputMaxBytes,
		EventQueueMax:  m.opts.EventQueueMax,
	}, *snap)
	s.adapter = m.opts.NewAdapter(s)

	m.mu.Lock()
	m.sessions[id] = s
	active := len(m.sessions)
	m.mu.Unlock()

	metrics.SessionsActive.Set(float64(active))
	logger.Info("session recovered", "session", id, "project", snap.ProjectRoot)
	return s, warnings, nil
}

// Shutdown stops the eviction loop and terminates every session in
// parallel, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		select {
		case <-m.done:
		case <-ctx.Done():
		}
	}

	sessions := m.List()
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			s.Terminate(gctx, "shutdown")
			return nil
		})
	}
	err := g.Wait()

	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	metrics.SessionsActive.Set(0)
	return err
}

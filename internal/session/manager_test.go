package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/daprelay/daprelay/internal/dap"
	"github.com/daprelay/daprelay/internal/relayerr"
)

func testManager(t *testing.T, maxSessions int) *Manager {
	t.Helper()
	return NewManager(ManagerOptions{
		MaxSessions:    maxSessions,
		IdleTimeout:    30 * time.Minute,
		MaxLifetime:    4 * time.Hour,
		OutputMaxBytes: 4096,
		EventQueueMax:  100,
		DataDir:        t.TempDir(),
		NewAdapter:     func(sink dap.EventSink) Adapter { return newFakeAdapter() },
	})
}

func TestManagerCreateAndGet(t *testing.T) {
	m := testManager(t, 4)
	s, warnings, err := m.Create(CreateRequest{Name: "debug run", ProjectRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if !strings.HasPrefix(s.ID, "sess_") || len(s.ID) != len("sess_")+8 {
		t.Errorf("id = %q, want sess_ plus 8 hex chars", s.ID)
	}
	if s.State() != StateCreated {
		t.Errorf("state = %s, want created", s.State())
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != s {
		t.Error("Get returned a different session")
	}
}

func TestManagerCreateValidation(t *testing.T) {
	m := testManager(t, 4)
	if _, _, err := m.Create(CreateRequest{Name: "x"}); !relayerr.Is(err, relayerr.KindInvalidRequest) {
		t.Errorf("empty project_root should be INVALID_REQUEST, got %v", err)
	}
	if _, _, err := m.Create(CreateRequest{Name: "x", ProjectRoot: "/no/such/dir/anywhere"}); !relayerr.Is(err, relayerr.KindInvalidRequest) {
		t.Errorf("missing project_root should be INVALID_REQUEST, got %v", err)
	}
	if _, _, err := m.Create(CreateRequest{ProjectRoot: t.TempDir(), TimeoutMinutes: -1}); !relayerr.Is(err, relayerr.KindInvalidRequest) {
		t.Errorf("negative timeout_minutes should be INVALID_REQUEST, got %v", err)
	}
}

func TestManagerSessionCap(t *testing.T) {
	m := testManager(t, 2)
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		if _, _, err := m.Create(CreateRequest{Name: "s", ProjectRoot: dir}); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	_, _, err := m.Create(CreateRequest{Name: "over", ProjectRoot: dir})
	if !relayerr.Is(err, relayerr.KindSessionLimitReached) {
		t.Fatalf("want SESSION_LIMIT_REACHED, got %v", err)
	}

	// Terminating one frees the slot.
	s := m.List()[0]
	if _, err := m.Terminate(context.Background(), s.ID, false); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if _, _, err := m.Create(CreateRequest{Name: "again", ProjectRoot: dir}); err != nil {
		t.Errorf("create after terminate should succeed, got %v", err)
	}
}

func TestManagerGetUnknown(t *testing.T) {
	m := testManager(t, 2)
	if _, err := m.Get("sess_deadbeef"); !relayerr.Is(err, relayerr.KindSessionNotFound) {
		t.Errorf("want SESSION_NOT_FOUND, got %v", err)
	}
}

func TestManagerTerminateRemoves(t *testing.T) {
	m := testManager(t, 2)
	s, _, err := m.Create(CreateRequest{Name: "s", ProjectRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	info, err := m.Terminate(context.Background(), s.ID, false)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if info.State != StateTerminated {
		t.Errorf("state = %s, want terminated", info.State)
	}
	if _, err := m.Get(s.ID); !relayerr.Is(err, relayerr.KindSessionNotFound) {
		t.Errorf("terminated session should be gone, got %v", err)
	}
	if _, err := m.Terminate(context.Background(), s.ID, false); !relayerr.Is(err, relayerr.KindSessionNotFound) {
		t.Errorf("second terminate should be SESSION_NOT_FOUND, got %v", err)
	}
}

func TestManagerForceTerminateBoundsDisconnect(t *testing.T) {
	m := testManager(t, 2)
	s, _, err := m.Create(CreateRequest{Name: "s", ProjectRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Launch(context.Background(), dap.LaunchConfig{Program: "x"}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	fake := s.adapter.(*fakeAdapter)

	if _, err := m.Terminate(context.Background(), s.ID, true); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	fake.mu.Lock()
	hadDeadline := fake.disconnectHadDeadline
	fake.mu.Unlock()
	if !hadDeadline {
		t.Error("forced terminate should put a deadline on the disconnect")
	}
	if _, err := m.Get(s.ID); !relayerr.Is(err, relayerr.KindSessionNotFound) {
		t.Errorf("forced session should be gone, got %v", err)
	}
}

func TestManagerIdleEviction(t *testing.T) {
	m := testManager(t, 2)
	m.opts.IdleTimeout = 10 * time.Millisecond
	s, _, err := m.Create(CreateRequest{Name: "s", ProjectRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	m.sweep(time.Now().UTC().Add(time.Minute))

	if got := s.State(); got != StateTerminated {
		t.Fatalf("idle session state = %s, want terminated", got)
	}
	poll := s.PollEvents(context.Background(), 0, 10, 0)
	body := poll.Events[len(poll.Events)-1].Body.(dap.TerminatedBody)
	if body.Reason != "idle" {
		t.Errorf("eviction reason = %q, want idle", body.Reason)
	}

	// Still registered so pollers can read the final event; once it has
	// been terminal past the idle window, a sweep deregisters it and a
	// late Get reports expiry.
	if _, err := m.Get(s.ID); err != nil {
		t.Fatalf("evicted session should linger one sweep, got %v", err)
	}
	m.sweep(time.Now().UTC().Add(2 * time.Minute))
	if _, err := m.Get(s.ID); !relayerr.Is(err, relayerr.KindSessionExpired) {
		t.Errorf("want SESSION_EXPIRED after deregistration, got %v", err)
	}
}

func TestManagerEvictionRecordsAgeOut(t *testing.T) {
	m := testManager(t, 2)
	now := time.Now().UTC()
	m.mu.Lock()
	m.evicted["sess_stale001"] = eviction{reason: "idle", at: now.Add(-2 * time.Hour)}
	m.evicted["sess_fresh001"] = eviction{reason: "idle", at: now}
	m.mu.Unlock()

	m.sweep(now)

	if _, err := m.Get("sess_stale001"); !relayerr.Is(err, relayerr.KindSessionNotFound) {
		t.Errorf("aged-out eviction should be SESSION_NOT_FOUND, got %v", err)
	}
	if _, err := m.Get("sess_fresh001"); !relayerr.Is(err, relayerr.KindSessionExpired) {
		t.Errorf("recent eviction should still be SESSION_EXPIRED, got %v", err)
	}
}

func TestManagerPerSessionIdleOverride(t *testing.T) {
	m := testManager(t, 4)
	short, _, err := m.Create(CreateRequest{Name: "short", ProjectRoot: t.TempDir(), TimeoutMinutes: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	long, _, err := m.Create(CreateRequest{Name: "long", ProjectRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	m.sweep(time.Now().UTC().Add(2 * time.Minute))

	if got := short.State(); got != StateTerminated {
		t.Errorf("override session state = %s, want terminated", got)
	}
	if got := long.State(); got != StateCreated {
		t.Errorf("default-timeout session state = %s, want created", got)
	}
}

func TestManagerCreateStopOnEntry(t *testing.T) {
	m := testManager(t, 2)
	s, _, err := m.Create(CreateRequest{Name: "s", ProjectRoot: t.TempDir(), StopOnEntry: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Launch(context.Background(), dap.LaunchConfig{Program: "x"}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	fake := s.adapter.(*fakeAdapter)
	fake.mu.Lock()
	stopOnEntry := fake.lastLaunch.StopOnEntry
	fake.mu.Unlock()
	if !stopOnEntry {
		t.Error("launch config should inherit stop_on_entry from create")
	}
}

func TestManagerLifetimeEviction(t *testing.T) {
	m := testManager(t, 2)
	m.opts.MaxLifetime = time.Second
	s, _, err := m.Create(CreateRequest{Name: "s", ProjectRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.CreatedAt = time.Now().UTC().Add(-time.Hour)
	s.Touch()

	m.sweep(time.Now().UTC())

	if got := s.State(); got != StateTerminated {
		t.Fatalf("state = %s, want terminated", got)
	}
	poll := s.PollEvents(context.Background(), 0, 10, 0)
	body := poll.Events[len(poll.Events)-1].Body.(dap.TerminatedBody)
	if body.Reason != "lifetime" {
		t.Errorf("eviction reason = %q, want lifetime", body.Reason)
	}
}

func TestManagerRecover(t *testing.T) {
	dataDir := t.TempDir()
	project := t.TempDir()
	opts := ManagerOptions{
		MaxSessions:    4,
		IdleTimeout:    time.Hour,
		MaxLifetime:    4 * time.Hour,
		OutputMaxBytes: 4096,
		EventQueueMax:  100,
		DataDir:        dataDir,
		NewAdapter:     func(sink dap.EventSink) Adapter { return newFakeAdapter() },
	}

	first := NewManager(opts)
	s, _, err := first.Create(CreateRequest{Name: "long run", ProjectRoot: project})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := s.AddWatch("total"); err != nil {
		t.Fatalf("AddWatch: %v", err)
	}
	if _, _, err := s.SetBreakpoints(context.Background(), "/proj/app.py", []dap.BreakpointSpec{{Line: 4}}); err != nil {
		t.Fatalf("SetBreakpoints: %v", err)
	}

	// A fresh manager over the same data dir stands in for a restart.
	second := NewManager(opts)
	snaps, err := second.ListRecoverable()
	if err != nil {
		t.Fatalf("ListRecoverable: %v", err)
	}
	if len(snaps) != 1 || snaps[0].ID != s.ID {
		t.Fatalf("recoverable = %+v, want the one session", snaps)
	}

	recovered, _, err := second.Recover(s.ID)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered.State() != StateCreated {
		t.Errorf("recovered state = %s, want created", recovered.State())
	}
	if watches := recovered.Watches(); len(watches) != 1 || watches[0] != "total" {
		t.Errorf("watches = %v, want [total]", watches)
	}
	specs, _ := recovered.ListBreakpoints()
	if len(specs["/proj/app.py"]) != 1 {
		t.Errorf("breakpoints not restored: %v", specs)
	}

	// Now live: no longer listed as recoverable, and not recoverable twice.
	snaps, _ = second.ListRecoverable()
	if len(snaps) != 0 {
		t.Errorf("live session still listed recoverable: %+v", snaps)
	}
	if _, _, err := second.Recover(s.ID); !relayerr.Is(err, relayerr.KindInvalidRequest) {
		t.Errorf("double recover should be INVALID_REQUEST, got %v", err)
	}
}

func TestManagerRecoverUnknown(t *testing.T) {
	m := testManager(t, 2)
	if _, _, err := m.Recover("sess_missing1"); !relayerr.Is(err, relayerr.KindSessionNotFound) {
		t.Errorf("want SESSION_NOT_FOUND, got %v", err)
	}
}

func TestManagerShutdownTerminatesAll(t *testing.T) {
	m := testManager(t, 4)
	var sessions []*Session
	for i := 0; i < 3; i++ {
		s, _, err := m.Create(CreateRequest{Name: "s", ProjectRoot: t.TempDir()})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		sessions = append(sessions, s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, s := range sessions {
		if got := s.State(); got != StateTerminated {
			t.Errorf("session %s state = %s, want terminated", s.ID, got)
		}
	}
	if len(m.List()) != 0 {
		t.Error("registry should be empty after shutdown")
	}
}

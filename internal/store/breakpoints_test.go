package store

import (
	"os"
	"testing"

	"github.com/daprelay/daprelay/internal/dap"
)

func TestBreakpointStoreRoundTrip(t *testing.T) {
	s := NewBreakpointStore(t.TempDir())
	project := t.TempDir()

	bps, err := s.Load(project)
	if err != nil {
		t.Fatalf("Load on empty store: %v", err)
	}
	if len(bps) != 0 {
		t.Fatalf("empty store should load empty map, got %v", bps)
	}

	want := map[string][]dap.BreakpointSpec{
		"/proj/app.py":  {{SourcePath: "/proj/app.py", Line: 3, Condition: "x > 1"}},
		"/proj/util.py": {{SourcePath: "/proj/util.py", Line: 10}},
	}
	if err := s.Save(project, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(project)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 || got["/proj/app.py"][0].Condition != "x > 1" {
		t.Errorf("round trip mismatch: %v", got)
	}
}

func TestBreakpointStoreUpdateFile(t *testing.T) {
	s := NewBreakpointStore(t.TempDir())
	project := t.TempDir()

	if err := s.UpdateFile(project, "/proj/a.py", []dap.BreakpointSpec{{Line: 1}}); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}
	if err := s.UpdateFile(project, "/proj/b.py", []dap.BreakpointSpec{{Line: 2}}); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}

	got, _ := s.Load(project)
	if len(got) != 2 {
		t.Fatalf("want 2 files, got %v", got)
	}

	// Empty specs removes the file's entry.
	if err := s.UpdateFile(project, "/proj/a.py", nil); err != nil {
		t.Fatalf("UpdateFile remove: %v", err)
	}
	got, _ = s.Load(project)
	if _, ok := got["/proj/a.py"]; ok {
		t.Error("empty specs should remove the entry")
	}

	// Removing the last entry deletes the project file entirely.
	if err := s.UpdateFile(project, "/proj/b.py", nil); err != nil {
		t.Fatalf("UpdateFile remove last: %v", err)
	}
	if _, err := os.Stat(s.path(project)); !os.IsNotExist(err) {
		t.Error("project file should be deleted when the last entry goes")
	}
}

func TestBreakpointStoreClear(t *testing.T) {
	s := NewBreakpointStore(t.TempDir())
	project := t.TempDir()

	existed, err := s.Clear(project)
	if err != nil || existed {
		t.Errorf("clearing nothing = (%v, %v), want (false, nil)", existed, err)
	}

	if err := s.UpdateFile(project, "/proj/a.py", []dap.BreakpointSpec{{Line: 1}}); err != nil {
		t.Fatal(err)
	}
	existed, err = s.Clear(project)
	if err != nil || !existed {
		t.Errorf("clear = (%v, %v), want (true, nil)", existed, err)
	}
}

func TestBreakpointStoreIsolatedPerProject(t *testing.T) {
	s := NewBreakpointStore(t.TempDir())
	p1, p2 := t.TempDir(), t.TempDir()

	if err := s.UpdateFile(p1, "/proj/a.py", []dap.BreakpointSpec{{Line: 1}}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(p2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("projects must not share breakpoints, got %v", got)
	}
}

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/daprelay/daprelay/internal/relayerr"
)

func TestProjectKeyStable(t *testing.T) {
	dir := t.TempDir()
	k1 := ProjectKey(dir)
	k2 := ProjectKey(dir)
	if k1 != k2 {
		t.Fatalf("key not stable: %s vs %s", k1, k2)
	}
	if len(k1) != 16 {
		t.Errorf("key length = %d, want 16", len(k1))
	}
	if k1 == ProjectKey(t.TempDir()) {
		t.Error("different directories should get different keys")
	}
}

func TestProjectKeyResolvesSymlinks(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	if err := os.Symlink(dir, link); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	if ProjectKey(dir) != ProjectKey(link) {
		t.Error("a symlink to the project should map to the same key")
	}
}

func TestWriteReadJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	in := map[string]int{"a": 1, "b": 2}
	if err := WriteJSON(path, in); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var out map[string]int
	found, err := ReadJSON(path, &out)
	if err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if !found || out["a"] != 1 || out["b"] != 2 {
		t.Errorf("round trip lost data: found=%v out=%v", found, out)
	}

	// No stray temp file after a successful write.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestReadJSONMissing(t *testing.T) {
	var v struct{}
	found, err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &v)
	if err != nil || found {
		t.Errorf("missing file should be (false, nil), got (%v, %v)", found, err)
	}
}

func TestReadJSONCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	var v struct{}
	_, err := ReadJSON(path, &v)
	if !relayerr.Is(err, relayerr.KindPersistenceFormat) {
		t.Errorf("want PERSISTENCE_INVALID_FORMAT, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.json")
	if err := WriteJSON(path, 1); err != nil {
		t.Fatal(err)
	}
	existed, err := Delete(path)
	if err != nil || !existed {
		t.Errorf("first delete = (%v, %v), want (true, nil)", existed, err)
	}
	existed, err = Delete(path)
	if err != nil || existed {
		t.Errorf("second delete = (%v, %v), want (false, nil)", existed, err)
	}
}

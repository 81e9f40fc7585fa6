package store

import (
	"path/filepath"

	"github.com/daprelay/daprelay/internal/dap"
)

// BreakpointStore persists each project's breakpoints at
// <data_dir>/breakpoints/<project_key>.json so they survive relay
// restarts.
type BreakpointStore struct {
	dir string
}

// NewBreakpointStore creates a store rooted at dataDir.
func NewBreakpointStore(dataDir string) *BreakpointStore {
	return &BreakpointStore{dir: filepath.Join(dataDir, "breakpoints")}
}

// projectFile is the on-disk shape of one project's breakpoints.
type projectFile struct {
	ProjectRoot string                          `json:"project_root"`
	Breakpoints map[string][]dap.BreakpointSpec `json:"breakpoints"`
}

func (s *BreakpointStore) path(projectRoot string) string {
	return filepath.Join(s.dir, ProjectKey(projectRoot)+".json")
}

// Load returns the persisted file→specs mapping for a project, empty when
// nothing has been saved.
func (s *BreakpointStore) Load(projectRoot string) (map[string][]dap.BreakpointSpec, error) {
	var pf projectFile
	found, err := ReadJSON(s.path(projectRoot), &pf)
	if err != nil {
		return nil, err
	}
	if !found || pf.Breakpoints == nil {
		return map[string][]dap.BreakpointSpec{}, nil
	}
	return pf.Breakpoints, nil
}

// Save replaces the project's entire persisted mapping.
func (s *BreakpointStore) Save(projectRoot string, breakpoints map[string][]dap.BreakpointSpec) error {
	return WriteJSON(s.path(projectRoot), projectFile{
		ProjectRoot: projectRoot,
		Breakpoints: breakpoints,
	})
}

// UpdateFile replaces one file's specs within the project mapping. Empty
// specs removes the file's entry; removing the last entry deletes the
// project file.
func (s *BreakpointStore) UpdateFile(projectRoot, sourcePath string, specs []dap.BreakpointSpec) error {
	current, err := s.Load(projectRoot)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		delete(current, sourcePath)
	} else {
		current[sourcePath] = specs
	}
	if len(current) == 0 {
		_, err := Delete(s.path(projectRoot))
		return err
	}
	return s.Save(projectRoot, current)
}

// Clear removes all persisted breakpoints for the project, reporting
// whether anything existed.
func (s *BreakpointStore) Clear(projectRoot string) (bool, error) {
	return Delete(s.path(projectRoot))
}

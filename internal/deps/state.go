package deps

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/moby/sys/atomicwriter"
)

// InstallStatus is the persisted install/build state of one module directory.
// Installing and Installed are never both true.
type InstallStatus struct {
	Installing       bool    `json:"installing"`
	Installed        bool    `json:"installed"`
	Error            bool    `json:"error"`
	LastInstallTime  *int64  `json:"lastInstallTime"` // epoch milliseconds
	DependenciesHash *string `json:"dependenciesHash"`
	NeedBuild        bool    `json:"needBuild"`
	BuildScript      string  `json:"buildScript"`
	Version          string  `json:"version"`
}

// StateStore maps module directory paths to InstallStatus and rewrites the
// whole document atomically after every mutation.
type StateStore struct {
	path string

	mu      sync.Mutex
	entries map[string]InstallStatus
}

// OpenStateStore loads path. A missing file yields an empty store.
func OpenStateStore(path string) (*StateStore, error) {
	s := &StateStore{path: path, entries: make(map[string]InstallStatus)}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read install status: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("parse install status %s: %w", path, err)
	}
	if s.entries == nil {
		s.entries = make(map[string]InstallStatus)
	}
	return s, nil
}

func (s *StateStore) Path() string { return s.path }

// Get returns the status for dir and whether one is stored.
func (s *StateStore) Get(dir string) (InstallStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entries[dir]
	return st, ok
}

// Update applies fn to the stored status for dir (zero value when absent)
// and persists the document. Fields fn leaves untouched are kept.
func (s *StateStore) Update(dir string, fn func(*InstallStatus)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entries[dir]
	fn(&st)
	s.entries[dir] = st
	return s.persistLocked()
}

// Snapshot returns a copy of every stored status.
func (s *StateStore) Snapshot() map[string]InstallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]InstallStatus, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// ResetInterrupted marks entries left in the installing state by a previous
// process as failed so the next check reinstalls them. Call once at startup.
func (s *StateStore) ResetInterrupted() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for dir, st := range s.entries {
		if !st.Installing {
			continue
		}
		st.Installing = false
		st.Installed = false
		st.Error = true
		s.entries[dir] = st
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.persistLocked()
}

func (s *StateStore) persistLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal install status: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create install status dir: %w", err)
	}
	if err := atomicwriter.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write install status: %w", err)
	}
	return nil
}

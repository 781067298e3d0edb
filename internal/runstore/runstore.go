// Package runstore is the per-run artifact directory collaborator (spec
// §4.2): it creates <output>/run_<run_id>/ and mediates every read and
// write of the typed files living there, using write-to-temp-plus-rename
// for every JSON file so no partial state is ever observable after a
// crash. Grounded on the teacher's internal/io/atomic.go.
package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store owns one run directory.
type Store struct {
	Dir string
}

// New creates (if needed) and returns a Store rooted at outputDir/run_<runID>.
func New(outputDir, runID string) (*Store, error) {
	dir := filepath.Join(outputDir, "run_"+runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("runstore: creating run directory: %w", err)
	}
	return &Store{Dir: dir}, nil
}

// Path joins name onto the run directory.
func (s *Store) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

// WriteJSONAtomic marshals v and writes it to name via a temp file in the
// same directory followed by os.Rename, so readers never observe a partial
// file.
func (s *Store) WriteJSONAtomic(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("runstore: marshaling %s: %w", name, err)
	}
	return s.writeFileAtomic(name, data)
}

func (s *Store) writeFileAtomic(name string, data []byte) error {
	path := s.Path(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("runstore: writing temp file for %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("runstore: renaming temp file for %s: %w", name, err)
	}
	return nil
}

// ReadJSON unmarshals name into v. Returns os.ErrNotExist if name is absent.
func (s *Store) ReadJSON(name string, v any) error {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Exists reports whether name exists and is non-empty (lenient
// artifact-validation mode, spec §1.3 expansion).
func (s *Store) Exists(name string) bool {
	info, err := os.Stat(s.Path(name))
	if err != nil {
		return false
	}
	return info.Size() > 0
}

// UpdateJSON performs an atomic read-modify-write cycle on name: it decodes
// the current contents (or a zero value if absent) into v, lets mutate
// change it, and writes the result back atomically. This is the pattern
// spec §4.2 requires for metrics.json and pipeline_state.json.
func UpdateJSON[T any](s *Store, name string, mutate func(current *T)) error {
	var current T
	if err := s.ReadJSON(name, &current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("runstore: reading %s: %w", name, err)
	}
	mutate(&current)
	return s.WriteJSONAtomic(name, current)
}

// AppendLine appends a single line (e.g. one JSONL record) to name. Used for
// logs.jsonl, where concurrent writers are not required (spec §5).
func (s *Store) AppendLine(name string, line []byte) error {
	f, err := os.OpenFile(s.Path(name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("runstore: opening %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return err
	}
	_, err = f.Write([]byte("\n"))
	return err
}

// WriteFileAtomic is a general escape hatch for CSV/Markdown artifacts.
func (s *Store) WriteFileAtomic(name string, data []byte) error {
	return s.writeFileAtomic(name, data)
}

package agentdef

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Source produces the current set of agent definitions on each refresh.
// A definition missing id or worker is a warning, not a fatal error (a
// missing hasReturn cannot be told apart from false, see Refresh); the
// caller (orchestrator.Refresh) decides how to surface warnings.
type Source func() ([]Definition, error)

// Registry is the in-memory catalog of agent definitions keyed by id. It
// is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Definition)}
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// List returns every registered definition, sorted by id.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the sorted list of registered ids, the shape the
// orchestrator's refresh(ids) event carries.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Register adds or replaces a single definition after validating it.
func (r *Registry) Register(d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[d.ID] = d
	return nil
}

// Refresh re-enumerates definitions from source, rebuilds the registry,
// and returns the sorted id list plus any non-fatal warnings (duplicate
// ids, or definitions missing id/worker/hasReturn — "missing hasReturn"
// cannot be distinguished from "explicitly false" in Go's bool type, so
// only id/worker absence and duplicate ids are reported here; callers
// that want to warn on an implicit hasReturn=false should do so at the
// Source level).
func (r *Registry) Refresh(source Source) (ids []string, warnings []string, err error) {
	defs, err := source()
	if err != nil {
		return nil, nil, fmt.Errorf("refresh: %w", err)
	}
	next := make(map[string]Definition, len(defs))
	for _, d := range defs {
		if d.ID == "" {
			warnings = append(warnings, "definition missing id, skipped")
			continue
		}
		if d.Worker == nil {
			warnings = append(warnings, fmt.Sprintf("agent %q missing worker, skipped", d.ID))
			continue
		}
		if _, dup := next[d.ID]; dup {
			warnings = append(warnings, fmt.Sprintf("duplicate agent id %q, keeping last", d.ID))
		}
		if err := d.Validate(); err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		next[d.ID] = d
	}
	r.mu.Lock()
	r.byID = next
	r.mu.Unlock()

	ids = make([]string, 0, len(next))
	for id := range next {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, warnings, nil
}

// fileDefinition is the YAML-decodable subset of Definition; Worker is a
// Go function and cannot be decoded from a file, so file-sourced
// definitions are metadata-only until merged with a worker table by the
// caller (see MergeWorkers).
type fileDefinition struct {
	ID           string   `yaml:"id"`
	Timing       string   `yaml:"timing,omitempty"`
	Expires      string   `yaml:"expires,omitempty"`
	HasReturn    bool     `yaml:"hasReturn"`
	Immediate    bool     `yaml:"immediate,omitempty"`
	Methods      []string `yaml:"methods,omitempty"`
	Show         bool     `yaml:"show,omitempty"`
	ClearOnBuild bool     `yaml:"clearOnBuild,omitempty"`
}

// LoadFile decodes a YAML file of agent definition metadata (a top-level
// list under the "agents" key). It returns Definitions with a nil
// Worker; MergeWorkers attaches the actual computation bodies.
func LoadFile(path string) ([]Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agentdef: read %s: %w", path, err)
	}
	var doc struct {
		Agents []fileDefinition `yaml:"agents"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("agentdef: parse %s: %w", path, err)
	}
	out := make([]Definition, 0, len(doc.Agents))
	for _, fd := range doc.Agents {
		out = append(out, Definition{
			ID:           fd.ID,
			Timing:       fd.Timing,
			Expires:      fd.Expires,
			HasReturn:    fd.HasReturn,
			Immediate:    fd.Immediate,
			Methods:      fd.Methods,
			Show:         fd.Show,
			ClearOnBuild: fd.ClearOnBuild,
		})
	}
	return out, nil
}

// MergeWorkers attaches a worker body to each definition by id, dropping
// (and reporting) definitions with no matching worker.
func MergeWorkers(defs []Definition, workers map[string]Worker) (merged []Definition, warnings []string) {
	for _, d := range defs {
		w, ok := workers[d.ID]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("agent %q: no worker registered, skipped", d.ID))
			continue
		}
		d.Worker = w
		merged = append(merged, d)
	}
	return merged, warnings
}

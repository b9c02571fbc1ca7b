package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/stepflow/stepflow"
)

// RunnerFunc is a type-erased workflow runner that accepts raw JSON
// input and returns the run's raw JSON output. The typed
// Definition[T, R] is converted to a RunnerFunc at registration time by
// closing over JSON unmarshal + the typed handler.
type RunnerFunc func(wf *Workflow, input []byte) ([]byte, error)

// versionedRunner holds a runner tagged with its version number.
type versionedRunner struct {
	version int
	runner  RunnerFunc
}

// Registry maps workflow names to versioned runner functions.
// Multiple versions of the same workflow can be registered; the latest
// version is used for new runs. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	versions map[string][]versionedRunner // name → list of versioned runners
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{
		versions: make(map[string][]versionedRunner),
	}
}

// RegisterDefinition registers a typed workflow definition. The generic
// handler is wrapped in a closure that JSON-unmarshals the input into T
// before calling the typed handler and JSON-marshals the returned R.
// Input that does not decode into T fails the run immediately with a
// ValidationError, without invoking any step.
//
// If Version is 0 (default), it is treated as version 1. Multiple
// versions of the same workflow name can coexist.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T, R any](r *Registry, def *Definition[T, R]) {
	version := def.Version
	if version <= 0 {
		version = 1
	}

	runner := func(wf *Workflow, input []byte) ([]byte, error) {
		var in T
		if len(input) > 0 {
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, stepflow.Validationf("workflow %q input: %v", def.Name, err)
			}
		}

		out, err := def.Handler(wf, in)
		if err != nil {
			return nil, err
		}

		data, encErr := json.Marshal(out)
		if encErr != nil {
			return nil, fmt.Errorf("marshal output for workflow %q: %w", def.Name, encErr)
		}
		return data, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	vr := versionedRunner{version: version, runner: runner}
	existing := r.versions[def.Name]

	// Replace if same version already registered, else append.
	replaced := false
	for i, v := range existing {
		if v.version == version {
			existing[i] = vr
			replaced = true
			break
		}
	}
	if !replaced {
		existing = append(existing, vr)
	}
	r.versions[def.Name] = existing
}

// Get returns the latest-version runner for the given workflow name.
// Returns false if no runner is registered.
func (r *Registry) Get(name string) (RunnerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.versions[name]
	if len(versions) == 0 {
		return nil, false
	}
	best := versions[0]
	for _, v := range versions[1:] {
		if v.version > best.version {
			best = v
		}
	}
	return best.runner, true
}

// GetVersion returns the runner for a specific version of a workflow.
// If version <= 0, behaves like Get (returns latest).
func (r *Registry) GetVersion(name string, version int) (RunnerFunc, bool) {
	if version <= 0 {
		return r.Get(name)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.versions[name] {
		if v.version == version {
			return v.runner, true
		}
	}
	return nil, false
}

// LatestVersion returns the highest registered version number for a
// workflow. Returns 0 if the workflow is not registered.
func (r *Registry) LatestVersion(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	best := 0
	for _, v := range r.versions[name] {
		if v.version > best {
			best = v.version
		}
	}
	return best
}

// Names returns all registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.versions))
	for name := range r.versions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

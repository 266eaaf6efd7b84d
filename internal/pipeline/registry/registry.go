package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownKind       = errors.New("unknown pipeline kind")
	ErrUnknownStage      = errors.New("stage requires an undefined stage")
	ErrCyclicDependency  = errors.New("cycle detected in stage graph")
	ErrStageNotInClosure = errors.New("stage not defined for kind")
)

// Output shapes the executor validates collaborator results against.
const (
	ShapeJSON = "json"
	ShapeXML  = "xml"
)

// Stage is the static declaration of one pipeline step.
type Stage struct {
	Name string `yaml:"name"`
	// Requires lists stages that must be completed for the same artifact
	// before this one may run.
	Requires []string `yaml:"requires"`
	// Deterministic stages are guaranteed to reproduce byte-identical output;
	// re-running one that is already completed is always safe to skip.
	Deterministic bool `yaml:"deterministic"`
	// Dedup marks variant-generation stages whose output goes through the
	// fingerprint index.
	Dedup bool `yaml:"dedup"`
	// Output is the artifact-relative file the stage produces.
	Output string `yaml:"output"`
	// Shape is the expected output shape ("json" or "xml").
	Shape string `yaml:"shape"`
	// Timeout bounds the collaborator call. Zero means the registry default.
	Timeout time.Duration `yaml:"timeout"`
}

// Registry holds the validated per-kind stage DAGs. Construction validates
// once at process start; lookups never fail on structure afterwards.
type Registry struct {
	kinds map[string][]Stage
}

// New validates the given kinds and returns a Registry. The stage list order
// is preserved where it is already a topological order; otherwise stages are
// reordered to one.
func New(kinds map[string][]Stage) (*Registry, error) {
	out := make(map[string][]Stage, len(kinds))
	for kind, stages := range kinds {
		ordered, err := validate(stages)
		if err != nil {
			return nil, fmt.Errorf("kind %q: %w", kind, err)
		}
		out[kind] = ordered
	}
	return &Registry{kinds: out}, nil
}

// Default returns the built-in registry: the question pipeline
// (parse → segment → generate → validate → sync) and the variant pipeline
// (generate → validate → sync with dedup on generate).
func Default() *Registry {
	r, err := New(map[string][]Stage{
		"question": {
			{Name: "parse", Deterministic: true, Output: "parse.json", Shape: ShapeJSON},
			{Name: "segment", Requires: []string{"parse"}, Output: "segment.json", Shape: ShapeJSON},
			{Name: "generate", Requires: []string{"segment"}, Output: "item.xml", Shape: ShapeXML},
			{Name: "validate", Requires: []string{"generate"}, Output: "validate.json", Shape: ShapeJSON},
			{Name: "sync", Requires: []string{"generate", "validate"}, Output: "sync.json", Shape: ShapeJSON},
		},
		"variant": {
			{Name: "generate", Dedup: true, Output: "item.xml", Shape: ShapeXML},
			{Name: "validate", Requires: []string{"generate"}, Output: "validate.json", Shape: ShapeJSON},
			{Name: "sync", Requires: []string{"generate", "validate"}, Output: "sync.json", Shape: ShapeJSON},
		},
	})
	if err != nil {
		// Built-in definitions are validated by tests; failing here is a
		// programming error and fatal at process start.
		panic(err)
	}
	return r
}

// Kinds returns the defined pipeline kind names.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	return out
}

// Stages returns the full stage list for a kind in topological order.
func (r *Registry) Stages(kind string) ([]Stage, error) {
	stages, ok := r.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return stages, nil
}

// Stage returns one stage of a kind by name.
func (r *Registry) Stage(kind, name string) (Stage, error) {
	stages, err := r.Stages(kind)
	if err != nil {
		return Stage{}, err
	}
	for _, s := range stages {
		if s.Name == name {
			return s, nil
		}
	}
	return Stage{}, fmt.Errorf("%w: %q for kind %q", ErrStageNotInClosure, name, kind)
}

// Closure returns the dependency closure up to and including target, in
// topological order: everything that must be checked or run for an artifact
// to reach target.
func (r *Registry) Closure(kind, target string) ([]Stage, error) {
	stages, err := r.Stages(kind)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Stage, len(stages))
	for _, s := range stages {
		byName[s.Name] = s
	}
	if _, ok := byName[target]; !ok {
		return nil, fmt.Errorf("%w: %q for kind %q", ErrStageNotInClosure, target, kind)
	}

	needed := map[string]bool{}
	var mark func(name string)
	mark = func(name string) {
		if needed[name] {
			return
		}
		needed[name] = true
		for _, dep := range byName[name].Requires {
			mark(dep)
		}
	}
	mark(target)

	out := make([]Stage, 0, len(needed))
	for _, s := range stages {
		if needed[s.Name] {
			out = append(out, s)
		}
	}
	return out, nil
}

// validate checks requires edges and returns a topological order
// (Kahn, stable by input order).
func validate(stages []Stage) ([]Stage, error) {
	seen := map[string]bool{}
	for _, s := range stages {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("stage missing name")
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate stage name %q", name)
		}
		seen[name] = true
	}
	for _, s := range stages {
		for _, dep := range s.Requires {
			if !seen[dep] {
				return nil, fmt.Errorf("%w: %q requires %q", ErrUnknownStage, s.Name, dep)
			}
			if dep == s.Name {
				return nil, fmt.Errorf("%w: %q requires itself", ErrCyclicDependency, s.Name)
			}
		}
	}

	deg := map[string]int{}
	out := map[string][]string{}
	for _, s := range stages {
		deg[s.Name] = len(s.Requires)
		for _, dep := range s.Requires {
			out[dep] = append(out[dep], s.Name)
		}
	}

	byName := map[string]Stage{}
	for _, s := range stages {
		byName[s.Name] = s
	}

	order := make([]Stage, 0, len(stages))
	added := map[string]bool{}
	for {
		progressed := false
		for _, s := range stages {
			if added[s.Name] || deg[s.Name] != 0 {
				continue
			}
			added[s.Name] = true
			order = append(order, byName[s.Name])
			for _, n := range out[s.Name] {
				deg[n]--
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}
	if len(order) != len(stages) {
		return nil, ErrCyclicDependency
	}
	return order, nil
}

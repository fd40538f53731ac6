// Package workflow holds the immutable records the execution engine consumes:
// Step, Job, and Workflow. Authoring (how a user produces these records) is
// out of scope for the engine; this package only defines the shapes and a
// thin YAML loader for the common case of a checked-in workflow file.
package workflow

// Step is a single unit of work within a job. Immutable once defined.
type Step struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"` // "shell" or an extension tag
	Command string `yaml:"command,omitempty"`
	Dir     string `yaml:"dir,omitempty"` // working directory, relative to repo root

	// With carries kind-specific payload for extension step kinds. The shell
	// kind ignores it.
	With map[string]string `yaml:"with,omitempty"`
}

// Job is a named, dependency-ordered unit of execution.
type Job struct {
	Name string `yaml:"name"`
	Steps []Step `yaml:"steps"`

	Needs []string `yaml:"needs,omitempty"`

	Paths       []string `yaml:"paths,omitempty"`
	DiffEnabled bool     `yaml:"diffEnabled"`

	Inputs    []string          `yaml:"inputs,omitempty"`
	Env       []EnvVar          `yaml:"env,omitempty"`
	CacheDirs []string          `yaml:"cacheDirs,omitempty"`
	Requires  []string          `yaml:"requires,omitempty"`
	CacheKeep int               `yaml:"cacheKeep,omitempty"`
}

// EnvVar is an ordered name/value pair. A slice (rather than a map) preserves
// declaration order for diagnostics; the Key Deriver sorts a copy before
// hashing (spec.md §4.4 item 3).
type EnvVar struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// DefaultCacheKeep is applied to a Job whose CacheKeep is unset (zero).
const DefaultCacheKeep = 5

// Workflow is an ordered list of Jobs with unique names.
type Workflow struct {
	Jobs []Job `yaml:"jobs"`

	// Source is the path the workflow was loaded from, for diagnostics only.
	// It never participates in the cache key.
	Source string `yaml:"-"`
}

// JobByName returns the job with the given name, or false if none exists.
func (w *Workflow) JobByName(name string) (Job, bool) {
	for _, j := range w.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return Job{}, false
}

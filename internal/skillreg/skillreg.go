// Package skillreg implements the Registry of Skills: discovery,
// validation, and loading of Skill Manifests from disk, plus lifecycle
// transitions (draft -> approved, approved -> deprecated, deprecated ->
// approved).
//
// Grounded on vinayprograms-agent's internal/skills/skills.go
// (Discover/Load/Parse/validateName shape: directory-per-skill, a quick
// discovery pass that reads only the descriptor before a full load,
// name-format validation) — retargeted from that file's Markdown+YAML-
// frontmatter SKILL.md format to spec.md §3/§6's plain JSON manifest
// (`manifest.json` + a separate entrypoint file), since the spec is
// explicit the manifest is JSON with a fixed field set, not Markdown
// frontmatter.
package skillreg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/corvidrun/corvid/internal/coretypes"
	"github.com/corvidrun/corvid/internal/logging"
)

var (
	nameRe    = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	semverRe  = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
	manifestName = "manifest.json"
)

// Registry discovers and holds loaded Skill Manifests, keyed by name.
type Registry struct {
	installPaths []string
	log          *logging.Logger

	skills map[string]*coretypes.SkillManifest
}

// New builds a Registry that will discover skills under installPaths (one
// subdirectory per skill, per spec.md §6).
func New(installPaths []string, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.New()
	}
	return &Registry{installPaths: installPaths, log: log.WithComponent("skillreg"), skills: map[string]*coretypes.SkillManifest{}}
}

// Discover walks every install path's skill subdirectories, loading and
// validating each manifest found. Invalid manifests are skipped and
// logged, mirroring the teacher's Discover (skip invalid skills rather
// than aborting discovery for the whole directory).
func (r *Registry) Discover() error {
	for _, root := range r.installPaths {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("skillreg: reading %s: %w", root, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())
			manifest, err := Load(dir)
			if err != nil {
				r.log.Warn("skipping invalid skill", map[string]any{"dir": dir, "error": err.Error()})
				continue
			}
			r.skills[manifest.Name] = manifest
		}
	}
	return nil
}

// Load reads and validates a single skill's manifest.json from dir.
func Load(dir string) (*coretypes.SkillManifest, error) {
	path := filepath.Join(dir, manifestName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("skillreg: reading %s: %w", path, err)
	}

	var m coretypes.SkillManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, coretypes.NewError(coretypes.ErrSkillManifestInvalid, fmt.Sprintf("parsing %s: %v", path, err))
	}
	m.Dir = dir

	if violations := Validate(&m); len(violations) > 0 {
		return nil, coretypes.NewError(coretypes.ErrSkillManifestInvalid, fmt.Sprintf("manifest %s failed validation", path), violations...)
	}

	if _, err := os.Stat(filepath.Join(dir, m.Entrypoint)); err != nil {
		return nil, coretypes.NewError(coretypes.ErrSkillManifestInvalid, fmt.Sprintf("entrypoint %q not found in %s", m.Entrypoint, dir))
	}

	return &m, nil
}

// Validate checks a manifest's required fields and accumulates every
// violation (spec.md §7's "human readable list of violations" shape
// applied to manifests, not just tool input).
func Validate(m *coretypes.SkillManifest) []string {
	var violations []string

	if m.Name == "" {
		violations = append(violations, "name is required")
	} else if !nameRe.MatchString(m.Name) {
		violations = append(violations, fmt.Sprintf("name %q does not match ^[a-z0-9][a-z0-9._-]*$", m.Name))
	}
	if m.Version == "" {
		violations = append(violations, "version is required")
	} else if !semverRe.MatchString(m.Version) {
		violations = append(violations, fmt.Sprintf("version %q is not a valid semver (expected X.Y.Z)", m.Version))
	}
	if m.Entrypoint == "" {
		violations = append(violations, "entrypoint is required")
	}
	switch m.Lifecycle {
	case "", coretypes.LifecycleDraft, coretypes.LifecycleApproved, coretypes.LifecycleDeprecated:
	default:
		violations = append(violations, fmt.Sprintf("lifecycle %q is not one of draft|approved|deprecated", m.Lifecycle))
	}
	if m.Lifecycle == "" {
		m.Lifecycle = coretypes.LifecycleDraft
	}

	return violations
}

// Get returns a loaded manifest by name.
func (r *Registry) Get(name string) (*coretypes.SkillManifest, bool) {
	m, ok := r.skills[name]
	return m, ok
}

// List returns every loaded manifest.
func (r *Registry) List() []*coretypes.SkillManifest {
	out := make([]*coretypes.SkillManifest, 0, len(r.skills))
	for _, m := range r.skills {
		out = append(out, m)
	}
	return out
}

// Register adds or replaces a manifest directly, bypassing disk discovery
// (used by tests and by programmatic skill installation).
func (r *Registry) Register(m *coretypes.SkillManifest) {
	r.skills[m.Name] = m
}

// Transition moves a skill between lifecycle states. The only permitted
// edges are draft->approved, approved->deprecated, and deprecated->approved
// (re-approval), per spec.md §3 "Lifecycles".
func (r *Registry) Transition(name string, to coretypes.LifecycleState) error {
	m, ok := r.skills[name]
	if !ok {
		return coretypes.NewError(coretypes.ErrSkillNotFound, fmt.Sprintf("no skill registered as %q", name))
	}

	valid := map[coretypes.LifecycleState][]coretypes.LifecycleState{
		coretypes.LifecycleDraft:      {coretypes.LifecycleApproved},
		coretypes.LifecycleApproved:   {coretypes.LifecycleDeprecated},
		coretypes.LifecycleDeprecated: {coretypes.LifecycleApproved},
	}
	for _, allowed := range valid[m.Lifecycle] {
		if allowed == to {
			m.Lifecycle = to
			return nil
		}
	}
	return fmt.Errorf("skillreg: invalid lifecycle transition %s -> %s for skill %q", m.Lifecycle, to, name)
}


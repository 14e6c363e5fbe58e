// Package policy implements the deterministic Policy Engine: resolving a
// requested action's permissions to allow/deny/confirm, caching session
// approvals, and scope-checking filesystem paths, shell commands, and
// network domains against configured allowlists.
//
// Rule resolution order is grounded on flemzord-sclaw's
// internal/tool/policy.go ResolvePolicy (explicit mapping beats context
// default beats fallback); the (allowed bool, reason string) return shape
// for scope checks is grounded on vinayprograms-agent's tool Registry,
// whose built-in tools call policy.CheckPath/CheckCommand/CheckDomain and
// branch on that exact tuple.
package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/corvidrun/corvid/internal/coretypes"
	"github.com/corvidrun/corvid/internal/logging"
)

// Decision is the Policy Engine's verdict for one permission.
type Decision struct {
	Action coretypes.RuleAction
	Reason string
}

// Engine evaluates ActionDescriptors against a ConfigSnapshot's policy block.
type Engine struct {
	cfg coretypes.PolicyConfig
	log *logging.Logger
}

// New builds a policy Engine bound to the given policy configuration.
func New(cfg coretypes.PolicyConfig, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.New()
	}
	return &Engine{cfg: cfg, log: log.WithComponent("policy")}
}

// Check resolves the effective decision for each permission the action
// declares and returns the most restrictive: deny beats confirm beats
// allow. An empty permission list always allows.
func (e *Engine) Check(action *coretypes.ActionDescriptor) Decision {
	if len(action.Permissions) == 0 {
		return Decision{Action: coretypes.ActionAllow, Reason: "no permissions required"}
	}

	best := Decision{Action: coretypes.ActionAllow, Reason: "allowed"}
	for _, perm := range action.Permissions {
		d := e.resolve(perm)
		best = mostRestrictive(best, d)
		if best.Action == coretypes.ActionDeny {
			break
		}
	}
	return best
}

func mostRestrictive(a, b Decision) Decision {
	rank := func(act coretypes.RuleAction) int {
		switch act {
		case coretypes.ActionDeny:
			return 2
		case coretypes.ActionConfirm:
			return 1
		default:
			return 0
		}
	}
	if rank(b.Action) > rank(a.Action) {
		return b
	}
	return a
}

// resolve finds the rule for perm, falling back to its parent category
// (filesystem.read/write -> filesystem), and finally to the configured
// default approval.
func (e *Engine) resolve(perm coretypes.Permission) Decision {
	if rule, ok := e.findRule(perm); ok {
		return Decision{Action: rule.Action, Reason: fmt.Sprintf("explicit rule for %s", perm)}
	}
	if parent, ok := perm.Parent(); ok {
		if rule, ok := e.findRule(parent); ok {
			return Decision{Action: rule.Action, Reason: fmt.Sprintf("inherited rule for %s via %s", perm, parent)}
		}
	}
	def := e.cfg.DefaultApproval
	if def == "" {
		def = coretypes.ActionConfirm
	}
	return Decision{Action: def, Reason: "default approval"}
}

func (e *Engine) findRule(perm coretypes.Permission) (coretypes.PolicyRule, bool) {
	for _, r := range e.cfg.Rules {
		if r.Permission == perm {
			return r, true
		}
	}
	return coretypes.PolicyRule{}, false
}

// RequestApproval resolves whether a confirm-gated action may proceed. A
// prior grant for the same (tool, permission) pair in ctx.Approved is
// reused without re-prompting for the remainder of the run.
func (e *Engine) RequestApproval(ctx *coretypes.ExecutionContext, action *coretypes.ActionDescriptor, perm coretypes.Permission) bool {
	key := coretypes.ApprovalKey(action.ToolName, perm)
	if ctx.Approved == nil {
		ctx.Approved = map[string]bool{}
	}
	if approved, ok := ctx.Approved[key]; ok {
		return approved
	}
	if ctx.Autonomous {
		if action.Risk == coretypes.RiskLow {
			e.log.Info("autonomous run auto-granting low-risk confirm-gated permission", map[string]any{
				"tool": action.ToolName, "permission": string(perm),
			})
			ctx.Approved[key] = true
			return true
		}
		e.log.Warn("autonomous run hit a confirm-gated permission above low risk with no prompter; denying", map[string]any{
			"tool": action.ToolName, "permission": string(perm), "risk": string(action.Risk),
		})
		ctx.Approved[key] = false
		return false
	}
	if ctx.Prompter == nil {
		ctx.Approved[key] = false
		return false
	}

	granted := ctx.Prompter(action)
	ctx.Approved[key] = granted
	return granted
}

// CheckPath validates targetPath against the filesystem allowlist. Empty
// allowlists permit everything under the run's working directory. Path
// traversal ("..") segments and symlink targets that escape the allowlist
// are rejected after resolution.
func (e *Engine) CheckPath(workDir, targetPath string) (bool, string) {
	abs := targetPath
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workDir, targetPath)
	}
	clean := filepath.Clean(abs)
	clean = resolveSymlinks(clean)

	if len(e.cfg.FilesystemAllowlist) == 0 {
		root := resolveSymlinks(filepath.Clean(workDir))
		if !withinRoot(root, clean) {
			return false, fmt.Sprintf("path %q escapes working directory %q", clean, workDir)
		}
		return true, ""
	}

	for _, allowed := range e.cfg.FilesystemAllowlist {
		allowedAbs := allowed
		if !filepath.IsAbs(allowedAbs) {
			allowedAbs = filepath.Join(workDir, allowed)
		}
		allowedAbs = resolveSymlinks(filepath.Clean(allowedAbs))
		if withinRoot(allowedAbs, clean) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("path %q is not within any allowed filesystem scope", clean)
}

// resolveSymlinks resolves path's symlinks via filepath.EvalSymlinks so a
// target reached through a symlinked directory or file is matched against
// its real location, not the linked-to path an allowlist wouldn't cover.
// path need not exist yet (a tool may be about to create it): the longest
// existing ancestor directory is resolved and the remaining, not-yet-created
// suffix is rejoined unresolved. Any resolution failure beyond
// non-existence returns path unchanged rather than blocking the check.
func resolveSymlinks(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}

	dir := filepath.Dir(path)
	suffix := []string{filepath.Base(path)}
	for {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(append([]string{resolved}, suffix...)...)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return path
		}
		suffix = append([]string{filepath.Base(dir)}, suffix...)
		dir = parent
	}
}

// withinRoot reports whether target is root itself or nested under it.
func withinRoot(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

// CheckCommand validates a shell command's executable name against the
// command allowlist. An empty allowlist denies every command — exec
// permission without an explicit allowlist is always confirm-gated
// upstream by Check, never silently permitted.
func (e *Engine) CheckCommand(command string) (bool, string) {
	if len(e.cfg.CommandAllowlist) == 0 {
		return false, "no command allowlist configured"
	}
	exe := executableName(command)
	for _, allowed := range e.cfg.CommandAllowlist {
		if allowed == exe || allowed == command {
			return true, ""
		}
	}
	return false, fmt.Sprintf("command %q is not in the command allowlist", exe)
}

func executableName(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}

// CheckDomain validates a URL's host against the domain allowlist.
func (e *Engine) CheckDomain(host string) (bool, string) {
	if len(e.cfg.DomainAllowlist) == 0 {
		return false, "no domain allowlist configured"
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, allowed := range e.cfg.DomainAllowlist {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("domain %q is not in the domain allowlist", host)
}

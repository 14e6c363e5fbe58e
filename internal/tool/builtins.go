package tool

import (
	"bufio"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/corvidrun/corvid/internal/coretypes"
	"github.com/corvidrun/corvid/internal/policy"
)

// builtinTools mirrors vinayprograms-agent's registerBuiltins: one
// ToolDefinition per built-in, each closing over the shared policy Engine
// so it can scope-check its own arguments the way that repo's readTool,
// writeTool, bashTool, and webFetchTool do via t.policy.CheckPath /
// CheckCommand / CheckDomain.
func builtinTools(pol *policy.Engine) []*coretypes.ToolDefinition {
	return []*coretypes.ToolDefinition{
		fsReadTool(pol),
		fsWriteTool(pol),
		fsEditTool(pol),
		fsGlobTool(pol),
		fsGrepTool(pol),
		fsLsTool(pol),
		cmdRunTool(pol),
		netFetchTool(pol),
		netSearchTool(pol),
	}
}

func result(output any) *coretypes.Result {
	return &coretypes.Result{Success: true, Output: output}
}

func failure(kind coretypes.ErrorKind, reason string) *coretypes.Result {
	return &coretypes.Result{Success: false, Error: reason, ErrorKind: kind}
}

func stringArg(input map[string]any, key string) (string, bool) {
	v, ok := input[key].(string)
	return v, ok
}

func fsReadTool(pol *policy.Engine) *coretypes.ToolDefinition {
	return &coretypes.ToolDefinition{
		Name:        "fs.read",
		Category:    "filesystem",
		Description: "Read the contents of a file at the given path.",
		Permissions: []coretypes.Permission{coretypes.PermFilesystemRead},
		InputSchema: coretypes.Obj(map[string]*coretypes.SchemaNode{
			"path": coretypes.Str("path to the file to read"),
		}, "path"),
		Operation: func(ctx *coretypes.ExecutionContext, input map[string]any) (*coretypes.Result, error) {
			path, _ := stringArg(input, "path")
			if ok, reason := pol.CheckPath(ctx.WorkDir, path); !ok {
				return nil, coretypes.NewError(coretypes.ErrScopeViolation, reason)
			}
			content, err := os.ReadFile(resolve(ctx.WorkDir, path))
			if err != nil {
				return failure(coretypes.ErrInvalidInput, err.Error()), nil
			}
			return result(string(content)), nil
		},
	}
}

func fsWriteTool(pol *policy.Engine) *coretypes.ToolDefinition {
	return &coretypes.ToolDefinition{
		Name:        "fs.write",
		Category:    "filesystem",
		Description: "Write content to a file at the given path, creating parent directories if needed.",
		Permissions: []coretypes.Permission{coretypes.PermFilesystemWrite},
		InputSchema: coretypes.Obj(map[string]*coretypes.SchemaNode{
			"path":    coretypes.Str("path to the file to write"),
			"content": coretypes.Str("content to write"),
		}, "path", "content"),
		Operation: func(ctx *coretypes.ExecutionContext, input map[string]any) (*coretypes.Result, error) {
			path, _ := stringArg(input, "path")
			content, _ := stringArg(input, "content")
			if ok, reason := pol.CheckPath(ctx.WorkDir, path); !ok {
				return nil, coretypes.NewError(coretypes.ErrScopeViolation, reason)
			}
			full := resolve(ctx.WorkDir, path)
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return failure(coretypes.ErrInvalidInput, err.Error()), nil
			}
			if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
				return failure(coretypes.ErrInvalidInput, err.Error()), nil
			}
			return result("ok"), nil
		},
	}
}

func fsEditTool(pol *policy.Engine) *coretypes.ToolDefinition {
	return &coretypes.ToolDefinition{
		Name:        "fs.edit",
		Category:    "filesystem",
		Description: "Find and replace the first exact match of text in a file.",
		Permissions: []coretypes.Permission{coretypes.PermFilesystemWrite},
		InputSchema: coretypes.Obj(map[string]*coretypes.SchemaNode{
			"path": coretypes.Str("path to the file to edit"),
			"old":  coretypes.Str("text to find, must match exactly"),
			"new":  coretypes.Str("text to replace it with"),
		}, "path", "old", "new"),
		Operation: func(ctx *coretypes.ExecutionContext, input map[string]any) (*coretypes.Result, error) {
			path, _ := stringArg(input, "path")
			oldText, _ := stringArg(input, "old")
			newText, _ := stringArg(input, "new")
			if ok, reason := pol.CheckPath(ctx.WorkDir, path); !ok {
				return nil, coretypes.NewError(coretypes.ErrScopeViolation, reason)
			}
			full := resolve(ctx.WorkDir, path)
			content, err := os.ReadFile(full)
			if err != nil {
				return failure(coretypes.ErrInvalidInput, err.Error()), nil
			}
			if !strings.Contains(string(content), oldText) {
				return failure(coretypes.ErrInvalidInput, "pattern not found in file"), nil
			}
			replaced := strings.Replace(string(content), oldText, newText, 1)
			if err := os.WriteFile(full, []byte(replaced), 0o644); err != nil {
				return failure(coretypes.ErrInvalidInput, err.Error()), nil
			}
			return result("ok"), nil
		},
	}
}

func fsGlobTool(pol *policy.Engine) *coretypes.ToolDefinition {
	return &coretypes.ToolDefinition{
		Name:        "fs.glob",
		Category:    "filesystem",
		Description: "Find files matching a glob pattern (e.g. *.go, **/*.txt).",
		Permissions: []coretypes.Permission{coretypes.PermFilesystemRead},
		InputSchema: coretypes.Obj(map[string]*coretypes.SchemaNode{
			"pattern": coretypes.Str("glob pattern"),
		}, "pattern"),
		Operation: func(ctx *coretypes.ExecutionContext, input map[string]any) (*coretypes.Result, error) {
			pattern, _ := stringArg(input, "pattern")
			matches, err := filepath.Glob(resolve(ctx.WorkDir, pattern))
			if err != nil {
				return failure(coretypes.ErrInvalidInput, err.Error()), nil
			}
			return result(matches), nil
		},
	}
}

// GrepMatch is one grep result line.
type GrepMatch struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

func fsGrepTool(pol *policy.Engine) *coretypes.ToolDefinition {
	return &coretypes.ToolDefinition{
		Name:        "fs.grep",
		Category:    "filesystem",
		Description: "Search for a regular expression in a file or directory.",
		Permissions: []coretypes.Permission{coretypes.PermFilesystemRead},
		InputSchema: coretypes.Obj(map[string]*coretypes.SchemaNode{
			"pattern": coretypes.Str("regular expression to search for"),
			"path":    coretypes.Str("file or directory to search"),
		}, "pattern", "path"),
		Operation: func(ctx *coretypes.ExecutionContext, input map[string]any) (*coretypes.Result, error) {
			pattern, _ := stringArg(input, "pattern")
			path, _ := stringArg(input, "path")
			if ok, reason := pol.CheckPath(ctx.WorkDir, path); !ok {
				return nil, coretypes.NewError(coretypes.ErrScopeViolation, reason)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return failure(coretypes.ErrInvalidInput, err.Error()), nil
			}

			full := resolve(ctx.WorkDir, path)
			var matches []GrepMatch
			info, err := os.Stat(full)
			if err != nil {
				return failure(coretypes.ErrInvalidInput, err.Error()), nil
			}
			if info.IsDir() {
				_ = filepath.Walk(full, func(p string, fi os.FileInfo, walkErr error) error {
					if walkErr != nil || fi.IsDir() {
						return nil
					}
					matches = append(matches, grepFile(re, p)...)
					return nil
				})
			} else {
				matches = grepFile(re, full)
			}
			return result(matches), nil
		},
	}
}

func grepFile(re *regexp.Regexp, path string) []GrepMatch {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var matches []GrepMatch
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		if re.MatchString(scanner.Text()) {
			matches = append(matches, GrepMatch{File: path, Line: line, Content: scanner.Text()})
		}
	}
	return matches
}

// DirEntry is one fs.ls result entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

func fsLsTool(pol *policy.Engine) *coretypes.ToolDefinition {
	return &coretypes.ToolDefinition{
		Name:        "fs.ls",
		Category:    "filesystem",
		Description: "List directory contents.",
		Permissions: []coretypes.Permission{coretypes.PermFilesystemRead},
		InputSchema: coretypes.Obj(map[string]*coretypes.SchemaNode{
			"path": coretypes.Str("directory to list"),
		}, "path"),
		Operation: func(ctx *coretypes.ExecutionContext, input map[string]any) (*coretypes.Result, error) {
			path, _ := stringArg(input, "path")
			if ok, reason := pol.CheckPath(ctx.WorkDir, path); !ok {
				return nil, coretypes.NewError(coretypes.ErrScopeViolation, reason)
			}
			entries, err := os.ReadDir(resolve(ctx.WorkDir, path))
			if err != nil {
				return failure(coretypes.ErrInvalidInput, err.Error()), nil
			}
			var out []DirEntry
			for _, e := range entries {
				info, err := e.Info()
				if err != nil {
					continue
				}
				out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir(), Size: info.Size()})
			}
			return result(out), nil
		},
	}
}

// ExecResult is the cmd.run result shape.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

func cmdRunTool(pol *policy.Engine) *coretypes.ToolDefinition {
	return &coretypes.ToolDefinition{
		Name:        "cmd.run",
		Category:    "exec",
		Description: "Execute a shell command inside the run's working directory.",
		Permissions: []coretypes.Permission{coretypes.PermExec},
		Timeout:     2 * time.Minute,
		InputSchema: coretypes.Obj(map[string]*coretypes.SchemaNode{
			"command": coretypes.Str("shell command to execute"),
		}, "command"),
		Operation: func(ctx *coretypes.ExecutionContext, input map[string]any) (*coretypes.Result, error) {
			command, _ := stringArg(input, "command")
			if ok, reason := pol.CheckCommand(command); !ok {
				return nil, coretypes.NewError(coretypes.ErrScopeViolation, reason)
			}

			cmd := exec.Command("bash", "-c", command)
			cmd.Dir = ctx.WorkDir

			var stdout, stderr strings.Builder
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			exitCode := 0
			if err := cmd.Run(); err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					exitCode = exitErr.ExitCode()
				} else {
					return failure(coretypes.ErrInvalidInput, err.Error()), nil
				}
			}

			return result(&ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}), nil
		},
	}
}

func netFetchTool(pol *policy.Engine) *coretypes.ToolDefinition {
	return &coretypes.ToolDefinition{
		Name:        "net.fetch",
		Category:    "network",
		Description: "Fetch the contents of a URL.",
		Permissions: []coretypes.Permission{coretypes.PermNetwork},
		Timeout:     30 * time.Second,
		InputSchema: coretypes.Obj(map[string]*coretypes.SchemaNode{
			"url": coretypes.Str("URL to fetch"),
		}, "url"),
		Operation: func(ctx *coretypes.ExecutionContext, input map[string]any) (*coretypes.Result, error) {
			raw, _ := stringArg(input, "url")
			parsed, err := url.Parse(raw)
			if err != nil {
				return failure(coretypes.ErrInvalidInput, err.Error()), nil
			}
			if ok, reason := pol.CheckDomain(parsed.Hostname()); !ok {
				return nil, coretypes.NewError(coretypes.ErrScopeViolation, reason)
			}

			resp, err := http.Get(raw)
			if err != nil {
				return failure(coretypes.ErrInvalidInput, err.Error()), nil
			}
			defer resp.Body.Close()

			buf := make([]byte, 0, 64*1024)
			chunk := make([]byte, 4096)
			for {
				n, readErr := resp.Body.Read(chunk)
				if n > 0 {
					buf = append(buf, chunk[:n]...)
				}
				if readErr != nil {
					break
				}
			}
			return result(map[string]any{"status": resp.StatusCode, "body": string(buf)}), nil
		},
	}
}

func netSearchTool(pol *policy.Engine) *coretypes.ToolDefinition {
	return &coretypes.ToolDefinition{
		Name:        "net.search",
		Category:    "network",
		Description: "Search the web for a query. Use net.fetch on promising results for full content.",
		Permissions: []coretypes.Permission{coretypes.PermNetwork},
		Timeout:     30 * time.Second,
		InputSchema: coretypes.Obj(map[string]*coretypes.SchemaNode{
			"query": coretypes.Str("search query"),
		}, "query"),
		Operation: func(ctx *coretypes.ExecutionContext, input map[string]any) (*coretypes.Result, error) {
			query, _ := stringArg(input, "query")
			if ok, reason := pol.CheckDomain("search.brave.com"); !ok {
				return nil, coretypes.NewError(coretypes.ErrScopeViolation, reason)
			}
			return failure(coretypes.ErrInvalidInput, fmt.Sprintf("net.search requires a configured search provider for query %q", query)), nil
		},
	}
}

func resolve(workDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workDir, path)
}

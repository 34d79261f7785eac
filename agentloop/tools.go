package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/martinemde/coder/policy"
	"github.com/martinemde/coder/toolcall"
	"github.com/martinemde/coder/unifiedllm"
)

// CodeToolFailed marks a tool that ran and returned an error.
const CodeToolFailed = "TOOL_FAILED"

// CodeUnknownTool marks a call to a tool the registry does not have.
const CodeUnknownTool = "UNKNOWN_TOOL"

// CodeDenied marks a shell command refused by a denied pattern.
const CodeDenied = "COMMAND_DENIED"

// ToolResult is what a tool returned to the engine.
type ToolResult = policy.Result

// ExecOptions carries per-call execution settings.
type ExecOptions struct {
	// Timeout bounds a shell command; zero uses the registry default.
	Timeout time.Duration
}

// ToolRegistry is the capability-tagged tool surface the engine drives.
type ToolRegistry interface {
	policy.Classifier
	Execute(ctx context.Context, call toolcall.Call, workspace string, opts ExecOptions) ToolResult
	Has(name string) bool
	Definitions() []unifiedllm.ToolDefinition
}

// ToolFunc runs one tool against a workspace.
type ToolFunc func(ctx context.Context, args map[string]any, ws Workspace, opts ExecOptions) (string, error)

// RegisteredTool pairs a definition with its implementation.
type RegisteredTool struct {
	Definition unifiedllm.ToolDefinition
	ReadOnly   bool
	Run        ToolFunc
	// Subject extracts the text risk and denied patterns match against.
	// Defaults to the tool name followed by the canonical arguments.
	Subject func(args map[string]any) string
}

// LocalRegistry is a ToolRegistry running tools on the local machine.
type LocalRegistry struct {
	mu             sync.RWMutex
	tools          map[string]*RegisteredTool
	riskPatterns   []*regexp.Regexp
	deniedPatterns []*regexp.Regexp
	shellTimeout   time.Duration

	wsMu       sync.Mutex
	workspaces map[string]Workspace
}

// RegistryOption configures a LocalRegistry.
type RegistryOption func(*LocalRegistry) error

// WithRiskPatterns sets the risk classes. A call's risk class is the index
// of the first pattern matching its subject.
func WithRiskPatterns(patterns ...string) RegistryOption {
	return func(r *LocalRegistry) error {
		compiled, err := compilePatterns(patterns)
		if err != nil {
			return fmt.Errorf("risk pattern: %w", err)
		}
		r.riskPatterns = compiled
		return nil
	}
}

// WithDeniedPatterns sets patterns whose matching calls are refused.
func WithDeniedPatterns(patterns ...string) RegistryOption {
	return func(r *LocalRegistry) error {
		compiled, err := compilePatterns(patterns)
		if err != nil {
			return fmt.Errorf("denied pattern: %w", err)
		}
		r.deniedPatterns = compiled
		return nil
	}
}

// WithShellTimeout sets the default shell command timeout.
func WithShellTimeout(d time.Duration) RegistryOption {
	return func(r *LocalRegistry) error {
		r.shellTimeout = d
		return nil
	}
}

// WithoutShell leaves the shell tool unregistered.
func WithoutShell() RegistryOption {
	return func(r *LocalRegistry) error {
		delete(r.tools, "shell")
		return nil
	}
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// NewLocalRegistry returns a registry holding the core tools.
func NewLocalRegistry(opts ...RegistryOption) (*LocalRegistry, error) {
	r := &LocalRegistry{
		tools:        make(map[string]*RegisteredTool),
		shellTimeout: DefaultShellTimeout,
		workspaces:   make(map[string]Workspace),
	}
	registerCoreTools(r)
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a tool.
func (r *LocalRegistry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
}

func (r *LocalRegistry) get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether name is registered.
func (r *LocalRegistry) Has(name string) bool { return r.get(name) != nil }

// Names returns the registered tool names, sorted.
func (r *LocalRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns tool definitions sorted by name.
func (r *LocalRegistry) Definitions() []unifiedllm.ToolDefinition {
	names := r.Names()
	defs := make([]unifiedllm.ToolDefinition, 0, len(names))
	for _, name := range names {
		if t := r.get(name); t != nil {
			defs = append(defs, t.Definition)
		}
	}
	return defs
}

// IsReadOnly reports whether call has no side effects. Unknown tools are
// treated as mutating.
func (r *LocalRegistry) IsReadOnly(call toolcall.Call) bool {
	t := r.get(call.Tool)
	return t != nil && t.ReadOnly
}

// RiskClassify returns the index of the first risk pattern matching the
// call, or -1.
func (r *LocalRegistry) RiskClassify(call toolcall.Call) int {
	subject := r.subject(call)
	for i, re := range r.riskPatterns {
		if re.MatchString(subject) {
			return i
		}
	}
	return -1
}

func (r *LocalRegistry) subject(call toolcall.Call) string {
	if t := r.get(call.Tool); t != nil && t.Subject != nil {
		return t.Subject(call.Args)
	}
	args, _ := json.Marshal(call.Args)
	return call.Tool + " " + string(args)
}

func (r *LocalRegistry) workspace(root string) (Workspace, error) {
	r.wsMu.Lock()
	defer r.wsMu.Unlock()
	if ws, ok := r.workspaces[root]; ok {
		return ws, nil
	}
	ws, err := NewLocalWorkspace(root)
	if err != nil {
		return nil, err
	}
	r.workspaces[root] = ws
	return ws, nil
}

// Execute runs call in the workspace rooted at workspace. Tool errors
// become failed results; Execute never panics on tool input.
func (r *LocalRegistry) Execute(ctx context.Context, call toolcall.Call, workspace string, opts ExecOptions) ToolResult {
	t := r.get(call.Tool)
	if t == nil {
		return policy.Failure(CodeUnknownTool, fmt.Sprintf("unknown tool %q", call.Tool))
	}
	subject := r.subject(call)
	for _, re := range r.deniedPatterns {
		if re.MatchString(subject) {
			return policy.Failure(CodeDenied, fmt.Sprintf("%s refused: matches denied pattern %q", call.Tool, re.String()))
		}
	}
	ws, err := r.workspace(workspace)
	if err != nil {
		return policy.Failure(CodeToolFailed, err.Error())
	}
	if opts.Timeout == 0 {
		opts.Timeout = r.shellTimeout
	}
	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	text, err := t.Run(ctx, args, ws, opts)
	if err != nil {
		if ctx.Err() != nil {
			return policy.Failure(policy.CodeCancelled, "tool cancelled: "+err.Error())
		}
		return policy.Failure(CodeToolFailed, err.Error())
	}
	return ToolResult{OK: true, Text: text}
}

// StringArg returns a string argument, accepting any of the given keys.
func StringArg(args map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := args[k]; ok {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

// IntArg returns an integer argument. JSON numbers decode as float64.
func IntArg(args map[string]any, key string) (int, bool) {
	switch n := args[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		var i int
		_, err := fmt.Sscanf(strings.TrimSpace(n), "%d", &i)
		return i, err == nil
	}
	return 0, false
}

// BoolArg returns a boolean argument.
func BoolArg(args map[string]any, key string) (bool, bool) {
	b, ok := args[key].(bool)
	return b, ok
}

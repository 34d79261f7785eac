package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/martinemde/coder/unifiedllm"
)

// DefaultShellTimeout bounds a shell command when the call gives none.
const DefaultShellTimeout = 2 * time.Minute

// MaxShellTimeout caps timeout_ms requested by the model.
const MaxShellTimeout = 10 * time.Minute

const defaultReadLimit = 2000

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func registerCoreTools(r *LocalRegistry) {
	r.Register(readFileTool())
	r.Register(listDirTool())
	r.Register(grepTool())
	r.Register(globTool())
	r.Register(writeFileTool())
	r.Register(editFileTool())
	r.Register(shellTool())
}

func requirePath(args map[string]any) (string, error) {
	path, ok := StringArg(args, "path", "file_path")
	if !ok || path == "" {
		return "", errors.New("path is required")
	}
	return path, nil
}

func pathSubject(tool string) func(map[string]any) string {
	return func(args map[string]any) string {
		path, _ := StringArg(args, "path", "file_path")
		return tool + " " + path
	}
}

func readFileTool() RegisteredTool {
	return RegisteredTool{
		Definition: toolDef("read_file",
			"Read a file in the workspace. Returns line-numbered content.",
			objectSchema([]string{"path"}, map[string]any{
				"path":   prop("string", "Workspace-relative path of the file."),
				"offset": prop("integer", "1-based line to start from."),
				"limit":  prop("integer", "Maximum number of lines. Default 2000."),
			})),
		ReadOnly: true,
		Subject:  pathSubject("read_file"),
		Run: func(ctx context.Context, args map[string]any, ws Workspace, _ ExecOptions) (string, error) {
			path, err := requirePath(args)
			if err != nil {
				return "", err
			}
			offset, _ := IntArg(args, "offset")
			limit, ok := IntArg(args, "limit")
			if !ok || limit <= 0 {
				limit = defaultReadLimit
			}
			return ws.ReadFile(path, offset, limit)
		},
	}
}

func listDirTool() RegisteredTool {
	return RegisteredTool{
		Definition: toolDef("list_dir",
			"List a directory in the workspace.",
			objectSchema(nil, map[string]any{
				"path":  prop("string", "Workspace-relative directory. Default: the workspace root."),
				"depth": prop("integer", "How many levels to descend. Default 1."),
			})),
		ReadOnly: true,
		Subject:  pathSubject("list_dir"),
		Run: func(ctx context.Context, args map[string]any, ws Workspace, _ ExecOptions) (string, error) {
			path, _ := StringArg(args, "path")
			depth, _ := IntArg(args, "depth")
			entries, err := ws.List(path, depth)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "(empty directory)", nil
			}
			var sb strings.Builder
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(&sb, "%s/\n", e.Path)
				} else {
					fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Path, e.Size)
				}
			}
			return sb.String(), nil
		},
	}
}

func grepTool() RegisteredTool {
	return RegisteredTool{
		Definition: toolDef("grep",
			"Search file contents with a regular expression.",
			objectSchema([]string{"pattern"}, map[string]any{
				"pattern":     prop("string", "Regular expression to search for."),
				"path":        prop("string", "Directory or file to search. Default: the workspace root."),
				"include":     prop("string", "Glob restricting which files are searched, e.g. *.go."),
				"max_results": prop("integer", "Maximum matching lines. Default 200."),
			})),
		ReadOnly: true,
		Run: func(ctx context.Context, args map[string]any, ws Workspace, _ ExecOptions) (string, error) {
			pattern, ok := StringArg(args, "pattern")
			if !ok || pattern == "" {
				return "", errors.New("pattern is required")
			}
			path, _ := StringArg(args, "path")
			include, _ := StringArg(args, "include")
			limit, ok := IntArg(args, "max_results")
			if !ok || limit <= 0 {
				limit = 200
			}
			out, err := ws.Grep(ctx, pattern, path, include, limit)
			if err != nil {
				return "", err
			}
			if out == "" {
				return "no matches", nil
			}
			return out, nil
		},
	}
}

func globTool() RegisteredTool {
	return RegisteredTool{
		Definition: toolDef("glob",
			"Find files by name pattern. ** matches any number of directories.",
			objectSchema([]string{"pattern"}, map[string]any{
				"pattern": prop("string", "Glob pattern, e.g. **/*_test.go."),
				"path":    prop("string", "Directory to search from. Default: the workspace root."),
			})),
		ReadOnly: true,
		Run: func(ctx context.Context, args map[string]any, ws Workspace, _ ExecOptions) (string, error) {
			pattern, ok := StringArg(args, "pattern")
			if !ok || pattern == "" {
				return "", errors.New("pattern is required")
			}
			path, _ := StringArg(args, "path")
			matches, err := ws.Glob(pattern, path)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "no files matched", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	}
}

func writeFileTool() RegisteredTool {
	return RegisteredTool{
		Definition: toolDef("write_file",
			"Write a whole file, creating parent directories as needed.",
			objectSchema([]string{"path", "content"}, map[string]any{
				"path":    prop("string", "Workspace-relative path to write."),
				"content": prop("string", "The complete file content."),
			})),
		Subject: pathSubject("write_file"),
		Run: func(ctx context.Context, args map[string]any, ws Workspace, _ ExecOptions) (string, error) {
			path, err := requirePath(args)
			if err != nil {
				return "", err
			}
			content, ok := StringArg(args, "content")
			if !ok {
				return "", errors.New("content is required")
			}
			if err := ws.WriteFile(path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
		},
	}
}

func editFileTool() RegisteredTool {
	return RegisteredTool{
		Definition: toolDef("edit_file",
			"Replace an exact string in a file. old_string must be unique unless replace_all is true.",
			objectSchema([]string{"path", "old_string", "new_string"}, map[string]any{
				"path":        prop("string", "Workspace-relative path of the file."),
				"old_string":  prop("string", "Exact text to find."),
				"new_string":  prop("string", "Replacement text."),
				"replace_all": prop("boolean", "Replace every occurrence. Default false."),
			})),
		Subject: pathSubject("edit_file"),
		Run: func(ctx context.Context, args map[string]any, ws Workspace, _ ExecOptions) (string, error) {
			path, err := requirePath(args)
			if err != nil {
				return "", err
			}
			oldString, ok := StringArg(args, "old_string")
			if !ok || oldString == "" {
				return "", errors.New("old_string is required")
			}
			newString, _ := StringArg(args, "new_string")
			replaceAll, _ := BoolArg(args, "replace_all")

			raw, err := ws.ReadRaw(path)
			if err != nil {
				return "", err
			}
			count := strings.Count(raw, oldString)
			switch {
			case count == 0:
				return "", fmt.Errorf("old_string not found in %s", path)
			case count > 1 && !replaceAll:
				return "", fmt.Errorf("old_string found %d times in %s; add context to make it unique or set replace_all", count, path)
			}
			n := 1
			if replaceAll {
				n = -1
			}
			if err := ws.WriteFile(path, strings.Replace(raw, oldString, newString, n)); err != nil {
				return "", err
			}
			if !replaceAll {
				count = 1
			}
			return fmt.Sprintf("replaced %d occurrence(s) in %s", count, path), nil
		},
	}
}

func shellTool() RegisteredTool {
	return RegisteredTool{
		Definition: toolDef("shell",
			"Run a shell command in the workspace root.",
			objectSchema([]string{"command"}, map[string]any{
				"command":    prop("string", "The command line to run."),
				"timeout_ms": prop("integer", "Timeout in milliseconds."),
			})),
		Subject: func(args map[string]any) string {
			cmd, _ := StringArg(args, "command")
			return cmd
		},
		Run: func(ctx context.Context, args map[string]any, ws Workspace, opts ExecOptions) (string, error) {
			command, ok := StringArg(args, "command")
			if !ok || strings.TrimSpace(command) == "" {
				return "", errors.New("command is required")
			}
			timeout := opts.Timeout
			if ms, ok := IntArg(args, "timeout_ms"); ok && ms > 0 {
				timeout = time.Duration(ms) * time.Millisecond
			}
			if timeout > MaxShellTimeout {
				timeout = MaxShellTimeout
			}
			res, err := ws.Run(ctx, command, timeout)
			if err != nil {
				return "", err
			}
			out := res.Output()
			switch {
			case res.TimedOut:
				return "", fmt.Errorf("command timed out after %s\n%s", timeout, out)
			case res.ExitCode != 0:
				return "", fmt.Errorf("exit status %d\n%s", res.ExitCode, out)
			}
			if out == "" {
				out = "(no output)"
			}
			return out, nil
		},
	}
}

func toolDef(name, desc string, params map[string]any) unifiedllm.ToolDefinition {
	return unifiedllm.ToolDefinition{Name: name, Description: desc, Parameters: params}
}

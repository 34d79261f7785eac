package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/martinemde/coder/toolcall"
	"github.com/martinemde/coder/unifiedllm"
)

const maxProjectDocBytes = 32 * 1024

// ProjectDocFiles are loaded from the repository root down to the
// workspace, in this order within each directory.
var ProjectDocFiles = []string{"AGENTS.md", "CODER.md"}

const toolConvention = "To use a tool, reply with a fenced block labelled `tool` holding one JSON object " +
	"(or an array of them) with the keys \"tool\" and \"args\":\n\n" +
	"```tool\n{\"tool\": \"read_file\", \"args\": {\"path\": \"main.go\"}}\n```\n\n" +
	"Several read-only calls in one reply run concurrently. At most one call that changes files or runs " +
	"a command is executed per reply; extra ones are rejected and must be re-issued. Tool results come " +
	"back as the next user turn. When the task is done, reply without any tool block."

const stateUpdateHelp = "Keep your working memory current with the `" + toolcall.StateUpdateTool + "` pseudo-tool. " +
	"Its args may set \"plan\" (string) and append to \"openTasks\", \"filesTouched\", \"assumptions\" " +
	"and \"errorsEncountered\" (lists of strings); \"clear\" names fields to empty first. " +
	"It is applied immediately and does not count as a file change."

// BuildSystemPrompt assembles the leading system message for a session.
func BuildSystemPrompt(ctx context.Context, workspace, model string, tools []unifiedllm.ToolDefinition) string {
	var sb strings.Builder
	sb.WriteString("You are a coding assistant working autonomously in a local workspace. ")
	sb.WriteString("Inspect before you change things, make focused edits, and verify your work.\n\n")

	sb.WriteString(environmentBlock(ctx, workspace, model))
	sb.WriteString("\n\n# Tools\n\n")
	sb.WriteString(toolConvention)
	sb.WriteString("\n\n")
	sb.WriteString(stateUpdateHelp)
	sb.WriteString("\n\nAvailable tools:\n")
	for _, t := range tools {
		params, _ := json.Marshal(t.Parameters["properties"])
		fmt.Fprintf(&sb, "- %s: %s Args: %s\n", t.Name, t.Description, params)
	}

	if docs := DiscoverProjectDocs(ctx, workspace); docs != "" {
		sb.WriteString("\n# Project instructions\n\n")
		sb.WriteString(docs)
		sb.WriteString("\n")
	}
	if git := GitContext(ctx, workspace); git != "" {
		sb.WriteString("\n")
		sb.WriteString(git)
		sb.WriteString("\n")
	}
	return sb.String()
}

func environmentBlock(ctx context.Context, workspace, model string) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Workspace: %s\n", workspace)
	fmt.Fprintf(&sb, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Date: %s\n", time.Now().Format("2006-01-02"))
	if branch := git(ctx, workspace, "rev-parse", "--abbrev-ref", "HEAD"); branch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", strings.TrimSpace(branch))
	}
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// DiscoverProjectDocs loads ProjectDocFiles from the git root (or the
// workspace) down to the workspace, up to 32KB in total.
func DiscoverProjectDocs(ctx context.Context, workspace string) string {
	root := strings.TrimSpace(git(ctx, workspace, "rev-parse", "--show-toplevel"))
	if root == "" {
		root = workspace
	}
	var docs []string
	total := 0
	for _, dir := range pathHierarchy(root, workspace) {
		for _, name := range ProjectDocFiles {
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			remaining := maxProjectDocBytes - total
			if remaining <= 0 {
				return strings.Join(append(docs, "[project instructions truncated at 32KB]"), "\n\n---\n\n")
			}
			text := string(data)
			if len(text) > remaining {
				text = text[:remaining] + "\n[project instructions truncated at 32KB]"
			}
			docs = append(docs, fmt.Sprintf("## %s (from %s)\n\n%s", name, dir, text))
			total += len(text)
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// GitContext summarizes the repository state, or returns "" outside git.
func GitContext(ctx context.Context, workspace string) string {
	if strings.TrimSpace(git(ctx, workspace, "rev-parse", "--is-inside-work-tree")) != "true" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<git_context>\n")
	if status := strings.TrimSpace(git(ctx, workspace, "status", "--short")); status != "" {
		fmt.Fprintf(&sb, "Modified/untracked files: %d\n", len(strings.Split(status, "\n")))
	}
	if log := git(ctx, workspace, "log", "--oneline", "-10"); log != "" {
		sb.WriteString("Recent commits:\n")
		sb.WriteString(log)
	}
	sb.WriteString("</git_context>")
	return sb.String()
}

// pathHierarchy returns the directories from root down to target.
func pathHierarchy(root, target string) []string {
	root, target = filepath.Clean(root), filepath.Clean(target)
	dirs := []string{root}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return dirs
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		dirs = append(dirs, cur)
	}
	return dirs
}

func git(ctx context.Context, dir string, args ...string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}

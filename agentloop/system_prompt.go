package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const maxProjectDocBytes = 32 * 1024 // 32KB

// projectDocFiles are the instruction files loaded into the system prompt.
var projectDocFiles = []string{"AGENTS.md", "CLAUDE.md"}

const basePrompt = `You are a coding assistant working in the user's project directory.
You can inspect and change files with the tools listed below. Read files before
editing them, keep edits minimal, and prefer small exact-text replacements.
Paths are relative to the working directory. When the task is done, answer the
user in plain text without calling any tool.`

// BuildSystemPrompt assembles the system prompt: base instructions, the
// environment block, the available tools, project instructions and finally
// the user's own instructions.
func BuildSystemPrompt(env ExecutionEnvironment, registry *ToolRegistry, model, userInstructions string) string {
	sections := []string{basePrompt, BuildEnvironmentContext(env, model)}

	if registry != nil && registry.Count() > 0 {
		var sb strings.Builder
		sb.WriteString("# Tools\n")
		for _, def := range registry.Definitions() {
			fmt.Fprintf(&sb, "\n- %s: %s", def.Name, def.Description)
		}
		sections = append(sections, sb.String())
	}

	if docs := DiscoverProjectDocs(env.WorkingDirectory()); docs != "" {
		sections = append(sections, "# Project Instructions\n\n"+docs)
	}

	if userInstructions != "" {
		sections = append(sections, "# User Instructions\n\n"+userInstructions)
	}
	return strings.Join(sections, "\n\n")
}

// BuildEnvironmentContext generates the structured environment context block.
func BuildEnvironmentContext(env ExecutionEnvironment, model string) string {
	workingDir := env.WorkingDirectory()
	isGitRepo := isGitRepository(workingDir)
	gitBranch := ""
	if isGitRepo {
		gitBranch = getGitBranch(workingDir)
	}

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", workingDir)
	fmt.Fprintf(&sb, "Is git repository: %v\n", isGitRepo)
	if gitBranch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", gitBranch)
	}
	fmt.Fprintf(&sb, "Platform: %s\n", env.Platform())
	fmt.Fprintf(&sb, "OS version: %s\n", env.OSVersion())
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// DiscoverProjectDocs loads AGENTS.md and CLAUDE.md from every directory
// between the git root (or workingDir) and workingDir. Output is capped at
// 32KB.
func DiscoverProjectDocs(workingDir string) string {
	root := gitRoot(workingDir)
	if root == "" {
		root = workingDir
	}

	var docs []string
	totalBytes := 0

	for _, dir := range collectPathHierarchy(root, workingDir) {
		for _, fileName := range projectDocFiles {
			path := filepath.Join(dir, fileName)
			content, err := os.ReadFile(path)
			if err != nil {
				continue
			}

			remaining := maxProjectDocBytes - totalBytes
			if remaining <= 0 {
				docs = append(docs, "[Project instructions truncated at 32KB]")
				return strings.Join(docs, "\n\n---\n\n")
			}

			text := string(content)
			if len(text) > remaining {
				text = text[:runeFloor(text, remaining)] + "\n[Project instructions truncated at 32KB]"
			}

			header := fmt.Sprintf("## %s (from %s)", fileName, dir)
			docs = append(docs, header+"\n\n"+text)
			totalBytes += len(text)
		}
	}

	return strings.Join(docs, "\n\n---\n\n")
}

// collectPathHierarchy returns directories from root to target, inclusive.
func collectPathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)

	if root == target {
		return []string{root}
	}

	dirs := []string{root}
	rel, err := filepath.Rel(root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return []string{target}
	}

	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." {
			continue
		}
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func isGitRepository(dir string) bool {
	return gitOutput(dir, "rev-parse", "--is-inside-work-tree") == "true"
}

func gitRoot(dir string) string {
	return gitOutput(dir, "rev-parse", "--show-toplevel")
}

func getGitBranch(dir string) string {
	return gitOutput(dir, "rev-parse", "--abbrev-ref", "HEAD")
}

func gitOutput(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// Package git implements the git_* tool family: thin wrappers around
// the git CLI scoped to an agent workspace. Permission checking for the
// top-level operation happens once in the tool loop before dispatch
// (unlike the original, which re-checks permission for every internal
// "git add"/"git config" sub-call); these handlers assume they have
// already been cleared to run.
package git

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/chorus/pkg/models"
)

const defaultTimeout = 60 * time.Second

type result struct {
	Operation  string `json:"operation"`
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	CommitHash string `json:"commit_hash,omitempty"`
}

func runGit(ctx context.Context, workspace, operation string, args ...string) result {
	runCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = workspace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return result{
		Operation: operation,
		Success:   err == nil,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
	}
}

func jsonResult(r result) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

var commitHashPattern = regexp.MustCompile(`\[[\w/.-]+(?:\s+\(root-commit\))?\s+([0-9a-f]{7,40})\]`)

// InitTool builds "git_init": initializes a repo and sets user config.
func InitTool() models.Tool {
	return models.Tool{
		Name:        "git_init",
		Description: "Initialize a git repository in the agent workspace.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_name": map[string]any{
					"type":        "string",
					"description": "Agent name for git user config",
				},
			},
			"required": []any{"agent_name"},
		},
		ContextParams: []string{"workspace"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			workspace, _ := args["workspace"].(string)
			agentName, _ := args["agent_name"].(string)
			r := runGit(ctx, workspace, "init", "init")
			if r.Success {
				runGit(ctx, workspace, "config", "config", "user.name", agentName)
				runGit(ctx, workspace, "config", "config", "user.email", agentName+"@chorus.local")
			}
			return jsonResult(r)
		},
	}
}

// CommitTool builds "git_commit": stages files (or everything) and commits.
func CommitTool() models.Tool {
	return models.Tool{
		Name: "git_commit",
		Description: "Stage files and create a git commit. " +
			"Stages all changes unless specific files are given.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string", "description": "Commit message"},
				"files": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Specific files to stage (default: all)",
				},
			},
			"required": []any{"message"},
		},
		ContextParams: []string{"workspace"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			workspace, _ := args["workspace"].(string)
			message, _ := args["message"].(string)

			if files, ok := args["files"].([]any); ok && len(files) > 0 {
				for _, f := range files {
					if s, ok := f.(string); ok {
						runGit(ctx, workspace, "add", "add", s)
					}
				}
			} else {
				runGit(ctx, workspace, "add", "add", "-A")
			}

			r := runGit(ctx, workspace, "commit", "commit", "-m", message)
			if r.Success {
				if m := commitHashPattern.FindStringSubmatch(r.Stdout); m != nil {
					r.CommitHash = m[1]
				}
			}
			return jsonResult(r)
		},
	}
}

// PushTool builds "git_push".
func PushTool() models.Tool {
	return models.Tool{
		Name:        "git_push",
		Description: "Push commits to a remote repository.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"remote": map[string]any{"type": "string", "description": "Remote name (e.g. origin)"},
				"branch": map[string]any{"type": "string", "description": "Branch name to push"},
			},
			"required": []any{"remote", "branch"},
		},
		ContextParams: []string{"workspace"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			workspace, _ := args["workspace"].(string)
			remote, _ := args["remote"].(string)
			branch, _ := args["branch"].(string)
			return jsonResult(runGit(ctx, workspace, "push", "push", remote, branch))
		},
	}
}

// BranchTool builds "git_branch": create, list, or delete branches.
func BranchTool() models.Tool {
	return models.Tool{
		Name:        "git_branch",
		Description: "Create, list, or delete git branches.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"branch_name": map[string]any{"type": "string", "description": "Branch name (omit to list all branches)"},
				"delete":      map[string]any{"type": "boolean", "description": "Delete the branch instead of creating it"},
			},
			"required": []any{},
		},
		ContextParams: []string{"workspace"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			workspace, _ := args["workspace"].(string)
			name, _ := args["branch_name"].(string)
			deleteFlag, _ := args["delete"].(bool)
			if name == "" {
				return jsonResult(runGit(ctx, workspace, "branch", "branch"))
			}
			if deleteFlag {
				return jsonResult(runGit(ctx, workspace, "branch", "branch", "-d", name))
			}
			return jsonResult(runGit(ctx, workspace, "branch", "branch", name))
		},
	}
}

// CheckoutTool builds "git_checkout".
func CheckoutTool() models.Tool {
	return models.Tool{
		Name:        "git_checkout",
		Description: "Checkout a branch, tag, or commit.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"ref":    map[string]any{"type": "string", "description": "Branch, tag, or commit to checkout"},
				"create": map[string]any{"type": "boolean", "description": "Create a new branch (git checkout -b)"},
			},
			"required": []any{"ref"},
		},
		ContextParams: []string{"workspace"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			workspace, _ := args["workspace"].(string)
			ref, _ := args["ref"].(string)
			create, _ := args["create"].(bool)
			if create {
				return jsonResult(runGit(ctx, workspace, "checkout", "checkout", "-b", ref))
			}
			return jsonResult(runGit(ctx, workspace, "checkout", "checkout", ref))
		},
	}
}

// DiffTool builds "git_diff".
func DiffTool() models.Tool {
	return models.Tool{
		Name:        "git_diff",
		Description: "Show git diff — working tree vs HEAD, or between two refs.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"ref1": map[string]any{"type": "string", "description": "First ref (optional)"},
				"ref2": map[string]any{"type": "string", "description": "Second ref (optional)"},
			},
			"required": []any{},
		},
		ContextParams: []string{"workspace"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			workspace, _ := args["workspace"].(string)
			ref1, _ := args["ref1"].(string)
			ref2, _ := args["ref2"].(string)
			cmdArgs := []string{"diff"}
			if ref1 != "" {
				cmdArgs = append(cmdArgs, ref1)
			}
			if ref1 != "" && ref2 != "" {
				cmdArgs = append(cmdArgs, ref2)
			}
			return jsonResult(runGit(ctx, workspace, "diff", cmdArgs...))
		},
	}
}

// LogTool builds "git_log".
func LogTool() models.Tool {
	return models.Tool{
		Name:        "git_log",
		Description: "Show git commit log.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"count":    map[string]any{"type": "integer", "description": "Number of commits to show (default: 20)"},
				"oneline":  map[string]any{"type": "boolean", "description": "Use one-line format"},
			},
			"required": []any{},
		},
		ContextParams: []string{"workspace"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			workspace, _ := args["workspace"].(string)
			count := 20
			if raw, ok := args["count"]; ok {
				if n, ok := raw.(float64); ok && n > 0 {
					count = int(n)
				}
			}
			oneline, _ := args["oneline"].(bool)
			cmdArgs := []string{"log", "-n", strconv.Itoa(count)}
			if oneline {
				cmdArgs = append(cmdArgs, "--oneline")
			}
			return jsonResult(runGit(ctx, workspace, "log", cmdArgs...))
		},
	}
}

// detectForge inspects the origin remote to choose between gh and glab.
func detectForge(ctx context.Context, workspace string) (string, error) {
	r := runGit(ctx, workspace, "remote", "remote", "get-url", "origin")
	if !r.Success {
		return "", fmt.Errorf("no origin remote configured: %s", strings.TrimSpace(r.Stderr))
	}
	url := strings.TrimSpace(r.Stdout)
	switch {
	case strings.Contains(url, "github.com"):
		return "github", nil
	case strings.Contains(url, "gitlab"):
		return "gitlab", nil
	default:
		return "", fmt.Errorf("unsupported forge for remote url: %s", url)
	}
}

// MergeRequestTool builds "git_merge_request": creates a PR/MR via the
// `gh` or `glab` CLI, detected from the origin remote.
func MergeRequestTool() models.Tool {
	return models.Tool{
		Name:        "git_merge_request",
		Description: "Create a merge/pull request on GitHub or GitLab. Detects the forge from the origin remote URL.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":         map[string]any{"type": "string", "description": "PR/MR title"},
				"description":   map[string]any{"type": "string", "description": "PR/MR description"},
				"source_branch": map[string]any{"type": "string", "description": "Source (head) branch"},
				"target_branch": map[string]any{"type": "string", "description": "Target (base) branch"},
			},
			"required": []any{"title", "description", "source_branch", "target_branch"},
		},
		ContextParams: []string{"workspace"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			workspace, _ := args["workspace"].(string)
			title, _ := args["title"].(string)
			description, _ := args["description"].(string)
			source, _ := args["source_branch"].(string)
			target, _ := args["target_branch"].(string)

			forge, err := detectForge(ctx, workspace)
			if err != nil {
				return jsonResult(result{Operation: "merge_request", Success: false, Stderr: err.Error()})
			}

			runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()

			var cmd *exec.Cmd
			if forge == "github" {
				cmd = exec.CommandContext(runCtx, "gh", "pr", "create",
					"--title", title, "--body", description, "--head", source, "--base", target)
			} else {
				cmd = exec.CommandContext(runCtx, "glab", "mr", "create",
					"--title", title, "--description", description,
					"--source-branch", source, "--target-branch", target)
			}
			cmd.Dir = workspace
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			runErr := cmd.Run()
			return jsonResult(result{
				Operation: "merge_request",
				Success:   runErr == nil,
				Stdout:    stdout.String(),
				Stderr:    stderr.String(),
			})
		},
	}
}

// RegisterAll registers the default git tool set.
func RegisterAll(register func(models.Tool) error) error {
	for _, tool := range []models.Tool{
		InitTool(), CommitTool(), PushTool(), BranchTool(),
		CheckoutTool(), DiffTool(), LogTool(), MergeRequestTool(),
	} {
		if err := register(tool); err != nil {
			return err
		}
	}
	return nil
}

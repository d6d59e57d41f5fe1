package process

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/chorus/internal/callbackbuilder"
	execsandbox "github.com/haasonsaas/chorus/internal/tools/exec"
	"github.com/haasonsaas/chorus/pkg/models"
)

// hookDispatcher is the subset of the §4.9 HookDispatcher that
// add_process_hooks needs: starting timeout watchers for newly-added
// callbacks. Declared locally so this package doesn't import
// internal/hooks.
type hookDispatcher interface {
	StartNewTimeoutWatchers(pid int, callbacks []*models.Callback)
}

// resolveWorkingDirectory validates workingDir against path traversal:
// it must resolve to somewhere under workspace or, if configured,
// scopePath. Mirrors the original's _resolve_working_directory,
// including its empty-input fallback to workspace.
func resolveWorkingDirectory(workingDir, workspace, scopePath string) (string, error) {
	if workingDir == "" {
		return workspace, nil
	}

	candidate := workingDir
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspace, candidate)
	}
	resolved, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve working_directory %q: %w", workingDir, err)
	}
	resolved = resolveSymlinks(resolved)

	within := func(base string) bool {
		base = strings.TrimSuffix(base, string(filepath.Separator))
		return resolved == base || strings.HasPrefix(resolved, base+string(filepath.Separator))
	}

	wsResolved := resolveSymlinks(mustAbs(workspace))
	if within(wsResolved) {
		return resolved, nil
	}

	if scopePath != "" {
		spResolved := resolveSymlinks(mustAbs(scopePath))
		if within(spResolved) {
			return resolved, nil
		}
	}

	return "", fmt.Errorf("working_directory %q is outside the allowed paths", workingDir)
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

func resolveSymlinks(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return p
}

func completeFuncFromContext(args map[string]any) callbackbuilder.CompleteFunc {
	fn, _ := args["callback_complete"].(callbackbuilder.CompleteFunc)
	return fn
}

// RunConcurrentTool builds the "run_concurrent" handler: start a
// process that runs alongside the active branch, with hooks that can
// inject_context or stop_branch without interrupting it.
func RunConcurrentTool(supervisor *Supervisor, scopePath string) models.Tool {
	return models.Tool{
		Name: "run_concurrent",
		Description: "Start a process that runs alongside the active tool loop. The branch continues " +
			"executing while the process runs; hooks can inject context into the branch or stop it. " +
			"Launch ONE process per independent script/command — do not chain multiple scripts with &&.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command":           map[string]any{"type": "string", "description": "Shell command to execute"},
				"instructions":      map[string]any{"type": "string", "description": "Natural language instructions for what should happen on output/exit"},
				"working_directory": map[string]any{"type": "string", "description": "Directory to run the command in, relative to the workspace"},
			},
			"required": []any{"command"},
		},
		ContextParams: []string{"workspace", "agent_name", "host_execution", "branch_id", "callback_complete"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			command, _ := args["command"].(string)
			instructions, _ := args["instructions"].(string)
			workingDir, _ := args["working_directory"].(string)
			workspace, _ := args["workspace"].(string)
			agentName, _ := args["agent_name"].(string)

			if err := execsandbox.CheckBlocklist(command); err != nil {
				return errorJSON("%s", err.Error())
			}

			resolvedWS, err := resolveWorkingDirectory(workingDir, workspace, scopePath)
			if err != nil {
				return errorJSON("%s", err.Error())
			}

			callbacks := callbackbuilder.BuildFromInstructions(ctx, instructions, command, completeFuncFromContext(args), nil)

			var branchID *int
			if raw, ok := args["branch_id"]; ok {
				if id, ok := raw.(int); ok {
					branchID = &id
				}
			}

			tracked, err := supervisor.Spawn(ctx, SpawnOptions{
				Command:         command,
				Workspace:       resolvedWS,
				AgentName:       agentName,
				Kind:            models.ProcessConcurrent,
				Callbacks:       callbacks,
				Context:         instructions,
				SpawnedByBranch: branchID,
			})
			if err != nil {
				return errorJSON("%s", err.Error())
			}

			return spawnResultJSON(tracked, "concurrent")
		},
	}
}

// RunBackgroundTool builds the "run_background" handler: start a
// process that outlives the current branch; its hooks always spawn new
// branches rather than injecting into one that may no longer exist.
func RunBackgroundTool(supervisor *Supervisor, scopePath string) models.Tool {
	return models.Tool{
		Name: "run_background",
		Description: "Start a process that outlives the current branch. Hooks always spawn new branches " +
			"to react to its output or exit. Launch ONE process per independent script/command — do not " +
			"chain multiple scripts with &&.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command":           map[string]any{"type": "string", "description": "Shell command to execute"},
				"instructions":      map[string]any{"type": "string", "description": "Natural language instructions for what should happen on output/exit"},
				"model":             map[string]any{"type": "string", "description": "Model to use for branches this process's hooks spawn"},
				"working_directory": map[string]any{"type": "string", "description": "Directory to run the command in, relative to the workspace"},
			},
			"required": []any{"command"},
		},
		ContextParams: []string{"workspace", "agent_name", "host_execution", "callback_complete"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			command, _ := args["command"].(string)
			instructions, _ := args["instructions"].(string)
			model, _ := args["model"].(string)
			workingDir, _ := args["working_directory"].(string)
			workspace, _ := args["workspace"].(string)
			agentName, _ := args["agent_name"].(string)

			if err := execsandbox.CheckBlocklist(command); err != nil {
				return errorJSON("%s", err.Error())
			}

			resolvedWS, err := resolveWorkingDirectory(workingDir, workspace, scopePath)
			if err != nil {
				return errorJSON("%s", err.Error())
			}

			callbacks := callbackbuilder.BuildFromInstructions(ctx, instructions, command, completeFuncFromContext(args), nil)

			tracked, err := supervisor.Spawn(ctx, SpawnOptions{
				Command:       command,
				Workspace:     resolvedWS,
				AgentName:     agentName,
				Kind:          models.ProcessBackground,
				Callbacks:     callbacks,
				Context:       instructions,
				ModelForHooks: model,
			})
			if err != nil {
				return errorJSON("%s", err.Error())
			}

			return spawnResultJSON(tracked, "background")
		},
	}
}

// AddProcessHooksTool builds the "add_process_hooks" handler: attach
// additional NL-described callbacks to an already-running process.
func AddProcessHooksTool(supervisor *Supervisor) models.Tool {
	return models.Tool{
		Name:        "add_process_hooks",
		Description: "Add hooks to a process that is already running, described in natural language.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pid":          map[string]any{"type": "integer", "description": "PID of the running process"},
				"instructions": map[string]any{"type": "string", "description": "Natural language instructions for the new hooks"},
			},
			"required": []any{"pid", "instructions"},
		},
		ContextParams: []string{"agent_name", "hook_dispatcher", "callback_complete"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			pid := intArg(args["pid"])
			instructions, _ := args["instructions"].(string)
			agentName, _ := args["agent_name"].(string)

			tracked, ok := supervisor.Get(pid)
			if !ok {
				return errorJSON("No process found with PID %d", pid)
			}
			if tracked.Agent != agentName {
				return errorJSON("Process %d belongs to agent %q, not %q", pid, tracked.Agent, agentName)
			}
			if tracked.Status != models.ProcessRunning {
				return errorJSON("Process %d is not running (status: %s)", pid, tracked.Status)
			}

			callbacks := callbackbuilder.BuildFromInstructions(ctx, instructions, tracked.Command, completeFuncFromContext(args), nil)

			updated, err := supervisor.AddCallbacks(ctx, pid, callbacks)
			if err != nil {
				return errorJSON("%s", err.Error())
			}
			if updated == nil {
				return errorJSON("Failed to add callbacks to process %d (it may have exited)", pid)
			}

			if dispatcher, _ := args["hook_dispatcher"].(hookDispatcher); dispatcher != nil {
				dispatcher.StartNewTimeoutWatchers(pid, callbacks)
			}

			raw, err := json.Marshal(map[string]any{
				"pid":     pid,
				"added":   len(callbacks),
				"total":   len(updated.Callbacks),
				"message": fmt.Sprintf("Added %d hook(s) to process %d. Total hooks: %d.", len(callbacks), pid, len(updated.Callbacks)),
			})
			if err != nil {
				return errorJSON("encode result: %s", err.Error())
			}
			return string(raw), nil
		},
	}
}

func intArg(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func spawnResultJSON(tracked *models.TrackedProcess, kind string) (string, error) {
	raw, err := json.Marshal(map[string]any{
		"pid":       tracked.PID,
		"status":    "running",
		"type":      kind,
		"callbacks": tracked.Callbacks,
	})
	if err != nil {
		return errorJSON("encode result: %s", err.Error())
	}
	return string(raw), nil
}

func errorJSON(format string, a ...any) (string, error) {
	raw, _ := json.Marshal(map[string]string{"error": fmt.Sprintf(format, a...)})
	return string(raw), nil
}

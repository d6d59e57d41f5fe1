package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/chorus/pkg/models"
)

// BashTool builds the "bash" handler: execute a shell command in the
// agent workspace with a sanitized environment and configurable timeout.
func BashTool(manager *Manager) models.Tool {
	return models.Tool{
		Name: "bash",
		Description: "Execute a shell command in the agent's workspace directory. " +
			"The command runs with a sanitized environment and configurable timeout.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command to execute",
				},
				"timeout": map[string]any{
					"type":        "number",
					"description": "Timeout in seconds (default 120)",
				},
			},
			"required": []any{"command"},
		},
		ContextParams: []string{"workspace", "agent_name", "host_execution"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			command, _ := args["command"].(string)
			workspace, _ := args["workspace"].(string)
			agentName, _ := args["agent_name"].(string)
			hostExecution, _ := args["host_execution"].(bool)

			timeout := DefaultTimeout
			if raw, ok := args["timeout"]; ok {
				if seconds, ok := raw.(float64); ok && seconds > 0 {
					timeout = time.Duration(seconds * float64(time.Second))
				}
			}

			if err := CheckBlocklist(command); err != nil {
				return errorJSON("%s", err.Error())
			}

			result, err := manager.Run(ctx, agentName, workspace, command, timeout, nil, hostExecution)
			if err != nil {
				return errorJSON("%s", err.Error())
			}
			raw, err := json.Marshal(result)
			if err != nil {
				return errorJSON("encode result: %s", err.Error())
			}
			return string(raw), nil
		},
	}
}

func errorJSON(format string, a ...any) (string, error) {
	raw, _ := json.Marshal(map[string]string{"error": fmt.Sprintf(format, a...)})
	return string(raw), nil
}

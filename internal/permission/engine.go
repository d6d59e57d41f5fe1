// Package permission implements the ordered-regex allow/ask/deny engine
// and the action-string builder used to gate tool execution.
package permission

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/chorus/pkg/models"
)

// Check returns the permission decision for action under profile: the
// first regex in Allow that matches wins; else the first in Ask; else
// Deny. Check is a pure function of (action, profile.allow, profile.ask)
// (§8, "Permission check(a, p) depends only on (a, p.allow, p.ask)").
func Check(action string, profile *models.PermissionProfile) models.Decision {
	if profile == nil {
		return models.Deny
	}
	for _, re := range profile.AllowRegexps() {
		if re.MatchString(action) {
			return models.Allow
		}
	}
	for _, re := range profile.AskRegexps() {
		if re.MatchString(action) {
			return models.Ask
		}
	}
	return models.Deny
}

// FormatAction builds the canonical "tool:<category>:<detail>" action
// string (§4.1, §6 "Action-string format").
func FormatAction(category, detail string) string {
	return fmt.Sprintf("tool:%s:%s", category, detail)
}

// categoryTable reproduces the original implementation's
// _TOOL_TO_CATEGORY static map (SPEC_FULL.md §C.5): every registered
// tool name maps to a fixed permission category. git_* and
// self_edit_* tools are matched by prefix in Category instead of
// being listed individually here.
var categoryTable = map[string]string{
	"bash":               "bash",
	"create_file":        "file",
	"str_replace":        "file",
	"view":               "file",
	"patch_file":         "file",
	"web_search":         "web_search",
	"claude_code":        "claude_code",
	"list_models":        "info",
	"agent_send":         "agent_comm",
	"agent_read_docs":    "agent_comm",
	"agent_list":         "agent_comm",
	"run_concurrent":     "run_concurrent",
	"run_background":     "run_background",
	"add_process_hooks":  "run_concurrent",
}

const maxClaudeCodeDetail = 100

// Category returns the permission category for a tool name, falling
// back to "info" for anything not in the static table.
func Category(toolName string) string {
	if cat, ok := categoryTable[toolName]; ok {
		return cat
	}
	if strings.HasPrefix(toolName, "git_") {
		return "git"
	}
	if strings.HasPrefix(toolName, "self_edit_") {
		return "self_edit"
	}
	return "info"
}

// BuildActionString derives the category and a deterministic detail
// string for a tool call, following SPEC_FULL.md §C.5: file ops use the
// path; bash uses the full command; git uses "<op> <args-json>" where
// op is the tool name with its "git_" prefix stripped; claude_code
// truncates the task text to 100 characters; self_edit and agent_comm
// use their sub-kind/verb plus target.
func BuildActionString(toolName string, args map[string]any) string {
	category := Category(toolName)
	var detail string

	switch category {
	case "file":
		detail = stringArg(args, "path")
	case "bash":
		detail = stringArg(args, "command")
	case "git":
		detail = fmt.Sprintf("%s %s", strings.TrimPrefix(toolName, "git_"), jsonDetail(args))
	case "claude_code":
		detail = truncate(stringArg(args, "task"), maxClaudeCodeDetail)
	case "self_edit":
		detail = selfEditDetail(toolName, args)
	case "agent_comm":
		detail = fmt.Sprintf("%s %s", agentCommVerb(toolName), stringArg(args, "target"))
	default:
		detail = stringArg(args, "detail")
	}
	return FormatAction(category, detail)
}

func agentCommVerb(toolName string) string {
	switch toolName {
	case "agent_send":
		return "send"
	case "agent_read_docs":
		return "read_docs"
	case "agent_list":
		return "list"
	default:
		return toolName
	}
}

func selfEditDetail(toolName string, args map[string]any) string {
	switch toolName {
	case "self_edit_system_prompt":
		return "system_prompt"
	case "self_edit_docs":
		return "docs " + stringArg(args, "path")
	case "self_edit_permissions":
		return "permissions " + stringArg(args, "profile")
	case "self_edit_model":
		return "model " + stringArg(args, "model")
	case "self_edit_web_search":
		if v, ok := args["enabled"]; ok {
			return fmt.Sprintf("web_search %v", v)
		}
		return "web_search"
	default:
		return strings.TrimPrefix(toolName, "self_edit_")
	}
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func jsonDetail(args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n])
}

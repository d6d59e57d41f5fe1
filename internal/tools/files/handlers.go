package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/haasonsaas/chorus/pkg/models"
)

// MaxViewBytes bounds a single view call's returned content.
const MaxViewBytes = 200_000

// errorJSON renders `{"error": "..."}`, the structured failure shape
// every file tool handler returns instead of a Go error (§7).
func errorJSON(format string, a ...any) (string, error) {
	raw, _ := json.Marshal(map[string]string{"error": fmt.Sprintf(format, a...)})
	return string(raw), nil
}

func okJSON(v map[string]any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// CreateFileTool builds the "create_file" handler, jailed to workspace.
func CreateFileTool() models.Tool {
	return models.Tool{
		Name: "create_file",
		Description: "Create or overwrite a file in the agent workspace. " +
			"Intermediate directories are created automatically.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path — relative paths resolve within workspace, absolute paths (starting with /) used as-is",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "File content (UTF-8)",
				},
			},
			"required": []any{"path", "content"},
		},
		ContextParams: []string{"workspace"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			workspace, _ := args["workspace"].(string)
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)

			resolved, err := (Resolver{Root: workspace}).Resolve(path)
			if err != nil {
				return errorJSON("%s", err.Error())
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return errorJSON("create directory: %s", err.Error())
			}
			if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
				return errorJSON("write file: %s", err.Error())
			}
			return okJSON(map[string]any{
				"path":          path,
				"bytes_written": len(content),
			})
		},
	}
}

// StrReplaceTool builds the "str_replace" handler: exactly one
// occurrence of old_str is replaced, or the call fails (§ tools).
func StrReplaceTool() models.Tool {
	return models.Tool{
		Name: "str_replace",
		Description: "Replace exactly one occurrence of a string in a file. " +
			"Fails if the string is not found or appears more than once.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path — relative paths resolve within workspace, absolute paths (starting with /) used as-is",
				},
				"old_str": map[string]any{
					"type":        "string",
					"description": "Exact string to find (must be unique)",
				},
				"new_str": map[string]any{
					"type":        "string",
					"description": "Replacement string",
				},
			},
			"required": []any{"path", "old_str", "new_str"},
		},
		ContextParams: []string{"workspace"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			workspace, _ := args["workspace"].(string)
			path, _ := args["path"].(string)
			oldStr, _ := args["old_str"].(string)
			newStr, _ := args["new_str"].(string)

			resolved, err := (Resolver{Root: workspace}).Resolve(path)
			if err != nil {
				return errorJSON("%s", err.Error())
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return errorJSON("read file: %s", err.Error())
			}
			content := string(data)
			count := strings.Count(content, oldStr)
			switch count {
			case 0:
				return errorJSON("old_str not found in %s", path)
			case 1:
				// exact match, proceed below
			default:
				return errorJSON("old_str appears %d times in %s; must be unique", count, path)
			}
			updated := strings.Replace(content, oldStr, newStr, 1)
			if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
				return errorJSON("write file: %s", err.Error())
			}
			return okJSON(map[string]any{"path": path, "replaced": true})
		},
	}
}

// ViewTool builds the "view" handler: line-numbered file contents with
// optional 1-based offset and limit.
func ViewTool() models.Tool {
	return models.Tool{
		Name: "view",
		Description: "View a file's contents with line numbers. " +
			"Supports optional offset and limit for large files.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path — relative paths resolve within workspace, absolute paths (starting with /) used as-is",
				},
				"offset": map[string]any{
					"type":        "integer",
					"description": "1-based line number to start from",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Number of lines to return",
				},
			},
			"required": []any{"path"},
		},
		ContextParams: []string{"workspace"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			workspace, _ := args["workspace"].(string)
			path, _ := args["path"].(string)
			offset := intArg(args, "offset", 1)
			if offset < 1 {
				offset = 1
			}
			limit := intArg(args, "limit", 0)

			resolved, err := (Resolver{Root: workspace}).Resolve(path)
			if err != nil {
				return errorJSON("%s", err.Error())
			}
			info, err := os.Stat(resolved)
			if err != nil {
				return errorJSON("stat file: %s", err.Error())
			}
			if info.Size() > MaxViewBytes*4 {
				return errorJSON("file %s is too large to view directly", path)
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return errorJSON("read file: %s", err.Error())
			}
			if isBinary(data) {
				return errorJSON("file %s appears to be binary", path)
			}

			lines := strings.Split(string(data), "\n")
			start := offset - 1
			if start > len(lines) {
				start = len(lines)
			}
			end := len(lines)
			if limit > 0 && start+limit < end {
				end = start + limit
			}

			var b strings.Builder
			total := 0
			for i := start; i < end; i++ {
				entry := fmt.Sprintf("%6d\t%s\n", i+1, lines[i])
				if total+len(entry) > MaxViewBytes {
					break
				}
				b.WriteString(entry)
				total += len(entry)
			}
			return okJSON(map[string]any{
				"path":        path,
				"total_lines": len(lines),
				"content":     b.String(),
			})
		},
	}
}

func intArg(args map[string]any, key string, fallback int) int {
	v, ok := args[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return fallback
}

func isBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	for _, b := range data[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}

// RegisterAll registers the default file tool set with r.
func RegisterAll(register func(models.Tool) error) error {
	for _, tool := range []models.Tool{CreateFileTool(), StrReplaceTool(), ViewTool(), PatchFileTool()} {
		if err := register(tool); err != nil {
			return err
		}
	}
	return nil
}

package files

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/haasonsaas/chorus/pkg/models"
)

// PatchFileTool builds the "patch_file" handler: applies a unified diff
// to one or more workspace files in a single call. Not present in the
// original tool set; added because a multi-hunk, multi-file patch is a
// common large-edit shape str_replace and create_file cannot express.
func PatchFileTool() models.Tool {
	return models.Tool{
		Name:        "patch_file",
		Description: "Apply a unified diff patch to one or more files in the workspace.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"patch": map[string]any{
					"type":        "string",
					"description": "Unified diff patch (---/+++ headers required)",
				},
			},
			"required": []any{"patch"},
		},
		ContextParams: []string{"workspace"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			workspace, _ := args["workspace"].(string)
			patchText, _ := args["patch"].(string)
			if strings.TrimSpace(patchText) == "" {
				return errorJSON("patch is required")
			}

			patches, err := parseUnifiedDiff(patchText)
			if err != nil {
				return errorJSON("%s", err.Error())
			}

			resolver := Resolver{Root: workspace}
			applied := make([]map[string]any, 0, len(patches))
			for _, patch := range patches {
				resolved, err := resolver.Resolve(patch.Path)
				if err != nil {
					return errorJSON("%s", err.Error())
				}
				data, err := os.ReadFile(resolved)
				if err != nil {
					return errorJSON("read file: %s", err.Error())
				}
				updated, err := applyFilePatch(string(data), patch)
				if err != nil {
					return errorJSON("apply patch to %s: %s", patch.Path, err.Error())
				}
				if err := os.WriteFile(resolved, []byte(updated.Content), 0o644); err != nil {
					return errorJSON("write file: %s", err.Error())
				}
				applied = append(applied, map[string]any{
					"path":          patch.Path,
					"hunks":         len(patch.Hunks),
					"lines_added":   updated.Added,
					"lines_removed": updated.Removed,
				})
			}
			return okJSON(map[string]any{"applied": applied})
		},
	}
}

type filePatch struct {
	Path  string
	Hunks []hunk
}

type hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []string
}

type patchResult struct {
	Content string
	Added   int
	Removed int
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

func parseUnifiedDiff(patch string) ([]filePatch, error) {
	lines := strings.Split(patch, "\n")
	var patches []filePatch
	var current *filePatch
	var currentHunk *hunk

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "diff ") || strings.HasPrefix(line, "index "):
			continue
		case strings.HasPrefix(line, "--- "):
			if i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "+++ ") {
				return nil, fmt.Errorf("invalid patch: missing +++ header")
			}
			newPath := strings.TrimSpace(strings.TrimPrefix(lines[i+1], "+++ "))
			newPath = strings.TrimPrefix(strings.TrimPrefix(newPath, "b/"), "a/")
			patches = append(patches, filePatch{Path: newPath})
			current = &patches[len(patches)-1]
			currentHunk = nil
			i++
		case strings.HasPrefix(line, "@@ "):
			if current == nil {
				return nil, fmt.Errorf("invalid patch: hunk without file header")
			}
			match := hunkHeader.FindStringSubmatch(line)
			if match == nil {
				return nil, fmt.Errorf("invalid patch: malformed hunk header")
			}
			h := hunk{
				OldStart: atoi(match[1]),
				OldLines: atoiDefault(match[2], 1),
				NewStart: atoi(match[3]),
				NewLines: atoiDefault(match[4], 1),
			}
			current.Hunks = append(current.Hunks, h)
			currentHunk = &current.Hunks[len(current.Hunks)-1]
		default:
			if currentHunk == nil || line == "" || line == "\\ No newline at end of file" {
				continue
			}
			prefix := line[:1]
			if prefix != " " && prefix != "+" && prefix != "-" {
				return nil, fmt.Errorf("invalid patch line: %s", line)
			}
			currentHunk.Lines = append(currentHunk.Lines, line)
		}
	}

	if len(patches) == 0 {
		return nil, fmt.Errorf("invalid patch: no file headers found")
	}
	return patches, nil
}

func applyFilePatch(content string, patch filePatch) (patchResult, error) {
	hadTrailing := strings.HasSuffix(content, "\n")
	trimmed := strings.TrimSuffix(content, "\n")
	var lines []string
	if trimmed != "" {
		lines = strings.Split(trimmed, "\n")
	}

	added, removed := 0, 0
	for _, h := range patch.Hunks {
		idx := h.OldStart - 1
		if idx < 0 {
			idx = 0
		}
		for _, line := range h.Lines {
			if line == "" {
				continue
			}
			prefix := line[:1]
			text := ""
			if len(line) > 1 {
				text = line[1:]
			}
			switch prefix {
			case " ":
				if idx >= len(lines) || lines[idx] != text {
					return patchResult{}, fmt.Errorf("context mismatch")
				}
				idx++
			case "-":
				if idx >= len(lines) || lines[idx] != text {
					return patchResult{}, fmt.Errorf("delete mismatch")
				}
				lines = append(lines[:idx], lines[idx+1:]...)
				removed++
			case "+":
				lines = append(lines[:idx], append([]string{text}, lines[idx:]...)...)
				idx++
				added++
			}
		}
	}

	result := strings.Join(lines, "\n")
	if hadTrailing {
		result += "\n"
	}
	return patchResult{Content: result, Added: added, Removed: removed}, nil
}

func atoi(value string) int {
	out := 0
	for _, r := range value {
		if r < '0' || r > '9' {
			return 0
		}
		out = out*10 + int(r-'0')
	}
	return out
}

func atoiDefault(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed := atoi(value)
	if parsed == 0 {
		return fallback
	}
	return parsed
}

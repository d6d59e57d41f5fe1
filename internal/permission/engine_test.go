package permission

import (
	"strings"
	"testing"

	"github.com/haasonsaas/chorus/pkg/models"
)

func TestCategoryMatchesRealToolNames(t *testing.T) {
	cases := map[string]string{
		"create_file":             "file",
		"str_replace":             "file",
		"view":                    "file",
		"patch_file":              "file",
		"bash":                    "bash",
		"git_init":                "git",
		"git_commit":              "git",
		"git_merge_request":       "git",
		"web_search":              "web_search",
		"self_edit_system_prompt": "self_edit",
		"self_edit_model":         "self_edit",
		"claude_code":             "claude_code",
		"list_models":             "info",
		"agent_send":              "agent_comm",
		"run_concurrent":          "run_concurrent",
		"run_background":          "run_background",
		"something_unlisted":      "info",
	}
	for tool, want := range cases {
		if got := Category(tool); got != want {
			t.Errorf("Category(%q) = %q, want %q", tool, got, want)
		}
	}
}

func TestBuildActionStringGit(t *testing.T) {
	action := BuildActionString("git_commit", map[string]any{"message": "wip"})
	if !strings.HasPrefix(action, "tool:git:commit ") {
		t.Fatalf("unexpected action string: %s", action)
	}
}

func TestBuildActionStringFile(t *testing.T) {
	action := BuildActionString("create_file", map[string]any{"path": "a.txt", "content": "x"})
	if action != "tool:file:a.txt" {
		t.Fatalf("unexpected action string: %s", action)
	}
}

func TestBuildActionStringSelfEdit(t *testing.T) {
	action := BuildActionString("self_edit_model", map[string]any{"model": "claude-opus"})
	if action != "tool:self_edit:model claude-opus" {
		t.Fatalf("unexpected action string: %s", action)
	}
}

func TestCheckOrderedMatch(t *testing.T) {
	profile, err := models.NewPermissionProfile("test", []string{`^tool:file:.*`}, []string{`^tool:bash:.*`})
	if err != nil {
		t.Fatalf("NewPermissionProfile: %v", err)
	}
	if Check("tool:file:a.txt", profile) != models.Allow {
		t.Fatal("expected allow")
	}
	if Check("tool:bash:ls", profile) != models.Ask {
		t.Fatal("expected ask")
	}
	if Check("tool:git:commit x", profile) != models.Deny {
		t.Fatal("expected deny")
	}
}

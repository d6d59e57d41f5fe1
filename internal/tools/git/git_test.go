package git

import (
	"context"
	"encoding/json"
	"os/exec"
	"testing"
)

func initRepo(t *testing.T, dir string) {
	t.Helper()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if err := cmd.Run(); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}
}

func TestCommitToolStagesAndCommits(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	create := CommitTool()
	writeErr := exec.Command("sh", "-c", "echo hi > "+dir+"/file.txt").Run()
	if writeErr != nil {
		t.Fatalf("seed file: %v", writeErr)
	}

	out, err := create.Handler(context.Background(), map[string]any{
		"workspace": dir,
		"message":   "initial commit",
	})
	if err != nil {
		t.Fatalf("git_commit: %v", err)
	}
	var decoded map[string]any
	if jerr := json.Unmarshal([]byte(out), &decoded); jerr != nil {
		t.Fatalf("unmarshal: %v", jerr)
	}
	if decoded["success"] != true {
		t.Fatalf("expected success, got %s", out)
	}
	if decoded["commit_hash"] == nil || decoded["commit_hash"] == "" {
		t.Fatalf("expected commit_hash to be populated, got %s", out)
	}
}

func TestBranchToolListsBranches(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	tool := BranchTool()
	out, err := tool.Handler(context.Background(), map[string]any{"workspace": dir})
	if err != nil {
		t.Fatalf("git_branch: %v", err)
	}
	var decoded map[string]any
	if jerr := json.Unmarshal([]byte(out), &decoded); jerr != nil {
		t.Fatalf("unmarshal: %v", jerr)
	}
	if decoded["operation"] != "branch" {
		t.Fatalf("unexpected operation: %s", out)
	}
}

func TestMergeRequestToolFailsWithoutOriginRemote(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)

	tool := MergeRequestTool()
	out, err := tool.Handler(context.Background(), map[string]any{
		"workspace":     dir,
		"title":         "t",
		"description":   "d",
		"source_branch": "main",
		"target_branch": "main",
	})
	if err != nil {
		t.Fatalf("git_merge_request: %v", err)
	}
	var decoded map[string]any
	if jerr := json.Unmarshal([]byte(out), &decoded); jerr != nil {
		t.Fatalf("unmarshal: %v", jerr)
	}
	if decoded["success"] != false {
		t.Fatalf("expected failure without origin remote, got %s", out)
	}
}

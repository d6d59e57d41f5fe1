package exec

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestManagerRunCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	m := NewManager()
	result, err := m.Run(context.Background(), "agent-1", dir, "echo hello", time.Second, nil, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 || result.Stdout != "hello\n" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestManagerRunTimesOut(t *testing.T) {
	dir := t.TempDir()
	m := NewManager()
	result, err := m.Run(context.Background(), "agent-1", dir, "sleep 5", 50*time.Millisecond, nil, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.TimedOut {
		t.Fatalf("expected timeout, got %+v", result)
	}
}

func TestCheckBlocklistRejectsDestructiveCommands(t *testing.T) {
	cases := []string{"rm -rf /", "dd if=/dev/zero of=/dev/sda", "mkfs.ext4 /dev/sda1"}
	for _, cmd := range cases {
		if err := CheckBlocklist(cmd); err == nil {
			t.Fatalf("expected %q to be blocked", cmd)
		}
	}
	if err := CheckBlocklist("echo hello"); err != nil {
		t.Fatalf("did not expect %q to be blocked: %v", "echo hello", err)
	}
}

func TestBashToolReturnsStructuredJSON(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager()
	tool := BashTool(manager)
	out, err := tool.Handler(context.Background(), map[string]any{
		"workspace":  dir,
		"agent_name": "agent-1",
		"command":    "echo hi",
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	var result Result
	if jerr := json.Unmarshal([]byte(out), &result); jerr != nil {
		t.Fatalf("unmarshal: %v", jerr)
	}
	if result.Stdout != "hi\n" {
		t.Fatalf("unexpected stdout: %q", result.Stdout)
	}
}

package process

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/chorus/internal/store/memstore"
	"github.com/haasonsaas/chorus/pkg/models"
)

func TestSpawnTracksProcessAndCapturesOutput(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()
	s := NewSupervisor(home, memstore.New(), false, nil)

	var lines []string
	var exited bool
	done := make(chan struct{})
	s.SetCallbacks(
		func(pid int, stderr bool, line string) { lines = append(lines, line) },
		func(ctx context.Context, pid int, exitCode *int) { exited = true; close(done) },
		nil,
	)

	workspace := t.TempDir()
	tracked, err := s.Spawn(ctx, SpawnOptions{
		Command:   "echo hello",
		Workspace: workspace,
		AgentName: "alice",
		Kind:      models.ProcessConcurrent,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if tracked.PID <= 0 {
		t.Fatalf("expected a positive PID, got %d", tracked.PID)
	}
	if tracked.Status != models.ProcessRunning {
		t.Fatalf("expected status running immediately after spawn, got %s", tracked.Status)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for process exit callback")
	}

	if !exited {
		t.Fatal("expected on_exit to fire")
	}

	got, ok := s.Get(tracked.PID)
	if !ok {
		t.Fatal("expected process to still be tracked after exit")
	}
	if got.Status != models.ProcessExited {
		t.Fatalf("expected status exited, got %s", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", got.ExitCode)
	}

	if _, err := os.Stat(filepath.Join(home, "agents", "alice", "processes")); err != nil {
		t.Fatalf("expected a process log directory under chorusHome: %v", err)
	}
}

func TestKillEscalatesToSigkillAfterGrace(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()
	s := NewSupervisor(home, memstore.New(), false, nil)

	workspace := t.TempDir()
	tracked, err := s.Spawn(ctx, SpawnOptions{
		Command:   "trap '' TERM; sleep 30",
		Workspace: workspace,
		AgentName: "bob",
		Kind:      models.ProcessBackground,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	killed, err := s.Kill(ctx, tracked.PID, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if !killed {
		t.Fatal("expected Kill to report the process was killed")
	}

	got, ok := s.Get(tracked.PID)
	if !ok {
		t.Fatal("expected process to still be tracked after kill")
	}
	if got.Status != models.ProcessKilled {
		t.Fatalf("expected status killed, got %s", got.Status)
	}
}

func TestKillReturnsFalseForUnknownPID(t *testing.T) {
	s := NewSupervisor(t.TempDir(), memstore.New(), false, nil)
	killed, err := s.Kill(context.Background(), 999999, 0)
	if err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if killed {
		t.Fatal("expected Kill to report false for an unknown PID")
	}
}

func TestListFiltersByAgent(t *testing.T) {
	ctx := context.Background()
	s := NewSupervisor(t.TempDir(), memstore.New(), false, nil)
	done := make(chan struct{}, 2)
	s.SetCallbacks(nil, func(ctx context.Context, pid int, exitCode *int) { done <- struct{}{} }, nil)

	ws := t.TempDir()
	if _, err := s.Spawn(ctx, SpawnOptions{Command: "true", Workspace: ws, AgentName: "alice", Kind: models.ProcessConcurrent}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := s.Spawn(ctx, SpawnOptions{Command: "true", Workspace: ws, AgentName: "bob", Kind: models.ProcessConcurrent}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-done
	<-done

	if got := s.List("alice"); len(got) != 1 {
		t.Fatalf("expected 1 process for alice, got %d", len(got))
	}
	if got := s.List(""); len(got) != 2 {
		t.Fatalf("expected 2 processes unfiltered, got %d", len(got))
	}
}

func TestRecoverOnStartupMarksRunningRowsLost(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	if err := st.InsertProcess(ctx, &models.TrackedProcess{PID: 123, Agent: "alice", Status: models.ProcessRunning}); err != nil {
		t.Fatalf("InsertProcess: %v", err)
	}

	s := NewSupervisor(t.TempDir(), st, false, nil)
	if err := s.RecoverOnStartup(ctx, "alice"); err != nil {
		t.Fatalf("RecoverOnStartup: %v", err)
	}

	rows, err := st.ListProcesses(ctx, "alice")
	if err != nil {
		t.Fatalf("ListProcesses: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != models.ProcessLost {
		t.Fatalf("expected the running row marked lost, got %+v", rows)
	}
}

func TestResolveWorkingDirectory(t *testing.T) {
	workspace := t.TempDir()
	sub := filepath.Join(workspace, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	resolved, err := resolveWorkingDirectory("sub", workspace, "")
	if err != nil {
		t.Fatalf("resolveWorkingDirectory: %v", err)
	}
	if resolved != sub {
		t.Fatalf("expected %q, got %q", sub, resolved)
	}

	if _, err := resolveWorkingDirectory("/etc", workspace, ""); err == nil {
		t.Fatal("expected an error for a path outside workspace and scope")
	}

	scope := t.TempDir()
	resolved, err = resolveWorkingDirectory(scope, workspace, scope)
	if err != nil {
		t.Fatalf("resolveWorkingDirectory with scope: %v", err)
	}
	if resolved != scope {
		t.Fatalf("expected %q, got %q", scope, resolved)
	}
}

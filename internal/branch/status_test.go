package branch

import (
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/chorus/pkg/models"
)

func TestBuildStatusNoActiveBranches(t *testing.T) {
	if got := BuildStatus(nil, 0); got != "No active threads." {
		t.Fatalf("expected the no-active-threads sentinel, got %q", got)
	}
}

func TestBuildStatusMarksCurrentBranch(t *testing.T) {
	b1 := models.NewBranch(1, "alice", "do a thing", true, time.Now())
	b1.Metrics.BeginStep("reading files", time.Now())
	b2 := models.NewBranch(2, "alice", "do another", false, time.Now())

	got := BuildStatus([]*models.Branch{b1, b2}, 1)
	if !strings.Contains(got, "#1 (this thread)") {
		t.Fatalf("expected current branch marker, got %q", got)
	}
	if strings.Contains(got, "#2 (this thread)") {
		t.Fatalf("expected branch 2 to be unmarked, got %q", got)
	}
}

func TestBuildStatusExcludesCompletedBranches(t *testing.T) {
	b := models.NewBranch(1, "alice", "hi", false, time.Now())
	b.Status = models.BranchCompleted

	if got := BuildStatus([]*models.Branch{b}, 1); got != "No active threads." {
		t.Fatalf("expected completed branches to be excluded, got %q", got)
	}
}

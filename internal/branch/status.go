package branch

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/chorus/pkg/models"
)

// BuildStatus formats every active branch's progress into the
// preformatted block contextassembly.Options.ThreadStatus expects,
// ported from threads.py's build_thread_status.
func BuildStatus(branches []*models.Branch, currentBranchID int) string {
	active := make([]*models.Branch, 0, len(branches))
	for _, b := range branches {
		if b.Status != models.BranchCompleted {
			active = append(active, b)
		}
	}
	if len(active) == 0 {
		return "No active threads."
	}

	var lines []string
	lines = append(lines, "Active threads:")
	for _, b := range active {
		marker := ""
		if b.ID == currentBranchID {
			marker = " (this thread)"
		}
		summary := b.Summary
		if summary == "" {
			summary = "Starting..."
		}
		elapsedSeconds := b.Metrics.WallElapsed(time.Now()).Seconds()
		lines = append(lines, fmt.Sprintf(
			"  #%d%s: %s — step %d, %.0fs elapsed, currently: %s [%s]",
			b.ID, marker, summary, b.Metrics.StepNumber, elapsedSeconds, b.Metrics.CurrentStep, b.Status,
		))
	}
	return strings.Join(lines, "\n")
}

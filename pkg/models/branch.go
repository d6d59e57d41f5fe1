package models

import (
	"context"
	"time"
)

// BranchStatus is the lifecycle state of an execution branch.
type BranchStatus string

const (
	BranchIdle              BranchStatus = "idle"
	BranchRunning           BranchStatus = "running"
	BranchWaitingPermission BranchStatus = "waiting_permission"
	BranchCompleted         BranchStatus = "completed"
)

// Step is one entry in a branch's step history. Beginning step N closes
// step N-1; Finalize closes the last open step.
type Step struct {
	N           int        `json:"n"`
	Description string     `json:"description"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`
}

// BranchMetrics tracks step progress for a single branch.
type BranchMetrics struct {
	CreatedAt   time.Time `json:"created_at"`
	StepNumber  int       `json:"step_number"`
	CurrentStep string    `json:"current_step"`
	StepHistory []Step    `json:"step_history"`
}

// NewBranchMetrics returns metrics initialized at the given time.
func NewBranchMetrics(now time.Time) *BranchMetrics {
	return &BranchMetrics{CreatedAt: now}
}

// BeginStep closes the previous open step (if any) and opens a new one.
func (m *BranchMetrics) BeginStep(description string, now time.Time) {
	m.closeLastOpen(now)
	m.StepNumber++
	m.CurrentStep = description
	m.StepHistory = append(m.StepHistory, Step{
		N:           m.StepNumber,
		Description: description,
		StartedAt:   now,
	})
}

// Finalize closes the last open step, if one is open.
func (m *BranchMetrics) Finalize(now time.Time) {
	m.closeLastOpen(now)
}

func (m *BranchMetrics) closeLastOpen(now time.Time) {
	if len(m.StepHistory) == 0 {
		return
	}
	last := &m.StepHistory[len(m.StepHistory)-1]
	if last.EndedAt != nil {
		return
	}
	ended := now
	last.EndedAt = &ended
	dur := ended.Sub(last.StartedAt).Milliseconds()
	if dur < 0 {
		dur = 0
	}
	last.DurationMs = &dur
}

// WallElapsed is the duration from creation to the given instant.
func (m *BranchMetrics) WallElapsed(now time.Time) time.Duration {
	return now.Sub(m.CreatedAt)
}

// Branch is a single concurrent reasoning execution within an agent. IDs
// are unique and monotonic per agent. At most one branch per agent may be
// the main branch at a time.
type Branch struct {
	ID             int          `json:"id"`
	Agent          string       `json:"agent"`
	InitialMessage string       `json:"initial_message"`
	Status         BranchStatus `json:"status"`
	Metrics        *BranchMetrics `json:"metrics"`
	Summary        string       `json:"summary,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	IsMain         bool         `json:"is_main"`

	// InjectChannel carries user messages to be merged into the running
	// tool loop at the next iteration boundary. Unbounded (buffered
	// generously), FIFO.
	InjectChannel chan string `json:"-"`

	// Cancel stops the branch's running task. Set by the branch
	// supervisor when the branch is started.
	Cancel context.CancelFunc `json:"-"`

	// Done is closed once the branch's task has fully returned.
	Done chan struct{} `json:"-"`
}

// NewBranch constructs an Idle branch with an open inject channel.
func NewBranch(id int, agent, initialMessage string, isMain bool, now time.Time) *Branch {
	return &Branch{
		ID:             id,
		Agent:          agent,
		InitialMessage: initialMessage,
		Status:         BranchIdle,
		Metrics:        NewBranchMetrics(now),
		IsMain:         isMain,
		InjectChannel:  make(chan string, 4096),
		Done:           make(chan struct{}),
	}
}

// DrainInjected drains all currently queued inject-channel messages
// without blocking, preserving FIFO order.
func (b *Branch) DrainInjected() []string {
	var out []string
	for {
		select {
		case msg := <-b.InjectChannel:
			out = append(out, msg)
		default:
			return out
		}
	}
}

package models

import (
	"regexp"
	"sync"
	"time"
)

// ProcessStatus is the lifecycle state of a tracked subprocess.
type ProcessStatus string

const (
	ProcessRunning ProcessStatus = "running"
	ProcessExited  ProcessStatus = "exited"
	ProcessKilled  ProcessStatus = "killed"
	ProcessLost    ProcessStatus = "lost"
)

// ProcessKind distinguishes how a process relates to the agent's
// execution: Concurrent processes run alongside a branch; Background
// processes are detached from any specific branch.
type ProcessKind string

const (
	ProcessConcurrent ProcessKind = "concurrent"
	ProcessBackground ProcessKind = "background"
)

// RollingTailSize is the fixed capacity of a TrackedProcess's rolling
// tail of recent output lines.
const RollingTailSize = 100

// RollingTail is a bounded FIFO of the most recent output lines from a
// subprocess. Safe for a single writer (the output monitor) and multiple
// readers (supervisor, hook dispatcher, UI) because readers always copy
// a snapshot via Lines rather than aliasing the backing slice.
type RollingTail struct {
	max   int
	lines []string
}

// NewRollingTail returns a tail bounded to max lines (RollingTailSize by
// default when max <= 0).
func NewRollingTail(max int) *RollingTail {
	if max <= 0 {
		max = RollingTailSize
	}
	return &RollingTail{max: max}
}

// Push appends a line, evicting the oldest line if at capacity.
func (t *RollingTail) Push(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

// Lines returns a copy of the current tail contents, oldest first.
func (t *RollingTail) Lines() []string {
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

// Last returns the most recent n lines (or fewer if the tail is shorter).
func (t *RollingTail) Last(n int) []string {
	if n <= 0 || n >= len(t.lines) {
		return t.Lines()
	}
	out := make([]string, n)
	copy(out, t.lines[len(t.lines)-n:])
	return out
}

// TrackedProcess is a subprocess spawned and monitored by the process
// supervisor. Status is monotonic; once terminal, ExitCode is fixed.
// Callbacks may be appended only while Running.
type TrackedProcess struct {
	PID               int           `json:"pid"`
	Command           string        `json:"command"`
	Cwd               string        `json:"cwd"`
	Agent             string        `json:"agent"`
	StartedAt         time.Time     `json:"started_at"`
	Kind              ProcessKind   `json:"kind"`
	Status            ProcessStatus `json:"status"`
	ExitCode          *int          `json:"exit_code,omitempty"`
	StdoutLog         string        `json:"stdout_log"`
	StderrLog         string        `json:"stderr_log"`
	RollingTail       *RollingTail  `json:"-"`
	Callbacks         []*Callback   `json:"callbacks,omitempty"`
	Context           string        `json:"context,omitempty"`
	ModelForHooks     string        `json:"model_for_hooks,omitempty"`
	HookRecursionDepth int          `json:"hook_recursion_depth"`
	SpawnedByBranch   *int          `json:"spawned_by_branch,omitempty"`
}

// CallbackAction is the effect a fired callback has on the branch system
// or process supervisor.
type CallbackAction string

const (
	ActionStopProcess    CallbackAction = "stop_process"
	ActionStopBranch     CallbackAction = "stop_branch"
	ActionInjectContext  CallbackAction = "inject_context"
	ActionSpawnBranch    CallbackAction = "spawn_branch"
	ActionNotifyChannel  CallbackAction = "notify_channel"
)

// TriggerType discriminates the Trigger tagged variant.
type TriggerType string

const (
	TriggerOnExit         TriggerType = "on_exit"
	TriggerOnOutputMatch  TriggerType = "on_output_match"
	TriggerOnTimeout      TriggerType = "on_timeout"
)

// ExitFilter narrows which exit codes satisfy an OnExit trigger.
type ExitFilter string

const (
	ExitAny     ExitFilter = "any"
	ExitSuccess ExitFilter = "success"
	ExitFailure ExitFilter = "failure"
)

// Trigger is a tagged variant describing when a callback should fire.
// CompiledPattern is populated lazily (and cached) the first time it is
// needed, mirroring the source's lazy `compiled_pattern` property.
type Trigger struct {
	Type           TriggerType
	ExitFilter     ExitFilter
	Pattern        string
	TimeoutSeconds float64

	compileOnce sync.Once
	compiled    *regexp.Regexp
	compileErr  error
}

// CompiledPattern returns a cached compiled regex for an OnOutputMatch
// trigger, compiling it on first use. Returns nil for any other trigger
// type or when Pattern is empty.
func (t *Trigger) CompiledPattern() (*regexp.Regexp, error) {
	if t.Type != TriggerOnOutputMatch || t.Pattern == "" {
		return nil, nil
	}
	t.compileOnce.Do(func() {
		t.compiled, t.compileErr = regexp.Compile(t.Pattern)
	})
	return t.compiled, t.compileErr
}

// Callback is a single (trigger, action) rule attached to a tracked
// process. Exhausted iff MaxFires > 0 and FireCount >= MaxFires;
// MaxFires == 0 means unlimited.
type Callback struct {
	Trigger            Trigger
	Action             CallbackAction
	ContextMessage     string
	OutputDelaySeconds float64
	MaxFires           int
	FireCount          int

	// NotifyChannel rate limiting (§4.9): only meaningful for
	// ActionNotifyChannel callbacks.
	MinMessageInterval float64
	LastNotifyAt       time.Time
	SkippedFires       int
}

// Exhausted reports whether this callback has fired its allotted number
// of times and will never fire again.
func (c *Callback) Exhausted() bool {
	return c.MaxFires > 0 && c.FireCount >= c.MaxFires
}

// SessionSnapshot is a persisted side artifact capturing a window of a
// branch's conversation. Snapshots do not mutate the live window.
type SessionSnapshot struct {
	ID          string    `json:"id"`
	Agent       string    `json:"agent"`
	Description string    `json:"description"`
	Summary     string    `json:"summary"`
	SavedAt     time.Time `json:"saved_at"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Messages    []Message `json:"messages"`
	Path        string    `json:"path"`
}

// SnapshotPayload is the exact JSON document written to
// <home>/sessions/<id>.json, matching the original implementation's
// save_snapshot shape field-for-field.
type SnapshotPayload struct {
	SessionID    string    `json:"session_id"`
	Timestamp    time.Time `json:"timestamp"`
	Description  string    `json:"description"`
	Summary      string    `json:"summary"`
	MessageCount int       `json:"message_count"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	Messages     []Message `json:"messages"`
}

package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/chorus/internal/callbackbuilder"
	"github.com/haasonsaas/chorus/pkg/models"
)

// DefaultMaxRecursionDepth caps how many times a SpawnBranch action may
// recurse (a hook-spawned branch whose own process hooks spawn
// branches, and so on) before the dispatcher refuses to spawn another.
const DefaultMaxRecursionDepth = 3

// DefaultSpawnConcurrency limits how many SpawnBranch actions may be
// in flight at once, so a burst of matching output can't flood the
// branch supervisor.
const DefaultSpawnConcurrency = 3

// defaultKillGrace mirrors process.DefaultSigtermGrace; duplicated
// here (rather than imported) so this package doesn't need to depend
// on internal/process's concrete type, only the ProcessSupervisor
// interface below.
const defaultKillGrace = 5 * time.Second

// ProcessSupervisor is the subset of *process.Supervisor the
// dispatcher needs: reading a tracked process's current state and
// killing it for a StopProcess action.
type ProcessSupervisor interface {
	Get(pid int) (*models.TrackedProcess, bool)
	Kill(ctx context.Context, pid int, grace time.Duration) (bool, error)
}

// BranchSpawner lets a SpawnBranch action start a new branch reacting
// to a process hook, without internal/hooks importing internal/branch.
type BranchSpawner interface {
	SpawnHookBranch(ctx context.Context, agentName, hookContext, model string, recursionDepth int) error
}

// Dispatcher evaluates a tracked process's callbacks against its
// lifecycle events (spawn, output line, exit, timeout) and dispatches
// the actions whose triggers fire. It is wired into a process
// supervisor's on_line/on_exit/on_spawn callbacks exactly as
// process.Supervisor.SetCallbacks expects.
//
// StopProcess is handled directly against the supervisor; the other
// four actions (StopBranch, InjectContext, NotifyChannel, SpawnBranch)
// are published as events on the embedded Registry instead of bespoke
// callback fields, so any subsystem — the branch supervisor, a
// channel adapter, a test probe — can subscribe without the
// dispatcher needing to know about it.
type Dispatcher struct {
	supervisor ProcessSupervisor
	registry   *Registry
	log        *slog.Logger

	branchSpawner     BranchSpawner
	maxRecursionDepth int
	spawnSem          chan struct{}

	defaultOutputDelay time.Duration

	mu       sync.Mutex
	timeouts map[int][]context.CancelFunc
}

// DispatcherOption configures optional Dispatcher collaborators.
type DispatcherOption func(*Dispatcher)

// WithBranchSpawner wires the collaborator a SpawnBranch action calls.
func WithBranchSpawner(s BranchSpawner) DispatcherOption {
	return func(d *Dispatcher) { d.branchSpawner = s }
}

// WithMaxRecursionDepth overrides DefaultMaxRecursionDepth.
func WithMaxRecursionDepth(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxRecursionDepth = n }
}

// WithDefaultOutputDelay overrides the fallback delay applied to an
// OnOutputMatch callback that doesn't specify its own.
func WithDefaultOutputDelay(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.defaultOutputDelay = d }
}

// NewDispatcher builds a Dispatcher over supervisor, publishing
// action events on registry (a fresh one is created if nil).
func NewDispatcher(supervisor ProcessSupervisor, registry *Registry, log *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if registry == nil {
		registry = NewRegistry(log)
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		supervisor:         supervisor,
		registry:           registry,
		log:                log.With("component", "process_hooks"),
		maxRecursionDepth:  DefaultMaxRecursionDepth,
		spawnSem:           make(chan struct{}, DefaultSpawnConcurrency),
		defaultOutputDelay: time.Duration(callbackbuilder.DefaultOutputDelaySeconds * float64(time.Second)),
		timeouts:           make(map[int][]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry exposes the underlying event bus so callers can subscribe
// to process.* events (e.g. a StopBranch/InjectContext handler that
// forwards to the branch supervisor).
func (d *Dispatcher) Registry() *Registry { return d.registry }

// OnSpawn is process.OnSpawnFunc: starts timeout watchers for every
// OnTimeout callback already attached at spawn time.
func (d *Dispatcher) OnSpawn(pid int) {
	tracked, ok := d.supervisor.Get(pid)
	if !ok {
		return
	}
	d.StartNewTimeoutWatchers(pid, tracked.Callbacks)
}

// StartNewTimeoutWatchers starts an OnTimeout watcher for each
// not-yet-exhausted timeout callback in callbacks. Exported so
// add_process_hooks can start watchers for hooks added to an
// already-running process, matching internal/process/tools.go's
// hookDispatcher interface.
func (d *Dispatcher) StartNewTimeoutWatchers(pid int, callbacks []*models.Callback) {
	for _, cb := range callbacks {
		if cb.Trigger.Type != models.TriggerOnTimeout || cb.Trigger.TimeoutSeconds <= 0 || cb.Exhausted() {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		d.mu.Lock()
		d.timeouts[pid] = append(d.timeouts[pid], cancel)
		d.mu.Unlock()
		go d.timeoutWatcher(ctx, pid, cb)
	}
}

func (d *Dispatcher) timeoutWatcher(ctx context.Context, pid int, cb *models.Callback) {
	timer := time.NewTimer(time.Duration(cb.Trigger.TimeoutSeconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	tracked, ok := d.supervisor.Get(pid)
	if !ok || tracked.Status != models.ProcessRunning || cb.Exhausted() {
		return
	}
	d.fireCallback(context.Background(), pid, tracked, cb, "Process timed out")
}

func (d *Dispatcher) cancelTimeouts(pid int) {
	d.mu.Lock()
	cancels := d.timeouts[pid]
	delete(d.timeouts, pid)
	d.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// OnLine is process.OnLineFunc: evaluates OnOutputMatch triggers
// against a single line of output.
func (d *Dispatcher) OnLine(pid int, stderr bool, line string) {
	tracked, ok := d.supervisor.Get(pid)
	if !ok {
		return
	}
	for _, cb := range tracked.Callbacks {
		if cb.Trigger.Type != models.TriggerOnOutputMatch || cb.Exhausted() {
			continue
		}
		pattern, err := cb.Trigger.CompiledPattern()
		if err != nil || pattern == nil || !pattern.MatchString(line) {
			continue
		}

		delay := cb.OutputDelaySeconds
		if delay <= 0 {
			delay = d.defaultOutputDelay.Seconds()
		}
		if delay > 0 {
			go d.delayedFire(pid, cb, line, time.Duration(delay*float64(time.Second)))
		} else {
			d.fireCallback(context.Background(), pid, tracked, cb, "Output matched: "+line)
		}
	}
}

func (d *Dispatcher) delayedFire(pid int, cb *models.Callback, triggerLine string, delay time.Duration) {
	time.Sleep(delay)
	tracked, ok := d.supervisor.Get(pid)
	if !ok {
		return
	}
	recent := strings.Join(tracked.RollingTail.Last(20), "\n")
	msg := fmt.Sprintf("Output matched pattern: %s\nRecent output after delay:\n%s", triggerLine, recent)
	d.fireCallback(context.Background(), pid, tracked, cb, msg)
}

// OnExit is process.OnExitFunc: evaluates OnExit triggers and cancels
// any still-pending timeout watchers for pid.
func (d *Dispatcher) OnExit(ctx context.Context, pid int, exitCode *int) {
	d.cancelTimeouts(pid)

	tracked, ok := d.supervisor.Get(pid)
	if !ok {
		return
	}
	for _, cb := range tracked.Callbacks {
		if cb.Trigger.Type != models.TriggerOnExit || cb.Exhausted() {
			continue
		}
		switch cb.Trigger.ExitFilter {
		case models.ExitSuccess:
			if exitCode == nil || *exitCode != 0 {
				continue
			}
		case models.ExitFailure:
			if exitCode != nil && *exitCode == 0 {
				continue
			}
		}

		code := "unknown"
		if exitCode != nil {
			code = fmt.Sprintf("%d", *exitCode)
		}
		msg := fmt.Sprintf("Process exited with code %s. Command: %s", code, tracked.Command)
		d.fireCallback(ctx, pid, tracked, cb, msg)
	}
}

// fireCallback increments the callback's fire count and dispatches its
// action. NotifyChannel fires are rate-limited by MinMessageInterval;
// a rate-limited fire increments SkippedFires instead of FireCount and
// dispatches nothing.
func (d *Dispatcher) fireCallback(ctx context.Context, pid int, tracked *models.TrackedProcess, cb *models.Callback, extra string) {
	d.mu.Lock()
	if cb.Action == models.ActionNotifyChannel && cb.MinMessageInterval > 0 && !cb.LastNotifyAt.IsZero() {
		if time.Since(cb.LastNotifyAt) < time.Duration(cb.MinMessageInterval*float64(time.Second)) {
			cb.SkippedFires++
			d.mu.Unlock()
			return
		}
	}

	cb.FireCount++
	full := cb.ContextMessage
	switch {
	case full != "" && extra != "":
		full = full + "\n\n" + extra
	case extra != "":
		full = extra
	}
	if cb.Action == models.ActionNotifyChannel {
		if cb.SkippedFires > 0 {
			full = fmt.Sprintf("%s\n\n(%d notification(s) suppressed)", full, cb.SkippedFires)
			cb.SkippedFires = 0
		}
		cb.LastNotifyAt = time.Now()
	}
	d.mu.Unlock()

	d.log.Info("firing process callback",
		"action", cb.Action, "pid", pid, "fire_count", cb.FireCount, "max_fires", cb.MaxFires)

	switch cb.Action {
	case models.ActionStopProcess:
		if _, err := d.supervisor.Kill(ctx, pid, defaultKillGrace); err != nil {
			d.log.Warn("stop_process action failed", "pid", pid, "error", err)
		}

	case models.ActionStopBranch:
		if tracked.SpawnedByBranch == nil {
			return
		}
		d.publish(ctx, EventProcessStopBranch, pid, tracked, full)

	case models.ActionInjectContext:
		if tracked.SpawnedByBranch == nil {
			return
		}
		d.publish(ctx, EventProcessInjectContext, pid, tracked, full)

	case models.ActionNotifyChannel:
		d.publish(ctx, EventProcessNotifyChannel, pid, tracked, full)

	case models.ActionSpawnBranch:
		d.spawnBranch(ctx, pid, tracked, full)
	}
}

func (d *Dispatcher) publish(ctx context.Context, eventType EventType, pid int, tracked *models.TrackedProcess, message string) {
	key := string(eventType)
	if d.registry.HandlerCount(key) == 0 {
		d.log.Debug("no subscriber for process hook action", "event", key, "pid", pid)
		return
	}
	event := NewEvent(eventType, "").
		WithSession(tracked.Agent).
		WithContext("pid", pid).
		WithContext("tracked", tracked).
		WithContext("message", message)
	if tracked.SpawnedByBranch != nil {
		event.WithContext("branch_id", *tracked.SpawnedByBranch)
	}
	if err := d.registry.Trigger(ctx, event); err != nil {
		d.log.Warn("process hook subscriber returned an error", "event", key, "pid", pid, "error", err)
	}
}

func (d *Dispatcher) spawnBranch(ctx context.Context, pid int, tracked *models.TrackedProcess, full string) {
	if tracked.HookRecursionDepth >= d.maxRecursionDepth {
		d.log.Warn("hook recursion depth exceeded", "pid", pid, "depth", tracked.HookRecursionDepth)
		return
	}
	if d.branchSpawner == nil {
		d.log.Warn("no branch spawner configured for spawn_branch action", "pid", pid)
		return
	}

	d.spawnSem <- struct{}{}
	defer func() { <-d.spawnSem }()

	recent := strings.Join(tracked.RollingTail.Last(30), "\n")
	if recent == "" {
		recent = "(no output)"
	}
	status := string(tracked.Status)
	if tracked.ExitCode != nil {
		status = fmt.Sprintf("%s (exit %d)", status, *tracked.ExitCode)
	}
	hookContext := fmt.Sprintf(
		"A process hook was triggered.\n\n**Process:** PID %d\n**Command:** `%s`\n**Status:** %s\n"+
			"**Trigger context:** %s\n\n**Recent output:**\n```\n%s\n```\n\nRespond to this event as instructed.",
		pid, tracked.Command, status, full, recent,
	)

	if err := d.branchSpawner.SpawnHookBranch(ctx, tracked.Agent, hookContext, tracked.ModelForHooks, tracked.HookRecursionDepth+1); err != nil {
		d.log.Warn("spawn_branch action failed", "pid", pid, "error", err)
	}
	d.publish(ctx, EventProcessSpawnBranch, pid, tracked, hookContext)
}

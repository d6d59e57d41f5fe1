package hooks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/chorus/pkg/models"
)

type fakeSupervisor struct {
	mu        sync.Mutex
	processes map[int]*models.TrackedProcess
	killed    []int
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{processes: make(map[int]*models.TrackedProcess)}
}

func (f *fakeSupervisor) put(tracked *models.TrackedProcess) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processes[tracked.PID] = tracked
}

func (f *fakeSupervisor) Get(pid int) (*models.TrackedProcess, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.processes[pid]
	return t, ok
}

func (f *fakeSupervisor) Kill(ctx context.Context, pid int, grace time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	if t, ok := f.processes[pid]; ok {
		t.Status = models.ProcessKilled
	}
	return true, nil
}

func makeTracked(pid int, callbacks ...*models.Callback) *models.TrackedProcess {
	return &models.TrackedProcess{
		PID:         pid,
		Command:     "run.sh",
		Agent:       "alice",
		Status:      models.ProcessRunning,
		Callbacks:   callbacks,
		RollingTail: models.NewRollingTail(0),
	}
}

func TestOnExitFiresMatchingCallbackAndStopsProcess(t *testing.T) {
	sup := newFakeSupervisor()
	cb := &models.Callback{
		Trigger: models.Trigger{Type: models.TriggerOnExit, ExitFilter: models.ExitFailure},
		Action:  models.ActionStopProcess,
		MaxFires: 1,
	}
	tracked := makeTracked(1, cb)
	sup.put(tracked)

	d := NewDispatcher(sup, nil, nil)
	code := 1
	d.OnExit(context.Background(), 1, &code)

	if cb.FireCount != 1 {
		t.Fatalf("expected fire count 1, got %d", cb.FireCount)
	}
	if len(sup.killed) != 1 || sup.killed[0] != 1 {
		t.Fatalf("expected supervisor.Kill(1, ...) to be called, got %v", sup.killed)
	}
}

func TestOnExitSkipsFilteredExitCode(t *testing.T) {
	sup := newFakeSupervisor()
	cb := &models.Callback{
		Trigger: models.Trigger{Type: models.TriggerOnExit, ExitFilter: models.ExitFailure},
		Action:  models.ActionStopProcess,
		MaxFires: 1,
	}
	tracked := makeTracked(2, cb)
	sup.put(tracked)

	d := NewDispatcher(sup, nil, nil)
	code := 0
	d.OnExit(context.Background(), 2, &code)

	if cb.FireCount != 0 {
		t.Fatalf("expected the failure-only callback to skip a success exit, got fire count %d", cb.FireCount)
	}
	if len(sup.killed) != 0 {
		t.Fatal("expected supervisor.Kill not to be called")
	}
}

func TestOnLineMatchesPatternAndFiresImmediatelyWithoutDelay(t *testing.T) {
	sup := newFakeSupervisor()
	cb := &models.Callback{
		Trigger:            models.Trigger{Type: models.TriggerOnOutputMatch, Pattern: "ERROR"},
		Action:             models.ActionNotifyChannel,
		OutputDelaySeconds: -1, // forces delay <= 0 -> fall back to 0 default in this test
		MaxFires:           0,
	}
	tracked := makeTracked(3, cb)
	sup.put(tracked)

	events := make(chan *Event, 1)
	registry := NewRegistry(nil)
	registry.Register(string(EventProcessNotifyChannel), func(ctx context.Context, e *Event) error {
		events <- e
		return nil
	})

	d := NewDispatcher(sup, registry, nil, WithDefaultOutputDelay(0))
	d.OnLine(3, false, "ERROR: disk full")

	select {
	case e := <-events:
		if e.Context["pid"].(int) != 3 {
			t.Fatalf("expected event pid 3, got %v", e.Context["pid"])
		}
	case <-time.After(time.Second):
		t.Fatal("expected notify_channel event to publish")
	}
	if cb.FireCount != 1 {
		t.Fatalf("expected fire count 1, got %d", cb.FireCount)
	}
}

func TestFireCallbackRateLimitsNotifyChannel(t *testing.T) {
	sup := newFakeSupervisor()
	cb := &models.Callback{
		Action:             models.ActionNotifyChannel,
		MinMessageInterval: 60,
	}
	tracked := makeTracked(4, cb)
	sup.put(tracked)

	registry := NewRegistry(nil)
	fired := 0
	registry.Register(string(EventProcessNotifyChannel), func(ctx context.Context, e *Event) error {
		fired++
		return nil
	})
	d := NewDispatcher(sup, registry, nil)

	for i := 0; i < 5; i++ {
		d.fireCallback(context.Background(), 4, tracked, cb, "boom")
	}

	if cb.FireCount != 1 {
		t.Fatalf("expected only the first fire to go through, got fire count %d", cb.FireCount)
	}
	if fired != 1 {
		t.Fatalf("expected only 1 published event, got %d", fired)
	}
	if cb.SkippedFires != 4 {
		t.Fatalf("expected 4 skipped fires, got %d", cb.SkippedFires)
	}

	cb.LastNotifyAt = time.Now().Add(-time.Hour)
	d.fireCallback(context.Background(), 4, tracked, cb, "boom again")
	if cb.FireCount != 2 {
		t.Fatalf("expected a second fire after cooldown, got fire count %d", cb.FireCount)
	}
	if cb.SkippedFires != 0 {
		t.Fatalf("expected skipped fires to reset after a successful fire, got %d", cb.SkippedFires)
	}
}

func TestSpawnBranchRespectsRecursionDepth(t *testing.T) {
	sup := newFakeSupervisor()
	cb := &models.Callback{Action: models.ActionSpawnBranch}
	tracked := makeTracked(5, cb)
	tracked.HookRecursionDepth = DefaultMaxRecursionDepth
	sup.put(tracked)

	spawned := 0
	spawner := spawnerFunc(func(ctx context.Context, agentName, hookContext, model string, depth int) error {
		spawned++
		return nil
	})

	d := NewDispatcher(sup, nil, nil, WithBranchSpawner(spawner))
	d.fireCallback(context.Background(), 5, tracked, cb, "matched")

	if spawned != 0 {
		t.Fatalf("expected recursion cap to block the spawn, got %d spawns", spawned)
	}
}

type spawnerFunc func(ctx context.Context, agentName, hookContext, model string, recursionDepth int) error

func (f spawnerFunc) SpawnHookBranch(ctx context.Context, agentName, hookContext, model string, recursionDepth int) error {
	return f(ctx, agentName, hookContext, model, recursionDepth)
}

func TestStartNewTimeoutWatchersFiresAfterDuration(t *testing.T) {
	sup := newFakeSupervisor()
	cb := &models.Callback{
		Trigger:  models.Trigger{Type: models.TriggerOnTimeout, TimeoutSeconds: 0.02},
		Action:   models.ActionStopProcess,
		MaxFires: 1,
	}
	tracked := makeTracked(6, cb)
	sup.put(tracked)

	d := NewDispatcher(sup, nil, nil)
	d.StartNewTimeoutWatchers(6, tracked.Callbacks)

	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the timeout watcher to fire")
		default:
		}
		if cb.FireCount == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOnExitCancelsPendingTimeoutWatcher(t *testing.T) {
	sup := newFakeSupervisor()
	cb := &models.Callback{
		Trigger:  models.Trigger{Type: models.TriggerOnTimeout, TimeoutSeconds: 0.05},
		Action:   models.ActionStopProcess,
		MaxFires: 1,
	}
	tracked := makeTracked(7, cb)
	sup.put(tracked)

	d := NewDispatcher(sup, nil, nil)
	d.StartNewTimeoutWatchers(7, tracked.Callbacks)
	d.OnExit(context.Background(), 7, nil)

	time.Sleep(100 * time.Millisecond)
	if cb.FireCount != 0 {
		t.Fatalf("expected the timeout watcher to be cancelled by exit, got fire count %d", cb.FireCount)
	}
}

// Package branch implements the per-agent branch supervisor (§4.6):
// concurrent execution branches, their metrics and step history, the
// inject channel that feeds running branches out-of-band messages,
// main-branch selection, and cross-branch file locking.
//
// Grounded on original_source/src/chorus/agent/threads.py, which calls
// this concept a "thread" (ExecutionThread/ThreadManager) rather than a
// branch — renamed here to match pkg/models.Branch and the rest of the
// spec's terminology.
package branch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/chorus/internal/store"
	"github.com/haasonsaas/chorus/pkg/models"
)

// ErrBranchNotFound is returned by operations addressing a branch id
// that the supervisor has never created or has already forgotten.
var ErrBranchNotFound = errors.New("branch: not found")

// DefaultCleanupAfter mirrors ThreadManager's cleanup_after_seconds
// default (600s / 10 minutes).
const DefaultCleanupAfter = 10 * time.Minute

// Runner is the function a started branch executes — almost always a
// thin wrapper around toolloop.Run. It must return once ctx is
// cancelled; Kill relies on cooperative cancellation, not forcible
// goroutine termination (Go has no asyncio.Task.cancel() equivalent).
type Runner func(ctx context.Context, b *models.Branch) error

// Supervisor owns every branch for a single agent: creation, starting
// the runner, routing outbound-message replies back to their branch,
// main-branch bookkeeping, and per-path file locks shared across the
// agent's branches.
type Supervisor struct {
	agent          string
	st             store.Store
	cleanupAfter   time.Duration

	mu             sync.Mutex
	branches       map[int]*models.Branch
	externalToID   map[string]int
	nextID         int
	mainID         *int

	locksMu sync.Mutex
	locks   map[string]chan struct{}
	holders map[int]map[string]bool // branchID -> set of paths it holds
}

// NewSupervisor returns an empty Supervisor for agent, persisting
// branch steps through st (may be nil in tests that don't care about
// persistence).
func NewSupervisor(agent string, st store.Store) *Supervisor {
	return &Supervisor{
		agent:        agent,
		st:           st,
		cleanupAfter: DefaultCleanupAfter,
		branches:     make(map[int]*models.Branch),
		externalToID: make(map[string]int),
		nextID:       1,
		locks:        make(map[string]chan struct{}),
		holders:      make(map[int]map[string]bool),
	}
}

// SetCleanupAfter overrides DefaultCleanupAfter.
func (s *Supervisor) SetCleanupAfter(d time.Duration) { s.cleanupAfter = d }

// Create allocates a new Idle branch with initialMessage as its seed
// message, optionally flagged as the agent's main branch (callers are
// responsible for calling SetMain separately — Create only constructs
// and registers the branch).
func (s *Supervisor) Create(initialMessage string, isMain bool) *models.Branch {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := models.NewBranch(s.nextID, s.agent, initialMessage, isMain, time.Now())
	s.branches[b.ID] = b
	s.nextID++
	return b
}

// Start runs runner(ctx, b) in its own goroutine, wiring b.Cancel so
// Kill can request cooperative cancellation and closing b.Done once
// the runner returns — mirroring ThreadManager.start_thread's
// wrapping: catch whatever the runner returns, always transition to
// Completed, finalize metrics, and release any file locks the branch
// still holds.
func (s *Supervisor) Start(parent context.Context, b *models.Branch, runner Runner) {
	ctx, cancel := context.WithCancel(parent)
	b.Cancel = cancel
	b.Status = models.BranchRunning

	go func() {
		defer close(b.Done)
		defer func() {
			now := time.Now()
			b.Status = models.BranchCompleted
			b.CompletedAt = &now
			b.Metrics.Finalize(now)
			s.ReleaseAllForBranch(b.ID)
		}()
		defer func() {
			if p := recover(); p != nil {
				_ = p // the branch is still marked Completed by the outer defer
			}
		}()

		if err := runner(ctx, b); err != nil && ctx.Err() == nil {
			// A real failure, not cancellation — the original logs and
			// swallows it the same way (thread.status is always set to
			// COMPLETED regardless of how the runner ended).
			_ = err
		}
	}()
}

// Kill cancels branch id's context and blocks until its goroutine has
// fully returned. Killing an unknown or already-terminal branch is a
// no-op that reports false.
func (s *Supervisor) Kill(id int) bool {
	s.mu.Lock()
	b, ok := s.branches[id]
	s.mu.Unlock()
	if !ok || b.Status == models.BranchCompleted {
		return false
	}
	if b.Cancel != nil {
		b.Cancel()
	}
	<-b.Done
	return true
}

// KillAll kills every non-terminal branch and returns how many were
// killed.
func (s *Supervisor) KillAll() int {
	s.mu.Lock()
	ids := make([]int, 0, len(s.branches))
	for id, b := range s.branches {
		if b.Status != models.BranchCompleted {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	killed := 0
	for _, id := range ids {
		if s.Kill(id) {
			killed++
		}
	}
	return killed
}

// Route looks up which branch produced a given outbound message, so a
// reply on that thread is merged back into the right branch.
func (s *Supervisor) Route(externalID string) (*models.Branch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.externalToID[externalID]
	if !ok {
		return nil, false
	}
	b, ok := s.branches[id]
	return b, ok
}

// RegisterExternal binds an outbound message id to a branch, for
// later Route lookups.
func (s *Supervisor) RegisterExternal(externalID string, branchID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.externalToID[externalID] = branchID
}

// Get returns a branch by id.
func (s *Supervisor) Get(id int) (*models.Branch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[id]
	return b, ok
}

// ListActive returns every non-terminal branch.
func (s *Supervisor) ListActive() []*models.Branch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Branch, 0, len(s.branches))
	for _, b := range s.branches {
		if b.Status != models.BranchCompleted {
			out = append(out, b)
		}
	}
	return out
}

// ListAll returns every branch, including completed ones.
func (s *Supervisor) ListAll() []*models.Branch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Branch, 0, len(s.branches))
	for _, b := range s.branches {
		out = append(out, b)
	}
	return out
}

// CleanupCompleted removes terminal branches whose CompletedAt is
// older than the cleanup window.
func (s *Supervisor) CleanupCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, b := range s.branches {
		if b.Status != models.BranchCompleted || b.CompletedAt == nil {
			continue
		}
		if now.Sub(*b.CompletedAt) > s.cleanupAfter {
			delete(s.branches, id)
			if s.mainID != nil && *s.mainID == id {
				s.mainID = nil
			}
		}
	}
}

// SetMain designates branch id as the agent's main branch. At most one
// branch may be main at a time; setting an unknown id is a usage
// error.
func (s *Supervisor) SetMain(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[id]
	if !ok {
		return fmt.Errorf("%w: branch %d", ErrBranchNotFound, id)
	}
	if s.mainID != nil {
		if prev, ok := s.branches[*s.mainID]; ok {
			prev.IsMain = false
		}
	}
	b.IsMain = true
	s.mainID = &id
	return nil
}

// GetMain returns the agent's current main branch, if one is set.
func (s *Supervisor) GetMain() (*models.Branch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mainID == nil {
		return nil, false
	}
	b, ok := s.branches[*s.mainID]
	return b, ok
}

// BreakMain clears the main-branch designation without affecting the
// branch's running state.
func (s *Supervisor) BreakMain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mainID != nil {
		if b, ok := s.branches[*s.mainID]; ok {
			b.IsMain = false
		}
	}
	s.mainID = nil
}

// PersistStep records a step in both the branch's in-memory metrics
// and, when a store is configured, durably for audit/replay.
func (s *Supervisor) PersistStep(ctx context.Context, b *models.Branch, description string) {
	b.Metrics.BeginStep(description, time.Now())
	if s.st == nil {
		return
	}
	last := b.Metrics.StepHistory[len(b.Metrics.StepHistory)-1]
	_ = s.st.PersistBranchStep(ctx, s.agent, b.ID, last)
}

// ── File locking (per-agent, per-path, shared across the agent's branches) ──

func (s *Supervisor) getLock(path string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[path]
	if !ok {
		lock = make(chan struct{}, 1)
		lock <- struct{}{}
		s.locks[path] = lock
	}
	return lock
}

// Acquire attempts to lock path on behalf of branchID, waiting up to
// timeout. Returns false on timeout. A successful acquire is tracked
// against branchID so ReleaseAllForBranch can release it later even if
// the branch never calls Release itself.
func (s *Supervisor) Acquire(branchID int, path string, timeout time.Duration) bool {
	lock := s.getLock(path)
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-lock:
		s.locksMu.Lock()
		if s.holders[branchID] == nil {
			s.holders[branchID] = make(map[string]bool)
		}
		s.holders[branchID][path] = true
		s.locksMu.Unlock()
		return true
	case <-timeoutCh:
		return false
	}
}

// Release unlocks path. Safe to call on a path that isn't currently
// locked (a no-op).
func (s *Supervisor) Release(path string) {
	s.locksMu.Lock()
	lock, ok := s.locks[path]
	if ok {
		for branchID, paths := range s.holders {
			delete(paths, path)
			if len(paths) == 0 {
				delete(s.holders, branchID)
			}
		}
	}
	s.locksMu.Unlock()
	if !ok {
		return
	}
	select {
	case lock <- struct{}{}:
	default:
	}
}

// IsLocked reports whether path is currently held.
func (s *Supervisor) IsLocked(path string) bool {
	s.locksMu.Lock()
	lock, ok := s.locks[path]
	s.locksMu.Unlock()
	if !ok {
		return false
	}
	return len(lock) == 0
}

// ReleaseAllForBranch releases every path branchID currently holds —
// called automatically when a branch's goroutine finishes (Start's
// deferred cleanup), and directly by Kill's callers if needed.
func (s *Supervisor) ReleaseAllForBranch(branchID int) {
	s.locksMu.Lock()
	paths := s.holders[branchID]
	delete(s.holders, branchID)
	s.locksMu.Unlock()

	for path := range paths {
		s.locksMu.Lock()
		lock, ok := s.locks[path]
		s.locksMu.Unlock()
		if !ok {
			continue
		}
		select {
		case lock <- struct{}{}:
		default:
		}
	}
}

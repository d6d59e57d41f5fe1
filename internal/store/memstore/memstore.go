// Package memstore is an in-memory Store (§6) for tests and for running
// a single agent without a durable backend. It never touches disk; a
// process restart loses everything.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/chorus/internal/store"
	"github.com/haasonsaas/chorus/pkg/models"
)

// Store is a mutex-guarded, map-backed store.Store implementation.
type Store struct {
	mu sync.Mutex

	agents        map[string]*models.Agent
	messages      map[string][]models.Message
	lastClear     map[string]time.Time
	sessions      map[string]map[string]models.SessionSnapshot
	processes     map[int]*models.TrackedProcess
	processAgents map[string][]int
	branchSteps   map[string][]models.Step
	selfEdits     []selfEditEntry
}

type selfEditEntry struct {
	Agent, Field, OldValue, NewValue string
	At                               time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		agents:        make(map[string]*models.Agent),
		messages:      make(map[string][]models.Message),
		lastClear:     make(map[string]time.Time),
		sessions:      make(map[string]map[string]models.SessionSnapshot),
		processes:     make(map[int]*models.TrackedProcess),
		processAgents: make(map[string][]int),
		branchSteps:   make(map[string][]models.Step),
	}
}

func (s *Store) RegisterAgent(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *agent
	s.agents[agent.Name] = &cp
	return nil
}

func (s *Store) PersistMessage(_ context.Context, agent string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[agent] = append(s.messages[agent], msg)
	return nil
}

func (s *Store) GetMessagesSince(_ context.Context, agent string, since time.Time, branchID *int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Message
	for _, m := range s.messages[agent] {
		if m.CreatedAt.Before(since) {
			continue
		}
		if branchID != nil && (m.BranchID == nil || *m.BranchID != *branchID) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) GetLastClearTime(_ context.Context, agent string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastClear[agent], nil
}

func (s *Store) SetLastClearTime(_ context.Context, agent string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastClear[agent] = at
	return nil
}

func (s *Store) SaveSession(_ context.Context, snapshot models.SessionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[snapshot.Agent] == nil {
		s.sessions[snapshot.Agent] = make(map[string]models.SessionSnapshot)
	}
	s.sessions[snapshot.Agent][snapshot.ID] = snapshot
	return nil
}

func (s *Store) ListSessions(_ context.Context, agent string) ([]models.SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SessionSnapshot, 0, len(s.sessions[agent]))
	for _, snap := range s.sessions[agent] {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out, nil
}

func (s *Store) GetSession(_ context.Context, agent, id string) (*models.SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.sessions[agent][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &snap, nil
}

func (s *Store) InsertProcess(_ context.Context, proc *models.TrackedProcess) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *proc
	s.processes[proc.PID] = &cp
	s.processAgents[proc.Agent] = append(s.processAgents[proc.Agent], proc.PID)
	return nil
}

func (s *Store) UpdateProcessStatus(_ context.Context, pid int, status models.ProcessStatus, exitCode *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.processes[pid]
	if !ok {
		return store.ErrNotFound
	}
	proc.Status = status
	proc.ExitCode = exitCode
	return nil
}

func (s *Store) UpdateProcessCallbacks(_ context.Context, pid int, callbacks []*models.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.processes[pid]
	if !ok {
		return store.ErrNotFound
	}
	proc.Callbacks = callbacks
	return nil
}

func (s *Store) ListProcesses(_ context.Context, agent string) ([]*models.TrackedProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.TrackedProcess, 0, len(s.processAgents[agent]))
	for _, pid := range s.processAgents[agent] {
		if proc, ok := s.processes[pid]; ok {
			cp := *proc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) PersistBranchStep(_ context.Context, agent string, branchID int, step models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := branchStepKey(agent, branchID)
	s.branchSteps[key] = append(s.branchSteps[key], step)
	return nil
}

func (s *Store) LogSelfEdit(_ context.Context, agent, field, oldValue, newValue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selfEdits = append(s.selfEdits, selfEditEntry{Agent: agent, Field: field, OldValue: oldValue, NewValue: newValue, At: time.Now()})
	return nil
}

func (s *Store) UpdateAgentField(_ context.Context, agent, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agent]
	if !ok {
		return store.ErrNotFound
	}
	switch field {
	case "system_prompt":
		a.SystemPrompt = value
	case "model":
		a.Model = value
	case "permissions_profile":
		a.PermissionsProfile = value
	}
	return nil
}

func branchStepKey(agent string, branchID int) string {
	return agent + ":" + itoa(branchID)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

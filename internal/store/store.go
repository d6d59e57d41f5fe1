// Package store defines the durable-state boundary (§6): everything an
// agent's runtime needs to persist across restarts — conversation
// history, session snapshots, tracked processes, branch steps, and the
// agent's own mutable fields — behind one interface so the rest of the
// runtime (context assembly, the process supervisor, the branch
// supervisor, the self-edit tools) never touches a SQL statement or a
// file path directly.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/chorus/pkg/models"
)

// ErrNotFound is returned when a lookup (session, process, agent) finds
// nothing with the given identifier.
var ErrNotFound = errors.New("store: not found")

// Store is the durable-state contract every component above the
// persistence layer depends on (§6). Every method takes a context so a
// slow disk or a locked SQLite file doesn't hang the caller indefinitely.
type Store interface {
	// RegisterAgent upserts an agent's profile (creating its on-disk
	// layout the first time it is seen).
	RegisterAgent(ctx context.Context, agent *models.Agent) error

	// PersistMessage appends one conversation message for agent to the
	// durable log.
	PersistMessage(ctx context.Context, agent string, msg models.Message) error

	// GetMessagesSince returns agent's messages with CreatedAt >= since,
	// optionally narrowed to one branch.
	GetMessagesSince(ctx context.Context, agent string, since time.Time, branchID *int) ([]models.Message, error)

	// GetLastClearTime returns the last time agent's rolling window was
	// explicitly cleared, or the zero time if it never was.
	GetLastClearTime(ctx context.Context, agent string) (time.Time, error)

	// SetLastClearTime records a new clear boundary for agent.
	SetLastClearTime(ctx context.Context, agent string, at time.Time) error

	// SaveSession persists a session snapshot, both in the durable store
	// and as the <home>/sessions/<id>.json side artifact (§6).
	SaveSession(ctx context.Context, snapshot models.SessionSnapshot) error

	// ListSessions returns agent's saved session snapshots, most recent
	// first.
	ListSessions(ctx context.Context, agent string) ([]models.SessionSnapshot, error)

	// GetSession returns one session snapshot by id, or ErrNotFound.
	GetSession(ctx context.Context, agent, id string) (*models.SessionSnapshot, error)

	// InsertProcess records a newly spawned process.
	InsertProcess(ctx context.Context, proc *models.TrackedProcess) error

	// UpdateProcessStatus transitions a tracked process to a terminal or
	// updated status, recording its exit code when present.
	UpdateProcessStatus(ctx context.Context, pid int, status models.ProcessStatus, exitCode *int) error

	// UpdateProcessCallbacks persists the current callback list for pid
	// (fire counts, notify-rate-limit state) after a dispatch.
	UpdateProcessCallbacks(ctx context.Context, pid int, callbacks []*models.Callback) error

	// ListProcesses returns every process ever tracked for agent, used by
	// recover_on_startup to find rows left Running by a prior crash.
	ListProcesses(ctx context.Context, agent string) ([]*models.TrackedProcess, error)

	// PersistBranchStep records one branch metrics step for audit/replay.
	PersistBranchStep(ctx context.Context, agent string, branchID int, step models.Step) error

	// LogSelfEdit records a self_edit_* tool call's before/after value for
	// audit.
	LogSelfEdit(ctx context.Context, agent, field, oldValue, newValue string) error

	// UpdateAgentField persists a single mutable agent field (system
	// prompt, model, permissions profile, ...) by name.
	UpdateAgentField(ctx context.Context, agent, field, value string) error
}

// Package sqlitestore is the durable store.Store implementation (§6),
// backed by a single SQLite file via the pure-Go modernc.org/sqlite
// driver — the same database/sql + blank-import idiom the channel
// adapters use for their own local databases.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/haasonsaas/chorus/internal/store"
	"github.com/haasonsaas/chorus/pkg/models"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	name TEXT PRIMARY KEY,
	channel_id TEXT,
	model TEXT,
	system_prompt TEXT,
	permissions_profile TEXT,
	web_search_enabled INTEGER,
	docs_dir TEXT
);

CREATE TABLE IF NOT EXISTS messages (
	rowid INTEGER PRIMARY KEY AUTOINCREMENT,
	agent TEXT NOT NULL,
	branch_id INTEGER,
	created_at DATETIME NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_agent_created ON messages(agent, created_at);

CREATE TABLE IF NOT EXISTS agent_clear_times (
	agent TEXT PRIMARY KEY,
	cleared_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	agent TEXT NOT NULL,
	id TEXT NOT NULL,
	saved_at DATETIME NOT NULL,
	path TEXT NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (agent, id)
);

CREATE TABLE IF NOT EXISTS processes (
	pid INTEGER PRIMARY KEY,
	agent TEXT NOT NULL,
	status TEXT NOT NULL,
	exit_code INTEGER,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS branch_steps (
	rowid INTEGER PRIMARY KEY AUTOINCREMENT,
	agent TEXT NOT NULL,
	branch_id INTEGER NOT NULL,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS self_edit_log (
	rowid INTEGER PRIMARY KEY AUTOINCREMENT,
	agent TEXT NOT NULL,
	field TEXT NOT NULL,
	old_value TEXT,
	new_value TEXT,
	at DATETIME NOT NULL
);
`

// Store is a SQLite-backed store.Store. Session snapshots are also
// written to <chorusHome>/sessions/<id>.json as a side artifact,
// matching the original implementation's save_snapshot layout.
type Store struct {
	db         *sql.DB
	chorusHome string
	log        *slog.Logger
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema. chorusHome is the root directory whose sessions/
// subdirectory receives the session snapshot JSON files.
func Open(ctx context.Context, path, chorusHome string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlitestore: create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}

	return &Store{db: db, chorusHome: chorusHome, log: log}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) RegisterAgent(ctx context.Context, agent *models.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (name, channel_id, model, system_prompt, permissions_profile, web_search_enabled, docs_dir)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			channel_id=excluded.channel_id, model=excluded.model, system_prompt=excluded.system_prompt,
			permissions_profile=excluded.permissions_profile, web_search_enabled=excluded.web_search_enabled,
			docs_dir=excluded.docs_dir`,
		agent.Name, agent.ChannelID, agent.Model, agent.SystemPrompt, agent.PermissionsProfile, agent.WebSearchEnabled, agent.DocsDir)
	if err != nil {
		return fmt.Errorf("sqlitestore: register agent: %w", err)
	}
	return nil
}

func (s *Store) PersistMessage(ctx context.Context, agent string, msg models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO messages (agent, branch_id, created_at, payload) VALUES (?, ?, ?, ?)`,
		agent, msg.BranchID, msg.CreatedAt, string(payload))
	if err != nil {
		return fmt.Errorf("sqlitestore: persist message: %w", err)
	}
	return nil
}

func (s *Store) GetMessagesSince(ctx context.Context, agent string, since time.Time, branchID *int) ([]models.Message, error) {
	query := `SELECT payload FROM messages WHERE agent = ? AND created_at >= ?`
	args := []any{agent, since}
	if branchID != nil {
		query += ` AND branch_id = ?`
		args = append(args, *branchID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan message: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *Store) GetLastClearTime(ctx context.Context, agent string) (time.Time, error) {
	var cleared time.Time
	err := s.db.QueryRowContext(ctx, `SELECT cleared_at FROM agent_clear_times WHERE agent = ?`, agent).Scan(&cleared)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlitestore: get last clear time: %w", err)
	}
	return cleared, nil
}

func (s *Store) SetLastClearTime(ctx context.Context, agent string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_clear_times (agent, cleared_at) VALUES (?, ?)
		ON CONFLICT(agent) DO UPDATE SET cleared_at = excluded.cleared_at`, agent, at)
	if err != nil {
		return fmt.Errorf("sqlitestore: set last clear time: %w", err)
	}
	return nil
}

// SaveSession writes the snapshot row and its <chorusHome>/sessions/<id>.json
// side artifact, matching the original implementation's save_snapshot
// shape field-for-field.
func (s *Store) SaveSession(ctx context.Context, snapshot models.SessionSnapshot) error {
	sessionsDir := filepath.Join(s.chorusHome, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return fmt.Errorf("sqlitestore: create sessions dir: %w", err)
	}
	path := filepath.Join(sessionsDir, snapshot.ID+".json")
	snapshot.Path = path

	payload := models.SnapshotPayload{
		SessionID:    snapshot.ID,
		Timestamp:    snapshot.SavedAt,
		Description:  snapshot.Description,
		Summary:      snapshot.Summary,
		MessageCount: len(snapshot.Messages),
		WindowStart:  snapshot.WindowStart,
		WindowEnd:    snapshot.WindowEnd,
		Messages:     snapshot.Messages,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal snapshot payload: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("sqlitestore: write snapshot file: %w", err)
	}

	rowPayload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal snapshot row: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (agent, id, saved_at, path, payload) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent, id) DO UPDATE SET saved_at=excluded.saved_at, path=excluded.path, payload=excluded.payload`,
		snapshot.Agent, snapshot.ID, snapshot.SavedAt, path, string(rowPayload))
	if err != nil {
		return fmt.Errorf("sqlitestore: persist snapshot row: %w", err)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, agent string) ([]models.SessionSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM sessions WHERE agent = ? ORDER BY saved_at DESC`, agent)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.SessionSnapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan session: %w", err)
		}
		var snap models.SessionSnapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal session: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *Store) GetSession(ctx context.Context, agent, id string) (*models.SessionSnapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM sessions WHERE agent = ? AND id = ?`, agent, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get session: %w", err)
	}
	var snap models.SessionSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("sqlitestore: unmarshal session: %w", err)
	}
	return &snap, nil
}

func (s *Store) InsertProcess(ctx context.Context, proc *models.TrackedProcess) error {
	payload, err := json.Marshal(proc)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal process: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO processes (pid, agent, status, exit_code, payload) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(pid) DO UPDATE SET agent=excluded.agent, status=excluded.status, exit_code=excluded.exit_code, payload=excluded.payload`,
		proc.PID, proc.Agent, string(proc.Status), proc.ExitCode, string(payload))
	if err != nil {
		return fmt.Errorf("sqlitestore: insert process: %w", err)
	}
	return nil
}

func (s *Store) UpdateProcessStatus(ctx context.Context, pid int, status models.ProcessStatus, exitCode *int) error {
	proc, err := s.loadProcess(ctx, pid)
	if err != nil {
		return err
	}
	proc.Status = status
	proc.ExitCode = exitCode
	return s.InsertProcess(ctx, proc)
}

func (s *Store) UpdateProcessCallbacks(ctx context.Context, pid int, callbacks []*models.Callback) error {
	proc, err := s.loadProcess(ctx, pid)
	if err != nil {
		return err
	}
	proc.Callbacks = callbacks
	return s.InsertProcess(ctx, proc)
}

func (s *Store) loadProcess(ctx context.Context, pid int) (*models.TrackedProcess, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM processes WHERE pid = ?`, pid).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load process: %w", err)
	}
	var proc models.TrackedProcess
	if err := json.Unmarshal([]byte(payload), &proc); err != nil {
		return nil, fmt.Errorf("sqlitestore: unmarshal process: %w", err)
	}
	return &proc, nil
}

func (s *Store) ListProcesses(ctx context.Context, agent string) ([]*models.TrackedProcess, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM processes WHERE agent = ?`, agent)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list processes: %w", err)
	}
	defer rows.Close()

	var out []*models.TrackedProcess
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan process: %w", err)
		}
		var proc models.TrackedProcess
		if err := json.Unmarshal([]byte(payload), &proc); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal process: %w", err)
		}
		out = append(out, &proc)
	}
	return out, rows.Err()
}

func (s *Store) PersistBranchStep(ctx context.Context, agent string, branchID int, step models.Step) error {
	payload, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal step: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO branch_steps (agent, branch_id, payload) VALUES (?, ?, ?)`, agent, branchID, string(payload))
	if err != nil {
		return fmt.Errorf("sqlitestore: persist branch step: %w", err)
	}
	return nil
}

func (s *Store) LogSelfEdit(ctx context.Context, agent, field, oldValue, newValue string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO self_edit_log (agent, field, old_value, new_value, at) VALUES (?, ?, ?, ?, ?)`,
		agent, field, oldValue, newValue, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sqlitestore: log self edit: %w", err)
	}
	return nil
}

func (s *Store) UpdateAgentField(ctx context.Context, agent, field, value string) error {
	var column string
	switch field {
	case "system_prompt":
		column = "system_prompt"
	case "model":
		column = "model"
	case "permissions_profile":
		column = "permissions_profile"
	case "docs_dir":
		column = "docs_dir"
	default:
		return fmt.Errorf("sqlitestore: unknown agent field %q", field)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE agents SET %s = ? WHERE name = ?`, column), value, agent)
	if err != nil {
		return fmt.Errorf("sqlitestore: update agent field: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

var _ store.Store = (*Store)(nil)

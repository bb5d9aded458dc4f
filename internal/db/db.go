// Package db handles database operations for Wrangler
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/cloud-shuttle/wrangler/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// Store manages database operations
type Store struct {
	DB *sql.DB
}

// Open opens a SQLite database at the given path, creating its directory
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// PRAGMAs are per connection; one connection keeps them in force
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Enable WAL mode so the CLI can read while a run is writing
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Set busy timeout to handle lock contention gracefully
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// InitSchema creates the database schema
func (s *Store) InitSchema() error {
	schema := `
	-- Runs are one attempt at an objective
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		objective_path TEXT,
		objective TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		config TEXT,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		root_work_item_id TEXT,
		integration_branch TEXT
	);

	-- Iterations are plan/dispatch/merge/evaluate cycles
	CREATE TABLE IF NOT EXISTS iterations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		intent TEXT,
		outcome TEXT,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		UNIQUE (run_id, number),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	-- Agent outputs point at transcripts saved on disk
	CREATE TABLE IF NOT EXISTS agent_outputs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		iteration_id INTEGER NOT NULL,
		agent_type TEXT NOT NULL,
		raw_output_path TEXT,
		summary TEXT,
		FOREIGN KEY (iteration_id) REFERENCES iterations(id) ON DELETE CASCADE
	);

	-- Human inputs are out-of-band control signals
	CREATE TABLE IF NOT EXISTS human_inputs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		input_type TEXT NOT NULL,
		content TEXT,
		created_at INTEGER NOT NULL,
		consumed_at INTEGER,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	-- Worktrees track live task workspaces for cleanup
	CREATE TABLE IF NOT EXISTS worktrees (
		task_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		path TEXT NOT NULL,
		branch TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		status TEXT DEFAULT 'active',
		PRIMARY KEY (task_id, run_id)
	);

	-- Events are the loop's lifecycle history
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		run_id TEXT,
		type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		task_id TEXT,
		data TEXT
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_iterations_run ON iterations(run_id, number);
	CREATE INDEX IF NOT EXISTS idx_agent_outputs_iteration ON agent_outputs(iteration_id);
	CREATE INDEX IF NOT EXISTS idx_human_inputs_pending ON human_inputs(run_id, consumed_at);
	CREATE INDEX IF NOT EXISTS idx_worktrees_status ON worktrees(status);
	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, timestamp);
	`

	_, err := s.DB.Exec(schema)
	return err
}

// MigrateSchema adds columns that databases created by older versions lack
func (s *Store) MigrateSchema() error {
	for _, col := range []string{"root_work_item_id", "integration_branch"} {
		var exists bool
		err := s.DB.QueryRow(`
			SELECT COUNT(*) > 0 FROM pragma_table_info('runs') WHERE name = ?
		`, col).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking for %s column: %w", col, err)
		}
		if exists {
			continue
		}
		if _, err := s.DB.Exec(fmt.Sprintf(`ALTER TABLE runs ADD COLUMN %s TEXT`, col)); err != nil {
			return fmt.Errorf("adding %s column: %w", col, err)
		}
	}
	return nil
}

// CreateRun inserts a run record. An empty ID or status is filled in.
func (s *Store) CreateRun(run *types.Run) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.Status == "" {
		run.Status = types.RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	var cfg sql.NullString
	if len(run.Config) > 0 {
		b, err := json.Marshal(run.Config)
		if err != nil {
			return fmt.Errorf("encoding run config: %w", err)
		}
		cfg = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.DB.Exec(`
		INSERT INTO runs (id, objective_path, objective, status, config, started_at,
		                  root_work_item_id, integration_branch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ObjectivePath, run.Objective, string(run.Status), cfg,
		run.StartedAt.Unix(), run.RootWorkItemID, run.IntegrationBranch)
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

const runColumns = `id, COALESCE(objective_path, ''), objective, status, COALESCE(config, ''),
	started_at, ended_at, COALESCE(root_work_item_id, ''), COALESCE(integration_branch, '')`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*types.Run, error) {
	var run types.Run
	var status, cfg string
	var started int64
	var ended sql.NullInt64

	err := row.Scan(&run.ID, &run.ObjectivePath, &run.Objective, &status, &cfg,
		&started, &ended, &run.RootWorkItemID, &run.IntegrationBranch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	run.Status = types.RunStatus(status)
	run.StartedAt = time.Unix(started, 0)
	run.EndedAt = fromNullUnix(ended)
	if cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &run.Config); err != nil {
			return nil, fmt.Errorf("decoding config of run %s: %w", run.ID, err)
		}
	}
	return &run, nil
}

// GetRun returns the run with the given ID
func (s *Store) GetRun(id string) (*types.Run, error) {
	run, err := scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	return run, nil
}

// LatestRun returns the most recently started run
func (s *Store) LatestRun() (*types.Run, error) {
	run, err := scanRun(s.DB.QueryRow(`
		SELECT ` + runColumns + ` FROM runs
		ORDER BY started_at DESC, rowid DESC LIMIT 1
	`))
	if err != nil {
		return nil, fmt.Errorf("getting latest run: %w", err)
	}
	return run, nil
}

// LatestRunning returns the most recent run still marked running
func (s *Store) LatestRunning() (*types.Run, error) {
	run, err := scanRun(s.DB.QueryRow(`
		SELECT `+runColumns+` FROM runs
		WHERE status = ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1
	`, string(types.RunStatusRunning)))
	if err != nil {
		return nil, fmt.Errorf("getting running run: %w", err)
	}
	return run, nil
}

// UpdateRunStatus sets a run's status; terminal statuses also stamp ended_at
func (s *Store) UpdateRunStatus(id string, status types.RunStatus) error {
	var ended sql.NullInt64
	if status != types.RunStatusRunning {
		ended = sql.NullInt64{Int64: time.Now().Unix(), Valid: true}
	}
	res, err := s.DB.Exec(`
		UPDATE runs SET status = ?, ended_at = ? WHERE id = ?
	`, string(status), ended, id)
	if err != nil {
		return fmt.Errorf("updating run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating run %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListRuns returns runs newest first. limit <= 0 returns all.
func (s *Store) ListRuns(limit int) ([]*types.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.DB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CreateIteration starts iteration number n of a run
func (s *Store) CreateIteration(runID string, n int) (*types.Iteration, error) {
	now := time.Now()
	res, err := s.DB.Exec(`
		INSERT INTO iterations (run_id, number, started_at) VALUES (?, ?, ?)
	`, runID, n, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("creating iteration %d: %w", n, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading iteration id: %w", err)
	}
	return &types.Iteration{ID: id, RunID: runID, Number: n, StartedAt: now}, nil
}

// UpdateIterationIntent records what the planner set out to do
func (s *Store) UpdateIterationIntent(id int64, intent string) error {
	if _, err := s.DB.Exec(`UPDATE iterations SET intent = ? WHERE id = ?`, intent, id); err != nil {
		return fmt.Errorf("updating iteration intent: %w", err)
	}
	return nil
}

// CompleteIteration records the iteration outcome and stamps ended_at
func (s *Store) CompleteIteration(id int64, outcome string) error {
	_, err := s.DB.Exec(`
		UPDATE iterations SET outcome = ?, ended_at = ? WHERE id = ?
	`, outcome, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("completing iteration: %w", err)
	}
	return nil
}

// ListIterations returns a run's iterations in order
func (s *Store) ListIterations(runID string) ([]*types.Iteration, error) {
	rows, err := s.DB.Query(`
		SELECT id, run_id, number, COALESCE(intent, ''), COALESCE(outcome, ''), started_at, ended_at
		FROM iterations
		WHERE run_id = ?
		ORDER BY number ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying iterations: %w", err)
	}
	defer rows.Close()

	var iterations []*types.Iteration
	for rows.Next() {
		var it types.Iteration
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&it.ID, &it.RunID, &it.Number, &it.Intent, &it.Outcome, &started, &ended); err != nil {
			return nil, fmt.Errorf("scanning iteration: %w", err)
		}
		it.StartedAt = time.Unix(started, 0)
		it.EndedAt = fromNullUnix(ended)
		iterations = append(iterations, &it)
	}
	return iterations, rows.Err()
}

// CreateAgentOutput records an agent transcript for an iteration
func (s *Store) CreateAgentOutput(out *types.AgentOutput) error {
	res, err := s.DB.Exec(`
		INSERT INTO agent_outputs (iteration_id, agent_type, raw_output_path, summary)
		VALUES (?, ?, ?, ?)
	`, out.IterationID, out.AgentType, out.RawOutputPath, out.Summary)
	if err != nil {
		return fmt.Errorf("creating agent output: %w", err)
	}
	out.ID, _ = res.LastInsertId()
	return nil
}

// ListAgentOutputs returns the agent outputs recorded for an iteration
func (s *Store) ListAgentOutputs(iterationID int64) ([]*types.AgentOutput, error) {
	rows, err := s.DB.Query(`
		SELECT id, iteration_id, agent_type, COALESCE(raw_output_path, ''), COALESCE(summary, '')
		FROM agent_outputs
		WHERE iteration_id = ?
		ORDER BY id ASC
	`, iterationID)
	if err != nil {
		return nil, fmt.Errorf("querying agent outputs: %w", err)
	}
	defer rows.Close()

	var outputs []*types.AgentOutput
	for rows.Next() {
		var o types.AgentOutput
		if err := rows.Scan(&o.ID, &o.IterationID, &o.AgentType, &o.RawOutputPath, &o.Summary); err != nil {
			return nil, fmt.Errorf("scanning agent output: %w", err)
		}
		outputs = append(outputs, &o)
	}
	return outputs, rows.Err()
}

// AddHumanInput appends a control signal for a run
func (s *Store) AddHumanInput(runID string, kind types.HumanInputType, content string) (*types.HumanInput, error) {
	switch kind {
	case types.HumanInputComment, types.HumanInputPause, types.HumanInputAbort:
	default:
		return nil, fmt.Errorf("unknown input type: %s", kind)
	}

	now := time.Now()
	res, err := s.DB.Exec(`
		INSERT INTO human_inputs (run_id, input_type, content, created_at)
		VALUES (?, ?, ?, ?)
	`, runID, string(kind), content, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("adding human input: %w", err)
	}
	id, _ := res.LastInsertId()
	return &types.HumanInput{ID: id, RunID: runID, Type: kind, Content: content, CreatedAt: now}, nil
}

// UnconsumedInputs returns a run's pending control signals, oldest first
func (s *Store) UnconsumedInputs(runID string) ([]*types.HumanInput, error) {
	rows, err := s.DB.Query(`
		SELECT id, run_id, input_type, COALESCE(content, ''), created_at
		FROM human_inputs
		WHERE run_id = ? AND consumed_at IS NULL
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying human inputs: %w", err)
	}
	defer rows.Close()

	var inputs []*types.HumanInput
	for rows.Next() {
		var in types.HumanInput
		var kind string
		var created int64
		if err := rows.Scan(&in.ID, &in.RunID, &kind, &in.Content, &created); err != nil {
			return nil, fmt.Errorf("scanning human input: %w", err)
		}
		in.Type = types.HumanInputType(kind)
		in.CreatedAt = time.Unix(created, 0)
		inputs = append(inputs, &in)
	}
	return inputs, rows.Err()
}

// MarkInputConsumed stamps a control signal as handled
func (s *Store) MarkInputConsumed(id int64) error {
	_, err := s.DB.Exec(`
		UPDATE human_inputs SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("marking input consumed: %w", err)
	}
	return nil
}

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

// Package resultstore provides persistent storage for pipeline runs and
// gene importance results using SQLite.
package resultstore

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunParams records the inputs that determine a run's results.
type RunParams struct {
	DatasetName string `json:"dataset_name"`
	Seed        int64  `json:"seed"`
	Lineage     int    `json:"lineage"`
	NTopGenes   int    `json:"n_top_genes"`
	RootCluster int    `json:"root_cluster"`
}

// RunProgress represents the progress of a run.
type RunProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Run represents one pipeline execution.
type Run struct {
	ID         string      `json:"run_id"`
	Status     RunStatus   `json:"status"`
	Params     RunParams   `json:"params"`
	Progress   RunProgress `json:"progress"`
	CreatedAt  time.Time   `json:"created_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	RMSE       float64     `json:"rmse"`
	Pearson    float64     `json:"pearson"`
	Error      string      `json:"error,omitempty"`
}

// ImportanceRow is one gene's persisted importance result.
type ImportanceRow struct {
	Rank       int     `json:"rank"`
	Gene       string  `json:"gene"`
	Importance float64 `json:"importance"`
}

// Store provides persistent storage for runs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based run store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		rmse REAL DEFAULT 0,
		pearson REAL DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);

	CREATE TABLE IF NOT EXISTS gene_importance (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		rank INTEGER NOT NULL,
		gene TEXT NOT NULL,
		importance REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_importance_run ON gene_importance(run_id);
	CREATE INDEX IF NOT EXISTS idx_importance_run_rank ON gene_importance(run_id, rank);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun creates a new run record with status=running.
func (s *Store) CreateRun(params RunParams) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	run := &Run{
		ID:        generateRunID(),
		Status:    RunStatusRunning,
		Params:    params,
		CreatedAt: time.Now(),
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (run_id, status, params_json, phase, done, total, rmse, pearson, error, created_at, finished_at)
		VALUES (?, ?, ?, '', 0, 0, 0, 0, '', ?, NULL)
	`,
		run.ID,
		string(run.Status),
		string(paramsJSON),
		run.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, status, params_json, phase, done, total, rmse, pearson, error, created_at, finished_at
		FROM runs WHERE run_id = ?
	`, runID)

	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// UpdateRunProgress updates the progress fields.
func (s *Store) UpdateRunProgress(runID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET phase = ?, done = ?, total = ?
		WHERE run_id = ?
	`, phase, done, total, runID)
	return err
}

// UpdateRunMetrics records the model fit quality.
func (s *Store) UpdateRunMetrics(runID string, rmse, pearson float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET rmse = ?, pearson = ?
		WHERE run_id = ?
	`, rmse, pearson, runID)
	return err
}

// UpdateRunStatus updates the run status; terminal states set finished_at.
func (s *Store) UpdateRunStatus(runID string, status RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == RunStatusCompleted || status == RunStatusFailed {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE run_id = ?
	`, string(status), errMsg, finishedAt, runID)
	return err
}

// InsertImportances inserts the ranked gene list in a batch transaction.
// Rows must already be ordered by rank.
func (s *Store) InsertImportances(runID string, rows []ImportanceRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO gene_importance (run_id, rank, gene, importance)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(runID, r.Rank, r.Gene, r.Importance); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QueryImportances returns ranked results with pagination.
func (s *Store) QueryImportances(runID string, offset, limit int) ([]ImportanceRow, int, error) {
	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM gene_importance WHERE run_id = ?", runID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT rank, gene, importance
		FROM gene_importance
		WHERE run_id = ?
		ORDER BY rank ASC
		LIMIT ? OFFSET ?
	`, runID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []ImportanceRow
	for rows.Next() {
		var r ImportanceRow
		if err := rows.Scan(&r.Rank, &r.Gene, &r.Importance); err != nil {
			return nil, 0, err
		}
		results = append(results, r)
	}

	return results, total, nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns() ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, status, params_json, phase, done, total, rmse, pearson, error, created_at, finished_at
		FROM runs
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// DeleteExpiredRuns deletes finished runs older than retentionDays.
func (s *Store) DeleteExpiredRuns(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	// Delete results first (foreign key)
	_, err := s.db.Exec(`
		DELETE FROM gene_importance WHERE run_id IN (
			SELECT run_id FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteRun deletes a run and its results.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM gene_importance WHERE run_id = ?", runID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM runs WHERE run_id = ?", runID)
	return err
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var run Run
	var paramsJSON string
	var createdAtStr string
	var finishedAtStr sql.NullString

	err := scan(
		&run.ID,
		&run.Status,
		&paramsJSON,
		&run.Progress.Phase,
		&run.Progress.Done,
		&run.Progress.Total,
		&run.RMSE,
		&run.Pearson,
		&run.Error,
		&createdAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		run.FinishedAt = &t
	}

	return &run, nil
}

func generateRunID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Package fitstore provides persistent storage for piecewise fit jobs and
// their results using SQLite.
package fitstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spatialnn/pwfit/pkg/segfit"
	_ "modernc.org/sqlite"
)

// ErrDuplicateKey is returned when two keys of a bundle print the same and
// their rows could not be told apart.
var ErrDuplicateKey = errors.New("fitstore: duplicate result key")

// JobStatus represents the current state of a fit job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// FitJobParams contains the parameters of a fit job. Unset optional fields
// take the server defaults.
type FitJobParams struct {
	DatasetID string   `json:"dataset_id"`
	CellTypes []string `json:"cell_types,omitempty"`
	// Exactly one of UMIThreshold and Genes selects the fitted genes; when
	// both are empty the server default threshold applies.
	UMIThreshold    *float64 `json:"umi_threshold,omitempty"`
	Genes           []string `json:"genes,omitempty"`
	Pseudocount     *float64 `json:"pseudocount,omitempty"`
	PValueThreshold float64  `json:"pvalue_threshold,omitempty"`
	MinSpots        int      `json:"min_spots,omitempty"`
	Alpha           float64  `json:"alpha,omitempty"`
}

// FitJobProgress represents the progress of a fit job.
type FitJobProgress struct {
	Phase string `json:"phase"`
	Key   string `json:"key,omitempty"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// FitJob represents a piecewise fit job.
type FitJob struct {
	ID         string         `json:"job_id"`
	DatasetID  string         `json:"dataset_id"`
	Status     JobStatus      `json:"status"`
	Params     FitJobParams   `json:"params"`
	Progress   FitJobProgress `json:"progress"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	NGenes     int            `json:"n_genes"`
	NLayers    int            `json:"n_layers"`
	NSpots     int            `json:"n_spots"`
	Keys       []string       `json:"keys,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// FitResult is one (key, gene, layer) cell. Nil coefficients mark a cell
// that was not fitted.
type FitResult struct {
	Key           string   `json:"key"`
	Gene          string   `json:"gene"`
	GeneIndex     int      `json:"gene_index"`
	Layer         int      `json:"layer"`
	Fitted        bool     `json:"fitted"`
	Spots         int      `json:"spots"`
	Slope         *float64 `json:"slope"`
	Intercept     *float64 `json:"intercept"`
	PValue        *float64 `json:"pvalue"`
	Statistic     *float64 `json:"statistic"`
	NullSlope     *float64 `json:"null_slope"`
	NullIntercept *float64 `json:"null_intercept"`
	AltSlope      *float64 `json:"alt_slope"`
	AltIntercept  *float64 `json:"alt_intercept"`
	Converged     bool     `json:"converged"`
}

// Discontinuity is the jump of one gene at one layer boundary. Value is nil
// when a neighbouring cell was not fitted.
type Discontinuity struct {
	Key       string   `json:"key"`
	Gene      string   `json:"gene"`
	GeneIndex int      `json:"gene_index"`
	Boundary  int      `json:"boundary"`
	Value     *float64 `json:"value"`
}

// ResultFilter narrows QueryResults. Zero fields do not filter.
type ResultFilter struct {
	Gene       string
	Layer      *int
	FittedOnly bool
}

// Store provides persistent storage for fit jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based fit store.
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
	CREATE TABLE IF NOT EXISTS fit_jobs (
		job_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		progress_key TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		n_genes INTEGER DEFAULT 0,
		n_layers INTEGER DEFAULT 0,
		n_spots INTEGER DEFAULT 0,
		keys_json TEXT DEFAULT '[]',
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_fit_jobs_dataset ON fit_jobs(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_fit_jobs_status ON fit_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_fit_jobs_finished ON fit_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS fit_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		key TEXT NOT NULL,
		gene TEXT NOT NULL,
		gene_index INTEGER NOT NULL,
		layer INTEGER NOT NULL,
		fitted INTEGER NOT NULL,
		spots INTEGER NOT NULL,
		slope REAL,
		intercept REAL,
		pvalue REAL,
		statistic REAL,
		null_slope REAL,
		null_intercept REAL,
		alt_slope REAL,
		alt_intercept REAL,
		converged INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (job_id) REFERENCES fit_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_fit_results_job_key ON fit_results(job_id, key);
	CREATE INDEX IF NOT EXISTS idx_fit_results_job_key_pvalue ON fit_results(job_id, key, pvalue);

	CREATE TABLE IF NOT EXISTS fit_discontinuities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		key TEXT NOT NULL,
		gene TEXT NOT NULL,
		gene_index INTEGER NOT NULL,
		boundary INTEGER NOT NULL,
		value REAL,
		FOREIGN KEY (job_id) REFERENCES fit_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_fit_disc_job_key ON fit_discontinuities(job_id, key);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `job_id, dataset_id, status, params_json, phase, progress_key, done, total,
		n_genes, n_layers, n_spots, keys_json, error, created_at, started_at, finished_at`

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *FitJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	keysJSON, err := json.Marshal(nonNil(job.Keys))
	if err != nil {
		return fmt.Errorf("failed to marshal keys: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO fit_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Params.DatasetID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Key,
		job.Progress.Done,
		job.Progress.Total,
		job.NGenes,
		job.NLayers,
		job.NSpots,
		string(keysJSON),
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. It returns nil, nil for unknown IDs.
func (s *Store) GetJob(jobID string) (*FitJob, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM fit_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := s.scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// UpdateJobStatus updates the job status and optional fields.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE fit_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE fit_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase, key string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE fit_jobs SET phase = ?, progress_key = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, key, done, total, jobID)
	return err
}

// UpdateJobShape records the dimensions and keys of a job's results.
func (s *Store) UpdateJobShape(jobID string, nGenes, nLayers, nSpots int, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keysJSON, err := json.Marshal(nonNil(keys))
	if err != nil {
		return fmt.Errorf("failed to marshal keys: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE fit_jobs SET n_genes = ?, n_layers = ?, n_spots = ?, keys_json = ?
		WHERE job_id = ?
	`, nGenes, nLayers, nSpots, string(keysJSON), jobID)
	return err
}

// InsertBundle stores every cell and boundary of b in one transaction.
// geneNames is indexed like the input count matrix.
func (s *Store) InsertBundle(jobID string, b *segfit.Bundle, geneNames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	resStmt, err := tx.Prepare(`
		INSERT INTO fit_results (job_id, key, gene, gene_index, layer, fitted, spots, slope, intercept, pvalue,
			statistic, null_slope, null_intercept, alt_slope, alt_intercept, converged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer resStmt.Close()

	discStmt, err := tx.Prepare(`
		INSERT INTO fit_discontinuities (job_id, key, gene, gene_index, boundary, value)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer discStmt.Close()

	genes := b.Genes()
	seen := make(map[string]bool, len(b.Keys()))
	for _, k := range b.Keys() {
		res, _ := b.Get(k)
		key := k.String()
		if seen[key] {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
		}
		seen[key] = true
		for row, g := range genes {
			gene := geneName(geneNames, g)
			for l := 0; l < b.Layers(); l++ {
				cell := res.Fit.Cells[row][l]
				_, err := resStmt.Exec(
					jobID, key, gene, g, l, cell.Fitted, cell.Spots,
					nullable(res.Slope.At(row, l)), nullable(res.Intercept.At(row, l)), nullable(res.PValue.At(row, l)),
					fittedValue(cell, cell.Statistic),
					fittedValue(cell, cell.Null.Slope), fittedValue(cell, cell.Null.Intercept),
					fittedValue(cell, cell.Alt.Slope), fittedValue(cell, cell.Alt.Intercept),
					cell.Fitted && cell.Converged,
				)
				if err != nil {
					return err
				}
			}
			for l := 0; l < b.Layers()-1; l++ {
				if _, err := discStmt.Exec(jobID, key, gene, g, l, nullable(res.Discontinuity.At(row, l))); err != nil {
					return err
				}
			}
		}
	}

	return tx.Commit()
}

// QueryResults queries the cells of one key with pagination and ordering.
func (s *Store) QueryResults(jobID, key string, filter ResultFilter, orderBy string, offset, limit int) ([]*FitResult, int, error) {
	// Map order_by to SQL column; unfitted cells (NULL) sort last.
	orderCol := "gene_index ASC, layer ASC"
	switch orderBy {
	case "pvalue":
		orderCol = "pvalue IS NULL, pvalue ASC, gene_index ASC, layer ASC"
	case "abs_slope":
		orderCol = "slope IS NULL, ABS(slope) DESC, gene_index ASC, layer ASC"
	case "layer":
		orderCol = "layer ASC, gene_index ASC"
	}

	where := []string{"job_id = ?", "key = ?"}
	args := []interface{}{jobID, key}
	if filter.Gene != "" {
		where = append(where, "gene = ?")
		args = append(args, filter.Gene)
	}
	if filter.Layer != nil {
		where = append(where, "layer = ?")
		args = append(args, *filter.Layer)
	}
	if filter.FittedOnly {
		where = append(where, "fitted = 1")
	}
	whereSQL := strings.Join(where, " AND ")

	// Get total count
	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM fit_results WHERE "+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	// Query with pagination
	query := fmt.Sprintf(`
		SELECT key, gene, gene_index, layer, fitted, spots, slope, intercept, pvalue,
			statistic, null_slope, null_intercept, alt_slope, alt_intercept, converged
		FROM fit_results
		WHERE %s
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, whereSQL, orderCol)

	rows, err := s.db.Query(query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	results := []*FitResult{}
	for rows.Next() {
		var r FitResult
		var slope, intercept, pvalue, stat, nullSlope, nullIntercept, altSlope, altIntercept sql.NullFloat64
		err := rows.Scan(
			&r.Key, &r.Gene, &r.GeneIndex, &r.Layer, &r.Fitted, &r.Spots,
			&slope, &intercept, &pvalue, &stat, &nullSlope, &nullIntercept, &altSlope, &altIntercept, &r.Converged,
		)
		if err != nil {
			return nil, 0, err
		}
		r.Slope, r.Intercept, r.PValue = ptr(slope), ptr(intercept), ptr(pvalue)
		r.Statistic, r.NullSlope, r.NullIntercept = ptr(stat), ptr(nullSlope), ptr(nullIntercept)
		r.AltSlope, r.AltIntercept = ptr(altSlope), ptr(altIntercept)
		results = append(results, &r)
	}

	return results, total, rows.Err()
}

// QueryDiscontinuities returns every boundary of one key, ordered by gene
// then boundary.
func (s *Store) QueryDiscontinuities(jobID, key string) ([]*Discontinuity, error) {
	rows, err := s.db.Query(`
		SELECT key, gene, gene_index, boundary, value
		FROM fit_discontinuities
		WHERE job_id = ? AND key = ?
		ORDER BY gene_index ASC, boundary ASC
	`, jobID, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Discontinuity{}
	for rows.Next() {
		var d Discontinuity
		var v sql.NullFloat64
		if err := rows.Scan(&d.Key, &d.Gene, &d.GeneIndex, &d.Boundary, &v); err != nil {
			return nil, err
		}
		d.Value = ptr(v)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// ListJobsByDataset returns all jobs for a dataset.
func (s *Store) ListJobsByDataset(datasetID string) ([]*FitJob, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM fit_jobs WHERE dataset_id = ?
		ORDER BY created_at DESC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*FitJob, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM fit_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE fit_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes jobs finished more than retentionDays ago.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	// Delete results first (foreign key)
	for _, table := range []string{"fit_results", "fit_discontinuities"} {
		_, err := s.db.Exec(`
			DELETE FROM `+table+` WHERE job_id IN (
				SELECT job_id FROM fit_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
			)
		`, cutoff)
		if err != nil {
			return 0, err
		}
	}

	result, err := s.db.Exec(`
		DELETE FROM fit_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"fit_results", "fit_discontinuities", "fit_jobs"} {
		if _, err := s.db.Exec("DELETE FROM "+table+" WHERE job_id = ?", jobID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) scanJobs(rows *sql.Rows) ([]*FitJob, error) {
	var jobs []*FitJob
	for rows.Next() {
		var job FitJob
		var paramsJSON, keysJSON string
		var createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&job.ID,
			&job.DatasetID,
			&job.Status,
			&paramsJSON,
			&job.Progress.Phase,
			&job.Progress.Key,
			&job.Progress.Done,
			&job.Progress.Total,
			&job.NGenes,
			&job.NLayers,
			&job.NSpots,
			&keysJSON,
			&job.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
		if err := json.Unmarshal([]byte(keysJSON), &job.Keys); err != nil {
			return nil, fmt.Errorf("failed to unmarshal keys: %w", err)
		}

		job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		if startedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, startedAtStr.String)
			job.StartedAt = &t
		}
		if finishedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
			job.FinishedAt = &t
		}

		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// nullable maps non-finite values to NULL.
func nullable(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func fittedValue(c segfit.CellFit, v float64) interface{} {
	if !c.Fitted {
		return nil
	}
	return nullable(v)
}

func ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func geneName(names []string, g int) string {
	if g >= 0 && g < len(names) {
		return names[g]
	}
	return fmt.Sprintf("gene_%d", g)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

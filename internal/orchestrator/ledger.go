package orchestrator

// #region imports
import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/NeuralBlitz/NBOS-Web/internal/pipeline"
)

// #endregion

// #region schema

const taskOutputsSchema = `
CREATE TABLE IF NOT EXISTS task_outputs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id         TEXT NOT NULL UNIQUE,
    prediction      REAL NOT NULL,
    confidence      REAL NOT NULL,
    biases_detected INTEGER NOT NULL DEFAULT 0,
    package_json    TEXT NOT NULL,
    created_at      TEXT NOT NULL
);
`

// #endregion

// #region ledger-struct

// TaskLedger persists completed output packages in SQLite.
type TaskLedger struct {
	db *sql.DB
}

// NewTaskLedger initializes the task_outputs table and returns a TaskLedger.
func NewTaskLedger(db *sql.DB) (*TaskLedger, error) {
	if _, err := db.Exec(taskOutputsSchema); err != nil {
		return nil, fmt.Errorf("migrate task ledger: %w", err)
	}
	return &TaskLedger{db: db}, nil
}

// #endregion

// #region record

// Record stores pkg. A reused task id replaces the earlier row, matching the
// in-memory task map.
func (l *TaskLedger) Record(pkg pipeline.OutputPackage) error {
	raw, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("marshal package: %w", err)
	}
	_, err = l.db.Exec(`
		INSERT INTO task_outputs
		(task_id, prediction, confidence, biases_detected, package_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
		    prediction = excluded.prediction,
		    confidence = excluded.confidence,
		    biases_detected = excluded.biases_detected,
		    package_json = excluded.package_json,
		    created_at = excluded.created_at`,
		pkg.TaskID,
		pkg.Prediction,
		pkg.Confidence,
		pkg.BiasesDetected,
		string(raw),
		pkg.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record task %s: %w", pkg.TaskID, err)
	}
	return nil
}

// #endregion

// #region queries

// Get loads one package by task id. The bool is false when no row exists.
func (l *TaskLedger) Get(taskID string) (pipeline.OutputPackage, bool, error) {
	var raw string
	err := l.db.QueryRow(`SELECT package_json FROM task_outputs WHERE task_id = ?`, taskID).Scan(&raw)
	if err == sql.ErrNoRows {
		return pipeline.OutputPackage{}, false, nil
	}
	if err != nil {
		return pipeline.OutputPackage{}, false, fmt.Errorf("get task %s: %w", taskID, err)
	}
	var pkg pipeline.OutputPackage
	if err := json.Unmarshal([]byte(raw), &pkg); err != nil {
		return pipeline.OutputPackage{}, false, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return pkg, true, nil
}

// List returns the most recently written packages, newest first.
func (l *TaskLedger) List(limit int) ([]pipeline.OutputPackage, error) {
	rows, err := l.db.Query(`SELECT package_json FROM task_outputs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []pipeline.OutputPackage
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var pkg pipeline.OutputPackage
		if err := json.Unmarshal([]byte(raw), &pkg); err != nil {
			return nil, fmt.Errorf("decode task row: %w", err)
		}
		out = append(out, pkg)
	}
	return out, rows.Err()
}

// Summary reports the stored task count and mean confidence.
func (l *TaskLedger) Summary() (count int, avgConfidence float64, err error) {
	var avg sql.NullFloat64
	err = l.db.QueryRow(`SELECT COUNT(*), AVG(confidence) FROM task_outputs`).Scan(&count, &avg)
	if err != nil {
		return 0, 0, fmt.Errorf("summarize tasks: %w", err)
	}
	return count, avg.Float64, nil
}

// #endregion

// Package state persists versioned SystemState snapshots in SQLite.
package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS state_versions (
	version_id       TEXT PRIMARY KEY,
	parent_id        TEXT,
	alignment_score  REAL NOT NULL,
	coherence_level  REAL NOT NULL,
	ethical_drift    INTEGER NOT NULL,
	last_synthesis   TEXT,
	trigger_type     TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	FOREIGN KEY (parent_id) REFERENCES state_versions(version_id)
);

CREATE TABLE IF NOT EXISTS active_state (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	version_id    TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES state_versions(version_id)
);
`

// #endregion schema

// #region store-struct

// Store manages versioned system state in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor

// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one connection keeps the pragmas in force and serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion constructor

// #region create-initial

// CreateInitialState stores st as a parentless version and makes it active.
func (s *Store) CreateInitialState(st SystemState) (StateRecord, error) {
	rec := StateRecord{
		VersionID: uuid.New().String(),
		State:     st.Clone(),
		Trigger:   TriggerInit,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return StateRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertVersion(tx, rec); err != nil {
		return StateRecord{}, err
	}
	_, err = tx.Exec(
		`INSERT INTO active_state (id, version_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`,
		rec.VersionID,
	)
	if err != nil {
		return StateRecord{}, fmt.Errorf("set active: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return StateRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// #endregion create-initial

// #region get-current

// GetCurrent reads the active state version.
func (s *Store) GetCurrent() (StateRecord, error) {
	var versionID string
	err := s.db.QueryRow(`SELECT version_id FROM active_state WHERE id = 1`).Scan(&versionID)
	if err != nil {
		return StateRecord{}, fmt.Errorf("get active: %w", err)
	}
	return s.GetVersion(versionID)
}

// GetVersion retrieves a specific state version by ID.
func (s *Store) GetVersion(id string) (StateRecord, error) {
	row := s.db.QueryRow(
		`SELECT version_id, parent_id, alignment_score, coherence_level, ethical_drift,
		        last_synthesis, trigger_type, created_at
		 FROM state_versions WHERE version_id = ?`, id,
	)
	rec, err := scanRecord(row)
	if err != nil {
		return StateRecord{}, fmt.Errorf("get version %s: %w", id, err)
	}
	return rec, nil
}

// #endregion get-current

// #region commit-state

// CommitState records st as a child of the active version and moves the
// active pointer to it, atomically.
func (s *Store) CommitState(st SystemState, trigger string) (StateRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return StateRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var parent sql.NullString
	err = tx.QueryRow(`SELECT version_id FROM active_state WHERE id = 1`).Scan(&parent)
	if err != nil && err != sql.ErrNoRows {
		return StateRecord{}, fmt.Errorf("get active: %w", err)
	}

	rec := StateRecord{
		VersionID: uuid.New().String(),
		ParentID:  parent.String,
		State:     st.Clone(),
		Trigger:   trigger,
		CreatedAt: time.Now().UTC(),
	}
	if err := insertVersion(tx, rec); err != nil {
		return StateRecord{}, err
	}
	_, err = tx.Exec(
		`INSERT INTO active_state (id, version_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`,
		rec.VersionID,
	)
	if err != nil {
		return StateRecord{}, fmt.Errorf("update active: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return StateRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// #endregion commit-state

// #region list-versions

// ListVersions returns the most recent state versions, newest first.
func (s *Store) ListVersions(limit int) ([]StateRecord, error) {
	rows, err := s.db.Query(
		`SELECT version_id, parent_id, alignment_score, coherence_level, ethical_drift,
		        last_synthesis, trigger_type, created_at
		 FROM state_versions ORDER BY rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var records []StateRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// #endregion list-versions

// #region row-encoding

type rowScanner interface {
	Scan(dest ...any) error
}

func insertVersion(tx *sql.Tx, rec StateRecord) error {
	var parent any
	if rec.ParentID != "" {
		parent = rec.ParentID
	}
	var last any
	if rec.State.LastSynthesis != nil {
		last = rec.State.LastSynthesis.UTC().Format(time.RFC3339Nano)
	}
	drift := 0
	if rec.State.EthicalDriftDetected {
		drift = 1
	}
	_, err := tx.Exec(
		`INSERT INTO state_versions
		   (version_id, parent_id, alignment_score, coherence_level, ethical_drift,
		    last_synthesis, trigger_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.VersionID, parent, rec.State.AlignmentScore, rec.State.CoherenceLevel, drift,
		last, rec.Trigger, rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func scanRecord(r rowScanner) (StateRecord, error) {
	var rec StateRecord
	var parentID, lastSynthesis sql.NullString
	var drift int
	var createdStr string

	err := r.Scan(&rec.VersionID, &parentID, &rec.State.AlignmentScore, &rec.State.CoherenceLevel,
		&drift, &lastSynthesis, &rec.Trigger, &createdStr)
	if err != nil {
		return StateRecord{}, err
	}
	rec.ParentID = parentID.String
	rec.State.EthicalDriftDetected = drift != 0
	if lastSynthesis.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastSynthesis.String)
		if err != nil {
			return StateRecord{}, fmt.Errorf("parse last_synthesis: %w", err)
		}
		rec.State.LastSynthesis = &t
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return rec, nil
}

// #endregion row-encoding

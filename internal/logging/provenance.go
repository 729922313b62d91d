package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/NeuralBlitz/NBOS-Web/internal/audit"
	"github.com/NeuralBlitz/NBOS-Web/internal/charter"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS verification_log (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id       TEXT NOT NULL UNIQUE,
	passed          INTEGER NOT NULL,
	confidence      REAL NOT NULL,
	escalated       INTEGER NOT NULL,
	results_json    TEXT NOT NULL,
	violations_json TEXT,
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id      TEXT NOT NULL UNIQUE,
	module        TEXT NOT NULL,
	event         TEXT NOT NULL,
	details_json  TEXT,
	previous_hash TEXT,
	hash          TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_module ON audit_log(module, seq);
`

// EnsureSchema creates the provenance tables if they are missing.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate provenance: %w", err)
	}
	return nil
}

// #endregion schema

// #region log-verification

// LogVerification writes a verification entry to the verification_log table.
func LogVerification(db *sql.DB, entry VerificationEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO verification_log (record_id, passed, confidence, escalated, results_json, violations_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.RecordID,
		boolInt(entry.Passed),
		entry.Confidence,
		boolInt(entry.Escalated),
		entry.ResultsJSON,
		nullIfEmpty(entry.ViolationsJSON),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log verification: %w", err)
	}
	return nil
}

// ListVerifications returns the most recent verification entries, newest
// first.
func ListVerifications(db *sql.DB, limit int) ([]VerificationEntry, error) {
	rows, err := db.Query(
		`SELECT record_id, passed, confidence, escalated, results_json, violations_json, created_at
		 FROM verification_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}
	defer rows.Close()

	var out []VerificationEntry
	for rows.Next() {
		var e VerificationEntry
		var passed, escalated int
		var violations sql.NullString
		var created string
		if err := rows.Scan(&e.RecordID, &passed, &e.Confidence, &escalated, &e.ResultsJSON, &violations, &created); err != nil {
			return nil, fmt.Errorf("scan verification: %w", err)
		}
		e.Passed = passed != 0
		e.Escalated = escalated != 0
		e.ViolationsJSON = violations.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion log-verification

// #region log-audit

// LogAudit writes an audit row to the audit_log table.
func LogAudit(db *sql.DB, row AuditRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	_, err := db.Exec(
		`INSERT INTO audit_log (entry_id, module, event, details_json, previous_hash, hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.EntryID,
		row.Module,
		row.Event,
		nullIfEmpty(row.DetailsJSON),
		nullIfEmpty(row.PreviousHash),
		row.Hash,
		row.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log audit: %w", err)
	}
	return nil
}

// LastAuditHash returns the hash of module's newest audit row, or "" when the
// module has none yet.
func LastAuditHash(db *sql.DB, module string) (string, error) {
	var hash string
	err := db.QueryRow(
		`SELECT hash FROM audit_log WHERE module = ? ORDER BY seq DESC LIMIT 1`, module,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last audit hash %s: %w", module, err)
	}
	return hash, nil
}

// ListAudit returns every audit row for module in append order. An empty
// module lists all modules.
func ListAudit(db *sql.DB, module string) ([]AuditRow, error) {
	query := `SELECT seq, entry_id, module, event, details_json, previous_hash, hash, created_at
		 FROM audit_log`
	var args []any
	if module != "" {
		query += ` WHERE module = ?`
		args = append(args, module)
	}
	query += ` ORDER BY seq ASC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		var details, prev sql.NullString
		var created string
		if err := rows.Scan(&r.Seq, &r.EntryID, &r.Module, &r.Event, &details, &prev, &r.Hash, &created); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		r.DetailsJSON = details.String
		r.PreviousHash = prev.String
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Entry converts a stored row back into an audit.Entry so the chain can be
// re-verified.
func (r AuditRow) Entry() (audit.Entry, error) {
	e := audit.Entry{
		ID:           r.EntryID,
		Timestamp:    r.CreatedAt,
		Module:       r.Module,
		Event:        r.Event,
		PreviousHash: r.PreviousHash,
		Hash:         r.Hash,
	}
	if r.DetailsJSON != "" {
		if err := json.Unmarshal([]byte(r.DetailsJSON), &e.Details); err != nil {
			return audit.Entry{}, fmt.Errorf("decode details for %s: %w", r.EntryID, err)
		}
	}
	return e, nil
}

// #endregion log-audit

// #region sinks

// VerificationSink adapts the verification_log table to charter.RecordSink.
type VerificationSink struct {
	DB *sql.DB
}

func (s VerificationSink) AppendVerification(_ context.Context, rec charter.VerificationRecord) error {
	results, err := json.Marshal(rec.PrincipleResults)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	var violations string
	if len(rec.Violations) > 0 {
		raw, err := json.Marshal(rec.Violations)
		if err != nil {
			return fmt.Errorf("marshal violations: %w", err)
		}
		violations = string(raw)
	}
	return LogVerification(s.DB, VerificationEntry{
		RecordID:       rec.ID,
		Passed:         rec.Passed,
		Confidence:     rec.Confidence(),
		Escalated:      rec.Escalated,
		ResultsJSON:    string(results),
		ViolationsJSON: violations,
		CreatedAt:      rec.Timestamp,
	})
}

// AuditSink adapts the audit_log table to audit.Sink.
type AuditSink struct {
	DB *sql.DB
}

func (s AuditSink) WriteAudit(e audit.Entry) error {
	var details string
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = string(raw)
	}
	return LogAudit(s.DB, AuditRow{
		EntryID:      e.ID,
		Module:       e.Module,
		Event:        e.Event,
		DetailsJSON:  details,
		PreviousHash: e.PreviousHash,
		Hash:         e.Hash,
		CreatedAt:    e.Timestamp,
	})
}

// #endregion sinks

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// #endregion helpers

package logging

import "time"

// #region verification-entry

// VerificationEntry is a single row in the verification_log table.
type VerificationEntry struct {
	RecordID       string
	Passed         bool
	Confidence     float64
	Escalated      bool
	ResultsJSON    string // principle -> passed
	ViolationsJSON string
	CreatedAt      time.Time
}

// #endregion verification-entry

// #region audit-row

// AuditRow is a single row in the audit_log table. Seq orders rows within a
// module; the chain itself is carried by PreviousHash and Hash.
type AuditRow struct {
	Seq          int64
	EntryID      string
	Module       string
	Event        string
	DetailsJSON  string
	PreviousHash string
	Hash         string
	CreatedAt    time.Time
}

// #endregion audit-row

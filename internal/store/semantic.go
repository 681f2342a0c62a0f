package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/familycore/famcore/internal/cit"
)

// SemanticStore holds versioned subject-predicate-object assertions
// (§3, §4.5.2). One row per (subject, predicate); updates are merged by
// version, not blindly overwritten.
type SemanticStore struct {
	db *sql.DB
}

func NewSemanticStore(db *sql.DB) *SemanticStore { return &SemanticStore{db: db} }

// MergeStatus mirrors internal/knowledge/facts.go's FactApply states,
// generalized from a flat fact ledger to versioned assertions with a
// confidence score.
type MergeStatus string

const (
	MergeAccepted MergeStatus = "accepted"
	MergeStale    MergeStatus = "stale"
	MergeConflict MergeStatus = "conflict"
)

// MergeResult reports what EvaluateAssertionMerge decided and why.
type MergeResult struct {
	Status MergeStatus
	Reason string
}

// EvaluateAssertionMerge enforces version policy for a subject+predicate
// assertion: a new assertion must start at version 1; existing assertions
// only accept version existing+1; same-or-lower versions are stale if the
// object and confidence match exactly, else a conflict; version gaps are
// always a conflict (out-of-order write, likely a missed sync op).
func EvaluateAssertionMerge(existing *SemanticAssertion, incoming *SemanticAssertion) MergeResult {
	if incoming.Version <= 0 {
		return MergeResult{Status: MergeConflict, Reason: "invalid_version"}
	}
	if existing == nil {
		if incoming.Version != 1 {
			return MergeResult{Status: MergeConflict, Reason: "new_assertion_must_start_at_v1"}
		}
		return MergeResult{Status: MergeAccepted, Reason: "new_assertion"}
	}
	if incoming.Version == existing.Version+1 {
		return MergeResult{Status: MergeAccepted, Reason: "sequential_update"}
	}
	if incoming.Version <= existing.Version {
		if sameAssertionContent(existing, incoming) {
			return MergeResult{Status: MergeStale, Reason: "duplicate_or_stale"}
		}
		return MergeResult{Status: MergeConflict, Reason: "version_regression_content_mismatch"}
	}
	return MergeResult{Status: MergeConflict, Reason: fmt.Sprintf("version_gap_%d_to_%d", existing.Version, incoming.Version)}
}

func sameAssertionContent(existing, incoming *SemanticAssertion) bool {
	return existing.Subject == incoming.Subject &&
		existing.Predicate == incoming.Predicate &&
		existing.Object == incoming.Object &&
		existing.Confidence == incoming.Confidence
}

// GetBySubjectPredicateTx fetches the current assertion for (subject,
// predicate), if any, within a UoW transaction (so the caller can evaluate
// a merge and write the result atomically).
func (s *SemanticStore) GetBySubjectPredicateTx(tx *sql.Tx, subject, predicate string) (*SemanticAssertion, error) {
	row := tx.QueryRow(`SELECT id, subject, predicate, object, confidence, source_records, version
		FROM semantic_assertions WHERE subject = ? AND predicate = ?`, subject, predicate)
	return scanAssertion(row)
}

// UpsertTx applies an already-accepted merge: writes incoming as the new
// current row for (subject, predicate). source_records is replaced with
// incoming's list, not unioned with the stored one.
func (s *SemanticStore) UpsertTx(tx *sql.Tx, a *SemanticAssertion) error {
	if a.Id == "" {
		a.Id = assertionID(a.Subject, a.Predicate)
	}
	_, err := tx.Exec(`
		INSERT INTO semantic_assertions (id, subject, predicate, object, confidence, source_records, version)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(subject, predicate) DO UPDATE SET
			object = excluded.object,
			confidence = excluded.confidence,
			source_records = excluded.source_records,
			version = excluded.version
	`, a.Id, a.Subject, a.Predicate, a.Object, a.Confidence, encodeRecordIds(a.SourceRecords), a.Version)
	return err
}

// BySubject returns all assertions about a subject.
func (s *SemanticStore) BySubject(ctx context.Context, subject string) ([]*SemanticAssertion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, subject, predicate, object, confidence, source_records, version
		FROM semantic_assertions WHERE subject = ? ORDER BY predicate`, subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SemanticAssertion
	for rows.Next() {
		a, err := scanAssertionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAssertion(row *sql.Row) (*SemanticAssertion, error) {
	var a SemanticAssertion
	var sources string
	err := row.Scan(&a.Id, &a.Subject, &a.Predicate, &a.Object, &a.Confidence, &sources, &a.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.SourceRecords = decodeRecordIds(sources)
	return &a, nil
}

func scanAssertionRow(rows *sql.Rows) (*SemanticAssertion, error) {
	var a SemanticAssertion
	var sources string
	if err := rows.Scan(&a.Id, &a.Subject, &a.Predicate, &a.Object, &a.Confidence, &sources, &a.Version); err != nil {
		return nil, err
	}
	a.SourceRecords = decodeRecordIds(sources)
	return &a, nil
}

func assertionID(subject, predicate string) string {
	h := sha256.Sum256([]byte(subject + "|" + predicate))
	return hex.EncodeToString(h[:12])
}

func encodeRecordIds(ids []cit.RecordId) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = string(id)
	}
	return strings.Join(strs, ",")
}

func decodeRecordIds(s string) []cit.RecordId {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]cit.RecordId, len(parts))
	for i, p := range parts {
		out[i] = cit.RecordId(p)
	}
	return out
}

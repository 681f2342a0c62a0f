// Package uow implements the Unit of Work (§4.6): a staged journal, an
// atomic multi-store commit boundary, idempotency via client_op_id, and the
// hash-chained receipt every commit must produce. The commit/rollback state
// machine is generalized from internal/cascade/protocol.go's
// pending→running→validated→committed|failed DAG.
package uow

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/familycore/famcore/internal/canon"
	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/corerr"
	"github.com/familycore/famcore/internal/pdp"
	"github.com/familycore/famcore/internal/store"
)

// JournalState mirrors cascade's task states, specialized to a UoW commit.
type JournalState string

const (
	StateStaged    JournalState = "staged"
	StateCommitted JournalState = "committed"
	StateAborted   JournalState = "aborted"
)

// Op is one staged store mutation, applied inside the commit transaction by
// Commit's caller (a Write Pipeline step, typically).
type Op func(tx *sql.Tx) error

// Journal accumulates ops for one logical write before Commit runs them
// atomically.
type Journal struct {
	ClientOpId string
	SpaceId    cit.SpaceId
	Actor      cit.UserId
	Decision   pdp.PolicyDecision
	RecordIds  []cit.RecordId
	Ops        []Op
	State      JournalState
}

// NewJournal starts a fresh journal for one write.
func NewJournal(clientOpID string, space cit.SpaceId, actor cit.UserId, decision pdp.PolicyDecision) *Journal {
	return &Journal{ClientOpId: clientOpID, SpaceId: space, Actor: actor, Decision: decision, State: StateStaged}
}

// Stage appends an op to the journal. Must be called before Commit.
func (j *Journal) Stage(op Op) { j.Ops = append(j.Ops, op) }

// Receipt is the audit artifact every successful commit produces (§3, §4.6).
type Receipt struct {
	ReceiptId          string
	Kind               string
	RecordIds          []cit.RecordId
	Actor              cit.UserId
	Ts                 int64
	Decision           string
	ObligationsApplied []string
	PrevHash           string
	Hash               string
	Seq                int64
}

// spacePanics tracks spaces locked into uow_panic read-only mode after a
// failed commit that could not cleanly roll back (§4.6 failure modes).
// Keyed in-memory per process; a durable deployment would also persist
// this flag so it survives a restart mid-panic.
var (
	panicMu     sync.Mutex
	panicSpaces = map[cit.SpaceId]bool{}
)

// IsPanicked reports whether space is currently locked read-only.
func IsPanicked(space cit.SpaceId) bool {
	panicMu.Lock()
	defer panicMu.Unlock()
	return panicSpaces[space]
}

func setPanicked(space cit.SpaceId, v bool) {
	panicMu.Lock()
	defer panicMu.Unlock()
	if v {
		panicSpaces[space] = true
	} else {
		delete(panicSpaces, space)
	}
}

// Repair clears a space's uow_panic flag. Per §4.6 this is operator-
// triggered only after a journal-based roll-forward/roll-back has been run
// out of band; Repair itself does not attempt recovery, it only lifts the
// lockout once the operator asserts recovery is done.
func Repair(space cit.SpaceId) { setPanicked(space, false) }

// Commit runs the journal's staged ops inside one transaction on stores,
// checks idempotency first, and appends a hash-chained receipt in the same
// transaction so the "every commit produces a Receipt" invariant is
// atomic, not eventually-consistent.
//
// If space is already panicked, Commit refuses immediately with
// corerr.KindUowPanic. If the underlying commit fails in a way that leaves
// atomicity in doubt, Commit marks the space panicked and returns
// corerr.KindUowPanic instead of a generic error.
func Commit(ctx context.Context, stores *store.SpaceStores, j *Journal) (*Receipt, error) {
	if IsPanicked(j.SpaceId) {
		return nil, corerr.New(corerr.KindUowPanic, "space is locked read-only pending repair")
	}

	if existing, err := existingReceiptTx(ctx, stores.DB, j.ClientOpId); err != nil {
		return nil, fmt.Errorf("uow: idempotency lookup: %w", err)
	} else if existing != nil {
		return existing, nil
	}

	var receipt *Receipt
	err := stores.WithTx(ctx, func(tx *sql.Tx) error {
		for _, op := range j.Ops {
			if err := op(tx); err != nil {
				return fmt.Errorf("uow: staged op failed: %w", err)
			}
		}

		r, err := appendReceiptTx(tx, j)
		if err != nil {
			return fmt.Errorf("uow: append receipt: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO idempotency_keys (client_op_id, receipt_id, record_id, created_ts)
			VALUES (?,?,?,?)`, j.ClientOpId, r.ReceiptId, firstRecordID(j.RecordIds), r.Ts); err != nil {
			return fmt.Errorf("uow: record idempotency key: %w", err)
		}
		receipt = r
		return nil
	})
	if err != nil {
		j.State = StateAborted
		if corerr.KindOf(err) == corerr.KindUowPanic {
			setPanicked(j.SpaceId, true)
		}
		return nil, err
	}

	j.State = StateCommitted
	return receipt, nil
}

func firstRecordID(ids []cit.RecordId) string {
	if len(ids) == 0 {
		return ""
	}
	return string(ids[0])
}

func existingReceiptTx(ctx context.Context, db *sql.DB, clientOpID string) (*Receipt, error) {
	row := db.QueryRowContext(ctx, `SELECT r.receipt_id, r.kind, r.record_ids, r.actor, r.ts, r.decision,
		r.obligations_applied, r.prev_hash, r.hash, r.seq
		FROM idempotency_keys k JOIN receipts r ON r.receipt_id = k.receipt_id
		WHERE k.client_op_id = ?`, clientOpID)

	var recordIDs, obligations string
	var rec Receipt
	err := row.Scan(&rec.ReceiptId, &rec.Kind, &recordIDs, &rec.Actor, &rec.Ts, &rec.Decision,
		&obligations, &rec.PrevHash, &rec.Hash, &rec.Seq)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.RecordIds = splitRecordIDs(recordIDs)
	rec.ObligationsApplied = splitFields(obligations)
	return &rec, nil
}

func appendReceiptTx(tx *sql.Tx, j *Journal) (*Receipt, error) {
	var prevHash string
	var seq int64
	row := tx.QueryRow(`SELECT hash, seq FROM receipts ORDER BY seq DESC LIMIT 1`)
	switch err := row.Scan(&prevHash, &seq); err {
	case nil:
		seq++
	case sql.ErrNoRows:
		prevHash = ""
		seq = 1
	default:
		return nil, err
	}

	now := cit.NowMs()
	obligations := obligationLabels(j.Decision)
	recordIDStrs := make([]string, len(j.RecordIds))
	for i, id := range j.RecordIds {
		recordIDStrs[i] = string(id)
	}

	fields := canon.Fields{
		"prev_hash":  prevHash,
		"actor":      string(j.Actor),
		"decision":   string(j.Decision.Decision),
		"record_ids": canon.StringSlice(recordIDStrs),
		"ts":         canon.Int64(now),
		"seq":        canon.Int64(seq),
	}
	sum := sha256.Sum256(canon.Encode(fields))
	hash := hex.EncodeToString(sum[:])
	receiptID := "rcpt_" + hash[:16]

	_, err := tx.Exec(`INSERT INTO receipts (receipt_id, kind, record_ids, actor, ts, decision, obligations_applied, prev_hash, hash, seq)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		receiptID, "uow_commit", joinRecordIDs(j.RecordIds), string(j.Actor), now, string(j.Decision.Decision),
		joinFields(obligations), prevHash, hash, seq)
	if err != nil {
		return nil, err
	}

	return &Receipt{
		ReceiptId:          receiptID,
		Kind:               "uow_commit",
		RecordIds:          j.RecordIds,
		Actor:              j.Actor,
		Ts:                 now,
		Decision:           string(j.Decision.Decision),
		ObligationsApplied: obligations,
		PrevHash:           prevHash,
		Hash:               hash,
		Seq:                seq,
	}, nil
}

func obligationLabels(d pdp.PolicyDecision) []string {
	var labels []string
	if d.Obligations.Audit {
		labels = append(labels, "audit")
	}
	if len(d.Obligations.RedactFields) > 0 {
		labels = append(labels, "redact")
	}
	if d.Obligations.BandFloor > cit.BandGreen {
		labels = append(labels, "band_floor")
	}
	if len(d.Obligations.ShareScope) > 0 {
		labels = append(labels, "share_scope")
	}
	return labels
}

func joinRecordIDs(ids []cit.RecordId) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = string(id)
	}
	return joinFields(strs)
}

func joinFields(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	out := ss[0]
	for _, s := range ss[1:] {
		out += ","
		out += s
	}
	return out
}

func splitRecordIDs(s string) []cit.RecordId {
	fields := splitFields(s)
	out := make([]cit.RecordId, len(fields))
	for i, f := range fields {
		out[i] = cit.RecordId(f)
	}
	return out
}

func splitFields(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

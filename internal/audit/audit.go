// Package audit implements the read/verify side of the Receipts & Audit
// Log (§4.16): lookups of committed receipts by record_id and time range,
// and a verifier that recomputes the hash chain to find the first
// divergence. Receipt creation lives in internal/uow.Commit, which appends
// a receipt inside the same transaction that mutates the stores; this
// package only reads. Grounded on internal/timeline/schema.go's append-log
// query conventions, with the chain-verification loop built the way the
// teacher writes small pure-function validators (internal/cascade).
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/familycore/famcore/internal/canon"
	"github.com/familycore/famcore/internal/cit"
)

// Receipt mirrors uow.Receipt for read-side consumers that don't otherwise
// depend on the uow package.
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

// Log reads receipts from one space's database.
type Log struct {
	db *sql.DB
}

func NewLog(db *sql.DB) *Log { return &Log{db: db} }

const receiptColumns = `receipt_id, kind, record_ids, actor, ts, decision, obligations_applied, prev_hash, hash, seq`

// ByRecordId returns every receipt mentioning recordID, oldest first.
func (l *Log) ByRecordId(ctx context.Context, recordID cit.RecordId) ([]Receipt, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+receiptColumns+` FROM receipts
		WHERE ','||record_ids||',' LIKE '%,'||?||',%' ORDER BY seq ASC`, string(recordID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReceipts(rows)
}

// ByTimeRange returns receipts in [from, to], ordered by seq ascending.
func (l *Log) ByTimeRange(ctx context.Context, from, to int64) ([]Receipt, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+receiptColumns+` FROM receipts
		WHERE ts BETWEEN ? AND ? ORDER BY seq ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReceipts(rows)
}

// All returns every receipt in the space, ordered by seq ascending. Used
// by Verify and by operator tooling (cmd/famcore audit verify).
func (l *Log) All(ctx context.Context) ([]Receipt, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+receiptColumns+` FROM receipts ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReceipts(rows)
}

func scanReceipts(rows *sql.Rows) ([]Receipt, error) {
	var out []Receipt
	for rows.Next() {
		var r Receipt
		var recordIDs, obligations string
		if err := rows.Scan(&r.ReceiptId, &r.Kind, &recordIDs, &r.Actor, &r.Ts, &r.Decision,
			&obligations, &r.PrevHash, &r.Hash, &r.Seq); err != nil {
			return nil, err
		}
		r.RecordIds = splitRecordIDs(recordIDs)
		r.ObligationsApplied = splitFields(obligations)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Divergence describes the first chain break Verify finds.
type Divergence struct {
	Seq      int64
	Reason   string
	Expected string
	Got      string
}

// Verify recomputes each receipt's hash from its canonical fields and
// checks it against both the stored hash and the next receipt's
// prev_hash, in seq order. It returns the first divergence found, or nil
// if the chain is intact.
func Verify(ctx context.Context, l *Log) (*Divergence, error) {
	receipts, err := l.All(ctx)
	if err != nil {
		return nil, err
	}

	var prevHash string
	for i, r := range receipts {
		if r.PrevHash != prevHash {
			return &Divergence{
				Seq:      r.Seq,
				Reason:   "prev_hash does not match preceding receipt's hash",
				Expected: prevHash,
				Got:      r.PrevHash,
			}, nil
		}

		recomputed := recomputeHash(r)
		if recomputed != r.Hash {
			return &Divergence{
				Seq:      r.Seq,
				Reason:   "stored hash does not match recomputed canonical hash",
				Expected: recomputed,
				Got:      r.Hash,
			}, nil
		}

		prevHash = r.Hash
		_ = i
	}
	return nil, nil
}

func recomputeHash(r Receipt) string {
	recordIDStrs := make([]string, len(r.RecordIds))
	for i, id := range r.RecordIds {
		recordIDStrs[i] = string(id)
	}
	fields := canon.Fields{
		"prev_hash":  r.PrevHash,
		"actor":      string(r.Actor),
		"decision":   r.Decision,
		"record_ids": canon.StringSlice(recordIDStrs),
		"ts":         canon.Int64(r.Ts),
		"seq":        canon.Int64(r.Seq),
	}
	sum := sha256.Sum256(canon.Encode(fields))
	return hex.EncodeToString(sum[:])
}

// ReceiptIdFor is exposed for callers (e.g. test fixtures) that need to
// derive the receipt_id the same way uow.appendReceiptTx does, without
// importing internal/uow.
func ReceiptIdFor(hash string) string {
	return fmt.Sprintf("rcpt_%s", hash[:16])
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
	return append(out, s[start:])
}

package store

import (
	"context"
	"database/sql"

	"github.com/familycore/famcore/internal/cit"
)

// OpKind enumerates the operations SYN replicates between devices (§4.13).
type OpKind string

const (
	OpCreate   OpKind = "CREATE"
	OpUpdate   OpKind = "UPDATE"
	OpDelete   OpKind = "DELETE"
	OpUndelete OpKind = "UNDELETE"
)

// Op is one causally-ordered mutation to a record, the unit SYN ships
// between devices. VCBefore is the sender's vector clock immediately before
// the op was applied locally; a receiver is ready to apply Op once its own
// clock already dominates VCBefore (§4.13 causal delivery).
type Op struct {
	Id         string
	RecordId   cit.RecordId
	Actor      cit.DeviceId
	VCBefore   cit.VectorClock
	Kind       OpKind
	Payload    []byte
	ReceivedTs int64
}

// OutboxEntry is a sealed-pending op awaiting transport.
type OutboxEntry struct {
	Seq       int64
	OpId      string
	RecordId  cit.RecordId
	Payload   []byte
	CreatedTs int64
}

// OrSetElement is one tagged add instance of an OR-Set field (§4.13).
type OrSetElement struct {
	Element string
	AddTag  string
	Removed bool
}

// SyncStore persists SYN's outbox, causal-buffering, and per-field CRDT
// state (§4.13), grounded on internal/group/types.go's envelope shape and
// internal/knowledge/facts.go's field-merge bookkeeping, adapted from a
// single assertion-confidence field to arbitrary LWW/OR-Set/PN-counter
// fields.
type SyncStore struct {
	db *sql.DB
}

func NewSyncStore(db *sql.DB) *SyncStore { return &SyncStore{db: db} }

// EnqueueOutboxTx appends a sealed op to the bounded outbox. If the outbox
// already holds capacity undrained entries, it refuses the insert and
// reports enqueued=false rather than growing unbounded (§4.13 backpressure)
// — the caller is expected to mark the record sync_pending in that case.
func (s *SyncStore) EnqueueOutboxTx(tx *sql.Tx, opID string, recordID cit.RecordId, payload []byte, now int64, capacity int) (bool, error) {
	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM sync_outbox WHERE drained = 0`).Scan(&n); err != nil {
		return false, err
	}
	if n >= capacity {
		return false, nil
	}
	_, err := tx.Exec(`INSERT INTO sync_outbox (op_id, record_id, payload, created_ts, drained) VALUES (?,?,?,?,0)`,
		opID, string(recordID), payload, now)
	return err == nil, err
}

// DrainOutboxTx returns up to limit undrained entries, oldest first.
func (s *SyncStore) DrainOutboxTx(tx *sql.Tx, limit int) ([]*OutboxEntry, error) {
	rows, err := tx.Query(`SELECT seq, op_id, record_id, payload, created_ts FROM sync_outbox WHERE drained = 0 ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var recID string
		if err := rows.Scan(&e.Seq, &e.OpId, &recID, &e.Payload, &e.CreatedTs); err != nil {
			return nil, err
		}
		e.RecordId = cit.RecordId(recID)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MarkDrainedTx flags outbox entries as transported so DrainOutboxTx won't
// return them again.
func (s *SyncStore) MarkDrainedTx(tx *sql.Tx, seqs []int64) error {
	for _, seq := range seqs {
		if _, err := tx.Exec(`UPDATE sync_outbox SET drained = 1 WHERE seq = ?`, seq); err != nil {
			return err
		}
	}
	return nil
}

// BufferPendingTx stashes an inbound op whose causal predecessors haven't
// arrived yet (§4.13). Readiness is re-checked by the caller against the
// record's current vector clock, not in SQL.
func (s *SyncStore) BufferPendingTx(tx *sql.Tx, op *Op) error {
	_, err := tx.Exec(`
		INSERT INTO sync_pending_ops (op_id, record_id, actor, vc_before, kind, payload, received_ts)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(op_id) DO NOTHING
	`, op.Id, string(op.RecordId), string(op.Actor), encodeVectorClock(op.VCBefore), string(op.Kind), op.Payload, op.ReceivedTs)
	return err
}

// PendingForRecordTx returns every buffered op for a record, oldest first.
func (s *SyncStore) PendingForRecordTx(tx *sql.Tx, recordID cit.RecordId) ([]*Op, error) {
	rows, err := tx.Query(`
		SELECT op_id, record_id, actor, vc_before, kind, payload, received_ts
		FROM sync_pending_ops WHERE record_id = ? ORDER BY received_ts ASC
	`, string(recordID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Op
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// DeletePendingTx removes a buffered op once it has been applied.
func (s *SyncStore) DeletePendingTx(tx *sql.Tx, opID string) error {
	_, err := tx.Exec(`DELETE FROM sync_pending_ops WHERE op_id = ?`, opID)
	return err
}

func scanOp(rows *sql.Rows) (*Op, error) {
	var op Op
	var recID, actor, vc, kind string
	if err := rows.Scan(&op.Id, &recID, &actor, &vc, &kind, &op.Payload, &op.ReceivedTs); err != nil {
		return nil, err
	}
	op.RecordId = cit.RecordId(recID)
	op.Actor = cit.DeviceId(actor)
	op.VCBefore = decodeVectorClock(vc)
	op.Kind = OpKind(kind)
	return &op, nil
}

// GetFieldStateTx returns the LWW register state for (recordID, field), or a
// nil clock and empty writer if the field has never been set.
func (s *SyncStore) GetFieldStateTx(tx *sql.Tx, recordID cit.RecordId, field string) (cit.VectorClock, string, error) {
	var vc, writer string
	err := tx.QueryRow(`SELECT vc, writer FROM sync_field_state WHERE record_id = ? AND field = ?`, string(recordID), field).Scan(&vc, &writer)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return decodeVectorClock(vc), writer, nil
}

// SetFieldStateTx persists the winning (vc, writer) pair for an LWW field
// after a merge decision has already been made by the caller.
func (s *SyncStore) SetFieldStateTx(tx *sql.Tx, recordID cit.RecordId, field string, vc cit.VectorClock, writer string) error {
	_, err := tx.Exec(`
		INSERT INTO sync_field_state (record_id, field, vc, writer) VALUES (?,?,?,?)
		ON CONFLICT(record_id, field) DO UPDATE SET vc = excluded.vc, writer = excluded.writer
	`, string(recordID), field, encodeVectorClock(vc), writer)
	return err
}

// AddOrSetElementTx records one tagged add to an OR-Set field. Concurrent
// adds of the same element get distinct tags and both survive until
// explicitly removed (§4.13 OR-Set semantics).
func (s *SyncStore) AddOrSetElementTx(tx *sql.Tx, recordID cit.RecordId, field, element, addTag string) error {
	_, err := tx.Exec(`
		INSERT INTO sync_orset_elements (record_id, field, element, add_tag, removed) VALUES (?,?,?,?,0)
		ON CONFLICT(record_id, field, add_tag) DO NOTHING
	`, string(recordID), field, element, addTag)
	return err
}

// RemoveOrSetElementsTx tombstones the add-tags observed at the time of
// removal — a concurrent add the remover never observed carries a different
// tag and survives the remove (standard OR-Set "observed-remove" rule).
func (s *SyncStore) RemoveOrSetElementsTx(tx *sql.Tx, recordID cit.RecordId, field string, tags []string) error {
	for _, tag := range tags {
		if _, err := tx.Exec(`UPDATE sync_orset_elements SET removed = 1 WHERE record_id = ? AND field = ? AND add_tag = ?`,
			string(recordID), field, tag); err != nil {
			return err
		}
	}
	return nil
}

// ListOrSetTagsTx returns every known add instance (live or tombstoned) for
// a field, for callers that need the full tag set to compute a remove.
func (s *SyncStore) ListOrSetTagsTx(tx *sql.Tx, recordID cit.RecordId, field string) ([]OrSetElement, error) {
	rows, err := tx.Query(`SELECT element, add_tag, removed FROM sync_orset_elements WHERE record_id = ? AND field = ?`,
		string(recordID), field)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrSetElement
	for rows.Next() {
		var e OrSetElement
		var removed int
		if err := rows.Scan(&e.Element, &e.AddTag, &removed); err != nil {
			return nil, err
		}
		e.Removed = removed != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// MaterializeOrSetTx returns the set's current value: the distinct elements
// with at least one live (non-removed) add instance.
func (s *SyncStore) MaterializeOrSetTx(tx *sql.Tx, recordID cit.RecordId, field string) ([]string, error) {
	rows, err := tx.Query(`SELECT DISTINCT element FROM sync_orset_elements WHERE record_id = ? AND field = ? AND removed = 0`,
		string(recordID), field)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ApplyCounterDeltaTx applies a signed delta to device's share of a
// PN-counter field: positive deltas accumulate in pos, negative in neg, so
// merges across devices never need to subtract one device's view from
// another's (§4.13 PN-counter semantics).
func (s *SyncStore) ApplyCounterDeltaTx(tx *sql.Tx, recordID cit.RecordId, field string, device cit.DeviceId, delta int64) error {
	pos, neg := int64(0), int64(0)
	if delta > 0 {
		pos = delta
	} else {
		neg = -delta
	}
	_, err := tx.Exec(`
		INSERT INTO sync_pncounters (record_id, field, device_id, pos, neg) VALUES (?,?,?,?,?)
		ON CONFLICT(record_id, field, device_id) DO UPDATE SET
			pos = sync_pncounters.pos + excluded.pos,
			neg = sync_pncounters.neg + excluded.neg
	`, string(recordID), field, string(device), pos, neg)
	return err
}

// CounterValueTx returns the current PN-counter value: sum of every
// device's positive part minus every device's negative part.
func (s *SyncStore) CounterValueTx(tx *sql.Tx, recordID cit.RecordId, field string) (int64, error) {
	var pos, neg sql.NullInt64
	err := tx.QueryRow(`SELECT COALESCE(SUM(pos),0), COALESCE(SUM(neg),0) FROM sync_pncounters WHERE record_id = ? AND field = ?`,
		string(recordID), field).Scan(&pos, &neg)
	if err != nil {
		return 0, err
	}
	return pos.Int64 - neg.Int64, nil
}

// CounterValue is the auto-commit convenience form of CounterValueTx for
// read paths outside a UoW transaction.
func (s *SyncStore) CounterValue(ctx context.Context, recordID cit.RecordId, field string) (int64, error) {
	var pos, neg sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(pos),0), COALESCE(SUM(neg),0) FROM sync_pncounters WHERE record_id = ? AND field = ?`,
		string(recordID), field).Scan(&pos, &neg)
	if err != nil {
		return 0, err
	}
	return pos.Int64 - neg.Int64, nil
}

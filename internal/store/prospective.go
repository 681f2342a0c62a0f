package store

import (
	"context"
	"database/sql"
	"strings"
)

// TriggerState mirrors the SCHEDULED→ARMED→FIRED|CANCELED DAG (§3, §4.12).
type TriggerState string

const (
	TriggerScheduled TriggerState = "SCHEDULED"
	TriggerArmed     TriggerState = "ARMED"
	TriggerFired     TriggerState = "FIRED"
	TriggerCanceled  TriggerState = "CANCELED"
)

// ProspectiveTrigger is a durable time-and-context trigger (§3).
type ProspectiveTrigger struct {
	Id               string
	SpaceId          string
	Owner            string
	ContextPredicate map[string]string
	PayloadRef       string
	State            TriggerState
	NextEvalTs       int64
	FiredEpoch       int64
	CreatedTs        int64
}

// ProspectiveStore persists trigger instances for PRS (§4.12). Unlike the
// other stores it is keyed by next_eval_ts for due-queue scans rather than
// by record_id.
type ProspectiveStore struct {
	db *sql.DB
}

func NewProspectiveStore(db *sql.DB) *ProspectiveStore { return &ProspectiveStore{db: db} }

// ScheduleTx inserts a new trigger in SCHEDULED state.
func (s *ProspectiveStore) ScheduleTx(tx *sql.Tx, t *ProspectiveTrigger) error {
	t.State = TriggerScheduled
	t.FiredEpoch = 0
	_, err := tx.Exec(`
		INSERT INTO prospective_triggers (id, space_id, owner, context_predicate, payload_ref, state, next_eval_ts, fired_epoch, created_ts)
		VALUES (?,?,?,?,?,?,?,0,?)
	`, t.Id, t.SpaceId, t.Owner, encodeKV(t.ContextPredicate), t.PayloadRef, string(t.State), t.NextEvalTs, t.CreatedTs)
	return err
}

// DueTx returns SCHEDULED or ARMED triggers in space whose next_eval_ts has
// passed, ordered by next_eval_ts ascending (earliest-due first).
func (s *ProspectiveStore) DueTx(tx *sql.Tx, space string, cutoff int64) ([]*ProspectiveTrigger, error) {
	rows, err := tx.Query(`
		SELECT id, space_id, owner, context_predicate, payload_ref, state, next_eval_ts, fired_epoch, created_ts
		FROM prospective_triggers
		WHERE space_id = ? AND next_eval_ts <= ? AND state IN ('SCHEDULED','ARMED')
		ORDER BY next_eval_ts ASC, id ASC
	`, space, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ProspectiveTrigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ArmTx transitions a trigger from SCHEDULED to ARMED: the time component of
// its predicate has been reached, its context predicate is now evaluated on
// every due pass until it matches or the trigger is canceled.
func (s *ProspectiveStore) ArmTx(tx *sql.Tx, id string) error {
	_, err := tx.Exec(`UPDATE prospective_triggers SET state = 'ARMED' WHERE id = ? AND state = 'SCHEDULED'`, id)
	return err
}

// RescheduleTx bumps an ARMED trigger's next_eval_ts forward (re-evaluation
// jitter lives in the caller, this just persists the chosen timestamp).
func (s *ProspectiveStore) RescheduleTx(tx *sql.Tx, id string, nextEvalTs int64) error {
	_, err := tx.Exec(`UPDATE prospective_triggers SET next_eval_ts = ? WHERE id = ? AND state = 'ARMED'`, nextEvalTs, id)
	return err
}

// FireTx transitions an ARMED trigger to FIRED and increments fired_epoch,
// guarded by a compare-and-swap on state so a duplicate delivery (the same
// trigger evaluated twice concurrently, or a retried evaluation pass) can
// only ever fire once: the second caller's UPDATE matches zero rows and
// fired is reported false rather than double-firing.
func (s *ProspectiveStore) FireTx(tx *sql.Tx, id string) (bool, error) {
	res, err := tx.Exec(`UPDATE prospective_triggers SET state = 'FIRED', fired_epoch = fired_epoch + 1 WHERE id = ? AND state = 'ARMED'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CancelTx transitions a trigger to CANCELED from either SCHEDULED or ARMED.
func (s *ProspectiveStore) CancelTx(tx *sql.Tx, id string) error {
	_, err := tx.Exec(`UPDATE prospective_triggers SET state = 'CANCELED' WHERE id = ? AND state IN ('SCHEDULED','ARMED')`, id)
	return err
}

// List returns every non-terminal (SCHEDULED or ARMED) trigger in space,
// earliest-due first, for CLI/audit inspection outside a due-queue pass.
func (s *ProspectiveStore) List(ctx context.Context, space string) ([]*ProspectiveTrigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, space_id, owner, context_predicate, payload_ref, state, next_eval_ts, fired_epoch, created_ts
		FROM prospective_triggers
		WHERE space_id = ? AND state IN ('SCHEDULED','ARMED')
		ORDER BY next_eval_ts ASC, id ASC
	`, space)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ProspectiveTrigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Get fetches a trigger by id.
func (s *ProspectiveStore) Get(ctx context.Context, id string) (*ProspectiveTrigger, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, space_id, owner, context_predicate, payload_ref, state, next_eval_ts, fired_epoch, created_ts
		FROM prospective_triggers WHERE id = ?`, id)
	return scanTriggerRow(row)
}

func scanTrigger(rows *sql.Rows) (*ProspectiveTrigger, error) {
	var t ProspectiveTrigger
	var state, ctxPred string
	if err := rows.Scan(&t.Id, &t.SpaceId, &t.Owner, &ctxPred, &t.PayloadRef, &state, &t.NextEvalTs, &t.FiredEpoch, &t.CreatedTs); err != nil {
		return nil, err
	}
	t.State = TriggerState(state)
	t.ContextPredicate = decodeKV(ctxPred)
	return &t, nil
}

func scanTriggerRow(row *sql.Row) (*ProspectiveTrigger, error) {
	var t ProspectiveTrigger
	var state, ctxPred string
	err := row.Scan(&t.Id, &t.SpaceId, &t.Owner, &ctxPred, &t.PayloadRef, &state, &t.NextEvalTs, &t.FiredEpoch, &t.CreatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.State = TriggerState(state)
	t.ContextPredicate = decodeKV(ctxPred)
	return &t, nil
}

func decodeKV(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) == 2 {
			out[kv[0]] = kv[1]
		}
	}
	return out
}

package syn

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/store"
)

// undoWindowMs is the AMBER undelete window (§4.13, §8 P6): an UNDELETE op
// arriving more than this long after the matching DELETE is dropped rather
// than resurrecting the record.
const undoWindowMs = 15 * 60 * 1000

// causallyReady reports whether current already incorporates every
// predecessor dep depends on — the standard causal-delivery condition,
// relaxed to a pointwise dominance check rather than the stricter
// next-in-sequence rule, since SYN tolerates out-of-order delivery from
// devices it hasn't synced with directly yet.
func causallyReady(current, dep cit.VectorClock) bool {
	for d, v := range dep {
		if current[d] < v {
			return false
		}
	}
	return true
}

// Apply applies op to its record inside one UoW transaction, buffering it
// first if its causal predecessors are missing and draining any
// now-ready buffered ops for the same record afterward (§4.13).
func (e *Engine) Apply(ctx context.Context, space cit.SpaceId, op *store.Op) error {
	stores, err := e.stores(space)
	if err != nil {
		return fmt.Errorf("syn: resolve stores: %w", err)
	}
	return stores.WithTx(ctx, func(tx *sql.Tx) error {
		return e.applyTx(tx, stores, op)
	})
}

func (e *Engine) applyTx(tx *sql.Tx, stores *store.SpaceStores, op *store.Op) error {
	rec, err := stores.Episodic.GetTx(tx, op.RecordId, true)
	if err != nil {
		return err
	}

	current := cit.NewVectorClock()
	if rec != nil {
		current = rec.VC
	} else if op.Kind != store.OpCreate {
		// No local record yet and this isn't the op that creates one: must
		// wait for the CREATE to land first.
		return stores.Sync.BufferPendingTx(tx, op)
	}

	if !causallyReady(current, op.VCBefore) {
		return stores.Sync.BufferPendingTx(tx, op)
	}

	if err := e.dispatch(tx, stores, rec, op); err != nil {
		return err
	}

	// Re-check buffered ops for this record: applying op may have unblocked
	// one or more of them. Loop to a fixed point since unblocking one op can
	// unblock another.
	for {
		pending, err := stores.Sync.PendingForRecordTx(tx, op.RecordId)
		if err != nil {
			return err
		}
		rec, err = stores.Episodic.GetTx(tx, op.RecordId, true)
		if err != nil {
			return err
		}
		curVC := cit.NewVectorClock()
		if rec != nil {
			curVC = rec.VC
		}
		applied := false
		for _, p := range pending {
			if rec == nil && p.Kind != store.OpCreate {
				continue
			}
			if !causallyReady(curVC, p.VCBefore) {
				continue
			}
			if err := e.dispatch(tx, stores, rec, p); err != nil {
				return err
			}
			if err := stores.Sync.DeletePendingTx(tx, p.Id); err != nil {
				return err
			}
			applied = true
			break
		}
		if !applied {
			return nil
		}
	}
}

// dispatch applies one op's effect and advances the record's vector clock.
// rec may be nil only when op.Kind is OpCreate.
func (e *Engine) dispatch(tx *sql.Tx, stores *store.SpaceStores, rec *store.MemoryRecord, op *store.Op) error {
	switch op.Kind {
	case store.OpCreate:
		return e.applyCreate(tx, stores, rec, op)
	case store.OpUpdate:
		return e.applyUpdate(tx, stores, rec, op)
	case store.OpDelete:
		return e.applyDelete(tx, stores, rec, op)
	case store.OpUndelete:
		return e.applyUndelete(tx, stores, rec, op)
	default:
		return fmt.Errorf("syn: unknown op kind %q", op.Kind)
	}
}

func opVC(op *store.Op) cit.VectorClock {
	return op.VCBefore.Clone().Inc(op.Actor)
}

// applyCreate handles both the common case (no local record yet) and the
// pathological same-id concurrent-create case (§4.13): "same id cannot be
// produced by two devices unless colluding" — when it happens anyway, the
// device with the lexicographically smaller device_id wins the contested
// id deterministically, and the loser's content is re-homed under a fresh
// RecordId with AliasOf pointing at the winner rather than discarded
// (§4.13 "other becomes an alias", §8 writes are never lost).
func (e *Engine) applyCreate(tx *sql.Tx, stores *store.SpaceStores, rec *store.MemoryRecord, op *store.Op) error {
	var incoming store.MemoryRecord
	if err := json.Unmarshal(op.Payload, &incoming); err != nil {
		return fmt.Errorf("syn: decode create payload: %w", err)
	}

	if rec != nil && rec.Author.Device != op.Actor {
		if string(op.Actor) >= string(rec.Author.Device) {
			// existing create wins the contested id; incoming becomes an
			// alias record of its own, pointing back at the winner.
			rec.VC = rec.VC.Merge(opVC(op))
			if err := stores.Episodic.UpsertTx(tx, rec); err != nil {
				return err
			}
			incoming.Id = cit.NewRecordId()
			incoming.AliasOf = rec.Id
			incoming.VC = opVC(op)
			return stores.Episodic.UpsertTx(tx, &incoming)
		}
		// incoming wins: takes over the contested id; the existing record's
		// content survives as a separate alias of the new winner.
		keptId := rec.Id
		alias := *rec
		alias.Id = cit.NewRecordId()
		alias.AliasOf = keptId
		incoming.Id = keptId
		incoming.VC = rec.VC.Merge(opVC(op))
		if err := stores.Episodic.UpsertTx(tx, &incoming); err != nil {
			return err
		}
		return stores.Episodic.UpsertTx(tx, &alias)
	}

	incoming.VC = opVC(op)
	return stores.Episodic.UpsertTx(tx, &incoming)
}

func (e *Engine) applyDelete(tx *sql.Tx, stores *store.SpaceStores, rec *store.MemoryRecord, op *store.Op) error {
	if rec == nil {
		return nil
	}
	if err := stores.Episodic.TombstoneTx(tx, rec.Id, op.ReceivedTs); err != nil {
		return err
	}
	rec.VC = rec.VC.Merge(opVC(op))
	return stores.Episodic.UpsertTx(tx, rec)
}

func (e *Engine) applyUndelete(tx *sql.Tx, stores *store.SpaceStores, rec *store.MemoryRecord, op *store.Op) error {
	if rec == nil || !rec.Tombstoned {
		return nil
	}
	if op.ReceivedTs-rec.TombstoneAt > undoWindowMs {
		// outside the AMBER undo window: drop the resurrection attempt.
		return nil
	}
	if err := stores.Episodic.UndoTombstoneTx(tx, rec.Id); err != nil {
		return err
	}
	rec.VC = rec.VC.Merge(opVC(op))
	return stores.Episodic.UpsertTx(tx, rec)
}

func (e *Engine) applyUpdate(tx *sql.Tx, stores *store.SpaceStores, rec *store.MemoryRecord, op *store.Op) error {
	if rec == nil {
		return nil
	}
	var payload updatePayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return fmt.Errorf("syn: decode update payload: %w", err)
	}
	newVC := opVC(op)

	for _, u := range payload.Updates {
		switch u.Kind {
		case "lww":
			if err := e.applyLWWField(tx, stores, rec, u, op.Actor, newVC); err != nil {
				return err
			}
		case "orset_add":
			if err := stores.Sync.AddOrSetElementTx(tx, rec.Id, u.Field, u.Element, u.AddTag); err != nil {
				return err
			}
			if err := e.materializeOrSet(tx, stores, rec, u.Field); err != nil {
				return err
			}
		case "orset_remove":
			if err := stores.Sync.RemoveOrSetElementsTx(tx, rec.Id, u.Field, u.RemoveTags); err != nil {
				return err
			}
			if err := e.materializeOrSet(tx, stores, rec, u.Field); err != nil {
				return err
			}
		case "counter":
			if err := stores.Sync.ApplyCounterDeltaTx(tx, rec.Id, u.Field, op.Actor, u.Delta); err != nil {
				return err
			}
		default:
			return fmt.Errorf("syn: unknown field update kind %q", u.Kind)
		}
	}

	rec.VC = rec.VC.Merge(newVC)
	return stores.Episodic.UpsertTx(tx, rec)
}

// applyLWWField resolves a scalar field update with field-level
// last-write-wins by vc pointwise-max, tiebroken by device_id ascending on
// concurrent writes (§4.13). Only content.text and emotion.label map onto
// record fields; any other field name is stored in Content.Structured under
// that name as given.
func (e *Engine) applyLWWField(tx *sql.Tx, stores *store.SpaceStores, rec *store.MemoryRecord, u FieldUpdate, actor cit.DeviceId, newVC cit.VectorClock) error {
	existingVC, existingWriter, err := stores.Sync.GetFieldStateTx(tx, rec.Id, u.Field)
	if err != nil {
		return err
	}

	winner := true
	if existingVC != nil {
		switch {
		case cit.HappensBefore(newVC, existingVC):
			winner = false
		case cit.HappensBefore(existingVC, newVC):
			winner = true
		case existingVC.Equal(newVC):
			winner = false // no-op, field state already reflects this write
		default:
			// concurrent: lower device_id wins, matching create/create's rule.
			winner = string(actor) < existingWriter
		}
	}
	if !winner {
		return nil
	}

	if err := stores.Sync.SetFieldStateTx(tx, rec.Id, u.Field, newVC, string(actor)); err != nil {
		return err
	}
	setRecordField(rec, u.Field, u.LWWValue)
	return nil
}

func setRecordField(rec *store.MemoryRecord, field, value string) {
	switch field {
	case "content.text":
		rec.Content.Text = value
	case "emotion.label":
		rec.Emotion.Label = value
	default:
		if rec.Content.Structured == nil {
			rec.Content.Structured = make(map[string]string)
		}
		rec.Content.Structured[field] = value
	}
}

func (e *Engine) materializeOrSet(tx *sql.Tx, stores *store.SpaceStores, rec *store.MemoryRecord, field string) error {
	elems, err := stores.Sync.MaterializeOrSetTx(tx, rec.Id, field)
	if err != nil {
		return err
	}
	switch field {
	case "features.tags":
		rec.Features.Tags = elems
	case "features.keywords":
		rec.Features.Keywords = elems
	}
	return nil
}

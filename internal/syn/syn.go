// Package syn implements the CRDT Sync Engine (§4.13): an op-based CRDT per
// record with VectorClock causal context, delivered as KGM-sealed envelopes
// over whatever transport the caller wires up. SYN never opens a socket
// itself — it only exposes Outbox (drain-and-seal) and Inbox (open-and-
// apply), grounded on internal/group/types.go's GroupEnvelope wire shape and
// internal/group/kafka_consumer.go's drain-loop pattern, adapted from
// multi-agent task messages to per-record CRDT ops.
package syn

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/kgm"
	"github.com/familycore/famcore/internal/obs"
	"github.com/familycore/famcore/internal/store"
)

// Config tunes outbox capacity and drain batching.
type Config struct {
	OutboxCapacity int
	DrainBatch     int
}

func DefaultConfig() Config {
	return Config{OutboxCapacity: 500, DrainBatch: 50}
}

// Envelope is what crosses the wire: a sealed op plus the routing metadata
// the transport needs but the ciphertext hides.
type Envelope struct {
	OpId   string
	Space  cit.SpaceId
	Sealed *kgm.Envelope
}

// Engine wires STR and KGM into the CRDT apply rules (§4.13).
type Engine struct {
	stores func(cit.SpaceId) (*store.SpaceStores, error)
	keys   *kgm.Manager
	device cit.DeviceId
	hooks  obs.Hooks
	cfg    Config
}

func New(stores func(cit.SpaceId) (*store.SpaceStores, error), keys *kgm.Manager, device cit.DeviceId, hooks obs.Hooks, cfg Config) *Engine {
	if hooks == nil {
		hooks = obs.Noop{}
	}
	if cfg.OutboxCapacity <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{stores: stores, keys: keys, device: device, hooks: hooks, cfg: cfg}
}

func groupFor(space cit.SpaceId) string { return string(space) }

// epochFor is the sealing epoch to use. Epoch rotation policy (how often,
// who triggers it) lives upstream of SYN; until that's wired, every envelope
// seals with epoch 0, which kgm.Manager can always derive even if nothing
// has explicitly rotated yet.
const currentEpoch = 0

// vcBefore reconstructs the causal context an op depended on by undoing its
// own increment, so callers that already hold the post-increment VC (as WP
// does) don't need to thread the pre-increment value through separately.
func vcBefore(vc cit.VectorClock, actor cit.DeviceId) cit.VectorClock {
	out := vc.Clone()
	if out[actor] > 0 {
		out[actor]--
	}
	if out[actor] == 0 {
		delete(out, actor)
	}
	return out
}

func newOpId() string { return "op_" + string(cit.NewRecordId()) }

// enqueueTx serializes op and hands it to the bounded outbox, falling back
// to marking the record sync_pending on backpressure (§4.13) — personal
// spaces never reach this at all since the Enqueue*Tx helpers below skip
// non-shareable spaces before calling it.
func (e *Engine) enqueueTx(tx *sql.Tx, stores *store.SpaceStores, op *store.Op) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("syn: marshal op: %w", err)
	}
	ok, err := stores.Sync.EnqueueOutboxTx(tx, op.Id, op.RecordId, payload, cit.NowMs(), e.cfg.OutboxCapacity)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	e.hooks.Event("syn.outbox.backpressure", map[string]any{"record_id": string(op.RecordId)})
	return stores.Episodic.MarkSyncPendingTx(tx, op.RecordId, true)
}

// EnqueueCreateTx stages an outbound CREATE op for a freshly written record.
// Called from WP's journal (§4.9 step "SYN outbox enqueue"); a no-op for
// personal:* spaces, which never leave the owning device (§4.3).
func (e *Engine) EnqueueCreateTx(tx *sql.Tx, stores *store.SpaceStores, rec *store.MemoryRecord) error {
	if !rec.SpaceId.IsShareable() {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("syn: marshal record snapshot: %w", err)
	}
	op := &store.Op{
		Id:         newOpId(),
		RecordId:   rec.Id,
		Actor:      rec.Author.Device,
		VCBefore:   vcBefore(rec.VC, rec.Author.Device),
		Kind:       store.OpCreate,
		Payload:    payload,
		ReceivedTs: cit.NowMs(),
	}
	return e.enqueueTx(tx, stores, op)
}

// FieldUpdate describes one field-level change inside an UPDATE op. Kind is
// one of "lww" (scalar register), "orset_add"/"orset_remove" (array/set
// fields), or "counter" (PN-counter fields).
type FieldUpdate struct {
	Field      string
	Kind       string
	LWWValue   string
	Element    string
	AddTag     string
	RemoveTags []string
	Delta      int64
}

type updatePayload struct {
	Updates []FieldUpdate
}

// EnqueueUpdateTx stages an outbound UPDATE op. newVC must already reflect
// actor's increment (the same convention EnqueueCreateTx uses for rec.VC).
func (e *Engine) EnqueueUpdateTx(tx *sql.Tx, stores *store.SpaceStores, space cit.SpaceId, recID cit.RecordId, actor cit.DeviceId, newVC cit.VectorClock, updates []FieldUpdate) error {
	if !space.IsShareable() {
		return nil
	}
	payload, err := json.Marshal(updatePayload{Updates: updates})
	if err != nil {
		return fmt.Errorf("syn: marshal update payload: %w", err)
	}
	op := &store.Op{
		Id:         newOpId(),
		RecordId:   recID,
		Actor:      actor,
		VCBefore:   vcBefore(newVC, actor),
		Kind:       store.OpUpdate,
		Payload:    payload,
		ReceivedTs: cit.NowMs(),
	}
	return e.enqueueTx(tx, stores, op)
}

// EnqueueDeleteTx stages an outbound DELETE (tombstone) op.
func (e *Engine) EnqueueDeleteTx(tx *sql.Tx, stores *store.SpaceStores, space cit.SpaceId, recID cit.RecordId, actor cit.DeviceId, newVC cit.VectorClock) error {
	if !space.IsShareable() {
		return nil
	}
	op := &store.Op{
		Id: newOpId(), RecordId: recID, Actor: actor,
		VCBefore: vcBefore(newVC, actor), Kind: store.OpDelete, ReceivedTs: cit.NowMs(),
	}
	return e.enqueueTx(tx, stores, op)
}

// EnqueueUndeleteTx stages an outbound UNDELETE op (within the caller's
// AMBER undo window enforcement — SYN itself re-checks the window in Apply).
func (e *Engine) EnqueueUndeleteTx(tx *sql.Tx, stores *store.SpaceStores, space cit.SpaceId, recID cit.RecordId, actor cit.DeviceId, newVC cit.VectorClock) error {
	if !space.IsShareable() {
		return nil
	}
	op := &store.Op{
		Id: newOpId(), RecordId: recID, Actor: actor,
		VCBefore: vcBefore(newVC, actor), Kind: store.OpUndelete, ReceivedTs: cit.NowMs(),
	}
	return e.enqueueTx(tx, stores, op)
}

// Outbox drains up to Config.DrainBatch pending ops for space, sealing each
// with the space's current group key. Callers are responsible for actual
// transport and must call MarkSent on success so drained entries aren't
// resent.
func (e *Engine) Outbox(ctx context.Context, space cit.SpaceId) ([]Envelope, error) {
	stores, err := e.stores(space)
	if err != nil {
		return nil, fmt.Errorf("syn: resolve stores: %w", err)
	}

	var entries []*store.OutboxEntry
	err = stores.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		entries, err = stores.Sync.DrainOutboxTx(tx, e.cfg.DrainBatch)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]Envelope, 0, len(entries))
	for _, entry := range entries {
		sealed, err := e.keys.Seal(groupFor(space), currentEpoch, string(e.device), []byte(entry.OpId), entry.Payload)
		if err != nil {
			return nil, fmt.Errorf("syn: seal op %s: %w", entry.OpId, err)
		}
		out = append(out, Envelope{OpId: entry.OpId, Space: space, Sealed: sealed})
	}
	return out, nil
}

// MarkSent flags outbox entries as transported once the caller's transport
// confirms delivery (at-least-once — a crash between Outbox and MarkSent
// just resends).
func (e *Engine) MarkSent(ctx context.Context, space cit.SpaceId, opIDs []string) error {
	stores, err := e.stores(space)
	if err != nil {
		return fmt.Errorf("syn: resolve stores: %w", err)
	}
	return stores.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT seq FROM sync_outbox WHERE op_id IN (` + placeholders(len(opIDs)) + `)`, toAny(opIDs)...)
		if err != nil {
			return err
		}
		var seqs []int64
		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				rows.Close()
				return err
			}
			seqs = append(seqs, seq)
		}
		rows.Close()
		return stores.Sync.MarkDrainedTx(tx, seqs)
	})
}

func placeholders(n int) string {
	if n == 0 {
		return "''"
	}
	s := "?"
	for i := 1; i < n; i++ {
		s += ",?"
	}
	return s
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Inbox opens a sealed envelope against space's current group keys and
// applies the enclosed op, buffering it if its causal predecessors haven't
// arrived yet.
func (e *Engine) Inbox(ctx context.Context, env Envelope) error {
	plaintext, err := e.keys.Open(env.Sealed, []byte(env.OpId))
	if err != nil {
		return fmt.Errorf("syn: open envelope %s: %w", env.OpId, err)
	}
	var op store.Op
	if err := json.Unmarshal(plaintext, &op); err != nil {
		return fmt.Errorf("syn: decode op %s: %w", env.OpId, err)
	}
	return e.Apply(ctx, env.Space, &op)
}

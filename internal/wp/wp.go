// Package wp implements the Write Pipeline (§4.9): PDP check, ATG
// admission, hippocampal encode, UoW fanout to every store, a receipt,
// a BUS event, and (for shared spaces) a SYN outbox enqueue — all inside
// one journal. At-most-one concurrent build per content fingerprint is
// enforced with a per-fingerprint mutex, generalized from the teacher's
// internal/cascade task-dedupe pattern into a map of live in-flight
// builds rather than a task DAG.
package wp

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/familycore/famcore/internal/atg"
	"github.com/familycore/famcore/internal/bus"
	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/corerr"
	"github.com/familycore/famcore/internal/obs"
	"github.com/familycore/famcore/internal/pdp"
	"github.com/familycore/famcore/internal/store"
	"github.com/familycore/famcore/internal/syn"
	"github.com/familycore/famcore/internal/uow"
)

// defaultUndoWindow is the AMBER undo window's default (§6.4
// undo_window_sec, §8 P6): a tombstone may be undone within this long of
// being tombstoned, after which it is permanent.
const defaultUndoWindow = 900 * time.Second

// Extraction is the output of feature extraction (§4.9 step 3): keywords,
// tags, an embedding, and entity names for KG co-occurrence. Extractors are
// pluggable so the pipeline never hardcodes a model.
type Extraction struct {
	Keywords  []string
	Tags      []string
	Embedding cit.Embedding
	Entities  []string
}

// Extractor derives Features from raw content. The zero Pipeline uses
// KeywordExtractor; production deployments inject a model-backed one.
type Extractor interface {
	Extract(content store.Content) Extraction
}

// KeywordExtractor is the default, dependency-free extractor: it tokenizes
// content text the same way FTS does, so keyword search and indexing agree
// on what a "word" is. It produces no embedding and no entities; a
// deployment wanting vector search or KG co-occurrence supplies its own
// Extractor.
type KeywordExtractor struct{}

func (KeywordExtractor) Extract(content store.Content) Extraction {
	tokens := store.Tokenize(content.Text)
	seen := make(map[string]bool, len(tokens))
	var keywords []string
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			keywords = append(keywords, t)
		}
	}
	return Extraction{Keywords: keywords}
}

// SubmitRequest is submit(content, context) (§4.9).
type SubmitRequest struct {
	ClientOpId string
	FamilyId   cit.FamilyId
	SpaceId    cit.SpaceId
	SessionId  string
	Author     store.Author
	Content    store.Content
	Band       cit.Band
	Emotion    store.EmotionalContext
	Hints      atg.SalienceHints
	PolicyReq  pdp.Request
}

// fingerprint identifies content for the at-most-one-concurrent-build rule
// (§4.9): same space, same author, same content hash submitted twice
// concurrently is one build, not two.
func (r *SubmitRequest) fingerprint() string {
	h := sha256.Sum256([]byte(string(r.SpaceId) + "|" + string(r.Author.User) + "|" + r.Content.Type + "|" + r.Content.Text))
	return hex.EncodeToString(h[:])
}

// Pipeline wires PDP, ATG, hippocampal encode, UoW, AUD, and BUS into
// submit(). stores is keyed by space so one Pipeline can serve every space
// a process hosts.
type Pipeline struct {
	pdp       *pdp.Engine
	atg       *atg.Gate
	bus       *bus.Bus
	extractor Extractor
	hooks     obs.Hooks

	stores func(cit.SpaceId) (*store.SpaceStores, error)
	sync   *syn.Engine

	undoWindow time.Duration

	mu       sync.Mutex
	inflight map[string]*buildResult
}

// UseSyncEngine wires a CRDT sync engine into the pipeline so shared-space
// writes get a SYN outbox entry staged in the same journal as the rest of
// the commit (§4.9 step "SYN outbox enqueue"). Optional: a Pipeline with no
// sync engine just skips that stage, which is what every existing
// single-device deployment and test does today.
func (p *Pipeline) UseSyncEngine(e *syn.Engine) *Pipeline {
	p.sync = e
	return p
}

// SetUndoWindow overrides the AMBER undo window (config key
// undo_window_sec) a tombstoned record may still be restored within.
// Optional: the zero Pipeline uses defaultUndoWindow.
func (p *Pipeline) SetUndoWindow(d time.Duration) *Pipeline {
	if d > 0 {
		p.undoWindow = d
	}
	return p
}

type buildResult struct {
	done    chan struct{}
	receipt *uow.Receipt
	err     error
}

func New(pdpEngine *pdp.Engine, gate *atg.Gate, b *bus.Bus, extractor Extractor, hooks obs.Hooks, stores func(cit.SpaceId) (*store.SpaceStores, error)) *Pipeline {
	if extractor == nil {
		extractor = KeywordExtractor{}
	}
	if hooks == nil {
		hooks = obs.Noop{}
	}
	return &Pipeline{
		pdp: pdpEngine, atg: gate, bus: b, extractor: extractor, hooks: hooks,
		stores: stores, undoWindow: defaultUndoWindow, inflight: make(map[string]*buildResult),
	}
}

// Submit runs the Write Pipeline for one piece of content (§4.9). A second
// concurrent call with the same fingerprint waits for the first build and
// returns its receipt rather than building twice.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*uow.Receipt, error) {
	fp := req.fingerprint()

	p.mu.Lock()
	if existing, ok := p.inflight[fp]; ok {
		p.mu.Unlock()
		<-existing.done
		return existing.receipt, existing.err
	}
	result := &buildResult{done: make(chan struct{})}
	p.inflight[fp] = result
	p.mu.Unlock()

	receipt, err := p.build(ctx, req)

	p.mu.Lock()
	delete(p.inflight, fp)
	p.mu.Unlock()

	result.receipt, result.err = receipt, err
	close(result.done)
	return receipt, err
}

func (p *Pipeline) build(ctx context.Context, req SubmitRequest) (*uow.Receipt, error) {
	timer := obs.Timer(p.hooks, "wp.submit", nil)
	defer timer()

	req.PolicyReq.Operation = pdp.OpMemoryWrite
	req.PolicyReq.Actor = req.Author.User
	req.PolicyReq.Device = req.Author.Device
	req.PolicyReq.Space = req.SpaceId
	decision := p.pdp.Evaluate(req.PolicyReq)
	p.hooks.Event("wp.submit.pdp", map[string]any{"decision": string(decision.Decision)})
	if decision.Decision == pdp.Deny {
		return nil, corerr.New(corerr.KindPolicyDenied, "memory.write denied")
	}

	admission := p.atg.Evaluate(atg.AdmitRequest{SessionId: req.SessionId, Hints: req.Hints, Policy: decision})
	p.hooks.Event("wp.submit.atg", map[string]any{"admit": admission.Admit})
	if !admission.Admit {
		return nil, corerr.New(corerr.KindPolicyDenied, "attention gate declined admission")
	}

	stores, err := p.stores(req.SpaceId)
	if err != nil {
		return nil, fmt.Errorf("wp: resolve stores for space: %w", err)
	}

	extraction := p.extractor.Extract(req.Content)

	now := cit.NowMs()
	recID := cit.NewRecordId()
	band := cit.MaxBand(req.Band, decision.Obligations.BandFloor)

	rec := &store.MemoryRecord{
		Id:        recID,
		FamilyId:  req.FamilyId,
		SpaceId:   req.SpaceId,
		Author:    req.Author,
		CreatedTs: now,
		UpdatedTs: now,
		Band:      band,
		Content:   req.Content,
		Features: store.Features{
			Keywords:   extraction.Keywords,
			Tags:       extraction.Tags,
			Importance: req.Hints.Relevance,
		},
		Emotion: req.Emotion,
		VC:      cit.NewVectorClock().Inc(req.Author.Device),
	}

	j := uow.NewJournal(req.ClientOpId, req.SpaceId, req.Author.User, decision)
	j.RecordIds = []cit.RecordId{recID}

	j.Stage(func(tx *sql.Tx) error { return stores.Episodic.UpsertTx(tx, rec) })
	j.Stage(func(tx *sql.Tx) error { return stores.FTS.IndexTx(tx, rec.Id, rec.Content.Text, "und") })
	if len(extraction.Embedding) > 0 {
		j.Stage(func(tx *sql.Tx) error {
			return stores.Vector.UpsertTx(tx, &store.VectorEntry{RecordId: rec.Id, Vector: extraction.Embedding})
		})
	}
	for _, entity := range extraction.Entities {
		entity := entity
		j.Stage(func(tx *sql.Tx) error {
			return stores.KG.AddEdgeTx(tx, &store.GraphEdge{
				Src: string(rec.Author.User), Dst: entity, Type: "mentions",
				Weight: 1, Provenance: []cit.RecordId{rec.Id},
			})
		})
	}
	j.Stage(func(tx *sql.Tx) error {
		traceID := "trace_" + string(rec.Id)
		_, err := stores.Hippocampus.EncodeTx(tx, traceID, rec, extraction.Embedding, now)
		return err
	})
	if p.sync != nil {
		j.Stage(func(tx *sql.Tx) error { return p.sync.EnqueueCreateTx(tx, stores, rec) })
	}

	receipt, err := uow.Commit(ctx, stores, j)
	if err != nil {
		return nil, err
	}

	if p.bus != nil {
		env := &bus.Envelope{
			Id:            "evt_" + receipt.ReceiptId,
			Ts:            now,
			Topic:         bus.TopicMemory,
			Actor:         req.Author.User,
			Device:        req.Author.Device,
			Space:         req.SpaceId,
			Band:          band,
			Obligations:   receipt.ObligationsApplied,
			PolicyVersion: decision.ModelVersion,
			VC:            rec.VC,
			QoS:           "at_least_once",
			Payload:       []byte(string(rec.Id)),
		}
		if pubErr := p.bus.Publish(ctx, env); pubErr != nil {
			p.hooks.Event("wp.submit.bus_publish_failed", map[string]any{"error": pubErr.Error()})
		}
	}

	return receipt, nil
}

// TombstoneRequest is memory.tombstone(record_id, reason) (§6.1).
type TombstoneRequest struct {
	ClientOpId string
	SpaceId    cit.SpaceId
	Actor      store.Author
	RecordId   cit.RecordId
	Reason     string
	PolicyReq  pdp.Request
}

// Tombstone runs PDP, then logically deletes a record (§6.1
// memory.tombstone, §8 P6): within the AMBER undo window the record can
// still be restored by Undo; past it, the tombstone is permanent.
func (p *Pipeline) Tombstone(ctx context.Context, req TombstoneRequest) (*uow.Receipt, error) {
	timer := obs.Timer(p.hooks, "wp.tombstone", nil)
	defer timer()

	req.PolicyReq.Operation = pdp.OpMemoryDelete
	req.PolicyReq.Actor = req.Actor.User
	req.PolicyReq.Device = req.Actor.Device
	req.PolicyReq.Space = req.SpaceId
	decision := p.pdp.Evaluate(req.PolicyReq)
	p.hooks.Event("wp.tombstone.pdp", map[string]any{"decision": string(decision.Decision)})
	if decision.Decision == pdp.Deny {
		return nil, corerr.New(corerr.KindPolicyDenied, "memory.tombstone denied")
	}

	stores, err := p.stores(req.SpaceId)
	if err != nil {
		return nil, fmt.Errorf("wp: resolve stores for space: %w", err)
	}

	rec, err := stores.Episodic.Get(ctx, req.RecordId, false)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if rec == nil {
		return nil, corerr.New(corerr.KindNotFound, "record not found")
	}

	now := cit.NowMs()
	newVC := rec.VC.Clone().Inc(req.Actor.Device)

	j := uow.NewJournal(req.ClientOpId, req.SpaceId, req.Actor.User, decision)
	j.RecordIds = []cit.RecordId{req.RecordId}
	j.Stage(func(tx *sql.Tx) error { return stores.Episodic.TombstoneTx(tx, req.RecordId, now) })
	if p.sync != nil {
		j.Stage(func(tx *sql.Tx) error {
			return p.sync.EnqueueDeleteTx(tx, stores, req.SpaceId, req.RecordId, req.Actor.Device, newVC)
		})
	}

	receipt, err := uow.Commit(ctx, stores, j)
	if err != nil {
		return nil, err
	}

	if p.bus != nil {
		env := &bus.Envelope{
			Id:            "evt_" + receipt.ReceiptId,
			Ts:            now,
			Topic:         bus.TopicMemory,
			Actor:         req.Actor.User,
			Device:        req.Actor.Device,
			Space:         req.SpaceId,
			Band:          rec.Band,
			Obligations:   receipt.ObligationsApplied,
			PolicyVersion: decision.ModelVersion,
			VC:            newVC,
			QoS:           "at_least_once",
			Payload:       []byte(string(req.RecordId)),
		}
		if pubErr := p.bus.Publish(ctx, env); pubErr != nil {
			p.hooks.Event("wp.tombstone.bus_publish_failed", map[string]any{"error": pubErr.Error()})
		}
	}

	return receipt, nil
}

// UndoRequest is memory.undo(record_id) (§6.1, §8 P6).
type UndoRequest struct {
	ClientOpId string
	SpaceId    cit.SpaceId
	Actor      store.Author
	RecordId   cit.RecordId
	PolicyReq  pdp.Request
}

// Undo restores a tombstoned record (§8 P6) if called within the AMBER
// undo window; past the window it returns not_found, same as if the
// record had never existed, per S5.
func (p *Pipeline) Undo(ctx context.Context, req UndoRequest) (*uow.Receipt, error) {
	timer := obs.Timer(p.hooks, "wp.undo", nil)
	defer timer()

	req.PolicyReq.Operation = pdp.OpMemoryDelete
	req.PolicyReq.Actor = req.Actor.User
	req.PolicyReq.Device = req.Actor.Device
	req.PolicyReq.Space = req.SpaceId
	decision := p.pdp.Evaluate(req.PolicyReq)
	p.hooks.Event("wp.undo.pdp", map[string]any{"decision": string(decision.Decision)})
	if decision.Decision == pdp.Deny {
		return nil, corerr.New(corerr.KindPolicyDenied, "memory.undo denied")
	}

	stores, err := p.stores(req.SpaceId)
	if err != nil {
		return nil, fmt.Errorf("wp: resolve stores for space: %w", err)
	}

	rec, err := stores.Episodic.Get(ctx, req.RecordId, true)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if rec == nil || !rec.Tombstoned {
		return nil, corerr.New(corerr.KindNotFound, "record not found")
	}
	if cit.NowMs()-rec.TombstoneAt > p.undoWindow.Milliseconds() {
		return nil, corerr.New(corerr.KindNotFound, "undo window elapsed")
	}

	now := cit.NowMs()
	newVC := rec.VC.Clone().Inc(req.Actor.Device)

	j := uow.NewJournal(req.ClientOpId, req.SpaceId, req.Actor.User, decision)
	j.RecordIds = []cit.RecordId{req.RecordId}
	j.Stage(func(tx *sql.Tx) error { return stores.Episodic.UndoTombstoneTx(tx, req.RecordId) })
	if p.sync != nil {
		j.Stage(func(tx *sql.Tx) error {
			return p.sync.EnqueueUndeleteTx(tx, stores, req.SpaceId, req.RecordId, req.Actor.Device, newVC)
		})
	}

	receipt, err := uow.Commit(ctx, stores, j)
	if err != nil {
		return nil, err
	}

	if p.bus != nil {
		env := &bus.Envelope{
			Id:            "evt_" + receipt.ReceiptId,
			Ts:            now,
			Topic:         bus.TopicMemory,
			Actor:         req.Actor.User,
			Device:        req.Actor.Device,
			Space:         req.SpaceId,
			Band:          rec.Band,
			Obligations:   receipt.ObligationsApplied,
			PolicyVersion: decision.ModelVersion,
			VC:            newVC,
			QoS:           "at_least_once",
			Payload:       []byte(string(req.RecordId)),
		}
		if pubErr := p.bus.Publish(ctx, env); pubErr != nil {
			p.hooks.Event("wp.undo.bus_publish_failed", map[string]any{"error": pubErr.Error()})
		}
	}

	return receipt, nil
}

// ProjectRequest is memory.project(record_id, target_space, consent_token)
// (§6.1).
type ProjectRequest struct {
	ClientOpId   string
	SpaceId      cit.SpaceId
	TargetSpace  cit.SpaceId
	Actor        store.Author
	RecordId     cit.RecordId
	ConsentToken string
	PolicyReq    pdp.Request
}

// Project copies a record into TargetSpace under a new RecordId once PDP
// approves the cross-space share (§6.1 memory.project). The source record
// is untouched; the new record's Features.Tags carries the source id so
// provenance survives the copy without a dedicated link table.
func (p *Pipeline) Project(ctx context.Context, req ProjectRequest) (*uow.Receipt, error) {
	timer := obs.Timer(p.hooks, "wp.project", nil)
	defer timer()

	if req.ConsentToken == "" {
		return nil, corerr.New(corerr.KindPolicyDenied, "memory.project requires a consent token")
	}

	req.PolicyReq.Operation = pdp.OpMemoryProject
	req.PolicyReq.Actor = req.Actor.User
	req.PolicyReq.Device = req.Actor.Device
	req.PolicyReq.Space = req.SpaceId
	decision := p.pdp.Evaluate(req.PolicyReq)
	p.hooks.Event("wp.project.pdp", map[string]any{"decision": string(decision.Decision)})
	if decision.Decision == pdp.Deny {
		return nil, corerr.New(corerr.KindPolicyDenied, "memory.project denied")
	}

	srcStores, err := p.stores(req.SpaceId)
	if err != nil {
		return nil, fmt.Errorf("wp: resolve stores for source space: %w", err)
	}
	dstStores, err := p.stores(req.TargetSpace)
	if err != nil {
		return nil, fmt.Errorf("wp: resolve stores for target space: %w", err)
	}

	rec, err := srcStores.Episodic.Get(ctx, req.RecordId, false)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if rec == nil {
		return nil, corerr.New(corerr.KindNotFound, "record not found")
	}

	newID := cit.NewRecordId()
	createdTs := cit.NowMs()
	band := cit.MaxBand(rec.Band, decision.Obligations.BandFloor)

	projected := &store.MemoryRecord{
		Id:        newID,
		FamilyId:  rec.FamilyId,
		SpaceId:   req.TargetSpace,
		Author:    req.Actor,
		CreatedTs: createdTs,
		UpdatedTs: createdTs,
		Band:      band,
		Content:   rec.Content,
		Features: store.Features{
			Keywords:   rec.Features.Keywords,
			Tags:       append(append([]string{}, rec.Features.Tags...), "projected_from:"+string(rec.Id)),
			Importance: rec.Features.Importance,
		},
		Emotion: rec.Emotion,
		VC:      cit.NewVectorClock().Inc(req.Actor.Device),
	}

	j := uow.NewJournal(req.ClientOpId, req.TargetSpace, req.Actor.User, decision)
	j.RecordIds = []cit.RecordId{newID}
	j.Stage(func(tx *sql.Tx) error { return dstStores.Episodic.UpsertTx(tx, projected) })
	j.Stage(func(tx *sql.Tx) error { return dstStores.FTS.IndexTx(tx, projected.Id, projected.Content.Text, "und") })
	if p.sync != nil {
		j.Stage(func(tx *sql.Tx) error { return p.sync.EnqueueCreateTx(tx, dstStores, projected) })
	}

	receipt, err := uow.Commit(ctx, dstStores, j)
	if err != nil {
		return nil, err
	}

	if p.bus != nil {
		env := &bus.Envelope{
			Id:            "evt_" + receipt.ReceiptId,
			Ts:            createdTs,
			Topic:         bus.TopicMemory,
			Actor:         req.Actor.User,
			Device:        req.Actor.Device,
			Space:         req.TargetSpace,
			Band:          band,
			Obligations:   receipt.ObligationsApplied,
			PolicyVersion: decision.ModelVersion,
			VC:            projected.VC,
			QoS:           "at_least_once",
			Payload:       []byte(string(projected.Id)),
		}
		if pubErr := p.bus.Publish(ctx, env); pubErr != nil {
			p.hooks.Event("wp.project.bus_publish_failed", map[string]any{"error": pubErr.Error()})
		}
	}

	return receipt, nil
}

// Package consolidation implements CNS (§4.11): a background pass that
// promotes hippocampal traces older than a configured age into semantic
// assertions and KG co-occurrence edges, re-embeds them into the vector
// index when a vector store is configured, links probable duplicates behind
// a quorum vote, and decays consolidated traces. Runs per space, guarded by
// the teacher's internal/scheduler.Semaphore so at most one consolidation
// pass is in flight per space at a time.
package consolidation

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/familycore/famcore/internal/bus"
	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/obs"
	"github.com/familycore/famcore/internal/scheduler"
	"github.com/familycore/famcore/internal/store"
)

// Config tunes the consolidation pass. ModelVersion is stamped as the
// PolicyVersion of every bus event this runner emits; it is not written onto
// assertions or edges, and idempotency is keyed on the trace's consolidated
// flag alone.
type Config struct {
	TConsolidate          time.Duration
	CoOccurrenceThreshold float64
	ModelVersion          string
	Dedupe                DedupePolicy
}

// DefaultConfig matches the spec's illustrative defaults: traces older than
// 24h are eligible, co-occurrence needs to be observed at least 3 times
// before an edge counts as promoted.
func DefaultConfig() Config {
	return Config{
		TConsolidate:          24 * time.Hour,
		CoOccurrenceThreshold: 3,
		ModelVersion:          "cns-v1",
		Dedupe:                DefaultDedupePolicy(),
	}
}

// Summary reports what one RunForSpace pass did.
type Summary struct {
	SpaceId            cit.SpaceId
	TracesConsidered   int
	AssertionsPromoted int
	EdgesPromoted      int
	VectorsPromoted    int
	TracesDecayed      int
	Linked             int
	Skipped            bool // another run was already in flight for this space
}

// candidate is one trace eligible for promotion this run, paired with its
// record so promotion and dedupe voting don't re-fetch it.
type candidate struct {
	trace *store.HippocampalTrace
	rec   *store.MemoryRecord
}

// Runner wires STR and BUS into the consolidation pass.
type Runner struct {
	stores func(cit.SpaceId) (*store.SpaceStores, error)
	bus    *bus.Bus
	hooks  obs.Hooks
	cfg    Config

	mu    sync.Mutex
	locks map[cit.SpaceId]*scheduler.Semaphore
}

func New(stores func(cit.SpaceId) (*store.SpaceStores, error), b *bus.Bus, hooks obs.Hooks, cfg Config) *Runner {
	if hooks == nil {
		hooks = obs.Noop{}
	}
	if cfg.TConsolidate <= 0 {
		cfg = DefaultConfig()
	}
	return &Runner{stores: stores, bus: b, hooks: hooks, cfg: cfg, locks: make(map[cit.SpaceId]*scheduler.Semaphore)}
}

func (r *Runner) lockFor(space cit.SpaceId) *scheduler.Semaphore {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.locks[space]
	if !ok {
		sem = scheduler.NewSemaphore(1)
		r.locks[space] = sem
	}
	return sem
}

// RunForSpace runs one consolidation pass for space. If a pass is already
// running for that space, it returns immediately with Summary.Skipped=true
// rather than blocking or running concurrently.
func (r *Runner) RunForSpace(ctx context.Context, space cit.SpaceId) (*Summary, error) {
	sem := r.lockFor(space)
	if !sem.TryAcquire() {
		return &Summary{SpaceId: space, Skipped: true}, nil
	}
	defer sem.Release()

	timer := obs.Timer(r.hooks, "cns.run", map[string]string{"space": string(space)})
	defer timer()

	stores, err := r.stores(space)
	if err != nil {
		return nil, fmt.Errorf("cns: resolve stores: %w", err)
	}

	now := cit.NowMs()
	cutoff := now - r.cfg.TConsolidate.Milliseconds()

	traces, err := stores.Hippocampus.UnconsolidatedOlderThan(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("cns: load eligible traces: %w", err)
	}

	summary := &Summary{SpaceId: space, TracesConsidered: len(traces)}
	var candidates []candidate

	for _, tr := range traces {
		rec, err := stores.Episodic.Get(ctx, tr.RecordId, false)
		if err != nil {
			r.hooks.Event("cns.promote.missing_record", map[string]any{"record_id": string(tr.RecordId)})
			continue
		}
		candidates = append(candidates, candidate{trace: tr, rec: rec})
	}

	for _, c := range candidates {
		err := stores.WithTx(ctx, func(tx *sql.Tx) error {
			nA, err := r.promoteAssertionsTx(tx, stores, c.rec)
			if err != nil {
				return err
			}
			summary.AssertionsPromoted += nA

			nE, err := r.promoteCoOccurrenceTx(tx, stores, c.rec)
			if err != nil {
				return err
			}
			summary.EdgesPromoted += nE

			if nV, err := r.promoteVectorTx(tx, stores, c.trace, c.rec); err != nil {
				return err
			} else if nV {
				summary.VectorsPromoted++
			}

			return stores.Hippocampus.MarkConsolidatedTx(tx, c.trace.TraceId)
		})
		if err != nil {
			r.hooks.Event("cns.promote.failed", map[string]any{"record_id": string(c.rec.Id), "error": err.Error()})
			continue
		}
		r.emitConsolidated(ctx, space, c.rec)
	}

	summary.Linked = r.linkDuplicates(ctx, stores, candidates)

	decayed, err := r.decayTx(ctx, stores, now)
	if err != nil {
		r.hooks.Event("cns.decay.failed", map[string]any{"error": err.Error()})
	} else {
		summary.TracesDecayed = decayed
	}

	return summary, nil
}

// neverAge is passed to HippocampalStore.DecayTx's maxAge so only traces
// flagged consolidated are removed by this pass, not traces that are merely
// old but not yet promoted (TConsolidate governs eligibility for promotion,
// a separate concern from removal).
const neverAge = 100 * 365 * 24 * time.Hour

func (r *Runner) decayTx(ctx context.Context, stores *store.SpaceStores, now int64) (int64, error) {
	var n int64
	err := stores.WithTx(ctx, func(tx *sql.Tx) error {
		affected, err := stores.Hippocampus.DecayTx(tx, now, neverAge)
		n = affected
		return err
	})
	return n, err
}

// promoteAssertionsTx turns a record's keywords into subject/predicate/
// object assertions. The store schema keys one assertion per (subject,
// predicate) pair, so each keyword gets its own predicate slot
// ("discussed:<keyword>") rather than sharing one "discussed" predicate
// across every keyword the user has ever mentioned; the object is a fixed
// marker and confidence/source_records carry the actual evidence.
// Version-merge applies store.EvaluateAssertionMerge, generalized from
// internal/knowledge/facts.go's EvaluateFactApply.
func (r *Runner) promoteAssertionsTx(tx *sql.Tx, stores *store.SpaceStores, rec *store.MemoryRecord) (int, error) {
	promoted := 0
	for _, kw := range rec.Features.Keywords {
		predicate := "discussed:" + kw
		existing, err := stores.Semantic.GetBySubjectPredicateTx(tx, string(rec.Author.User), predicate)
		if err != nil {
			return promoted, err
		}
		incoming := &store.SemanticAssertion{
			Subject:       string(rec.Author.User),
			Predicate:     predicate,
			Object:        "true",
			Confidence:    confidenceFor(rec),
			SourceRecords: []cit.RecordId{rec.Id},
			Version:       1,
		}
		if existing != nil {
			incoming.Version = existing.Version + 1
			incoming.SourceRecords = unionRecordIds(existing.SourceRecords, incoming.SourceRecords)
		}
		result := store.EvaluateAssertionMerge(existing, incoming)
		if result.Status != store.MergeAccepted {
			continue
		}
		if err := stores.Semantic.UpsertTx(tx, incoming); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// promoteCoOccurrenceTx links every pair of keywords mentioned in the same
// record, accumulating weight across runs; an edge only counts as
// "promoted" once its accumulated weight crosses CoOccurrenceThreshold
// (§4.11 "KG edges (co-occurrence above threshold)").
func (r *Runner) promoteCoOccurrenceTx(tx *sql.Tx, stores *store.SpaceStores, rec *store.MemoryRecord) (int, error) {
	kws := append([]string(nil), rec.Features.Keywords...)
	sort.Strings(kws)
	promoted := 0
	for i := 0; i < len(kws); i++ {
		for j := i + 1; j < len(kws); j++ {
			cur, err := stores.KG.EdgeWeightTx(tx, kws[i], kws[j], "co_occurs")
			if err != nil {
				return promoted, err
			}
			next := cur + 1
			err = stores.KG.AddEdgeTx(tx, &store.GraphEdge{
				Src: kws[i], Dst: kws[j], Type: "co_occurs",
				Weight: next, Provenance: []cit.RecordId{rec.Id},
			})
			if err != nil {
				return promoted, err
			}
			if cur < r.cfg.CoOccurrenceThreshold && next >= r.cfg.CoOccurrenceThreshold {
				promoted++
			}
		}
	}
	return promoted, nil
}

// promoteVectorTx derives a deterministic embedding from the trace's sparse
// code when the space has a configured vector dimension and the record
// doesn't already have one, standing in for "compress or re-embed" (§4.11)
// absent a real embedding model.
func (r *Runner) promoteVectorTx(tx *sql.Tx, stores *store.SpaceStores, tr *store.HippocampalTrace, rec *store.MemoryRecord) (bool, error) {
	dim := stores.Vector.Dim()
	if dim <= 0 {
		return false, nil
	}
	vec := compressCodeToVector(tr.DGCode, dim)
	err := stores.Vector.UpsertTx(tx, &store.VectorEntry{RecordId: rec.Id, Vector: vec})
	return err == nil, err
}

func (r *Runner) emitConsolidated(ctx context.Context, space cit.SpaceId, rec *store.MemoryRecord) {
	if r.bus == nil {
		return
	}
	env := &bus.Envelope{
		Id:            "evt_cns_" + string(rec.Id),
		Ts:            cit.NowMs(),
		Topic:         bus.TopicMemory,
		Actor:         rec.Author.User,
		Device:        rec.Author.Device,
		Space:         space,
		Band:          rec.Band,
		PolicyVersion: r.cfg.ModelVersion,
		VC:            rec.VC,
		QoS:           "at_least_once",
		Payload:       []byte(string(rec.Id)),
	}
	if err := r.bus.Publish(ctx, env); err != nil {
		r.hooks.Event("cns.emit_failed", map[string]any{"error": err.Error()})
	}
}

func confidenceFor(rec *store.MemoryRecord) float64 {
	c := rec.Features.Importance
	if c <= 0 {
		c = 0.5
	}
	if c > 1 {
		c = 1
	}
	return c
}

func unionRecordIds(a, b []cit.RecordId) []cit.RecordId {
	seen := make(map[cit.RecordId]bool, len(a)+len(b))
	var out []cit.RecordId
	for _, id := range append(append([]cit.RecordId(nil), a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// compressCodeToVector maps a sparse 256-bit code down to dim float32s by
// counting set bits in dim equal-sized bit spans, normalized to [-1,1].
func compressCodeToVector(code []byte, dim int) cit.Embedding {
	out := make(cit.Embedding, dim)
	if len(code) == 0 {
		return out
	}
	spanBits := float64(len(code)*8) / float64(dim)
	for i := 0; i < dim; i++ {
		loBit := int(float64(i) * spanBits)
		hiBit := int(float64(i+1) * spanBits)
		if hiBit > len(code)*8 {
			hiBit = len(code) * 8
		}
		var set, total int
		for b := loBit; b < hiBit; b++ {
			total++
			if code[b/8]&(1<<(b%8)) != 0 {
				set++
			}
		}
		if total == 0 {
			continue
		}
		out[i] = float32(2*float64(set)/float64(total) - 1)
	}
	return out
}

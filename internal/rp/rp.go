// Package rp implements the Read Pipeline (§4.10): recall(query, context)
// fans a query out to every store in parallel with a per-store deadline,
// normalizes and fuses their scores, applies a recency/band tie-break, and
// redacts the result per PDP obligations. Grounded on
// internal/memory/service.go's Search (embed→store.Search→reshape),
// generalized from a single vector lookup into a multi-store fan-out with
// context deadlines and goroutine fan-in.
package rp

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/corerr"
	"github.com/familycore/famcore/internal/obs"
	"github.com/familycore/famcore/internal/pdp"
	"github.com/familycore/famcore/internal/rdx"
	"github.com/familycore/famcore/internal/store"
)

// Weights controls per-store contribution to the fused score (§4.10 step
// 4). Defaults sum to 1; config-injected in a real deployment.
type Weights struct {
	FTS         float64
	Vector      float64
	KG          float64
	Episodic    float64
	Hippocampus float64
}

// DefaultWeights weights FTS and vector similarity highest (0.3 each), then
// episodic (0.2), then KG and hippocampus (0.1 each); the five sum to 1.
func DefaultWeights() Weights {
	return Weights{FTS: 0.3, Vector: 0.3, KG: 0.1, Episodic: 0.2, Hippocampus: 0.1}
}

// defaultRecencyTau is the tau of the exp(-age/tau) decay term (§4.10 step
// 5), in milliseconds.
const defaultRecencyTau = float64(7 * 24 * time.Hour / time.Millisecond)

// DefaultPerStoreTimeout is the p95 target per §4.10 step 3.
const DefaultPerStoreTimeout = 50 * time.Millisecond

// RecallRequest is recall(query, context) (§4.10).
type RecallRequest struct {
	SpaceId         cit.SpaceId
	Query           string
	QueryEmbedding  cit.Embedding
	TimeFrom        int64
	TimeTo          int64
	ExpandFromNode  string
	EdgeType        string
	Weights         Weights
	PerStoreTimeout time.Duration
	Limit           int
	PolicyReq       pdp.Request
	Now             int64
}

// Result is one ranked, provenance-tagged, redaction-applied hit.
type Result struct {
	RecordId   cit.RecordId
	Score      float64
	Sources    []string
	Record     *store.MemoryRecord
	Projection rdx.Projection
}

// Pipeline wires PDP and the six stores into Recall.
type Pipeline struct {
	pdp    *pdp.Engine
	hooks  obs.Hooks
	stores func(cit.SpaceId) (*store.SpaceStores, error)
}

func New(pdpEngine *pdp.Engine, hooks obs.Hooks, stores func(cit.SpaceId) (*store.SpaceStores, error)) *Pipeline {
	if hooks == nil {
		hooks = obs.Noop{}
	}
	return &Pipeline{pdp: pdpEngine, hooks: hooks, stores: stores}
}

// rawHit is one store's contribution to a record before fusion.
type rawHit struct {
	recordID cit.RecordId
	score    float64
}

// Recall runs the full §4.10 chain.
func (p *Pipeline) Recall(ctx context.Context, req RecallRequest) ([]Result, error) {
	timer := obs.Timer(p.hooks, "rp.fanout", nil)
	defer timer()

	req.PolicyReq.Operation = pdp.OpMemoryRead
	req.PolicyReq.Space = req.SpaceId
	decision := p.pdp.Evaluate(req.PolicyReq)
	if decision.Decision == pdp.Deny {
		return nil, corerr.New(corerr.KindPolicyDenied, "memory.read denied")
	}

	stores, err := p.stores(req.SpaceId)
	if err != nil {
		return nil, err
	}

	weights := req.Weights
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	timeout := req.PerStoreTimeout
	if timeout <= 0 {
		timeout = DefaultPerStoreTimeout
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	now := req.Now
	if now == 0 {
		now = cit.NowMs()
	}

	perStore := p.fanout(ctx, stores, req, timeout, limit)
	fused := fuse(perStore, weights)

	// Resolve records up front so rank can use each record's band in its
	// tie-break (§4.10 step 5: lower band preferred on ties) without a
	// second round-trip after truncating to limit.
	resolved := make(map[cit.RecordId]*store.MemoryRecord, len(fused))
	for _, f := range fused {
		rec, err := stores.Episodic.Get(ctx, f.recordID, false)
		if err != nil {
			p.hooks.Event("rp.fanout.missing_record", map[string]any{"record_id": string(f.recordID)})
			continue
		}
		resolved[f.recordID] = rec
	}

	ranked := rank(fused, resolved, now)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	results := make([]Result, 0, len(ranked))
	for _, f := range ranked {
		rec, ok := resolved[f.recordID]
		if !ok {
			continue
		}
		payload := map[string]string{"content_text": rec.Content.Text}
		for k, v := range rec.Content.Structured {
			payload[k] = v
		}
		results = append(results, Result{
			RecordId:   f.recordID,
			Score:      f.score,
			Sources:    f.sources,
			Record:     rec,
			Projection: rdx.Apply(decision.Obligations, payload),
		})
	}
	return results, nil
}

// perStoreResult collects one store's raw hits, labeled with its name for
// provenance tracking after fusion.
type perStoreResult struct {
	name string
	hits []rawHit
}

func (p *Pipeline) fanout(ctx context.Context, stores *store.SpaceStores, req RecallRequest, timeout time.Duration, limit int) []perStoreResult {
	type job struct {
		name string
		run  func(ctx context.Context) []rawHit
	}

	jobs := []job{
		{"fts", func(ctx context.Context) []rawHit {
			if req.Query == "" {
				return nil
			}
			matches, err := stores.FTS.Search(ctx, req.Query, limit*3)
			if err != nil {
				return nil
			}
			out := make([]rawHit, len(matches))
			for i, m := range matches {
				out[i] = rawHit{recordID: m.RecordId, score: m.Score}
			}
			return out
		}},
		{"vector", func(ctx context.Context) []rawHit {
			if len(req.QueryEmbedding) == 0 {
				return nil
			}
			results, err := stores.Vector.Search(ctx, req.QueryEmbedding, limit*3)
			if err != nil {
				return nil
			}
			out := make([]rawHit, len(results))
			for i, r := range results {
				out[i] = rawHit{recordID: r.RecordId, score: float64(r.Score)}
			}
			return out
		}},
		{"episodic", func(ctx context.Context) []rawHit {
			if req.TimeFrom == 0 && req.TimeTo == 0 {
				return nil
			}
			recs, err := stores.Episodic.RangeByTime(ctx, req.SpaceId, req.TimeFrom, req.TimeTo, limit*3)
			if err != nil {
				return nil
			}
			out := make([]rawHit, len(recs))
			for i, r := range recs {
				// newest-first order from RangeByTime is itself a relevance signal
				out[i] = rawHit{recordID: r.Id, score: float64(len(recs) - i)}
			}
			return out
		}},
		{"kg", func(ctx context.Context) []rawHit {
			if req.ExpandFromNode == "" {
				return nil
			}
			neighbors, err := stores.KG.Neighbors(ctx, req.ExpandFromNode, req.EdgeType, 2)
			if err != nil {
				return nil
			}
			out := make([]rawHit, 0, len(neighbors))
			for i, n := range neighbors {
				recs, err := stores.Episodic.ByTags(ctx, req.SpaceId, []string{n}, limit)
				if err != nil {
					continue
				}
				for _, r := range recs {
					out = append(out, rawHit{recordID: r.Id, score: float64(len(neighbors) - i)})
				}
			}
			return out
		}},
		{"hippocampus", func(ctx context.Context) []rawHit {
			if req.Query == "" {
				return nil
			}
			cue := store.BuildCue(req.Query, req.QueryEmbedding)
			completions, err := stores.Hippocampus.Complete(ctx, cue, limit*3)
			if err != nil {
				return nil
			}
			out := make([]rawHit, len(completions))
			for i, c := range completions {
				out[i] = rawHit{recordID: c.RecordId, score: c.Score}
			}
			return out
		}},
	}

	results := make([]perStoreResult, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		i, j := i, j
		wg.Add(1)
		go func() {
			defer wg.Done()
			storeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			results[i] = perStoreResult{name: j.name, hits: j.run(storeCtx)}
		}()
	}
	wg.Wait()
	return results
}

// fusedHit is one record's fused score plus which stores contributed.
type fusedHit struct {
	recordID cit.RecordId
	score    float64
	sources  []string
}

// fuse normalizes each store's raw scores to [0,1] via min-max within that
// store's result set, then combines per record with weights (§4.10 step 4).
func fuse(perStore []perStoreResult, w Weights) []fusedHit {
	byRecord := map[cit.RecordId]*fusedHit{}

	weightFor := map[string]float64{
		"fts": w.FTS, "vector": w.Vector, "kg": w.KG, "episodic": w.Episodic, "hippocampus": w.Hippocampus,
	}

	for _, ps := range perStore {
		if len(ps.hits) == 0 {
			continue
		}
		minS, maxS := ps.hits[0].score, ps.hits[0].score
		for _, h := range ps.hits {
			if h.score < minS {
				minS = h.score
			}
			if h.score > maxS {
				maxS = h.score
			}
		}
		spread := maxS - minS

		for _, h := range ps.hits {
			norm := 1.0
			if spread > 0 {
				norm = (h.score - minS) / spread
			}
			weighted := norm * weightFor[ps.name]

			f, ok := byRecord[h.recordID]
			if !ok {
				f = &fusedHit{recordID: h.recordID}
				byRecord[h.recordID] = f
			}
			f.score += weighted
			f.sources = append(f.sources, ps.name)
		}
	}

	out := make([]fusedHit, 0, len(byRecord))
	for _, f := range byRecord {
		sort.Strings(f.sources)
		out = append(out, *f)
	}
	return out
}

// rank applies the §4.10 step 5 secondary sort: fused score descending,
// then recency decay, then band ascending (lower band preferred on ties),
// then record id ascending for a fully stable tie-break (§4.10's
// determinism guarantee).
func rank(hits []fusedHit, resolved map[cit.RecordId]*store.MemoryRecord, now int64) []fusedHit {
	decayed := make([]struct {
		fusedHit
		decay float64
		band  cit.Band
	}, len(hits))
	for i, h := range hits {
		age := 0.0
		if ts, err := h.recordID.Timestamp(); err == nil {
			age = float64(now - ts.UnixMilli())
			if age < 0 {
				age = 0
			}
		}
		decayed[i].fusedHit = h
		decayed[i].decay = math.Exp(-age / defaultRecencyTau)
		if rec, ok := resolved[h.recordID]; ok {
			decayed[i].band = rec.Band
		}
	}

	sort.Slice(decayed, func(i, j int) bool {
		a, b := decayed[i], decayed[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.decay != b.decay {
			return a.decay > b.decay
		}
		if a.band != b.band {
			return a.band < b.band
		}
		return a.recordID < b.recordID
	})

	out := make([]fusedHit, len(decayed))
	for i, d := range decayed {
		out[i] = d.fusedHit
	}
	return out
}

package consolidation

import (
	"context"
	"database/sql"
	"time"

	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/store"
)

// Vote is one signal's opinion on whether two traces represent the same
// underlying memory.
type Vote string

const (
	VoteYes     Vote = "yes"
	VoteNo      Vote = "no"
	VoteAbstain Vote = "abstain"
)

// DedupePolicy generalizes internal/knowledge/voting.go's VotingPolicy from
// proposal voting (one vote per clawId) to a fixed pool of dedupe signals
// (one vote per signal) deciding whether to link two candidate-duplicate
// records.
type DedupePolicy struct {
	Enabled     bool
	MinPoolSize int
	QuorumYes   int
	QuorumNo    int

	CodeSimilarityThreshold float64
	KeywordOverlapThreshold float64
	TemporalProximity       time.Duration
}

// DefaultDedupePolicy requires 2 of 3 signals to agree before linking.
func DefaultDedupePolicy() DedupePolicy {
	return DedupePolicy{
		Enabled:                 true,
		MinPoolSize:             3,
		QuorumYes:               2,
		QuorumNo:                2,
		CodeSimilarityThreshold: 0.6,
		KeywordOverlapThreshold: 0.5,
		TemporalProximity:       5 * time.Minute,
	}
}

// Decision mirrors knowledge.VoteDecision, renamed to what it actually
// governs here: whether two records get linked as probable duplicates.
type Decision struct {
	Status string // "linked", "rejected", "pending"
	Yes    int
	No     int
	Reason string
}

const (
	StatusLinked   = "linked"
	StatusRejected = "rejected"
	StatusPending  = "pending"
)

// evaluateQuorum applies the same rules as internal/knowledge/voting.go's
// EvaluateQuorum: voting only activates once the pool reaches MinPoolSize,
// approved when yes >= QuorumYes and yes > no, rejected when no >=
// QuorumNo, pending otherwise (a pending dedupe candidate is simply not
// linked this run — there is no async follow-up vote to wait for).
func evaluateQuorum(votes map[string]Vote, policy DedupePolicy) Decision {
	if !policy.Enabled {
		return Decision{Status: StatusRejected, Reason: "dedupe disabled"}
	}
	if len(votes) < policy.MinPoolSize {
		return Decision{Status: StatusRejected, Reason: "pool below min size"}
	}

	var yes, no int
	for _, v := range votes {
		switch v {
		case VoteYes:
			yes++
		case VoteNo:
			no++
		}
	}
	if yes >= policy.QuorumYes && yes > no {
		return Decision{Status: StatusLinked, Yes: yes, No: no}
	}
	if no >= policy.QuorumNo {
		return Decision{Status: StatusRejected, Yes: yes, No: no}
	}
	return Decision{Status: StatusPending, Yes: yes, No: no}
}

// linkDuplicates compares every pair of this run's promoted candidates and,
// where the dedupe vote pool reaches quorum, adds a duplicate_of KG edge
// linking the two records rather than merging or dropping either (§8 S2:
// "neither is lost").
func (r *Runner) linkDuplicates(ctx context.Context, stores *store.SpaceStores, cands []candidate) int {
	linked := 0
	for i := 0; i < len(cands); i++ {
		for j := i + 1; j < len(cands); j++ {
			a, b := cands[i], cands[j]
			votes := r.dedupeVotes(a, b)
			decision := evaluateQuorum(votes, r.cfg.Dedupe)
			if decision.Status != StatusLinked {
				continue
			}
			err := stores.WithTx(ctx, func(tx *sql.Tx) error {
				return stores.KG.AddEdgeTx(tx, &store.GraphEdge{
					Src: string(a.rec.Id), Dst: string(b.rec.Id), Type: "duplicate_of",
					Weight: 1, Provenance: []cit.RecordId{a.rec.Id, b.rec.Id},
				})
			})
			if err != nil {
				r.hooks.Event("cns.link_failed", map[string]any{"error": err.Error()})
				continue
			}
			linked++
		}
	}
	return linked
}

func (r *Runner) dedupeVotes(a, b candidate) map[string]Vote {
	votes := make(map[string]Vote, 3)

	sim := store.CodeSimilarity(a.trace.DGCode, b.trace.DGCode)
	votes["code_similarity"] = boolVote(sim >= r.cfg.Dedupe.CodeSimilarityThreshold)

	votes["keyword_overlap"] = boolVote(keywordOverlap(a.rec.Features.Keywords, b.rec.Features.Keywords) >= r.cfg.Dedupe.KeywordOverlapThreshold)

	dt := a.rec.CreatedTs - b.rec.CreatedTs
	if dt < 0 {
		dt = -dt
	}
	votes["temporal_proximity"] = boolVote(a.rec.Author.User == b.rec.Author.User &&
		time.Duration(dt)*time.Millisecond <= r.cfg.Dedupe.TemporalProximity)

	return votes
}

func boolVote(b bool) Vote {
	if b {
		return VoteYes
	}
	return VoteNo
}

// keywordOverlap is the Jaccard similarity of two keyword sets.
func keywordOverlap(a, b []string) float64 {
	setA := make(map[string]bool, len(a))
	for _, k := range a {
		setA[k] = true
	}
	setB := make(map[string]bool, len(b))
	for _, k := range b {
		setB[k] = true
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	inter, union := 0, 0
	seen := make(map[string]bool, len(setA)+len(setB))
	for k := range setA {
		seen[k] = true
		if setB[k] {
			inter++
		}
	}
	for k := range setB {
		seen[k] = true
	}
	union = len(seen)
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

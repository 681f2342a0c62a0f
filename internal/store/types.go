// Package store implements the Store Set (§4.5): six cooperating stores —
// Episodic, Semantic, Vector, Knowledge Graph, Full-Text Search, and the
// Hippocampal Sequence Store — behind one transactional UoW boundary.
// Backed by per-space modernc.org/sqlite databases, grounded on
// internal/timeline/service.go's migration style and
// internal/memory/sqlite_vec.go's BLOB-encoded vector search.
package store

import (
	"time"

	"github.com/familycore/famcore/internal/cit"
)

// Author identifies who/what produced a record.
type Author struct {
	User   cit.UserId
	Device cit.DeviceId
	Role   string
}

// Content is the polymorphic payload of a MemoryRecord.
type Content struct {
	Type       string // "text", "structured", "event", ...
	Text       string
	Structured map[string]string
	MediaRefs  []string
}

// Features are the derived signals used by ATG/RP/CNS.
type Features struct {
	Keywords      []string
	Tags          []string
	Importance    float64
	EmbeddingRefs []string
	// Counters holds arbitrary named integer counters (e.g. view_count,
	// reaction_count) synced across devices with PN-counter semantics
	// (§4.13) rather than last-write-wins.
	Counters map[string]int64
}

// Privacy groups visibility/retention metadata.
type Privacy struct {
	Visibility string // mirrors SpaceId kind, kept denormalized for fast reads
	Retention  time.Duration
}

// EmotionalContext is a small structured affect signal attached to a
// record; left intentionally shallow (spec leaves extraction quality
// implementation-defined).
type EmotionalContext struct {
	Valence float64 // [-1, 1]
	Arousal float64 // [0, 1]
	Label   string
}

// MemoryRecord is the core entity (§3). id, family_id and space_id are
// immutable after creation; band only ever widens without an explicit
// obligation narrowing it; vector_clock[device] strictly increases per
// local op.
type MemoryRecord struct {
	Id        cit.RecordId
	FamilyId  cit.FamilyId
	SpaceId   cit.SpaceId
	Author    Author
	CreatedTs int64
	UpdatedTs int64
	Band      cit.Band
	MLSGroup  string
	Content   Content
	Features  Features
	Privacy   Privacy
	Emotion   EmotionalContext
	VC        cit.VectorClock

	Tombstoned bool
	TombstoneAt int64

	// SyncPending is set when an outbound SYN op for this record couldn't
	// be enqueued because the outbox was at capacity (§4.13 backpressure):
	// the write still committed locally, but a replica elsewhere may be
	// behind until a later drain catches the record up.
	SyncPending bool

	// AliasOf is set when this record lost a create/create conflict
	// (§4.13): it points at the RecordId that kept the contested id, so
	// the losing device's content survives as a separate, queryable
	// record rather than being discarded (§8 writes-are-never-lost).
	AliasOf cit.RecordId
}

// ApplyBandWiden sets Band to the wider (more sensitive) of the current and
// candidate band — bands never secretly narrow without an explicit
// obligation (§3 invariant). MemoryRecord has no narrowing counterpart to
// this method.
func (r *MemoryRecord) ApplyBandWiden(candidate cit.Band) {
	r.Band = cit.MaxBand(r.Band, candidate)
}

// HippocampalTrace (§3). A record has at most one live trace.
type HippocampalTrace struct {
	TraceId      string
	RecordId     cit.RecordId
	DGCode       []byte // sparse binary code, one bit per dimension
	CA3Assoc     []string
	CA1TimeHint  int64
	Consolidated bool
	CreatedTs    int64
}

// SemanticAssertion (§3). Confidence in [0,1]; evidence set is monotone.
type SemanticAssertion struct {
	Id            string
	Subject       string
	Predicate     string
	Object        string
	Confidence    float64
	SourceRecords []cit.RecordId
	Version       int
}

// GraphEdge (§3).
type GraphEdge struct {
	Id         string
	Src        string
	Dst        string
	Type       string
	Weight     float64
	Provenance []cit.RecordId
	Tombstoned bool
}

// FTSDoc (§3). record_id is unique.
type FTSDoc struct {
	RecordId  cit.RecordId
	Tokens    []string
	Positions map[string][]int
	Language  string
}

// VectorEntry (§3). Dimension fixed at init.
type VectorEntry struct {
	Id       string
	RecordId cit.RecordId
	Vector   cit.Embedding
	Meta     map[string]string
}

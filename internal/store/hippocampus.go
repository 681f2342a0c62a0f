package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"math/bits"
	"sort"
	"time"

	"github.com/familycore/famcore/internal/cit"
)

// codeBytes is the width of a pattern-separated sparse code: 256 bits.
const codeBytes = 32

// caWindow bounds how far back in time CA3 looks for temporally adjacent
// traces to associate a new trace with (§4.5.6 "temporally adjacent").
const caWindow = 5 * time.Minute

// HippocampalStore implements the pattern-separation / pattern-completion
// sequence memory (§3, §4.5.6): encode produces a sparse code and CA3
// associations, complete does nearest-code lookup from a cue, decay prunes
// consolidated or stale traces.
type HippocampalStore struct {
	db *sql.DB
}

func NewHippocampalStore(db *sql.DB) *HippocampalStore { return &HippocampalStore{db: db} }

// EncodeTx builds and stores a HippocampalTrace for record, deriving its
// sparse code from the record's text and embedding (when present) and
// linking it to traces created within caWindow.
func (s *HippocampalStore) EncodeTx(tx *sql.Tx, traceID string, rec *MemoryRecord, embedding cit.Embedding, now int64) (*HippocampalTrace, error) {
	code := sparseCode(rec.Content.Text, embedding)

	assoc, err := s.temporallyAdjacentTx(tx, now)
	if err != nil {
		return nil, err
	}

	trace := &HippocampalTrace{
		TraceId:     traceID,
		RecordId:    rec.Id,
		DGCode:      code,
		CA3Assoc:    assoc,
		CA1TimeHint: now,
		CreatedTs:   now,
	}

	_, err = tx.Exec(`
		INSERT INTO hippocampal_traces (trace_id, record_id, dg_code, ca3_assoc, ca1_time_hint, consolidated, created_ts)
		VALUES (?,?,?,?,?,0,?)
		ON CONFLICT(record_id) DO UPDATE SET
			trace_id = excluded.trace_id,
			dg_code = excluded.dg_code,
			ca3_assoc = excluded.ca3_assoc,
			ca1_time_hint = excluded.ca1_time_hint,
			created_ts = excluded.created_ts
	`, trace.TraceId, string(trace.RecordId), []byte(code), encodeStrings(assoc), now, now)
	if err != nil {
		return nil, err
	}
	return trace, nil
}

func (s *HippocampalStore) temporallyAdjacentTx(tx *sql.Tx, now int64) ([]string, error) {
	rows, err := tx.Query(`SELECT trace_id FROM hippocampal_traces
		WHERE created_ts BETWEEN ? AND ? AND consolidated = 0
		ORDER BY created_ts DESC LIMIT 5`, now-caWindow.Milliseconds(), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Completion is one pattern-completion candidate.
type Completion struct {
	TraceId  string
	RecordId cit.RecordId
	Score    float64 // Jaccard similarity of active bits, in [0,1]
}

// Complete returns the k traces whose sparse code is most similar to cue
// (partial/noisy code), by Jaccard similarity over active bits. Ties break
// by ascending trace id for determinism.
func (s *HippocampalStore) Complete(ctx context.Context, cue []byte, k int) ([]Completion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT trace_id, record_id, dg_code FROM hippocampal_traces WHERE consolidated = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Completion
	for rows.Next() {
		var traceID, recordID string
		var code []byte
		if err := rows.Scan(&traceID, &recordID, &code); err != nil {
			return nil, err
		}
		out = append(out, Completion{TraceId: traceID, RecordId: cit.RecordId(recordID), Score: jaccard(cue, code)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].TraceId < out[j].TraceId
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// DecayTx removes traces that are consolidated or older than maxAge.
func (s *HippocampalStore) DecayTx(tx *sql.Tx, now int64, maxAge time.Duration) (int64, error) {
	res, err := tx.Exec(`DELETE FROM hippocampal_traces WHERE consolidated = 1 OR created_ts < ?`, now-maxAge.Milliseconds())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkConsolidatedTx flags a trace as consolidated, so the next DecayTx
// pass removes it regardless of age.
func (s *HippocampalStore) MarkConsolidatedTx(tx *sql.Tx, traceID string) error {
	_, err := tx.Exec(`UPDATE hippocampal_traces SET consolidated = 1 WHERE trace_id = ?`, traceID)
	return err
}

// UnconsolidatedOlderThan returns traces eligible for consolidation
// promotion: not yet consolidated and older than cutoff.
func (s *HippocampalStore) UnconsolidatedOlderThan(ctx context.Context, cutoffTs int64) ([]*HippocampalTrace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT trace_id, record_id, dg_code, ca3_assoc, ca1_time_hint, created_ts
		FROM hippocampal_traces WHERE consolidated = 0 AND created_ts < ? ORDER BY created_ts ASC`, cutoffTs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*HippocampalTrace
	for rows.Next() {
		var tr HippocampalTrace
		var recordID, assoc string
		if err := rows.Scan(&tr.TraceId, &recordID, &tr.DGCode, &assoc, &tr.CA1TimeHint, &tr.CreatedTs); err != nil {
			return nil, err
		}
		tr.RecordId = cit.RecordId(recordID)
		tr.CA3Assoc = decodeStrings(assoc)
		out = append(out, &tr)
	}
	return out, rows.Err()
}

// BuildCue derives the same sparse code sparseCode would store for a
// record with this text/embedding, for callers (the Read Pipeline) that
// need to query Complete with a cue built the same way encoding does.
func BuildCue(text string, embedding cit.Embedding) []byte {
	return sparseCode(text, embedding)
}

// CodeSimilarity exposes jaccard for callers outside the store package
// (consolidation's dedupe-vote pool) that need to compare two traces' sparse
// codes without duplicating the bit-counting logic.
func CodeSimilarity(a, b []byte) float64 {
	return jaccard(a, b)
}

// sparseCode derives a deterministic pattern-separated code from text and
// an optional embedding: each of a handful of hash "channels" sets one bit,
// so similar inputs rarely collide in more than a couple of bits.
func sparseCode(text string, embedding cit.Embedding) []byte {
	code := make([]byte, codeBytes)
	const channels = 24 // active-bit budget, keeps the code sparse at 256 bits

	seed := sha256.Sum256([]byte(text))
	for i := 0; i < channels; i++ {
		h := sha256.Sum256(append(seed[:], byte(i)))
		bit := (uint32(h[0])<<24 | uint32(h[1])<<16 | uint32(h[2])<<8 | uint32(h[3])) % (codeBytes * 8)
		code[bit/8] |= 1 << (bit % 8)
	}

	if len(embedding) > 0 {
		eh := sha256.Sum256(embeddingBytes(embedding))
		for i := 0; i < channels/2; i++ {
			h := sha256.Sum256(append(eh[:], byte(i)))
			bit := (uint32(h[0])<<24 | uint32(h[1])<<16 | uint32(h[2])<<8 | uint32(h[3])) % (codeBytes * 8)
			code[bit/8] |= 1 << (bit % 8)
		}
	}
	return code
}

func embeddingBytes(e cit.Embedding) []byte {
	return encodeFloat32s(e)
}

func jaccard(a, b []byte) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var inter, union int
	for i := 0; i < n; i++ {
		inter += bits.OnesCount8(a[i] & b[i])
		union += bits.OnesCount8(a[i] | b[i])
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func encodeStrings(ss []string) string { return joinStrings(ss) }

func decodeStrings(s string) []string { return splitNonEmpty(s) }

func joinStrings(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	out := ss[0]
	for _, s := range ss[1:] {
		out += "," + s
	}
	return out
}

package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"sort"

	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/corerr"
)

// VectorStore holds fixed-dimension embeddings and answers cosine-similarity
// nearest-neighbor queries (§3, §8 P4). Embeddings are BLOB-encoded
// little-endian float32 arrays, grounded on internal/memory/sqlite_vec.go;
// similarity is computed in Go rather than via a vector extension, which is
// adequate at the per-space record counts this engine targets.
type VectorStore struct {
	db  *sql.DB
	dim int
}

// NewVectorStore binds a VectorStore to a fixed embedding dimension, set
// once at cold-start and never changed (§3 "dimension fixed at init").
func NewVectorStore(db *sql.DB, dim int) *VectorStore {
	return &VectorStore{db: db, dim: dim}
}

// Dim returns the fixed embedding dimension this store was opened with; 0
// means no vector store is configured for this space.
func (s *VectorStore) Dim() int { return s.dim }

// VectorResult is one ranked nearest-neighbor hit.
type VectorResult struct {
	RecordId cit.RecordId
	Score    float32
}

// UpsertTx stores or replaces the embedding for a record. A dimension
// mismatch against the store's fixed dimension is a SchemaError — the
// embedding model changed underneath the engine, which is not something a
// single write should silently paper over.
func (s *VectorStore) UpsertTx(tx *sql.Tx, e *VectorEntry) error {
	if len(e.Vector) != s.dim {
		return corerr.New(corerr.KindSchemaError, "embedding dimension mismatch")
	}
	if e.Id == "" {
		e.Id = string(e.RecordId)
	}
	_, err := tx.Exec(`
		INSERT INTO vector_entries (id, record_id, vector, meta)
		VALUES (?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			record_id = excluded.record_id,
			vector = excluded.vector,
			meta = excluded.meta
	`, e.Id, string(e.RecordId), encodeFloat32s(e.Vector), encodeKV(e.Meta))
	return err
}

// Search returns the top-k nearest neighbors to query by cosine similarity.
// Ties are broken by ascending record id so repeated queries over an
// unchanged store are fully deterministic (§8 P4).
func (s *VectorStore) Search(ctx context.Context, query cit.Embedding, limit int) ([]VectorResult, error) {
	if len(query) != s.dim {
		return nil, corerr.New(corerr.KindSchemaError, "query embedding dimension mismatch")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT record_id, vector FROM vector_entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []VectorResult
	for rows.Next() {
		var recordID string
		var blob []byte
		if err := rows.Scan(&recordID, &blob); err != nil {
			return nil, err
		}
		stored := decodeFloat32s(blob)
		if len(stored) != len(query) {
			continue
		}
		candidates = append(candidates, VectorResult{
			RecordId: cit.RecordId(recordID),
			Score:    cosineSimilarity(query, stored),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].RecordId < candidates[j].RecordId
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeFloat32s(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

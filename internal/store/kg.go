package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"sort"
)

// KGStore is a typed directed multigraph over entities (§3, §4.5.2).
// Edges carry a type and an optional provenance list of the records that
// asserted them; deletion is a tombstone, never a hard delete, so
// consolidation's dedupe pass can still see what was retracted.
type KGStore struct {
	db *sql.DB
}

func NewKGStore(db *sql.DB) *KGStore { return &KGStore{db: db} }

// AddEdgeTx inserts or revives an edge between src and dst of the given
// type. Re-adding a tombstoned edge clears the tombstone rather than
// creating a duplicate row.
func (s *KGStore) AddEdgeTx(tx *sql.Tx, e *GraphEdge) error {
	if e.Id == "" {
		e.Id = edgeID(e.Src, e.Dst, e.Type)
	}
	_, err := tx.Exec(`
		INSERT INTO kg_edges (id, src, dst, type, weight, provenance, tombstoned)
		VALUES (?,?,?,?,?,?,0)
		ON CONFLICT(id) DO UPDATE SET
			weight = excluded.weight,
			provenance = excluded.provenance,
			tombstoned = 0
	`, e.Id, e.Src, e.Dst, e.Type, e.Weight, encodeRecordIds(e.Provenance))
	return err
}

// EdgeWeightTx returns the current weight of a live (non-tombstoned) edge,
// or 0 if no such edge exists yet — used by callers that accumulate
// co-occurrence weight across repeated observations (consolidation's
// entity co-occurrence promotion).
func (s *KGStore) EdgeWeightTx(tx *sql.Tx, src, dst, typ string) (float64, error) {
	var w float64
	err := tx.QueryRow(`SELECT weight FROM kg_edges WHERE id = ? AND tombstoned = 0`, edgeID(src, dst, typ)).Scan(&w)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return w, err
}

// DelEdgeTx tombstones an edge without removing its row.
func (s *KGStore) DelEdgeTx(tx *sql.Tx, src, dst, typ string) error {
	_, err := tx.Exec(`UPDATE kg_edges SET tombstoned = 1 WHERE id = ?`, edgeID(src, dst, typ))
	return err
}

// Neighbors returns nodes reachable from node within depth hops, optionally
// filtered to a single edge type. Breadth-first, deterministic ordering by
// (depth, dst).
func (s *KGStore) Neighbors(ctx context.Context, node string, edgeType string, depth int) ([]string, error) {
	if depth < 1 {
		depth = 1
	}
	visited := map[string]bool{node: true}
	frontier := []string{node}
	var order []string

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, n := range frontier {
			dsts, err := s.outEdges(ctx, n, edgeType)
			if err != nil {
				return nil, err
			}
			for _, dst := range dsts {
				if visited[dst] {
					continue
				}
				visited[dst] = true
				next = append(next, dst)
			}
		}
		sort.Strings(next)
		order = append(order, next...)
		frontier = next
	}
	return order, nil
}

func (s *KGStore) outEdges(ctx context.Context, src, edgeType string) ([]string, error) {
	q := `SELECT dst FROM kg_edges WHERE src = ? AND tombstoned = 0`
	args := []any{src}
	if edgeType != "" {
		q += ` AND type = ?`
		args = append(args, edgeType)
	}
	q += ` ORDER BY dst`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var dst string
		if err := rows.Scan(&dst); err != nil {
			return nil, err
		}
		out = append(out, dst)
	}
	return out, rows.Err()
}

func edgeID(src, dst, typ string) string {
	h := sha256.Sum256([]byte(src + "|" + dst + "|" + typ))
	return hex.EncodeToString(h[:12])
}

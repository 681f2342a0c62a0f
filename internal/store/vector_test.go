package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/corerr"
)

func newVectorTestDB(t *testing.T, dim int) (*VectorStore, *sql.DB) {
	t.Helper()
	db, err := OpenSpaceDB(t.TempDir() + "/space.db")
	if err != nil {
		t.Fatalf("OpenSpaceDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewVectorStore(db, dim), db
}

func TestVectorSearchRanksBySimilarity(t *testing.T) {
	s, db := newVectorTestDB(t, 3)
	recA, recB := cit.NewRecordId(), cit.NewRecordId()

	withTx(t, db, func(tx *sql.Tx) error {
		return s.UpsertTx(tx, &VectorEntry{RecordId: recA, Vector: []float32{1, 0, 0}})
	})
	withTx(t, db, func(tx *sql.Tx) error {
		return s.UpsertTx(tx, &VectorEntry{RecordId: recB, Vector: []float32{0, 1, 0}})
	})

	got, err := s.Search(context.Background(), cit.Embedding{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 || got[0].RecordId != recA {
		t.Fatalf("expected recA ranked first, got %+v", got)
	}
}

func TestVectorUpsertRejectsDimensionMismatch(t *testing.T) {
	s, db := newVectorTestDB(t, 3)
	err := withTxErr(db, func(tx *sql.Tx) error {
		return s.UpsertTx(tx, &VectorEntry{RecordId: cit.NewRecordId(), Vector: []float32{1, 2}})
	})
	if !corerr.Is(err, corerr.KindSchemaError) {
		t.Fatalf("expected schema_error, got %v", err)
	}
}

func TestVectorSearchTieBreaksByRecordId(t *testing.T) {
	s, db := newVectorTestDB(t, 2)
	recs := []cit.RecordId{cit.NewRecordId(), cit.NewRecordId()}
	for _, r := range recs {
		r := r
		withTx(t, db, func(tx *sql.Tx) error {
			return s.UpsertTx(tx, &VectorEntry{RecordId: r, Vector: []float32{1, 1}})
		})
	}

	got, err := s.Search(context.Background(), cit.Embedding{1, 1}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := recs[0]
	if recs[1] < recs[0] {
		want = recs[1]
	}
	if got[0].RecordId != want {
		t.Fatalf("expected deterministic ascending tie-break, got %+v", got)
	}
}

func withTxErr(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

package store

import (
	"context"
	"database/sql"
	"testing"
)

func newKGTestDB(t *testing.T) (*KGStore, *sql.DB) {
	t.Helper()
	db, err := OpenSpaceDB(t.TempDir() + "/space.db")
	if err != nil {
		t.Fatalf("OpenSpaceDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewKGStore(db), db
}

func TestNeighborsOneHop(t *testing.T) {
	s, db := newKGTestDB(t)
	withTx(t, db, func(tx *sql.Tx) error { return s.AddEdgeTx(tx, &GraphEdge{Src: "alice", Dst: "bob", Type: "parent_of"}) })
	withTx(t, db, func(tx *sql.Tx) error { return s.AddEdgeTx(tx, &GraphEdge{Src: "bob", Dst: "carol", Type: "parent_of"}) })

	one, err := s.Neighbors(context.Background(), "alice", "parent_of", 1)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(one) != 1 || one[0] != "bob" {
		t.Fatalf("expected [bob], got %v", one)
	}

	two, err := s.Neighbors(context.Background(), "alice", "parent_of", 2)
	if err != nil {
		t.Fatalf("Neighbors depth 2: %v", err)
	}
	if len(two) != 2 {
		t.Fatalf("expected 2 nodes within depth 2, got %v", two)
	}
}

func TestDelEdgeTombstonesNotRemoves(t *testing.T) {
	s, db := newKGTestDB(t)
	withTx(t, db, func(tx *sql.Tx) error { return s.AddEdgeTx(tx, &GraphEdge{Src: "alice", Dst: "bob", Type: "parent_of"}) })
	withTx(t, db, func(tx *sql.Tx) error { return s.DelEdgeTx(tx, "alice", "bob", "parent_of") })

	got, err := s.Neighbors(context.Background(), "alice", "parent_of", 1)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected tombstoned edge hidden, got %v", got)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM kg_edges WHERE src = 'alice'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected row retained as tombstone, got count %d", count)
	}
}

func TestAddEdgeRevivesTombstone(t *testing.T) {
	s, db := newKGTestDB(t)
	withTx(t, db, func(tx *sql.Tx) error { return s.AddEdgeTx(tx, &GraphEdge{Src: "alice", Dst: "bob", Type: "parent_of"}) })
	withTx(t, db, func(tx *sql.Tx) error { return s.DelEdgeTx(tx, "alice", "bob", "parent_of") })
	withTx(t, db, func(tx *sql.Tx) error { return s.AddEdgeTx(tx, &GraphEdge{Src: "alice", Dst: "bob", Type: "parent_of"}) })

	got, err := s.Neighbors(context.Background(), "alice", "parent_of", 1)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected edge revived, got %v", got)
	}
}

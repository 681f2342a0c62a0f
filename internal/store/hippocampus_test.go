package store

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

func newHippoTestDB(t *testing.T) (*HippocampalStore, *sql.DB) {
	t.Helper()
	db, err := OpenSpaceDB(t.TempDir() + "/space.db")
	if err != nil {
		t.Fatalf("OpenSpaceDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewHippocampalStore(db), db
}

func TestEncodeIsDeterministicForSameText(t *testing.T) {
	a := sparseCode("pick up milk", nil)
	b := sparseCode("pick up milk", nil)
	if jaccard(a, b) != 1 {
		t.Fatalf("expected identical codes for identical text, jaccard=%v", jaccard(a, b))
	}
}

func TestEncodeDiffersForDifferentText(t *testing.T) {
	a := sparseCode("pick up milk", nil)
	b := sparseCode("grandma's birthday party", nil)
	if jaccard(a, b) == 1 {
		t.Fatal("expected different text to produce different codes")
	}
}

func TestCompleteRanksExactMatchFirst(t *testing.T) {
	s, db := newHippoTestDB(t)
	rec1 := sampleRecord()
	rec1.Content.Text = "pick up milk"
	rec2 := sampleRecord()
	rec2.Content.Text = "grandma's birthday party"

	withTx(t, db, func(tx *sql.Tx) error {
		_, err := s.EncodeTx(tx, "trace-1", rec1, nil, 1000)
		return err
	})
	withTx(t, db, func(tx *sql.Tx) error {
		_, err := s.EncodeTx(tx, "trace-2", rec2, nil, 2000)
		return err
	})

	cue := sparseCode("pick up milk", nil)
	got, err := s.Complete(context.Background(), cue, 2)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(got) != 2 || got[0].TraceId != "trace-1" {
		t.Fatalf("expected trace-1 ranked first, got %+v", got)
	}
}

func TestDecayRemovesConsolidatedAndStale(t *testing.T) {
	s, db := newHippoTestDB(t)
	rec := sampleRecord()
	withTx(t, db, func(tx *sql.Tx) error {
		_, err := s.EncodeTx(tx, "trace-1", rec, nil, 1000)
		return err
	})
	withTx(t, db, func(tx *sql.Tx) error { return s.MarkConsolidatedTx(tx, "trace-1") })

	var removed int64
	withTx(t, db, func(tx *sql.Tx) error {
		var err error
		removed, err = s.DecayTx(tx, 1000, time.Hour)
		return err
	})
	if removed != 1 {
		t.Fatalf("expected 1 row removed, got %d", removed)
	}
}


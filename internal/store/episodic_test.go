package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/familycore/famcore/internal/cit"
)

func newTestDB(t *testing.T) (*EpisodicStore, *sql.DB) {
	t.Helper()
	db, err := OpenSpaceDB(filepath.Join(t.TempDir(), "space.db"))
	if err != nil {
		t.Fatalf("OpenSpaceDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewEpisodicStore(db), db
}

func sampleRecord() *MemoryRecord {
	return &MemoryRecord{
		Id:        cit.NewRecordId(),
		FamilyId:  "fam_01",
		SpaceId:   cit.NewPersonalSpace(cit.UserId("user_01")),
		Author:    Author{User: "user_01", Device: "dev_01", Role: "owner"},
		CreatedTs: 1000,
		UpdatedTs: 1000,
		Band:      cit.BandGreen,
		Content:   Content{Type: "text", Text: "hello world"},
		Features:  Features{Keywords: []string{"hello"}, Tags: []string{"greeting"}, Importance: 0.5},
		Privacy:   Privacy{Visibility: "personal"},
		VC:        cit.NewVectorClock(),
	}
}

func withTx(t *testing.T, db *sql.DB, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx fn: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestUpsertAndGetRoundTrip(t *testing.T) {
	s, db := newTestDB(t)
	rec := sampleRecord()

	withTx(t, db, func(tx *sql.Tx) error { return s.UpsertTx(tx, rec) })

	got, err := s.Get(context.Background(), rec.Id, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content.Text != "hello world" {
		t.Fatalf("unexpected text: %q", got.Content.Text)
	}
	if got.Band != cit.BandGreen {
		t.Fatalf("unexpected band: %v", got.Band)
	}
}

func TestTombstoneHidesFromDefaultGet(t *testing.T) {
	s, db := newTestDB(t)
	rec := sampleRecord()
	withTx(t, db, func(tx *sql.Tx) error { return s.UpsertTx(tx, rec) })
	withTx(t, db, func(tx *sql.Tx) error { return s.TombstoneTx(tx, rec.Id, 2000) })

	if _, err := s.Get(context.Background(), rec.Id, false); err == nil {
		t.Fatal("expected no rows for tombstoned record")
	}
	got, err := s.Get(context.Background(), rec.Id, true)
	if err != nil {
		t.Fatalf("Get(includeTombstoned): %v", err)
	}
	if !got.Tombstoned {
		t.Fatal("expected Tombstoned=true")
	}
}

func TestByTagsFiltersCaseInsensitively(t *testing.T) {
	s, db := newTestDB(t)
	rec := sampleRecord()
	rec.Features.Tags = []string{"Soccer"}
	withTx(t, db, func(tx *sql.Tx) error { return s.UpsertTx(tx, rec) })

	got, err := s.ByTags(context.Background(), rec.SpaceId, []string{"soccer"}, 10)
	if err != nil {
		t.Fatalf("ByTags: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 match, got %d", len(got))
	}
}

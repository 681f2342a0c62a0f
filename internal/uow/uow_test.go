package uow

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/corerr"
	"github.com/familycore/famcore/internal/pdp"
	"github.com/familycore/famcore/internal/store"
)

func newTestStores(t *testing.T) *store.SpaceStores {
	t.Helper()
	s, err := store.OpenSpaceStores(filepath.Join(t.TempDir(), "space.db"), 3)
	if err != nil {
		t.Fatalf("OpenSpaceStores: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleJournal(space cit.SpaceId, clientOpID string, rec *storeRecord) *Journal {
	decision := pdp.PolicyDecision{Decision: pdp.Allow}
	j := NewJournal(clientOpID, space, "user_01", decision)
	j.RecordIds = []cit.RecordId{rec.Id}
	j.Stage(func(tx *sql.Tx) error { return rec.upsert(tx) })
	return j
}

// storeRecord is a tiny adapter so this test doesn't need the full store
// package's MemoryRecord construction ceremony.
type storeRecord struct {
	Id    cit.RecordId
	store *store.EpisodicStore
}

func (r *storeRecord) upsert(tx *sql.Tx) error {
	return r.store.UpsertTx(tx, &store.MemoryRecord{
		Id:       r.Id,
		FamilyId: "fam_01",
		SpaceId:  "personal:user_01",
		Author:   store.Author{User: "user_01", Device: "dev_01", Role: "owner"},
		Content:  store.Content{Type: "text", Text: "hi"},
		VC:       cit.NewVectorClock(),
	})
}

func TestCommitAppendsChainedReceipt(t *testing.T) {
	s := newTestStores(t)
	space := cit.SpaceId("personal:user_01")

	rec1 := &storeRecord{Id: cit.NewRecordId(), store: s.Episodic}
	r1, err := Commit(context.Background(), s, sampleJournal(space, "op-1", rec1))
	if err != nil {
		t.Fatalf("Commit 1: %v", err)
	}
	if r1.PrevHash != "" {
		t.Fatalf("expected empty prev_hash for first receipt, got %q", r1.PrevHash)
	}

	rec2 := &storeRecord{Id: cit.NewRecordId(), store: s.Episodic}
	r2, err := Commit(context.Background(), s, sampleJournal(space, "op-2", rec2))
	if err != nil {
		t.Fatalf("Commit 2: %v", err)
	}
	if r2.PrevHash != r1.Hash {
		t.Fatalf("expected chained hash, got prev=%q want=%q", r2.PrevHash, r1.Hash)
	}
	if r2.Seq != r1.Seq+1 {
		t.Fatalf("expected monotonically increasing seq, got %d then %d", r1.Seq, r2.Seq)
	}
}

func TestCommitIsIdempotentByClientOpID(t *testing.T) {
	s := newTestStores(t)
	space := cit.SpaceId("personal:user_01")
	rec := &storeRecord{Id: cit.NewRecordId(), store: s.Episodic}

	j1 := sampleJournal(space, "dup-op", rec)
	first, err := Commit(context.Background(), s, j1)
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}

	j2 := sampleJournal(space, "dup-op", rec)
	second, err := Commit(context.Background(), s, j2)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if second.ReceiptId != first.ReceiptId {
		t.Fatalf("expected same receipt for duplicate client_op_id, got %q vs %q", second.ReceiptId, first.ReceiptId)
	}
}

func TestCommitRefusesWhenSpacePanicked(t *testing.T) {
	s := newTestStores(t)
	space := cit.SpaceId("personal:user_01")
	setPanicked(space, true)
	t.Cleanup(func() { setPanicked(space, false) })

	rec := &storeRecord{Id: cit.NewRecordId(), store: s.Episodic}
	_, err := Commit(context.Background(), s, sampleJournal(space, "op-x", rec))
	if !corerr.Is(err, corerr.KindUowPanic) {
		t.Fatalf("expected uow_panic, got %v", err)
	}
}

func TestRepairClearsPanicFlag(t *testing.T) {
	space := cit.SpaceId("personal:user_01")
	setPanicked(space, true)
	Repair(space)
	if IsPanicked(space) {
		t.Fatal("expected Repair to clear the panic flag")
	}
}

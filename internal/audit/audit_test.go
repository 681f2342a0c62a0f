package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/pdp"
	"github.com/familycore/famcore/internal/store"
	"github.com/familycore/famcore/internal/uow"
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

func commitSample(t *testing.T, s *store.SpaceStores, space cit.SpaceId, clientOpID string, recID cit.RecordId) *uow.Receipt {
	t.Helper()
	decision := pdp.PolicyDecision{Decision: pdp.Allow}
	j := uow.NewJournal(clientOpID, space, "user_01", decision)
	j.RecordIds = []cit.RecordId{recID}
	j.Stage(func(tx *sql.Tx) error {
		return s.Episodic.UpsertTx(tx, &store.MemoryRecord{
			Id:       recID,
			FamilyId: "fam_01",
			SpaceId:  space,
			Author:   store.Author{User: "user_01", Device: "dev_01", Role: "owner"},
			Content:  store.Content{Type: "text", Text: "hi"},
			VC:       cit.NewVectorClock(),
		})
	})
	r, err := uow.Commit(context.Background(), s, j)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return r
}

func TestByRecordIdFindsCommittingReceipt(t *testing.T) {
	s := newTestStores(t)
	space := cit.SpaceId("personal:user_01")
	rec := cit.NewRecordId()
	commitSample(t, s, space, "op-1", rec)

	log := NewLog(s.DB)
	receipts, err := log.ByRecordId(context.Background(), rec)
	if err != nil {
		t.Fatalf("ByRecordId: %v", err)
	}
	if len(receipts) != 1 || receipts[0].RecordIds[0] != rec {
		t.Fatalf("expected one receipt for %s, got %+v", rec, receipts)
	}
}

func TestByTimeRangeReturnsAscendingBySeq(t *testing.T) {
	s := newTestStores(t)
	space := cit.SpaceId("personal:user_01")
	commitSample(t, s, space, "op-1", cit.NewRecordId())
	commitSample(t, s, space, "op-2", cit.NewRecordId())

	log := NewLog(s.DB)
	receipts, err := log.ByTimeRange(context.Background(), 0, cit.NowMs()+1000)
	if err != nil {
		t.Fatalf("ByTimeRange: %v", err)
	}
	if len(receipts) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(receipts))
	}
	if receipts[0].Seq >= receipts[1].Seq {
		t.Fatalf("expected ascending seq order, got %d then %d", receipts[0].Seq, receipts[1].Seq)
	}
}

func TestVerifyPassesOnIntactChain(t *testing.T) {
	s := newTestStores(t)
	space := cit.SpaceId("personal:user_01")
	commitSample(t, s, space, "op-1", cit.NewRecordId())
	commitSample(t, s, space, "op-2", cit.NewRecordId())
	commitSample(t, s, space, "op-3", cit.NewRecordId())

	div, err := Verify(context.Background(), NewLog(s.DB))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if div != nil {
		t.Fatalf("expected no divergence, got %+v", div)
	}
}

func TestVerifyDetectsTamperedHash(t *testing.T) {
	s := newTestStores(t)
	space := cit.SpaceId("personal:user_01")
	r1 := commitSample(t, s, space, "op-1", cit.NewRecordId())
	commitSample(t, s, space, "op-2", cit.NewRecordId())

	if _, err := s.DB.Exec(`UPDATE receipts SET actor = 'attacker' WHERE receipt_id = ?`, r1.ReceiptId); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	div, err := Verify(context.Background(), NewLog(s.DB))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if div == nil {
		t.Fatal("expected a divergence after tampering with a receipt")
	}
	if div.Seq != r1.Seq {
		t.Fatalf("expected divergence at seq %d, got %d", r1.Seq, div.Seq)
	}
}

package wm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/corerr"
	"github.com/familycore/famcore/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.OpenSpaceDB(filepath.Join(t.TempDir(), "space.db"))
	if err != nil {
		t.Fatalf("OpenSpaceDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(store.NewEpisodicStore(db))
}

func TestAdmitWithinCapacitySucceeds(t *testing.T) {
	s := newTestStore(t)
	err := s.Admit("sess-1", 5, Item{RecordId: cit.NewRecordId(), Salience: 0.8})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	items := s.Query("sess-1", nil)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
}

func TestAdmitEvictsWorstWhenAtCapacity(t *testing.T) {
	s := newTestStore(t)
	low := cit.NewRecordId()
	if err := s.Admit("sess-1", MinCapacity, Item{RecordId: low, Salience: 0.1}); err != nil {
		t.Fatalf("admit low: %v", err)
	}
	for i := 1; i < MinCapacity; i++ {
		if err := s.Admit("sess-1", MinCapacity, Item{RecordId: cit.NewRecordId(), Salience: 0.5}); err != nil {
			t.Fatalf("admit filler %d: %v", i, err)
		}
	}
	high := cit.NewRecordId()
	if err := s.Admit("sess-1", MinCapacity, Item{RecordId: high, Salience: 0.9}); err != nil {
		t.Fatalf("admit high: %v", err)
	}

	items := s.Query("sess-1", nil)
	if len(items) != MinCapacity || items[0].RecordId != high {
		t.Fatalf("expected %d items led by the high-salience one, got %+v", MinCapacity, items)
	}
	for _, it := range items {
		if it.RecordId == low {
			t.Fatalf("expected the low-salience item to be evicted, got %+v", items)
		}
	}
}

func TestAdmitDeniesWhenAllProtected(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < MinCapacity; i++ {
		if err := s.Admit("sess-1", MinCapacity, Item{RecordId: cit.NewRecordId(), Salience: 0.1, DoNotEvict: true}); err != nil {
			t.Fatalf("admit protected %d: %v", i, err)
		}
	}

	err := s.Admit("sess-1", MinCapacity, Item{RecordId: cit.NewRecordId(), Salience: 0.9})
	if !corerr.Is(err, corerr.KindBackpressure) {
		t.Fatalf("expected backpressure denial, got %v", err)
	}
}

func TestCoherenceReflectsDominantTag(t *testing.T) {
	s := newTestStore(t)
	s.Admit("sess-1", 5, Item{RecordId: cit.NewRecordId(), Tags: []string{"soccer"}})
	s.Admit("sess-1", 5, Item{RecordId: cit.NewRecordId(), Tags: []string{"soccer"}})
	s.Admit("sess-1", 5, Item{RecordId: cit.NewRecordId(), Tags: []string{"dentist"}})

	score, top := s.Coherence("sess-1")
	if len(top) == 0 || top[0] != "soccer" {
		t.Fatalf("expected soccer as dominant tag, got %v", top)
	}
	want := 2.0 / 3.0
	if score < want-0.001 || score > want+0.001 {
		t.Fatalf("expected coherence %v, got %v", want, score)
	}
}

func TestActiveContextReturnsImmutableIdentityAndItems(t *testing.T) {
	s := newTestStore(t)
	first := cit.NewRecordId()
	if err := s.Admit("sess-1", 5, Item{
		RecordId: first, Salience: 0.4,
		Actor: cit.UserId("user_01"), Device: cit.DeviceId("dev_01"),
	}); err != nil {
		t.Fatalf("admit first: %v", err)
	}

	// A later admit into the same session from a different actor/device
	// must not change the session's own stamped identity.
	second := cit.NewRecordId()
	if err := s.Admit("sess-1", 5, Item{
		RecordId: second, Salience: 0.9,
		Actor: cit.UserId("user_02"), Device: cit.DeviceId("dev_02"),
	}); err != nil {
		t.Fatalf("admit second: %v", err)
	}

	ac, err := s.ActiveContext("sess-1")
	if err != nil {
		t.Fatalf("ActiveContext: %v", err)
	}
	if ac.Actor != cit.UserId("user_01") || ac.Device != cit.DeviceId("dev_01") {
		t.Fatalf("expected session identity stamped from first Admit, got actor=%v device=%v", ac.Actor, ac.Device)
	}
	if len(ac.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(ac.Items))
	}
	if ac.Items[0].RecordId != second {
		t.Fatalf("expected items ordered by descending salience, got %+v", ac.Items)
	}
}

func TestActiveContextUnknownSessionReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ActiveContext("no-such-session")
	if !corerr.Is(err, corerr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestExpireIdleSnapshotsAndClears(t *testing.T) {
	s := newTestStore(t)
	rec := cit.NewRecordId()
	s.Admit("sess-1", 5, Item{RecordId: rec})

	// Force the session to look idle by rewinding now().
	past := time.Now().Add(-time.Hour)
	s.now = func() time.Time { return past }
	s.Touch("sess-1", rec) // refresh lastActivity at the rewound time
	s.now = time.Now

	expired, err := s.ExpireIdle(context.Background(), "fam_01", cit.NewPersonalSpace("user_01"))
	if err != nil {
		t.Fatalf("ExpireIdle: %v", err)
	}
	if len(expired) != 1 || expired[0] != "sess-1" {
		t.Fatalf("expected sess-1 to expire, got %v", expired)
	}
	if items := s.Query("sess-1", nil); len(items) != 0 {
		t.Fatalf("expected session cleared, got %+v", items)
	}
}

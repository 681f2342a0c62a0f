package prospective

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/store"
)

func newTestRunner(t *testing.T) (*Runner, *store.SpaceStores, cit.SpaceId) {
	t.Helper()
	space := cit.NewPersonalSpace(cit.UserId("user_01"))
	stores, err := store.OpenSpaceStores(filepath.Join(t.TempDir(), "space.db"), 0)
	if err != nil {
		t.Fatalf("OpenSpaceStores: %v", err)
	}
	t.Cleanup(func() { stores.Close() })
	r := New(func(s cit.SpaceId) (*store.SpaceStores, error) { return stores, nil }, nil, nil, DefaultConfig())
	return r, stores, space
}

func TestScheduleAndFireTimeOnlyTrigger(t *testing.T) {
	r, stores, space := newTestRunner(t)
	now := int64(1_700_000_000_000)

	id, err := r.Schedule(context.Background(), space, "user_01", Predicate{At: now - 1000}, "payload_ref_1")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	summary, err := r.EvaluateSpace(context.Background(), space, now, nil)
	if err != nil {
		t.Fatalf("EvaluateSpace: %v", err)
	}
	if summary.Considered != 1 || summary.Armed != 1 || summary.Fired != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	trig, err := stores.Prospective.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if trig.State != store.TriggerFired {
		t.Fatalf("expected FIRED, got %s", trig.State)
	}
	if trig.FiredEpoch != 1 {
		t.Fatalf("expected fired_epoch 1, got %d", trig.FiredEpoch)
	}
}

func TestTriggerWithUnmetContextReschedules(t *testing.T) {
	r, stores, space := newTestRunner(t)
	now := int64(1_700_000_000_000)

	id, err := r.Schedule(context.Background(), space, "user_01", Predicate{
		At:      now - 1000,
		Context: map[string]string{"location": "home"},
	}, "payload_ref_2")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	summary, err := r.EvaluateSpace(context.Background(), space, now, map[string]string{"location": "school"})
	if err != nil {
		t.Fatalf("EvaluateSpace: %v", err)
	}
	if summary.Fired != 0 || summary.Rescheduled != 1 {
		t.Fatalf("expected a reschedule, not a fire: %+v", summary)
	}

	trig, err := stores.Prospective.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if trig.State != store.TriggerArmed {
		t.Fatalf("expected ARMED after a non-matching context, got %s", trig.State)
	}
	if trig.NextEvalTs <= now {
		t.Fatalf("expected next_eval_ts to move forward, got %d (now=%d)", trig.NextEvalTs, now)
	}

	// second pass with the matching context should fire it.
	summary, err = r.EvaluateSpace(context.Background(), space, trig.NextEvalTs, map[string]string{"location": "home"})
	if err != nil {
		t.Fatalf("EvaluateSpace second pass: %v", err)
	}
	if summary.Fired != 1 {
		t.Fatalf("expected the trigger to fire once context matches: %+v", summary)
	}
}

func TestFireTxIsExactlyOnce(t *testing.T) {
	r, stores, space := newTestRunner(t)
	now := int64(1_700_000_000_000)

	id, err := r.Schedule(context.Background(), space, "user_01", Predicate{At: now - 1000}, "payload_ref_3")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if _, err := r.EvaluateSpace(context.Background(), space, now, nil); err != nil {
		t.Fatalf("first EvaluateSpace: %v", err)
	}
	// Second pass should find the trigger no longer due (state is FIRED, a
	// terminal state excluded from DueTx's state filter).
	summary, err := r.EvaluateSpace(context.Background(), space, now+1, nil)
	if err != nil {
		t.Fatalf("second EvaluateSpace: %v", err)
	}
	if summary.Considered != 0 {
		t.Fatalf("expected a fired trigger to no longer be due, got %+v", summary)
	}

	trig, err := stores.Prospective.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if trig.FiredEpoch != 1 {
		t.Fatalf("expected fired_epoch to stay 1, got %d", trig.FiredEpoch)
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	r, stores, space := newTestRunner(t)
	now := int64(1_700_000_000_000)

	id, err := r.Schedule(context.Background(), space, "user_01", Predicate{At: now - 1000}, "payload_ref_4")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := r.Cancel(context.Background(), space, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	summary, err := r.EvaluateSpace(context.Background(), space, now, nil)
	if err != nil {
		t.Fatalf("EvaluateSpace: %v", err)
	}
	if summary.Considered != 0 {
		t.Fatalf("expected a canceled trigger to be excluded from the due queue, got %+v", summary)
	}

	trig, err := stores.Prospective.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if trig.State != store.TriggerCanceled {
		t.Fatalf("expected CANCELED, got %s", trig.State)
	}
}

func TestContextMatchesIsSubsetMatch(t *testing.T) {
	pred := map[string]string{"location": "home"}
	if !contextMatches(pred, map[string]string{"location": "home", "mood": "calm"}) {
		t.Fatalf("expected a superset context to match")
	}
	if contextMatches(pred, map[string]string{"location": "school"}) {
		t.Fatalf("expected a mismatched value to not match")
	}
	if contextMatches(pred, nil) {
		t.Fatalf("expected a missing key to not match")
	}
	if !contextMatches(nil, nil) {
		t.Fatalf("expected an empty predicate to always match")
	}
}

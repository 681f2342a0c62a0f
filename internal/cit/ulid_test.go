package cit

import "testing"

func TestNewRecordIdMonotonicSameMillisecond(t *testing.T) {
	orig := nowMsFunc
	defer func() { nowMsFunc = orig }()
	nowMsFunc = func() int64 { return 1700000000000 }

	var prev RecordId
	for i := 0; i < 50; i++ {
		id := NewRecordId()
		if !id.Valid() {
			t.Fatalf("generated invalid record id %q", id)
		}
		if prev != "" && id <= prev {
			t.Fatalf("record ids not strictly increasing: %q then %q", prev, id)
		}
		prev = id
	}
}

func TestRecordIdTimestampRoundTrip(t *testing.T) {
	orig := nowMsFunc
	defer func() { nowMsFunc = orig }()
	nowMsFunc = func() int64 { return 1700000000123 }

	id := NewRecordId()
	ts, err := id.Timestamp()
	if err != nil {
		t.Fatalf("Timestamp: %v", err)
	}
	if got := ts.UnixMilli(); got != 1700000000123 {
		t.Fatalf("timestamp round-trip: got %d want %d", got, 1700000000123)
	}
}

func TestRecordIdValidRejectsGarbage(t *testing.T) {
	if (RecordId("not-a-ulid")).Valid() {
		t.Fatal("expected invalid")
	}
	if (RecordId("")).Valid() {
		t.Fatal("expected invalid for empty id")
	}
}

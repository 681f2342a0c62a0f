package corerr

import (
	"errors"
	"testing"
)

func TestIsAndKindOf(t *testing.T) {
	base := errors.New("db closed")
	err := Wrap(KindTimeout, "store fanout deadline exceeded", base)

	if !Is(err, KindTimeout) {
		t.Fatal("expected KindTimeout")
	}
	if Is(err, KindConflict) {
		t.Fatal("should not match unrelated kind")
	}
	if KindOf(err) != KindTimeout {
		t.Fatalf("KindOf mismatch: %v", KindOf(err))
	}
	if !errors.Is(err, base) {
		t.Fatal("expected Unwrap to expose the cause")
	}
}

func TestKindOfDefaultsInternalForUnclassified(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Fatalf("expected KindInternal, got %v", got)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("expected empty kind for nil error, got %v", got)
	}
}

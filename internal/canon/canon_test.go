package canon

import "testing"

func TestEncodeIsOrderIndependent(t *testing.T) {
	a := Encode(Fields{"b": "2", "a": "1"})
	b := Encode(Fields{"a": "1", "b": "2"})
	if string(a) != string(b) {
		t.Fatalf("encode depends on map iteration order: %q vs %q", a, b)
	}
}

func TestEncodeEscapesDelimiters(t *testing.T) {
	out := Encode(Fields{"k": "a=b\nc"})
	want := "k=a\\=b\\nc\n"
	if string(out) != want {
		t.Fatalf("got %q want %q", out, want)
	}
}

func TestStringSliceSortsForDeterminism(t *testing.T) {
	if got := StringSlice([]string{"z", "a", "m"}); got != "a,m,z" {
		t.Fatalf("got %q", got)
	}
}
